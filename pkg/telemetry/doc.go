// Package telemetry provides logging, tracing, metrics and lifecycle events
// for gpuforge.
//
// The package integrates structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) with a small synchronous event
// publisher.
//
// # Usage
//
// Initialize telemetry once per process:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("fetch")
//	logger.WithDescriptor("checkpoint", "ModelFile").Info("Fetching artifact")
//
// Packages that take a zerolog.Logger directly receive tel.Logger.Zerolog().
//
// # Tracing
//
// NewTracer installs the global tracer provider, so other packages start
// spans with otel.Tracer. Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// A pass is a short-lived process, so metrics are usually written to a
// node_exporter textfile on Shutdown. Long-running watch mode can also serve
// them over HTTP with Metrics.Serve.
//
// # Events
//
// EventPublisher delivers events synchronously in publish order:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Key, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
