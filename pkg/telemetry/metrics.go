package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for reconciliation passes.
// A nil *Metrics and a disabled one are both valid no-ops.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastRun       prometheus.Gauge

	// Descriptor metrics
	descriptorsReconciled *prometheus.CounterVec
	descriptorDuration    *prometheus.HistogramVec

	// Fetch metrics
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	// Restart and error metrics
	restarts     *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// Long-running fetches need buckets well past the client default.
var fetchBuckets = []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation passes completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation passes in seconds",
				Buckets:   fetchBuckets,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last reconciliation pass completed",
			},
		),
		descriptorsReconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "descriptors_reconciled_total",
				Help:      "Descriptors reconciled by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		descriptorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "descriptor_duration_seconds",
				Help:      "Time spent reconciling one descriptor in seconds",
				Buckets:   fetchBuckets,
			},
			[]string{"kind"},
		),
		fetchBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_bytes_total",
				Help:      "Bytes transferred by fetchers",
			},
			[]string{"scheme"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of artifact fetches in seconds",
				Buckets:   fetchBuckets,
			},
			[]string{"scheme", "result"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_restarts_total",
				Help:      "Service restart attempts by result",
			},
			[]string{"result"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.lastRun,
		m.descriptorsReconciled,
		m.descriptorDuration,
		m.fetchBytes,
		m.fetchDuration,
		m.restarts,
		m.errorsByCode,
	)

	return m, nil
}

// RecordRun records a completed pass.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.lastRun.SetToCurrentTime()
}

// RecordDescriptor records one descriptor outcome.
func (m *Metrics) RecordDescriptor(kind, outcome string, duration time.Duration) {
	if m == nil || m.descriptorsReconciled == nil {
		return
	}
	m.descriptorsReconciled.WithLabelValues(kind, outcome).Inc()
	m.descriptorDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFetch records one fetch attempt.
func (m *Metrics) RecordFetch(scheme string, bytes int64, duration time.Duration, err error) {
	if m == nil || m.fetchBytes == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	if bytes > 0 {
		m.fetchBytes.WithLabelValues(scheme).Add(float64(bytes))
	}
	m.fetchDuration.WithLabelValues(scheme, result).Observe(duration.Seconds())
}

// RecordRestart records a restart attempt result (succeeded, failed, unavailable).
func (m *Metrics) RecordRestart(result string) {
	if m == nil || m.restarts == nil {
		return
	}
	m.restarts.WithLabelValues(result).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Gatherer returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return nil
	}
	return m.registry
}

// Timer helps measure operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// WriteTextfile writes the current metrics in the node_exporter textfile
// format. It is a no-op when metrics are disabled or no textfile is configured.
func (m *Metrics) WriteTextfile() error {
	if m == nil || m.registry == nil || m.config.Textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.Textfile, m.registry)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics over HTTP until ctx is cancelled. It returns
// immediately when no listen address is configured.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
