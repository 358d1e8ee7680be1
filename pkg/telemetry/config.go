package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for gpuforge.
type Config struct {
	// ServiceName is the name reported in traces and metrics.
	ServiceName string `toml:"service_name"`

	// ServiceVersion is the version of the binary.
	ServiceVersion string `toml:"-"`

	// Environment names the deployment (lab, staging, production).
	Environment string `toml:"environment"`

	// Logging contains logging configuration.
	Logging LoggingConfig `toml:"logging"`

	// Tracing contains tracing configuration.
	Tracing TracingConfig `toml:"tracing"`

	// Metrics contains metrics configuration.
	Metrics MetricsConfig `toml:"metrics"`

	// Events contains event publishing configuration.
	Events EventsConfig `toml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`

	// Format specifies the log format (console, json).
	Format string `toml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `toml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `toml:"caller"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `toml:"time_format"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `toml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `toml:"exporter"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `toml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `toml:"sampling_rate"`

	// ExportTimeout bounds span export at shutdown.
	ExportTimeout time.Duration `toml:"export_timeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `toml:"headers"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// Textfile is written after each pass for the node_exporter textfile collector.
	Textfile string `toml:"textfile"`

	// ListenAddress serves /metrics while watching a manifest. Empty disables it.
	ListenAddress string `toml:"listen"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `toml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `toml:"namespace"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	// Enabled controls whether events are delivered to subscribers.
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gpuforge",
		ServiceVersion: "dev",
		Environment:    "production",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
			Headers:       make(map[string]string),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "gpuforge",
		},
		Events: EventsConfig{
			Enabled: true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
