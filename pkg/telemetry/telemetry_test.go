package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "stdout traces", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "stdout"
		}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "empty service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{zlog: zerolog.New(&buf)}

	logger.NewComponentLogger("fetch").
		WithRunID("run-1").
		WithDescriptor("checkpoint", "ModelFile").
		WithError(errors.New("boom")).
		Warn("Fetch failed")

	out := buf.String()
	for _, want := range []string{
		`"component":"fetch"`,
		`"run_id":"run-1"`,
		`"key":"checkpoint"`,
		`"kind":"ModelFile"`,
		`"error":"boom"`,
		`"level":"warn"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpuforge.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("hello")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestEventPublisher(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})

	var all, restarts []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e Event) { restarts = append(restarts, e) }, FilterByType(EventTypeRestart))

	ep.Publish(Event{Type: EventTypeRunStarted, RunID: "run-1"})
	ep.Publish(Event{Type: EventTypeRestart, RunID: "run-1"})

	if len(all) != 2 || len(restarts) != 1 {
		t.Fatalf("delivered %d/%d events, want 2/1", len(all), len(restarts))
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() || all[0].Level != EventLevelInfo {
		t.Errorf("defaults not filled: %+v", all[0])
	}

	var nilPublisher *EventPublisher
	nilPublisher.Publish(Event{Type: EventTypeRunStarted})
	nilPublisher.Subscribe(func(Event) {}, nil)

	disabled := NewEventPublisher(EventsConfig{})
	disabled.Subscribe(func(Event) { t.Error("disabled publisher delivered an event") }, nil)
	disabled.Publish(Event{Type: EventTypeRunStarted})
}

func TestMetrics_Textfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpuforge.prom")
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "gpuforge", Textfile: path})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRun("partial", 3*time.Second)
	m.RecordDescriptor("ModelFile", "failed", time.Second)
	m.RecordFetch("https", 1024, time.Second, nil)
	m.RecordRestart("succeeded")
	m.RecordError("FETCH_ERROR")

	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`gpuforge_runs_completed_total{status="partial"} 1`,
		`gpuforge_descriptors_reconciled_total{kind="ModelFile",outcome="failed"} 1`,
		`gpuforge_fetch_bytes_total{scheme="https"} 1024`,
		`gpuforge_errors_total{code="FETCH_ERROR"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestMetrics_DisabledAndNil(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordRun("succeeded", time.Second)
	if m.Gatherer() != nil {
		t.Error("disabled metrics should have no gatherer")
	}
	if err := m.WriteTextfile(); err != nil {
		t.Error(err)
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Error(err)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordDescriptor("ModelFile", "applied", time.Second)
	nilMetrics.RecordError("X")
}

func TestNewTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "gpuforge", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	ctx, span := tr.StartSpan(context.Background(), "op")
	RecordSuccess(span)
	span.End()
	if TraceID(ctx) != "" {
		t.Errorf("disabled tracer produced trace id %q", TraceID(ctx))
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}
