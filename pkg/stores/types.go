package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Run is the stored summary of one reconciliation pass.
type Run struct {
	ID       string           `json:"id"`
	Manifest string           `json:"manifest"`
	Host     string           `json:"host"`
	Status   engine.RunStatus `json:"status"`
	ExitCode int              `json:"exit_code"`

	Restart engine.RestartResult `json:"restart"`
	Summary engine.ReportSummary `json:"summary"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Outcome is the stored result of one descriptor within a run.
type Outcome struct {
	RunID     string            `json:"run_id"`
	Seq       int               `json:"seq"`
	Key       string            `json:"key"`
	Kind      engine.Kind       `json:"kind"`
	Required  bool              `json:"required"`
	Probe     engine.ProbeState `json:"probe,omitempty"`
	Outcome   engine.Outcome    `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}
