package policy

import (
	"path/filepath"
	"time"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a reconcile pass.
	SeverityError Severity = "error"
)

// Blocks reports whether violations of this severity stop a pass.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its package must define a
	// `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one denial produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Key      string   `json:"key,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a manifest.
type Result struct {
	// Allowed is false if any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	Violations        []Violation   `json:"violations,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that stop a pass.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as `input`.
type Input struct {
	Root        string              `json:"root"`
	Service     string              `json:"service"`
	Source      string              `json:"source,omitempty"`
	Descriptors []engine.Descriptor `json:"descriptors"`
}

// NewInput builds the policy input for m. Destinations are cleaned so
// prefix checks cannot be fooled by dot segments.
func NewInput(m *engine.Manifest) *Input {
	in := &Input{
		Root:        m.Root,
		Service:     m.Service,
		Source:      m.Source,
		Descriptors: make([]engine.Descriptor, len(m.Descriptors)),
	}
	if in.Root != "" {
		in.Root = filepath.Clean(in.Root)
	}
	for i, d := range m.Descriptors {
		if d.Destination != "" {
			d.Destination = filepath.Clean(d.Destination)
		}
		in.Descriptors[i] = d
	}
	return in
}
