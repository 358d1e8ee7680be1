package engine

import (
	"encoding/json"
	"fmt"
)

// Kind identifies what a descriptor materializes on the host.
type Kind string

const (
	// KindConfigPatch is an idempotent text edit of a small configuration file.
	KindConfigPatch Kind = "ConfigPatch"

	// KindPlugin is a plugin checkout (a directory, usually a git repository).
	KindPlugin Kind = "Plugin"

	// KindModelFile is a single large model file.
	KindModelFile Kind = "ModelFile"

	// KindModelDirectory is a model stored as a directory tree.
	KindModelDirectory Kind = "ModelDirectory"

	// KindSystemPackage is an OS package installed through the host package manager.
	KindSystemPackage Kind = "SystemPackage"
)

// IsDirectory returns true if the kind materializes a directory.
func (k Kind) IsDirectory() bool {
	return k == KindPlugin || k == KindModelDirectory
}

// IsFetched returns true if the kind is materialized through a Fetcher.
func (k Kind) IsFetched() bool {
	return k == KindPlugin || k == KindModelFile || k == KindModelDirectory
}

// RequiresRestart returns true if changes of this kind need a service restart.
func (k Kind) RequiresRestart() bool {
	return k == KindConfigPatch
}

// HasDestination returns true if the kind targets a filesystem path.
func (k Kind) HasDestination() bool {
	return k != KindSystemPackage
}

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindConfigPatch, KindPlugin, KindModelFile, KindModelDirectory, KindSystemPackage:
		return nil
	default:
		return fmt.Errorf("invalid descriptor kind: %s", k)
	}
}

// ProbeState is the classification of one descriptor against the host.
// It is recomputed every pass and never persisted.
type ProbeState string

const (
	// ProbeSatisfied indicates the destination is fully present.
	ProbeSatisfied ProbeState = "satisfied"

	// ProbeMissing indicates the destination is absent entirely.
	ProbeMissing ProbeState = "missing"

	// ProbeInconsistent indicates the destination is partially present or of the wrong type.
	ProbeInconsistent ProbeState = "inconsistent"

	// ProbeFailed indicates the host could not be inspected.
	ProbeFailed ProbeState = "probe_error"
)

// NeedsAction returns true if the state calls for a fetch or patch.
func (s ProbeState) NeedsAction() bool {
	return s == ProbeMissing || s == ProbeInconsistent
}

// Validate checks if the probe state is valid.
func (s ProbeState) Validate() error {
	switch s {
	case ProbeSatisfied, ProbeMissing, ProbeInconsistent, ProbeFailed:
		return nil
	default:
		return fmt.Errorf("invalid probe state: %s", s)
	}
}

// Outcome is the result recorded for a descriptor in a reconciliation report.
type Outcome string

const (
	// OutcomeAlreadySatisfied indicates no action was needed.
	OutcomeAlreadySatisfied Outcome = "already_satisfied"

	// OutcomeApplied indicates the descriptor was fetched, patched or installed.
	OutcomeApplied Outcome = "applied"

	// OutcomeFailed indicates the descriptor could not be brought to the desired state.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates a config patch was skipped with a warning
	// (missing or malformed target, or absent anchor). Never a failure.
	OutcomeSkipped Outcome = "skipped"
)

// IsFailure returns true if the outcome counts against the run.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailed
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeAlreadySatisfied, OutcomeApplied, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// RunStatus represents the overall status of a reconciliation pass.
type RunStatus string

const (
	// RunStatusSucceeded indicates no descriptor failed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates only optional descriptors failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates at least one required descriptor failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the pass was interrupted before completing.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// PatchType selects the transformation a PatchRule performs.
type PatchType string

const (
	// PatchAppend appends a line if the marker is absent.
	PatchAppend PatchType = "append"

	// PatchRewrite appends tokens to the quoted value of an existing key.
	PatchRewrite PatchType = "rewrite"

	// PatchInsertAfter inserts a line after the first line containing the anchor.
	PatchInsertAfter PatchType = "insert-after"
)

// Validate checks if the patch type is valid.
func (t PatchType) Validate() error {
	switch t {
	case PatchAppend, PatchRewrite, PatchInsertAfter:
		return nil
	default:
		return fmt.Errorf("invalid patch type: %s", t)
	}
}

// RestartPolicy controls when the service is restarted after a pass.
type RestartPolicy string

const (
	// RestartAlways restarts whenever no config patch failed.
	RestartAlways RestartPolicy = "always"

	// RestartOnChange restarts only if some descriptor was applied.
	RestartOnChange RestartPolicy = "on-change"

	// RestartNever disables the restart step.
	RestartNever RestartPolicy = "never"
)

// Validate checks if the restart policy is valid.
func (p RestartPolicy) Validate() error {
	switch p {
	case RestartAlways, RestartOnChange, RestartNever:
		return nil
	default:
		return fmt.Errorf("invalid restart policy: %s", p)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = Kind(str)
	return k.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}
