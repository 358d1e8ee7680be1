package engine

import (
	"time"
)

// Descriptor is one declared unit of desired state: a config patch, a plugin,
// a model artifact or a system package. Descriptors are read-only during a pass.
type Descriptor struct {
	// Key uniquely identifies the descriptor within a manifest.
	Key string `json:"key"`

	// Kind selects how the descriptor is probed and materialized.
	Kind Kind `json:"kind"`

	// Source is the locator the artifact is fetched from (URL or repository URI).
	// For SystemPackage it is the package name.
	Source string `json:"source,omitempty"`

	// Destination is the absolute path the artifact lands at, or the config
	// file a ConfigPatch edits.
	Destination string `json:"destination,omitempty"`

	// SizeHint is the expected artifact size in bytes, used for progress logging only.
	SizeHint int64 `json:"size_hint,omitempty"`

	// Checksum optionally pins fetched file content ("sha256:<hex>" or "blake3:<hex>").
	Checksum string `json:"checksum,omitempty"`

	// Ref is an optional branch or tag for repository sources.
	Ref string `json:"ref,omitempty"`

	// Patch is the rule applied by ConfigPatch descriptors.
	Patch *PatchRule `json:"patch,omitempty"`

	// PostFetch runs after a successful fetch or patch.
	PostFetch *Action `json:"post_fetch,omitempty"`

	// Required marks descriptors whose failure fails the run.
	Required bool `json:"required"`

	// Requires lists prerequisite descriptor keys.
	Requires []string `json:"requires,omitempty"`

	// Expect lists entries, relative to a directory destination, that must
	// exist for the directory to count as complete.
	Expect []string `json:"expect,omitempty"`
}

// PatchRule is a typed, idempotent text transformation of a config file.
type PatchRule struct {
	// Type is the transformation to perform.
	Type PatchType `json:"type"`

	// Marker is the detection substring. When it is present the rule is satisfied.
	// Defaults to Line for append/insert-after rules and to every token for rewrites.
	Marker string `json:"marker,omitempty"`

	// Line is the line added by append and insert-after rules.
	Line string `json:"line,omitempty"`

	// Anchor is the key (rewrite) or line substring (insert-after) the rule attaches to.
	Anchor string `json:"anchor,omitempty"`

	// Tokens are appended to the anchor's value by rewrite rules.
	Tokens []string `json:"tokens,omitempty"`

	// Format optionally declares the file syntax ("env") so malformed files can be rejected.
	Format string `json:"format,omitempty"`
}

// Action is a post-fetch step such as installing a plugin's requirements.
type Action struct {
	// Command is run through the shell when Args is empty, otherwise it is the program.
	Command string `json:"command"`

	// Args are passed to Command directly, bypassing the shell.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory, relative to the artifact directory.
	Dir string `json:"dir,omitempty"`

	// Env adds environment variables.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds the action; zero uses the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ActionResult captures the output of a post-fetch action.
type ActionResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Manifest is the ordered desired state of one host.
type Manifest struct {
	// Root is the destination root. It must exist before a pass starts.
	Root string `json:"root,omitempty"`

	// Service is the unit restarted after a pass, if any.
	Service string `json:"service,omitempty"`

	// Source records where the manifest was loaded from.
	Source string `json:"source,omitempty"`

	// Descriptors in declared order.
	Descriptors []Descriptor `json:"descriptors"`
}

// ProbeResult is the classification of one descriptor. It lives for one pass.
type ProbeResult struct {
	State  ProbeState `json:"state"`
	Detail string     `json:"detail,omitempty"`
	Err    error      `json:"-"`

	// Obstructed is set when the destination holds something a fetch cannot
	// replace, such as a directory where a file belongs.
	Obstructed bool `json:"obstructed,omitempty"`
}

// FetchRequest asks a Fetcher to materialize one artifact.
type FetchRequest struct {
	Key         string
	Locator     string
	Destination string
	Directory   bool
	Checksum    string
	Ref         string
	SizeHint    int64
}

// DescriptorResult is one entry of a reconciliation report.
type DescriptorResult struct {
	Key       string        `json:"key"`
	Kind      Kind          `json:"kind"`
	Required  bool          `json:"required"`
	Probe     ProbeState    `json:"probe,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RestartResult records the post-pass service restart decision.
type RestartResult struct {
	Service   string `json:"service,omitempty"`
	Attempted bool   `json:"attempted"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ReportSummary provides statistics about a pass.
type ReportSummary struct {
	Total            int `json:"total"`
	AlreadySatisfied int `json:"already_satisfied"`
	Applied          int `json:"applied"`
	Failed           int `json:"failed"`
	RequiredFailed   int `json:"required_failed"`
	Skipped          int `json:"skipped"`
}

// Report is the ordered result of one reconciliation pass.
type Report struct {
	RunID       string             `json:"run_id"`
	Manifest    string             `json:"manifest,omitempty"`
	Status      RunStatus          `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Duration    time.Duration      `json:"duration"`
	Results     []DescriptorResult `json:"results"`
	Restart     RestartResult      `json:"restart"`
	Summary     ReportSummary      `json:"summary"`
}

// PlanAction is what a pass would do for one descriptor.
type PlanAction string

const (
	PlanNoop          PlanAction = "noop"
	PlanFetch         PlanAction = "fetch"
	PlanPatch         PlanAction = "patch"
	PlanInstall       PlanAction = "install"
	PlanManualCleanup PlanAction = "manual-cleanup"
	PlanBlocked       PlanAction = "blocked"
)

// PlanEntry is one row of a dry-run plan.
type PlanEntry struct {
	Key      string     `json:"key"`
	Kind     Kind       `json:"kind"`
	Required bool       `json:"required"`
	Probe    ProbeState `json:"probe"`
	Action   PlanAction `json:"action"`
	Detail   string     `json:"detail,omitempty"`
}

// Plan is the probe-only view of a pass.
type Plan struct {
	Manifest string      `json:"manifest,omitempty"`
	Entries  []PlanEntry `json:"entries"`
}
