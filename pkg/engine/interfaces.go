package engine

import (
	"context"
)

// Fetcher materializes artifacts on the host.
// Implementations must be atomic: on success Destination holds the complete
// artifact; on any failure Destination is absent or unmodified.
type Fetcher interface {
	// Fetch downloads or clones req.Locator to req.Destination. It has no
	// internal timeout; cancellation comes through ctx.
	Fetch(ctx context.Context, req FetchRequest) error
}

// ServiceController restarts the inference service.
type ServiceController interface {
	// Restart restarts the named service. It returns an error carrying
	// ErrCodeControllerUnavailable when no supervisor is available.
	Restart(ctx context.Context, service string) error
}

// ServiceStatusChecker is implemented by controllers that can confirm a
// service is running after a restart.
type ServiceStatusChecker interface {
	IsActive(ctx context.Context, service string) (bool, error)
}

// PackageManager installs and queries OS packages.
type PackageManager interface {
	// Installed reports whether a package is installed. Read-only.
	Installed(ctx context.Context, name string) (bool, error)

	// Install installs a package non-interactively.
	Install(ctx context.Context, name string) error
}

// ActionRunner executes post-fetch actions.
type ActionRunner interface {
	// Run executes action with workDir as the base directory.
	Run(ctx context.Context, action Action, workDir string) (*ActionResult, error)
}

// Recorder receives the report of each completed pass, for history and audit.
// It is never consulted when probing.
type Recorder interface {
	RecordRun(ctx context.Context, report *Report) error
}
