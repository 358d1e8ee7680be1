// Package fetch materializes artifacts for the engine: model files over
// HTTP(S), SFTP or the local filesystem, and plugin or model directories
// from git repositories or local trees.
//
// Every backend stages content beside the destination with pkg/atomicfs and
// publishes it with a rename, so a failed or interrupted fetch leaves the
// destination absent. HTTP and SFTP downloads resume from a deterministic
// partial file on the next pass.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/host"
	"github.com/openfroyo/gpuforge/pkg/telemetry"
)

// Scheme names a fetch backend.
type Scheme string

const (
	SchemeHTTP Scheme = "http"
	SchemeFile Scheme = "file"
	SchemeSFTP Scheme = "sftp"
	SchemeGit  Scheme = "git"
)

// Options configures a Router.
type Options struct {
	// UserAgent is sent with HTTP requests.
	UserAgent string

	// HeaderTimeout bounds the wait for HTTP response headers. Zero disables it;
	// the body transfer itself is never timed out.
	HeaderTimeout time.Duration

	// ProgressInterval is how often download progress is logged.
	ProgressInterval time.Duration

	// SFTP holds connection defaults for sftp:// locators.
	SFTP SFTPConfig

	// SFTPDial overrides how SFTP sessions are opened.
	SFTPDial SFTPDialFunc

	// Runner executes git. Defaults to host.ExecRunner.
	Runner host.Runner

	// Metrics records fetch bytes and durations. May be nil.
	Metrics *telemetry.Metrics
}

const defaultProgressInterval = 10 * time.Second

type backend interface {
	fetch(ctx context.Context, req engine.FetchRequest) (int64, error)
}

// Router implements engine.Fetcher by dispatching on the locator scheme.
type Router struct {
	backends map[Scheme]backend
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

var _ engine.Fetcher = (*Router)(nil)

// NewRouter creates a Router with all backends configured from opts.
func NewRouter(opts Options, logger zerolog.Logger) *Router {
	logger = logger.With().Str("component", "fetch").Logger()

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.Runner == nil {
		opts.Runner = host.ExecRunner{}
	}

	sftpFetcher := NewSFTPFetcher(opts.SFTP, opts.ProgressInterval, logger)
	if opts.SFTPDial != nil {
		sftpFetcher.dial = opts.SFTPDial
	}

	return &Router{
		backends: map[Scheme]backend{
			SchemeHTTP: NewHTTPFetcher(opts.UserAgent, opts.HeaderTimeout, opts.ProgressInterval, logger),
			SchemeFile: NewFileFetcher(logger),
			SchemeSFTP: sftpFetcher,
			SchemeGit:  NewGitFetcher(opts.Runner, logger),
		},
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Fetch materializes req.Locator at req.Destination.
func (r *Router) Fetch(ctx context.Context, req engine.FetchRequest) error {
	scheme, err := Classify(req.Locator, req.Directory)
	if err != nil {
		return engine.NewFetchError("unsupported locator", err).WithResource(req.Key)
	}
	b, ok := r.backends[scheme]
	if !ok {
		return engine.NewFetchError(fmt.Sprintf("no %s backend configured", scheme), nil).WithResource(req.Key)
	}

	if removed, err := atomicfs.CleanStale(req.Destination); err != nil {
		r.logger.Warn().Err(err).Str("key", req.Key).Msg("Failed to remove stale staging files")
	} else if len(removed) > 0 {
		r.logger.Debug().Strs("removed", removed).Str("key", req.Key).Msg("Removed stale staging files")
	}

	start := time.Now()
	n, err := b.fetch(ctx, req)
	r.metrics.RecordFetch(string(scheme), n, time.Since(start), err)
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			if engineErr.Resource == "" {
				engineErr.Resource = req.Key
			}
			return err
		}
		return engine.NewFetchError(fmt.Sprintf("%s fetch of %s failed", scheme, req.Key), err).
			WithResource(req.Key).
			WithDetail("locator", req.Locator)
	}

	r.logger.Debug().Str("key", req.Key).Str("scheme", string(scheme)).Int64("bytes", n).
		Dur("duration", time.Since(start)).Msg("Fetch complete")
	return nil
}

// Classify picks the backend for a locator. Directory destinations accept
// repositories and local trees; file destinations accept HTTP(S), SFTP and
// local files.
func Classify(locator string, directory bool) (Scheme, error) {
	if locator == "" {
		return "", errors.New("empty locator")
	}

	if strings.HasPrefix(locator, "git+") || strings.HasPrefix(locator, "git@") {
		if !directory {
			return "", fmt.Errorf("repository locator %q needs a directory destination", locator)
		}
		return SchemeGit, nil
	}

	if filepath.IsAbs(locator) {
		return SchemeFile, nil
	}

	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parsing locator: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		if directory {
			return SchemeGit, nil
		}
		return SchemeHTTP, nil
	case "ssh":
		if !directory {
			return "", fmt.Errorf("ssh locator %q needs a directory destination; use sftp:// for files", locator)
		}
		return SchemeGit, nil
	case "file":
		return SchemeFile, nil
	case "sftp":
		if directory {
			return "", fmt.Errorf("sftp locator %q cannot populate a directory", locator)
		}
		return SchemeSFTP, nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
