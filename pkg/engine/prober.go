package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Prober classifies descriptors against the live filesystem. It is read-only
// and keeps no state between calls: the filesystem is the only source of truth.
type Prober struct {
	packages PackageManager
	logger   zerolog.Logger
}

// NewProber creates a prober. packages may be nil when the manifest has no
// SystemPackage descriptors.
func NewProber(packages PackageManager, logger zerolog.Logger) *Prober {
	return &Prober{
		packages: packages,
		logger:   logger.With().Str("component", "prober").Logger(),
	}
}

// Probe inspects the host for one descriptor. Inspection failures are returned
// as ProbeFailed, never as ProbeMissing.
func (p *Prober) Probe(ctx context.Context, d Descriptor) ProbeResult {
	var result ProbeResult

	switch d.Kind {
	case KindModelFile:
		result = p.probeFile(d)
	case KindModelDirectory, KindPlugin:
		result = p.probeDirectory(d)
	case KindConfigPatch:
		result = p.probeConfig(d)
	case KindSystemPackage:
		result = p.probePackage(ctx, d)
	default:
		result = probeError(d, fmt.Sprintf("unknown kind %q", d.Kind), nil)
	}

	p.logger.Debug().
		Str("key", d.Key).
		Str("kind", string(d.Kind)).
		Str("state", string(result.State)).
		Str("detail", result.Detail).
		Msg("Probed descriptor")

	return result
}

func (p *Prober) probeFile(d Descriptor) ProbeResult {
	info, err := os.Stat(d.Destination)
	if err != nil {
		return classifyStatError(d, err)
	}
	if info.Mode().IsRegular() {
		return ProbeResult{State: ProbeSatisfied}
	}
	if info.IsDir() {
		return ProbeResult{State: ProbeInconsistent, Detail: "destination is a directory", Obstructed: true}
	}
	return ProbeResult{State: ProbeInconsistent, Detail: "destination is not a regular file"}
}

func (p *Prober) probeDirectory(d Descriptor) ProbeResult {
	info, err := os.Stat(d.Destination)
	if err != nil {
		return classifyStatError(d, err)
	}
	if !info.IsDir() {
		return ProbeResult{State: ProbeInconsistent, Detail: "destination is not a directory"}
	}

	// Existing directories are trusted unless sentinel entries are declared.
	for _, entry := range d.Expect {
		_, err := os.Stat(filepath.Join(d.Destination, entry))
		if err == nil {
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			return ProbeResult{
				State:  ProbeInconsistent,
				Detail: fmt.Sprintf("expected entry %s is missing", entry),
			}
		}
		return probeError(d, fmt.Sprintf("cannot inspect %s", entry), err)
	}

	return ProbeResult{State: ProbeSatisfied}
}

func (p *Prober) probeConfig(d Descriptor) ProbeResult {
	info, err := os.Stat(d.Destination)
	if err != nil {
		return classifyStatError(d, err)
	}
	if info.IsDir() {
		return ProbeResult{State: ProbeInconsistent, Detail: "config target is a directory"}
	}

	content, err := os.ReadFile(d.Destination)
	if err != nil {
		return probeError(d, "cannot read config file", err)
	}

	if d.Patch == nil {
		return probeError(d, "config patch has no rule", nil)
	}
	for _, marker := range d.Patch.Markers() {
		if !strings.Contains(string(content), marker) {
			return ProbeResult{State: ProbeMissing, Detail: fmt.Sprintf("marker %q not present", marker)}
		}
	}

	return ProbeResult{State: ProbeSatisfied}
}

func (p *Prober) probePackage(ctx context.Context, d Descriptor) ProbeResult {
	if p.packages == nil {
		return probeError(d, "no package manager available", nil)
	}
	installed, err := p.packages.Installed(ctx, d.Source)
	if err != nil {
		return probeError(d, "package query failed", err)
	}
	if installed {
		return ProbeResult{State: ProbeSatisfied}
	}
	return ProbeResult{State: ProbeMissing, Detail: "package not installed"}
}

// classifyStatError maps "does not exist" to Missing and everything else
// (permission denied, not a directory, I/O errors) to ProbeFailed.
func classifyStatError(d Descriptor, err error) ProbeResult {
	if errors.Is(err, fs.ErrNotExist) {
		return ProbeResult{State: ProbeMissing, Detail: "destination does not exist"}
	}
	return probeError(d, "cannot inspect destination", err)
}

func probeError(d Descriptor, message string, err error) ProbeResult {
	perr := NewProbeError(message, err).WithResource(d.Key)
	if d.Destination != "" {
		perr = perr.WithDetail("path", d.Destination)
	}
	return ProbeResult{State: ProbeFailed, Detail: message, Err: perr}
}
