package fetch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/host"
)

// GitFetcher shallow-clones repositories into directory destinations.
type GitFetcher struct {
	runner host.Runner
	logger zerolog.Logger
}

// NewGitFetcher creates a git fetcher that runs git through runner.
func NewGitFetcher(runner host.Runner, logger zerolog.Logger) *GitFetcher {
	return &GitFetcher{runner: runner, logger: logger}
}

func (g *GitFetcher) fetch(ctx context.Context, req engine.FetchRequest) (int64, error) {
	repo := CloneURL(req.Locator)

	staged, err := atomicfs.CreateDir(req.Destination)
	if err != nil {
		return 0, err
	}
	defer staged.Abort()

	args := []string{"clone", "--depth", "1", "--quiet"}
	if req.Ref != "" {
		args = append(args, "--branch", req.Ref)
	}
	args = append(args, "--", repo, staged.Path)

	g.logger.Info().Str("key", req.Key).Str("repository", repo).Str("ref", req.Ref).Msg("Cloning repository")
	res, err := g.runner.Run(ctx, host.Command{
		Name: "git",
		Args: args,
		Env:  append(os.Environ(), "GIT_TERMINAL_PROMPT=0"),
	})
	if err != nil {
		return 0, fmt.Errorf("git clone %s: %w", repo, err)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("git clone %s: exit status %d: %s", repo, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	size := treeSize(staged.Path)
	if err := staged.Commit(); err != nil {
		return size, err
	}
	return size, nil
}

// CloneURL strips the git+ prefix from a repository locator.
func CloneURL(locator string) string {
	return strings.TrimPrefix(locator, "git+")
}

func treeSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
