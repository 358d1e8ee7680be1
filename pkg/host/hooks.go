package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// DefaultHookTimeout bounds post-fetch actions that do not set their own timeout.
const DefaultHookTimeout = 30 * time.Minute

// HookRunner runs post-fetch actions such as installing a plugin's
// requirements.
type HookRunner struct {
	runner  Runner
	shell   string
	timeout time.Duration
	logger  zerolog.Logger
}

// HookConfig configures a HookRunner.
type HookConfig struct {
	Shell   string
	Timeout time.Duration
}

// NewHookRunner creates a hook runner. A nil runner uses ExecRunner.
func NewHookRunner(runner Runner, cfg HookConfig, logger zerolog.Logger) *HookRunner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHookTimeout
	}
	return &HookRunner{
		runner:  runner,
		shell:   cfg.Shell,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "hooks").Logger(),
	}
}

// Run executes action. Without Args the command goes through the shell;
// with Args it is executed directly.
func (h *HookRunner) Run(ctx context.Context, action engine.Action, workDir string) (*engine.ActionResult, error) {
	if action.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	dir := workDir
	if action.Dir != "" {
		if filepath.IsAbs(action.Dir) || dir == "" {
			dir = action.Dir
		} else {
			dir = filepath.Join(dir, action.Dir)
		}
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := Command{Dir: dir, Env: hookEnv(action.Env)}
	if len(action.Args) > 0 {
		cmd.Name = action.Command
		cmd.Args = action.Args
	} else {
		cmd.Name = h.shell
		cmd.Args = []string{"-c", action.Command}
	}

	h.logger.Debug().Str("command", action.Command).Str("dir", dir).Dur("timeout", timeout).Msg("Running hook")
	res, err := h.runner.Run(ctx, cmd)
	if err != nil {
		if res != nil {
			return toActionResult(res), err
		}
		return nil, err
	}

	out := toActionResult(res)
	if res.ExitCode != 0 {
		return out, fmt.Errorf("hook exited with %d: %s", res.ExitCode, lastLines(res.Stderr, 512))
	}
	return out, nil
}

func toActionResult(res *Result) *engine.ActionResult {
	return &engine.ActionResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}
}

// hookEnv returns the process environment with extra appended in key order.
func hookEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
