// Package host adapts the local machine to the engine: running commands,
// restarting the inference service, installing OS packages and running
// post-fetch hooks.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Command is a process to run on the host.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Result captures a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. A non-zero exit is reported in Result, not as an
// error; errors mean the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	LookPath(name string) (string, error)
}

const waitDelay = 2 * time.Second

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes cmd and waits for it.
func (ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.Stdin = c.Stdin
	// Children that outlive a cancelled command must not hold Wait open.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s interrupted: %w", c.Name, ctx.Err())
		}
		return nil, fmt.Errorf("failed to execute %s: %w", c.Name, err)
	}

	return result, nil
}

// LookPath searches PATH for name.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// lastLines returns at most n trailing bytes of s without a leading partial line.
func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
