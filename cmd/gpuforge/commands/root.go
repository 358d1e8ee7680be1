package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitRequiredFailed = 1
	ExitAborted        = 2
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	settingsPath string
	verbose      bool
	jsonOutput   bool
	version      string
}

// exitError carries a process exit code. A nil err means the outcome was
// already printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitAborted
}

// IsReported reports whether err was already rendered to the user.
func IsReported(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.err == nil
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "gpuforge",
		Short: "gpuforge - GPU inference host provisioning",
		Long: `gpuforge converges a GPU inference host onto a declared manifest.

A manifest lists config patches, plugins, model files, model directories and
system packages. Each pass probes the host, repairs whatever is missing and
restarts the inference service when something changed.

Features:
  - Manifests in CUE, YAML, JSONC or Starlark
  - Resumable HTTP(S) and SFTP model downloads
  - Rego policy checks before any change
  - Run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.settingsPath, "settings", "", "settings file path (default /etc/gpuforge/gpuforge.toml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newReconcileCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newFactsCommand(opts))

	return rootCmd
}
