package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/telemetry"
)

const watchDebounce = 500 * time.Millisecond

type reconcileOptions struct {
	manifest  string
	root      string
	service   string
	watch     bool
	noRestart bool
}

func newReconcileCommand(global *globalOptions) *cobra.Command {
	opts := &reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge the host onto a manifest",
		Long: `Run a reconciliation pass: probe every descriptor, repair what is missing
and restart the inference service if something changed.

Policies are checked before anything is touched; an error-severity violation
aborts the pass. Each pass is recorded in the state database and the metrics
textfile is rewritten when configured.

Exit status is 0 when every required descriptor converged, 1 when a required
descriptor failed and 2 when the pass could not start.`,
		Example: `  # Converge once
  gpuforge reconcile -m /etc/gpuforge/manifest.cue

  # Converge into a staging root without restarting the service
  gpuforge reconcile -m manifest.yaml --root /srv/staging --no-restart

  # Re-run whenever the manifest or a policy changes
  gpuforge reconcile -m /etc/gpuforge/manifest.cue --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			return runReconcile(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "", "manifest file or CUE directory")
	cmd.Flags().StringVar(&opts.root, "root", "", "destination root (overrides settings and manifest)")
	cmd.Flags().StringVar(&opts.service, "service", "", "service unit to restart (overrides settings and manifest)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "re-run when the manifest or policies change")
	cmd.Flags().BoolVar(&opts.noRestart, "no-restart", false, "never restart the service")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runReconcile(ctx context.Context, a *app, opts *reconcileOptions, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	var recorder engine.Recorder
	if store != nil {
		defer store.Close()
		recorder = store
	}
	orch := a.orchestrator(opts.noRestart, recorder)

	if opts.watch {
		return watchManifest(ctx, a, opts, func(ctx context.Context) error {
			_, err := reconcileOnce(ctx, a, orch, opts, out)
			return err
		})
	}

	report, err := reconcileOnce(ctx, a, orch, opts, out)
	if err != nil {
		return err
	}
	if code := report.ExitCode(); code != ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// reconcileOnce loads the manifest, checks policies and runs one pass inside
// a single traced operation.
func reconcileOnce(ctx context.Context, a *app, orch *engine.Orchestrator, opts *reconcileOptions, out io.Writer) (report *engine.Report, err error) {
	op := telemetry.StartOperation(a.tel.WithContext(ctx), "reconcile",
		telemetry.AttrManifest.String(opts.manifest))
	defer func() {
		op.End(err)
		op.Logger.WithField("duration", op.Timer.Duration().String()).Debug("Reconcile operation finished")
	}()
	ctx = op.Ctx

	m, err := a.loadManifest(ctx, opts.manifest, manifestOverrides{root: opts.root, service: opts.service})
	if err != nil {
		return nil, &exitError{code: ExitAborted, err: err}
	}

	result, err := a.checkPolicies(ctx, m)
	if err != nil {
		return nil, &exitError{code: ExitAborted, err: err}
	}
	if blocking := result.Blocking(); len(blocking) > 0 {
		if a.opts.jsonOutput {
			_ = writeJSON(out, result)
		} else {
			printViolations(out, result)
		}
		return nil, &exitError{
			code: ExitAborted,
			err:  fmt.Errorf("%d blocking policy violation(s)", len(blocking)),
		}
	}

	report, err = orch.Reconcile(ctx, m)
	if err != nil {
		return nil, &exitError{code: ExitAborted, err: err}
	}

	if err := a.tel.Metrics.WriteTextfile(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
	}

	if a.opts.jsonOutput {
		if err := writeJSON(out, report); err != nil {
			return report, err
		}
	} else {
		printReport(out, report)
	}
	return report, nil
}

// watchPaths returns the directories to watch: the manifest's directory and
// every policy path (directories as-is, files by their parent).
func watchPaths(manifest string, policyPaths []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			abs = filepath.Dir(abs)
		}
		if !seen[abs] {
			seen[abs] = true
			dirs = append(dirs, abs)
		}
	}

	add(manifest)
	for _, p := range policyPaths {
		add(p)
	}
	return dirs
}

// watchManifest runs pass once, then again after every burst of changes in
// the watched paths until ctx is cancelled. Pass errors are logged and do not
// stop the watch.
func watchManifest(ctx context.Context, a *app, opts *reconcileOptions, pass func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	paths := watchPaths(opts.manifest, a.settings.PolicyPaths)
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			a.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch path")
		}
	}

	go func() {
		if err := a.tel.Metrics.Serve(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Metrics endpoint stopped")
		}
	}()

	a.logger.Info().Strs("paths", paths).Msg("Watching for manifest changes")

	runPass := func() {
		if err := pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error().Err(err).Msg("Reconcile pass failed")
		}
	}
	runPass()

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			a.tel.Logger.Info("Stopped watching")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			a.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Watched file changed")
			timer.Reset(watchDebounce)

		case <-timer.C:
			runPass()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}
