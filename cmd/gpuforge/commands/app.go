package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/gpuforge/pkg/config"
	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/facts"
	"github.com/openfroyo/gpuforge/pkg/fetch"
	"github.com/openfroyo/gpuforge/pkg/host"
	"github.com/openfroyo/gpuforge/pkg/policy"
	"github.com/openfroyo/gpuforge/pkg/stores"
	"github.com/openfroyo/gpuforge/pkg/telemetry"
)

// app is the per-invocation wiring shared by the subcommands.
type app struct {
	opts     *globalOptions
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	runner   host.Runner
	packages *host.PackageManager
}

// manifestOverrides are command-line values that win over settings and the
// manifest itself.
type manifestOverrides struct {
	root    string
	service string
}

func newApp(opts *globalOptions) (*app, error) {
	settings, err := config.LoadSettings(opts.settingsPath, log.Logger)
	if err != nil {
		return nil, err
	}
	settings.ServiceVersion = opts.version
	if opts.verbose {
		settings.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&settings.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger := tel.Logger.Zerolog()
	tel.Events.Subscribe(func(ev telemetry.Event) {
		logger.Debug().
			Str("event", ev.Type).
			Str("run_id", ev.RunID).
			Str("key", ev.Key).
			Msg(ev.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
	tel.Events.Subscribe(func(ev telemetry.Event) {
		logger.Warn().
			Interface("policy", ev.Data["policy"]).
			Str("key", ev.Key).
			Str("severity", ev.Level).
			Msg(ev.Message)
	}, telemetry.FilterByType(telemetry.EventTypePolicyViolation))

	runner := host.ExecRunner{}
	return &app{
		opts:     opts,
		settings: settings,
		tel:      tel,
		logger:   logger,
		runner:   runner,
		packages: host.NewPackageManager(runner, "", logger),
	}, nil
}

// Close flushes telemetry.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

func (a *app) collectFacts(ctx context.Context) (*facts.Facts, error) {
	return facts.NewCollector(a.packages, a.logger).Collect(ctx)
}

// loadManifest collects facts, loads the manifest and applies the root and
// service overrides: flags first, then settings (which already carry the
// GPUFORGE_* environment), then the manifest.
func (a *app) loadManifest(ctx context.Context, path string, ov manifestOverrides) (*engine.Manifest, error) {
	f, err := a.collectFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect host facts: %w", err)
	}

	loader := config.NewLoader(a.logger, config.WithFacts(f.Env()))
	m, err := loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	switch {
	case ov.root != "":
		m.Root = ov.root
	case a.settings.Root != "":
		m.Root = a.settings.Root
	}
	switch {
	case ov.service != "":
		m.Service = ov.service
	case a.settings.Service != "":
		m.Service = a.settings.Service
	}

	return m.Resolved()
}

// checkPolicies evaluates the built-in and configured policies and publishes
// a policy.violation event per violation, which newApp logs as a warning.
func (a *app) checkPolicies(ctx context.Context, m *engine.Manifest) (*policy.Result, error) {
	pe, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if len(a.settings.PolicyPaths) > 0 {
		if err := pe.LoadPolicies(ctx, a.settings.PolicyPaths); err != nil {
			return nil, err
		}
	}

	result, err := pe.Evaluate(ctx, m)
	if err != nil {
		return nil, err
	}

	for _, v := range result.Violations {
		level := telemetry.EventLevelInfo
		switch v.Severity {
		case policy.SeverityError:
			level = telemetry.EventLevelError
		case policy.SeverityWarning:
			level = telemetry.EventLevelWarning
		}
		a.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyViolation,
			Source:  "policy",
			Key:     v.Key,
			Message: v.Message,
			Level:   level,
			Data:    map[string]interface{}{"policy": v.Policy},
		})
	}
	return result, nil
}

// openStore opens the run history database, or returns nil when history is
// disabled.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.settings.StateDB == "" {
		return nil, nil
	}
	store, err := stores.Open(ctx, stores.Config{Path: a.settings.StateDB})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return store, nil
}

func (a *app) fetchOptions() fetch.Options {
	fs := a.settings.Fetch
	return fetch.Options{
		UserAgent:        fs.UserAgent,
		HeaderTimeout:    fs.HeaderTimeout,
		ProgressInterval: fs.ProgressInterval,
		SFTP: fetch.SFTPConfig{
			User:                  fs.SFTP.User,
			Port:                  fs.SFTP.Port,
			PrivateKeyPath:        fs.SFTP.PrivateKey,
			UseAgent:              fs.SFTP.UseAgent,
			KnownHostsPath:        fs.SFTP.KnownHosts,
			StrictHostKeyChecking: fs.SFTP.StrictHostKeyChecking,
			ConnectionTimeout:     fs.SFTP.ConnectTimeout,
		},
		Runner:  a.runner,
		Metrics: a.tel.Metrics,
	}
}

// orchestrator wires the host adapters into an engine orchestrator. A nil
// recorder disables history.
func (a *app) orchestrator(noRestart bool, recorder engine.Recorder) *engine.Orchestrator {
	cfg := engine.OrchestratorConfig{
		Fetcher:  fetch.NewRouter(a.fetchOptions(), a.logger),
		Packages: a.packages,
		Actions: host.NewHookRunner(a.runner, host.HookConfig{
			Shell:   a.settings.Hooks.Shell,
			Timeout: a.settings.Hooks.Timeout,
		}, a.logger),
		Controller:    host.NewSystemdController(a.runner, a.logger),
		Recorder:      recorder,
		RestartPolicy: engine.RestartPolicy(a.settings.RestartPolicy),
		Logger:        a.tel.Logger,
		Metrics:       a.tel.Metrics,
		Events:        a.tel.Events,
	}
	if noRestart {
		cfg.RestartPolicy = engine.RestartNever
	}
	return engine.NewOrchestrator(cfg)
}
