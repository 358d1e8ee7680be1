package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/gpuforge/pkg/telemetry"
)

const tracerName = "github.com/openfroyo/gpuforge/pkg/engine"

// OrchestratorConfig wires the collaborators of an Orchestrator.
// Only Fetcher is needed for manifests with fetched kinds; every other
// collaborator is optional and its absence is reported per descriptor.
type OrchestratorConfig struct {
	Fetcher    Fetcher
	Packages   PackageManager
	Actions    ActionRunner
	Controller ServiceController
	Recorder   Recorder

	// RestartPolicy defaults to RestartAlways.
	RestartPolicy RestartPolicy

	// Logger defaults to a no-op logger.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Orchestrator drives reconciliation passes. Passes are sequential; running
// two passes against the same host at once is not supported.
type Orchestrator struct {
	prober  *Prober
	patcher *Patcher

	fetcher    Fetcher
	packages   PackageManager
	actions    ActionRunner
	controller ServiceController
	recorder   Recorder
	policy     RestartPolicy

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  trace.Tracer
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	policy := cfg.RestartPolicy
	if policy == "" {
		policy = RestartAlways
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Orchestrator{
		prober:     NewProber(cfg.Packages, logger.Zerolog()),
		patcher:    NewPatcher(logger.Zerolog()),
		fetcher:    cfg.Fetcher,
		packages:   cfg.Packages,
		actions:    cfg.Actions,
		controller: cfg.Controller,
		recorder:   cfg.Recorder,
		policy:     policy,
		logger:     logger.NewComponentLogger("orchestrator"),
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		tracer:     otel.Tracer(tracerName),
	}
}

// prepare validates the manifest, checks the destination root and orders the
// descriptors. Any error here aborts the whole pass.
func (o *Orchestrator) prepare(m *Manifest) (*Manifest, []Descriptor, error) {
	if m == nil {
		return nil, nil, NewPermanentError("manifest is nil", nil).WithCode(ErrCodeValidation)
	}

	resolved, err := m.Resolved()
	if err != nil {
		return nil, nil, err
	}
	if err := resolved.Validate(); err != nil {
		return nil, nil, err
	}
	if err := checkRoot(resolved.Root); err != nil {
		return nil, nil, err
	}

	ordered, err := NewOrderBuilder().Order(resolved.Descriptors)
	if err != nil {
		return nil, nil, err
	}
	return resolved, ordered, nil
}

func checkRoot(root string) error {
	if root == "" {
		return nil
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewPermanentError(fmt.Sprintf("destination root %s does not exist", root), err).
				WithCode(ErrCodeEnvironment)
		}
		return NewPermanentError(fmt.Sprintf("cannot inspect destination root %s", root), err).
			WithCode(ErrCodeEnvironment)
	}
	if !info.IsDir() {
		return NewPermanentError(fmt.Sprintf("destination root %s is not a directory", root), nil).
			WithCode(ErrCodeEnvironment)
	}
	return nil
}

// Reconcile runs one pass over the manifest. It returns an error only when the
// pass cannot start (invalid manifest, prerequisite cycle, missing destination
// root); every per-descriptor failure is captured in the report instead.
func (o *Orchestrator) Reconcile(ctx context.Context, m *Manifest) (*Report, error) {
	resolved, ordered, err := o.prepare(m)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.New().String(),
		Manifest:  resolved.Source,
		StartedAt: time.Now(),
		Results:   make([]DescriptorResult, 0, len(ordered)),
	}
	runLogger := o.logger.WithRunID(report.RunID)
	logger := runLogger.Zerolog()

	ctx, span := o.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		telemetry.AttrRunID.String(report.RunID),
		telemetry.AttrManifest.String(resolved.Source),
	))
	defer span.End()

	logger.Info().
		Str("manifest", resolved.Source).
		Int("descriptors", len(ordered)).
		Msg("Starting reconciliation pass")
	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   report.RunID,
		Message: fmt.Sprintf("Reconciling %d descriptors", len(ordered)),
	})

	outcomes := make(map[string]Outcome, len(ordered))
	cancelled := false
	for _, d := range ordered {
		var result DescriptorResult
		if cancelled || ctx.Err() != nil {
			cancelled = true
			result = cancelledResult(d)
		} else {
			result = o.reconcileDescriptor(ctx, report.RunID, d, outcomes, runLogger)
		}
		outcomes[d.Key] = result.Outcome
		report.Results = append(report.Results, result)
	}

	report.Summary = summarize(report.Results)
	if cancelled {
		report.Status = RunStatusCancelled
		report.Restart = RestartResult{Service: resolved.Service, Reason: "pass cancelled"}
	} else {
		report.Restart = o.restart(ctx, resolved, report, logger)
		report.Status = statusOf(report.Summary)
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	span.SetAttributes(telemetry.AttrRunStatus.String(string(report.Status)))
	if report.Summary.RequiredFailed > 0 {
		telemetry.RecordError(span, fmt.Errorf("%d required descriptors failed", report.Summary.RequiredFailed))
	} else {
		telemetry.RecordSuccess(span)
	}
	o.metrics.RecordRun(string(report.Status), report.Duration)

	logger.Info().
		Str("status", string(report.Status)).
		Int("satisfied", report.Summary.AlreadySatisfied).
		Int("applied", report.Summary.Applied).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", report.Duration).
		Msg("Reconciliation pass finished")
	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		RunID:   report.RunID,
		Message: fmt.Sprintf("Pass %s", report.Status),
		Level:   levelForStatus(report.Status),
		Data: map[string]interface{}{
			"exit_code": report.ExitCode(),
			"applied":   report.Summary.Applied,
			"failed":    report.Summary.Failed,
		},
	})

	if o.recorder != nil {
		// History is best effort; the filesystem remains the source of truth.
		if err := o.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			runLogger.WithError(err).Warn("Failed to record run history")
		}
	}

	return report, nil
}

// reconcileDescriptor runs the per-descriptor state machine:
// probe, then skip, fetch/patch/install, or fail.
func (o *Orchestrator) reconcileDescriptor(
	ctx context.Context,
	runID string,
	d Descriptor,
	outcomes map[string]Outcome,
	runLogger *telemetry.Logger,
) DescriptorResult {
	result := DescriptorResult{
		Key:       d.Key,
		Kind:      d.Kind,
		Required:  d.Required,
		StartedAt: time.Now(),
	}
	logger := runLogger.WithDescriptor(d.Key, string(d.Kind)).Zerolog()

	ctx, span := o.tracer.Start(ctx, "descriptor", trace.WithAttributes(
		telemetry.AttrDescriptorKey.String(d.Key),
		telemetry.AttrKind.String(string(d.Kind)),
	))
	defer span.End()

	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeDescriptorStarted,
		RunID:   runID,
		Key:     d.Key,
		Message: fmt.Sprintf("Reconciling %s %s", d.Kind, d.Key),
	})

	for _, req := range d.Requires {
		if outcomes[req] == OutcomeFailed {
			o.fail(&result, NewPermanentError(fmt.Sprintf("prerequisite %s failed", req), nil).
				WithCode(ErrCodeDependencyFailed).WithResource(d.Key))
			return o.finish(span, runID, result, logger)
		}
	}

	probe := o.prober.Probe(ctx, d)
	result.Probe = probe.State
	span.SetAttributes(telemetry.AttrProbeState.String(string(probe.State)))

	switch probe.State {
	case ProbeSatisfied:
		result.Outcome = OutcomeAlreadySatisfied

	case ProbeFailed:
		// Never treated as Missing: refetching over unreadable data could destroy it.
		o.fail(&result, probe.Err)

	case ProbeInconsistent:
		if needsManualCleanup(d, probe) {
			o.fail(&result, NewPermanentError(
				fmt.Sprintf("manual cleanup required: %s", probe.Detail), nil,
			).WithCode(ErrCodeManualCleanup).WithResource(d.Key).WithDetail("path", d.Destination))
			break
		}
		logger.Warn().Str("detail", probe.Detail).Msg("Destination is inconsistent, attempting non-destructive repair")
		o.apply(ctx, d, &result, logger)

	case ProbeMissing:
		o.apply(ctx, d, &result, logger)
	}

	return o.finish(span, runID, result, logger)
}

// apply materializes a descriptor and runs its post-fetch action.
func (o *Orchestrator) apply(ctx context.Context, d Descriptor, result *DescriptorResult, logger zerolog.Logger) {
	switch d.Kind {
	case KindConfigPatch:
		patched, err := o.patcher.Patch(ctx, d)
		switch {
		case err != nil && IsPatchError(err):
			result.Outcome = OutcomeSkipped
			result.ErrorCode = ErrCodePatch
			result.Warnings = append(result.Warnings, err.Error())
			return
		case err != nil:
			o.fail(result, err)
			return
		case !patched.Changed && patched.Warning != "":
			result.Outcome = OutcomeSkipped
			result.Warnings = append(result.Warnings, patched.Warning)
			return
		case !patched.Changed:
			result.Outcome = OutcomeAlreadySatisfied
			return
		}

	case KindSystemPackage:
		if o.packages == nil {
			o.fail(result, NewPermanentError("no package manager available", nil).
				WithCode(ErrCodePackage).WithResource(d.Key))
			return
		}
		logger.Info().Str("package", d.Source).Msg("Installing system package")
		if err := o.packages.Install(ctx, d.Source); err != nil {
			o.fail(result, NewPermanentError("package install failed", err).
				WithCode(ErrCodePackage).WithOperation("install").WithResource(d.Key))
			return
		}

	default:
		if o.fetcher == nil {
			o.fail(result, NewFetchError("no fetcher configured", nil).WithResource(d.Key))
			return
		}
		logger.Info().
			Str("source", d.Source).
			Str("destination", d.Destination).
			Int64("size_hint", d.SizeHint).
			Msg("Fetching artifact")
		err := o.fetcher.Fetch(ctx, FetchRequest{
			Key:         d.Key,
			Locator:     d.Source,
			Destination: d.Destination,
			Directory:   d.Kind.IsDirectory(),
			Checksum:    d.Checksum,
			Ref:         d.Ref,
			SizeHint:    d.SizeHint,
		})
		if err != nil {
			var engineErr *EngineError
			if !errors.As(err, &engineErr) {
				err = NewFetchError("fetch failed", err)
			}
			o.fail(result, withResource(err, d.Key))
			return
		}
	}

	result.Outcome = OutcomeApplied

	if d.PostFetch != nil {
		if err := o.runPostFetch(ctx, d, logger); err != nil {
			// The artifact stays in place: a partial install beats refetching.
			o.fail(result, err)
		}
	}
}

func (o *Orchestrator) runPostFetch(ctx context.Context, d Descriptor, logger zerolog.Logger) error {
	if o.actions == nil {
		return NewPermanentError("no action runner configured", nil).
			WithCode(ErrCodePostFetch).WithOperation("post-fetch").WithResource(d.Key)
	}

	workDir := ""
	switch {
	case d.Kind.IsDirectory():
		workDir = d.Destination
	case d.Destination != "":
		workDir = filepath.Dir(d.Destination)
	}

	logger.Info().Str("command", d.PostFetch.Command).Str("dir", workDir).Msg("Running post-fetch action")
	res, err := o.actions.Run(ctx, *d.PostFetch, workDir)
	if err != nil {
		perr := NewPermanentError("post-fetch action failed", err).
			WithCode(ErrCodePostFetch).WithOperation("post-fetch").WithResource(d.Key)
		if res != nil {
			perr = perr.WithDetail("exit_code", res.ExitCode).WithDetail("stderr", tail(res.Stderr, 512))
		}
		return perr
	}
	return nil
}

func (o *Orchestrator) fail(result *DescriptorResult, err error) {
	result.Outcome = OutcomeFailed
	if err == nil {
		err = NewPermanentError("unknown failure", nil).WithCode(ErrCodeInternal)
	}
	result.Reason = err.Error()
	result.ErrorCode = CodeOf(err)
}

func (o *Orchestrator) finish(
	span trace.Span,
	runID string,
	result DescriptorResult,
	logger zerolog.Logger,
) DescriptorResult {
	result.Duration = time.Since(result.StartedAt)
	span.SetAttributes(telemetry.AttrOutcome.String(string(result.Outcome)))

	o.metrics.RecordDescriptor(string(result.Kind), string(result.Outcome), result.Duration)

	event := telemetry.Event{
		RunID: runID,
		Key:   result.Key,
		Data: map[string]interface{}{
			"kind":    string(result.Kind),
			"probe":   string(result.Probe),
			"outcome": string(result.Outcome),
		},
	}

	switch result.Outcome {
	case OutcomeFailed:
		telemetry.RecordError(span, errors.New(result.Reason))
		span.SetAttributes(telemetry.AttrErrorCode.String(result.ErrorCode))
		o.metrics.RecordError(result.ErrorCode)
		level := zerolog.WarnLevel
		if result.Required {
			level = zerolog.ErrorLevel
		}
		logger.WithLevel(level).Str("code", result.ErrorCode).Bool("required", result.Required).Msg(result.Reason)
		event.Type = telemetry.EventTypeDescriptorFailed
		event.Level = telemetry.EventLevelError
		event.Message = result.Reason
	case OutcomeSkipped:
		telemetry.RecordSuccess(span)
		logger.Warn().Strs("warnings", result.Warnings).Msg("Config patch skipped")
		event.Type = telemetry.EventTypeDescriptorSkipped
		event.Level = telemetry.EventLevelWarning
		event.Message = strings.Join(result.Warnings, "; ")
	default:
		telemetry.RecordSuccess(span)
		logger.Info().
			Str("outcome", string(result.Outcome)).
			Dur("duration", result.Duration).
			Msg("Descriptor reconciled")
		event.Type = telemetry.EventTypeDescriptorCompleted
		event.Message = string(result.Outcome)
	}
	o.publish(event)

	return result
}

// restart applies the post-pass restart gate. Restart failures never change
// descriptor outcomes.
func (o *Orchestrator) restart(ctx context.Context, m *Manifest, report *Report, logger zerolog.Logger) RestartResult {
	rr := RestartResult{Service: m.Service}

	if m.Service == "" {
		rr.Reason = "no service configured"
		return rr
	}
	if o.policy == RestartNever {
		rr.Reason = "restart disabled by policy"
		return rr
	}
	for _, r := range report.Results {
		if r.Kind.RequiresRestart() && r.Outcome == OutcomeFailed {
			rr.Reason = fmt.Sprintf("config patch %s failed, restart withheld", r.Key)
			logger.Warn().Str("service", m.Service).Msg(rr.Reason)
			return rr
		}
	}
	if o.policy == RestartOnChange && report.Summary.Applied == 0 {
		rr.Reason = "nothing changed"
		return rr
	}
	if o.controller == nil {
		rr.ErrorCode = ErrCodeControllerUnavailable
		rr.Reason = fmt.Sprintf("no service controller available, restart %s manually", m.Service)
		logger.Warn().Str("service", m.Service).Msg(rr.Reason)
		o.metrics.RecordRestart("unavailable")
		return rr
	}

	rr.Attempted = true
	ctx, span := o.tracer.Start(ctx, "restart", trace.WithAttributes(telemetry.AttrService.String(m.Service)))
	defer span.End()

	if err := o.controller.Restart(ctx, m.Service); err != nil {
		telemetry.RecordError(span, err)
		rr.ErrorCode = CodeOf(err)
		if IsControllerUnavailable(err) {
			rr.Reason = fmt.Sprintf("%v; restart %s manually", err, m.Service)
			o.metrics.RecordRestart("unavailable")
		} else {
			rr.Reason = err.Error()
			o.metrics.RecordRestart("failed")
		}
		logger.Warn().Err(err).Str("service", m.Service).Msg("Service restart failed")
		o.publish(telemetry.Event{
			Type:    telemetry.EventTypeRestart,
			RunID:   report.RunID,
			Level:   telemetry.EventLevelWarning,
			Message: rr.Reason,
		})
		return rr
	}

	if checker, ok := o.controller.(ServiceStatusChecker); ok {
		active, err := checker.IsActive(ctx, m.Service)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("service", m.Service).Msg("Could not confirm service state after restart")
		case !active:
			rr.Reason = fmt.Sprintf("%s is not active after restart", m.Service)
			telemetry.RecordError(span, errors.New(rr.Reason))
			o.metrics.RecordRestart("failed")
			logger.Warn().Str("service", m.Service).Msg(rr.Reason)
			o.publish(telemetry.Event{
				Type:    telemetry.EventTypeRestart,
				RunID:   report.RunID,
				Level:   telemetry.EventLevelWarning,
				Message: rr.Reason,
			})
			return rr
		}
	}

	telemetry.RecordSuccess(span)
	rr.Succeeded = true
	o.metrics.RecordRestart("succeeded")
	logger.Info().Str("service", m.Service).Msg("Service restarted")
	o.publish(telemetry.Event{
		Type:    telemetry.EventTypeRestart,
		RunID:   report.RunID,
		Message: fmt.Sprintf("Restarted %s", m.Service),
	})
	return rr
}

// Plan probes every descriptor and reports what a pass would do, without
// changing the host.
func (o *Orchestrator) Plan(ctx context.Context, m *Manifest) (*Plan, error) {
	resolved, ordered, err := o.prepare(m)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Manifest: resolved.Source, Entries: make([]PlanEntry, 0, len(ordered))}
	for _, d := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probe := o.prober.Probe(ctx, d)
		entry := PlanEntry{
			Key:      d.Key,
			Kind:     d.Kind,
			Required: d.Required,
			Probe:    probe.State,
			Detail:   probe.Detail,
		}
		switch probe.State {
		case ProbeSatisfied:
			entry.Action = PlanNoop
		case ProbeFailed:
			entry.Action = PlanBlocked
			if probe.Err != nil {
				entry.Detail = probe.Err.Error()
			}
		case ProbeInconsistent:
			if needsManualCleanup(d, probe) {
				entry.Action = PlanManualCleanup
				break
			}
			entry.Action = actionFor(d.Kind)
		default:
			entry.Action = actionFor(d.Kind)
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, nil
}

// needsManualCleanup reports whether an inconsistent destination must be left
// for an operator. Directories are never overwritten, and a fetch cannot
// replace an obstructed path.
func needsManualCleanup(d Descriptor, probe ProbeResult) bool {
	return d.Kind.IsDirectory() || (probe.Obstructed && d.Kind != KindConfigPatch)
}

func actionFor(k Kind) PlanAction {
	switch k {
	case KindConfigPatch:
		return PlanPatch
	case KindSystemPackage:
		return PlanInstall
	default:
		return PlanFetch
	}
}

func (o *Orchestrator) publish(event telemetry.Event) {
	event.Source = "orchestrator"
	o.events.Publish(event)
}

func cancelledResult(d Descriptor) DescriptorResult {
	return DescriptorResult{
		Key:       d.Key,
		Kind:      d.Kind,
		Required:  d.Required,
		Outcome:   OutcomeFailed,
		Reason:    "pass cancelled before this descriptor was reconciled",
		ErrorCode: ErrCodeCancelled,
		StartedAt: time.Now(),
	}
}

func withResource(err error, key string) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Resource == "" {
		engineErr.Resource = key
	}
	return err
}

func levelForStatus(s RunStatus) string {
	switch s {
	case RunStatusFailed, RunStatusCancelled:
		return telemetry.EventLevelError
	case RunStatusPartial:
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
