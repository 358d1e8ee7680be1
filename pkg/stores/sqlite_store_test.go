package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/gpuforge/pkg/engine"
)

// setupTestStore creates a migrated store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "state", "gpuforge.db"),
		Host: "gpu-node-1",
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testReport(id string, started time.Time) *engine.Report {
	return &engine.Report{
		RunID:       id,
		Manifest:    "/etc/gpuforge/manifest.yaml",
		Status:      engine.RunStatusPartial,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Duration:    3 * time.Second,
		Results: []engine.DescriptorResult{
			{
				Key: "sdxl", Kind: engine.KindModelFile, Required: true,
				Probe: engine.ProbeMissing, Outcome: engine.OutcomeApplied,
				StartedAt: started, Duration: 2 * time.Second,
			},
			{
				Key: "listen", Kind: engine.KindConfigPatch, Required: false,
				Probe: engine.ProbeMissing, Outcome: engine.OutcomeFailed,
				Reason: "file is not valid env syntax", ErrorCode: engine.ErrCodePatch,
				Warnings:  []string{"anchor missing"},
				StartedAt: started.Add(2 * time.Second), Duration: time.Millisecond,
			},
		},
		Restart: engine.RestartResult{
			Service: "comfyui.service", Attempted: true, Succeeded: true,
		},
		Summary: engine.ReportSummary{Total: 2, Applied: 1, Failed: 1},
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gpuforge.db")

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("Expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("Expected migrate to fail before Init")
	}

	if err := store.Init(ctx, 0); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migration %d failed: %v", i+1, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestRecordAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.RecordRun(ctx, testReport("run-1", started)); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Host != "gpu-node-1" || run.Manifest != "/etc/gpuforge/manifest.yaml" {
		t.Errorf("run = %+v", run)
	}
	if run.Status != engine.RunStatusPartial || run.ExitCode != 0 {
		t.Errorf("status = %s, exit = %d", run.Status, run.ExitCode)
	}
	if !run.StartedAt.Equal(started) || run.Duration != 3*time.Second {
		t.Errorf("timing = %v / %v", run.StartedAt, run.Duration)
	}
	if !run.Restart.Attempted || !run.Restart.Succeeded || run.Restart.Service != "comfyui.service" {
		t.Errorf("restart = %+v", run.Restart)
	}
	if run.Summary.Applied != 1 || run.Summary.Failed != 1 {
		t.Errorf("summary = %+v", run.Summary)
	}

	outcomes, err := store.ListOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOutcomes() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Key != "sdxl" || !outcomes[0].Required || outcomes[0].Outcome != engine.OutcomeApplied {
		t.Errorf("outcome 0 = %+v", outcomes[0])
	}
	failed := outcomes[1]
	if failed.Seq != 1 || failed.ErrorCode != engine.ErrCodePatch || failed.Reason == "" {
		t.Errorf("outcome 1 = %+v", failed)
	}
	if len(failed.Warnings) != 1 || failed.Warnings[0] != "anchor missing" {
		t.Errorf("warnings = %v", failed.Warnings)
	}
	if len(outcomes[0].Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", outcomes[0].Warnings)
	}
}

func TestRecordRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	report := testReport("run-1", time.Now())

	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordRun(ctx, report); err == nil {
		t.Fatal("Expected duplicate run id to fail")
	}

	outcomes, err := store.ListOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Errorf("failed insert must not leave partial outcomes, got %d", len(outcomes))
	}

	if err := store.RecordRun(ctx, nil); err == nil {
		t.Error("Expected error for nil report")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestListRunsAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("run-%d", i)
		if err := store.RecordRun(ctx, testReport(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("RecordRun(%s) error = %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "run-4" || runs[2].ID != "run-2" {
		t.Errorf("ListRuns(3) = %v", runIDs(runs))
	}

	all, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("ListRuns(0) returned %d runs", len(all))
	}

	removed, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("Prune() removed %d, want 3", removed)
	}

	runs, err = store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run-4" || runs[1].ID != "run-3" {
		t.Errorf("remaining runs = %v", runIDs(runs))
	}

	outcomes, err := store.ListOutcomes(ctx, "run-0")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 {
		t.Errorf("outcomes of pruned run survived: %d", len(outcomes))
	}

	if _, err := store.Prune(ctx, -1); err == nil {
		t.Error("Expected error for negative keep")
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
