package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/stores"
)

// ExampleSQLiteStore_RecordRun records a pass and reads its history back.
func ExampleSQLiteStore_RecordRun() {
	dir, err := os.MkdirTemp("", "gpuforge-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{
		Path: filepath.Join(dir, "state.db"),
		Host: "gpu-node-1",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	report := &engine.Report{
		RunID:       "run-001",
		Manifest:    "/etc/gpuforge/manifest.yaml",
		Status:      engine.RunStatusSucceeded,
		StartedAt:   now,
		CompletedAt: now,
		Results: []engine.DescriptorResult{
			{Key: "sdxl", Kind: engine.KindModelFile, Required: true, Outcome: engine.OutcomeAlreadySatisfied},
		},
		Summary: engine.ReportSummary{Total: 1, AlreadySatisfied: 1},
	}
	if err := store.RecordRun(ctx, report); err != nil {
		log.Fatal(err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		log.Fatal(err)
	}
	for _, run := range runs {
		fmt.Printf("%s %s on %s\n", run.ID, run.Status, run.Host)
	}

	outcomes, err := store.ListOutcomes(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}
	for _, o := range outcomes {
		fmt.Printf("  %s: %s\n", o.Key, o.Outcome)
	}
	// Output:
	// run-001 succeeded on gpu-node-1
	//   sdxl: already_satisfied
}
