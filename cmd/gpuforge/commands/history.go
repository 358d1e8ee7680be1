package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gpuforge/pkg/stores"
)

func newHistoryCommand(global *globalOptions) *cobra.Command {
	var (
		limit int
		prune int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded passes",
		Long: `List recorded reconcile passes, newest first, or show the per-descriptor
outcomes of one pass. History is audit-only; it never influences a pass.`,
		Example: `  # Last 20 passes
  gpuforge history

  # Outcomes of one pass
  gpuforge history 2f0c8e9a-1d7b-4c39-9a4e-3b0c6f1e2d11

  # Keep only the newest 100 passes
  gpuforge history --prune 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("run history is disabled (state_db is empty)")
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("prune") {
				removed, err := store.Prune(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d run(s)\n", removed)
				return nil
			}

			if len(args) == 1 {
				return showRun(cmd, global, store, args[0])
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if global.jsonOutput {
				return writeJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 for all)")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs")

	return cmd
}

func showRun(cmd *cobra.Command, global *globalOptions, store *stores.SQLiteStore, id string) error {
	ctx := cmd.Context()
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	outcomes, err := store.ListOutcomes(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if global.jsonOutput {
		return writeJSON(out, struct {
			*stores.Run
			Outcomes []*stores.Outcome `json:"outcomes"`
		}{run, outcomes})
	}
	printOutcomes(out, run, outcomes)
	return nil
}
