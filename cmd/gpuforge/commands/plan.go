package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/gpuforge/pkg/engine"
	"github.com/openfroyo/gpuforge/pkg/telemetry"
)

func newPlanCommand(global *globalOptions) *cobra.Command {
	var (
		manifest string
		root     string
		service  string
		dot      bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a pass would do",
		Long: `Probe every descriptor and print the action a reconcile pass would take,
without fetching, patching, installing or restarting anything.`,
		Example: `  # Dry run against the installed manifest
  gpuforge plan -m /etc/gpuforge/manifest.cue

  # Machine-readable plan
  gpuforge plan -m manifest.yaml --json

  # Render the prerequisite graph
  gpuforge plan -m manifest.yaml --dot | dot -Tsvg > manifest.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			op := telemetry.StartOperation(a.tel.WithContext(cmd.Context()), "plan",
				telemetry.AttrManifest.String(manifest))
			plan, graph, err := runPlan(op.Ctx, a, manifest, manifestOverrides{root: root, service: service}, dot)
			op.End(err)
			if err != nil {
				return err
			}

			switch {
			case dot:
				_, err = fmt.Fprint(cmd.OutOrStdout(), graph)
				return err
			case global.jsonOutput:
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "manifest file or CUE directory")
	cmd.Flags().StringVar(&root, "root", "", "destination root (overrides settings and manifest)")
	cmd.Flags().StringVar(&service, "service", "", "service unit (overrides settings and manifest)")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the prerequisite graph in Graphviz DOT format instead of probing")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// runPlan loads the manifest and either probes it or renders its graph.
func runPlan(ctx context.Context, a *app, path string, ov manifestOverrides, dot bool) (*engine.Plan, string, error) {
	m, err := a.loadManifest(ctx, path, ov)
	if err != nil {
		return nil, "", err
	}
	if dot {
		graph, err := engine.Graph(m)
		return nil, graph, err
	}
	plan, err := a.orchestrator(true, nil).Plan(ctx, m)
	return plan, "", err
}
