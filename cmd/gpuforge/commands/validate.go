package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(global *globalOptions) *cobra.Command {
	var manifest string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest and check policies",
		Long: `Load a manifest, check it against the manifest schema and evaluate the
built-in and configured Rego policies. Nothing on the host is probed or
changed.

Exits 2 when the manifest does not load or a policy reports an error-severity
violation.`,
		Example: `  gpuforge validate -m /etc/gpuforge/manifest.cue
  gpuforge validate -m manifest.star --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			m, err := a.loadManifest(ctx, manifest, manifestOverrides{})
			if err != nil {
				return err
			}

			result, err := a.checkPolicies(ctx, m)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if global.jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s: %d descriptors\n", m.Source, len(m.Descriptors))
				printViolations(out, result)
			}

			if blocking := result.Blocking(); len(blocking) > 0 {
				return &exitError{code: ExitAborted}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "manifest file or CUE directory")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}
