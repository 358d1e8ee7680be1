package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newFactsCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Print host facts",
		Long: `Collect the host facts manifests can use in "when" conditions and
Starlark scripts: OS, distribution, package manager and GPUs.`,
		Example: `  gpuforge facts
  gpuforge facts --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(global)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.collectFacts(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if global.jsonOutput {
				return writeJSON(out, f)
			}

			var vram int64
			for _, g := range f.GPUs {
				vram += g.VRAMBytes
			}
			fmt.Fprintf(out, "hostname:        %s\n", f.Hostname)
			fmt.Fprintf(out, "os/arch:         %s/%s\n", f.OS, f.Arch)
			fmt.Fprintf(out, "kernel:          %s\n", f.Kernel)
			fmt.Fprintf(out, "distro:          %s %s\n", f.Distro, f.DistroVersion)
			fmt.Fprintf(out, "package manager: %s\n", f.PackageManager)
			fmt.Fprintf(out, "gpus:            %d (%s VRAM reported)\n", len(f.GPUs), humanize.IBytes(uint64(vram)))
			for _, g := range f.GPUs {
				fmt.Fprintf(out, "  - %s %s %s driver=%s\n", g.Card, g.Vendor, g.DeviceID, g.Driver)
			}
			return nil
		},
	}

	return cmd
}
