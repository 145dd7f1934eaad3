package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List known devices",
		Long: `List the devices reported by the transport with their status.

With --where only devices matching the starlark expression are shown.`,
		Example: `  devfleet devices
  devfleet devices --where 'online and product == "sdk_gphone64_x86_64"' --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, "devices")
			if err != nil {
				return err
			}
			defer e.Close()

			devs, err := e.op.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if e.selector != nil {
				if devs, err = e.selector.Filter(devs); err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), devs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tPRODUCT")
			for _, d := range devs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Status, dash(d.Model), dash(d.Product))
			}
			return w.Flush()
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newWaitCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <device>",
		Short: "Wait until a device is online",
		Long: `Poll the inventory until the device is online. Fails when --timeout
(default: wait.timeout from the config) elapses first.`,
		Example: `  devfleet wait emulator-5554 --timeout 2m`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := orchestrator.DeviceID(args[0])

			e, err := newEnv(cmd, "wait")
			if err != nil {
				return err
			}
			defer e.Close()

			online, err := e.op.WaitForDevice(cmd.Context(), id, timeout)
			if err != nil {
				return err
			}
			if !online {
				return fmt.Errorf("device %s did not come online", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: online\n", id)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait")
	return cmd
}
