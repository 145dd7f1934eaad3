package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

const auditActionDenied = "command.denied"

func newHistoryCommand() *cobra.Command {
	var (
		limit   int
		offset  int
		denials bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show runs recorded in the store (store.path), newest first. With a run id,
show the result on every device of that run. With --denials, show commands
refused by policy instead.`,
		Example: `  devfleet history --limit 5
  devfleet history 0b6c3f0e-8a4e-4d43-9d39-2f1f3c5b8f11
  devfleet history --denials`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, "history")
			if err != nil {
				return err
			}
			defer e.Close()

			if e.store == nil {
				return orchestrator.NewConfigurationError("no run store configured (store.path)", nil)
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case denials:
				action := auditActionDenied
				entries, err := e.store.ListAuditEntries(ctx, &action, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, entries)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tACTOR\tDEVICE\tDETAILS")
				for _, a := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Timestamp.Local().Format(time.DateTime), a.Actor, deref(a.TargetID), deref(a.Details))
				}
				return w.Flush()

			case len(args) == 1:
				run, err := e.store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := e.store.ListDeviceResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, map[string]interface{}{"run": run, "results": results})
				}
				fmt.Fprintf(out, "run %s: %s (%s, %s)\n", run.ID, run.Status, run.Operation, run.Duration().Round(time.Millisecond))
				fmt.Fprintf(out, "command: %s\n", run.Command)
				for _, r := range results {
					if r.Error != nil {
						fmt.Fprintf(out, "%s: error: %s\n", r.Device, *r.Error)
						continue
					}
					fmt.Fprintf(out, "%s: %s\n", r.Device, dash(r.Output))
				}
				return nil

			default:
				runs, err := e.store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTARTED\tOPERATION\tSTATUS\tOK\tFAILED\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						r.ID, r.StartedAt.Local().Format(time.DateTime), r.Operation, r.Status,
						r.Succeeded, r.Failed, r.Duration().Round(time.Millisecond))
				}
				return w.Flush()
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")
	cmd.Flags().BoolVar(&denials, "denials", false, "show commands refused by policy")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
