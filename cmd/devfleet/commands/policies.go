package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
	"github.com/openfroyo/devfleet/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	var (
		check  string
		device string
	)

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List command policies or check a command against them",
		Long: `List the built-in policies and those loaded from policy.paths.

With --check, evaluate a command without running it and report the
violations and warnings it would produce.`,
		Example: `  devfleet policies
  devfleet policies --check 'rm -rf /sdcard'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, "policies")
			if err != nil {
				return err
			}
			defer e.Close()

			if e.engine == nil {
				return orchestrator.NewConfigurationError("policies are disabled (policy.enabled)", nil)
			}
			out := cmd.OutOrStdout()

			if check == "" {
				policies := e.engine.ListPolicies()
				if jsonOutput {
					return writeJSON(out, policies)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
				for _, p := range policies {
					source := p.Source
					if source == "" {
						source = "builtin"
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, dash(p.Description))
				}
				return w.Flush()
			}

			result, err := e.engine.Evaluate(cmd.Context(), policy.Input{
				Command:   check,
				Device:    device,
				Operation: "shell",
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				printViolations(out, "denied", result.Violations)
				printViolations(out, "warning", result.Warnings)
				if result.Allowed {
					fmt.Fprintln(out, "allowed")
				}
			}
			if !result.Allowed {
				return fmt.Errorf("command would be denied by %d violation(s)", len(result.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&check, "check", "", "command to evaluate")
	cmd.Flags().StringVar(&device, "device", "", "device id passed to policies with --check")
	return cmd
}

func printViolations(w io.Writer, label string, vs []policy.Violation) {
	for _, v := range vs {
		fmt.Fprintf(w, "%s: [%s] %s: %s\n", label, strings.ToUpper(string(v.Severity)), v.Policy, v.Message)
	}
}
