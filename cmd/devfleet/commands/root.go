package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	where      string

	// metricsListen overrides the metrics address for metrics and monitor.
	metricsListen string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devfleet",
		Short: "devfleet - run commands across a fleet of devices",
		Long: `devfleet runs commands against Android devices over adb, or Linux hosts
over SSH, with bounded retries, per-command timeouts, short-lived caches and
parallel fan-out where one failing device never affects the others.

Features:
  - Fan-out shell commands, properties, versions and process lookups
  - Install, uninstall and launch apps; push and pull files
  - Scripts and screen captures through cleaned-up device temp files
  - Starlark device selection (--where)
  - Rego command policies with hot reload
  - Run history in SQLite, Prometheus metrics, OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&where, "where", "w", "", `starlark device filter, e.g. 'model.startswith("Pixel")'`)

	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newWaitCommand())
	rootCmd.AddCommand(newShellCommand())
	rootCmd.AddCommand(newPropCommand())
	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newPidCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newPushCommand())
	rootCmd.AddCommand(newPullCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newScreenshotCommand())
	rootCmd.AddCommand(newRecordCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newMetricsCommand())
	rootCmd.AddCommand(newMonitorCommand())

	return rootCmd
}
