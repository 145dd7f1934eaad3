package commands

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func newShellCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "shell <command>...",
		Short: "Run a shell command on devices",
		Long: `Run a shell command on one or more devices in parallel.

Each attempt is bounded by command_timeout and failed attempts are retried
with exponential backoff. A failing device never affects the others; the
command exits non-zero when any device failed.`,
		Example: `  # Run on the only connected device
  devfleet shell getprop ro.product.model

  # Run on every online device
  devfleet shell --all 'pm list packages | wc -l'

  # Run on Pixel devices only
  devfleet shell --where 'model.startswith("Pixel")' uptime

  # Flags after the command are passed to the device
  devfleet shell -d emulator-5554 ls -la /sdcard`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")

			e, err := newEnv(cmd, "shell")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "shell", command, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				return e.op.Shell(ctx, id, command)
			})
		},
	}

	targets.register(cmd)
	// flags after the first argument belong to the device command
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newPropCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:     "prop <name>",
		Short:   "Read a system property",
		Example: `  devfleet prop ro.build.version.sdk --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			e, err := newEnv(cmd, "prop")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "prop", "getprop "+name, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				return e.op.GetProp(ctx, id, name)
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the platform major version of devices",
		Long: `Show the platform major version of devices, e.g. 14 for Android 14.

Versions are cached for cache.version_ttl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, "version")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "version", "getprop ro.build.version.release", ids, func(ctx context.Context, id orchestrator.DeviceID) (float64, error) {
				return e.op.OSVersion(ctx, id)
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newPidCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:     "pid <package>",
		Short:   "Find the process id of a package",
		Example: `  devfleet pid com.android.systemui --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]

			e, err := newEnv(cmd, "pid")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "pid", "pidof "+pkg, ids, func(ctx context.Context, id orchestrator.DeviceID) (int, error) {
				return e.op.ProcessID(ctx, id, pkg)
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newStopCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:     "stop <package>",
		Short:   "Force-stop a package",
		Example: `  devfleet stop com.example.app --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]

			e, err := newEnv(cmd, "stop")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "stop", "am force-stop "+pkg, ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
				return struct{}{}, e.op.StopApp(ctx, id, pkg)
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newScriptCommand() *cobra.Command {
	var (
		targets     targetFlags
		interpreter string
	)

	cmd := &cobra.Command{
		Use:   "script <file>",
		Short: "Upload and run a script on devices",
		Long: `Upload a local script to a temporary file on each device, run it and
remove the file again, whether the script succeeded or not.`,
		Example: `  devfleet script ./collect-logs.sh --all
  devfleet script ./check.sh --interpreter sh -d emulator-5554`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return orchestrator.NewConfigurationError("failed to read script", err)
			}
			script := string(data)

			e, err := newEnv(cmd, "script")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "script", script, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				return e.op.RunScript(ctx, id, script, interpreter)
			})
		},
	}

	targets.register(cmd)
	cmd.Flags().StringVarP(&interpreter, "interpreter", "i", "", "interpreter to run the script with (default: execute directly)")
	return cmd
}
