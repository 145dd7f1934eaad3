package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func newInstallCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "install <app.apk>",
		Short: "Install an apk on devices",
		Long: `Install a local apk on each device, replacing an installed version.
A package manager refusal is reported once and not retried.`,
		Example: `  devfleet install ./build/app-debug.apk --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apk := args[0]

			e, err := newEnv(cmd, "install")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "install", "pm install -r "+filepath.Base(apk), ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
				return struct{}{}, e.op.InstallApp(ctx, id, apk)
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newUninstallCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:     "uninstall <package>",
		Short:   "Remove a package from devices",
		Example: `  devfleet uninstall com.example.app -d emulator-5554`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]

			e, err := newEnv(cmd, "uninstall")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "uninstall", "pm uninstall "+pkg, ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
				return struct{}{}, e.op.UninstallApp(ctx, id, pkg)
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newStartCommand() *cobra.Command {
	var (
		targets  targetFlags
		activity string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start <package>",
		Short: "Launch a package on devices",
		Long: `Launch a package through its launcher intent, or through --activity.
With --wait the command polls until the package holds window focus.
Each device reports true when the app started.`,
		Example: `  devfleet start com.example.app --all
  devfleet start com.example.app --activity .MainActivity --wait 20s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := args[0]

			e, err := newEnv(cmd, "start")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "start", "am start "+pkg, ids, func(ctx context.Context, id orchestrator.DeviceID) (bool, error) {
				if wait > 0 {
					return e.op.StartAppAndWait(ctx, id, pkg, activity, wait)
				}
				return e.op.StartApp(ctx, id, pkg, activity)
			})
		},
	}

	targets.register(cmd)
	cmd.Flags().StringVar(&activity, "activity", "", "activity to start, e.g. .MainActivity")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the app to reach the foreground")
	return cmd
}
