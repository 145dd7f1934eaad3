package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func newPushCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:     "push <local> <remote>",
		Short:   "Copy a local file to devices",
		Example: `  devfleet push ./app.cfg /sdcard/app.cfg --all`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]

			e, err := newEnv(cmd, "push")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			return fanout(cmd, e, "push", "push "+remote, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				if err := e.op.Push(ctx, id, local, remote); err != nil {
					return "", err
				}
				return remote, nil
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newPullCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "pull <remote> <local>",
		Short: "Copy a file from devices",
		Long: `Copy a device file to the local path. With several devices each file
is named <local>-<device><ext>.`,
		Example: `  devfleet pull /sdcard/log.txt ./log.txt --all`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, local := args[0], args[1]

			e, err := newEnv(cmd, "pull")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			multiple := len(ids) > 1
			return fanout(cmd, e, "pull", "pull "+remote, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				dst := outputPath(local, id, multiple)
				if err := e.op.Pull(ctx, id, remote, dst); err != nil {
					return "", err
				}
				return dst, nil
			})
		},
	}

	targets.register(cmd)
	return cmd
}
