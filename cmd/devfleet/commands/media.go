package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// outputPath returns out unchanged for a single device, and out with the
// device id inserted before the extension otherwise.
func outputPath(out string, id orchestrator.DeviceID, multiple bool) string {
	if !multiple {
		return out
	}
	ext := filepath.Ext(out)
	safe := strings.NewReplacer("/", "_", ":", "_", string(filepath.Separator), "_").Replace(string(id))
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(out, ext), safe, ext)
}

func newScreenshotCommand() *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "screenshot <output.png>",
		Short: "Capture the screen of devices",
		Long: `Capture the screen into a temporary file on each device, pull it and
remove the device copy. With several devices each file is named
<output>-<device>.png.`,
		Example: `  devfleet screenshot home.png
  devfleet screenshot home.png --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := args[0]

			e, err := newEnv(cmd, "screenshot")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			multiple := len(ids) > 1
			return fanout(cmd, e, "screenshot", "screencap -p", ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				local := outputPath(out, id, multiple)
				if err := e.op.Screenshot(ctx, id, local); err != nil {
					return "", err
				}
				return local, nil
			})
		},
	}

	targets.register(cmd)
	return cmd
}

func newRecordCommand() *cobra.Command {
	var (
		targets  targetFlags
		duration time.Duration
		size     string
	)

	cmd := &cobra.Command{
		Use:   "record <output.mp4>",
		Short: "Record the screen of devices",
		Long: `Record the screen for --duration (at most 3 minutes), pull the video and
remove the device copy. With several devices each file is named
<output>-<device>.mp4.`,
		Example: `  devfleet record demo.mp4 --duration 30s --size 1280x720`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := args[0]

			e, err := newEnv(cmd, "record")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := targets.resolve(cmd, e)
			if err != nil {
				return err
			}
			multiple := len(ids) > 1
			return fanout(cmd, e, "record", "screenrecord", ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
				local := outputPath(out, id, multiple)
				if err := e.op.RecordScreen(ctx, id, local, duration, size); err != nil {
					return "", err
				}
				return local, nil
			})
		},
	}

	targets.register(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "recording length (max 3m)")
	cmd.Flags().StringVar(&size, "size", "", "video size as WIDTHxHEIGHT")
	return cmd
}
