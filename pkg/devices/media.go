package devices

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// MaxRecordDuration caps a screen recording.
const MaxRecordDuration = 180 * time.Second

var recordSize = regexp.MustCompile(`^\d+x\d+$`)

func (o *Operator) puller() (Puller, error) {
	p, ok := o.exec.(Puller)
	if !ok {
		return nil, orchestrator.NewConfigurationError("transport does not support pulling files", nil)
	}
	return p, nil
}

// RunScript uploads script to a temporary file on device, runs it and
// returns its output. The file is removed afterwards. An empty interpreter
// executes the file directly.
func (o *Operator) RunScript(ctx context.Context, device orchestrator.DeviceID, script, interpreter string) (string, error) {
	if script == "" {
		return "", orchestrator.NewConfigurationError("script is empty", nil)
	}
	return orchestrator.WithTempFile(ctx, o.exec, device, o.opts.TempDir, "script-", ".sh",
		func(ctx context.Context, remote string) (string, error) {
			q := orchestrator.ShellQuote(remote)
			if _, err := o.Shell(ctx, device, "printf '%s' "+orchestrator.ShellQuote(script)+" > "+q); err != nil {
				return "", fmt.Errorf("failed to upload script: %w", err)
			}
			if interpreter != "" {
				return o.Shell(ctx, device, interpreter+" "+q)
			}
			if _, err := o.Shell(ctx, device, "chmod 755 "+q); err != nil {
				return "", fmt.Errorf("failed to make script executable: %w", err)
			}
			return o.Shell(ctx, device, q)
		})
}

// Screenshot captures the screen of device into the local file.
func (o *Operator) Screenshot(ctx context.Context, device orchestrator.DeviceID, local string) error {
	p, err := o.puller()
	if err != nil {
		return err
	}
	_, err = orchestrator.WithTempFile(ctx, o.exec, device, o.opts.TempDir, "screenshot-", ".png",
		func(ctx context.Context, remote string) (struct{}, error) {
			if _, err := o.Shell(ctx, device, "screencap -p "+orchestrator.ShellQuote(remote)); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, p.Pull(ctx, device, remote, local)
		})
	if err == nil {
		log.Debug().Str("device", string(device)).Str("output", local).Msg("screenshot saved")
	}
	return err
}

// RecordScreen records the screen of device for d, capped at
// MaxRecordDuration, and saves it to the local file. size is an optional
// WIDTHxHEIGHT resolution.
func (o *Operator) RecordScreen(ctx context.Context, device orchestrator.DeviceID, local string, d time.Duration, size string) error {
	if d <= 0 {
		return orchestrator.NewConfigurationError("recording duration must be positive", nil)
	}
	if d > MaxRecordDuration {
		log.Warn().Dur("requested", d).Dur("max", MaxRecordDuration).Msg("recording duration clamped")
		d = MaxRecordDuration
	}
	if size != "" && !recordSize.MatchString(size) {
		return orchestrator.NewConfigurationError(fmt.Sprintf("invalid recording size %q", size), nil)
	}
	p, err := o.puller()
	if err != nil {
		return err
	}

	seconds := int((d + time.Second - 1) / time.Second)
	_, err = orchestrator.WithTempFile(ctx, o.exec, device, o.opts.TempDir, "record-", ".mp4",
		func(ctx context.Context, remote string) (struct{}, error) {
			cmd := fmt.Sprintf("screenrecord --time-limit %d ", seconds)
			if size != "" {
				cmd += "--size " + size + " "
			}
			cmd += orchestrator.ShellQuote(remote)

			// the command blocks for the whole recording
			if _, err := o.shell(ctx, device, cmd, d+o.opts.CommandTimeout); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, p.Pull(ctx, device, remote, local)
		})
	if err == nil {
		log.Debug().Str("device", string(device)).Str("output", local).Int("seconds", seconds).Msg("screen recording saved")
	}
	return err
}
