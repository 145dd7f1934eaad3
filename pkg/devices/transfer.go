package devices

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// transfer runs fn with the retry policy, each attempt bounded by
// TransferTimeout.
func (o *Operator) transfer(ctx context.Context, device orchestrator.DeviceID, what string, fn func(ctx context.Context) error) error {
	if device == "" {
		return orchestrator.NewConfigurationError("device id is required", nil)
	}
	_, err := orchestrator.RunWithRetry(ctx, o.opts.Retry, func(ctx context.Context) (struct{}, error) {
		return orchestrator.RunWithTimeout(ctx, o.opts.TransferTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
	})
	if err != nil {
		log.Debug().Str("device", string(device)).Str("operation", what).Err(err).Msg("transfer failed")
	}
	return err
}

// Push copies the local file to remote on device.
func (o *Operator) Push(ctx context.Context, device orchestrator.DeviceID, local, remote string) error {
	if err := checkLocalFile(local); err != nil {
		return err
	}
	if remote == "" {
		return orchestrator.NewConfigurationError("remote path is required", nil)
	}
	p, ok := o.exec.(Pusher)
	if !ok {
		return orchestrator.NewConfigurationError("transport does not support pushing files", nil)
	}
	return o.transfer(ctx, device, "push", func(ctx context.Context) error {
		return p.Push(ctx, device, local, remote)
	})
}

// Pull copies remote on device to the local path.
func (o *Operator) Pull(ctx context.Context, device orchestrator.DeviceID, remote, local string) error {
	if remote == "" || local == "" {
		return orchestrator.NewConfigurationError("remote and local paths are required", nil)
	}
	p, err := o.puller()
	if err != nil {
		return err
	}
	return o.transfer(ctx, device, "pull", func(ctx context.Context) error {
		return p.Pull(ctx, device, remote, local)
	})
}

// PullRequest names one file to fetch from one device.
type PullRequest struct {
	Device orchestrator.DeviceID
	Remote string
	Local  string
}

// ParallelPull runs every request concurrently. Each device may appear in
// at most one request, and no two requests may write the same local file.
func (o *Operator) ParallelPull(ctx context.Context, reqs []PullRequest) (orchestrator.FanoutResult[string], error) {
	byDevice := make(map[orchestrator.DeviceID]PullRequest, len(reqs))
	locals := make(map[string]orchestrator.DeviceID, len(reqs))
	ids := make([]orchestrator.DeviceID, 0, len(reqs))
	for _, r := range reqs {
		if _, dup := byDevice[r.Device]; dup {
			return nil, orchestrator.NewConfigurationError("device "+string(r.Device)+" appears in more than one pull", nil)
		}
		abs, err := filepath.Abs(r.Local)
		if err != nil {
			return nil, orchestrator.NewConfigurationError("invalid local path", err)
		}
		if other, dup := locals[abs]; dup {
			return nil, orchestrator.NewConfigurationError("devices "+string(other)+" and "+string(r.Device)+" pull into the same file", nil)
		}
		locals[abs] = r.Device
		byDevice[r.Device] = r
		ids = append(ids, r.Device)
	}

	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
		r := byDevice[id]
		if err := o.Pull(ctx, id, r.Remote, r.Local); err != nil {
			return "", err
		}
		return r.Local, nil
	}, o.dispatchOptions()...), nil
}
