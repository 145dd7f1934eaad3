package devices

import (
	"context"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func (o *Operator) dispatchOptions() []orchestrator.DispatchOption {
	return []orchestrator.DispatchOption{orchestrator.WithMaxParallel(o.opts.MaxParallel)}
}

// ParallelShell runs command on every listed device concurrently.
func (o *Operator) ParallelShell(ctx context.Context, ids []orchestrator.DeviceID, command string) orchestrator.FanoutResult[string] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
		return o.Shell(ctx, id, command)
	}, o.dispatchOptions()...)
}

// ParallelCommands runs commands in order on every listed device, devices in
// parallel. Each device slot holds one result per command; a failing
// command does not stop the following ones.
func (o *Operator) ParallelCommands(ctx context.Context, ids []orchestrator.DeviceID, commands []string) orchestrator.FanoutResult[[]orchestrator.Result[string]] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) ([]orchestrator.Result[string], error) {
		results := make([]orchestrator.Result[string], 0, len(commands))
		for _, cmd := range commands {
			out, err := o.Shell(ctx, id, cmd)
			results = append(results, orchestrator.Result[string]{Value: out, Err: err})
		}
		return results, nil
	}, o.dispatchOptions()...)
}

// OnOnline runs op on every online device. It fails with
// orchestrator.ErrNoOnlineDevices when none is online.
func OnOnline[T any](ctx context.Context, o *Operator, op orchestrator.ItemOperation[T]) (orchestrator.FanoutResult[T], error) {
	return orchestrator.DispatchOnline(ctx, OnlineLister(o.inv), op, o.dispatchOptions()...)
}

// ShellOnOnline runs command on every online device.
func (o *Operator) ShellOnOnline(ctx context.Context, command string) (orchestrator.FanoutResult[string], error) {
	return OnOnline(ctx, o, func(ctx context.Context, id orchestrator.DeviceID) (string, error) {
		return o.Shell(ctx, id, command)
	})
}

// StopAppOnOnline force-stops package on every online device.
func (o *Operator) StopAppOnOnline(ctx context.Context, pkg string) (orchestrator.FanoutResult[struct{}], error) {
	return OnOnline(ctx, o, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		return struct{}{}, o.StopApp(ctx, id, pkg)
	})
}

// ParallelInstall installs the local apk on every listed device.
func (o *Operator) ParallelInstall(ctx context.Context, ids []orchestrator.DeviceID, apk string) orchestrator.FanoutResult[struct{}] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		return struct{}{}, o.InstallApp(ctx, id, apk)
	}, o.dispatchOptions()...)
}

// ParallelUninstall removes pkg from every listed device.
func (o *Operator) ParallelUninstall(ctx context.Context, ids []orchestrator.DeviceID, pkg string) orchestrator.FanoutResult[struct{}] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		return struct{}{}, o.UninstallApp(ctx, id, pkg)
	}, o.dispatchOptions()...)
}

// ParallelStartApp launches pkg on every listed device. A slot holds false
// when the launcher reported a failure.
func (o *Operator) ParallelStartApp(ctx context.Context, ids []orchestrator.DeviceID, pkg, activity string) orchestrator.FanoutResult[bool] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (bool, error) {
		return o.StartApp(ctx, id, pkg, activity)
	}, o.dispatchOptions()...)
}

// ParallelStopApp force-stops pkg on every listed device.
func (o *Operator) ParallelStopApp(ctx context.Context, ids []orchestrator.DeviceID, pkg string) orchestrator.FanoutResult[struct{}] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		return struct{}{}, o.StopApp(ctx, id, pkg)
	}, o.dispatchOptions()...)
}

// ParallelPush copies the local file to remote on every listed device.
func (o *Operator) ParallelPush(ctx context.Context, ids []orchestrator.DeviceID, local, remote string) orchestrator.FanoutResult[struct{}] {
	return orchestrator.Dispatch(ctx, ids, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		return struct{}{}, o.Push(ctx, id, local, remote)
	}, o.dispatchOptions()...)
}

// InstallOnOnline installs the local apk on every online device.
func (o *Operator) InstallOnOnline(ctx context.Context, apk string) (orchestrator.FanoutResult[struct{}], error) {
	return OnOnline(ctx, o, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		return struct{}{}, o.InstallApp(ctx, id, apk)
	})
}

// StartAppOnOnline launches pkg on every online device.
func (o *Operator) StartAppOnOnline(ctx context.Context, pkg, activity string) (orchestrator.FanoutResult[bool], error) {
	return OnOnline(ctx, o, func(ctx context.Context, id orchestrator.DeviceID) (bool, error) {
		return o.StartApp(ctx, id, pkg, activity)
	})
}

// FilterOnline returns the ids among ids that are currently online, in
// input order.
func (o *Operator) FilterOnline(ctx context.Context, ids []orchestrator.DeviceID) ([]orchestrator.DeviceID, error) {
	devs, err := o.inv.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	online := make(map[orchestrator.DeviceID]bool, len(devs))
	for _, d := range devs {
		online[d.ID] = d.IsOnline()
	}
	out := make([]orchestrator.DeviceID, 0, len(ids))
	for _, id := range ids {
		if online[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
