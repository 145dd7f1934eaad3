package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
	"github.com/openfroyo/devfleet/pkg/stores"
	"github.com/openfroyo/devfleet/pkg/telemetry"
)

// targetFlags selects the devices a fan-out command runs on.
type targetFlags struct {
	devices []string
	all     bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.devices, "device", "d", nil, "target device id (repeatable)")
	cmd.Flags().BoolVarP(&f.all, "all", "a", false, "target every online device")
	cmd.MarkFlagsMutuallyExclusive("device", "all")
}

// resolve returns the target devices. Explicit ids are used as given,
// narrowed by --where. Otherwise online devices are considered: --all or
// --where keep every match, and without either exactly one must be online.
func (f *targetFlags) resolve(cmd *cobra.Command, e *env) ([]orchestrator.DeviceID, error) {
	ctx := cmd.Context()

	if len(f.devices) > 0 && e.selector == nil {
		ids := make([]orchestrator.DeviceID, 0, len(f.devices))
		for _, d := range f.devices {
			ids = append(ids, orchestrator.DeviceID(d))
		}
		return ids, nil
	}

	all, err := e.op.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []devices.Device
	if len(f.devices) > 0 {
		known := make(map[orchestrator.DeviceID]devices.Device, len(all))
		for _, d := range all {
			known[d.ID] = d
		}
		for _, id := range f.devices {
			d, ok := known[orchestrator.DeviceID(id)]
			if !ok {
				return nil, fmt.Errorf("%w: %s", devices.ErrDeviceNotFound, id)
			}
			candidates = append(candidates, d)
		}
	} else {
		for _, d := range all {
			if d.IsOnline() {
				candidates = append(candidates, d)
			}
		}
	}

	if e.selector != nil {
		if candidates, err = e.selector.Filter(candidates); err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, orchestrator.ErrNoOnlineDevices
	}
	if len(f.devices) == 0 && !f.all && e.selector == nil && len(candidates) > 1 {
		return nil, orchestrator.NewConfigurationError(
			fmt.Sprintf("%d devices online; choose with --device, --all or --where", len(candidates)), nil)
	}

	ids := make([]orchestrator.DeviceID, 0, len(candidates))
	for _, d := range candidates {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// fanout dispatches op over ids, records the run when a store is
// configured, prints the per-device results and fails when any device did.
func fanout[T any](cmd *cobra.Command, e *env, operation, command string, ids []orchestrator.DeviceID, op orchestrator.ItemOperation[T]) error {
	ctx, span := e.tel.Tracer.StartCommandSpan(cmd.Context(), operation, len(ids))
	defer span.End()

	started := time.Now()
	res := orchestrator.Dispatch(ctx, ids, op, orchestrator.WithMaxParallel(e.cfg.Dispatch.MaxParallel))

	if e.store != nil {
		run, err := stores.RecordFanout(ctx, e.store, command, operation, started, res)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to record run")
		} else {
			log.Debug().Str("run", run.ID).Str("status", string(run.Status)).Msg("Run recorded")
		}
	}

	if err := printFanout(cmd.OutOrStdout(), res); err != nil {
		return err
	}

	if failed := res.Failed(); len(failed) > 0 {
		err := fmt.Errorf("%d of %d devices failed", len(failed), len(res))
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

type fanoutEntry struct {
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

func printFanout[T any](w io.Writer, res orchestrator.FanoutResult[T]) error {
	if jsonOutput {
		out := make(map[orchestrator.DeviceID]fanoutEntry, len(res))
		for id, r := range res {
			if r.Err != nil {
				out[id] = fanoutEntry{Error: r.Err.Error()}
			} else {
				out[id] = fanoutEntry{Value: r.Value}
			}
		}
		return writeJSON(w, out)
	}

	for _, id := range res.Devices() {
		r := res[id]
		if r.Err != nil {
			fmt.Fprintf(w, "%s: error: %v\n", id, r.Err)
			continue
		}
		text := formatValue(r.Value)
		if text == "" {
			fmt.Fprintf(w, "%s: ok\n", id)
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			fmt.Fprintf(w, "%s: %s\n", id, line)
		}
	}
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case struct{}:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
