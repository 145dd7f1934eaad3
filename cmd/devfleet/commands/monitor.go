package commands

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve the Prometheus metrics endpoint",
		Long: `Serve the Prometheus metrics endpoint (telemetry.metrics) until interrupted.

The monitor command serves the same endpoint while polling devices.`,
		Example: `  devfleet metrics --listen 127.0.0.1:9090`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, "metrics")
			if err != nil {
				return err
			}
			defer e.Close()

			if !e.tel.Metrics.Enabled() {
				return orchestrator.NewConfigurationError("metrics are disabled (telemetry.metrics.enabled)", nil)
			}
			return e.tel.Metrics.StartServer(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&metricsListen, "listen", "", "override telemetry.metrics.listen_address")
	return cmd
}

// statusChange is a device appearing (From empty), disappearing (To empty)
// or changing status between two polls.
type statusChange struct {
	Device orchestrator.DeviceID
	From   devices.Status
	To     devices.Status
}

func diffStatuses(prev, cur map[orchestrator.DeviceID]devices.Status) []statusChange {
	var changes []statusChange
	for id, to := range cur {
		if from, ok := prev[id]; !ok || from != to {
			changes = append(changes, statusChange{Device: id, From: prev[id], To: to})
		}
	}
	for id, from := range prev {
		if _, ok := cur[id]; !ok {
			changes = append(changes, statusChange{Device: id, From: from})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Device < changes[j].Device })
	return changes
}

func countByStatus(devs []devices.Device) map[string]int {
	counts := make(map[string]int)
	for _, d := range devs {
		counts[string(d.Status)]++
	}
	return counts
}

func newMonitorCommand() *cobra.Command {
	var (
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch device status changes",
		Long: `Poll the inventory every --interval and log devices that appear, disappear
or change status. While running, the metrics endpoint is served when
enabled and policy files are reloaded on change when policy.watch is set.`,
		Example: `  devfleet monitor --interval 10s
  devfleet monitor --where 'model.startswith("Pixel")'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return orchestrator.NewConfigurationError("--interval must be positive", nil)
			}

			e, err := newEnv(cmd, "monitor")
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return monitor(ctx, e, interval, count)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many polls (0 runs until interrupted)")
	cmd.Flags().StringVar(&metricsListen, "listen", "", "override telemetry.metrics.listen_address")
	return cmd
}

func monitor(ctx context.Context, e *env, interval time.Duration, count int) error {
	var serverErr chan error
	if e.tel.Metrics.Enabled() {
		serverErr = make(chan error, 1)
		go func() { serverErr <- e.tel.Metrics.StartServer(ctx) }()
	}

	if e.engine != nil && e.cfg.Policy.Watch && len(e.cfg.Policy.Paths) > 0 {
		loader, err := e.engine.Watch(ctx, e.cfg.Policy.Paths)
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	prev := map[orchestrator.DeviceID]devices.Status{}
	poll := func() {
		devs, err := e.op.ListDevices(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list devices")
			return
		}
		if e.selector != nil {
			if devs, err = e.selector.Filter(devs); err != nil {
				log.Warn().Err(err).Msg("Device filter failed")
				return
			}
		}

		cur := make(map[orchestrator.DeviceID]devices.Status, len(devs))
		for _, d := range devs {
			cur[d.ID] = d.Status
		}
		for _, c := range diffStatuses(prev, cur) {
			ev := log.Info().Str("device", string(c.Device))
			switch {
			case c.From == "":
				ev.Str("status", string(c.To)).Msg("Device appeared")
			case c.To == "":
				ev.Str("status", string(c.From)).Msg("Device disappeared")
			default:
				ev.Str("from", string(c.From)).Str("to", string(c.To)).Msg("Device status changed")
			}
		}
		e.tel.Metrics.SetDeviceCounts(countByStatus(devs))
		prev = cur
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		poll()
		if count > 0 && polls >= count {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErr:
			if err != nil {
				return err
			}
			serverErr = nil
		case <-ticker.C:
		}
	}
}
