package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devfleet/pkg/config"
	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
	"github.com/openfroyo/devfleet/pkg/policy"
	"github.com/openfroyo/devfleet/pkg/stores"
	"github.com/openfroyo/devfleet/pkg/telemetry"
	"github.com/openfroyo/devfleet/pkg/transports/adb"
	"github.com/openfroyo/devfleet/pkg/transports/ssh"
)

const shutdownTimeout = 5 * time.Second

// transport is what a device backend provides to the commands.
type transport interface {
	orchestrator.Executor
	devices.Inventory
}

// newTransport builds the configured backend. Tests replace it.
var newTransport = func(cfg *config.Config) (transport, io.Closer, error) {
	switch cfg.Transport {
	case config.TransportSSH:
		hosts, err := cfg.SSHHosts()
		if err != nil {
			return nil, nil, err
		}
		fleet, err := ssh.NewFleet(hosts, ssh.WithProbeParallelism(cfg.Dispatch.MaxParallel))
		if err != nil {
			return nil, nil, err
		}
		return fleet, fleet, nil
	default:
		bridge := adb.NewBridge(cfg.ADB.Path, adb.WithExtraArgs(cfg.ADB.ExtraArgs...))
		return bridge, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// env is everything a command needs, built from the config file and the
// global flags.
type env struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	engine   *policy.Engine
	store    stores.Store
	op       *devices.Operator
	selector *devices.Selector

	closers []io.Closer
}

// newEnv loads the configuration and wires telemetry, the transport, the
// policy guard, the run store and the operator. operation names the command
// for policies. The command context gains the metrics observer.
func newEnv(cmd *cobra.Command, operation string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if metricsListen != "" {
		cfg.Telemetry.Metrics.ListenAddress = metricsListen
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, tel: tel}

	ctx := tel.WithContext(cmd.Context())
	cmd.SetContext(ctx)

	if err := e.wire(ctx, operation); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) wire(ctx context.Context, operation string) error {
	if where != "" {
		sel, err := devices.ParseSelector(where)
		if err != nil {
			return err
		}
		e.selector = sel
	}

	if e.cfg.Store.Path != "" {
		store, err := stores.Open(ctx, stores.Config{Path: e.cfg.Store.Path})
		if err != nil {
			return err
		}
		e.store = store
		e.closers = append(e.closers, store)
	}

	t, closer, err := newTransport(e.cfg)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, closer)

	var exec orchestrator.Executor = t
	if e.cfg.Policy.Enabled {
		engine, err := policy.NewEngine(log.Logger)
		if err != nil {
			return err
		}
		if len(e.cfg.Policy.Paths) > 0 {
			if err := engine.LoadPolicies(ctx, e.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		guard := policy.NewGuard(engine, t, operation, log.Logger)
		guard.OnDeny(e.recordDenial)
		e.engine = engine
		exec = guard
	}

	op, err := devices.NewOperator(exec, t, e.cfg.DeviceOptions())
	if err != nil {
		return err
	}
	e.op = op
	return nil
}

func (e *env) recordDenial(ctx context.Context, denied *policy.DeniedError) {
	e.tel.Metrics.ObservePolicyDenial()
	if e.store == nil {
		return
	}

	details, err := json.Marshal(map[string]interface{}{
		"command":    denied.Command,
		"violations": denied.Violations,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode denial details")
		return
	}
	target := string(denied.Device)
	detailStr := string(details)
	entry := &stores.AuditEntry{
		Action:   "command.denied",
		Actor:    actor(),
		TargetID: &target,
		Details:  &detailStr,
	}
	if err := e.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn().Err(err).Str("device", target).Msg("Failed to record policy denial")
	}
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// Close releases the store and the transport and flushes telemetry.
func (e *env) Close() {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = append(errs, e.tel.Shutdown(ctx))

	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
