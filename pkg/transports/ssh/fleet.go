package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// DefaultProbeTimeout bounds the connectivity probe of one host during
// ListDevices.
const DefaultProbeTimeout = 10 * time.Second

// Host binds a device id to its SSH settings.
type Host struct {
	ID     orchestrator.DeviceID
	Config *Config
}

// Fleet is a set of SSH hosts addressed by device id. Connections are opened
// lazily and reused. It implements orchestrator.Executor,
// devices.Inventory, devices.Puller and devices.Pusher.
type Fleet struct {
	order        []orchestrator.DeviceID
	hosts        map[orchestrator.DeviceID]*Config
	probeTimeout time.Duration
	maxParallel  int

	mu      sync.Mutex
	clients map[orchestrator.DeviceID]*Client
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithProbeTimeout sets the per-host timeout used by ListDevices.
func WithProbeTimeout(d time.Duration) FleetOption {
	return func(f *Fleet) {
		if d > 0 {
			f.probeTimeout = d
		}
	}
}

// WithProbeParallelism bounds how many hosts ListDevices probes at once.
func WithProbeParallelism(n int) FleetOption {
	return func(f *Fleet) {
		f.maxParallel = n
	}
}

// NewFleet validates every host and returns an unconnected fleet.
func NewFleet(hosts []Host, opts ...FleetOption) (*Fleet, error) {
	f := &Fleet{
		order:        make([]orchestrator.DeviceID, 0, len(hosts)),
		hosts:        make(map[orchestrator.DeviceID]*Config, len(hosts)),
		probeTimeout: DefaultProbeTimeout,
		maxParallel:  orchestrator.DefaultMaxParallel,
		clients:      make(map[orchestrator.DeviceID]*Client),
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, h := range hosts {
		if h.ID == "" {
			return nil, orchestrator.NewConfigurationError("ssh host without id", nil)
		}
		if _, dup := f.hosts[h.ID]; dup {
			return nil, orchestrator.NewConfigurationError(fmt.Sprintf("duplicate ssh host id %q", h.ID), nil)
		}
		if h.Config == nil {
			return nil, orchestrator.NewConfigurationError("ssh host has no config", nil).WithDevice(h.ID)
		}
		if err := h.Config.Validate(); err != nil {
			return nil, orchestrator.NewConfigurationError("invalid ssh host", err).WithDevice(h.ID)
		}
		f.hosts[h.ID] = h.Config
		f.order = append(f.order, h.ID)
	}
	return f, nil
}

// client returns a connected client for id.
func (f *Fleet) client(ctx context.Context, id orchestrator.DeviceID) (*Client, error) {
	f.mu.Lock()
	cfg, ok := f.hosts[id]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", devices.ErrDeviceNotFound, id)
	}
	c, ok := f.clients[id]
	if !ok {
		var err error
		c, err = NewClient(cfg)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.clients[id] = c
	}
	f.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Execute runs command on the host bound to device and returns its stdout.
func (f *Fleet) Execute(ctx context.Context, device orchestrator.DeviceID, command string) (string, error) {
	c, err := f.client(ctx, device)
	if err != nil {
		return "", err
	}
	res, err := c.Run(ctx, command)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Pull downloads remote from the host bound to device over SFTP.
func (f *Fleet) Pull(ctx context.Context, device orchestrator.DeviceID, remote, local string) error {
	c, err := f.client(ctx, device)
	if err != nil {
		return err
	}
	return c.Download(ctx, remote, local)
}

// Push uploads local to remote on the host bound to device over SFTP.
func (f *Fleet) Push(ctx context.Context, device orchestrator.DeviceID, local, remote string) error {
	c, err := f.client(ctx, device)
	if err != nil {
		return err
	}
	return c.Upload(ctx, local, remote)
}

// ListDevices probes every host concurrently. Reachable hosts are online,
// hosts rejecting credentials are unauthorized, the rest offline.
func (f *Fleet) ListDevices(ctx context.Context) ([]devices.Device, error) {
	probes := orchestrator.Dispatch(ctx, f.order, func(ctx context.Context, id orchestrator.DeviceID) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
		defer cancel()

		c, err := f.client(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.HealthCheck(ctx)
	}, orchestrator.WithMaxParallel(f.maxParallel))

	out := make([]devices.Device, 0, len(f.order))
	for _, id := range f.order {
		cfg := f.hosts[id]
		d := devices.NewDevice(id, devices.StatusOnline)
		d.Name = cfg.Host
		d.TransportID = cfg.Address()

		if err := probes[id].Err; err != nil {
			d.Status = devices.StatusOffline
			var te *TransportError
			if errors.As(err, &te) && te.IsAuthError {
				d.Status = devices.StatusUnauthorized
			}
			log.Debug().Str("device", string(id)).Err(err).Msg("ssh host probe failed")
		}
		out = append(out, d)
	}
	return out, nil
}

// Close disconnects every open client.
func (f *Fleet) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for id, c := range f.clients {
		if err := c.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		delete(f.clients, id)
	}
	return errors.Join(errs...)
}
