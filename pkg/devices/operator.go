package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// Options tunes an Operator.
type Options struct {
	// Retry bounds retries of every shell command.
	Retry orchestrator.RetryPolicy

	// CommandTimeout bounds a single command attempt.
	CommandTimeout time.Duration `validate:"gt=0"`

	// TransferTimeout bounds a single push, pull or install attempt.
	TransferTimeout time.Duration `validate:"gt=0"`

	// VersionTTL is how long a platform version stays cached. Zero keeps it
	// until the operator is discarded.
	VersionTTL time.Duration `validate:"gte=0"`

	// ProcessTTL is how long a resolved pid stays cached.
	ProcessTTL time.Duration `validate:"gte=0"`

	// MaxParallel bounds fan-out concurrency.
	MaxParallel int `validate:"gte=0"`

	// WaitTimeout and PollInterval drive WaitForDevice.
	WaitTimeout  time.Duration `validate:"gt=0"`
	PollInterval time.Duration `validate:"gt=0"`

	// TempDir is the remote directory for scripts and captures.
	TempDir string

	// Clock overrides time.Now for the caches.
	Clock func() time.Time `validate:"-"`
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Retry:           orchestrator.DefaultRetryPolicy(),
		CommandTimeout:  30 * time.Second,
		TransferTimeout: 5 * time.Minute,
		VersionTTL:      10 * time.Minute,
		ProcessTTL:      3 * time.Second,
		MaxParallel:     orchestrator.DefaultMaxParallel,
		WaitTimeout:     30 * time.Second,
		PollInterval:    500 * time.Millisecond,
		TempDir:         orchestrator.DefaultTempDir,
	}
}

var validate = validator.New()

// Validate checks the option bounds.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return orchestrator.NewConfigurationError("invalid device options", err)
	}
	return o.Retry.Validate()
}

// Operator runs device operations on top of an executor and an inventory,
// applying retries, timeouts, caching and fan-out from the orchestrator.
type Operator struct {
	exec orchestrator.Executor
	inv  Inventory
	opts Options

	versions *orchestrator.Cache[orchestrator.DeviceID, float64]
	pids     *orchestrator.Cache[ProcessKey, int]
}

// NewOperator creates an operator. File and package operations need exec
// to implement Puller, Pusher or Installer.
func NewOperator(exec orchestrator.Executor, inv Inventory, opts Options) (*Operator, error) {
	if exec == nil {
		return nil, orchestrator.NewConfigurationError("executor is required", nil)
	}
	if inv == nil {
		return nil, orchestrator.NewConfigurationError("inventory is required", nil)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var cacheOpts []orchestrator.CacheOption
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, orchestrator.WithClock(opts.Clock))
	}

	versions, err := orchestrator.NewCache[orchestrator.DeviceID, float64]("versions", opts.VersionTTL, cacheOpts...)
	if err != nil {
		return nil, err
	}
	pids, err := orchestrator.NewCache[ProcessKey, int]("pids", opts.ProcessTTL, cacheOpts...)
	if err != nil {
		return nil, err
	}

	return &Operator{
		exec:     exec,
		inv:      inv,
		opts:     opts,
		versions: versions,
		pids:     pids,
	}, nil
}

// Options returns the operator tuning.
func (o *Operator) Options() Options { return o.opts }

// Shell runs command on device with the configured timeout and retry policy
// and returns its output.
func (o *Operator) Shell(ctx context.Context, device orchestrator.DeviceID, command string) (string, error) {
	return o.shell(ctx, device, command, o.opts.CommandTimeout)
}

func (o *Operator) shell(ctx context.Context, device orchestrator.DeviceID, command string, timeout time.Duration) (string, error) {
	if device == "" {
		return "", orchestrator.NewConfigurationError("device id is required", nil)
	}
	if strings.TrimSpace(command) == "" {
		return "", orchestrator.NewConfigurationError("command is required", nil).WithDevice(device)
	}

	out, err := orchestrator.RunWithRetry(ctx, o.opts.Retry, func(ctx context.Context) (string, error) {
		return orchestrator.RunWithTimeout(ctx, timeout, func(ctx context.Context) (string, error) {
			return o.exec.Execute(ctx, device, command)
		})
	})
	if err != nil {
		log.Debug().
			Str("device", string(device)).
			Str("command", command).
			Err(err).
			Msg("shell command failed")
		return "", err
	}
	return out, nil
}

// GetProp returns a single system property, trimmed.
func (o *Operator) GetProp(ctx context.Context, device orchestrator.DeviceID, name string) (string, error) {
	if name == "" {
		return "", orchestrator.NewConfigurationError("property name is required", nil)
	}
	out, err := o.Shell(ctx, device, "getprop "+orchestrator.ShellQuote(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Props returns every system property of the device.
func (o *Operator) Props(ctx context.Context, device orchestrator.DeviceID) (map[string]string, error) {
	out, err := o.Shell(ctx, device, "getprop")
	if err != nil {
		return nil, err
	}
	return ParseProperties(out), nil
}

// OSVersion returns the major platform version of the device. Unparsable
// output falls back to DefaultVersion. Results are cached per device.
func (o *Operator) OSVersion(ctx context.Context, device orchestrator.DeviceID) (float64, error) {
	return o.versions.GetOrCompute(ctx, device, func(ctx context.Context) (float64, error) {
		out, err := o.Shell(ctx, device, "getprop ro.build.version.release")
		if err != nil {
			return 0, err
		}
		v, ok := parseMajorVersion(out)
		if !ok {
			log.Warn().
				Str("device", string(device)).
				Str("release", strings.TrimSpace(out)).
				Float64("fallback", DefaultVersion).
				Msg("unable to parse platform version, using fallback")
			return DefaultVersion, nil
		}
		return v, nil
	})
}

// ListDevices returns every device known to the inventory.
func (o *Operator) ListDevices(ctx context.Context) ([]Device, error) {
	return o.inv.ListDevices(ctx)
}

// IsOnline reports whether device is listed and online. An unknown device
// is not online.
func (o *Operator) IsOnline(ctx context.Context, device orchestrator.DeviceID) (bool, error) {
	devs, err := o.inv.ListDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range devs {
		if d.ID == device {
			return d.IsOnline(), nil
		}
	}
	return false, nil
}

// Find returns the first device whose id contains fragment, typically an IP
// address of a network-attached device.
func (o *Operator) Find(ctx context.Context, fragment string) (Device, error) {
	devs, err := o.inv.ListDevices(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devs {
		if strings.Contains(string(d.ID), fragment) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no device matches %q", ErrDeviceNotFound, fragment)
}

// WaitForDevice polls until device is online. It returns false without an
// error when timeout elapses first; a zero timeout uses the configured one.
// Listing errors during polling are logged and polling continues.
func (o *Operator) WaitForDevice(ctx context.Context, device orchestrator.DeviceID, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = o.opts.WaitTimeout
	}
	log.Info().Str("device", string(device)).Dur("timeout", timeout).Msg("waiting for device")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		online, err := o.IsOnline(ctx, device)
		switch {
		case err != nil:
			log.Warn().Str("device", string(device)).Err(err).Msg("device status check failed")
		case online:
			log.Info().Str("device", string(device)).Msg("device is online")
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			log.Warn().Str("device", string(device)).Dur("timeout", timeout).Msg("timed out waiting for device")
			return false, nil
		case <-ticker.C:
		}
	}
}

// ProcessID returns the pid of package on device, or ErrProcessNotFound.
// Found pids are cached briefly; misses are never cached.
func (o *Operator) ProcessID(ctx context.Context, device orchestrator.DeviceID, pkg string) (int, error) {
	key := ProcessKey{Device: device, Package: pkg}
	return o.pids.GetOrCompute(ctx, key, func(ctx context.Context) (int, error) {
		return o.lookupPID(ctx, device, pkg)
	})
}

// lookupPID tries pidof (8+), then ps, then dumpsys. Probe commands end in
// `|| true` so an empty grep is not mistaken for a transport failure.
func (o *Operator) lookupPID(ctx context.Context, device orchestrator.DeviceID, pkg string) (int, error) {
	version, err := o.OSVersion(ctx, device)
	if err != nil {
		return 0, err
	}
	q := orchestrator.ShellQuote(pkg)

	if version >= 8 {
		out, err := o.Shell(ctx, device, "pidof "+q+" || true")
		if err != nil {
			return 0, err
		}
		if pid, ok := parsePidof(out); ok {
			return pid, nil
		}
	}

	ps := "ps"
	if version >= 7 {
		ps = "ps -A"
	}
	out, err := o.Shell(ctx, device, ps+" | grep -F "+q+" | grep -v grep || true")
	if err != nil {
		return 0, err
	}
	if pid, ok := parsePS(out, 1); ok {
		return pid, nil
	}

	out, err = o.Shell(ctx, device, "dumpsys activity services | grep -i "+q+" || true")
	if err != nil {
		return 0, err
	}
	if pid, ok := parseDumpsysPID(out); ok {
		return pid, nil
	}

	log.Debug().Str("device", string(device)).Str("package", pkg).Msg("no pid found for package")
	return 0, fmt.Errorf("%w: %s on %s", ErrProcessNotFound, pkg, device)
}

// IsRunning reports whether package is running on device. Besides a pid
// lookup it accepts a focused window or a running service as evidence.
func (o *Operator) IsRunning(ctx context.Context, device orchestrator.DeviceID, pkg string) (bool, error) {
	_, err := o.ProcessID(ctx, device, pkg)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrProcessNotFound) {
		return false, err
	}

	focus, err := o.Shell(ctx, device, "dumpsys window windows | grep -E 'mCurrentFocus|mFocusedApp' || true")
	if err != nil {
		return false, err
	}
	if strings.Contains(focus, pkg) {
		return true, nil
	}

	services, err := o.Shell(ctx, device, "dumpsys activity services | grep -i "+orchestrator.ShellQuote(pkg)+" || true")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(services) != "", nil
}

// StopApp force-stops package and forgets its cached pid.
func (o *Operator) StopApp(ctx context.Context, device orchestrator.DeviceID, pkg string) error {
	if pkg == "" {
		return orchestrator.NewConfigurationError("package is required", nil)
	}
	if _, err := o.Shell(ctx, device, "am force-stop "+orchestrator.ShellQuote(pkg)); err != nil {
		return err
	}
	o.pids.Invalidate(ProcessKey{Device: device, Package: pkg})
	return nil
}
