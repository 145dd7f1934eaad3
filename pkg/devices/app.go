package devices

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// PackageError is an install or uninstall request the device's package
// manager refused. Retrying it does not help.
type PackageError struct {
	Device orchestrator.DeviceID
	Op     string
	Target string
	Reason string
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("%s %s on %s: %s", e.Op, e.Target, e.Device, e.Reason)
}

// launchFailureMarkers in am or monkey output mean the app did not start.
var launchFailureMarkers = []string{"Error", "Exception", "failed"}

func (o *Operator) installer() (Installer, bool) {
	i, ok := o.exec.(Installer)
	return i, ok
}

// InstallApp installs the local apk on device, replacing an installed
// version. Each attempt is bounded by TransferTimeout.
func (o *Operator) InstallApp(ctx context.Context, device orchestrator.DeviceID, apk string) error {
	if err := checkLocalFile(apk); err != nil {
		return err
	}
	inst, ok := o.installer()
	if !ok {
		return orchestrator.NewConfigurationError("transport does not support installing packages", nil)
	}
	err := o.transfer(ctx, device, "install", func(ctx context.Context) error {
		return inst.Install(ctx, device, apk)
	})
	if err == nil {
		log.Info().Str("device", string(device)).Str("apk", apk).Msg("package installed")
	}
	return err
}

// UninstallApp removes pkg from device and forgets its cached pid. Without
// an Installer the request goes through `pm uninstall`.
func (o *Operator) UninstallApp(ctx context.Context, device orchestrator.DeviceID, pkg string) error {
	if pkg == "" {
		return orchestrator.NewConfigurationError("package is required", nil)
	}
	defer o.pids.Invalidate(ProcessKey{Device: device, Package: pkg})

	if inst, ok := o.installer(); ok {
		return o.transfer(ctx, device, "uninstall", func(ctx context.Context) error {
			return inst.Uninstall(ctx, device, pkg)
		})
	}

	out, err := o.Shell(ctx, device, "pm uninstall "+orchestrator.ShellQuote(pkg))
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return &PackageError{Device: device, Op: "uninstall", Target: pkg, Reason: strings.TrimSpace(out)}
	}
	return nil
}

// StartApp launches pkg on device, through activity when one is given and
// the launcher intent otherwise. It reports false without an error when the
// launcher output shows the start failed.
func (o *Operator) StartApp(ctx context.Context, device orchestrator.DeviceID, pkg, activity string) (bool, error) {
	if pkg == "" {
		return false, orchestrator.NewConfigurationError("package is required", nil)
	}

	cmd := "monkey -p " + orchestrator.ShellQuote(pkg) + " -c android.intent.category.LAUNCHER 1"
	if activity != "" {
		cmd = "am start -n " + orchestrator.ShellQuote(pkg+"/"+activity)
	}
	out, err := o.Shell(ctx, device, cmd)
	if err != nil {
		return false, err
	}
	o.pids.Invalidate(ProcessKey{Device: device, Package: pkg})

	for _, marker := range launchFailureMarkers {
		if strings.Contains(out, marker) {
			log.Debug().Str("device", string(device)).Str("package", pkg).Str("output", out).Msg("app start failed")
			return false, nil
		}
	}
	return true, nil
}

// StartAppAndWait starts pkg and polls until it holds window focus. It
// reports false when the start failed or focus did not arrive within
// timeout; a zero timeout uses WaitTimeout.
func (o *Operator) StartAppAndWait(ctx context.Context, device orchestrator.DeviceID, pkg, activity string, timeout time.Duration) (bool, error) {
	started, err := o.StartApp(ctx, device, pkg, activity)
	if err != nil || !started {
		return false, err
	}
	if timeout <= 0 {
		timeout = o.opts.WaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		focus, err := o.Shell(ctx, device, "dumpsys window windows | grep -E 'mCurrentFocus' || true")
		if err != nil {
			return false, err
		}
		if strings.Contains(focus, pkg) {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			log.Warn().Str("device", string(device)).Str("package", pkg).Dur("timeout", timeout).Msg("app did not reach the foreground")
			return false, nil
		case <-ticker.C:
		}
	}
}

func checkLocalFile(p string) error {
	if p == "" {
		return orchestrator.NewConfigurationError("local file is required", nil)
	}
	info, err := os.Stat(p)
	if err != nil {
		return orchestrator.NewConfigurationError("local file is not readable", err)
	}
	if info.IsDir() {
		return orchestrator.NewConfigurationError(fmt.Sprintf("%s is a directory", p), nil)
	}
	return nil
}
