// Package adb drives Android devices through the adb command-line tool.
package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// DefaultPath is the adb binary looked up on PATH.
const DefaultPath = "adb"

// CommandError is a non-zero exit of the adb binary. adb exits non-zero for
// transport hiccups as often as for real failures, so these are temporary.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("adb %s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Temporary reports whether retrying may succeed.
func (e *CommandError) Temporary() bool { return true }

// Bridge runs adb commands. It implements orchestrator.Executor,
// devices.Inventory, devices.Puller, devices.Pusher and devices.Installer.
type Bridge struct {
	path      string
	extraArgs []string
	runner    Runner
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(b *Bridge) { b.runner = r }
}

// WithExtraArgs prepends args to every invocation, e.g. "-H", "host".
func WithExtraArgs(args ...string) Option {
	return func(b *Bridge) { b.extraArgs = append([]string(nil), args...) }
}

// NewBridge returns a bridge invoking the adb binary at path.
func NewBridge(path string, opts ...Option) *Bridge {
	if path == "" {
		path = DefaultPath
	}
	b := &Bridge{path: path, runner: ExecRunner{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Path returns the adb binary in use.
func (b *Bridge) Path() string { return b.path }

func (b *Bridge) run(ctx context.Context, args ...string) (string, error) {
	full := make([]string, 0, len(b.extraArgs)+len(args))
	full = append(full, b.extraArgs...)
	full = append(full, args...)

	start := time.Now()
	stdout, stderr, code, err := b.runner.Run(ctx, b.path, full...)
	log.Trace().
		Strs("args", full).
		Int("exit_code", code).
		Dur("duration", time.Since(start)).
		Msg("adb invoked")

	if err == nil {
		return string(stdout), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return "", orchestrator.NewConfigurationError("adb binary not runnable", err)
	}
	return "", &CommandError{
		Args:     full,
		ExitCode: code,
		Stdout:   string(stdout),
		Stderr:   strings.TrimSpace(string(stderr)),
	}
}

// Execute runs command through `adb shell` and returns its stdout.
func (b *Bridge) Execute(ctx context.Context, device orchestrator.DeviceID, command string) (string, error) {
	return b.run(ctx, withSerial(device, "shell", command)...)
}

// ListDevices parses `adb devices -l`.
func (b *Bridge) ListDevices(ctx context.Context) ([]devices.Device, error) {
	out, err := b.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// Pull copies remote from device to local.
func (b *Bridge) Pull(ctx context.Context, device orchestrator.DeviceID, remote, local string) error {
	_, err := b.run(ctx, withSerial(device, "pull", remote, local)...)
	return err
}

// Push copies local to remote on device.
func (b *Bridge) Push(ctx context.Context, device orchestrator.DeviceID, local, remote string) error {
	_, err := b.run(ctx, withSerial(device, "push", local, remote)...)
	return err
}

// Install installs the apk at path on device, replacing an existing
// version.
func (b *Bridge) Install(ctx context.Context, device orchestrator.DeviceID, apk string) error {
	return b.packageCommand(ctx, device, "install", apk, "install", "-r", apk)
}

// Uninstall removes pkg from device.
func (b *Bridge) Uninstall(ctx context.Context, device orchestrator.DeviceID, pkg string) error {
	return b.packageCommand(ctx, device, "uninstall", pkg, "uninstall", pkg)
}

// packageCommand runs a package manager request. A "Failure [...]" answer
// from the device is permanent, whichever stream or exit status carries it.
func (b *Bridge) packageCommand(ctx context.Context, device orchestrator.DeviceID, op, target string, args ...string) error {
	out, err := b.run(ctx, withSerial(device, args...)...)
	if reason := packageFailure(out); reason != "" {
		return orchestrator.Permanent(&devices.PackageError{Device: device, Op: op, Target: target, Reason: reason})
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		if reason := packageFailure(ce.Stdout + "\n" + ce.Stderr); reason != "" {
			return orchestrator.Permanent(&devices.PackageError{Device: device, Op: op, Target: target, Reason: reason})
		}
	}
	return err
}

func packageFailure(out string) string {
	i := strings.Index(out, "Failure")
	if i < 0 {
		return ""
	}
	line, _, _ := strings.Cut(out[i:], "\n")
	return strings.TrimSpace(line)
}

func withSerial(device orchestrator.DeviceID, args ...string) []string {
	full := make([]string, 0, len(args)+2)
	if device != "" {
		full = append(full, "-s", string(device))
	}
	return append(full, args...)
}

// ParseDevices parses the output of `adb devices -l`. The header line and
// daemon notices are skipped.
func ParseDevices(out string) []devices.Device {
	var list []devices.Device

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		d := devices.NewDevice(orchestrator.DeviceID(fields[0]), devices.ParseStatus(fields[1]))
		for _, f := range fields[2:] {
			key, value, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				d.Model = value
				d.Name = value
			case "product":
				d.Product = value
			case "transport_id":
				d.TransportID = value
			}
		}
		list = append(list, d)
	}
	return list
}
