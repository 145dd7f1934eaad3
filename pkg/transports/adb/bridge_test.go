package adb

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/devfleet/pkg/devices"
	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

var (
	_ orchestrator.Executor = (*Bridge)(nil)
	_ devices.Inventory     = (*Bridge)(nil)
	_ devices.Puller        = (*Bridge)(nil)
	_ devices.Pusher        = (*Bridge)(nil)
	_ devices.Installer     = (*Bridge)(nil)
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	stdout string
	stderr string
	code   int
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})
	return []byte(f.stdout), []byte(f.stderr), f.code, f.err
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

const devicesOutput = `* daemon not running; starting now at tcp:5037
* daemon started successfully
List of devices attached
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_x86_64 device:emu64x transport_id:1
R58M12ABCDE            unauthorized usb:1-1 transport_id:2
0123456789ABCDEF       fastboot

`

func TestParseDevices(t *testing.T) {
	list := ParseDevices(devicesOutput)
	require.Len(t, list, 3)

	emu := list[0]
	assert.Equal(t, orchestrator.DeviceID("emulator-5554"), emu.ID)
	assert.Equal(t, devices.StatusOnline, emu.Status)
	assert.Equal(t, "sdk_gphone64_x86_64", emu.Model)
	assert.Equal(t, "sdk_gphone64_x86_64", emu.Name)
	assert.Equal(t, "sdk_gphone64", emu.Product)
	assert.Equal(t, "1", emu.TransportID)

	assert.Equal(t, devices.StatusUnauthorized, list[1].Status)
	assert.Equal(t, "Device R58M12ABCDE", list[1].Name)
	assert.Equal(t, "2", list[1].TransportID)

	assert.Equal(t, devices.StatusBootloader, list[2].Status)
}

func TestParseDevicesEmpty(t *testing.T) {
	assert.Empty(t, ParseDevices("List of devices attached\n\n"))
}

func TestBridgeExecute(t *testing.T) {
	runner := &fakeRunner{stdout: "14\n"}
	b := NewBridge("/opt/platform-tools/adb", WithRunner(runner), WithExtraArgs("-H", "buildhost"))

	out, err := b.Execute(context.Background(), "emulator-5554", "getprop ro.build.version.release")
	require.NoError(t, err)
	assert.Equal(t, "14\n", out)

	c := runner.last()
	assert.Equal(t, "/opt/platform-tools/adb", c.name)
	assert.Equal(t, []string{"-H", "buildhost", "-s", "emulator-5554", "shell", "getprop ro.build.version.release"}, c.args)
}

func TestBridgeExecuteWithoutDevice(t *testing.T) {
	runner := &fakeRunner{}
	b := NewBridge("", WithRunner(runner))

	_, err := b.Execute(context.Background(), "", "true")
	require.NoError(t, err)

	assert.Equal(t, DefaultPath, runner.last().name)
	assert.Equal(t, []string{"shell", "true"}, runner.last().args)
}

func TestBridgeCommandError(t *testing.T) {
	runner := &fakeRunner{
		stderr: "error: device 'd9' not found\n",
		code:   1,
		err:    errors.New("exit status 1"),
	}
	b := NewBridge("adb", WithRunner(runner))

	_, err := b.Execute(context.Background(), "d9", "true")
	require.Error(t, err)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.ExitCode)
	assert.Equal(t, "error: device 'd9' not found", ce.Stderr)
	assert.True(t, orchestrator.IsTransient(err))
	assert.True(t, strings.HasPrefix(err.Error(), "adb -s d9 shell true: exit status 1"))
}

func TestBridgeMissingBinary(t *testing.T) {
	runner := &fakeRunner{
		code: 127,
		err:  &exec.Error{Name: "adb", Err: exec.ErrNotFound},
	}
	b := NewBridge("adb", WithRunner(runner))

	_, err := b.Execute(context.Background(), "d1", "true")
	assert.True(t, orchestrator.IsConfiguration(err))
	assert.False(t, orchestrator.IsTransient(err))
}

func TestBridgeCancelled(t *testing.T) {
	runner := &fakeRunner{code: -1, err: errors.New("signal: killed")}
	b := NewBridge("adb", WithRunner(runner))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, "d1", "sleep 60")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBridgeListDevices(t *testing.T) {
	runner := &fakeRunner{stdout: devicesOutput}
	b := NewBridge("adb", WithRunner(runner))

	list, err := b.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, []string{"devices", "-l"}, runner.last().args)
}

func TestBridgePull(t *testing.T) {
	runner := &fakeRunner{stdout: "/data/local/tmp/s.png: 1 file pulled.\n"}
	b := NewBridge("adb", WithRunner(runner))

	err := b.Pull(context.Background(), "d1", "/data/local/tmp/s.png", "/tmp/out.png")
	require.NoError(t, err)
	assert.Equal(t, []string{"-s", "d1", "pull", "/data/local/tmp/s.png", "/tmp/out.png"}, runner.last().args)
}

func TestBridgePush(t *testing.T) {
	runner := &fakeRunner{stdout: "app.cfg: 1 file pushed.\n"}
	b := NewBridge("adb", WithRunner(runner))

	require.NoError(t, b.Push(context.Background(), "d1", "/tmp/app.cfg", "/sdcard/app.cfg"))
	assert.Equal(t, []string{"-s", "d1", "push", "/tmp/app.cfg", "/sdcard/app.cfg"}, runner.last().args)
}

func TestBridgeInstall(t *testing.T) {
	runner := &fakeRunner{stdout: "Performing Streamed Install\nSuccess\n"}
	b := NewBridge("adb", WithRunner(runner))

	require.NoError(t, b.Install(context.Background(), "d1", "/tmp/app.apk"))
	assert.Equal(t, []string{"-s", "d1", "install", "-r", "/tmp/app.apk"}, runner.last().args)
}

func TestBridgeInstallFailureIsPermanent(t *testing.T) {
	// adb reports some install failures with exit status 0
	runner := &fakeRunner{stdout: "Performing Streamed Install\nadb: failed to install /tmp/app.apk: Failure [INSTALL_FAILED_OLDER_SDK]\n"}
	b := NewBridge("adb", WithRunner(runner))

	err := b.Install(context.Background(), "d1", "/tmp/app.apk")
	require.Error(t, err)

	var pe *devices.PackageError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "install", pe.Op)
	assert.Equal(t, "Failure [INSTALL_FAILED_OLDER_SDK]", pe.Reason)

	_, retried := orchestrator.RunWithRetry(context.Background(), orchestrator.RetryPolicy{MaxRetries: 3, InitialDelay: 1}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Install(ctx, "d1", "/tmp/app.apk")
	})
	require.Error(t, retried)
	assert.Len(t, runner.calls, 2)
}

func TestBridgeUninstall(t *testing.T) {
	runner := &fakeRunner{stdout: "Success\n"}
	b := NewBridge("adb", WithRunner(runner))
	require.NoError(t, b.Uninstall(context.Background(), "d1", "com.example.app"))
	assert.Equal(t, []string{"-s", "d1", "uninstall", "com.example.app"}, runner.last().args)

	runner = &fakeRunner{
		stderr: "Failure [DELETE_FAILED_INTERNAL_ERROR]\n",
		code:   1,
		err:    errors.New("exit status 1"),
	}
	b = NewBridge("adb", WithRunner(runner))
	err := b.Uninstall(context.Background(), "d1", "com.example.missing")

	var pe *devices.PackageError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "com.example.missing", pe.Target)
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	stdout, _, code, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hi\n", string(stdout))

	_, stderr, code, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "oops\n", string(stderr))

	_, _, code, err = ExecRunner{}.Run(context.Background(), "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.Equal(t, 127, code)
}
