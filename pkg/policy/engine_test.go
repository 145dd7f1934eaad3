package policy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"destructive-commands", "factory-reset", "reboot"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestEvaluateBuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		command      string
		allowed      bool
		wantPolicy   string
		wantWarnings int
	}{
		{name: "getprop", command: "getprop ro.build.version.release", allowed: true},
		{name: "ps listing", command: "ps -A || ps", allowed: true},
		{name: "cleanup of temp file", command: "rm -f -- '/data/local/tmp/devfleet-1.png'", allowed: true},
		{name: "recursive removal of a temp dir", command: "rm -rf /data/local/tmp/run1", allowed: true},
		{name: "rm -rf root", command: "rm -rf /", allowed: false, wantPolicy: "destructive-commands"},
		{name: "rm -rf root glob", command: "rm -rf /*", allowed: false, wantPolicy: "destructive-commands"},
		{name: "rm -r sdcard", command: "cd /tmp && rm -r /sdcard/", allowed: false, wantPolicy: "destructive-commands"},
		{name: "sudo rm system", command: "sudo rm -fr /system", allowed: false, wantPolicy: "destructive-commands"},
		{name: "single quoted system", command: "rm -rf '/system'", allowed: false, wantPolicy: "destructive-commands"},
		{name: "double quoted root", command: `rm -rf "/"`, allowed: false, wantPolicy: "destructive-commands"},
		{name: "quoted root glob after separator", command: "ls; rm -Rf '/*'", allowed: false, wantPolicy: "destructive-commands"},
		{name: "quoted temp path", command: "rm -rf '/data/local/tmp/x y'", allowed: true},
		{name: "mkfs", command: "mkfs.ext4 /dev/block/sda1", allowed: false, wantPolicy: "destructive-commands"},
		{name: "dd to block device", command: "dd if=/dev/zero of=/dev/block/mmcblk0", allowed: false, wantPolicy: "destructive-commands"},
		{name: "master clear", command: "am broadcast -a android.intent.action.MASTER_CLEAR", allowed: false, wantPolicy: "factory-reset"},
		{name: "recovery wipe", command: "recovery --wipe_data", allowed: false, wantPolicy: "factory-reset"},
		{name: "reboot warns", command: "reboot", allowed: true, wantWarnings: 1},
		{name: "chained reboot warns", command: "sync; reboot", allowed: true, wantWarnings: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), Input{Command: tt.command, Device: "emulator-5554"})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.allowed, result.Allowed, result.Violations)
			}
			if tt.wantPolicy != "" {
				if len(result.Violations) == 0 || result.Violations[0].Policy != tt.wantPolicy {
					t.Errorf("Expected violation from %s, got %+v", tt.wantPolicy, result.Violations)
				}
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("Expected %d warnings, got %+v", tt.wantWarnings, result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 3 {
				t.Errorf("Expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestRebootWarningNamesDevice(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), Input{Command: "reboot", Device: "R58M"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(result.Warnings))
	}
	w := result.Warnings[0]
	if w.Message != "command takes device R58M offline" {
		t.Errorf("Unexpected message %q", w.Message)
	}
	if w.Device != "R58M" || w.Severity != SeverityWarning {
		t.Errorf("Unexpected warning %+v", w)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := Input{Command: "rm -rf /", Device: "d1"}

	if err := eng.DisablePolicy("destructive-commands"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected command to be allowed with policy disabled")
	}

	if err := eng.EnablePolicy("destructive-commands"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected command to be denied with policy enabled")
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPoliciesFromDisk(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-reboot.rego"), blockRebootRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("no-reboot")
	if err != nil {
		t.Fatalf("Policy not found: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", p.Severity)
	}

	result, err := eng.Evaluate(context.Background(), Input{Command: "reboot", Device: "d1"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected reboot to be denied by file policy")
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "reboot is disabled in the lab" {
		t.Errorf("Unexpected violations %+v", result.Violations)
	}
}

func TestAddPoliciesRejectsInvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "ok", Rego: blockRebootRego, Severity: SeverityError, Enabled: true},
		{Name: "broken", Rego: "package broken\ndeny contains msg if {", Severity: SeverityError, Enabled: true},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("ok"); err == nil {
		t.Error("No policy should be installed when one fails to compile")
	}
}

func TestReplacePoliciesKeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.AddPolicies(ctx, []Policy{{Name: "extra", Rego: blockRebootRego, Severity: SeverityError, Enabled: true}}); err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}
	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}

	if _, err := eng.GetPolicy("extra"); err == nil {
		t.Error("Expected extra policy to be removed")
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected built-in policies to remain, got %d", len(eng.ListPolicies()))
	}
}

func TestEngineWatch(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := eng.Watch(ctx, []string{dir})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "no-reboot.rego"), blockRebootRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("no-reboot"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected watched policy to be loaded")
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityWarning}
	input := Input{Device: "d1"}

	v := createViolation(p, "plain message", input)
	if v.Message != "plain message" || v.Severity != SeverityWarning || v.Device != "d1" {
		t.Errorf("Unexpected violation %+v", v)
	}

	v = createViolation(p, map[string]interface{}{"message": "m", "severity": "critical"}, input)
	if v.Message != "m" || v.Severity != SeverityCritical {
		t.Errorf("Unexpected violation %+v", v)
	}
}

func TestExtractPackageName(t *testing.T) {
	if got := extractPackageName("# c\npackage a.b.c\n"); got != "a.b.c" {
		t.Errorf("Expected a.b.c, got %s", got)
	}
	if got := extractPackageName("deny := 1"); got != "devfleet.policies" {
		t.Errorf("Expected fallback package, got %s", got)
	}
}

func TestGuard(t *testing.T) {
	eng := newTestEngine(t)

	var calls []string
	next := orchestrator.ExecutorFunc(func(_ context.Context, _ orchestrator.DeviceID, command string) (string, error) {
		calls = append(calls, command)
		return "ok", nil
	})
	guard := NewGuard(eng, next, "shell", zerolog.New(nil).Level(zerolog.Disabled))
	var hooked []*DeniedError
	guard.OnDeny(func(_ context.Context, d *DeniedError) { hooked = append(hooked, d) })

	out, err := guard.Execute(context.Background(), "d1", "getprop")
	if err != nil || out != "ok" {
		t.Fatalf("Expected allowed command to run, got %q, %v", out, err)
	}

	if _, err := guard.Execute(context.Background(), "d1", "reboot"); err != nil {
		t.Fatalf("Warnings must not block: %v", err)
	}

	_, err = guard.Execute(context.Background(), "d1", "rm -rf /")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Expected DeniedError, got %v", err)
	}
	if denied.Device != "d1" || len(denied.Violations) == 0 {
		t.Errorf("Unexpected denial %+v", denied)
	}

	if len(calls) != 2 {
		t.Errorf("Expected denied command not to reach the executor, calls: %v", calls)
	}
	if len(hooked) != 1 || hooked[0].Command != "rm -rf /" {
		t.Errorf("Expected one denial hook call, got %+v", hooked)
	}
}

func TestGuardDenialIsNotRetried(t *testing.T) {
	eng := newTestEngine(t)

	var calls int
	next := orchestrator.ExecutorFunc(func(context.Context, orchestrator.DeviceID, string) (string, error) {
		calls++
		return "", nil
	})
	guard := NewGuard(eng, next, "shell", zerolog.New(nil).Level(zerolog.Disabled))

	var attempts int
	policy := orchestrator.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}
	_, err := orchestrator.RunWithRetry(context.Background(), policy, func(ctx context.Context) (string, error) {
		attempts++
		return guard.Execute(ctx, "d1", "mkfs.ext4 /dev/sda")
	})
	if err == nil {
		t.Fatal("Expected denial")
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}
	if calls != 0 {
		t.Errorf("Expected executor not to be called, got %d", calls)
	}
}

type pullingExecutor struct {
	orchestrator.ExecutorFunc
	pulled string
}

func (p *pullingExecutor) Pull(_ context.Context, _ orchestrator.DeviceID, remote, _ string) error {
	p.pulled = remote
	return nil
}

func TestGuardPull(t *testing.T) {
	eng := newTestEngine(t)
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	next := &pullingExecutor{}
	guard := NewGuard(eng, next, "screenshot", logger)
	if err := guard.Pull(context.Background(), "d1", "/data/local/tmp/x.png", "x.png"); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if next.pulled != "/data/local/tmp/x.png" {
		t.Errorf("Expected pull to be forwarded, got %q", next.pulled)
	}

	plain := NewGuard(eng, orchestrator.ExecutorFunc(nil), "screenshot", logger)
	if err := plain.Pull(context.Background(), "d1", "/a", "b"); !orchestrator.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

// packageTransport records package and transfer requests.
type packageTransport struct {
	orchestrator.ExecutorFunc
	installed   []string
	uninstalled []string
	pushed      []string
}

func (p *packageTransport) Install(_ context.Context, _ orchestrator.DeviceID, apk string) error {
	p.installed = append(p.installed, apk)
	return nil
}

func (p *packageTransport) Uninstall(_ context.Context, _ orchestrator.DeviceID, pkg string) error {
	p.uninstalled = append(p.uninstalled, pkg)
	return nil
}

func (p *packageTransport) Push(_ context.Context, _ orchestrator.DeviceID, local, _ string) error {
	p.pushed = append(p.pushed, local)
	return nil
}

func TestGuardPackageRequests(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:     "keep-systemui",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package custom.systemui

import rego.v1

deny contains "systemui must stay installed" if {
	startswith(input.command, "pm uninstall")
	contains(input.command, "com.android.systemui")
}
`,
	}})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	next := &packageTransport{}
	guard := NewGuard(eng, next, "uninstall", zerolog.New(nil).Level(zerolog.Disabled))

	if err := guard.Install(context.Background(), "d1", "/tmp/app.apk"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := guard.Uninstall(context.Background(), "d1", "com.example.app"); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if err := guard.Push(context.Background(), "d1", "/tmp/cfg", "/sdcard/cfg"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	err = guard.Uninstall(context.Background(), "d1", "com.android.systemui")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Expected DeniedError, got %v", err)
	}
	if denied.Command != "pm uninstall 'com.android.systemui'" {
		t.Errorf("Unexpected denied command %q", denied.Command)
	}

	if len(next.installed) != 1 || len(next.uninstalled) != 1 || len(next.pushed) != 1 {
		t.Errorf("Unexpected forwarded requests: %+v", next)
	}

	plain := NewGuard(eng, orchestrator.ExecutorFunc(nil), "install", zerolog.New(nil).Level(zerolog.Disabled))
	if err := plain.Install(context.Background(), "d1", "/tmp/app.apk"); !orchestrator.IsConfiguration(err) {
		t.Errorf("Expected configuration error without an installer, got %v", err)
	}
}
