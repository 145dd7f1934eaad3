package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const blockRebootRego = `package custom.noreboot

# Never reboot lab devices.

import rego.v1

deny contains "reboot is disabled in the lab" if {
	contains(input.command, "reboot")
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "no-reboot.rego")
	writeFile(t, policyFile, blockRebootRego)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-reboot" {
		t.Errorf("Expected name 'no-reboot', got '%s'", policy.Name)
	}
	if policy.Rego != blockRebootRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != DefaultFileSeverity {
		t.Errorf("Expected severity %s, got %s", DefaultFileSeverity, policy.Severity)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
	if policy.Description != "Never reboot lab devices." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "policy.json")
	data, err := json.Marshal(Policy{
		Name:        "json-policy",
		Description: "loaded from json",
		Rego:        blockRebootRego,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"lab"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "json-policy" {
		t.Errorf("Expected name 'json-policy', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got %s", policy.Severity)
	}
	if len(policy.Tags) != 1 || policy.Tags[0] != "lab" {
		t.Errorf("Unexpected tags %v", policy.Tags)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSONMissingFields(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "no name", content: `{"rego": "package x"}`},
		{name: "no rego", content: `{"name": "x"}`},
		{name: "invalid", content: `{ invalid json }`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), blockRebootRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), blockRebootRego)
	writeFile(t, filepath.Join(dir, "README.md"), "# not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.loadFromDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Failed to load from directory: %v", err)
	}

	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeFile(t, filepath.Join(dir1, "one.rego"), blockRebootRego)
	single := filepath.Join(dir2, "two.rego")
	writeFile(t, single, blockRebootRego)

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir1, single})
	if err != nil {
		t.Fatalf("Failed to load from paths: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	path := filepath.Join(t.TempDir(), "policy.txt")
	writeFile(t, path, "content")

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestExtractDescription(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# Blocks reboots
package test`,
			expected: "Blocks reboots",
		},
		{
			name: "multi line comments",
			content: `# Blocks reboots
# on lab devices
package test`,
			expected: "Blocks reboots on lab devices",
		},
		{
			name:     "no comments",
			content:  "package test",
			expected: "",
		},
		{
			name: "comments with empty lines",
			content: `# First line
#
# Second line
package test`,
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writeFile(t, policyFile, blockRebootRego)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), blockRebootRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	var lastCount atomic.Int32
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		lastCount.Store(int32(len(policies)))
		reloads.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), blockRebootRego)

	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("Expected a reload after adding a policy file")
	}
	if lastCount.Load() != 2 {
		t.Errorf("Expected 2 policies after reload, got %d", lastCount.Load())
	}
}

func TestWatchSingleFileSurvivesReplace(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	target := filepath.Join(dir, "lab.rego")
	writeFile(t, target, blockRebootRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	if err := loader.Watch(ctx, []string{target}, func([]Policy) error {
		reloads.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	if err := loader.Watch(ctx, []string{target}, func([]Policy) error { return nil }); err == nil {
		t.Error("Expected error when watching twice")
	}

	// editors commonly write a temp file and rename it over the original
	tmp := filepath.Join(dir, "lab.rego.tmp")
	writeFile(t, tmp, blockRebootRego+"\n# edited\n")
	if err := os.Rename(tmp, target); err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("Expected a reload after replacing the policy file")
	}
}

func TestIsPolicyFile(t *testing.T) {
	for name, want := range map[string]bool{
		"a.rego":       true,
		"dir/b.json":   true,
		"README.md":    false,
		"a.rego.tmp":   false,
		"no-extension": false,
	} {
		if got := isPolicyFile(name); got != want {
			t.Errorf("isPolicyFile(%q) = %v, want %v", name, got, want)
		}
	}
}
