package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func shellResult() orchestrator.FanoutResult[string] {
	return orchestrator.FanoutResult[string]{
		"emulator-5554": {Value: "14\n"},
		"R58M":          {Err: orchestrator.NewTransientError("adb exited", errors.New("exit status 1")).WithDevice("R58M")},
		"tab-1":         {Value: "13\n"},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Fatal("expected migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests that migrations are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}

	var count int
	err := store.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('runs', 'device_results', 'audit')`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to inspect schema: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 tables, got %d", count)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open file store: %v", err)
	}
	run, err := RecordFanout(ctx, store, "getprop", "shell", time.Now(), shellResult())
	if err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen file store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if got.Command != "getprop" {
		t.Errorf("expected command getprop, got %s", got.Command)
	}
}

func TestNewRunSummary(t *testing.T) {
	started := time.Now().Add(-time.Second)
	run, results := NewRun("getprop ro.build.version.release", "shell", started, shellResult())

	if run.ID == "" {
		t.Error("expected run id")
	}
	if run.Status != RunStatusPartial {
		t.Errorf("expected partial, got %s", run.Status)
	}
	if run.DeviceCount != 3 || run.Succeeded != 2 || run.Failed != 1 {
		t.Errorf("unexpected counts %+v", run)
	}
	if run.Duration() < time.Second {
		t.Errorf("expected duration of at least 1s, got %s", run.Duration())
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// lexical device order
	if results[0].Device != "R58M" || results[1].Device != "emulator-5554" {
		t.Errorf("unexpected order: %s, %s", results[0].Device, results[1].Device)
	}
	failed := results[0]
	if failed.Status != ResultStatusFailed || failed.Error == nil || failed.ErrorKind == nil {
		t.Fatalf("unexpected failed result %+v", failed)
	}
	if *failed.ErrorKind != string(orchestrator.KindTransient) {
		t.Errorf("expected transient kind, got %s", *failed.ErrorKind)
	}
	if results[1].Output != "14\n" {
		t.Errorf("expected raw output, got %q", results[1].Output)
	}
}

func TestNewRunStatus(t *testing.T) {
	ok := orchestrator.FanoutResult[struct{}]{"a": {}, "b": {}}
	run, results := NewRun("am force-stop com.example", "stop", time.Now(), ok)
	if run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", run.Status)
	}
	if results[0].Output != "" {
		t.Errorf("expected empty output for struct{}, got %q", results[0].Output)
	}

	bad := orchestrator.FanoutResult[int]{"a": {Err: errors.New("boom")}}
	run, results = NewRun("pidof x", "pid", time.Now(), bad)
	if run.Status != RunStatusFailed {
		t.Errorf("expected failed, got %s", run.Status)
	}
	if results[0].ErrorKind != nil {
		t.Errorf("expected no kind for unclassified error, got %s", *results[0].ErrorKind)
	}

	run, _ = NewRun("true", "shell", time.Now(), orchestrator.FanoutResult[string]{})
	if run.Status != RunStatusSucceeded || run.DeviceCount != 0 {
		t.Errorf("unexpected empty run %+v", run)
	}
}

func TestRecordAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Second)
	run, err := RecordFanout(ctx, store, "getprop", "shell", started, shellResult())
	if err != nil {
		t.Fatalf("failed to record fanout: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusPartial || got.Operation != "shell" {
		t.Errorf("unexpected run %+v", got)
	}
	if got.StartedAt.UnixMilli() != started.UnixMilli() {
		t.Errorf("started_at mismatch: %v vs %v", got.StartedAt, started)
	}
	if got.Succeeded != 2 || got.Failed != 1 {
		t.Errorf("unexpected counts %+v", got)
	}

	results, err := store.ListDeviceResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Device != "R58M" || results[0].Status != ResultStatusFailed {
		t.Errorf("unexpected first result %+v", results[0])
	}
	if results[0].Error == nil || *results[0].Error == "" {
		t.Error("expected stored error message")
	}
	if results[1].Output != "14\n" || results[1].Error != nil {
		t.Errorf("unexpected second result %+v", results[1])
	}
	if results[1].ID == 0 || results[1].RunID != run.ID {
		t.Errorf("expected ids to be populated, got %+v", results[1])
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCreateRunRequiresID(t *testing.T) {
	store := setupTestStore(t)

	if err := store.CreateRun(context.Background(), &Run{Status: RunStatusSucceeded}, nil); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestCreateRunIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "r1", Command: "x", Status: RunStatusSucceeded, StartedAt: time.Now(), CompletedAt: time.Now()}
	results := []DeviceResult{
		{Device: "a", Status: ResultStatusSucceeded},
		{Device: "a", Status: ResultStatusSucceeded},
	}

	if err := store.CreateRun(ctx, run, results); err == nil {
		t.Fatal("expected duplicate device to fail")
	}
	if _, err := store.GetRun(ctx, "r1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected run to be rolled back, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		run, err := RecordFanout(ctx, store, "cmd", "shell", base.Add(time.Duration(i)*time.Minute), shellResult())
		if err != nil {
			t.Fatalf("failed to record: %v", err)
		}
		ids = append(ids, run.ID)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[2].ID != ids[0] {
		t.Errorf("expected newest first")
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to page runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := RecordFanout(ctx, store, "cmd", "shell", time.Now(), shellResult())
	if err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	results, err := store.ListDeviceResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected results to be deleted, got %d", len(results))
	}

	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	device := "emulator-5554"
	details := `{"command":"rm -rf /"}`
	denied := &AuditEntry{Action: "command.denied", Actor: "ci", TargetID: &device, Details: &details}
	if err := store.CreateAuditEntry(ctx, denied); err != nil {
		t.Fatalf("failed to create audit entry: %v", err)
	}
	if denied.ID == 0 || denied.Timestamp.IsZero() {
		t.Errorf("expected id and timestamp to be set, got %+v", denied)
	}

	other := &AuditEntry{Action: "policy.reloaded", Actor: "ci", Timestamp: time.Now().Add(time.Second)}
	if err := store.CreateAuditEntry(ctx, other); err != nil {
		t.Fatalf("failed to create audit entry: %v", err)
	}

	all, err := store.ListAuditEntries(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 2 || all[0].Action != "policy.reloaded" {
		t.Errorf("expected newest first, got %+v", all)
	}

	action := "command.denied"
	filtered, err := store.ListAuditEntries(ctx, &action, 10, 0)
	if err != nil {
		t.Fatalf("failed to filter audit entries: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(filtered))
	}
	if filtered[0].TargetID == nil || *filtered[0].TargetID != device {
		t.Errorf("unexpected target %+v", filtered[0])
	}
	if filtered[0].Details == nil || *filtered[0].Details != details {
		t.Errorf("unexpected details %+v", filtered[0])
	}
}
