package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// RunStatus summarizes how a fan-out went.
type RunStatus string

const (
	// RunStatusSucceeded means every device succeeded, or there were none.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial means some devices failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed means every device failed.
	RunStatusFailed RunStatus = "failed"
)

// ResultStatus is the outcome on one device.
type ResultStatus string

const (
	ResultStatusSucceeded ResultStatus = "succeeded"
	ResultStatusFailed    ResultStatus = "failed"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded fan-out.
type Run struct {
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	Operation   string    `json:"operation"`
	Status      RunStatus `json:"status"`
	DeviceCount int       `json:"device_count"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// DeviceResult is the outcome of a run on one device.
type DeviceResult struct {
	ID        int64                 `json:"id"`
	RunID     string                `json:"run_id"`
	Device    orchestrator.DeviceID `json:"device"`
	Status    ResultStatus          `json:"status"`
	Output    string                `json:"output,omitempty"`
	Error     *string               `json:"error,omitempty"`
	ErrorKind *string               `json:"error_kind,omitempty"`
}

// AuditEntry records a notable action, e.g. a command refused by policy.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "command.denied"
	Actor     string    `json:"actor"`               // user running devfleet
	TargetID  *string   `json:"target_id,omitempty"` // device id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store is the run history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run, results []DeviceResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListDeviceResults(ctx context.Context, runID string) ([]*DeviceResult, error)
	DeleteRun(ctx context.Context, id string) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
