package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/devfleet/pkg/orchestrator"
)

// NewRun summarizes a fan-out result into a run and its per-device rows.
// Values are rendered with fmt unless they are strings; struct{} values
// render as empty output.
func NewRun[T any](command, operation string, startedAt time.Time, res orchestrator.FanoutResult[T]) (*Run, []DeviceResult) {
	run := &Run{
		ID:          uuid.NewString(),
		Command:     command,
		Operation:   operation,
		DeviceCount: len(res),
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}

	results := make([]DeviceResult, 0, len(res))
	for _, id := range res.Devices() {
		r := res[id]
		dr := DeviceResult{Device: id, Status: ResultStatusSucceeded}
		if r.Err != nil {
			msg := r.Err.Error()
			dr.Status = ResultStatusFailed
			dr.Error = &msg
			if kind := orchestrator.KindOf(r.Err); kind != "" {
				k := string(kind)
				dr.ErrorKind = &k
			}
			run.Failed++
		} else {
			dr.Output = render(r.Value)
			run.Succeeded++
		}
		results = append(results, dr)
	}

	switch {
	case run.Failed == 0:
		run.Status = RunStatusSucceeded
	case run.Succeeded == 0:
		run.Status = RunStatusFailed
	default:
		run.Status = RunStatusPartial
	}
	return run, results
}

func render(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case struct{}:
		return ""
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

// RecordFanout stores a completed fan-out and returns the recorded run.
func RecordFanout[T any](ctx context.Context, s Store, command, operation string, startedAt time.Time, res orchestrator.FanoutResult[T]) (*Run, error) {
	run, results := NewRun(command, operation, startedAt, res)
	if err := s.CreateRun(ctx, run, results); err != nil {
		return nil, err
	}
	return run, nil
}
