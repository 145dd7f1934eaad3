package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type outcome[T any] struct {
	value T
	err   error
}

// RunWithTimeout runs op in its own goroutine and waits for whichever comes
// first: its completion, the elapse of d, or cancellation of ctx.
//
// When d elapses first a *TimeoutError is returned and op is abandoned, not
// stopped: it keeps running and its eventual result is discarded. The context
// handed to op is cancelled at that point, so operations that watch it can
// stop early, but anything an abandoned op has opened is not released here.
// Pair it with WithScope, or clean up inside op.
func RunWithTimeout[T any](ctx context.Context, d time.Duration, op Operation[T]) (T, error) {
	var zero T
	if d <= 0 {
		return zero, NewConfigurationError(fmt.Sprintf("timeout must be positive, got %s", d), nil)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned op can always deliver and exit.
	done := make(chan outcome[T], 1)

	go func() {
		var out outcome[T]
		defer func() {
			if r := recover(); r != nil {
				out = outcome[T]{err: fmt.Errorf("operation panicked: %v", r)}
			}
			done <- out
		}()
		v, err := op(opCtx)
		out = outcome[T]{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		log.Debug().Dur("timeout", d).Msg("operation timed out, abandoning")
		ObserverFromContext(ctx).ObserveTimeout(d)
		return zero, &TimeoutError{Duration: d, Message: "operation timed out"}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
