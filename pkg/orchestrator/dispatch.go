package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxParallel is the worker count used when none is configured.
const DefaultMaxParallel = 10

const tracerName = "github.com/openfroyo/devfleet/pkg/orchestrator"

// Result is the outcome of one item of a fan-out. Exactly one of Value and
// Err is meaningful.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the item succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// FanoutResult holds one Result per distinct dispatched device.
type FanoutResult[T any] map[DeviceID]Result[T]

// Devices returns the device ids in lexical order.
func (f FanoutResult[T]) Devices() []DeviceID {
	ids := make([]DeviceID, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Succeeded returns the values of successful items.
func (f FanoutResult[T]) Succeeded() map[DeviceID]T {
	out := make(map[DeviceID]T)
	for id, r := range f {
		if r.Err == nil {
			out[id] = r.Value
		}
	}
	return out
}

// Failed returns the errors of failed items.
func (f FanoutResult[T]) Failed() map[DeviceID]error {
	out := make(map[DeviceID]error)
	for id, r := range f {
		if r.Err != nil {
			out[id] = r.Err
		}
	}
	return out
}

// DispatchOption configures a fan-out.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	maxParallel int
}

// WithMaxParallel bounds the number of concurrently running items. Values
// below one fall back to DefaultMaxParallel.
func WithMaxParallel(n int) DispatchOption {
	return func(o *dispatchOptions) {
		o.maxParallel = n
	}
}

// Dispatch runs op once for every distinct device in devices on a bounded
// worker pool and waits for all of them. There is no early termination: a
// failing or panicking item is recorded in its own slot and every other item
// still runs. Duplicate ids collapse to a single run.
func Dispatch[T any](ctx context.Context, devices []DeviceID, op ItemOperation[T], opts ...DispatchOption) FanoutResult[T] {
	o := dispatchOptions{maxParallel: DefaultMaxParallel}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxParallel <= 0 {
		o.maxParallel = DefaultMaxParallel
	}

	unique := make([]DeviceID, 0, len(devices))
	seen := make(map[DeviceID]struct{}, len(devices))
	for _, id := range devices {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	results := make(FanoutResult[T], len(unique))
	if len(unique) == 0 {
		return results
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.dispatch")
	span.SetAttributes(
		attribute.Int("dispatch.items", len(unique)),
		attribute.Int("dispatch.max_parallel", o.maxParallel),
	)
	defer span.End()

	start := time.Now()

	workerCount := o.maxParallel
	if len(unique) < workerCount {
		workerCount = len(unique)
	}

	workQueue := make(chan DeviceID, len(unique))
	for _, id := range unique {
		workQueue <- id
	}
	close(workQueue)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workQueue {
				r := runItem(ctx, id, op)
				mu.Lock()
				results[id] = r
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	span.SetAttributes(attribute.Int("dispatch.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d items failed", failed, len(results)))
	}
	log.Debug().
		Int("items", len(results)).
		Int("failed", failed).
		Dur("elapsed", elapsed).
		Msg("fan-out completed")
	ObserverFromContext(ctx).ObserveDispatch(len(results), failed, elapsed)

	return results
}

// runItem executes one item, converting a panic into the item's error.
func runItem[T any](ctx context.Context, id DeviceID, op ItemOperation[T]) (res Result[T]) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.dispatch.item")
	span.SetAttributes(attribute.String("device.id", string(id)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("device", string(id)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("fan-out item panicked")
			res = Result[T]{Err: fmt.Errorf("device %s: operation panicked: %v", id, r)}
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}()

	v, err := op(ctx, id)
	if err != nil {
		return Result[T]{Err: err}
	}
	return Result[T]{Value: v}
}

// DispatchOnline lists devices through lister, keeps the online ones and
// dispatches op over them. It returns ErrNoOnlineDevices when none are
// online. A lister failure is returned unchanged.
func DispatchOnline[T any](ctx context.Context, lister DeviceLister, op ItemOperation[T], opts ...DispatchOption) (FanoutResult[T], error) {
	descriptors, err := lister.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	online := make([]DeviceID, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Online {
			online = append(online, d.ID)
		}
	}
	if len(online) == 0 {
		log.Warn().Int("known", len(descriptors)).Msg("no online devices to dispatch to")
		return nil, ErrNoOnlineDevices
	}

	return Dispatch(ctx, online, op, opts...), nil
}
