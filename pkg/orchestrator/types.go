package orchestrator

import (
	"context"
	"time"
)

// DeviceID identifies a device. Equality is exact string match.
type DeviceID string

// String returns the raw identifier.
func (id DeviceID) String() string { return string(id) }

// DeviceDescriptor is the minimal view of a device the core needs.
type DeviceDescriptor struct {
	ID     DeviceID
	Online bool
}

// Executor runs a command on a device and returns its textual output.
// Calls block and may take arbitrarily long.
type Executor interface {
	Execute(ctx context.Context, device DeviceID, command string) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, device DeviceID, command string) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, device DeviceID, command string) (string, error) {
	return f(ctx, device, command)
}

// DeviceLister discovers the devices currently known to the collaborator.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]DeviceDescriptor, error)
}

// DeviceListerFunc adapts a function to the DeviceLister interface.
type DeviceListerFunc func(ctx context.Context) ([]DeviceDescriptor, error)

// ListDevices calls f.
func (f DeviceListerFunc) ListDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	return f(ctx)
}

// Operation is an opaque unit of work. The core only invokes, retries,
// races or caches it.
type Operation[T any] func(ctx context.Context) (T, error)

// ItemOperation is an operation applied to a single device during fan-out.
type ItemOperation[T any] func(ctx context.Context, device DeviceID) (T, error)

// Observer receives diagnostic callbacks from the core. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	ObserveRetry(attempt uint, remaining uint, delay time.Duration, err error)
	ObserveTimeout(d time.Duration)
	ObserveCacheLookup(cache string, hit bool)
	ObserveDispatch(total, failed int, elapsed time.Duration)
	ObserveCleanup(device DeviceID, removed, failed int)
}

type observerContextKey struct{}

// WithObserver attaches an observer to the context.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerContextKey{}, obs)
}

// ObserverFromContext returns the observer attached to ctx, or a no-op one.
func ObserverFromContext(ctx context.Context) Observer {
	if obs, ok := ctx.Value(observerContextKey{}).(Observer); ok && obs != nil {
		return obs
	}
	return nopObserver{}
}

type nopObserver struct{}

func (nopObserver) ObserveRetry(uint, uint, time.Duration, error) {}
func (nopObserver) ObserveTimeout(time.Duration) {}
func (nopObserver) ObserveCacheLookup(string, bool) {}
func (nopObserver) ObserveDispatch(int, int, time.Duration) {}
func (nopObserver) ObserveCleanup(DeviceID, int, int) {}
