package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies orchestration failures.
type ErrorKind string

const (
	// KindTransient is a retryable command or transport failure.
	KindTransient ErrorKind = "transient"

	// KindTimeout means a deadline elapsed before the operation completed.
	KindTimeout ErrorKind = "timeout"

	// KindCleanup means one or more tracked paths could not be removed.
	KindCleanup ErrorKind = "cleanup"

	// KindNoOnlineDevices means a fan-out over online devices found none.
	KindNoOnlineDevices ErrorKind = "no_online_devices"

	// KindConfiguration is an invalid policy, key or argument. Never retried.
	KindConfiguration ErrorKind = "configuration"
)

// Error is a classified orchestration error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind

	// Message is the human-readable error message.
	Message string

	// Device is the device the error relates to, if any.
	Device DeviceID

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Device != "" {
		fmt.Fprintf(&b, " (device=%s)", e.Device)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDevice attaches the device id to the error.
func (e *Error) WithDevice(device DeviceID) *Error {
	e.Device = device
	return e
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// NewConfigurationError creates a non-retryable configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

var (
	// ErrNoOnlineDevices is returned by DispatchOnline when no device is online.
	ErrNoOnlineDevices = &Error{Kind: KindNoOnlineDevices, Message: "no online devices"}

	// ErrScopeClosed is returned when tracking into a scope that was already cleaned up.
	ErrScopeClosed = errors.New("resource scope is closed")
)

// TimeoutError is returned by RunWithTimeout when the deadline elapses first.
type TimeoutError struct {
	// Duration is the requested deadline.
	Duration time.Duration

	// Message describes the abandoned operation.
	Message string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] %s (after %s)", KindTimeout, e.Message, e.Duration)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// Is matches *Error values of kind KindTimeout.
func (e *TimeoutError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindTimeout
}

// PathFailure records why a single tracked path could not be removed.
type PathFailure struct {
	Path string
	Err  error
}

// CleanupError aggregates every path a scope failed to remove.
type CleanupError struct {
	Device   DeviceID
	Failures []PathFailure
}

func (e *CleanupError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Path, f.Err))
	}
	return fmt.Sprintf("[%s] failed to remove %d temporary path(s) on device %s: %s",
		KindCleanup, len(e.Failures), e.Device, strings.Join(parts, "; "))
}

// Unwrap exposes the per-path causes to errors.Is and errors.As.
func (e *CleanupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Is matches *Error values of kind KindCleanup.
func (e *CleanupError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindCleanup
}

// Paths returns the paths that could not be removed, in tracking order.
func (e *CleanupError) Paths() []string {
	paths := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		paths = append(paths, f.Path)
	}
	return paths
}

// permanentError stops RunWithRetry without changing the surfaced error.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. RunWithRetry returns the
// wrapped error itself, not the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// KindOf returns the classification of err, or "" when it is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return KindTimeout
	}
	var ce *CleanupError
	if errors.As(err, &ce) {
		return KindCleanup
	}
	return ""
}

// IsTransient returns true for transient errors, including any error in the
// chain that reports Temporary() == true.
func IsTransient(err error) bool {
	if KindOf(err) == KindTransient {
		return true
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// IsTimeout returns true if err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCleanupFailure returns true if err is a CleanupError.
func IsCleanupFailure(err error) bool {
	var ce *CleanupError
	return errors.As(err, &ce)
}

// IsNoOnlineDevices returns true if err is ErrNoOnlineDevices.
func IsNoOnlineDevices(err error) bool {
	return KindOf(err) == KindNoOnlineDevices
}

// IsConfiguration returns true for configuration errors.
func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}
