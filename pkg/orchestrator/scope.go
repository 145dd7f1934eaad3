package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CleanupTimeout bounds the implicit cleanup run by WithScope.
const CleanupTimeout = 30 * time.Second

// DefaultTempDir is the remote directory WithTempFile uses when none is given.
const DefaultTempDir = "/data/local/tmp"

// ScopeState is the lifecycle state of a Scope.
type ScopeState int

const (
	// ScopeCreated means nothing has been tracked yet.
	ScopeCreated ScopeState = iota
	// ScopeActive means at least one path is tracked.
	ScopeActive
	// ScopeClosing means cleanup is in progress.
	ScopeClosing
	// ScopeClosed is terminal.
	ScopeClosed
)

func (s ScopeState) String() string {
	switch s {
	case ScopeCreated:
		return "created"
	case ScopeActive:
		return "active"
	case ScopeClosing:
		return "closing"
	case ScopeClosed:
		return "closed"
	default:
		return fmt.Sprintf("ScopeState(%d)", int(s))
	}
}

// Scope tracks remote temporary paths on one device and removes them when it
// is cleaned up. A scope may be shared by concurrent goroutines.
type Scope struct {
	device   DeviceID
	executor Executor
	started  time.Time

	mu         sync.Mutex
	state      ScopeState
	paths      []string
	done       chan struct{}
	cleanupErr error
}

// NewScope creates an empty scope bound to device.
func NewScope(executor Executor, device DeviceID) *Scope {
	return &Scope{
		device:   device,
		executor: executor,
		started:  time.Now(),
		state:    ScopeCreated,
	}
}

// Device returns the device the scope cleans up on.
func (s *Scope) Device() DeviceID { return s.device }

// Elapsed returns the time since the scope was created.
func (s *Scope) Elapsed() time.Duration { return time.Since(s.started) }

// State returns the current lifecycle state.
func (s *Scope) State() ScopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Track registers a remote path for removal. Paths are removed in the order
// they were tracked.
func (s *Scope) Track(p string) error {
	if p == "" {
		return NewConfigurationError("cannot track an empty path", nil).WithDevice(s.device)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ScopeClosing || s.state == ScopeClosed {
		return ErrScopeClosed
	}
	s.paths = append(s.paths, p)
	s.state = ScopeActive
	return nil
}

// Paths returns a copy of the tracked paths.
func (s *Scope) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Cleanup removes every tracked path, continuing past failures, empties the
// tracked list and closes the scope. It returns a *CleanupError naming each
// path that could not be removed. A call made while another cleanup is in
// progress waits for it and returns the same error; a call on a closed
// scope is a no-op.
func (s *Scope) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case ScopeClosed:
		s.mu.Unlock()
		return nil
	case ScopeClosing:
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cleanupErr
	case ScopeCreated:
		s.state = ScopeClosed
		s.mu.Unlock()
		return nil
	}
	s.state = ScopeClosing
	s.done = make(chan struct{})
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	var failures []PathFailure
	for _, p := range paths {
		if _, err := s.executor.Execute(ctx, s.device, RemoveCommand(p)); err != nil {
			log.Warn().
				Str("device", string(s.device)).
				Str("path", p).
				Err(err).
				Msg("failed to remove temporary path")
			failures = append(failures, PathFailure{Path: p, Err: err})
		}
	}

	var err error
	if len(failures) > 0 {
		err = &CleanupError{Device: s.device, Failures: failures}
	}

	s.mu.Lock()
	s.state = ScopeClosed
	s.cleanupErr = err
	close(s.done)
	s.mu.Unlock()

	ObserverFromContext(ctx).ObserveCleanup(s.device, len(paths)-len(failures), len(failures))

	if err != nil {
		return err
	}
	log.Debug().
		Str("device", string(s.device)).
		Int("paths", len(paths)).
		Dur("elapsed", s.Elapsed()).
		Msg("scope cleaned up")
	return nil
}

// RemoveCommand builds the shell command that removes p.
func RemoveCommand(p string) string {
	return "rm -f -- " + ShellQuote(p)
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WithScope runs body with a fresh scope on device and always cleans the
// scope up afterwards, whether body returns a value, an error or panics.
// Cleanup runs detached from the caller's cancellation, bounded by
// CleanupTimeout, and its failures are only logged: the result of body is
// returned unchanged.
func WithScope[T any](ctx context.Context, executor Executor, device DeviceID, body func(ctx context.Context, scope *Scope) (T, error)) (T, error) {
	scope := NewScope(executor, device)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.scope")
	span.SetAttributes(attribute.String("device.id", string(device)))
	defer span.End()

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
		defer cancel()
		if err := scope.Cleanup(cleanupCtx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cleanup failed")
			log.Warn().
				Str("device", string(device)).
				Err(err).
				Msg("scope cleanup incomplete")
		}
	}()

	return body(ctx, scope)
}

// WithTempFile runs fn with a unique remote path under dir that is tracked in
// a fresh scope and removed afterwards. An empty dir means DefaultTempDir.
func WithTempFile[T any](ctx context.Context, executor Executor, device DeviceID, dir, prefix, suffix string, fn func(ctx context.Context, remotePath string) (T, error)) (T, error) {
	if dir == "" {
		dir = DefaultTempDir
	}
	remote := path.Join(dir, prefix+uuid.NewString()+suffix)

	return WithScope(ctx, executor, device, func(ctx context.Context, scope *Scope) (T, error) {
		if err := scope.Track(remote); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, remote)
	})
}
