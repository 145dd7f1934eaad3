package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu        sync.Mutex
	delays    []time.Duration
	attempts  []uint
	timeouts  int
	hits      int
	misses    int
	dispatch  []int
	removed   int
	unremoved int
}

func (r *recordingObserver) ObserveRetry(attempt, _ uint, delay time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	r.delays = append(r.delays, delay)
}

func (r *recordingObserver) ObserveTimeout(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

func (r *recordingObserver) ObserveCacheLookup(_ string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *recordingObserver) ObserveDispatch(total, failed int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = append(r.dispatch, total, failed)
}

func (r *recordingObserver) ObserveCleanup(_ DeviceID, removed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed += removed
	r.unremoved += failed
}

// fakeExecutor records commands and fails those containing a failing path.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	failOn   map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failOn: make(map[string]error)}
}

func (f *fakeExecutor) Execute(_ context.Context, device DeviceID, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, string(device)+":"+command)
	for needle, err := range f.failOn {
		if strings.Contains(command, needle) {
			return "", err
		}
	}
	return "", nil
}

func (f *fakeExecutor) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")
