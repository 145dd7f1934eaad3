package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		initial time.Duration
		want    []time.Duration
	}{
		{
			name:    "one second doubles then saturates",
			initial: time.Second,
			want: []time.Duration{
				1000 * time.Millisecond,
				2000 * time.Millisecond,
				4000 * time.Millisecond,
				8000 * time.Millisecond,
				10000 * time.Millisecond,
				10000 * time.Millisecond,
			},
		},
		{
			name:    "three seconds",
			initial: 3 * time.Second,
			want:    []time.Duration{3 * time.Second, 6 * time.Second, 10 * time.Second, 10 * time.Second},
		},
		{
			name:    "first delay is not capped",
			initial: 15 * time.Second,
			want:    []time.Duration{15 * time.Second, 10 * time.Second, 10 * time.Second},
		},
		{
			name:    "zero stays zero",
			initial: 0,
			want:    []time.Duration{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RetryPolicy{MaxRetries: uint(len(tt.want)), InitialDelay: tt.initial}
			for i, want := range tt.want {
				assert.Equal(t, want, p.Delay(uint(i+1)), "delay after failure %d", i+1)
			}
		})
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())

	err := RetryPolicy{MaxRetries: 1, InitialDelay: -time.Second}.Validate()
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))

	err = RetryPolicy{MaxRetries: 5000}.Validate()
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestRunWithRetry_SucceedsFirstAttempt(t *testing.T) {
	var calls int32
	v, err := RunWithRetry(context.Background(), RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond},
		func(context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunWithRetry_InvocationCount(t *testing.T) {
	for _, n := range []uint{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("max_retries=%d", n), func(t *testing.T) {
			var calls int32
			_, err := RunWithRetry(context.Background(), RetryPolicy{MaxRetries: n, InitialDelay: time.Millisecond},
				func(context.Context) (int, error) {
					atomic.AddInt32(&calls, 1)
					return 0, errBoom
				})
			require.ErrorIs(t, err, errBoom)
			assert.Equal(t, int32(n+1), atomic.LoadInt32(&calls))
		})
	}
}

func TestRunWithRetry_ReturnsLastErrorUnchanged(t *testing.T) {
	var calls int32
	last := errors.New("third failure")
	_, err := RunWithRetry(context.Background(), RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond},
		func(context.Context) (int, error) {
			switch atomic.AddInt32(&calls, 1) {
			case 1:
				return 0, errors.New("first failure")
			case 2:
				return 0, errors.New("second failure")
			default:
				return 0, last
			}
		})
	assert.Same(t, last, err)
}

func TestRunWithRetry_SucceedsAfterFailures(t *testing.T) {
	var calls int32
	v, err := RunWithRetry(context.Background(), RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond},
		func(context.Context) (int, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return 0, errBoom
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRunWithRetry_ObservesScheduledRetries(t *testing.T) {
	obs := &recordingObserver{}
	ctx := WithObserver(context.Background(), obs)

	_, err := RunWithRetry(ctx, RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Millisecond},
		func(context.Context) (int, error) { return 0, errBoom })
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, []uint{1, 2, 3}, obs.attempts)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, obs.delays)
}

func TestRunWithRetry_PermanentStopsImmediately(t *testing.T) {
	var calls int32
	_, err := RunWithRetry(context.Background(), RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond},
		func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, Permanent(errBoom)
		})
	assert.Same(t, errBoom, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunWithRetry_ConfigurationErrorNotRetried(t *testing.T) {
	var calls int32
	_, err := RunWithRetry(context.Background(), RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond},
		func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, NewConfigurationError("bad argument", nil)
		})
	assert.True(t, IsConfiguration(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRunWithRetry_InvalidPolicy(t *testing.T) {
	var calls int32
	_, err := RunWithRetry(context.Background(), RetryPolicy{InitialDelay: -1},
		func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, nil
		})
	assert.True(t, IsConfiguration(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRunWithRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := RunWithRetry(ctx, RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour},
		func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errBoom
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
