package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// MaxRetryDelay caps the delay between two retry attempts.
const MaxRetryDelay = 10 * time.Second

var validate = validator.New()

// RetryPolicy bounds how RunWithRetry retries a failing operation.
// It is owned by the caller and never shared globally.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries uint `yaml:"max_retries" validate:"lte=1000"`

	// InitialDelay is the delay before the first retry. It doubles for each
	// following retry, up to MaxRetryDelay.
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
}

// DefaultRetryPolicy returns three retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return NewConfigurationError("invalid retry policy", err)
	}
	return nil
}

// Delay returns the sleep that follows the given failure (1-based).
// The first retry waits exactly InitialDelay; each later one doubles the
// previous delay, saturating at MaxRetryDelay.
func (p RetryPolicy) Delay(failure uint) time.Duration {
	if failure <= 1 {
		return p.InitialDelay
	}
	d := p.InitialDelay
	for i := uint(1); i < failure; i++ {
		if d >= MaxRetryDelay/2 {
			return MaxRetryDelay
		}
		d *= 2
	}
	return d
}

// RunWithRetry invokes op and retries it with exponential backoff until it
// succeeds or MaxRetries additional attempts have failed. The last observed
// error is returned unchanged. Configuration errors and errors wrapped with
// Permanent are not retried.
//
// op is assumed to be idempotent.
func RunWithRetry[T any](ctx context.Context, policy RetryPolicy, op Operation[T]) (T, error) {
	var zero T
	if err := policy.Validate(); err != nil {
		return zero, err
	}

	obs := ObserverFromContext(ctx)
	var failures uint

	result, err := retry.DoWithData(
		func() (T, error) {
			v, err := op(ctx)
			if err == nil {
				return v, nil
			}
			failures++
			if !shouldRetry(err) {
				return v, err
			}
			if failures <= policy.MaxRetries {
				delay := policy.Delay(failures)
				log.Warn().
					Uint("attempt", failures).
					Uint("max_retries", policy.MaxRetries).
					Uint("remaining", policy.MaxRetries-failures).
					Dur("delay", delay).
					Err(err).
					Msg("operation failed, retrying")
				obs.ObserveRetry(failures, policy.MaxRetries-failures, delay, err)
			}
			return v, err
		},
		retry.Context(ctx),
		retry.Attempts(policy.MaxRetries+1),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return policy.Delay(failures)
		}),
		retry.RetryIf(shouldRetry),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if p, ok := err.(*permanentError); ok {
			return result, p.err
		}
		return result, err
	}
	return result, nil
}

// shouldRetry reports whether a failure is worth another attempt.
func shouldRetry(err error) bool {
	if !retry.IsRecoverable(err) || IsConfiguration(err) {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
