package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures exponential backoff retry for tool and step
// recovery paths, mirroring the teacher's own hand-rolled RetryConfig
// (max attempts, initial/max delay, backoff factor, optional jitter).
// This stays a plain stdlib loop, not backoff/v5, because it is the
// teacher's own idiom for this exact helper; FixedDelayRetry below uses
// backoff/v5 where the domain requires a policy the teacher never had
// (a genuinely fixed delay, not merely a capped exponential one).
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig matches the teacher's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs fn until it succeeds, ctx is cancelled, or MaxAttempts is
// exhausted, sleeping with exponential backoff and optional jitter
// between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		wait := delay
		if cfg.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
			wait += jitter
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// RetryWithCircuitBreaker wraps Retry with a CircuitBreaker guard, so a
// tripped breaker short-circuits remaining attempts instead of burning
// them against a known-bad upstream.
func RetryWithCircuitBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, cfg, func() error {
		if !cb.Allow() {
			return ErrCircuitOpen
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}

// ErrCircuitOpen is returned by RetryWithCircuitBreaker when the breaker
// refuses a call.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// FixedDelayRetry runs op with a constant delay between attempts using
// backoff/v5, for callers that need a genuinely fixed delay rather than
// the teacher's exponential curve. The LLM gateway builds its own
// backoff/v5 constant policy and does not call this helper.
func FixedDelayRetry[T any](ctx context.Context, delay time.Duration, maxAttempts int, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx,
		func() (T, error) {
			return op()
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
}

// jitterBound returns the +/-10% envelope that Retry's jitter stays
// within.
func jitterBound(delay time.Duration) time.Duration {
	return time.Duration(math.Abs(float64(delay)) * 0.1)
}
