package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard retry configuration for node retries.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// WithRetryContext executes fn with retries, respecting context cancellation.
// fn receives the 1-based attempt number.
//
// The final error keeps the last failure reachable through errors.As, so
// callers can still tell a rate limit from an execution error after the
// retries are spent.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(ctx context.Context, attempt int) (T, error),
) RetryResult[T] {
	start := time.Now()
	var lastErr error

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryCancelled, Retries: attempt - 1, Context: "context cancelled"},
				Attempts: attempt - 1,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if !isRetryable(err) || attempt == maxAttempts {
			return RetryResult[T]{
				Err:      err,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		select {
		case <-ctx.Done():
			return RetryResult[T]{
				Err:      &CategorizedError{Err: ctx.Err(), Category: CategoryCancelled, Retries: attempt, Context: "context cancelled during backoff"},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		case <-time.After(cfg.Backoff(attempt)):
		}
	}

	return RetryResult[T]{Err: lastErr, Attempts: maxAttempts, Duration: time.Since(start)}
}

// Backoff returns the delay to wait after the given 1-based attempt:
// InitialBackoff * BackoffFactor^(attempt-1), capped at MaxBackoff, with
// jitter applied after capping.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	backoff := float64(cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= factor
		if cfg.MaxBackoff > 0 && backoff >= float64(cfg.MaxBackoff) {
			backoff = float64(cfg.MaxBackoff)
			break
		}
	}
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return calculateBackoff(time.Duration(backoff), cfg.Jitter)
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
