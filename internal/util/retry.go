package util

import (
	"context"
	"time"
)

// RetryPolicy describes how an operation is retried. A Multiplier of 0 or 1
// gives a fixed delay. A nil Retryable retries every error.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	Retryable   func(error) bool
	// OnRetry is called before each sleep with the failed attempt number
	// (starting at 1) and its error.
	OnRetry func(attempt int, err error)
}

// FixedPolicy returns a policy of maxAttempts attempts with a constant delay.
func FixedPolicy(maxAttempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. It returns the last result and error. Sleeps between
// attempts respect context cancellation.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(attempt int) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn(attempt)
		if err == nil {
			return result, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return result, err
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err)
			}
			if err := Sleep(ctx, delay); err != nil {
				return result, err
			}
			if p.Multiplier > 1 {
				delay = time.Duration(float64(delay) * p.Multiplier)
			}
		}
	}

	return result, err
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := Do(ctx, RetryPolicy{MaxAttempts: maxAttempts, Delay: baseDelay, Multiplier: 2},
		func(int) (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Sleep blocks for d or until ctx is cancelled. A non-positive d returns
// immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
