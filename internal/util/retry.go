package util

import (
	"context"
	"time"
)

// ReadRetryPolicy bounds retries of idempotent reads.
type ReadRetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultReadRetryPolicy is three attempts starting at 50ms, doubling.
var DefaultReadRetryPolicy = ReadRetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}

// RetryRead runs fn until it succeeds, the policy is exhausted, or
// permanent(err) reports true. Only use it for reads: writes must never be
// retried blindly.
func RetryRead[T any](ctx context.Context, policy ReadRetryPolicy, permanent func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if permanent != nil && permanent(err) {
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return zero, lastErr
}
