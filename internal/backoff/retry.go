package backoff

import (
	"context"
)

// Retry calls fn until it succeeds, maxAttempts is reached, retryable rejects
// the error, or ctx ends. It returns nil on success and otherwise the last
// error from fn; a cancelled wait between attempts also returns that error.
// A nil retryable retries every error.
func Retry(
	ctx context.Context,
	policy BackoffPolicy,
	maxAttempts int,
	fn func(attempt int) error,
	retryable func(error) bool,
) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && ctx.Err() != nil {
			return lastErr
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || (retryable != nil && !retryable(lastErr)) {
			return lastErr
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// RetryValue is Retry for functions that produce a value.
func RetryValue[T any](
	ctx context.Context,
	policy BackoffPolicy,
	maxAttempts int,
	fn func(attempt int) (T, error),
	retryable func(error) bool,
) (T, error) {
	var value T
	err := Retry(ctx, policy, maxAttempts, func(attempt int) error {
		v, err := fn(attempt)
		if err == nil {
			value = v
		}
		return err
	}, retryable)
	return value, err
}
