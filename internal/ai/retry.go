package ai

import (
	"context"
	"errors"
	"time"
)

// retryCall runs call up to maxRetries+1 times while it fails with a
// retryable provider error, backing off linearly between attempts.
func retryCall[T any](ctx context.Context, maxRetries int, call func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, callErr := call(ctx)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		if !isRetryableProviderError(callErr) || attempt == maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown provider error")
	}
	return zero, lastErr
}
