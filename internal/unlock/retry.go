package unlock

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy retries an operation with linearly increasing backoff
// (attempt * BaseDelay) on a timer, so waiting never blocks past ctx.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	wait      func(ctx context.Context, delay time.Duration) error
}

// DefaultRetryPolicy is three attempts with 100ms, 200ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}
}

// Do runs operation until it succeeds, attempts run out, or ctx ends.
// notify, when set, is called before each backoff with the failed attempt.
func (policy RetryPolicy) Do(ctx context.Context, operation func(ctx context.Context) error, notify func(attempt int, err error)) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := policy.wait
	if wait == nil {
		wait = sleepContext
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if notify != nil {
			notify(attempt, lastErr)
		}
		if err := wait(ctx, time.Duration(attempt)*policy.BaseDelay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
