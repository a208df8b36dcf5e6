package orchestrator

import (
	"context"
	"math/rand"
	"time"
)

// retryPolicy retries transient item failures a small fixed number of times
// with jittered exponential backoff. Exhausting the attempts is not fatal to
// the run; the item is logged and skipped.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newRetryPolicy(attempts int, baseDelay time.Duration) retryPolicy {
	if attempts <= 0 {
		attempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return retryPolicy{
		attempts:  attempts,
		baseDelay: baseDelay,
		maxDelay:  30 * time.Second,
	}
}

// do invokes fn until it succeeds, a permanent error is returned, or the
// attempts are spent. permanent short-circuits the loop for errors retrying
// cannot fix.
func (p retryPolicy) do(ctx context.Context, fn func() error, permanent func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, p.delay(attempt)); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << (attempt - 1)
	if d > p.maxDelay {
		d = p.maxDelay
	}
	// Full jitter keeps concurrent workers from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
