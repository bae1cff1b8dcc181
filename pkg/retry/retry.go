// Package retry runs an operation again after transient failures, with
// exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempt count and the backoff window
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy covers interactive calls: three quick attempts
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// BackfillPolicy suits long batch jobs where a page can wait: base 5s, cap 120s
var BackfillPolicy = RetryPolicy{
	MaxAttempts:    10,
	InitialBackoff: 5 * time.Second,
	MaxBackoff:     120 * time.Second,
}

// IsTransientFunc reports whether an error is worth another attempt
type IsTransientFunc func(error) bool

// Do runs fn until it succeeds, fails permanently, or the policy is
// exhausted. Backoff doubles per attempt up to MaxBackoff, with up to 50%
// random jitter on top. Context cancellation wins over any pending sleep.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}
	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
