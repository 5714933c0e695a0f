package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Retry is the shared backoff policy for backend calls: exponential delay
// with jitter, a fixed attempt count, then ErrAPI.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetry matches the attempt budget used across the run.
var DefaultRetry = Retry{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Do runs fn up to MaxAttempts times, sleeping between failures. The last
// transport error is wrapped in ErrAPI. Context cancellation aborts
// immediately without consuming remaining attempts.
func (r Retry) Do(ctx context.Context, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.BaseDelay << (attempt - 1)
			// Up to 50% jitter so concurrent workers do not retry in lockstep.
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrAPI, attempts, lastErr)
}
