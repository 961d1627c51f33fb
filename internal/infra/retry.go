package infra

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned once every attempt failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Backoff describes a bounded exponential retry schedule.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff allows five attempts starting at 10ms.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
}

// Delay returns the wait before the given retry (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay << (attempt - 1)
	if b.MaxDelay > 0 && (d > b.MaxDelay || d <= 0) {
		d = b.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// schedule is exhausted. Exhaustion wraps both ErrRetriesExhausted and the last error.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}
