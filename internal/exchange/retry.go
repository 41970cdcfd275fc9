package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxAttempts bounds automatic retries for transient venue errors.
const DefaultMaxAttempts = 5

// Backoff returns the delay before retry attempt n (1-based): 500 ms doubling
// per attempt, capped at 30 s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 500 * time.Millisecond << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// WithRetry runs fn up to maxAttempts times, sleeping Backoff between
// attempts. Non-retryable errors return immediately; ctx cancellation wins
// over any pending sleep.
func WithRetry(ctx context.Context, op string, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(attempt - 1)
			log.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying exchange call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, maxAttempts, lastErr)
}
