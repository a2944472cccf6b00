// Package retry implements the bounded-retry policy applied at component
// boundaries: transient storage failures are retried a small number of times
// with exponential backoff, then surfaced as Unavailable. Domain errors
// (invariant violations, not-found, validation) are never retried.
package retry

import (
	"context"
	"time"

	"github.com/pairlink/chat-app/pkg/apperr"
)

const (
	// DefaultAttempts is the total number of tries, including the first.
	DefaultAttempts = 3

	// DefaultBackoff is the delay before the first retry; it doubles on
	// each subsequent attempt.
	DefaultBackoff = 50 * time.Millisecond
)

// Do runs fn up to DefaultAttempts times. It returns immediately on success,
// on a domain error, or on context cancellation. When the budget is
// exhausted, the last error is wrapped as Unavailable.
func Do(ctx context.Context, fn func() error) error {
	var err error
	backoff := DefaultBackoff

	for attempt := 0; attempt < DefaultAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = fn()
		if err == nil {
			return nil
		}
		if apperr.IsDomain(err) || ctx.Err() != nil {
			return err
		}
	}

	return apperr.Unavailable(err)
}
