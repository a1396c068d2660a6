package remotelayer

import (
	"context"
	"time"
)

// retry runs fn, retrying up to count additional times with a fixed delay
// between attempts when isTransient accepts the error. Unlike the
// manager's loader retry (exponential backoff), the remote layer's own
// retry is fixed-delay, unlike the manager's own exponential-backoff retry.
func retry(ctx context.Context, count int, delay time.Duration, isTransient func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= count; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == count || !isTransient(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
