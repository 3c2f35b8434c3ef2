package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aquamonitor/internal/logging"
)

// PermanentError stops Retry without further attempts.
type PermanentError struct{ Err error }

func (p *PermanentError) Error() string { return p.Err.Error() }
func (p *PermanentError) Unwrap() error { return p.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retry calls fn up to maxAttempts times, doubling delay after each failure.
// It returns the number of attempts made. A cancelled ctx or a Permanent
// error stops the loop.
func Retry(ctx context.Context, logger *logging.Logger, maxAttempts int, delay time.Duration, fn func(attempt int) error) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(attempt); err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				return attempt, perm
			}
			lastErr = err
			logger.Errorf("Attempt %d/%d failed: %v", attempt, maxAttempts, err)
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return attempt, fmt.Errorf("gave up after %d attempts: %w", attempt, lastErr)
				case <-time.After(delay):
				}
				delay *= 2
			}
			continue
		}
		return attempt, nil
	}
	return maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
