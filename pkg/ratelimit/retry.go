package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Retry runs fn up to 1+retries times, sleeping a doubling backoff
// between attempts. It stops early when retryable reports the failure
// as permanent, or when ctx is done. The loop is a plain attempt
// counter so cancellation composes with the caller's timeouts.
func Retry(ctx context.Context, logger zerolog.Logger, op string, retries int, fn func(context.Context) error, retryable func(error) bool) error {
	if retries < 0 {
		retries = 0
	}
	attempts := retries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (after %v)", op, lastErr, err)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := Backoff(attempt)
		logger.Info().
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (after %v)", op, lastErr, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempts, lastErr)
}
