package util

import (
	"context"
	"log/slog"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration // zero means uncapped
}

// DefaultBackoff is used by the market-data gatherers.
var DefaultBackoff = Backoff{Attempts: 4, Base: 250 * time.Millisecond, Max: 5 * time.Second}

// Retry calls fn until it succeeds or b.Attempts calls have failed, doubling
// the delay after every failure. It returns the last error, or ctx.Err() if
// the context is cancelled while waiting. Failed attempts are logged at warn
// level under op.
func Retry(ctx context.Context, b Backoff, log *slog.Logger, op string, fn func(context.Context) error) error {
	log = OrDiscard(log)
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := b.Base
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		log.Warn("retrying after failure", "op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return err
}
