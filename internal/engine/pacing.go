package engine

import (
	"context"
	"time"

	"tradelab/internal/domain"
)

// MaxRealtimeGap caps the sleep between bars in REALTIME mode.
const MaxRealtimeGap = 60 * time.Second

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer throttles a replay between bars according to the speed mode. It
// only ever sleeps; it never touches simulation state.
type Pacer struct {
	mode  domain.SpeedMode
	delay time.Duration
	sleep Sleeper
}

// NewPacer creates a Pacer. A nil sleep uses SleepContext.
func NewPacer(mode domain.SpeedMode, delay time.Duration, sleep Sleeper) *Pacer {
	if sleep == nil {
		sleep = SleepContext
	}
	return &Pacer{mode: mode, delay: delay, sleep: sleep}
}

// Delay returns how long to wait between prev and next.
func (p *Pacer) Delay(prev, next domain.Bar) time.Duration {
	switch p.mode {
	case domain.SpeedSlow:
		return p.delay
	case domain.SpeedRealtime:
		gap := next.Timestamp.Sub(prev.Timestamp)
		if gap < 0 {
			return 0
		}
		if gap > MaxRealtimeGap {
			return MaxRealtimeGap
		}
		return gap
	default:
		return 0
	}
}

// Wait sleeps for Delay(prev, next). With no delay it only reports whether
// ctx is already done.
func (p *Pacer) Wait(ctx context.Context, prev, next domain.Bar) error {
	d := p.Delay(prev, next)
	if d <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, d)
}
