package sequencer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Barrier blocks the controlling goroutine for a fixed settle duration.
type Barrier struct {
	clock clockwork.Clock
}

// NewBarrier creates a Barrier on clock. A nil clock uses the real clock.
func NewBarrier(clock clockwork.Clock) *Barrier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Barrier{clock: clock}
}

// Wait sleeps for exactly d and returns early only when ctx is done.
func (b *Barrier) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := b.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
