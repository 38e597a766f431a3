package lumencache

import (
	"context"
	"sync"
	"time"
)

// DefaultTxDelay is the minimum spacing between two bus transmissions.
const DefaultTxDelay = 200 * time.Millisecond

// Throttle paces bus transmissions.
//
// Wait blocks until MinInterval has passed since the last recorded send.
// The controller records a send only when the exchange was answered, so a
// silent module does not advance the pacing clock.
type Throttle struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewThrottle creates a throttle with the given minimum interval.
// A non-positive interval disables pacing.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Wait blocks until the minimum interval has elapsed since the last
// recorded send. The first call returns immediately and starts the clock.
// It returns the context error if ctx ends first.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.last.IsZero() {
		t.last = time.Now()
		t.mu.Unlock()
		return nil
	}
	remaining := t.interval - time.Since(t.last)
	t.mu.Unlock()

	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkSent records now as the reference point for the next Wait.
func (t *Throttle) MarkSent() {
	t.mu.Lock()
	t.last = time.Now()
	t.mu.Unlock()
}

// Interval returns the configured minimum spacing.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}
