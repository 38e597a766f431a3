package lumencache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestThrottleFirstCallDoesNotWait(t *testing.T) {
	th := NewThrottle(time.Second)

	start := time.Now()
	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first Wait() took %v, want immediate", elapsed)
	}
}

func TestThrottleSpacing(t *testing.T) {
	const interval = 40 * time.Millisecond
	th := NewThrottle(interval)
	ctx := context.Background()

	var sends []time.Time
	for range 4 {
		if err := th.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		sends = append(sends, time.Now())
		th.MarkSent()
	}

	for i := 1; i < len(sends); i++ {
		if gap := sends[i].Sub(sends[i-1]); gap < interval {
			t.Errorf("gap between send %d and %d = %v, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestThrottleWaitsFromFirstCall(t *testing.T) {
	const interval = 40 * time.Millisecond
	th := NewThrottle(interval)
	ctx := context.Background()

	start := time.Now()
	_ = th.Wait(ctx)
	// No MarkSent: the first call already started the clock.
	_ = th.Wait(ctx)
	if elapsed := time.Since(start); elapsed < interval {
		t.Errorf("second Wait() returned after %v, want >= %v", elapsed, interval)
	}
}

func TestThrottleContextCancelled(t *testing.T) {
	th := NewThrottle(time.Hour)
	_ = th.Wait(context.Background())
	th.MarkSent()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := th.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0)
	ctx := context.Background()

	start := time.Now()
	for range 10 {
		_ = th.Wait(ctx)
		th.MarkSent()
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("disabled throttle took %v", elapsed)
	}
}
