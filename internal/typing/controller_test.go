package typing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestControllerFiresOnInterval(t *testing.T) {
	var calls int32
	ctx := context.Background()
	c := Start(ctx, 5*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer c.Stop()

	deadline := time.After(200 * time.Millisecond)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 calls within the deadline, got %d", atomic.LoadInt32(&calls))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestControllerStopHaltsFurtherCalls(t *testing.T) {
	var calls int32
	ctx := context.Background()
	c := Start(ctx, 5*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	c.Stop()
	after := atomic.LoadInt32(&calls)

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != after {
		t.Fatalf("expected no further calls after Stop, had %d then %d", after, atomic.LoadInt32(&calls))
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	c := Start(context.Background(), time.Hour, func(context.Context) error { return nil })
	c.Stop()
	c.Stop()
}

func TestControllerContextCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	c := Start(ctx, 5*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer c.Stop()

	time.Sleep(15 * time.Millisecond)
	cancel()
	after := atomic.LoadInt32(&calls)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != after {
		t.Fatalf("expected no further calls after ctx cancellation, had %d then %d", after, atomic.LoadInt32(&calls))
	}
}
