package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlidingWindowSchedulesOverflowCalls(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	l := New(10, 60*time.Second)

	var slots []time.Time
	for i := 0; i < 15; i++ {
		slots = append(slots, l.reserve(t0))
	}

	for i := 0; i < 10; i++ {
		if !slots[i].Equal(t0) {
			t.Errorf("call %d: expected immediate slot, got +%v", i+1, slots[i].Sub(t0))
		}
	}
	for i := 10; i < 15; i++ {
		if want := t0.Add(60 * time.Second); !slots[i].Equal(want) {
			t.Errorf("call %d: expected slot at +60s, got +%v", i+1, slots[i].Sub(t0))
		}
	}

	for _, at := range []time.Duration{0, 30 * time.Second, 59 * time.Second, 60 * time.Second, 90 * time.Second} {
		if n := l.InWindow(t0.Add(at)); n > 10 {
			t.Errorf("window ending at +%v holds %d calls", at, n)
		}
	}
}

func TestSlidingWindowNeverExceedsLimit(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	l := New(3, 10*time.Second)

	// bursty arrivals at irregular times
	arrivals := []time.Duration{0, 0, 1, 2, 2, 3, 11, 11, 12, 25, 25, 25, 25}
	var slots []time.Time
	for _, a := range arrivals {
		slots = append(slots, l.reserve(t0.Add(a*time.Second)))
	}
	for i := 3; i < len(slots); i++ {
		if gap := slots[i].Sub(slots[i-3]); gap < 10*time.Second {
			t.Errorf("calls %d and %d only %v apart", i-3, i, gap)
		}
	}
}

func TestSlidingWindowReserveWaits(t *testing.T) {
	l := New(2, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Reserve(ctx); err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
	}
	if took := time.Since(start); took < 45*time.Millisecond {
		t.Errorf("third call should wait for the window, took %v", took)
	}
}

func TestSlidingWindowCancelReleasesSlot(t *testing.T) {
	l := New(1, time.Hour)
	if err := l.Reserve(context.Background()); err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Reserve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	l.mu.Lock()
	n := len(l.slots)
	l.mu.Unlock()
	if n != 1 {
		t.Errorf("cancelled reservation kept its slot: %d slots", n)
	}
}

func TestSlidingWindowConcurrentCallers(t *testing.T) {
	var mu sync.Mutex
	var waited int
	l := New(5, 200*time.Millisecond, WithWaitObserver(func(time.Duration) {
		mu.Lock()
		waited++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(context.Background()); err != nil {
				t.Errorf("Reserve failed: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters starved")
	}

	mu.Lock()
	defer mu.Unlock()
	if waited != 7 {
		t.Errorf("expected 7 delayed callers, got %d", waited)
	}
}

func TestSlidingWindowDisabled(t *testing.T) {
	l := New(0, time.Second)
	for i := 0; i < 100; i++ {
		if err := l.Reserve(context.Background()); err != nil {
			t.Fatalf("disabled limiter returned %v", err)
		}
	}
}
