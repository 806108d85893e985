package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []map[string]int
	fail    bool
	gate    chan struct{} // when set, flush blocks until closed
}

func (f *flushRecorder) flush(ctx context.Context, batch map[string]int) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if f.fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func sum(old, upd int) int { return old + upd }

func TestBatcherMergesPendingKey(t *testing.T) {
	rec := &flushRecorder{}
	b := New[string, int]("test", time.Hour, sum, rec.flush)

	b.Add("k", 1)
	b.Add("k", 2)
	b.Add("j", 5)
	if b.Pending() != 2 {
		t.Fatalf("expected 2 pending keys, got %d", b.Pending())
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected one flush, got %d", rec.count())
	}
	got := rec.batches[0]
	if len(got) != 2 || got["k"] != 3 || got["j"] != 5 {
		t.Errorf("unexpected batch %v", got)
	}
}

func TestBatcherDefaultMergeReplaces(t *testing.T) {
	rec := &flushRecorder{}
	b := New[string, int]("test", time.Hour, nil, rec.flush)
	b.Add("k", 1)
	b.Add("k", 9)
	_ = b.Flush(context.Background())
	if rec.batches[0]["k"] != 9 {
		t.Errorf("expected newest value, got %d", rec.batches[0]["k"])
	}
}

func TestBatcherAddAfterFlushStartsFreshBatch(t *testing.T) {
	rec := &flushRecorder{}
	b := New[string, int]("test", time.Hour, sum, rec.flush)
	ctx := context.Background()

	b.Add("k", 1)
	_ = b.Flush(ctx)
	b.Add("k", 10)
	_ = b.Flush(ctx)

	if rec.count() != 2 {
		t.Fatalf("expected two flushes, got %d", rec.count())
	}
	if rec.batches[1]["k"] != 10 {
		t.Errorf("second batch merged with the first: %v", rec.batches[1])
	}
	if err := b.Flush(ctx); err != nil || rec.count() != 2 {
		t.Errorf("empty window should not call flush")
	}
}

func TestBatcherAddDuringFlushGoesToNextWindow(t *testing.T) {
	rec := &flushRecorder{gate: make(chan struct{})}
	b := New[string, int]("test", time.Hour, sum, rec.flush)
	ctx := context.Background()

	b.Add("k", 1)
	done := make(chan struct{})
	go func() {
		_ = b.Flush(ctx)
		close(done)
	}()

	// the in-flight flush has already detached its window
	deadline := time.After(time.Second)
	for b.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatal("flush never started")
		case <-time.After(time.Millisecond):
		}
	}
	b.Add("k", 100)
	close(rec.gate)
	<-done

	if rec.batches[0]["k"] != 1 {
		t.Errorf("in-flight batch changed: %v", rec.batches[0])
	}
	if b.Pending() != 1 {
		t.Errorf("expected the late add to stay pending")
	}
}

func TestBatcherFailureKeepsTimerRunning(t *testing.T) {
	rec := &flushRecorder{fail: true}
	b := New[string, int]("test", 10*time.Millisecond, sum, rec.flush)
	var observed []error
	var mu sync.Mutex
	b.SetObserver(func(_ string, _ int, _ time.Duration, err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	})
	b.Start(context.Background())
	defer b.Stop(context.Background())

	b.Add("a", 1)
	waitForFlushes(t, rec, 1)
	b.Add("b", 2)
	waitForFlushes(t, rec, 2)

	st := b.Stats()
	if st.Failures < 2 || st.Items != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) < 2 || observed[0] == nil {
		t.Errorf("observer did not see failures: %v", observed)
	}
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	rec := &flushRecorder{}
	b := New[string, int]("test", time.Hour, sum, rec.flush)
	b.Start(context.Background())

	b.Add("k", 4)
	b.Stop(context.Background())
	b.Stop(context.Background())

	if rec.count() != 1 || rec.batches[0]["k"] != 4 {
		t.Errorf("expected final flush with pending value, got %v", rec.batches)
	}
}

func TestBatcherFlushPanicIsContained(t *testing.T) {
	b := New[string, int]("test", time.Hour, nil, func(context.Context, map[string]int) error {
		panic("boom")
	})
	b.Add("k", 1)
	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("expected panic converted to error")
	}
	if b.Stats().Failures != 1 {
		t.Errorf("panic not counted as failure")
	}
}

func waitForFlushes(t *testing.T, rec *flushRecorder, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for rec.count() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d flushes", n)
		case <-time.After(2 * time.Millisecond):
		}
	}
}
