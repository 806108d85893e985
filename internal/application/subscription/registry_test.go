package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xfeed/internal/application/port"
)

type fakeHandle struct {
	closes atomic.Int32
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

type fakeOpener struct {
	delay time.Duration
	err   error

	mu      sync.Mutex
	opens   int
	handles map[string]*fakeHandle
	data    map[string]func(int)
	status  map[string]port.StatusFunc
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		handles: make(map[string]*fakeHandle),
		data:    make(map[string]func(int)),
		status:  make(map[string]port.StatusFunc),
	}
}

func (f *fakeOpener) open(ctx context.Context, key string, onData func(int), onStatus port.StatusFunc) (port.Handle, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	h := &fakeHandle{}
	f.handles[key] = h
	f.data[key] = onData
	f.status[key] = onStatus
	return h, nil
}

func (f *fakeOpener) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeOpener) push(key string, v int) {
	f.mu.Lock()
	fn := f.data[key]
	f.mu.Unlock()
	fn(v)
}

func (f *fakeOpener) pushStatus(key string, kind port.StatusKind) {
	f.mu.Lock()
	fn := f.status[key]
	f.mu.Unlock()
	fn(port.StatusEvent{Kind: kind})
}

type recorder struct {
	mu     sync.Mutex
	data   []int
	status []port.StatusKind
}

func (r *recorder) onData(v int) {
	r.mu.Lock()
	r.data = append(r.data, v)
	r.mu.Unlock()
}

func (r *recorder) onStatus(ev port.StatusEvent) {
	r.mu.Lock()
	r.status = append(r.status, ev.Kind)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]int, []port.StatusKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.data...), append([]port.StatusKind(nil), r.status...)
}

func TestRegistryConcurrentSubscribeOpensOnce(t *testing.T) {
	op := newFakeOpener()
	op.delay = 20 * time.Millisecond
	reg := NewRegistry[string, int]("ticker", op.open)

	const n = 50
	var wg sync.WaitGroup
	var opened atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := reg.Subscribe(context.Background(), fmt.Sprintf("c%d", i), "BTCUSDT", func(int) {}, nil)
			if err != nil {
				errs <- err
				return
			}
			if ack.Opened {
				opened.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if got := op.openCount(); got != 1 {
		t.Fatalf("expected 1 upstream open, got %d", got)
	}
	if got := opened.Load(); got != 1 {
		t.Errorf("expected exactly one Opened ack, got %d", got)
	}
	if got := reg.RefCount("BTCUSDT"); got != n {
		t.Errorf("expected refcount %d, got %d", n, got)
	}
	if got := reg.Count(); got != 1 {
		t.Errorf("expected 1 upstream, got %d", got)
	}
}

func TestRegistryLastUnsubscribeClosesOnce(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("ticker", op.open)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		if _, err := reg.Subscribe(ctx, c, "ETHUSDT", func(int) {}, nil); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", c, err)
		}
	}
	h := op.handles["ETHUSDT"]

	reg.Unsubscribe("a", "ETHUSDT")
	reg.Unsubscribe("b", "ETHUSDT")
	if got := h.closes.Load(); got != 0 {
		t.Fatalf("upstream closed with a registration left: closes=%d", got)
	}
	if got := reg.RefCount("ETHUSDT"); got != 1 {
		t.Fatalf("expected refcount 1, got %d", got)
	}

	if !reg.Unsubscribe("c", "ETHUSDT") {
		t.Fatal("expected last Unsubscribe to remove a registration")
	}
	if reg.Unsubscribe("c", "ETHUSDT") {
		t.Error("second Unsubscribe should be a no-op")
	}
	reg.UnsubscribeAll("c")

	if got := h.closes.Load(); got != 1 {
		t.Errorf("expected exactly one close, got %d", got)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("expected no upstreams, got %d", got)
	}
	if _, ok := reg.StateOf("ETHUSDT"); ok {
		t.Error("closed upstream still reported")
	}
}

func TestRegistryOpenErrorLeavesNoState(t *testing.T) {
	op := newFakeOpener()
	boom := errors.New("dial refused")
	op.err = boom
	reg := NewRegistry[string, int]("ticker", op.open)

	_, err := reg.Subscribe(context.Background(), "a", "BTCUSDT", func(int) {}, nil)
	if err != boom {
		t.Fatalf("expected opener error untouched, got %v", err)
	}
	if reg.Count() != 0 || reg.Registrations() != 0 {
		t.Fatalf("failed open left state: upstreams=%d registrations=%d", reg.Count(), reg.Registrations())
	}

	op.mu.Lock()
	op.err = nil
	op.mu.Unlock()
	ack, err := reg.Subscribe(context.Background(), "a", "BTCUSDT", func(int) {}, nil)
	if err != nil {
		t.Fatalf("retry Subscribe failed: %v", err)
	}
	if !ack.Opened || op.openCount() != 2 {
		t.Errorf("expected retry to open a fresh upstream, ack=%+v opens=%d", ack, op.openCount())
	}
}

func TestRegistrySubscribeCancelledDuringOpen(t *testing.T) {
	op := newFakeOpener()
	op.delay = time.Second
	reg := NewRegistry[string, int]("ticker", op.open)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Subscribe(ctx, "a", "BTCUSDT", func(int) {}, nil)
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("cancelled open left an upstream")
	}
}

func TestRegistryDuplicateSubscribeIsIdempotent(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("trade", op.open)
	rec := &recorder{}
	ctx := context.Background()

	if _, err := reg.Subscribe(ctx, "a", "BTCUSDT", rec.onData, rec.onStatus); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	ack, err := reg.Subscribe(ctx, "a", "BTCUSDT", rec.onData, rec.onStatus)
	if err != nil {
		t.Fatalf("duplicate Subscribe failed: %v", err)
	}
	if !ack.Duplicate || ack.RefCount != 1 {
		t.Errorf("expected duplicate ack with refcount 1, got %+v", ack)
	}

	op.push("BTCUSDT", 7)
	data, _ := rec.snapshot()
	if len(data) != 1 {
		t.Errorf("expected one delivery, got %v", data)
	}
}

func TestRegistryStatusNotReplayedToLaterSubscriber(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("orderbook", op.open)
	a, b := &recorder{}, &recorder{}
	ctx := context.Background()

	if _, err := reg.Subscribe(ctx, "a", "BTCUSDT", a.onData, a.onStatus); err != nil {
		t.Fatalf("Subscribe(a) failed: %v", err)
	}
	op.pushStatus("BTCUSDT", port.StatusInterrupted)
	if st, _ := reg.StateOf("BTCUSDT"); st != StateInterrupted {
		t.Errorf("expected interrupted state, got %s", st)
	}

	if _, err := reg.Subscribe(ctx, "b", "BTCUSDT", b.onData, b.onStatus); err != nil {
		t.Fatalf("Subscribe(b) failed: %v", err)
	}
	op.pushStatus("BTCUSDT", port.StatusRestored)

	_, aStatus := a.snapshot()
	_, bStatus := b.snapshot()
	if len(aStatus) != 2 || aStatus[0] != port.StatusInterrupted || aStatus[1] != port.StatusRestored {
		t.Errorf("a: unexpected status sequence %v", aStatus)
	}
	if len(bStatus) != 1 || bStatus[0] != port.StatusRestored {
		t.Errorf("b: expected only the later event, got %v", bStatus)
	}
	if st, _ := reg.StateOf("BTCUSDT"); st != StateActive {
		t.Errorf("expected active state after restore, got %s", st)
	}
}

func TestRegistryLastErrorRecordsErrorStatus(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("ticker", op.open)
	rec := &recorder{}

	if _, err := reg.Subscribe(context.Background(), "a", "BTCUSDT", rec.onData, rec.onStatus); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := reg.LastError("BTCUSDT"); err != nil {
		t.Fatalf("fresh upstream has error %v", err)
	}

	op.mu.Lock()
	fn := op.status["BTCUSDT"]
	op.mu.Unlock()
	fn(port.StatusEvent{Kind: port.StatusError, Err: port.ErrUnauthorized})

	if err := reg.LastError("BTCUSDT"); !errors.Is(err, port.ErrUnauthorized) {
		t.Errorf("LastError = %v", err)
	}
	if st, _ := reg.StateOf("BTCUSDT"); st != StateActive {
		t.Errorf("error status changed state to %s", st)
	}
	if reg.LastError("ETHUSDT") != nil {
		t.Error("unknown key reported an error")
	}
}

func TestRegistryTeardownKeepsSharedKey(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("ticker", op.open)
	ctx := context.Background()

	for _, sub := range []struct{ conn, key string }{
		{"c1", "K1"}, {"c1", "K2"}, {"c2", "K1"},
	} {
		if _, err := reg.Subscribe(ctx, sub.conn, sub.key, func(int) {}, nil); err != nil {
			t.Fatalf("Subscribe(%s,%s) failed: %v", sub.conn, sub.key, err)
		}
	}

	if n := reg.UnsubscribeAll("c1"); n != 2 {
		t.Errorf("expected 2 registrations removed, got %d", n)
	}
	if got := op.handles["K1"].closes.Load(); got != 0 {
		t.Errorf("shared K1 closed: closes=%d", got)
	}
	if got := op.handles["K2"].closes.Load(); got != 1 {
		t.Errorf("exclusive K2 not closed once: closes=%d", got)
	}
	if got := reg.RefCount("K1"); got != 1 {
		t.Errorf("expected K1 refcount 1, got %d", got)
	}
}

func TestRegistryCallbackMayUnsubscribeItself(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("trade", op.open)

	var calls atomic.Int32
	onData := func(int) {
		calls.Add(1)
		reg.Unsubscribe("a", "BTCUSDT")
	}
	if _, err := reg.Subscribe(context.Background(), "a", "BTCUSDT", onData, nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		op.push("BTCUSDT", 1)
		op.push("BTCUSDT", 2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant unsubscribe deadlocked")
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("expected no delivery after removal, got %d calls", got)
	}
	if got := op.handles["BTCUSDT"].closes.Load(); got != 1 {
		t.Errorf("expected upstream closed once, got %d", got)
	}
}

func TestRegistryCloseStopsAll(t *testing.T) {
	op := newFakeOpener()
	reg := NewRegistry[string, int]("ticker", op.open)
	rec := &recorder{}
	ctx := context.Background()

	for _, k := range []string{"A", "B"} {
		if _, err := reg.Subscribe(ctx, "c", k, rec.onData, rec.onStatus); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", k, err)
		}
	}
	reg.Close()

	op.push("A", 1)
	if data, _ := rec.snapshot(); len(data) != 0 {
		t.Errorf("delivery after Close: %v", data)
	}
	for k, h := range op.handles {
		if h.closes.Load() != 1 {
			t.Errorf("%s: expected one close, got %d", k, h.closes.Load())
		}
	}
	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Count())
	}
}
