package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

type staticSource struct {
	mu      sync.Mutex
	symbols []string
	err     error
}

func (s *staticSource) TradableSymbols(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.symbols...), nil
}

type fakePager struct {
	max    int
	reject map[string]bool // rejected synchronously

	mu      sync.Mutex
	calls   [][]string
	handles []*fakeHandle
	data    []func(model.Ticker)
	status  []port.StatusFunc
}

func (f *fakePager) MaxSymbolsPerStream() int { return f.max }

func (f *fakePager) SubscribeTickers(ctx context.Context, symbols []string, onData func(model.Ticker), onStatus port.StatusFunc) (port.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	var bad []string
	for _, s := range symbols {
		if f.reject[s] {
			bad = append(bad, s)
		}
	}
	if len(bad) > 0 {
		return nil, &port.UnknownSymbolError{Venue: model.VenueBybit, Symbols: bad}
	}
	h := &fakeHandle{}
	f.handles = append(f.handles, h)
	f.data = append(f.data, onData)
	f.status = append(f.status, onStatus)
	return h, nil
}

func (f *fakePager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePager) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func symbolSet(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%03dUSDT", i)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type tickerRecorder struct {
	mu      sync.Mutex
	tickers []string
	events  []port.StatusEvent
}

func (r *tickerRecorder) onData(t model.Ticker) {
	r.mu.Lock()
	r.tickers = append(r.tickers, t.Symbol)
	r.mu.Unlock()
}

func (r *tickerRecorder) onStatus(ev port.StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *tickerRecorder) statusKinds() []port.StatusKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]port.StatusKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func allTickersKey() model.SubscriptionKey {
	return model.SubscriptionKey{Topic: model.TopicTicker, Venue: model.VenueBybit, Target: model.AllSymbols}
}

func newPagedRegistry(t *testing.T, symbols []string, pager *fakePager) *Registry[model.SubscriptionKey, model.Ticker] {
	t.Helper()
	catalog := NewSymbolCatalog(time.Minute, nil)
	catalog.Register(model.VenueBybit, &staticSource{symbols: symbols})
	opener := NewPagedTickerOpener(model.VenueBybit, pager, catalog)
	return NewRegistry[model.SubscriptionKey, model.Ticker]("ticker", opener.Open)
}

func TestSplitPages(t *testing.T) {
	pages := SplitPages(symbolSet(120), 50)
	if len(pages) != 3 || len(pages[0]) != 50 || len(pages[1]) != 50 || len(pages[2]) != 20 {
		t.Fatalf("unexpected page sizes: %d pages", len(pages))
	}
	if got := SplitPages(symbolSet(3), 0); len(got) != 1 || len(got[0]) != 3 {
		t.Errorf("size 0 should yield one page, got %v", got)
	}
}

func TestPagedOpenerRecoversUnknownSymbol(t *testing.T) {
	symbols := symbolSet(50)
	bad := symbols[17]
	pager := &fakePager{max: 50}
	reg := newPagedRegistry(t, symbols, pager)
	rec := &tickerRecorder{}

	if _, err := reg.Subscribe(context.Background(), "c1", allTickersKey(), rec.onData, rec.onStatus); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if pager.callCount() != 1 || len(pager.call(0)) != 50 {
		t.Fatalf("expected one 50-symbol page, got %d calls", pager.callCount())
	}

	pager.mu.Lock()
	firstHandle, firstStatus := pager.handles[0], pager.status[0]
	pager.mu.Unlock()
	firstStatus(port.StatusEvent{Kind: port.StatusError, Err: &port.UnknownSymbolError{Venue: model.VenueBybit, Symbols: []string{bad}}})

	waitFor(t, "resubscribe", func() bool { return pager.callCount() == 2 })
	waitFor(t, "recovery status events", func() bool { return len(rec.statusKinds()) == 3 })

	second := pager.call(1)
	if len(second) != 49 || slices.Contains(second, bad) {
		t.Fatalf("expected 49 symbols without %s, got %d", bad, len(second))
	}
	if firstHandle.closes.Load() != 1 {
		t.Errorf("rejected page handle not closed once: %d", firstHandle.closes.Load())
	}

	pager.mu.Lock()
	push := pager.data[1]
	pager.mu.Unlock()
	push(model.Ticker{Venue: model.VenueBybit, Symbol: second[0]})
	rec.mu.Lock()
	got := append([]string(nil), rec.tickers...)
	rec.mu.Unlock()
	if len(got) != 1 || got[0] != second[0] {
		t.Errorf("expected delivery through the reopened page, got %v", got)
	}

	// the closed page's late events are ignored
	pager.mu.Lock()
	stalePush := pager.data[0]
	pager.mu.Unlock()
	stalePush(model.Ticker{Venue: model.VenueBybit, Symbol: bad})
	rec.mu.Lock()
	delivered := len(rec.tickers)
	rec.mu.Unlock()
	if delivered != 1 {
		t.Errorf("ticker from the rejected page delivered after recovery")
	}
	before := len(rec.statusKinds())
	firstStatus(port.StatusEvent{Kind: port.StatusInterrupted})
	if after := len(rec.statusKinds()); after != before {
		t.Errorf("stale page status forwarded")
	}

	kinds := rec.statusKinds()
	want := []port.StatusKind{port.StatusInterrupted, port.StatusRestored, port.StatusError}
	if !slices.Equal(kinds, want) {
		t.Errorf("unexpected status sequence %v, want %v", kinds, want)
	}
	if st, _ := reg.StateOf(allTickersKey()); st != StateActive {
		t.Errorf("expected active after recovery, got %s", st)
	}
}

func TestPagedOpenerRecoveryLeavesOtherPages(t *testing.T) {
	symbols := symbolSet(120)
	pager := &fakePager{max: 50}
	reg := newPagedRegistry(t, symbols, pager)
	rec := &tickerRecorder{}

	if _, err := reg.Subscribe(context.Background(), "c1", allTickersKey(), rec.onData, rec.onStatus); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if pager.callCount() != 3 {
		t.Fatalf("expected 3 pages, got %d", pager.callCount())
	}

	pager.mu.Lock()
	handles := append([]*fakeHandle(nil), pager.handles...)
	midStatus := pager.status[1]
	pager.mu.Unlock()
	midStatus(port.StatusEvent{Kind: port.StatusError, Err: &port.UnknownSymbolError{Symbols: []string{symbols[60]}}})

	waitFor(t, "resubscribe", func() bool { return pager.callCount() == 4 })
	if handles[0].closes.Load() != 0 || handles[2].closes.Load() != 0 {
		t.Error("healthy pages were closed")
	}
	if handles[1].closes.Load() != 1 {
		t.Error("failing page not closed")
	}
	waitFor(t, "status events", func() bool { return len(rec.statusKinds()) == 3 })
	rec.mu.Lock()
	interrupted := rec.events[0].Symbols
	rec.mu.Unlock()
	if len(interrupted) != 50 || interrupted[0] != symbols[50] {
		t.Errorf("interrupt should name only the failing page's symbols, got %d", len(interrupted))
	}
}

func TestPagedOpenerSynchronousRejection(t *testing.T) {
	symbols := symbolSet(10)
	pager := &fakePager{max: 50, reject: map[string]bool{symbols[3]: true}}
	reg := newPagedRegistry(t, symbols, pager)
	rec := &tickerRecorder{}

	if _, err := reg.Subscribe(context.Background(), "c1", allTickersKey(), rec.onData, rec.onStatus); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if pager.callCount() != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d", pager.callCount())
	}
	if retry := pager.call(1); len(retry) != 9 || slices.Contains(retry, symbols[3]) {
		t.Errorf("retry should exclude rejected symbol, got %v", retry)
	}
}

func TestPagedOpenerDropsWhenRecoveryFails(t *testing.T) {
	symbols := symbolSet(4)
	// every symbol rejected: the retry fails too and the page is dropped
	pager := &fakePager{max: 50, reject: map[string]bool{symbols[0]: true, symbols[1]: true, symbols[2]: true, symbols[3]: true}}
	reg := newPagedRegistry(t, symbols, pager)
	rec := &tickerRecorder{}

	if _, err := reg.Subscribe(context.Background(), "c1", allTickersKey(), rec.onData, rec.onStatus); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if pager.callCount() != 1 {
		t.Errorf("expected no retry once every symbol is rejected, got %d calls", pager.callCount())
	}
	kinds := rec.statusKinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != port.StatusError {
		t.Errorf("expected a final error status, got %v", kinds)
	}
}

func TestPagedStreamPagesTrackRecovery(t *testing.T) {
	symbols := symbolSet(7)
	pager := &fakePager{max: 3}
	catalog := NewSymbolCatalog(time.Minute, nil)
	catalog.Register(model.VenueBybit, &staticSource{symbols: symbols})
	opener := NewPagedTickerOpener(model.VenueBybit, pager, catalog)

	h, err := opener.Open(context.Background(), allTickersKey(), func(model.Ticker) {}, func(port.StatusEvent) {})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()
	ps := h.(*pagedStream)

	pages := ps.Pages()
	if len(pages) != 3 || len(pages[0]) != 3 || len(pages[2]) != 1 {
		t.Fatalf("pages = %v", pages)
	}

	pager.mu.Lock()
	status := pager.status[0]
	pager.mu.Unlock()
	status(port.StatusEvent{Kind: port.StatusError, Err: &port.UnknownSymbolError{Symbols: []string{symbols[1]}}})
	waitFor(t, "page reopened", func() bool { return pager.callCount() == 4 })

	waitFor(t, "page without the rejected symbol", func() bool {
		first := ps.Pages()[0]
		return len(first) == 2 && !slices.Contains(first, symbols[1])
	})
	if got := ps.Pages()[1]; !slices.Equal(got, symbols[3:6]) {
		t.Errorf("other page changed: %v", got)
	}
}

func TestPagedOpenerRejectsSingleSymbolKey(t *testing.T) {
	pager := &fakePager{max: 50}
	catalog := NewSymbolCatalog(time.Minute, nil)
	opener := NewPagedTickerOpener(model.VenueBybit, pager, catalog)
	key := model.SubscriptionKey{Topic: model.TopicTicker, Venue: model.VenueBybit, Target: "BTCUSDT"}
	if _, err := opener.Open(context.Background(), key, func(model.Ticker) {}, func(port.StatusEvent) {}); err == nil {
		t.Fatal("expected error for non-wildcard key")
	}
}

func TestSymbolCatalog(t *testing.T) {
	src := &staticSource{symbols: []string{"ethusdt", "BTCUSDT", "SOLUSDT", "BTCUSDT"}}
	c := NewSymbolCatalog(time.Minute, []string{"BTCUSDT", "ETHUSDT"})
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	c.Register(model.VenueBinance, src)

	got, err := c.Symbols(context.Background(), model.VenueBinance)
	if err != nil {
		t.Fatalf("Symbols failed: %v", err)
	}
	if !slices.Equal(got, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Errorf("unexpected symbols %v", got)
	}

	valid, unknown := c.Validate(model.VenueBinance, []string{"SOLUSDT", "XYZUSDT"})
	if !slices.Equal(valid, []string{"SOLUSDT"}) || !slices.Equal(unknown, []string{"XYZUSDT"}) {
		t.Errorf("Validate: valid=%v unknown=%v", valid, unknown)
	}

	// stale snapshot with a failing source keeps serving the last one
	src.mu.Lock()
	src.err = errors.New("rest down")
	src.mu.Unlock()
	now = now.Add(2 * time.Minute)
	if got, err := c.Symbols(context.Background(), model.VenueBinance); err != nil || len(got) != 2 {
		t.Errorf("expected stale snapshot, got %v err=%v", got, err)
	}

	if _, err := c.Symbols(context.Background(), model.VenueOKX); err == nil {
		t.Error("expected error for unregistered venue")
	}
	if valid, _ := c.Validate(model.VenueOKX, []string{"A"}); len(valid) != 1 {
		t.Error("no snapshot should validate everything")
	}
}
