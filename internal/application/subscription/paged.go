package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

// PagedTickerOpener opens an AllSymbols ticker key as several symbol-set
// streams, each bounded by the venue's max symbols per subscription.
type PagedTickerOpener struct {
	venue   model.Venue
	pager   port.TickerPager
	catalog *SymbolCatalog
}

func NewPagedTickerOpener(venue model.Venue, pager port.TickerPager, catalog *SymbolCatalog) *PagedTickerOpener {
	return &PagedTickerOpener{venue: venue, pager: pager, catalog: catalog}
}

// Open satisfies port.Opener for model.SubscriptionKey / model.Ticker.
func (p *PagedTickerOpener) Open(ctx context.Context, key model.SubscriptionKey, onData func(model.Ticker), onStatus port.StatusFunc) (port.Handle, error) {
	if key.Target != model.AllSymbols {
		return nil, fmt.Errorf("paged opener: target %q is not %q", key.Target, model.AllSymbols)
	}
	symbols, err := p.catalog.Symbols(ctx, p.venue)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%s: no tradable symbols", p.venue)
	}

	ps := &pagedStream{
		ctx:      ctx,
		opener:   p,
		topic:    key.Topic,
		onData:   onData,
		onStatus: onStatus,
	}
	for i, chunk := range SplitPages(symbols, p.pager.MaxSymbolsPerStream()) {
		pg := &page{index: i, owner: ps}
		if err := pg.open(chunk); err != nil {
			ps.Close()
			return nil, err
		}
		ps.pages = append(ps.pages, pg)
	}
	log.Info().Str("venue", p.venue.String()).Int("symbols", len(symbols)).Int("pages", len(ps.pages)).Msg("paged ticker stream opened")
	return ps, nil
}

// SplitPages chunks symbols into pages of at most size entries.
func SplitPages(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var pages [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		pages = append(pages, symbols[start:end])
	}
	return pages
}

type pagedStream struct {
	ctx      context.Context
	opener   *PagedTickerOpener
	topic    model.Topic
	onData   func(model.Ticker)
	onStatus port.StatusFunc

	pages []*page
}

func (ps *pagedStream) Close() error {
	var errs []error
	for _, pg := range ps.pages {
		if err := pg.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pages reports the symbols currently covered by each page.
func (ps *pagedStream) Pages() [][]string {
	out := make([][]string, 0, len(ps.pages))
	for _, pg := range ps.pages {
		out = append(out, pg.current())
	}
	return out
}

type page struct {
	index int
	owner *pagedStream

	mu      sync.Mutex
	symbols []string
	handle  port.Handle
	gen     int // bumped on every reopen so stale handles' events are ignored
	closed  bool

	// live is the gen whose data is delivered, 0 while no handle is open.
	// Data callbacks read it without the page lock.
	live atomic.Int64
}

func (pg *page) current() []string {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return append([]string(nil), pg.symbols...)
}

// open subscribes chunk. A synchronous unknown-symbol rejection goes through
// the same recovery as an asynchronous one.
func (pg *page) open(chunk []string) error {
	pg.mu.Lock()
	err := pg.subscribeLocked(chunk)
	bad, unknown := port.UnknownSymbols(err)
	var events []port.StatusEvent
	if unknown {
		events = pg.recoverLocked(bad)
	}
	pg.mu.Unlock()

	pg.emit(events)
	if unknown {
		return nil
	}
	return err
}

func (pg *page) subscribeLocked(chunk []string) error {
	ps := pg.owner
	pg.gen++
	gen := pg.gen
	pg.symbols = append([]string(nil), chunk...)
	pg.live.Store(int64(gen))
	onData := func(t model.Ticker) {
		if pg.live.Load() == int64(gen) {
			ps.onData(t)
		}
	}
	h, err := ps.opener.pager.SubscribeTickers(ps.ctx, chunk, onData, func(ev port.StatusEvent) {
		pg.handleStatus(gen, ev)
	})
	if err != nil {
		pg.live.Store(0)
		return err
	}
	pg.handle = h
	return nil
}

func (pg *page) emit(events []port.StatusEvent) {
	for _, ev := range events {
		pg.owner.onStatus(ev)
	}
}

func (pg *page) handleStatus(gen int, ev port.StatusEvent) {
	pg.mu.Lock()
	if pg.closed || gen != pg.gen {
		pg.mu.Unlock()
		return
	}
	if ev.Kind == port.StatusError {
		if bad, ok := port.UnknownSymbols(ev.Err); ok {
			// closing the handle from the stream's own goroutine would wait on itself
			pg.mu.Unlock()
			go pg.recover(gen, bad)
			return
		}
	}
	if len(ev.Symbols) == 0 {
		ev.Symbols = append([]string(nil), pg.symbols...)
	}
	pg.mu.Unlock()
	pg.owner.onStatus(ev)
}

func (pg *page) recover(gen int, bad []string) {
	pg.mu.Lock()
	if pg.closed || gen != pg.gen {
		pg.mu.Unlock()
		return
	}
	events := pg.recoverLocked(bad)
	pg.mu.Unlock()
	pg.emit(events)
}

// recoverLocked closes the page, drops the rejected symbols, revalidates the
// rest against the last tradable snapshot and reopens once. If the reopen
// fails the remaining symbols are dropped as well. The returned events are
// emitted by the caller after releasing the page lock.
func (pg *page) recoverLocked(bad []string) []port.StatusEvent {
	ps := pg.owner
	venue := ps.opener.venue
	affected := pg.symbols
	now := time.Now()
	pg.live.Store(0)

	if pg.handle != nil {
		if err := pg.handle.Close(); err != nil {
			log.Warn().Err(err).Str("venue", venue.String()).Int("page", pg.index).Msg("close rejected page failed")
		}
		pg.handle = nil
	}
	events := []port.StatusEvent{{Kind: port.StatusInterrupted, Venue: venue, Topic: ps.topic, Symbols: affected, Time: now}}

	drop := make(map[string]struct{}, len(bad))
	for _, s := range bad {
		drop[s] = struct{}{}
	}
	var kept []string
	for _, s := range affected {
		if _, ok := drop[s]; !ok {
			kept = append(kept, s)
		}
	}
	valid, unknown := ps.opener.catalog.Validate(venue, kept)
	dropped := append(append([]string(nil), bad...), unknown...)

	log.Warn().Str("venue", venue.String()).Int("page", pg.index).
		Strs("dropped", dropped).Int("remaining", len(valid)).
		Msg("resubscribing page without unknown symbols")

	rejected := port.StatusEvent{Kind: port.StatusError, Venue: venue, Topic: ps.topic, Symbols: dropped,
		Err: &port.UnknownSymbolError{Venue: venue, Symbols: dropped}, Time: now}

	if len(valid) == 0 {
		pg.symbols = nil
		return append(events, rejected)
	}
	if err := pg.subscribeLocked(valid); err != nil {
		log.Error().Err(err).Str("venue", venue.String()).Int("page", pg.index).
			Strs("symbols", valid).Msg("page recovery failed, dropping symbols")
		pg.symbols = nil
		return append(events, port.StatusEvent{Kind: port.StatusError, Venue: venue, Topic: ps.topic,
			Symbols: append(dropped, valid...), Err: err, Time: now})
	}
	return append(events,
		port.StatusEvent{Kind: port.StatusRestored, Venue: venue, Topic: ps.topic, Symbols: valid, Time: now},
		rejected)
}

func (pg *page) close() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.closed = true
	pg.live.Store(0)
	if pg.handle == nil {
		return nil
	}
	err := pg.handle.Close()
	pg.handle = nil
	return err
}
