package subscription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

type symbolSnapshot struct {
	symbols []string
	set     map[string]struct{}
	at      time.Time
}

// SymbolCatalog caches each venue's tradable-symbol list.
type SymbolCatalog struct {
	ttl      time.Duration
	universe map[string]struct{}
	now      func() time.Time

	mu      sync.RWMutex
	sources map[model.Venue]port.SymbolSource
	snaps   map[model.Venue]symbolSnapshot
}

// NewSymbolCatalog creates a catalog whose snapshots are refreshed once older
// than ttl. A non-empty universe restricts AllSymbols resolution to those symbols.
func NewSymbolCatalog(ttl time.Duration, universe []string) *SymbolCatalog {
	c := &SymbolCatalog{
		ttl:     ttl,
		now:     time.Now,
		sources: make(map[model.Venue]port.SymbolSource),
		snaps:   make(map[model.Venue]symbolSnapshot),
	}
	if len(universe) > 0 {
		c.universe = make(map[string]struct{}, len(universe))
		for _, s := range universe {
			c.universe[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
		}
	}
	return c
}

// Register binds venue to its symbol source.
func (c *SymbolCatalog) Register(venue model.Venue, src port.SymbolSource) {
	c.mu.Lock()
	c.sources[venue] = src
	c.mu.Unlock()
}

// Refresh fetches venue's tradable list and replaces the snapshot.
func (c *SymbolCatalog) Refresh(ctx context.Context, venue model.Venue) error {
	c.mu.RLock()
	src, ok := c.sources[venue]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no symbol source for %s", venue)
	}

	symbols, err := src.TradableSymbols(ctx)
	if err != nil {
		return fmt.Errorf("fetch %s tradable symbols: %w", venue, err)
	}

	snap := symbolSnapshot{set: make(map[string]struct{}, len(symbols)), at: c.now()}
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if _, dup := snap.set[s]; dup {
			continue
		}
		snap.set[s] = struct{}{}
		snap.symbols = append(snap.symbols, s)
	}
	sort.Strings(snap.symbols)

	c.mu.Lock()
	c.snaps[venue] = snap
	c.mu.Unlock()

	log.Debug().Str("venue", venue.String()).Int("symbols", len(snap.symbols)).Msg("tradable symbols refreshed")
	return nil
}

// Symbols returns venue's tradable symbols, filtered by the universe. A stale
// snapshot is refreshed; if that fails the last known snapshot is served.
func (c *SymbolCatalog) Symbols(ctx context.Context, venue model.Venue) ([]string, error) {
	c.mu.RLock()
	snap, ok := c.snaps[venue]
	c.mu.RUnlock()

	if !ok || c.now().Sub(snap.at) > c.ttl {
		if err := c.Refresh(ctx, venue); err != nil {
			if !ok {
				return nil, err
			}
			log.Warn().Err(err).Str("venue", venue.String()).Msg("serving stale tradable symbols")
		} else {
			c.mu.RLock()
			snap = c.snaps[venue]
			c.mu.RUnlock()
		}
	}

	out := make([]string, 0, len(snap.symbols))
	for _, s := range snap.symbols {
		if c.universe != nil {
			if _, ok := c.universe[s]; !ok {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Validate splits symbols by membership in the last known snapshot. Without
// a snapshot nothing can be ruled out and every symbol is returned as valid.
func (c *SymbolCatalog) Validate(venue model.Venue, symbols []string) (valid, unknown []string) {
	c.mu.RLock()
	snap, ok := c.snaps[venue]
	c.mu.RUnlock()
	if !ok {
		return append([]string(nil), symbols...), nil
	}
	for _, s := range symbols {
		if _, ok := snap.set[strings.ToUpper(s)]; ok {
			valid = append(valid, s)
		} else {
			unknown = append(unknown, s)
		}
	}
	return valid, unknown
}
