package storage

import (
	"context"
	"sort"
	"sync"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

// MemoryStore is an in-process port.Store, used when no database is
// configured and in tests. Upserts never replace a newer record with an
// older one, matching the SQL stores.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]model.Balance
	orders   map[string]model.Order
	trades   map[string]model.UserTrade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]model.Balance),
		orders:   make(map[string]model.Order),
		trades:   make(map[string]model.UserTrade),
	}
}

func (s *MemoryStore) UpsertBalances(_ context.Context, items []model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range items {
		k := model.BalanceKey(b)
		if old, ok := s.balances[k]; ok && old.Timestamp > b.Timestamp {
			continue
		}
		s.balances[k] = b
	}
	return nil
}

func (s *MemoryStore) UpsertOrders(_ context.Context, items []model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range items {
		k := model.OrderKey(o)
		if old, ok := s.orders[k]; ok && old.Timestamp > o.Timestamp {
			continue
		}
		s.orders[k] = o
	}
	return nil
}

func (s *MemoryStore) UpsertUserTrades(_ context.Context, items []model.UserTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range items {
		s.trades[model.UserTradeKey(t)] = t
	}
	return nil
}

func match(f port.AccountFilter, userID string, venue model.Venue, symbol string) bool {
	if f.UserID != "" && f.UserID != userID {
		return false
	}
	if f.Venue != "" && f.Venue != venue {
		return false
	}
	if f.Symbol != "" && f.Symbol != symbol {
		return false
	}
	return true
}

// FindBalances ignores the symbol filter; balances are per asset.
func (s *MemoryStore) FindBalances(_ context.Context, f port.AccountFilter) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f.Symbol = ""
	var out []model.Balance
	for _, b := range s.balances {
		if match(f, b.UserID, b.Venue, "") {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.BalanceKey(out[i]) < model.BalanceKey(out[j]) })
	return out, nil
}

func (s *MemoryStore) FindOrders(_ context.Context, f port.AccountFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, o := range s.orders {
		if match(f, o.UserID, o.Venue, o.Symbol) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) FindUserTrades(_ context.Context, f port.AccountFilter) ([]model.UserTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.UserTrade
	for _, t := range s.trades {
		if match(f, t.UserID, t.Venue, t.Symbol) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ port.Store = (*MemoryStore)(nil)
