package composite

import (
	"context"
	"errors"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

// Store writes to every configured store and reads from the first one.
type Store struct {
	stores []port.Store
}

func New(stores ...port.Store) *Store {
	// nil stores are allowed; filter in constructor for safety
	out := make([]port.Store, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Store{stores: out}
}

func (c *Store) Len() int { return len(c.stores) }

func (c *Store) each(fn func(port.Store) error) error {
	var firstErr error
	for _, s := range c.stores {
		if err := fn(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Store) UpsertBalances(ctx context.Context, items []model.Balance) error {
	return c.each(func(s port.Store) error { return s.UpsertBalances(ctx, items) })
}

func (c *Store) UpsertOrders(ctx context.Context, items []model.Order) error {
	return c.each(func(s port.Store) error { return s.UpsertOrders(ctx, items) })
}

func (c *Store) UpsertUserTrades(ctx context.Context, items []model.UserTrade) error {
	return c.each(func(s port.Store) error { return s.UpsertUserTrades(ctx, items) })
}

var errNoStore = errors.New("no store configured")

func (c *Store) FindBalances(ctx context.Context, f port.AccountFilter) ([]model.Balance, error) {
	if len(c.stores) == 0 {
		return nil, errNoStore
	}
	return c.stores[0].FindBalances(ctx, f)
}

func (c *Store) FindOrders(ctx context.Context, f port.AccountFilter) ([]model.Order, error) {
	if len(c.stores) == 0 {
		return nil, errNoStore
	}
	return c.stores[0].FindOrders(ctx, f)
}

func (c *Store) FindUserTrades(ctx context.Context, f port.AccountFilter) ([]model.UserTrade, error) {
	if len(c.stores) == 0 {
		return nil, errNoStore
	}
	return c.stores[0].FindUserTrades(ctx, f)
}

// Close is a no-op: the container owns the underlying stores.
func (c *Store) Close() error { return nil }

var _ port.Store = (*Store)(nil)
