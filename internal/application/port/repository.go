package port

import (
	"context"

	"xfeed/internal/domain/model"
)

// AccountFilter narrows Find queries; empty fields match everything.
type AccountFilter struct {
	UserID string
	Venue  model.Venue
	Symbol string
}

// Store persists account state. Every upsert is idempotent by the record's
// key (model.BalanceKey, model.OrderKey, model.UserTradeKey), so a flush can
// be retried safely.
type Store interface {
	UpsertBalances(ctx context.Context, items []model.Balance) error
	UpsertOrders(ctx context.Context, items []model.Order) error
	UpsertUserTrades(ctx context.Context, items []model.UserTrade) error

	FindBalances(ctx context.Context, f AccountFilter) ([]model.Balance, error)
	FindOrders(ctx context.Context, f AccountFilter) ([]model.Order, error)
	FindUserTrades(ctx context.Context, f AccountFilter) ([]model.UserTrade, error)

	Close() error
}

// TickerCache keeps the latest ticker per venue/symbol.
type TickerCache interface {
	UpsertTickers(ctx context.Context, items []model.Ticker) error
}

// StatusPublisher fans user stream status out of process.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, userID string, ev StatusEvent) error
}
