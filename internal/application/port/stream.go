package port

import (
	"context"
	"time"

	"xfeed/internal/domain/model"
)

// StatusKind is the connectivity state an upstream reports.
type StatusKind string

const (
	StatusInterrupted StatusKind = "interrupted"
	StatusRestored    StatusKind = "restored"
	// StatusError carries a classified upstream error (unauthorized, unknown symbol).
	StatusError StatusKind = "error"
)

// StatusEvent is broadcast to every registration of an upstream subscription.
type StatusEvent struct {
	Kind    StatusKind  `json:"kind"`
	Venue   model.Venue `json:"venue,omitempty"`
	Topic   model.Topic `json:"topic,omitempty"`
	Symbols []string    `json:"symbols,omitempty"` // affected subset; empty means the whole subscription
	Err     error       `json:"-"`
	Time    time.Time   `json:"time"`
}

// StatusFunc receives status events from an upstream.
type StatusFunc func(StatusEvent)

// Handle owns one live upstream stream. Close must not wait for callbacks
// that are currently running, since a callback may itself trigger Close.
type Handle interface {
	Close() error
}

// HandleFunc adapts a plain function to Handle.
type HandleFunc func() error

func (f HandleFunc) Close() error { return f() }

// Opener opens the upstream for key. It is injected into a registry by the
// exchange clients; ctx is the subscription's cancellation scope.
type Opener[K comparable, D any] func(ctx context.Context, key K, onData func(D), onStatus StatusFunc) (Handle, error)

// MarketStreams is a venue's public stream client.
type MarketStreams interface {
	Venue() model.Venue
	SubscribeTicker(ctx context.Context, symbol string, onData func(model.Ticker), onStatus StatusFunc) (Handle, error)
	SubscribeTrades(ctx context.Context, symbol string, onData func(model.Trade), onStatus StatusFunc) (Handle, error)
	SubscribeOrderBook(ctx context.Context, symbol string, depth int, onData func(model.OrderBook), onStatus StatusFunc) (Handle, error)
}

// TickerPager is implemented by venues whose stream API takes a symbol set.
// A page rejected for unknown symbols reports StatusError with an
// *UnknownSymbolError, either from the call itself or asynchronously.
type TickerPager interface {
	MaxSymbolsPerStream() int
	SubscribeTickers(ctx context.Context, symbols []string, onData func(model.Ticker), onStatus StatusFunc) (Handle, error)
}

// SymbolSource lists the symbols currently tradable on a venue.
type SymbolSource interface {
	TradableSymbols(ctx context.Context) ([]string, error)
}

// UserEvents receives decoded private stream events. The venue client does
// not know the user id; the session manager stamps it.
type UserEvents struct {
	Balance func(model.Balance)
	Order   func(model.Order)
	Trade   func(model.UserTrade)
}

// UserStreams is a venue's private (account) stream client.
type UserStreams interface {
	Venue() model.Venue
	AcquireListenKey(ctx context.Context, creds model.Credentials) (string, error)
	RenewListenKey(ctx context.Context, creds model.Credentials, listenKey string) error
	SubscribeUser(ctx context.Context, topic model.Topic, listenKey string, creds model.Credentials, events UserEvents, onStatus StatusFunc) (Handle, error)
}

// Reserver gates calls to a rate limited API.
type Reserver interface {
	Reserve(ctx context.Context) error
}
