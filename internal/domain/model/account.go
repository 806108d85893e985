package model

import (
	"github.com/shopspring/decimal"
)

// Balance 用户在某交易所的单币种余额
type Balance struct {
	UserID    string          `json:"user_id"`
	Venue     Venue           `json:"venue"`
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	Timestamp int64           `json:"ts_ms"`
}

// Order 用户订单状态
type Order struct {
	UserID    string          `json:"user_id"`
	Venue     Venue           `json:"venue"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Filled    decimal.Decimal `json:"filled"`
	Timestamp int64           `json:"ts_ms"`
}

// UserTrade 用户成交
type UserTrade struct {
	UserID    string          `json:"user_id"`
	Venue     Venue           `json:"venue"`
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Fee       decimal.Decimal `json:"fee"`
	FeeAsset  string          `json:"fee_asset"`
	Timestamp int64           `json:"ts_ms"`
}

// BalanceKey, OrderKey and UserTradeKey are the identities used both for
// in-memory coalescing and for the idempotent upsert in the stores.
func BalanceKey(b Balance) string { return b.UserID + "|" + string(b.Venue) + "|" + b.Asset }

func OrderKey(o Order) string { return o.UserID + "|" + string(o.Venue) + "|" + o.OrderID }

func UserTradeKey(t UserTrade) string { return t.UserID + "|" + string(t.Venue) + "|" + t.TradeID }

func TickerKey(t Ticker) string { return string(t.Venue) + ":" + t.Symbol }

// MergeBalance keeps whichever snapshot is newer.
func MergeBalance(old, upd Balance) Balance {
	if upd.Timestamp < old.Timestamp {
		return old
	}
	return upd
}

// MergeOrder keeps the newest status but never lets the filled quantity go
// backwards, since venues may deliver fills out of order.
func MergeOrder(old, upd Order) Order {
	out := upd
	if upd.Timestamp < old.Timestamp {
		out = old
	}
	if old.Filled.GreaterThan(out.Filled) {
		out.Filled = old.Filled
	}
	return out
}
