package model

import "github.com/shopspring/decimal"

// Ticker 24h rolling ticker
type Ticker struct {
	Venue     Venue           `json:"venue"`
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"ts_ms"`
}

// Level is one price level of an order book side.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBook partial depth snapshot
type OrderBook struct {
	Venue     Venue   `json:"venue"`
	Symbol    string  `json:"symbol"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	Timestamp int64   `json:"ts_ms"`
}

// Trade public trade print
type Trade struct {
	Venue     Venue           `json:"venue"`
	Symbol    string          `json:"symbol"`
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Side      string          `json:"side"`
	Timestamp int64           `json:"ts_ms"`
}
