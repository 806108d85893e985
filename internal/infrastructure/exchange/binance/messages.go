package binance

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/exchange"
)

// rawMsg keeps the single-letter keys apart. Binance payloads use keys that
// differ only by case ("c"/"C", "m"/"M", "p"/"P"), which encoding/json would
// fold together when decoding into structs.
type rawMsg map[string]json.RawMessage

func parseRaw(b []byte) (rawMsg, error) {
	var m rawMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m rawMsg) str(key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// numeric ids
	return strings.Trim(string(raw), `"`)
}

func (m rawMsg) num(key string) int64 {
	n, _ := strconv.ParseInt(m.str(key), 10, 64)
	return n
}

func (m rawMsg) flag(key string) bool {
	return string(m[key]) == "true"
}

func (m rawMsg) dec(key string) decimal.Decimal { return dec(m.str(key)) }

// ===== public streams =====

func decodeTicker(m rawMsg) model.Ticker {
	return model.Ticker{
		Venue:     model.VenueBinance,
		Symbol:    strings.ToUpper(m.str("s")),
		Last:      m.dec("c"),
		Bid:       m.dec("b"),
		Ask:       m.dec("a"),
		Volume:    m.dec("v"),
		Timestamp: m.num("E"),
	}
}

func decodeTrade(m rawMsg) model.Trade {
	side := "buy"
	if m.flag("m") {
		side = "sell"
	}
	return model.Trade{
		Venue:     model.VenueBinance,
		Symbol:    strings.ToUpper(m.str("s")),
		ID:        m.str("t"),
		Price:     m.dec("p"),
		Qty:       m.dec("q"),
		Side:      side,
		Timestamp: m.num("T"),
	}
}

// partial book depth stream, payload carries no symbol
type depthMsg struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func levels(raw [][2]string) []model.Level {
	out := make([]model.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, model.Level{Price: dec(l[0]), Qty: dec(l[1])})
	}
	return out
}

// ===== user data stream =====

type balanceItem struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

// decodeBalances outboundAccountPosition
func decodeBalances(m rawMsg) ([]model.Balance, error) {
	var items []balanceItem
	if err := json.Unmarshal(m["B"], &items); err != nil {
		return nil, err
	}
	ts := m.num("E")
	out := make([]model.Balance, 0, len(items))
	for _, x := range items {
		out = append(out, model.Balance{
			Asset:     strings.ToUpper(x.Asset),
			Free:      dec(x.Free),
			Locked:    dec(x.Locked),
			Timestamp: ts,
		})
	}
	return out, nil
}

func decodeOrder(m rawMsg) model.Order {
	return model.Order{
		OrderID:   m.str("i"),
		Symbol:    strings.ToUpper(m.str("s")),
		Side:      strings.ToLower(m.str("S")),
		Type:      strings.ToLower(m.str("o")),
		Status:    strings.ToLower(m.str("X")),
		Price:     m.dec("p"),
		Qty:       m.dec("q"),
		Filled:    m.dec("z"),
		Timestamp: m.num("T"),
	}
}

// decodeUserTrade reports false for executions that are not fills.
func decodeUserTrade(m rawMsg) (model.UserTrade, bool) {
	if m.str("x") != "TRADE" {
		return model.UserTrade{}, false
	}
	return model.UserTrade{
		TradeID:   m.str("t"),
		OrderID:   m.str("i"),
		Symbol:    strings.ToUpper(m.str("s")),
		Side:      strings.ToLower(m.str("S")),
		Price:     m.dec("L"),
		Qty:       m.dec("l"),
		Fee:       m.dec("n"),
		FeeAsset:  m.str("N"),
		Timestamp: m.num("T"),
	}, true
}

func dec(s string) decimal.Decimal { return exchange.ParseDecimal(s) }
