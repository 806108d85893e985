package bybit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"xfeed/internal/domain/model"
)

type subReq struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args"`
}

type wsMsg struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"` // snapshot | delta
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
}

type tickerItem struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	Volume24h string `json:"volume24h"`
}

type tradeItem struct {
	Time    int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Qty     string `json:"v"`
	Price   string `json:"p"`
	TradeID string `json:"i"`
}

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

// decodeList accepts data as an object or an array.
func decodeList[T any](b []byte) ([]T, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	switch b[0] {
	case '[':
		var arr []T
		if err := json.Unmarshal(b, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	case '{':
		var one T
		if err := json.Unmarshal(b, &one); err != nil {
			return nil, err
		}
		return []T{one}, nil
	default:
		return nil, fmt.Errorf("unexpected data json: %s", string(b))
	}
}

// tickerState merges linear-category deltas into the last full ticker.
type tickerState struct {
	mu   sync.Mutex
	last map[string]model.Ticker
}

func newTickerState() *tickerState {
	return &tickerState{last: make(map[string]model.Ticker)}
}

func (s *tickerState) apply(snapshot bool, ts int64, it tickerItem) model.Ticker {
	sym := strings.ToUpper(strings.TrimSpace(it.Symbol))
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.last[sym]
	if snapshot {
		t = model.Ticker{}
	}
	t.Venue, t.Symbol, t.Timestamp = model.VenueBybit, sym, ts
	set := func(dst *decimal.Decimal, raw string) {
		if raw == "" {
			return
		}
		if d, err := decimal.NewFromString(raw); err == nil {
			*dst = d
		}
	}
	set(&t.Last, it.LastPrice)
	set(&t.Bid, it.Bid1Price)
	set(&t.Ask, it.Ask1Price)
	set(&t.Volume, it.Volume24h)
	s.last[sym] = t
	return t
}

// book is a local order book fed by snapshot + delta messages.
type book struct {
	mu   sync.Mutex
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

func newBook() *book {
	return &book{bids: map[string]decimal.Decimal{}, asks: map[string]decimal.Decimal{}}
}

func (b *book) apply(snapshot bool, d bookData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snapshot {
		b.bids = map[string]decimal.Decimal{}
		b.asks = map[string]decimal.Decimal{}
	}
	applySide(b.bids, d.Bids)
	applySide(b.asks, d.Asks)
}

func applySide(side map[string]decimal.Decimal, levels [][2]string) {
	for _, l := range levels {
		px, err := decimal.NewFromString(l[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(l[1])
		if err != nil {
			continue
		}
		key := px.String()
		if qty.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = qty
	}
}

func (b *book) top(depth int) (bids, asks []model.Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return topLevels(b.bids, depth, true), topLevels(b.asks, depth, false)
}

func topLevels(side map[string]decimal.Decimal, depth int, desc bool) []model.Level {
	out := make([]model.Level, 0, len(side))
	for px, qty := range side {
		out = append(out, model.Level{Price: decimal.RequireFromString(px), Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

var topicToken = regexp.MustCompile(`[A-Za-z]+(?:\.[0-9]+)?\.[A-Z0-9]+`)

// rejectedSymbols picks the symbols of args that a failed subscribe ack
// names, e.g. "Invalid symbol :[tickers.FOOUSDT]".
func rejectedSymbols(retMsg string, args []string) []string {
	want := make(map[string]bool, len(args))
	for _, a := range args {
		want[a] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, tok := range topicToken.FindAllString(retMsg, -1) {
		if !want[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok[strings.LastIndex(tok, ".")+1:])
	}
	return out
}
