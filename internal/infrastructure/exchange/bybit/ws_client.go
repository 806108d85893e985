package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/exchange"
)

// subscribeOp sends {"op":"subscribe"} and waits for its ack. Data frames
// that arrive before the ack go to onMessage.
func (c *Client) subscribeOp(args []string, onMessage func([]byte)) func(context.Context, *websocket.Conn) error {
	return func(ctx context.Context, conn *websocket.Conn) error {
		req := subReq{ReqID: uuid.NewString(), Op: "subscribe", Args: args}
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("bybit subscribe: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.ackTimeout))
		defer conn.SetReadDeadline(time.Time{})

		for ctx.Err() == nil {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("bybit subscribe ack: %w", err)
			}
			var msg wsMsg
			if err := json.Unmarshal(b, &msg); err != nil || msg.Success == nil {
				onMessage(b)
				continue
			}
			if msg.Op != "" && msg.Op != "subscribe" {
				continue
			}
			if *msg.Success {
				return nil
			}
			if bad := rejectedSymbols(msg.RetMsg, args); len(bad) > 0 {
				return &port.UnknownSymbolError{Venue: model.VenueBybit, Symbols: bad}
			}
			return fmt.Errorf("bybit subscribe rejected: %s", msg.RetMsg)
		}
		return ctx.Err()
	}
}

func (c *Client) open(ctx context.Context, topic model.Topic, name string, args, symbols []string, onMessage func([]byte), onStatus port.StatusFunc) (port.Handle, error) {
	s, err := exchange.Open(ctx, exchange.StreamConfig{
		Venue:     model.VenueBybit,
		Topic:     topic,
		Name:      name,
		URL:       c.wsURL,
		Symbols:   symbols,
		Subscribe: c.subscribeOp(args, onMessage),
		OnMessage: onMessage,
		OnStatus:  onStatus,
		Limiter:   c.limiter,
		Dialer:    c.dialer,
	})
	if err != nil {
		return nil, fmt.Errorf("bybit %s: %w", name, err)
	}
	return s, nil
}

// dataHandler decodes pushes, dropping acks and pongs.
func dataHandler(name string, fn func(msg wsMsg)) func([]byte) {
	return func(b []byte) {
		var msg wsMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("venue", "BYBIT").Str("stream", name).Err(err).Msg("json unmarshal failed")
			return
		}
		if msg.Success != nil || msg.Topic == "" || len(msg.Data) == 0 {
			return
		}
		fn(msg)
	}
}

// SubscribeTickers subscribes a symbol set on one connection. A rejected
// page fails with *port.UnknownSymbolError; the same error arrives as a
// StatusError if a later resubscribe is rejected.
func (c *Client) SubscribeTickers(ctx context.Context, symbols []string, onData func(model.Ticker), onStatus port.StatusFunc) (port.Handle, error) {
	syms := make([]string, 0, len(symbols))
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		syms = append(syms, s)
		args = append(args, "tickers."+s)
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("bybit tickers: no symbols")
	}

	name := "tickers." + syms[0]
	if len(syms) > 1 {
		name = fmt.Sprintf("tickers[%s+%d]", syms[0], len(syms)-1)
	}
	state := newTickerState()
	return c.open(ctx, model.TopicTicker, name, args, syms, dataHandler(name, func(msg wsMsg) {
		items, err := decodeList[tickerItem](msg.Data)
		if err != nil {
			log.Error().Str("venue", "BYBIT").Str("stream", name).Err(err).Msg("decode ticker failed")
			return
		}
		for _, it := range items {
			if it.Symbol == "" {
				continue
			}
			onData(state.apply(msg.Type != "delta", msg.Ts, it))
		}
	}), onStatus)
}

func (c *Client) SubscribeTicker(ctx context.Context, symbol string, onData func(model.Ticker), onStatus port.StatusFunc) (port.Handle, error) {
	return c.SubscribeTickers(ctx, []string{symbol}, onData, onStatus)
}

// SubscribeTrades publicTrade.<symbol>
func (c *Client) SubscribeTrades(ctx context.Context, symbol string, onData func(model.Trade), onStatus port.StatusFunc) (port.Handle, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	name := "publicTrade." + sym
	return c.open(ctx, model.TopicTrade, name, []string{name}, []string{sym}, dataHandler(name, func(msg wsMsg) {
		items, err := decodeList[tradeItem](msg.Data)
		if err != nil {
			log.Error().Str("venue", "BYBIT").Str("stream", name).Err(err).Msg("decode trade failed")
			return
		}
		for _, it := range items {
			onData(model.Trade{
				Venue:     model.VenueBybit,
				Symbol:    strings.ToUpper(it.Symbol),
				ID:        it.TradeID,
				Price:     exchange.ParseDecimal(it.Price),
				Qty:       exchange.ParseDecimal(it.Qty),
				Side:      strings.ToLower(it.Side),
				Timestamp: it.Time,
			})
		}
	}), onStatus)
}

// SubscribeOrderBook orderbook.<N>.<symbol>, kept as a local book from
// snapshot and delta pushes. N is rounded up to a level Bybit serves.
func (c *Client) SubscribeOrderBook(ctx context.Context, symbol string, depth int, onData func(model.OrderBook), onStatus port.StatusFunc) (port.Handle, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	name := fmt.Sprintf("orderbook.%d.%s", bookLevels(depth), sym)
	ob := newBook()
	return c.open(ctx, model.TopicOrderBook, name, []string{name}, []string{sym}, dataHandler(name, func(msg wsMsg) {
		var d bookData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Error().Str("venue", "BYBIT").Str("stream", name).Err(err).Msg("decode orderbook failed")
			return
		}
		ob.apply(msg.Type == "snapshot", d)
		bids, asks := ob.top(depth)
		onData(model.OrderBook{Venue: model.VenueBybit, Symbol: sym, Bids: bids, Asks: asks, Timestamp: msg.Ts})
	}), onStatus)
}

func bookLevels(depth int) int {
	switch {
	case depth <= 1:
		return 1
	case depth <= 50:
		return 50
	default:
		return 200
	}
}
