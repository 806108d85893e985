package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/exchange"
)

// allTickersStream is the all-market rolling ticker stream.
const allTickersStream = "!ticker@arr"

func (c *Client) open(ctx context.Context, topic model.Topic, name, stream string, symbols []string, onMessage func([]byte), onStatus port.StatusFunc) (port.Handle, error) {
	s, err := exchange.Open(ctx, exchange.StreamConfig{
		Venue:     model.VenueBinance,
		Topic:     topic,
		Name:      name,
		URL:       c.streamURL(stream),
		Symbols:   symbols,
		OnMessage: onMessage,
		OnStatus:  onStatus,
		Limiter:   c.limiter,
		Dialer:    c.dialer,
	})
	if err != nil {
		return nil, fmt.Errorf("binance %s: %w", name, err)
	}
	return s, nil
}

// SubscribeTicker opens <symbol>@ticker. The wildcard symbol maps to the
// all-market ticker array stream.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string, onData func(model.Ticker), onStatus port.StatusFunc) (port.Handle, error) {
	if symbol == model.AllSymbols {
		return c.open(ctx, model.TopicTicker, allTickersStream, allTickersStream, nil, func(b []byte) {
			var arr []rawMsg
			if err := json.Unmarshal(b, &arr); err != nil {
				log.Error().Str("venue", "BINANCE").Err(err).Msg("json unmarshal failed")
				return
			}
			for _, m := range arr {
				onData(decodeTicker(m))
			}
		}, onStatus)
	}

	sym := strings.ToUpper(symbol)
	stream := strings.ToLower(sym) + "@ticker"
	return c.open(ctx, model.TopicTicker, stream, stream, []string{sym}, func(b []byte) {
		m, err := parseRaw(b)
		if err != nil {
			log.Error().Str("venue", "BINANCE").Str("stream", stream).Err(err).Msg("json unmarshal failed")
			return
		}
		if m.str("e") != "24hrTicker" {
			return
		}
		onData(decodeTicker(m))
	}, onStatus)
}

// SubscribeTrades opens <symbol>@trade.
func (c *Client) SubscribeTrades(ctx context.Context, symbol string, onData func(model.Trade), onStatus port.StatusFunc) (port.Handle, error) {
	sym := strings.ToUpper(symbol)
	stream := strings.ToLower(sym) + "@trade"
	return c.open(ctx, model.TopicTrade, stream, stream, []string{sym}, func(b []byte) {
		m, err := parseRaw(b)
		if err != nil {
			log.Error().Str("venue", "BINANCE").Str("stream", stream).Err(err).Msg("json unmarshal failed")
			return
		}
		if m.str("e") != "trade" {
			return
		}
		onData(decodeTrade(m))
	}, onStatus)
}

// SubscribeOrderBook opens the partial depth stream <symbol>@depth<N>@100ms.
// Binance serves 5, 10 or 20 levels; depth is rounded up to one of them.
func (c *Client) SubscribeOrderBook(ctx context.Context, symbol string, depth int, onData func(model.OrderBook), onStatus port.StatusFunc) (port.Handle, error) {
	sym := strings.ToUpper(symbol)
	stream := fmt.Sprintf("%s@depth%d@100ms", strings.ToLower(sym), bookLevels(depth))
	return c.open(ctx, model.TopicOrderBook, stream, stream, []string{sym}, func(b []byte) {
		var m depthMsg
		if err := json.Unmarshal(b, &m); err != nil {
			log.Error().Str("venue", "BINANCE").Str("stream", stream).Err(err).Msg("json unmarshal failed")
			return
		}
		onData(model.OrderBook{
			Venue:     model.VenueBinance,
			Symbol:    sym,
			Bids:      levels(m.Bids),
			Asks:      levels(m.Asks),
			Timestamp: m.LastUpdateID,
		})
	}, onStatus)
}

func bookLevels(depth int) int {
	switch {
	case depth <= 5:
		return 5
	case depth <= 10:
		return 10
	default:
		return 20
	}
}

// SubscribeUser opens the user data stream for listenKey and forwards only
// the events belonging to topic. Each topic has its own connection so that
// one topic can be closed without the others.
func (c *Client) SubscribeUser(ctx context.Context, topic model.Topic, listenKey string, _ model.Credentials, events port.UserEvents, onStatus port.StatusFunc) (port.Handle, error) {
	if listenKey == "" {
		return nil, fmt.Errorf("binance user stream: empty listen key")
	}
	var handle func(rawMsg)
	switch topic {
	case model.TopicBalance:
		handle = func(m rawMsg) {
			if m.str("e") != "outboundAccountPosition" || events.Balance == nil {
				return
			}
			balances, err := decodeBalances(m)
			if err != nil {
				log.Error().Str("venue", "BINANCE").Err(err).Msg("decode balances failed")
				return
			}
			for _, b := range balances {
				events.Balance(b)
			}
		}
	case model.TopicOrder:
		handle = func(m rawMsg) {
			if m.str("e") == "executionReport" && events.Order != nil {
				events.Order(decodeOrder(m))
			}
		}
	case model.TopicUserTrade:
		handle = func(m rawMsg) {
			if m.str("e") != "executionReport" || events.Trade == nil {
				return
			}
			if t, ok := decodeUserTrade(m); ok {
				events.Trade(t)
			}
		}
	default:
		return nil, fmt.Errorf("binance user stream: unsupported topic %q", topic)
	}

	return c.open(ctx, topic, "userData:"+string(topic), listenKey, nil, func(b []byte) {
		m, err := parseRaw(b)
		if err != nil {
			log.Error().Str("venue", "BINANCE").Str("topic", string(topic)).Err(err).Msg("json unmarshal failed")
			return
		}
		if m.str("e") == "listenKeyExpired" {
			log.Warn().Str("venue", "BINANCE").Str("topic", string(topic)).Msg("listen key expired")
			if onStatus != nil {
				onStatus(port.StatusEvent{
					Kind:  port.StatusError,
					Venue: model.VenueBinance,
					Topic: topic,
					Err:   port.ErrListenKeyExpired,
					Time:  time.UnixMilli(m.num("E")),
				})
			}
			return
		}
		handle(m)
	}, onStatus)
}
