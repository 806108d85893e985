package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

// Repo keeps the latest ticker per venue/symbol in one hash and publishes
// user stream status events on a channel.
type Repo struct {
	rdb           *redis.Client
	prefix        string
	ttl           time.Duration
	keyLatest     string // prefix + ":tickers"
	statusChannel string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, statusChannel string) *Repo {
	if strings.TrimSpace(prefix) == "" {
		prefix = "xfeed"
	}
	if strings.TrimSpace(statusChannel) == "" {
		statusChannel = prefix + ":status"
	}
	return &Repo{
		rdb:           rdb,
		prefix:        prefix,
		ttl:           ttl,
		keyLatest:     prefix + ":tickers",
		statusChannel: statusChannel,
	}
}

// UpsertTickers writes one flushed batch in a single pipeline.
// Hash: field = "BINANCE:BTCUSDT" -> json
func (r *Repo) UpsertTickers(ctx context.Context, items []model.Ticker) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items)*2)
	for _, t := range items {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		values = append(values, model.TickerKey(t), string(b))
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, values...)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LatestTicker reads one cached ticker; ok is false when absent.
func (r *Repo) LatestTicker(ctx context.Context, venue model.Venue, symbol string) (model.Ticker, bool, error) {
	raw, err := r.rdb.HGet(ctx, r.keyLatest, model.TickerKey(model.Ticker{Venue: venue, Symbol: symbol})).Result()
	if err == redis.Nil {
		return model.Ticker{}, false, nil
	}
	if err != nil {
		return model.Ticker{}, false, err
	}
	var t model.Ticker
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return model.Ticker{}, false, err
	}
	return t, true, nil
}

type statusMsg struct {
	UserID  string          `json:"user_id"`
	Kind    port.StatusKind `json:"kind"`
	Venue   model.Venue     `json:"venue,omitempty"`
	Topic   model.Topic     `json:"topic,omitempty"`
	Symbols []string        `json:"symbols,omitempty"`
	Error   string          `json:"error,omitempty"`
	TsMs    int64           `json:"ts_ms"`
}

func statusPayload(userID string, ev port.StatusEvent) ([]byte, error) {
	msg := statusMsg{
		UserID:  userID,
		Kind:    ev.Kind,
		Venue:   ev.Venue,
		Topic:   ev.Topic,
		Symbols: ev.Symbols,
		TsMs:    ev.Time.UnixMilli(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return json.Marshal(msg)
}

// PublishStatus PUBLISH <channel> json
func (r *Repo) PublishStatus(ctx context.Context, userID string, ev port.StatusEvent) error {
	b, err := statusPayload(userID, ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.statusChannel, b).Err()
}

var (
	_ port.TickerCache     = (*Repo)(nil)
	_ port.StatusPublisher = (*Repo)(nil)
)
