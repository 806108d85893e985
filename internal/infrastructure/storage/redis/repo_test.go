package redis

import (
	"encoding/json"
	"testing"
	"time"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

func TestStatusPayload(t *testing.T) {
	ev := port.StatusEvent{
		Kind:  port.StatusError,
		Venue: model.VenueBinance,
		Topic: model.TopicBalance,
		Err:   port.ErrUnauthorized,
		Time:  time.UnixMilli(1700000000000),
	}
	b, err := statusPayload("u1", ev)
	if err != nil {
		t.Fatalf("statusPayload: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["user_id"] != "u1" || got["kind"] != "error" || got["venue"] != "BINANCE" || got["error"] != "unauthorized" {
		t.Fatalf("payload = %s", b)
	}
	if got["ts_ms"].(float64) != 1700000000000 {
		t.Fatalf("ts_ms = %v", got["ts_ms"])
	}
}

func TestNewDefaultsKeys(t *testing.T) {
	r := New(nil, "", 0, "")
	if r.keyLatest != "xfeed:tickers" || r.statusChannel != "xfeed:status" {
		t.Fatalf("keys = %q %q", r.keyLatest, r.statusChannel)
	}
}
