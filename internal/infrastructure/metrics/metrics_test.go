package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.FrameSent()
	m.FrameDropped()
	m.ObserveFlush("balances", 3, 10*time.Millisecond, nil)
	m.ObserveFlush("balances", 2, time.Millisecond, errors.New("db down"))
	m.LimiterWait("BINANCE")(2 * time.Second)
	m.AuthFailure("BYBIT")
	m.Gauge("upstreams", "Live upstream subscriptions.", prometheus.Labels{"topic": "ticker"}, func() float64 { return 4 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"xfeed_frames_sent_total 1",
		"xfeed_frames_dropped_total 1",
		`xfeed_batch_flushes_total{batch="balances",result="ok"} 1`,
		`xfeed_batch_flushes_total{batch="balances",result="error"} 1`,
		`xfeed_batch_items_total{batch="balances"} 3`,
		`xfeed_auth_failures_total{venue="BYBIT"} 1`,
		`xfeed_upstreams{topic="ticker"} 4`,
		`xfeed_ratelimit_wait_seconds_count{venue="BINANCE"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
