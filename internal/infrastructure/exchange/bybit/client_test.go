package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeVenue acks every subscribe op, rejecting args listed in unknown, and
// then pushes one ticker snapshot per accepted symbol.
func fakeVenue(t *testing.T, unknown map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req subReq
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var bad []string
			for _, a := range req.Args {
				if unknown[a] {
					bad = append(bad, a)
				}
			}
			if len(bad) > 0 {
				_ = conn.WriteJSON(map[string]any{
					"success": false, "op": "subscribe", "req_id": req.ReqID,
					"ret_msg": fmt.Sprintf("Invalid symbol :[%s]", strings.Join(bad, ",")),
				})
				continue
			}
			_ = conn.WriteJSON(map[string]any{"success": true, "op": "subscribe", "req_id": req.ReqID, "ret_msg": ""})
			for _, a := range req.Args {
				sym := strings.TrimPrefix(a, "tickers.")
				_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
					`{"topic":"%s","type":"snapshot","ts":1700000000000,"data":{"symbol":"%s","lastPrice":"1.5","volume24h":"10"}}`, a, sym)))
			}
		}
	}))
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		WsURL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		RestURL:             srv.URL,
		MaxSymbolsPerStream: 2,
		AckTimeout:          2 * time.Second,
	})
}

func TestSubscribeTickersDeliversEverySymbol(t *testing.T) {
	srv := fakeVenue(t, nil)
	defer srv.Close()
	c := newTestClient(srv)

	got := make(chan model.Ticker, 4)
	h, err := c.SubscribeTickers(context.Background(), []string{"btcusdt", "ETHUSDT"}, func(tk model.Ticker) { got <- tk }, nil)
	if err != nil {
		t.Fatalf("SubscribeTickers: %v", err)
	}
	defer h.Close()

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case tk := <-got:
			if tk.Venue != model.VenueBybit || tk.Last.String() != "1.5" {
				t.Fatalf("ticker = %+v", tk)
			}
			seen[tk.Symbol] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("got only %v", seen)
		}
	}
	if !seen["BTCUSDT"] || !seen["ETHUSDT"] {
		t.Fatalf("seen = %v", seen)
	}
}

func TestSubscribeTickersRejectsUnknownSymbol(t *testing.T) {
	srv := fakeVenue(t, map[string]bool{"tickers.FOOUSDT": true})
	defer srv.Close()
	c := newTestClient(srv)

	statuses := make(chan port.StatusEvent, 1)
	_, err := c.SubscribeTickers(context.Background(), []string{"BTCUSDT", "FOOUSDT"}, func(model.Ticker) {},
		func(ev port.StatusEvent) { statuses <- ev })
	if err == nil {
		t.Fatal("expected rejection")
	}
	bad, ok := port.UnknownSymbols(err)
	if !ok || len(bad) != 1 || bad[0] != "FOOUSDT" {
		t.Fatalf("unknown symbols = %v, %v (err %v)", bad, ok, err)
	}
	select {
	case ev := <-statuses:
		t.Fatalf("status emitted during open: %+v", ev)
	default:
	}
}

func TestTradableSymbolsFollowsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/instruments-info" || r.URL.Query().Get("category") != "spot" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if r.URL.Query().Get("cursor") == "" {
			body = map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{
				"list":           []map[string]string{{"symbol": "BTCUSDT", "status": "Trading"}, {"symbol": "OLDUSDT", "status": "Closed"}},
				"nextPageCursor": "p2",
			}}
		} else {
			body = map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{
				"list": []map[string]string{{"symbol": "ETHUSDT", "status": "Trading"}},
			}}
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	got, err := newTestClient(srv).TradableSymbols(context.Background())
	if err != nil {
		t.Fatalf("TradableSymbols: %v", err)
	}
	if strings.Join(got, ",") != "BTCUSDT,ETHUSDT" {
		t.Fatalf("symbols = %v", got)
	}
}

func TestRejectedSymbols(t *testing.T) {
	args := []string{"tickers.BTCUSDT", "tickers.FOOUSDT", "tickers.BARUSDT"}
	got := rejectedSymbols("Invalid symbol :[tickers.FOOUSDT,tickers.BARUSDT]", args)
	if strings.Join(got, ",") != "FOOUSDT,BARUSDT" {
		t.Fatalf("got %v", got)
	}
	if got := rejectedSymbols("error:handler not found,topic:tickers.BTCUSDTX", args); len(got) != 0 {
		t.Fatalf("matched a topic that was not requested: %v", got)
	}
}

func TestBookAppliesDeltas(t *testing.T) {
	b := newBook()
	b.apply(true, bookData{
		Bids: [][2]string{{"100", "1"}, {"99", "2"}, {"98", "3"}},
		Asks: [][2]string{{"101", "1"}, {"102", "2"}},
	})
	b.apply(false, bookData{
		Bids: [][2]string{{"100", "0"}, {"99.5", "4"}},
		Asks: [][2]string{{"100.5", "1"}},
	})

	bids, asks := b.top(2)
	if len(bids) != 2 || bids[0].Price.String() != "99.5" || bids[1].Price.String() != "99" {
		t.Fatalf("bids = %+v", bids)
	}
	if len(asks) != 2 || asks[0].Price.String() != "100.5" || asks[1].Price.String() != "101" {
		t.Fatalf("asks = %+v", asks)
	}
}

func TestTickerDeltaKeepsUnchangedFields(t *testing.T) {
	s := newTickerState()
	s.apply(true, 1, tickerItem{Symbol: "BTCUSDT", LastPrice: "100", Bid1Price: "99", Ask1Price: "101"})
	got := s.apply(false, 2, tickerItem{Symbol: "BTCUSDT", LastPrice: "100.5"})
	if got.Last.String() != "100.5" || got.Bid.String() != "99" || got.Ask.String() != "101" || got.Timestamp != 2 {
		t.Fatalf("ticker = %+v", got)
	}
}
