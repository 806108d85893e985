package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/exchange"
)

// Config Bybit V5 公共行情客户端配置
type Config struct {
	WsURL    string // e.g. wss://stream.bybit.com/v5/public/spot
	RestURL  string // e.g. https://api.bybit.com
	Category string // spot, linear, inverse; default spot
	// MaxSymbolsPerStream bounds the args of one subscribe op.
	MaxSymbolsPerStream int
	// AckTimeout bounds the wait for a subscribe ack.
	AckTimeout time.Duration

	Limiter    port.Reserver
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client implements the public market streams, the symbol-set ticker pager
// and the tradable symbol source for Bybit V5.
type Client struct {
	wsURL      string
	restURL    string
	category   string
	maxSymbols int
	ackTimeout time.Duration

	limiter port.Reserver
	http    *http.Client
	dialer  *websocket.Dialer
}

func New(cfg Config) *Client {
	c := &Client{
		wsURL:      strings.TrimSpace(cfg.WsURL),
		restURL:    strings.TrimRight(strings.TrimSpace(cfg.RestURL), "/"),
		category:   cfg.Category,
		maxSymbols: cfg.MaxSymbolsPerStream,
		ackTimeout: cfg.AckTimeout,
		limiter:    cfg.Limiter,
		http:       cfg.HTTPClient,
		dialer:     cfg.Dialer,
	}
	if c.category == "" {
		c.category = "spot"
	}
	if c.maxSymbols <= 0 {
		c.maxSymbols = 10
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = 10 * time.Second
	}
	if c.http == nil {
		c.http = exchange.NewHTTPClient()
	}
	return c
}

func (c *Client) Venue() model.Venue { return model.VenueBybit }

func (c *Client) MaxSymbolsPerStream() int { return c.maxSymbols }

type instrumentsResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"list"`
		NextPageCursor string `json:"nextPageCursor"`
	} `json:"result"`
}

// TradableSymbols GET /v5/market/instruments-info, following the page cursor.
func (c *Client) TradableSymbols(ctx context.Context) ([]string, error) {
	var (
		symbols []string
		cursor  string
	)
	for page := 0; page < 50; page++ {
		params := url.Values{}
		params.Set("category", c.category)
		params.Set("limit", "1000")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		endpoint, err := exchange.BuildQueryURL(c.restURL, "/v5/market/instruments-info", params.Encode())
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		var out instrumentsResp
		if err := exchange.DoJSON(ctx, c.http, c.limiter, req, &out); err != nil {
			return nil, fmt.Errorf("bybit instruments-info: %w", err)
		}
		if out.RetCode != 0 {
			return nil, fmt.Errorf("bybit instruments-info: %d %s", out.RetCode, out.RetMsg)
		}
		for _, it := range out.Result.List {
			if it.Status == "Trading" {
				symbols = append(symbols, strings.ToUpper(it.Symbol))
			}
		}
		cursor = out.Result.NextPageCursor
		if cursor == "" {
			break
		}
	}
	return symbols, nil
}
