package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/exchange"
)

// Config Binance 客户端配置
type Config struct {
	WsURL   string // e.g. wss://stream.binance.com:9443/ws
	RestURL string // e.g. https://api.binance.com
	// Limiter gates REST calls and stream dials. Optional.
	Limiter    port.Reserver
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client implements the public market streams, the listen key user data
// stream and the tradable symbol source for Binance spot.
type Client struct {
	wsURL   string
	restURL string
	limiter port.Reserver
	http    *http.Client
	dialer  *websocket.Dialer
}

func New(cfg Config) *Client {
	c := &Client{
		wsURL:   strings.TrimRight(strings.TrimSpace(cfg.WsURL), "/"),
		restURL: strings.TrimRight(strings.TrimSpace(cfg.RestURL), "/"),
		limiter: cfg.Limiter,
		http:    cfg.HTTPClient,
		dialer:  cfg.Dialer,
	}
	if c.http == nil {
		c.http = exchange.NewHTTPClient()
	}
	return c
}

func (c *Client) Venue() model.Venue { return model.VenueBinance }

func (c *Client) streamURL(name string) string {
	return c.wsURL + "/" + name
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

// AcquireListenKey POST /api/v3/userDataStream
func (c *Client) AcquireListenKey(ctx context.Context, creds model.Credentials) (string, error) {
	req, err := c.keyedRequest(http.MethodPost, "/api/v3/userDataStream", nil, creds)
	if err != nil {
		return "", err
	}
	var out listenKeyResp
	if err := exchange.DoJSON(ctx, c.http, c.limiter, req, &out); err != nil {
		return "", fmt.Errorf("binance listen key: %w", err)
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("binance listen key: empty response")
	}
	return out.ListenKey, nil
}

// RenewListenKey PUT /api/v3/userDataStream, extends the key by 60 minutes.
func (c *Client) RenewListenKey(ctx context.Context, creds model.Credentials, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	req, err := c.keyedRequest(http.MethodPut, "/api/v3/userDataStream", params, creds)
	if err != nil {
		return err
	}
	if err := exchange.DoJSON(ctx, c.http, c.limiter, req, nil); err != nil {
		if apiCode(err) == codeListenKeyNotFound {
			return fmt.Errorf("binance renew listen key: %w: %w", port.ErrListenKeyExpired, err)
		}
		return fmt.Errorf("binance renew listen key: %w", err)
	}
	return nil
}

// codeListenKeyNotFound -1125 "This listenKey does not exist."
const codeListenKeyNotFound = -1125

// apiCode extracts the {"code":...} of a binance error response, 0 if none.
func apiCode(err error) int {
	var he *exchange.HTTPError
	if !errors.As(err, &he) {
		return 0
	}
	var body struct {
		Code int `json:"code"`
	}
	if json.Unmarshal(he.Body, &body) != nil {
		return 0
	}
	return body.Code
}

// keyedRequest builds a USER_STREAM request: API key header, no signature.
func (c *Client) keyedRequest(method, path string, params url.Values, creds model.Credentials) (*http.Request, error) {
	endpoint, err := exchange.BuildQueryURL(c.restURL, path, params.Encode())
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

// TradableSymbols GET /api/v3/exchangeInfo, keeps symbols in TRADING status.
func (c *Client) TradableSymbols(ctx context.Context) ([]string, error) {
	endpoint, err := exchange.BuildQueryURL(c.restURL, "/api/v3/exchangeInfo", "")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var out exchangeInfoResp
	if err := exchange.DoJSON(ctx, c.http, c.limiter, req, &out); err != nil {
		return nil, fmt.Errorf("binance exchangeInfo: %w", err)
	}
	symbols := make([]string, 0, len(out.Symbols))
	for _, s := range out.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, strings.ToUpper(s.Symbol))
		}
	}
	return symbols, nil
}
