package wsapi

import (
	"encoding/json"
	"errors"
	"strings"

	"xfeed/internal/application/port"
	"xfeed/internal/application/subscription"
	"xfeed/internal/application/userstream"
	"xfeed/internal/domain/model"
)

// 客户端请求类型
const (
	OpAuth        = "auth"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"
)

// 服务端推送类型
const (
	FrameAck    = "ack"
	FrameError  = "error"
	FrameData   = "data"
	FrameStatus = "status"
	FrameAuth   = "auth"
	FramePong   = "pong"
)

var errEmptyOp = errors.New("missing op")

// Request is one inbound client message.
type Request struct {
	Op     string `json:"op"`
	ID     string `json:"id,omitempty"`
	Token  string `json:"token,omitempty"`
	Topic  string `json:"topic,omitempty"`
	Venue  string `json:"venue,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Depth  int    `json:"depth,omitempty"`
}

func decodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, err
	}
	req.Op = strings.ToLower(strings.TrimSpace(req.Op))
	if req.Op == "" {
		return Request{}, errEmptyOp
	}
	return req, nil
}

// Frame is one outbound message.
type Frame struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Topic   model.Topic       `json:"topic,omitempty"`
	Venue   model.Venue       `json:"venue,omitempty"`
	Symbol  string            `json:"symbol,omitempty"`
	Data    any               `json:"data,omitempty"`
	Ack     *subscription.Ack `json:"ack,omitempty"`
	Status  *statusBody       `json:"status,omitempty"`
	Results []resultBody      `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type statusBody struct {
	Kind    port.StatusKind `json:"kind"`
	Symbols []string        `json:"symbols,omitempty"`
	Error   string          `json:"error,omitempty"`
	TsMs    int64           `json:"ts_ms"`
}

// resultBody 认证后每个交易所/主题一条结果，客户端可只重试失败项
type resultBody struct {
	Topic        model.Topic `json:"topic"`
	Venue        model.Venue `json:"venue"`
	Success      bool        `json:"success"`
	Unauthorized bool        `json:"unauthorized,omitempty"`
	Error        string      `json:"error,omitempty"`
}

func encode(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// only Data can fail; report it in-band
		b, _ = json.Marshal(Frame{Type: FrameError, ID: f.ID, Topic: f.Topic, Venue: f.Venue, Error: "encode: " + err.Error()})
	}
	return b
}

func errorFrame(req Request, err error) []byte {
	return encode(Frame{
		Type:   FrameError,
		ID:     req.ID,
		Topic:  model.Topic(req.Topic),
		Venue:  model.Venue(strings.ToUpper(req.Venue)),
		Symbol: req.Symbol,
		Error:  err.Error(),
	})
}

func dataFrame(topic model.Topic, venue model.Venue, symbol string, data any) []byte {
	return encode(Frame{Type: FrameData, Topic: topic, Venue: venue, Symbol: symbol, Data: data})
}

func statusFrame(ev port.StatusEvent) []byte {
	body := &statusBody{Kind: ev.Kind, Symbols: ev.Symbols, TsMs: ev.Time.UnixMilli()}
	if ev.Err != nil {
		body.Error = ev.Err.Error()
	}
	return encode(Frame{Type: FrameStatus, Topic: ev.Topic, Venue: ev.Venue, Status: body})
}

func authFrame(id string, results []userstream.Result) []byte {
	out := make([]resultBody, 0, len(results))
	for _, r := range results {
		rb := resultBody{Topic: r.Topic, Venue: r.Venue, Success: r.Success, Unauthorized: r.Unauthorized()}
		if r.Err != nil {
			rb.Error = r.Err.Error()
		}
		out = append(out, rb)
	}
	return encode(Frame{Type: FrameAuth, ID: id, Results: out})
}
