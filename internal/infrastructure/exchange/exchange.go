package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
)

// StreamConfig describes one reconnecting websocket subscription.
type StreamConfig struct {
	Venue   model.Venue
	Topic   model.Topic
	Name    string // log label
	URL     string
	Symbols []string

	// Subscribe runs after every successful dial, e.g. to send a subscribe op
	// and wait for its ack. An unauthorized or unknown symbol error from it
	// ends the stream.
	Subscribe func(ctx context.Context, conn *websocket.Conn) error
	OnMessage func([]byte)
	OnStatus  port.StatusFunc

	// Limiter gates every dial, including reconnects. Optional.
	Limiter port.Reserver
	Dialer  *websocket.Dialer

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Name == "" {
		c.Name = string(c.Topic)
	}
}

// Stream is a live websocket subscription that reconnects on its own and
// reports Interrupted/Restored through OnStatus. It implements port.Handle.
type Stream struct {
	cfg    StreamConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// Open dials and subscribes synchronously so that open errors reach the
// caller, then keeps the stream alive in the background until ctx is
// cancelled or Close is called. No status is emitted before Open returns.
func Open(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%s %s: ws url empty", cfg.Venue, cfg.Name)
	}

	conn, err := connect(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{cfg: cfg, ctx: sctx, cancel: cancel, done: make(chan struct{}), conn: conn}
	log.Info().Str("venue", cfg.Venue.String()).Str("topic", string(cfg.Topic)).Str("stream", cfg.Name).Msg("ws connected & subscribed")
	go s.run(conn)
	return s, nil
}

// Close stops the stream. It does not wait for the read loop, which may be
// the caller.
func (s *Stream) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Done is closed once the background loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *Stream) status(kind port.StatusKind, err error) {
	if s.ctx.Err() != nil || s.cfg.OnStatus == nil {
		return
	}
	s.cfg.OnStatus(port.StatusEvent{
		Kind:    kind,
		Venue:   s.cfg.Venue,
		Topic:   s.cfg.Topic,
		Symbols: s.cfg.Symbols,
		Err:     err,
		Time:    time.Now(),
	})
}

func (s *Stream) run(conn *websocket.Conn) {
	defer close(s.done)
	l := log.With().Str("venue", s.cfg.Venue.String()).Str("stream", s.cfg.Name).Logger()

	for {
		err := ReadLoop(s.ctx, conn, s.cfg.ReadTimeout, s.cfg.PingInterval, s.cfg.OnMessage)
		_ = conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		l.Warn().Err(err).Msg("ws disconnected, reconnecting")
		s.status(port.StatusInterrupted, err)

		backoff := s.cfg.MinBackoff
		for {
			if !sleepCtx(s.ctx, backoff) {
				return
			}
			backoff = MinDuration(backoff*2, s.cfg.MaxBackoff)

			conn, err = connect(s.ctx, &s.cfg)
			if err == nil {
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			if Terminal(err) {
				l.Error().Err(err).Msg("resubscribe rejected")
				s.status(port.StatusError, err)
				return
			}
			l.Error().Err(err).Msg("ws dial failed")
		}
		if !s.setConn(conn) {
			_ = conn.Close()
			return
		}
		l.Info().Msg("ws reconnected")
		s.status(port.StatusRestored, nil)
	}
}

// Terminal reports whether err must not be retried with the same request.
func Terminal(err error) bool {
	return port.IsUnauthorized(err) || errors.Is(err, port.ErrUnknownSymbol)
}

func connect(ctx context.Context, cfg *StreamConfig) (*websocket.Conn, error) {
	if cfg.Limiter != nil {
		if err := cfg.Limiter.Reserve(ctx); err != nil {
			return nil, err
		}
	}
	conn, err := Dial(ctx, cfg.Dialer, cfg.URL, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.Subscribe != nil {
		if err := cfg.Subscribe(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Dial opens a websocket with a bounded handshake.
func Dial(ctx context.Context, dialer *websocket.Dialer, rawURL string, timeout time.Duration) (*websocket.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(cctx, rawURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, fmt.Errorf("ws dial %s: %w", resp.Status, port.ErrUnauthorized)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return conn, nil
}

// ReadLoop reads messages until the connection fails or ctx ends, pinging
// every pingEvery and dropping the connection after readTimeout of silence.
func ReadLoop(ctx context.Context, conn *websocket.Conn, readTimeout, pingEvery time.Duration, onMessage func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingEvery)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if onMessage != nil {
				onMessage(b)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// unblock the reader
			_ = conn.Close()
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

// MinDuration returns the minimum of two durations
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// BuildQueryURL builds a URL with query parameters
func BuildQueryURL(base, path, query string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base url is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query
	return u.String(), nil
}
