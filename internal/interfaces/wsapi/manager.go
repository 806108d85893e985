package wsapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"xfeed/internal/application/port"
	"xfeed/internal/application/subscription"
	"xfeed/internal/application/userstream"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/metrics"
)

var (
	errUnknownOp     = errors.New("unknown op")
	errBadRequest    = errors.New("invalid message")
	errRateLimited   = errors.New("rate limited")
	errInvalidToken  = errors.New("invalid token")
	errAuthenticated = errors.New("already authenticated")
	errAuthPending   = errors.New("authentication in progress")
	errUserTopic     = errors.New("user topics are delivered after auth")
	errMissingSymbol = errors.New("missing symbol")
	errNotSubscribed = errors.New("not subscribed")
)

// SessionManager attaches connections to per-user private stream sessions.
type SessionManager interface {
	Attach(ctx context.Context, connID, userID string, creds model.CredentialSet, cb userstream.Callbacks) ([]userstream.Result, error)
	Detach(userID, connID string)
}

// CredentialLookup resolves an auth token.
type CredentialLookup interface {
	Lookup(token string) (userID string, creds model.CredentialSet, ok bool)
}

// SymbolNormalizer turns client symbols ("btc", "BTC/USDT") into venue pairs.
type SymbolNormalizer interface {
	Normalize(s string) string
}

// Deps 连接管理器依赖
type Deps struct {
	Tickers    *subscription.Registry[model.SubscriptionKey, model.Ticker]
	Trades     *subscription.Registry[model.SubscriptionKey, model.Trade]
	OrderBooks *subscription.Registry[model.SubscriptionKey, model.OrderBook]

	Sessions    SessionManager
	Credentials CredentialLookup
	Symbols     SymbolNormalizer
	Metrics     *metrics.Metrics // optional

	// MaxConnAge evicts connections older than this; 0 disables the sweep.
	MaxConnAge    time.Duration
	SweepInterval time.Duration
	SendBuffer    int
	// InboundRate is messages per second per connection; 0 disables the guard.
	InboundRate  float64
	InboundBurst int
}

// connection 单个客户端连接
type connection struct {
	id        string
	transport Transport
	created   time.Time
	send      chan []byte
	done      chan struct{}
	limiter   *rate.Limiter

	// ctx bounds work started on behalf of this connection (auth, opens)
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	authing bool
	userID  string

	closeOnce sync.Once
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Manager 下游客户端连接管理：读循环、按主题路由订阅、统一拆除、超龄清理、非阻塞发送
type Manager struct {
	deps Deps

	mu    sync.RWMutex
	conns map[string]*connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(deps Deps) *Manager {
	if deps.SendBuffer <= 0 {
		deps.SendBuffer = 256
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = time.Minute
	}
	if deps.InboundRate > 0 && deps.InboundBurst <= 0 {
		deps.InboundBurst = int(deps.InboundRate) + 1
	}
	m := &Manager{
		deps:  deps,
		conns: make(map[string]*connection),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if deps.Metrics != nil {
		deps.Metrics.Gauge("connections", "Open client connections.", nil,
			func() float64 { return float64(m.Count()) })
	}
	return m
}

// Start launches the idle eviction sweep.
func (m *Manager) Start(ctx context.Context) {
	if m.deps.MaxConnAge <= 0 {
		return
	}
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// AddConnection registers t and starts its read loop and writer.
func (m *Manager) AddConnection(t Transport) string {
	c := &connection{
		id:        uuid.NewString(),
		transport: t,
		created:   time.Now(),
		send:      make(chan []byte, m.deps.SendBuffer),
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(m.ctx)
	if m.deps.InboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(m.deps.InboundRate), m.deps.InboundBurst)
	}

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(c)
	go m.writeLoop(c)

	log.Info().Str("conn_id", c.id).Str("remote", t.RemoteAddr()).Msg("client connected")
	return c.id
}

func (m *Manager) get(connID string) *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connID]
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// readLoop 每个连接一个，按顺序处理消息；退出时统一拆除
func (m *Manager) readLoop(c *connection) {
	defer m.wg.Done()
	defer m.teardown(c, "read loop exited")

	for {
		raw, err := c.transport.Read()
		if err != nil {
			log.Debug().Err(err).Str("conn_id", c.id).Msg("client read ended")
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			if m.deps.Metrics != nil {
				m.deps.Metrics.InboundDenied()
			}
			m.enqueue(c, errorFrame(Request{}, errRateLimited))
			continue
		}
		m.handle(c, raw)
	}
}

func (m *Manager) writeLoop(c *connection) {
	defer m.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.transport.Write(frame); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("client write failed")
				m.teardown(c, "write failed")
				return
			}
		}
	}
}

// HandleInboundMessage processes one raw message as if read from connID.
func (m *Manager) HandleInboundMessage(connID string, raw []byte) {
	if c := m.get(connID); c != nil {
		m.handle(c, raw)
	}
}

func (m *Manager) handle(c *connection, raw []byte) {
	req, err := decodeRequest(raw)
	if err != nil {
		log.Debug().Err(err).Str("conn_id", c.id).Msg("bad client message")
		m.enqueue(c, errorFrame(Request{}, fmt.Errorf("%w: %v", errBadRequest, err)))
		return
	}

	switch req.Op {
	case OpPing:
		m.enqueue(c, encode(Frame{Type: FramePong, ID: req.ID}))
	case OpAuth:
		m.authenticate(c, req)
	case OpSubscribe:
		m.subscribe(c, req)
	case OpUnsubscribe:
		m.unsubscribe(c, req)
	default:
		m.enqueue(c, errorFrame(req, fmt.Errorf("%w %q", errUnknownOp, req.Op)))
	}
}

// authenticate 异步挂载用户会话，读循环不等待交易所往返
func (m *Manager) authenticate(c *connection, req Request) {
	userID, creds, ok := m.deps.Credentials.Lookup(req.Token)
	if !ok {
		m.enqueue(c, errorFrame(req, errInvalidToken))
		return
	}

	c.mu.Lock()
	switch {
	case c.userID != "":
		c.mu.Unlock()
		m.enqueue(c, errorFrame(req, errAuthenticated))
		return
	case c.authing:
		c.mu.Unlock()
		m.enqueue(c, errorFrame(req, errAuthPending))
		return
	}
	c.authing = true
	c.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		results, err := m.deps.Sessions.Attach(c.ctx, c.id, userID, creds, m.userCallbacks(c))

		c.mu.Lock()
		c.authing = false
		closed := c.closed
		if err == nil && !closed {
			c.userID = userID
		}
		c.mu.Unlock()

		if errors.Is(err, userstream.ErrNoVenueOpened) {
			// no session was kept; the client may retry what failed
			log.Warn().Str("conn_id", c.id).Str("user_id", userID).Int("results", len(results)).Msg("auth opened no user stream")
			m.enqueue(c, authFrame(req.ID, results))
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("conn_id", c.id).Str("user_id", userID).Msg("auth failed")
			m.enqueue(c, errorFrame(req, err))
			return
		}
		if closed {
			// teardown already ran without seeing the user
			m.deps.Sessions.Detach(userID, c.id)
			return
		}
		log.Info().Str("conn_id", c.id).Str("user_id", userID).Int("results", len(results)).Msg("client authenticated")
		m.enqueue(c, authFrame(req.ID, results))
	}()
}

func (m *Manager) userCallbacks(c *connection) userstream.Callbacks {
	return userstream.Callbacks{
		Balance: func(b model.Balance) {
			m.enqueue(c, dataFrame(model.TopicBalance, b.Venue, "", b))
		},
		Order: func(o model.Order) {
			m.enqueue(c, dataFrame(model.TopicOrder, o.Venue, o.Symbol, o))
		},
		Trade: func(t model.UserTrade) {
			m.enqueue(c, dataFrame(model.TopicUserTrade, t.Venue, t.Symbol, t))
		},
		Status: func(ev port.StatusEvent) {
			m.enqueue(c, statusFrame(ev))
		},
	}
}

// marketKey 解析并规范化行情订阅键
func (m *Manager) marketKey(req Request) (model.SubscriptionKey, error) {
	topic, ok := model.ParseTopic(req.Topic)
	if !ok {
		return model.SubscriptionKey{}, fmt.Errorf("unknown topic %q", req.Topic)
	}
	switch topic {
	case model.TopicBalance, model.TopicOrder, model.TopicUserTrade:
		return model.SubscriptionKey{}, errUserTopic
	}
	venue, ok := model.ParseVenue(req.Venue)
	if !ok {
		return model.SubscriptionKey{}, fmt.Errorf("unknown venue %q", req.Venue)
	}
	symbol := m.deps.Symbols.Normalize(req.Symbol)
	if symbol == "" {
		return model.SubscriptionKey{}, errMissingSymbol
	}
	key := model.SubscriptionKey{Topic: topic, Venue: venue, Target: symbol}
	if topic == model.TopicOrderBook && req.Depth > 0 {
		key.Params = strconv.Itoa(req.Depth)
	}
	return key, nil
}

func (m *Manager) subscribe(c *connection, req Request) {
	key, err := m.marketKey(req)
	if err != nil {
		m.enqueue(c, errorFrame(req, err))
		return
	}
	if c.isClosed() {
		return
	}

	onStatus := func(ev port.StatusEvent) { m.enqueue(c, statusFrame(ev)) }
	var ack subscription.Ack
	switch key.Topic {
	case model.TopicTicker:
		ack, err = m.deps.Tickers.Subscribe(c.ctx, c.id, key, func(t model.Ticker) {
			m.enqueue(c, dataFrame(key.Topic, t.Venue, t.Symbol, t))
		}, onStatus)
	case model.TopicTrade:
		ack, err = m.deps.Trades.Subscribe(c.ctx, c.id, key, func(t model.Trade) {
			m.enqueue(c, dataFrame(key.Topic, t.Venue, t.Symbol, t))
		}, onStatus)
	case model.TopicOrderBook:
		ack, err = m.deps.OrderBooks.Subscribe(c.ctx, c.id, key, func(b model.OrderBook) {
			m.enqueue(c, dataFrame(key.Topic, b.Venue, b.Symbol, b))
		}, onStatus)
	}
	if err != nil {
		m.enqueue(c, errorFrame(req, err))
		return
	}
	if c.isClosed() {
		// teardown's UnsubscribeAll may already have run
		m.unsubscribeKey(c.id, key)
		return
	}
	m.enqueue(c, encode(Frame{Type: FrameAck, ID: req.ID, Topic: key.Topic, Venue: key.Venue, Symbol: key.Target, Ack: &ack}))
}

func (m *Manager) unsubscribeKey(connID string, key model.SubscriptionKey) bool {
	switch key.Topic {
	case model.TopicTicker:
		return m.deps.Tickers.Unsubscribe(connID, key)
	case model.TopicTrade:
		return m.deps.Trades.Unsubscribe(connID, key)
	case model.TopicOrderBook:
		return m.deps.OrderBooks.Unsubscribe(connID, key)
	}
	return false
}

func (m *Manager) unsubscribe(c *connection, req Request) {
	key, err := m.marketKey(req)
	if err != nil {
		m.enqueue(c, errorFrame(req, err))
		return
	}
	if !m.unsubscribeKey(c.id, key) {
		m.enqueue(c, errorFrame(req, errNotSubscribed))
		return
	}
	m.enqueue(c, encode(Frame{Type: FrameAck, ID: req.ID, Topic: key.Topic, Venue: key.Venue, Symbol: key.Target}))
}

// Send queues frame for connID. A full buffer drops the frame: a slow
// reader must not stall fan-out to everyone else.
func (m *Manager) Send(connID string, frame []byte) {
	if c := m.get(connID); c != nil {
		m.enqueue(c, frame)
	}
}

func (m *Manager) enqueue(c *connection, frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
		if m.deps.Metrics != nil {
			m.deps.Metrics.FrameSent()
		}
	default:
		if m.deps.Metrics != nil {
			m.deps.Metrics.FrameDropped()
		}
		log.Debug().Str("conn_id", c.id).Int("buffer", cap(c.send)).Msg("send buffer full, frame dropped")
	}
}

// RemoveConnection tears connID down through the same path as a disconnect.
func (m *Manager) RemoveConnection(connID string) {
	if c := m.get(connID); c != nil {
		m.teardown(c, "removed")
	}
}

// teardown 只执行一次：退订所有主题、解除会话，最后释放连接 id
func (m *Manager) teardown(c *connection, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		userID := c.userID
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		_ = c.transport.Close()

		n := m.deps.Tickers.UnsubscribeAll(c.id) +
			m.deps.Trades.UnsubscribeAll(c.id) +
			m.deps.OrderBooks.UnsubscribeAll(c.id)
		if userID != "" {
			m.deps.Sessions.Detach(userID, c.id)
		}

		m.mu.Lock()
		delete(m.conns, c.id)
		m.mu.Unlock()

		log.Info().
			Str("conn_id", c.id).
			Str("user_id", userID).
			Int("unsubscribed", n).
			Str("reason", reason).
			Dur("age", time.Since(c.created)).
			Msg("client disconnected")
	})
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.deps.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep 关闭超过最大存活时间的连接，不论是否活跃
func (m *Manager) sweep(now time.Time) int {
	m.mu.RLock()
	var stale []*connection
	for _, c := range m.conns {
		if now.Sub(c.created) > m.deps.MaxConnAge {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		m.teardown(c, "max age")
	}
	if len(stale) > 0 {
		log.Info().Int("evicted", len(stale)).Msg("stale connections swept")
	}
	return len(stale)
}

// Close disconnects every client and waits for their goroutines.
func (m *Manager) Close() {
	m.cancel()

	m.mu.RLock()
	all := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	m.mu.RUnlock()

	for _, c := range all {
		m.teardown(c, "shutdown")
	}
	m.wg.Wait()
	log.Info().Int("closed", len(all)).Msg("connection manager closed")
}
