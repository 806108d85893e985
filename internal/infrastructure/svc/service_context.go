package svc

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"xfeed/internal/application/port"
	"xfeed/internal/application/subscription"
	"xfeed/internal/application/userstream"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/batch"
	"xfeed/internal/infrastructure/config"
	"xfeed/internal/infrastructure/container"
	"xfeed/internal/infrastructure/exchange"
	"xfeed/internal/infrastructure/exchange/binance"
	"xfeed/internal/infrastructure/exchange/bybit"
	"xfeed/internal/infrastructure/metrics"
	"xfeed/internal/infrastructure/ratelimit"
)

type (
	TickerRegistry    = subscription.Registry[model.SubscriptionKey, model.Ticker]
	TradeRegistry     = subscription.Registry[model.SubscriptionKey, model.Trade]
	OrderBookRegistry = subscription.Registry[model.SubscriptionKey, model.OrderBook]
)

// venueClients 单个交易所的行情客户端及其调用配额
type venueClients struct {
	market  port.MarketStreams
	paged   *subscription.PagedTickerOpener // nil: venue handles "*" itself
	limiter *ratelimit.SlidingWindow
}

type ServiceContext struct {
	Ctx     context.Context
	Config  *config.Config
	Metrics *metrics.Metrics

	// 基础设施层（第一层初始化）
	container *container.Container
	catalog   *subscription.SymbolCatalog
	venues    map[model.Venue]*venueClients

	// Symbols 把客户端传入的币种/交易对统一成交易所交易对
	Symbols exchange.SymbolConverter

	// 订阅注册表，每个主题一个
	Tickers    *TickerRegistry
	Trades     *TradeRegistry
	OrderBooks *OrderBookRegistry

	Credentials *userstream.CredentialStore
	Sessions    *userstream.Manager

	// 批量写入
	tickerBatch  *batch.Batcher[string, model.Ticker]
	balanceBatch *batch.Batcher[string, model.Balance]
	orderBatch   *batch.Batcher[string, model.Order]
	tradeBatch   *batch.Batcher[string, model.UserTrade]

	closeOnce sync.Once
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	c, err := container.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}

	sc := &ServiceContext{
		Ctx:       ctx,
		Config:    cfg,
		Metrics:   metrics.New(),
		container: c,
		venues:    make(map[model.Venue]*venueClients),
		Symbols:   exchange.NewCommonSymbolConverter(cfg.Symbols.Quote),
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖关系有序初始化
func (sc *ServiceContext) initializeComponents() error {
	sc.catalog = subscription.NewSymbolCatalog(sc.symbolsTTL(), sc.Config.Symbols.List)

	userVenues, err := sc.initVenues()
	if err != nil {
		return err
	}

	sc.initBatchers()

	sc.Tickers = subscription.NewRegistry[model.SubscriptionKey, model.Ticker]("ticker", sc.openTicker)
	sc.Trades = subscription.NewRegistry[model.SubscriptionKey, model.Trade]("trade", sc.openTrades)
	sc.OrderBooks = subscription.NewRegistry[model.SubscriptionKey, model.OrderBook]("orderbook", sc.openOrderBook)

	sc.Credentials = userstream.NewCredentialStore()
	for _, u := range sc.Config.Users {
		sc.Credentials.Put(u.Token, u.UserID, u.CredentialSet())
	}

	sc.Sessions = userstream.NewManager(userstream.Deps{
		Venues: userVenues,
		Sink: accountSink{
			balances: sc.balanceBatch,
			orders:   sc.orderBatch,
			trades:   sc.tradeBatch,
		},
		OnAuthError: sc.onAuthError,
		OnStatus:    sc.publishStatus,
		Concurrency: len(userVenues),
	})

	sc.registerGauges()

	log.Info().
		Int("venues", len(sc.venues)).
		Int("user_venues", len(userVenues)).
		Int("users", len(sc.Config.Users)).
		Msg("✓ All components initialized")
	return nil
}

// symbolsTTL 取所有启用交易所中最短的交易对缓存时间
func (sc *ServiceContext) symbolsTTL() time.Duration {
	var ttl time.Duration
	for _, v := range sc.Config.EnabledExchanges() {
		ex, _ := sc.Config.Exchange(v)
		if d := ex.SymbolsTTL.Duration; d > 0 && (ttl == 0 || d < ttl) {
			ttl = d
		}
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return ttl
}

// initVenues 为每个启用的交易所创建客户端，共享一个按交易所划分的限流器
func (sc *ServiceContext) initVenues() ([]userstream.VenueClient, error) {
	var userVenues []userstream.VenueClient
	for _, venue := range sc.Config.EnabledExchanges() {
		ex, _ := sc.Config.Exchange(venue)
		vc := &venueClients{
			limiter: ratelimit.New(ex.RateLimit, ex.RateWindow.Duration,
				ratelimit.WithWaitObserver(sc.Metrics.LimiterWait(venue.String()))),
		}

		switch venue {
		case model.VenueBinance:
			client := binance.New(binance.Config{
				WsURL:   ex.WsURL,
				RestURL: ex.RestURL,
				Limiter: vc.limiter,
			})
			vc.market = client
			sc.catalog.Register(venue, client)
			// client 自身已经按限流器发起 REST 调用
			userVenues = append(userVenues, userstream.VenueClient{
				Streams:    client,
				RenewEvery: ex.ListenKeyRenew.Duration,
			})

		case model.VenueBybit:
			client := bybit.New(bybit.Config{
				WsURL:               ex.WsURL,
				RestURL:             ex.RestURL,
				MaxSymbolsPerStream: ex.MaxSymbolsPerStream,
				Limiter:             vc.limiter,
			})
			vc.market = client
			vc.paged = subscription.NewPagedTickerOpener(venue, client, sc.catalog)
			sc.catalog.Register(venue, client)

		default:
			log.Warn().Str("venue", venue.String()).Msg("no stream adapter for venue, skipping")
			continue
		}

		sc.venues[venue] = vc
		log.Info().
			Str("venue", venue.String()).
			Int("rate_limit", ex.RateLimit).
			Dur("rate_window", ex.RateWindow.Duration).
			Msg("✓ venue initialized")
	}
	if len(sc.venues) == 0 {
		return nil, ErrNoVenuesEnabled
	}
	return userVenues, nil
}

// initBatchers 账户数据写入存储，行情写入 redis 最新价（未启用 redis 时跳过）
func (sc *ServiceContext) initBatchers() {
	interval := sc.Config.Batch.FlushInterval.Duration
	store := sc.container.Store()

	sc.balanceBatch = batch.New("balances", interval, model.MergeBalance,
		func(ctx context.Context, m map[string]model.Balance) error {
			return store.UpsertBalances(ctx, values(m))
		})
	sc.orderBatch = batch.New("orders", interval, model.MergeOrder,
		func(ctx context.Context, m map[string]model.Order) error {
			return store.UpsertOrders(ctx, values(m))
		})
	sc.tradeBatch = batch.New[string, model.UserTrade]("user_trades", interval, nil,
		func(ctx context.Context, m map[string]model.UserTrade) error {
			return store.UpsertUserTrades(ctx, values(m))
		})

	sc.balanceBatch.SetObserver(sc.Metrics.ObserveFlush)
	sc.orderBatch.SetObserver(sc.Metrics.ObserveFlush)
	sc.tradeBatch.SetObserver(sc.Metrics.ObserveFlush)

	// flush loops outlive sc.Ctx so Close can still drain them
	bg := context.Background()
	sc.balanceBatch.Start(bg)
	sc.orderBatch.Start(bg)
	sc.tradeBatch.Start(bg)

	if cache := sc.container.TickerCache(); cache != nil {
		sc.tickerBatch = batch.New[string, model.Ticker]("tickers", interval, nil,
			func(ctx context.Context, m map[string]model.Ticker) error {
				return cache.UpsertTickers(ctx, values(m))
			})
		sc.tickerBatch.SetObserver(sc.Metrics.ObserveFlush)
		sc.tickerBatch.Start(bg)
	}
}

func values[K comparable, T any](m map[K]T) []T {
	return slices.Collect(maps.Values(m))
}

func (sc *ServiceContext) venue(v model.Venue) (*venueClients, error) {
	vc, ok := sc.venues[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVenueDisabled, v)
	}
	return vc, nil
}

// openTicker 行情上游。每个上游事件只进入一次批量缓存，与下游订阅数无关。
func (sc *ServiceContext) openTicker(ctx context.Context, key model.SubscriptionKey, onData func(model.Ticker), onStatus port.StatusFunc) (port.Handle, error) {
	vc, err := sc.venue(key.Venue)
	if err != nil {
		return nil, err
	}
	if sc.tickerBatch != nil {
		deliver := onData
		onData = func(t model.Ticker) {
			sc.tickerBatch.Add(model.TickerKey(t), t)
			deliver(t)
		}
	}
	if key.Target == model.AllSymbols && vc.paged != nil {
		return vc.paged.Open(ctx, key, onData, onStatus)
	}
	return vc.market.SubscribeTicker(ctx, key.Target, onData, onStatus)
}

func (sc *ServiceContext) openTrades(ctx context.Context, key model.SubscriptionKey, onData func(model.Trade), onStatus port.StatusFunc) (port.Handle, error) {
	vc, err := sc.venue(key.Venue)
	if err != nil {
		return nil, err
	}
	if key.Target == model.AllSymbols {
		return nil, ErrAllSymbolsUnsupported
	}
	return vc.market.SubscribeTrades(ctx, key.Target, onData, onStatus)
}

// openOrderBook Params 为深度档位，空值使用交易所默认档位
func (sc *ServiceContext) openOrderBook(ctx context.Context, key model.SubscriptionKey, onData func(model.OrderBook), onStatus port.StatusFunc) (port.Handle, error) {
	vc, err := sc.venue(key.Venue)
	if err != nil {
		return nil, err
	}
	if key.Target == model.AllSymbols {
		return nil, ErrAllSymbolsUnsupported
	}
	depth := 0
	if key.Params != "" {
		if depth, err = strconv.Atoi(key.Params); err != nil {
			return nil, fmt.Errorf("invalid depth %q: %w", key.Params, err)
		}
	}
	return vc.market.SubscribeOrderBook(ctx, key.Target, depth, onData, onStatus)
}

func (sc *ServiceContext) onAuthError(userID string, venue model.Venue, err error) {
	log.Warn().Err(err).Str("user_id", userID).Str("venue", venue.String()).Msg("credentials rejected, marking invalid")
	sc.Credentials.MarkInvalid(userID, venue)
	sc.Metrics.AuthFailure(venue.String())
}

// publishStatus 推送到 redis 状态频道；回调内不做网络阻塞
func (sc *ServiceContext) publishStatus(userID string, ev port.StatusEvent) {
	pub := sc.container.StatusPublisher()
	if pub == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.PublishStatus(ctx, userID, ev); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("publish status failed")
		}
	}()
}

func (sc *ServiceContext) registerGauges() {
	topics := []struct {
		topic         model.Topic
		upstreams     func() int
		registrations func() int
	}{
		{model.TopicTicker, sc.Tickers.Count, sc.Tickers.Registrations},
		{model.TopicTrade, sc.Trades.Count, sc.Trades.Registrations},
		{model.TopicOrderBook, sc.OrderBooks.Count, sc.OrderBooks.Registrations},
	}
	for _, t := range topics {
		labels := prometheus.Labels{"topic": string(t.topic)}
		sc.Metrics.Gauge("upstream_subscriptions", "Open upstream subscriptions.", labels,
			func() float64 { return float64(t.upstreams()) })
		sc.Metrics.Gauge("downstream_registrations", "Downstream registrations across upstreams.", labels,
			func() float64 { return float64(t.registrations()) })
	}
	sc.Metrics.Gauge("user_sessions", "Active user stream sessions.", nil,
		func() float64 { return float64(sc.Sessions.Sessions()) })
}

// Counts 运维状态接口使用的计数
type Counts struct {
	Upstreams     map[model.Topic]int `json:"upstreams"`
	Registrations map[model.Topic]int `json:"registrations"`
	Sessions      int                 `json:"sessions"`
}

func (sc *ServiceContext) Counts() Counts {
	return Counts{
		Upstreams: map[model.Topic]int{
			model.TopicTicker:    sc.Tickers.Count(),
			model.TopicTrade:     sc.Trades.Count(),
			model.TopicOrderBook: sc.OrderBooks.Count(),
		},
		Registrations: map[model.Topic]int{
			model.TopicTicker:    sc.Tickers.Registrations(),
			model.TopicTrade:     sc.Trades.Registrations(),
			model.TopicOrderBook: sc.OrderBooks.Registrations(),
		},
		Sessions: sc.Sessions.Sessions(),
	}
}

// Store 账户数据存储
func (sc *ServiceContext) Store() port.Store {
	return sc.container.Store()
}

// Close 关闭 ServiceContext 中的所有资源：先停上游（注册表、会话），
// 再停批量写入（最后一次 flush），最后关闭存储
func (sc *ServiceContext) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		if sc.Tickers != nil {
			sc.Tickers.Close()
			sc.Trades.Close()
			sc.OrderBooks.Close()
		}
		if sc.Sessions != nil {
			sc.Sessions.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if sc.tickerBatch != nil {
			sc.tickerBatch.Stop(ctx)
		}
		if sc.balanceBatch != nil {
			sc.balanceBatch.Stop(ctx)
			sc.orderBatch.Stop(ctx)
			sc.tradeBatch.Stop(ctx)
		}

		err = sc.container.Close()
	})
	return err
}

// accountSink 私有流事件进入批量写入，每个上游事件一次
type accountSink struct {
	balances *batch.Batcher[string, model.Balance]
	orders   *batch.Batcher[string, model.Order]
	trades   *batch.Batcher[string, model.UserTrade]
}

func (s accountSink) OnBalance(b model.Balance)     { s.balances.Add(model.BalanceKey(b), b) }
func (s accountSink) OnOrder(o model.Order)         { s.orders.Add(model.OrderKey(o), o) }
func (s accountSink) OnUserTrade(t model.UserTrade) { s.trades.Add(model.UserTradeKey(t), t) }

var _ port.AccountSink = accountSink{}
