package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"xfeed/internal/infrastructure/config"
	"xfeed/internal/infrastructure/logger"
	"xfeed/internal/infrastructure/svc"
	"xfeed/internal/interfaces/wsapi"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info", true)
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}

	conns := wsapi.NewManager(wsapi.Deps{
		Tickers:       sc.Tickers,
		Trades:        sc.Trades,
		OrderBooks:    sc.OrderBooks,
		Sessions:      sc.Sessions,
		Credentials:   sc.Credentials,
		Symbols:       sc.Symbols,
		Metrics:       sc.Metrics,
		MaxConnAge:    cfg.Server.MaxConnAge.Duration,
		SweepInterval: cfg.Server.SweepInterval.Duration,
		SendBuffer:    cfg.Server.SendBuffer,
		InboundRate:   cfg.Server.InboundRate,
		InboundBurst:  cfg.Server.InboundBurst,
	})
	conns.Start(ctx)

	server := wsapi.NewServer(conns, wsapi.ServerOptions{
		Addr:    cfg.Server.Addr,
		WsPath:  cfg.Server.WsPath,
		Status:  func() any { return sc.Counts() },
		Metrics: sc.Metrics.Handler(),
		Debug:   cfg.App.LogLevel == "debug",
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	log.Info().
		Str("config", *configPath).
		Str("addr", cfg.Server.Addr).
		Strs("venues", venueNames(cfg)).
		Int("symbols", len(cfg.Symbols.List)).
		Msg("xfeed started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server exited")
		}
	}

	// 关闭顺序：HTTP -> 客户端连接 -> 上游/会话/批量写入/存储
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	conns.Close()
	if err := sc.Close(); err != nil {
		log.Warn().Err(err).Msg("service close")
	}
	log.Info().Msg("xfeed stopped")
}

func venueNames(cfg *config.Config) []string {
	var out []string
	for _, v := range cfg.EnabledExchanges() {
		out = append(out, v.String())
	}
	return out
}
