package wsapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ServerOptions HTTP 服务配置
type ServerOptions struct {
	Addr   string
	WsPath string
	// Status returns operational counts for GET /status. Optional.
	Status func() any
	// Metrics serves GET /metrics. Optional.
	Metrics http.Handler
	Debug   bool
}

// Server exposes the websocket endpoint plus status and metrics routes.
type Server struct {
	opts     ServerOptions
	conns    *Manager
	engine   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
}

func NewServer(conns *Manager, opts ServerOptions) *Server {
	if opts.WsPath == "" {
		opts.WsPath = "/ws"
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:   opts,
		conns:  conns,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET(s.opts.WsPath, s.handleWebSocket)
	s.engine.GET("/status", s.getStatus)
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

// Handler exposes the routes for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	s.conns.AddConnection(NewWSTransport(conn))
}

func (s *Server) getStatus(c *gin.Context) {
	body := gin.H{"connections": s.conns.Count()}
	if s.opts.Status != nil {
		body["subscriptions"] = s.opts.Status()
	}
	c.JSON(http.StatusOK, body)
}

// ListenAndServe blocks until the server stops; a Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.opts.Addr).Str("ws_path", s.opts.WsPath).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// tracked by net/http; the connection manager closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
