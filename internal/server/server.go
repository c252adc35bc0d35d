// Package server exposes the admin HTTP API of a broker node.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/dgibroker/internal/auth"
	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/danmuck/dgibroker/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	Version = "0.1.0"

	// MaxSendBytes bounds a payload posted to /peers/:id/send.
	MaxSendBytes  = 1 << 20
	sendTimeout   = 5 * time.Second
	shutdownGrace = 5 * time.Second
)

// Broker is the part of broker.Broker the admin API needs.
type Broker interface {
	LocalID() string
	Peers() []broker.PeerStatus
	Peer(id string) (broker.PeerStatus, error)
	Send(ctx context.Context, peerID string, payload []byte) error
}

var _ Broker = (*broker.Broker)(nil)

type Options struct {
	Addr        string
	CorsOrigins []string
	Broker      Broker
	// Auth, when set, guards the mutating routes with a bearer token.
	Auth   auth.Validator
	Logger *zerolog.Logger
}

type Server struct {
	addr     string
	broker   Broker
	auth     auth.Validator
	logger   zerolog.Logger
	router   *gin.Engine
	appeared time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "admin").Logger()
	node := opts.Broker.LocalID()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     opts.Addr,
		broker:   opts.Broker,
		auth:     opts.Auth,
		logger:   logger,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr is the bound address once Serve has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve listens on the configured address and blocks until ctx ends or the
// server fails. On ctx end it shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server.Serve listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("server.Serve stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
