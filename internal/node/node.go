// Package node assembles a broker, its admin API and logging from a resolved
// configuration and runs them until shutdown.
package node

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/dgibroker/internal/auth"
	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/danmuck/dgibroker/internal/config"
	"github.com/danmuck/dgibroker/internal/logging"
	"github.com/danmuck/dgibroker/internal/observability"
	"github.com/danmuck/dgibroker/internal/protocol/session"
	"github.com/danmuck/dgibroker/internal/server"
	"github.com/rs/zerolog"
)

var ErrAlreadyStarted = errors.New("node: already started")

type Service struct {
	cfg    config.Config
	logger zerolog.Logger
	broker *broker.Broker
	admin  *server.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errc    chan error
}

func NewService(cfg config.Config) (*Service, error) {
	if cfg.LogLevel != "" {
		logging.SetLevel(cfg.LogLevel)
	}
	logger := observability.NodeLogger("dgibroker", cfg.NodeID)
	if cfg.GeneratedID {
		logger.Warn().Msg("node.NewService no node_id configured, using a random id")
	}

	opts := cfg.BrokerOptions()
	opts.Logger = &logger
	b, err := broker.New(opts)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:    cfg,
		logger: logger,
		broker: b,
		errc:   make(chan error, 1),
	}
	b.OnReceive(s.logDelivery)
	if cfg.AdminAddr != "" {
		adminOpts := server.Options{
			Addr:        cfg.AdminAddr,
			CorsOrigins: cfg.CorsOrigins,
			Broker:      b,
			Logger:      &logger,
		}
		if cfg.AdminToken != "" {
			adminOpts.Auth = auth.StaticToken{Token: cfg.AdminToken}
		}
		s.admin = server.New(adminOpts)
	}
	return s, nil
}

func (s *Service) Broker() *broker.Broker {
	return s.broker
}

// Admin is nil when no admin address is configured.
func (s *Service) Admin() *server.Server {
	return s.admin
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx ends or a component fails, then shuts down.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errc:
		s.logger.Error().Err(runErr).Msg("node.Service component failed")
	}
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Start launches the broker, the admin API and the status loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := s.broker.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.started = true
	s.cancel = cancel

	if s.admin != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.admin.Serve(ctx); err != nil {
				s.fail(err)
			}
		}()
	}
	if s.cfg.StatusInterval > 0 {
		s.wg.Add(1)
		go s.statusLoop(ctx, s.cfg.StatusInterval)
	}
	s.logger.Info().
		Str("listen", s.broker.Addr()).
		Str("admin", s.cfg.AdminAddr).
		Int("peers", len(s.cfg.Peers)).
		Msg("node.Service started")
	return nil
}

// Close stops every component and waits for them.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := s.broker.Close()
	s.wg.Wait()
	s.logger.Info().Msg("node.Service stopped")
	return err
}

func (s *Service) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

func (s *Service) statusLoop(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStatus()
		}
	}
}

func (s *Service) logStatus() {
	for _, p := range s.broker.Peers() {
		ev := s.logger.Info().
			Str("peer", p.ID).
			Bool("connected", p.Connected).
			Uint64("connects", p.Connects).
			Uint64("unhealthy", p.Unhealthy)
		if p.Session != nil {
			ev = ev.
				Int("window", p.Session.WindowLen).
				Uint64("delivered", p.Session.Delivered).
				Uint64("retransmitted", p.Session.Retransmitted).
				Uint64("expired", p.Session.Expired)
		}
		if p.LastError != "" {
			ev = ev.Str("last_error", p.LastError)
		}
		ev.Msg("node.Service peer status")
	}
}

func (s *Service) logDelivery(d session.Delivery) {
	s.logger.Debug().
		Str("peer", d.Peer).
		Uint32("seq", d.Sequence).
		Int("bytes", len(d.Payload)).
		Msg("node.Service delivery")
}
