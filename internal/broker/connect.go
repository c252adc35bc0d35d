package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/dgibroker/internal/observability"
	"github.com/danmuck/dgibroker/internal/protocol/session"
	"github.com/danmuck/dgibroker/internal/transport"
)

type identified interface {
	PeerIdentity() string
}

func (b *Broker) dial(ctx context.Context, p Peer) (transport.Stream, error) {
	if b.opts.Dial != nil {
		return b.opts.Dial(ctx, p)
	}
	switch p.Transport {
	case TransportWebSocket:
		return transport.DialWebSocket(ctx, p.Addr, b.opts.Transport)
	default:
		return transport.DialTCP(ctx, p.Addr, b.opts.Transport)
	}
}

// dialLoop keeps one outbound session to p alive until ctx ends.
func (b *Broker) dialLoop(ctx context.Context, p Peer) {
	defer b.wg.Done()
	logger := b.logger.With().Str("peer", p.ID).Str("addr", p.Addr).Logger()

	attempt := 0
	for ctx.Err() == nil {
		attempt++
		err := b.connectOnce(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.recordError(p.ID, err)
		}
		switch {
		case errors.Is(err, errSessionEnded):
			// A session that came up resets the failure count.
			attempt = 1
		case b.opts.MaxConnectAttempts > 0 && attempt >= b.opts.MaxConnectAttempts:
			logger.Error().Err(err).Int("attempt", attempt).Msg("broker.dialLoop giving up")
			return
		}
		delay := b.backoff(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("broker.dialLoop reconnecting")
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

var errSessionEnded = errors.New("broker: session ended")

func (b *Broker) connectOnce(ctx context.Context, p Peer) error {
	stream, err := b.dial(ctx, p)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	remote, err := session.ClientHandshake(stream, b.opts.Local, b.opts.Session.HandshakeTimeout)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if remote.NodeID != p.ID {
		_ = stream.Close()
		return fmt.Errorf("%w: expected %s, got %s", ErrUnknownPeer, p.ID, remote.NodeID)
	}
	if err := b.checkIdentity(stream, remote); err != nil {
		_ = stream.Close()
		return err
	}
	runErr := b.runConn(ctx, remote, stream)
	return fmt.Errorf("%w: %v", errSessionEnded, runErr)
}

func (b *Broker) acceptLoop(ctx context.Context, ln transport.Listener) {
	defer b.wg.Done()
	for {
		stream, err := ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("broker.acceptLoop accept failed")
			if sleepCtx(ctx, 50*time.Millisecond) != nil {
				return
			}
			continue
		}
		b.wg.Add(1)
		go b.handleInbound(ctx, stream)
	}
}

func (b *Broker) handleInbound(ctx context.Context, stream transport.Stream) {
	defer b.wg.Done()
	remote, err := session.ServerHandshake(stream, b.opts.Local, b.opts.Session.HandshakeTimeout, func(h session.Hello) error {
		return b.admit(stream, h)
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("remote", stream.RemoteAddr()).Msg("broker.handleInbound handshake failed")
		_ = stream.Close()
		return
	}
	err = b.runConn(ctx, remote, stream)
	if ctx.Err() == nil {
		b.recordError(remote.NodeID, err)
	}
}

// admit decides whether an inbound hello may open a session.
func (b *Broker) admit(stream transport.Stream, h session.Hello) error {
	if h.NodeID == b.opts.Local.NodeID {
		return ErrSelfConnect
	}
	b.mu.Lock()
	_, known := b.peers[h.NodeID]
	if !known && b.opts.AcceptUnknown {
		b.peers[h.NodeID] = &peerState{peer: Peer{ID: h.NodeID, Transport: TransportTCP}}
		known = true
	}
	b.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, h.NodeID)
	}
	if b.initiates(h.NodeID) {
		return fmt.Errorf("%w: %s", ErrDialDirection, h.NodeID)
	}
	return b.checkIdentity(stream, h)
}

func (b *Broker) checkIdentity(stream transport.Stream, h session.Hello) error {
	id, ok := stream.(identified)
	if !ok {
		return nil
	}
	if certID := id.PeerIdentity(); certID != "" && certID != h.NodeID {
		return fmt.Errorf("%w: cert=%s hello=%s", ErrIdentityMismatch, certID, h.NodeID)
	}
	return nil
}

// runConn registers a session for remote and blocks until it ends. A newer
// session for the same peer replaces an older one.
func (b *Broker) runConn(ctx context.Context, remote session.Hello, stream transport.Stream) error {
	conn, err := session.NewConn(session.ConnOptions{
		Config:      b.opts.Session,
		Local:       b.opts.Local.Origin(),
		PeerID:      remote.NodeID,
		Stream:      stream,
		OnReceive:   b.dispatch,
		OnUnhealthy: b.markUnhealthy,
		Logger:      &b.logger,
	})
	if err != nil {
		_ = stream.Close()
		return err
	}

	b.mu.Lock()
	ps, ok := b.peers[remote.NodeID]
	if !ok {
		b.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote.NodeID)
	}
	old := ps.conn
	ps.conn = conn
	ps.remote = remote
	ps.connects++
	ps.since = time.Now()
	ps.lastErr = ""
	observability.SetPeersConnected(b.opts.Local.NodeID, b.connectedCountLocked())
	b.mu.Unlock()
	if old != nil {
		b.logger.Info().Str("peer", remote.NodeID).Msg("broker.runConn replacing existing session")
		_ = old.Close()
	}

	b.logger.Info().Str("peer", remote.NodeID).Str("remote", stream.RemoteAddr()).Msg("broker.runConn session up")
	runErr := conn.Run(ctx)

	b.mu.Lock()
	if ps.conn == conn {
		ps.conn = nil
		stats := conn.Stats()
		ps.last = &stats
	}
	observability.SetPeersConnected(b.opts.Local.NodeID, b.connectedCountLocked())
	b.mu.Unlock()
	b.logger.Info().Err(runErr).Str("peer", remote.NodeID).Msg("broker.runConn session down")
	return runErr
}
