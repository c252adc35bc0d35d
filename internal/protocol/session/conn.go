package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dgibroker/internal/observability"
	"github.com/danmuck/dgibroker/internal/protocol/envelope"
	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/danmuck/dgibroker/internal/protocol/schema"
	"github.com/danmuck/dgibroker/internal/protocol/sr"
	"github.com/danmuck/dgibroker/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnUnhealthy      = errors.New("session: connection unhealthy")
	ErrConnClosed         = errors.New("session: connection closed")
	ErrConnAlreadyRunning = errors.New("session: connection already running")
)

// Delivery is one accepted payload handed to the consumer.
type Delivery struct {
	Peer     string
	Origin   envelope.Origin
	Sequence uint32
	SentAt   time.Time
	Payload  []byte
}

type ConnOptions struct {
	Config Config
	// Local stamps outbound envelopes.
	Local  envelope.Origin
	PeerID string
	Stream transport.Stream

	// OnReceive runs on the event loop goroutine for every accepted payload.
	OnReceive func(Delivery)
	// OnUnhealthy runs at most once, when the drop threshold is exceeded.
	OnUnhealthy func(peerID string)

	Now    func() time.Time
	Logger *zerolog.Logger
}

// Conn drives one sr.Machine over one stream. All protocol state is touched
// only by the Run goroutine.
type Conn struct {
	cfg         Config
	local       envelope.Origin
	peerID      string
	stream      transport.Stream
	onReceive   func(Delivery)
	onUnhealthy func(string)
	now         func() time.Time
	logger      zerolog.Logger

	machine *sr.Machine

	sendCh chan []byte
	inCh   chan envelope.Envelope
	fireCh chan uint64

	timer    *time.Timer
	timerGen uint64
	msgID    uint64

	running       atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
	unhealthyOnce sync.Once

	mu    sync.RWMutex
	stats Stats
}

func NewConn(opts ConnOptions) (*Conn, error) {
	if opts.Stream == nil {
		return nil, fmt.Errorf("%w: missing stream", ErrInvalidConfig)
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("peer", opts.PeerID).Logger()
	machine, err := sr.New(sr.Options{
		Config: cfg.Protocol,
		Origin: opts.Local,
		Logger: &logger,
	})
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Conn{
		cfg:         cfg,
		local:       opts.Local,
		peerID:      opts.PeerID,
		stream:      opts.Stream,
		onReceive:   opts.OnReceive,
		onUnhealthy: opts.OnUnhealthy,
		now:         now,
		logger:      logger,
		machine:     machine,
		sendCh:      make(chan []byte),
		inCh:        make(chan envelope.Envelope, cfg.InboundBuffer),
		fireCh:      make(chan uint64),
		done:        make(chan struct{}),
	}
	c.stats = Stats{
		PeerID:      opts.PeerID,
		Remote:      opts.Stream.RemoteAddr(),
		ConnectedAt: now(),
	}
	return c, nil
}

func (c *Conn) PeerID() string {
	return c.peerID
}

// Send queues payload for ordered delivery. It returns once the event loop
// has taken the payload into the send window.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	buf := append([]byte(nil), payload...)
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendCh <- buf:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the event loop and closes the stream. It is safe to call more
// than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.stream.Close()
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run owns the connection until ctx ends, Close is called, the stream fails
// or the protocol declares the link unhealthy.
func (c *Conn) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrConnAlreadyRunning
	}
	readErr := make(chan error, 1)
	go c.readLoop(readErr)
	defer c.teardown()

	c.logger.Info().Str("remote", c.stream.RemoteAddr()).Msg("session.Conn.Run started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrConnClosed
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrConnClosed, err)
			}
			return fmt.Errorf("session: read: %w", err)
		case payload := <-c.sendCh:
			c.bump(func(s *Stats) { s.Sent++ })
			if err := c.apply(c.machine.Send(c.now(), payload)); err != nil {
				return err
			}
		case env := <-c.inCh:
			ok, eff := c.machine.Receive(c.now(), env)
			if err := c.apply(eff); err != nil {
				return err
			}
			if ok {
				c.deliver(env)
			}
		case gen := <-c.fireCh:
			if gen != c.timerGen {
				continue
			}
			c.timer = nil
			if err := c.apply(c.machine.Tick(c.now())); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) apply(eff sr.Effects) error {
	for _, env := range eff.Writes {
		c.msgID++
		f, err := envelope.ToFrame(c.msgID, env)
		if err != nil {
			c.logger.Error().Err(err).Uint32("seq", env.Sequence).Msg("session.Conn.apply encode failed")
			continue
		}
		if err := c.stream.WriteFrame(f); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrConnClosed, err)
			}
			return fmt.Errorf("session: write: %w", err)
		}
		observability.RecordEnvelopeWritten(c.local.ID, c.peerID, env.Status.String())
	}
	observability.RecordWindow(c.local.ID, c.peerID, eff.Retransmitted, eff.Expired, eff.Acked)

	switch eff.Timer {
	case sr.TimerArm:
		c.armTimer(eff.TimerAfter)
	case sr.TimerCancel:
		c.stopTimer()
	}

	snap := c.machine.Snapshot()
	c.bump(func(s *Stats) {
		s.Written += uint64(len(eff.Writes))
		s.Retransmitted += uint64(eff.Retransmitted)
		s.Expired += uint64(eff.Expired)
		s.Acked += uint64(eff.Acked)
		s.apply(snap)
	})

	if eff.Reconnect {
		c.markUnhealthy()
		return ErrConnUnhealthy
	}
	return nil
}

func (c *Conn) deliver(env envelope.Envelope) {
	now := c.now()
	c.bump(func(s *Stats) {
		s.Delivered++
		s.LastDeliveryAt = now
	})
	observability.RecordDelivery(c.local.ID, c.peerID)
	if c.onReceive == nil {
		return
	}
	c.onReceive(Delivery{
		Peer:     c.peerID,
		Origin:   env.Origin,
		Sequence: env.Sequence,
		SentAt:   env.SentAt,
		Payload:  env.Payload,
	})
}

func (c *Conn) markUnhealthy() {
	c.unhealthyOnce.Do(func() {
		c.logger.Warn().Msg("session.Conn unhealthy, closing for reconnect")
		observability.RecordReconnect(c.local.ID, c.peerID)
		if c.onUnhealthy != nil {
			c.onUnhealthy(c.peerID)
		}
	})
}

// armTimer replaces any pending firing. Earlier firings carry a stale
// generation and are ignored by Run.
func (c *Conn) armTimer(d time.Duration) {
	c.stopTimer()
	gen := c.timerGen
	c.timer = time.AfterFunc(d, func() {
		select {
		case c.fireCh <- gen:
		case <-c.done:
		}
	})
}

func (c *Conn) stopTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Conn) teardown() {
	c.stopTimer()
	c.machine.Stop()
	c.closeOnce.Do(func() {
		close(c.done)
	})
	_ = c.stream.Close()
	c.bump(func(s *Stats) { s.apply(c.machine.Snapshot()) })
	c.logger.Info().Msg("session.Conn.Run stopped")
}

func (c *Conn) readLoop(errc chan<- error) {
	for {
		if c.cfg.IdleTimeout > 0 {
			_ = c.stream.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		f, err := c.stream.ReadFrame()
		if err != nil {
			errc <- err
			return
		}
		c.bump(func(s *Stats) { s.LastReceiveAt = c.now() })
		env, ok := c.decode(f)
		if !ok {
			continue
		}
		observability.RecordEnvelopeReceived(c.local.ID, c.peerID, env.Status.String())
		select {
		case c.inCh <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) decode(f frame.Frame) (envelope.Envelope, bool) {
	if f.Header.MessageType != schema.MsgEnvelope {
		c.logger.Debug().Uint16("message_type", f.Header.MessageType).Msg("session.Conn.readLoop skipped non-envelope frame")
		return envelope.Envelope{}, false
	}
	env, err := envelope.FromFrame(f)
	if err != nil {
		c.logger.Warn().Err(err).Uint64("message_id", f.Header.MessageID).Msg("session.Conn.readLoop dropped malformed envelope")
		c.bump(func(s *Stats) { s.DecodeErrors++ })
		observability.RecordDecodeError(c.local.ID, c.peerID)
		return envelope.Envelope{}, false
	}
	return env, true
}
