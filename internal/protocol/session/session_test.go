package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/danmuck/dgibroker/internal/protocol/schema"
	"github.com/danmuck/dgibroker/internal/protocol/sr"
	"github.com/danmuck/dgibroker/internal/testutil/testlog"
	"github.com/danmuck/dgibroker/internal/transport"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Protocol.Modulus != sr.DefaultConfig().Modulus {
		t.Fatalf("protocol defaults not applied: %+v", cfg.Protocol)
	}

	bad := cfg
	bad.Protocol.Modulus = 3
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	bad = cfg
	bad.Backoff.MaxDelay = time.Millisecond
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected backoff validation error, got %v", err)
	}
}

func TestHandshakeExchangesIdentity(t *testing.T) {
	testlog.Start(t)
	a, b := transport.Pipe()
	defer a.Close()

	serverSeen := make(chan Hello, 1)
	serverErr := make(chan error, 1)
	go func() {
		peer, err := ServerHandshake(b, Hello{NodeID: "node-b", Host: "10.0.0.2", Port: 7001}, time.Second, nil)
		serverSeen <- peer
		serverErr <- err
	}()

	peer, err := ClientHandshake(a, Hello{NodeID: "node-a", Host: "10.0.0.1", Port: 7000}, time.Second)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if peer.NodeID != "node-b" || peer.Port != 7001 {
		t.Fatalf("unexpected responder identity: %+v", peer)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if got := <-serverSeen; got.Origin() != (envelope.Origin{ID: "node-a", Host: "10.0.0.1", Port: 7000}) {
		t.Fatalf("unexpected initiator identity: %+v", got)
	}
}

func TestHandshakeRejection(t *testing.T) {
	testlog.Start(t)
	a, b := transport.Pipe()
	defer a.Close()

	deny := errors.New("unknown peer")
	serverErr := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(b, Hello{NodeID: "node-b"}, time.Second, func(Hello) error { return deny })
		serverErr <- err
	}()

	if _, err := ClientHandshake(a, Hello{NodeID: "node-z"}, time.Second); !errors.Is(err, ErrHelloRejected) {
		t.Fatalf("expected ErrHelloRejected, got %v", err)
	}
	if err := <-serverErr; !errors.Is(err, deny) {
		t.Fatalf("server should surface admit error, got %v", err)
	}
}

func TestHandshakeRejectsEnvelopeFrame(t *testing.T) {
	testlog.Start(t)
	a, b := transport.Pipe()
	defer a.Close()
	if err := a.WriteFrame(frame.New(schema.MsgEnvelope, 1, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHello(b); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("expected ErrUnexpectedFrame, got %v", err)
	}
	if err := WriteHello(a, Hello{}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

type connPair struct {
	a, b       *Conn
	gotB       chan Delivery
	errA, errB chan error
	cancel     context.CancelFunc
}

func startConnPair(t *testing.T, cfg Config, wrap func(transport.Stream) transport.Stream) *connPair {
	t.Helper()
	sa, sb := transport.Pipe()
	if wrap != nil {
		sa = wrap(sa)
		sb = wrap(sb)
	}
	p := &connPair{
		gotB: make(chan Delivery, 1024),
		errA: make(chan error, 1),
		errB: make(chan error, 1),
	}
	var err error
	p.a, err = NewConn(ConnOptions{
		Config: cfg,
		Local:  envelope.Origin{ID: "node-a"},
		PeerID: "node-b",
		Stream: sa,
	})
	if err != nil {
		t.Fatalf("new conn a: %v", err)
	}
	p.b, err = NewConn(ConnOptions{
		Config:    cfg,
		Local:     envelope.Origin{ID: "node-b"},
		PeerID:    "node-a",
		Stream:    sb,
		OnReceive: func(d Delivery) { p.gotB <- d },
	})
	if err != nil {
		t.Fatalf("new conn b: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() { p.errA <- p.a.Run(ctx) }()
	go func() { p.errB <- p.b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = p.a.Close()
		_ = p.b.Close()
	})
	return p
}

func (p *connPair) expect(t *testing.T, want []string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for i, w := range want {
		select {
		case d := <-p.gotB:
			if string(d.Payload) != w {
				t.Fatalf("delivery[%d]=%q want %q", i, d.Payload, w)
			}
			if d.Origin.ID != "node-a" || d.Peer != "node-a" {
				t.Fatalf("delivery[%d] has wrong origin: %+v", i, d)
			}
		case <-deadline:
			t.Fatalf("timed out after %d of %d deliveries", i, len(want))
		}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Protocol.DefaultTimeout = 5 * time.Second
	cfg.Protocol.ResendInterval = 5 * time.Millisecond
	return cfg
}

func TestConnDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	p := startConnPair(t, fastConfig(), nil)
	ctx := context.Background()

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("payload-%03d", i)
		want = append(want, msg)
		if err := p.a.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	p.expect(t, want, 10*time.Second)

	select {
	case extra := <-p.gotB:
		t.Fatalf("duplicate delivery: %q", extra.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	if st := p.b.Stats(); st.Delivered != 100 || !st.InSynced {
		t.Fatalf("unexpected receiver stats: %+v", st)
	}
	if st := p.a.Stats(); st.Sent != 100 || !st.OutSynced {
		t.Fatalf("unexpected sender stats: %+v", st)
	}
}

func TestConnSurvivesLossyLink(t *testing.T) {
	testlog.Start(t)
	var seed atomic.Int64
	wrap := func(s transport.Stream) transport.Stream {
		return transport.Lossy(s, transport.LossyConfig{DropRate: 0.2, DupRate: 0.1, Seed: 42 + seed.Add(1)})
	}
	p := startConnPair(t, fastConfig(), wrap)
	ctx := context.Background()

	want := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		msg := fmt.Sprintf("lossy-%02d", i)
		want = append(want, msg)
		if err := p.a.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	p.expect(t, want, 20*time.Second)
	if st := p.a.Stats(); st.Retransmitted == 0 {
		t.Fatalf("expected retransmissions on a lossy link: %+v", st)
	}
}

func TestConnUnhealthyAfterDropThreshold(t *testing.T) {
	testlog.Start(t)
	sa, sb := transport.Pipe()
	defer sb.Close()

	cfg := DefaultConfig()
	cfg.Protocol.DefaultTimeout = 60 * time.Millisecond
	cfg.Protocol.ResendInterval = 10 * time.Millisecond
	cfg.Protocol.MaxDropped = 1

	var unhealthy atomic.Int32
	c, err := NewConn(ConnOptions{
		Config:      cfg,
		Local:       envelope.Origin{ID: "node-a"},
		PeerID:      "node-b",
		Stream:      sa,
		OnUnhealthy: func(string) { unhealthy.Add(1) },
	})
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	if err := c.Send(context.Background(), []byte("nobody listens")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnUnhealthy) {
			t.Fatalf("expected ErrConnUnhealthy, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("connection never went unhealthy")
	}
	if got := unhealthy.Load(); got != 1 {
		t.Fatalf("OnUnhealthy called %d times", got)
	}
	if !c.Stats().Stopped {
		t.Fatalf("stats should report the stopped machine")
	}
	if err := c.Send(context.Background(), []byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after teardown should fail, got %v", err)
	}
}

func TestConnCloseStopsRun(t *testing.T) {
	testlog.Start(t)
	p := startConnPair(t, fastConfig(), nil)
	if err := p.a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-p.errA:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after close")
	}
	select {
	case err := <-p.errB:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("peer should see a closed stream, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer run did not stop after close")
	}
	if err := p.a.Run(context.Background()); !errors.Is(err, ErrConnAlreadyRunning) {
		t.Fatalf("second run should be refused, got %v", err)
	}
}

func TestConnDropsMalformedEnvelope(t *testing.T) {
	testlog.Start(t)
	sa, sb := transport.Pipe()
	c, err := NewConn(ConnOptions{Local: envelope.Origin{ID: "node-b"}, PeerID: "node-a", Stream: sb})
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if err := sa.WriteFrame(frame.New(schema.MsgEnvelope, 1, []byte{0xff, 0x01})); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().DecodeErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("malformed envelope not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-c.Done():
		t.Fatalf("malformed envelope must not tear down the connection")
	default:
	}
}
