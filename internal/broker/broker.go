// Package broker keeps one reliable session per configured peer.
//
// Each pair of nodes shares a single connection. The node whose id sorts
// first dials; the other accepts. Connections that end, including those torn
// down by the drop threshold, are redialed with backoff by the dialing side.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/session"
	"github.com/danmuck/dgibroker/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

var (
	ErrNodeIDRequired   = errors.New("broker: node id required")
	ErrUnknownPeer      = errors.New("broker: unknown peer")
	ErrPeerNotConnected = errors.New("broker: peer not connected")
	ErrSelfConnect      = errors.New("broker: peer announced our own node id")
	ErrDialDirection    = errors.New("broker: peer must accept, not dial")
	ErrIdentityMismatch = errors.New("broker: certificate identity does not match hello")
	ErrAlreadyStarted   = errors.New("broker: already started")
	ErrInvalidTransport = errors.New("broker: invalid transport")
)

// Peer is one configured remote node.
type Peer struct {
	ID string
	// Addr is host:port for tcp and a ws:// or wss:// URL for websocket.
	// Empty means the peer only ever dials us.
	Addr      string
	Transport string
}

// Dialer opens a stream to peer. Tests substitute in-memory dialers.
type Dialer func(ctx context.Context, peer Peer) (transport.Stream, error)

type Options struct {
	Local session.Hello
	Peers []Peer
	// AcceptUnknown admits inbound peers that are not configured.
	AcceptUnknown bool

	ListenAddr    string
	ListenNetwork string
	WebSocketPath string
	// Listener overrides ListenAddr.
	Listener transport.Listener
	// Dial overrides the transport chosen by Peer.Transport.
	Dial Dialer

	Session   session.Config
	Transport transport.Options
	// MaxConnectAttempts stops a dial loop after this many consecutive
	// failures. Zero retries forever.
	MaxConnectAttempts int

	Logger *zerolog.Logger
}

// PeerStatus is the externally visible state of one peer.
type PeerStatus struct {
	ID          string         `json:"id"`
	Addr        string         `json:"addr,omitempty"`
	Transport   string         `json:"transport"`
	Initiator   bool           `json:"initiator"`
	Connected   bool           `json:"connected"`
	Connects    uint64         `json:"connects"`
	Unhealthy   uint64         `json:"unhealthy"`
	LastError   string         `json:"last_error,omitempty"`
	ConnectedAt time.Time      `json:"connected_at,omitempty"`
	Remote      session.Hello  `json:"remote"`
	Session     *session.Stats `json:"session,omitempty"`
}

type peerState struct {
	peer      Peer
	conn      *session.Conn
	remote    session.Hello
	connects  uint64
	unhealthy uint64
	lastErr   string
	since     time.Time
	last      *session.Stats
}

type Broker struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	peers    map[string]*peerState
	handlers []func(session.Delivery)
	ln       transport.Listener
	started  bool
	cancel   context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

func New(opts Options) (*Broker, error) {
	opts.Local.NodeID = strings.TrimSpace(opts.Local.NodeID)
	if opts.Local.NodeID == "" {
		return nil, ErrNodeIDRequired
	}
	opts.Session = opts.Session.WithDefaults()
	if err := opts.Session.Validate(); err != nil {
		return nil, err
	}
	logger := log.Logger.With().Str("node", opts.Local.NodeID).Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	b := &Broker{
		opts:   opts,
		logger: logger.With().Str("component", "broker").Logger(),
		peers:  make(map[string]*peerState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, p := range opts.Peers {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("%w: peer with empty id", ErrUnknownPeer)
		}
		if p.ID == opts.Local.NodeID {
			return nil, fmt.Errorf("%w: %s", ErrSelfConnect, p.ID)
		}
		if p.Transport == "" {
			p.Transport = TransportTCP
		}
		if p.Transport != TransportTCP && p.Transport != TransportWebSocket {
			return nil, fmt.Errorf("%w: %q for peer %s", ErrInvalidTransport, p.Transport, p.ID)
		}
		b.peers[p.ID] = &peerState{peer: p}
	}
	return b, nil
}

func (b *Broker) LocalID() string {
	return b.opts.Local.NodeID
}

// initiates reports whether this node is the dialing side for peerID.
func (b *Broker) initiates(peerID string) bool {
	return b.opts.Local.NodeID < peerID
}

// OnReceive registers fn for every payload accepted from any peer. Handlers
// run on the receiving connection's event loop.
func (b *Broker) OnReceive(fn func(session.Delivery)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Start binds the listener, if any, and launches dial loops.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	ln, err := b.listen()
	if err != nil {
		cancel()
		return err
	}
	if ln != nil {
		b.mu.Lock()
		b.ln = ln
		b.mu.Unlock()
		b.wg.Add(1)
		go b.acceptLoop(ctx, ln)
	}

	for _, ps := range b.snapshotPeers() {
		if !b.initiates(ps.peer.ID) || ps.peer.Addr == "" {
			continue
		}
		b.wg.Add(1)
		go b.dialLoop(ctx, ps.peer)
	}
	b.logger.Info().Int("peers", len(b.opts.Peers)).Str("listen", b.Addr()).Msg("broker.Start")
	return nil
}

func (b *Broker) listen() (transport.Listener, error) {
	if b.opts.Listener != nil {
		return b.opts.Listener, nil
	}
	if b.opts.ListenAddr == "" {
		return nil, nil
	}
	switch b.opts.ListenNetwork {
	case "", TransportTCP:
		return transport.ListenTCP(b.opts.ListenAddr, b.opts.Transport)
	case TransportWebSocket:
		return transport.ListenWebSocket(b.opts.ListenAddr, b.opts.WebSocketPath, b.opts.Transport)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransport, b.opts.ListenNetwork)
	}
}

// Addr is the bound listen address, or empty when not listening.
func (b *Broker) Addr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr()
}

// Close stops all loops and connections and waits for them to exit.
func (b *Broker) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	ln := b.ln
	conns := make([]*session.Conn, 0, len(b.peers))
	for _, ps := range b.peers {
		if ps.conn != nil {
			conns = append(conns, ps.conn)
		}
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	b.wg.Wait()
	b.logger.Info().Msg("broker.Close done")
	return err
}

// Send hands payload to the session for peerID.
func (b *Broker) Send(ctx context.Context, peerID string, payload []byte) error {
	b.mu.RLock()
	ps, ok := b.peers[peerID]
	var conn *session.Conn
	if ok {
		conn = ps.conn
	}
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	if err := conn.Send(ctx, payload); err != nil {
		if errors.Is(err, session.ErrConnClosed) {
			return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
		}
		return err
	}
	return nil
}

// Peers lists every known peer sorted by id.
func (b *Broker) Peers() []PeerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PeerStatus, 0, len(b.peers))
	for _, ps := range b.peers {
		out = append(out, b.statusLocked(ps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Broker) Peer(id string) (PeerStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ps, ok := b.peers[id]
	if !ok {
		return PeerStatus{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return b.statusLocked(ps), nil
}

func (b *Broker) statusLocked(ps *peerState) PeerStatus {
	st := PeerStatus{
		ID:        ps.peer.ID,
		Addr:      ps.peer.Addr,
		Transport: ps.peer.Transport,
		Initiator: b.initiates(ps.peer.ID),
		Connected: ps.conn != nil,
		Connects:  ps.connects,
		Unhealthy: ps.unhealthy,
		LastError: ps.lastErr,
		Remote:    ps.remote,
	}
	if ps.conn != nil {
		stats := ps.conn.Stats()
		st.Session = &stats
		st.ConnectedAt = ps.since
	} else if ps.last != nil {
		last := *ps.last
		st.Session = &last
	}
	return st
}

func (b *Broker) snapshotPeers() []*peerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*peerState, 0, len(b.peers))
	for _, ps := range b.peers {
		out = append(out, ps)
	}
	return out
}

func (b *Broker) connectedCountLocked() int {
	n := 0
	for _, ps := range b.peers {
		if ps.conn != nil {
			n++
		}
	}
	return n
}

func (b *Broker) dispatch(d session.Delivery) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(d)
	}
}

func (b *Broker) markUnhealthy(peerID string) {
	b.mu.Lock()
	if ps, ok := b.peers[peerID]; ok {
		ps.unhealthy++
	}
	b.mu.Unlock()
}

func (b *Broker) recordError(peerID string, err error) {
	b.mu.Lock()
	if ps, ok := b.peers[peerID]; ok && err != nil {
		ps.lastErr = err.Error()
	}
	b.mu.Unlock()
}

func (b *Broker) backoff(attempt int) time.Duration {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return session.NextBackoffDelay(b.opts.Session.Backoff, attempt, b.rng)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
