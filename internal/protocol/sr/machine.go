package sr

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
	"github.com/danmuck/dgibroker/internal/protocol/seq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection protocol state record.
type State struct {
	OutSeq        uint32
	InSeqExpected uint32
	OutSynced     bool
	InSynced      bool
	InSyncTime    time.Time
	OutSyncTime   time.Time
	ResyncCount   uint32
	DroppedCount  int
	// PendingKill is set when a window head expired and the next written
	// head should carry LastAcked as its kill marker.
	PendingKill bool
	// LastAcked is valid only when HasLastAcked is true.
	LastAcked    uint32
	HasLastAcked bool
}

// Snapshot is a read-only copy of a machine for status reporting.
type Snapshot struct {
	State
	WindowLen    int
	AckPending   bool
	// TimerPending reports whether the owner holds an armed retransmission
	// timer that has not fired yet.
	TimerPending bool
	Stopped      bool
}

type Options struct {
	Config Config
	// Origin stamps every outbound envelope.
	Origin envelope.Origin
	Logger *zerolog.Logger
}

// Machine owns one connection's protocol state and send window.
type Machine struct {
	cfg    Config
	space  seq.Space
	origin envelope.Origin
	logger zerolog.Logger

	state   State
	window  window
	ack     *envelope.Envelope
	stopped bool
	// armed mirrors the owner's timer: set by arm, cleared by cancel and by
	// Tick, which runs when the timer fires.
	armed   bool
}

func New(opts Options) (*Machine, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	space, err := seq.New(cfg.Modulus)
	if err != nil {
		return nil, err
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Machine{
		cfg:    cfg,
		space:  space,
		origin: opts.Origin,
		logger: logger.With().Str("component", "sr").Logger(),
	}, nil
}

func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:        m.state,
		WindowLen:    m.window.len(),
		AckPending:   m.ack != nil,
		TimerPending: m.armed,
		Stopped:      m.stopped,
	}
}

// Window returns copies of the unacknowledged envelopes, head first.
func (m *Machine) Window() []envelope.Envelope {
	return m.window.snapshot()
}

// Stopped reports whether the drop threshold was exceeded.
func (m *Machine) Stopped() bool {
	return m.stopped
}

// Stop discards all window state. Later operations are no-ops.
func (m *Machine) Stop() Effects {
	var eff Effects
	m.stopped = true
	m.window.clear()
	m.ack = nil
	m.cancelTimer(&eff)
	return eff
}

// write stamps env with origin and send time and queues a copy for the
// transport.
func (m *Machine) write(now time.Time, env *envelope.Envelope, eff *Effects) {
	env.Origin = m.origin
	env.SentAt = now
	if env.ExpireAt.IsZero() {
		env.ExpireAt = now.Add(m.cfg.DefaultTimeout)
	}
	eff.Writes = append(eff.Writes, env.Clone())
}

func (m *Machine) fail(eff *Effects) {
	m.logger.Warn().
		Int("dropped", m.state.DroppedCount).
		Int("window", m.window.len()).
		Msg("sr.Machine connection unhealthy, requesting reconnect")
	m.stopped = true
	m.window.clear()
	m.ack = nil
	m.cancelTimer(eff)
	eff.Reconnect = true
}

func (m *Machine) armTimer(eff *Effects) {
	m.armed = true
	eff.arm(m.cfg.ResendInterval)
}

func (m *Machine) cancelTimer(eff *Effects) {
	m.armed = false
	eff.cancel()
}
