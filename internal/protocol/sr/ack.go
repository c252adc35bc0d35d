package sr

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
)

// ReceiveAck pops the window head when ack matches it by sequence and content
// hash. Mismatched acknowledgments are stale and ignored. Either way a
// non-empty window is re-driven immediately.
func (m *Machine) ReceiveAck(now time.Time, ack envelope.Envelope) Effects {
	var eff Effects
	m.receiveAck(now, ack, &eff)
	return eff
}

func (m *Machine) receiveAck(now time.Time, ack envelope.Envelope, eff *Effects) {
	if m.stopped {
		return
	}
	if head := m.window.head(); head != nil {
		if head.env.Sequence == ack.Sequence && head.env.ContentHash == ack.ContentHash {
			m.window.popFront()
			m.state.LastAcked = ack.Sequence
			m.state.HasLastAcked = true
			m.state.PendingKill = false
			m.state.DroppedCount = 0
			eff.Acked++
			m.logger.Debug().
				Uint32("seq", ack.Sequence).
				Int("window", m.window.len()).
				Msg("sr.Machine.ReceiveAck matched head")
		} else {
			m.logger.Debug().
				Uint32("seq", ack.Sequence).
				Uint32("head", head.env.Sequence).
				Msg("sr.Machine.ReceiveAck ignored stale ack")
		}
	}
	if m.window.len() > 0 {
		m.resend(now, eff)
		return
	}
	if m.ack == nil {
		m.cancelTimer(eff)
	}
}

// SendAck acknowledges an accepted envelope. The acknowledgment is written at
// once and kept as the current ack, rewritten on every timer tick until a newer
// ack supersedes it or its expiry passes. A timer that is already pending is
// left alone so inbound traffic cannot postpone retransmission of the window
// head.
func (m *Machine) SendAck(now time.Time, accepted envelope.Envelope) Effects {
	var eff Effects
	m.sendAck(now, accepted, &eff)
	return eff
}

func (m *Machine) sendAck(now time.Time, accepted envelope.Envelope, eff *Effects) {
	if m.stopped {
		return
	}
	ack := envelope.Envelope{
		Status:      envelope.StatusAck,
		Sequence:    accepted.Sequence,
		ExpireAt:    accepted.ExpireAt,
		ContentHash: accepted.ContentHash,
	}
	m.ack = &ack
	m.write(now, m.ack, eff)
	if !m.armed {
		m.armTimer(eff)
	}
}
