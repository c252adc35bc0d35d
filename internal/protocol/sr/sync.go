package sr

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
)

// SendSYN queues a SYNC_REQUEST at the window front and re-drives the head.
// It is a no-op while the head is already a pending sync.
func (m *Machine) SendSYN(now time.Time) Effects {
	var eff Effects
	m.sendSYN(now, &eff)
	return eff
}

func (m *Machine) sendSYN(now time.Time, eff *Effects) {
	if m.stopped {
		return
	}
	if !m.pushSync(now) {
		return
	}
	m.resend(now, eff)
}

// pushSync places a sync at the window front. With an empty window the sync
// consumes the next outbound sequence; otherwise it takes the sequence just
// before the head so that its acknowledgment sets the receiver's baseline to
// the head.
func (m *Machine) pushSync(now time.Time) bool {
	var s uint32
	if head := m.window.head(); head == nil {
		s = m.state.OutSeq
		m.state.OutSeq = m.space.Next(m.state.OutSeq)
	} else {
		if head.env.Status == envelope.StatusSyncRequest {
			return false
		}
		s = m.space.Prev(head.env.Sequence)
	}
	syn := envelope.Envelope{
		Status:      envelope.StatusSyncRequest,
		Sequence:    s,
		ExpireAt:    now.Add(m.cfg.DefaultTimeout),
		ContentHash: envelope.Hash(nil),
	}
	m.window.pushFront(syn)
	m.state.OutSynced = true
	m.logger.Debug().Uint32("seq", s).Int("window", m.window.len()).Msg("sr.Machine.SendSYN queued")
	return true
}
