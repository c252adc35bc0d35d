package sr

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
)

// Send enqueues payload at the window tail. When outbound is not yet synced a
// SYNC_REQUEST is queued first. When the window was empty the new envelope is
// written at once and the retransmission timer armed.
func (m *Machine) Send(now time.Time, payload []byte) Effects {
	var eff Effects
	if m.stopped {
		return eff
	}
	if !m.state.OutSynced {
		m.sendSYN(now, &eff)
		if m.stopped {
			return eff
		}
	}

	env := envelope.Envelope{
		Status:      envelope.StatusNormal,
		Sequence:    m.state.OutSeq,
		ExpireAt:    now.Add(m.cfg.DefaultTimeout),
		ContentHash: envelope.Hash(payload),
		Payload:     append([]byte(nil), payload...),
	}
	m.state.OutSeq = m.space.Next(m.state.OutSeq)

	wasEmpty := m.window.len() == 0
	m.window.pushBack(env)
	m.logger.Debug().
		Uint32("seq", env.Sequence).
		Time("expire_at", env.ExpireAt).
		Int("window", m.window.len()).
		Msg("sr.Machine.Send queued")
	if wasEmpty {
		m.resend(now, &eff)
	}
	return eff
}

// Tick is the retransmission timer callback. It re-drives the window head and
// refreshes the current acknowledgment until that expires.
func (m *Machine) Tick(now time.Time) Effects {
	var eff Effects
	m.armed = false
	if m.stopped {
		return eff
	}
	m.resend(now, &eff)
	if m.stopped || m.ack == nil {
		return eff
	}
	if m.ack.Expired(now) {
		m.ack = nil
		return eff
	}
	m.write(now, m.ack, &eff)
	m.armTimer(&eff)
	return eff
}

// resend prunes expired heads, enforces the drop threshold, attaches the kill
// marker when one is due, rewrites the head and re-arms the timer.
func (m *Machine) resend(now time.Time, eff *Effects) {
	if m.stopped {
		return
	}
	for m.window.len() > 0 && m.window.head().env.Expired(now) {
		dead := m.window.popFront()
		m.state.PendingKill = true
		m.state.DroppedCount++
		eff.Expired++
		m.logger.Debug().
			Uint32("seq", dead.env.Sequence).
			Str("status", dead.env.Status.String()).
			Int("attempts", dead.attempts).
			Msg("sr.Machine.resend expired")
	}
	if m.state.DroppedCount > m.cfg.MaxDropped {
		m.fail(eff)
		return
	}
	if m.window.len() == 0 {
		return
	}

	if m.state.PendingKill && m.state.HasLastAcked &&
		!m.space.Before(m.state.LastAcked, m.window.head().env.Sequence) {
		// The marker would claim messages that were never sent.
		m.logger.Debug().
			Uint32("kill", m.state.LastAcked).
			Uint32("head", m.window.head().env.Sequence).
			Msg("sr.Machine.resend kill does not precede head, resyncing")
		m.state.PendingKill = false
		m.state.HasLastAcked = false
		m.state.LastAcked = 0
		m.pushSync(now)
	}

	head := m.window.head()
	if m.state.PendingKill && m.state.HasLastAcked && head.env.Status == envelope.StatusNormal {
		head.env = head.env.WithKill(m.state.LastAcked)
	}
	m.write(now, &head.env, eff)
	head.attempts++
	if head.attempts > 1 {
		eff.Retransmitted++
	}
	m.armTimer(eff)
}
