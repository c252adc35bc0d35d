package sr

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
)

// Receive classifies one inbound envelope and reports whether its payload
// should be forwarded to the consumer. Control envelopes are absorbed here:
// ACK goes to ReceiveAck, BAD_REQUEST triggers a resync, SYNC_REQUEST resets
// the inbound baseline.
func (m *Machine) Receive(now time.Time, env envelope.Envelope) (bool, Effects) {
	var eff Effects
	if m.stopped {
		return false, eff
	}
	switch env.Status {
	case envelope.StatusAck:
		m.receiveAck(now, env, &eff)
		return false, eff

	case envelope.StatusBadRequest:
		if env.SentAt.Equal(m.state.OutSyncTime) {
			m.logger.Debug().Time("sent_at", env.SentAt).Msg("sr.Machine.Receive already resynced for this bad request")
			return false, eff
		}
		m.logger.Debug().Uint32("seq", env.Sequence).Msg("sr.Machine.Receive bad request, resyncing")
		m.state.OutSyncTime = env.SentAt
		m.sendSYN(now, &eff)
		return false, eff

	case envelope.StatusSyncRequest:
		if env.SentAt.Equal(m.state.InSyncTime) {
			m.logger.Debug().Uint32("seq", env.Sequence).Msg("sr.Machine.Receive duplicate sync")
			return false, eff
		}
		m.state.InSeqExpected = m.space.Next(m.space.Reduce(env.Sequence))
		m.state.InSyncTime = env.SentAt
		m.state.ResyncCount++
		m.state.InSynced = true
		m.logger.Debug().
			Uint32("seq", env.Sequence).
			Uint32("expected", m.state.InSeqExpected).
			Uint32("resyncs", m.state.ResyncCount).
			Msg("sr.Machine.Receive sync")
		m.sendAck(now, env, &eff)
		return false, eff

	case envelope.StatusNormal:
		if !m.state.InSynced {
			m.logger.Debug().Uint32("seq", env.Sequence).Msg("sr.Machine.Receive unsynced, replying bad request")
			bad := envelope.Envelope{
				Status:      envelope.StatusBadRequest,
				Sequence:    m.space.Reduce(m.state.ResyncCount),
				ContentHash: envelope.Hash(nil),
			}
			m.write(now, &bad, &eff)
			return false, eff
		}
		if !m.accept(env) {
			return false, eff
		}
		m.sendAck(now, env, &eff)
		return true, eff

	default:
		m.logger.Warn().Uint8("status", uint8(env.Status)).Msg("sr.Machine.Receive unknown status")
		return false, eff
	}
}

// accept applies the ordering rules to a data envelope on a synced inbound
// stream.
func (m *Machine) accept(env envelope.Envelope) bool {
	expected := m.state.InSeqExpected
	if !m.space.Valid(env.Sequence) {
		m.logger.Debug().Uint32("seq", env.Sequence).Msg("sr.Machine.accept sequence outside ring")
		return false
	}
	kill, explicit := env.KillValue()
	if !explicit {
		kill = env.Sequence
	}

	if env.Sequence == expected {
		m.state.InSeqExpected = m.space.Next(expected)
		return true
	}
	// A forward gap is tolerated only when the sender marked everything before
	// this envelope as resolved.
	if explicit && m.space.After(env.Sequence, expected) &&
		(m.space.Before(kill, expected) || m.space.Before(kill, env.Sequence)) {
		m.logger.Debug().
			Uint32("seq", env.Sequence).
			Uint32("expected", expected).
			Uint32("kill", kill).
			Msg("sr.Machine.accept gap covered by kill")
		m.state.InSeqExpected = m.space.Next(env.Sequence)
		return true
	}
	m.logger.Debug().
		Uint32("seq", env.Sequence).
		Uint32("expected", expected).
		Bool("explicit_kill", explicit).
		Uint32("kill", kill).
		Msg("sr.Machine.accept rejected")
	return false
}
