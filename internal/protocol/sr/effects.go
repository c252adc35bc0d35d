package sr

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
)

// TimerAction tells the owner what to do with the retransmission timer.
type TimerAction uint8

const (
	// TimerKeep leaves any pending timer untouched.
	TimerKeep TimerAction = iota
	// TimerArm cancels any pending timer and schedules a new one.
	TimerArm
	// TimerCancel cancels any pending timer.
	TimerCancel
)

func (a TimerAction) String() string {
	switch a {
	case TimerArm:
		return "arm"
	case TimerCancel:
		return "cancel"
	default:
		return "keep"
	}
}

// Effects is the outcome of one protocol operation.
type Effects struct {
	// Writes are stamped envelopes in the order they must hit the transport.
	Writes []envelope.Envelope
	Timer  TimerAction
	// TimerAfter is set when Timer is TimerArm.
	TimerAfter time.Duration
	// Reconnect is set exactly once, when the drop threshold is exceeded.
	Reconnect bool

	Expired       int
	Retransmitted int
	Acked         int
}

func (e *Effects) arm(after time.Duration) {
	e.Timer = TimerArm
	e.TimerAfter = after
}

func (e *Effects) cancel() {
	e.Timer = TimerCancel
	e.TimerAfter = 0
}

// Merge appends other after e, keeping the last timer decision.
func (e *Effects) Merge(other Effects) {
	e.Writes = append(e.Writes, other.Writes...)
	if other.Timer != TimerKeep {
		e.Timer = other.Timer
		e.TimerAfter = other.TimerAfter
	}
	e.Reconnect = e.Reconnect || other.Reconnect
	e.Expired += other.Expired
	e.Retransmitted += other.Retransmitted
	e.Acked += other.Acked
}
