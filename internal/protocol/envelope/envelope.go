// Package envelope defines the unit of transmission of the reliability
// protocol and its wire codec.
package envelope

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Status tags data and control envelopes that share one wire format.
type Status uint8

const (
	StatusNormal Status = iota
	StatusSyncRequest
	StatusAck
	StatusBadRequest
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusSyncRequest:
		return "sync_request"
	case StatusAck:
		return "ack"
	case StatusBadRequest:
		return "bad_request"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	return s <= StatusBadRequest
}

// Origin identifies the node that wrote an envelope.
type Origin struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Envelope wraps one payload with protocol metadata.
type Envelope struct {
	Status      Status
	Sequence    uint32
	Kill        *uint32
	ExpireAt    time.Time
	SentAt      time.Time
	ContentHash uint64
	Origin      Origin
	Payload     []byte
}

// Hash returns the content digest used to disambiguate acknowledgments.
func Hash(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// HasKill reports whether the envelope carries an explicit kill marker.
func (e Envelope) HasKill() bool {
	return e.Kill != nil
}

// KillValue returns the explicit kill marker, if any.
func (e Envelope) KillValue() (uint32, bool) {
	if e.Kill == nil {
		return 0, false
	}
	return *e.Kill, true
}

// WithKill returns a copy carrying kill as its marker.
func (e Envelope) WithKill(kill uint32) Envelope {
	k := kill
	e.Kill = &k
	return e
}

// Expired reports whether the deadline has passed at now.
func (e Envelope) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && !now.Before(e.ExpireAt)
}

// Clone returns a deep copy so window entries never alias caller buffers.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Kill != nil {
		k := *e.Kill
		out.Kill = &k
	}
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	return out
}
