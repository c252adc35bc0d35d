package session

import (
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/sr"
)

// Stats is a point-in-time view of one connection.
type Stats struct {
	PeerID string `json:"peer_id"`
	Remote string `json:"remote"`

	Sent          uint64 `json:"sent"`
	Delivered     uint64 `json:"delivered"`
	Written       uint64 `json:"written"`
	Retransmitted uint64 `json:"retransmitted"`
	Expired       uint64 `json:"expired"`
	Acked         uint64 `json:"acked"`
	DecodeErrors  uint64 `json:"decode_errors"`

	WindowLen     int    `json:"window_len"`
	AckPending    bool   `json:"ack_pending"`
	OutSeq        uint32 `json:"out_seq"`
	InSeqExpected uint32 `json:"in_seq_expected"`
	OutSynced     bool   `json:"out_synced"`
	InSynced      bool   `json:"in_synced"`
	ResyncCount   uint32 `json:"resync_count"`
	DroppedCount  int    `json:"dropped_count"`
	Stopped       bool   `json:"stopped"`

	ConnectedAt    time.Time `json:"connected_at"`
	LastReceiveAt  time.Time `json:"last_receive_at,omitempty"`
	LastDeliveryAt time.Time `json:"last_delivery_at,omitempty"`
}

func (s *Stats) apply(snap sr.Snapshot) {
	s.WindowLen = snap.WindowLen
	s.AckPending = snap.AckPending
	s.OutSeq = snap.OutSeq
	s.InSeqExpected = snap.InSeqExpected
	s.OutSynced = snap.OutSynced
	s.InSynced = snap.InSynced
	s.ResyncCount = snap.ResyncCount
	s.DroppedCount = snap.DroppedCount
	s.Stopped = snap.Stopped
}

// Stats returns a copy safe to read from any goroutine.
func (c *Conn) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Conn) bump(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
