package transport

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/danmuck/dgibroker/internal/protocol/schema"
)

// LossyConfig sets per-frame probabilities in [0,1].
type LossyConfig struct {
	DropRate float64
	DupRate  float64
	Seed     int64
}

// LossyStream drops and duplicates outbound envelope frames. Control frames
// such as the hello exchange pass through untouched.
type LossyStream struct {
	Stream
	cfg LossyConfig

	mu  sync.Mutex
	rng *rand.Rand

	dropped    atomic.Uint64
	duplicated atomic.Uint64
}

func Lossy(s Stream, cfg LossyConfig) *LossyStream {
	return &LossyStream{
		Stream: s,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (l *LossyStream) WriteFrame(f frame.Frame) error {
	if f.Header.MessageType != schema.MsgEnvelope {
		return l.Stream.WriteFrame(f)
	}
	l.mu.Lock()
	drop := l.rng.Float64() < l.cfg.DropRate
	dup := !drop && l.rng.Float64() < l.cfg.DupRate
	l.mu.Unlock()

	if drop {
		l.dropped.Add(1)
		return nil
	}
	if err := l.Stream.WriteFrame(f); err != nil {
		return err
	}
	if dup {
		l.duplicated.Add(1)
		return l.Stream.WriteFrame(f)
	}
	return nil
}

func (l *LossyStream) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *LossyStream) Duplicated() uint64 {
	return l.duplicated.Load()
}
