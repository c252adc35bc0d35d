// Package transport carries framed messages between nodes.
//
// A Stream moves whole frame.Frame values. TCP streams write the frame bytes
// on a byte stream, WebSocket streams send one binary message per frame, and
// Pipe streams pass encoded frames over in-process channels. Lossy wraps any
// Stream to drop or duplicate envelope frames.
package transport

import (
	"errors"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/frame"
)

var (
	ErrClosed           = errors.New("transport: stream closed")
	ErrDeadlineExceeded = errors.New("transport: read deadline exceeded")
)

// Stream is one duplex framed connection. WriteFrame is safe for concurrent
// use; ReadFrame is called from a single reader.
type Stream interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(f frame.Frame) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Listener yields inbound streams.
type Listener interface {
	Accept() (Stream, error)
	Addr() string
	Close() error
}

// Options configures dialing, listening and frame limits.
type Options struct {
	Limits           frame.Limits
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Security         Security
}

func DefaultOptions() Options {
	return Options{
		Limits:           frame.DefaultLimits(),
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = def.Limits
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	return o
}
