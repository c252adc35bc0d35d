package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/frame"
)

const pipeBuffer = 256

type pipeState struct {
	done chan struct{}
	once sync.Once
}

func (p *pipeState) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeEnd struct {
	name   string
	in     <-chan []byte
	out    chan<- []byte
	state  *pipeState
	limits frame.Limits

	mu       sync.Mutex
	deadline time.Time
}

// Pipe returns two connected in-memory streams. Frames are encoded on write
// and decoded on read. Closing either end closes both.
func Pipe() (Stream, Stream) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	limits := frame.DefaultLimits()
	a := &pipeEnd{name: "pipe-a", in: ba, out: ab, state: state, limits: limits}
	b := &pipeEnd{name: "pipe-b", in: ab, out: ba, state: state, limits: limits}
	return a, b
}

func (p *pipeEnd) ReadFrame() (frame.Frame, error) {
	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return frame.Frame{}, ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case b := <-p.in:
		return frame.ReadFrame(bytes.NewReader(b), p.limits)
	case <-p.state.done:
		return frame.Frame{}, io.EOF
	case <-timeout:
		return frame.Frame{}, ErrDeadlineExceeded
	}
}

func (p *pipeEnd) WriteFrame(f frame.Frame) error {
	b, err := frame.Marshal(f, p.limits)
	if err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

func (p *pipeEnd) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	if p.name == "pipe-a" {
		return "pipe-b"
	}
	return "pipe-a"
}

func (p *pipeEnd) Close() error {
	p.state.close()
	return nil
}

// PipeListener hands out in-memory streams. Dial returns the client end and
// queues the server end for Accept.
type PipeListener struct {
	ch   chan Stream
	done chan struct{}
	once sync.Once
}

func NewPipeListener() *PipeListener {
	return &PipeListener{
		ch:   make(chan Stream),
		done: make(chan struct{}),
	}
}

func (l *PipeListener) Dial(ctx context.Context) (Stream, error) {
	client, server := Pipe()
	select {
	case l.ch <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Accept() (Stream, error) {
	select {
	case s := <-l.ch:
		return s, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *PipeListener) Addr() string {
	return "pipe"
}

func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
