package sr

import "github.com/danmuck/dgibroker/internal/protocol/envelope"

type entry struct {
	env      envelope.Envelope
	attempts int
}

// window is the ordered queue of unacknowledged outbound envelopes. Only the
// head is ever written to the transport.
type window struct {
	items []*entry
}

func (w *window) len() int {
	return len(w.items)
}

func (w *window) head() *entry {
	if len(w.items) == 0 {
		return nil
	}
	return w.items[0]
}

func (w *window) pushBack(env envelope.Envelope) {
	w.items = append(w.items, &entry{env: env})
}

func (w *window) pushFront(env envelope.Envelope) {
	w.items = append(w.items, nil)
	copy(w.items[1:], w.items)
	w.items[0] = &entry{env: env}
}

func (w *window) popFront() *entry {
	if len(w.items) == 0 {
		return nil
	}
	e := w.items[0]
	w.items[0] = nil
	w.items = w.items[1:]
	if len(w.items) == 0 {
		w.items = nil
	}
	return e
}

func (w *window) clear() {
	w.items = nil
}

func (w *window) snapshot() []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(w.items))
	for _, e := range w.items {
		out = append(out, e.env.Clone())
	}
	return out
}
