package sr

import (
	"testing"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func testConfig() Config {
	return Config{
		Modulus:        1024,
		DefaultTimeout: time.Second,
		ResendInterval: 100 * time.Millisecond,
		MaxDropped:     3,
	}
}

func newTestMachine(t *testing.T, id string, cfg Config) *Machine {
	t.Helper()
	m, err := New(Options{
		Config: cfg,
		Origin: envelope.Origin{ID: id, Host: "127.0.0.1", Port: 7000},
	})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

// wire pushes env through the codec so tests exercise the real wire shape.
func wire(t *testing.T, env envelope.Envelope) envelope.Envelope {
	t.Helper()
	b, err := envelope.Marshal(1, env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	out, err := envelope.Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return out
}

// pair connects two machines with in-order queues. drop and dup model a
// lossy link; nil means lossless.
type pair struct {
	t     *testing.T
	clock *testClock
	a, b  *Machine

	toA, toB   []envelope.Envelope
	gotA, gotB []string

	drop func(envelope.Envelope) bool
	dup  func() bool

	reconnects int
}

func newPair(t *testing.T, cfg Config) *pair {
	return &pair{
		t:     t,
		clock: newTestClock(),
		a:     newTestMachine(t, "node-a", cfg),
		b:     newTestMachine(t, "node-b", cfg),
	}
}

func (p *pair) push(fromA bool, eff Effects) {
	if eff.Reconnect {
		p.reconnects++
	}
	for _, env := range eff.Writes {
		w := wire(p.t, env)
		if p.drop != nil && p.drop(w) {
			continue
		}
		q := &p.toB
		if !fromA {
			q = &p.toA
		}
		*q = append(*q, w)
		if p.dup != nil && p.dup() {
			*q = append(*q, w)
		}
	}
}

func (p *pair) send(payload string) {
	p.push(true, p.a.Send(p.clock.now, []byte(payload)))
}

func (p *pair) tick() {
	p.push(true, p.a.Tick(p.clock.now))
	p.push(false, p.b.Tick(p.clock.now))
}

func (p *pair) drain() {
	for i := 0; i < 100000 && (len(p.toA) > 0 || len(p.toB) > 0); i++ {
		if len(p.toB) > 0 {
			env := p.toB[0]
			p.toB = p.toB[1:]
			ok, eff := p.b.Receive(p.clock.now, env)
			if ok {
				p.gotB = append(p.gotB, string(env.Payload))
			}
			p.push(false, eff)
		}
		if len(p.toA) > 0 {
			env := p.toA[0]
			p.toA = p.toA[1:]
			ok, eff := p.a.Receive(p.clock.now, env)
			if ok {
				p.gotA = append(p.gotA, string(env.Payload))
			}
			p.push(true, eff)
		}
	}
}
