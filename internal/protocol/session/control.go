package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/envelope"
	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/danmuck/dgibroker/internal/protocol/schema"
	"github.com/danmuck/dgibroker/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	controlTypeHello    = "peer.hello"
	controlTypeHelloAck = "peer.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlBytes = 128 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrHelloRejected          = errors.New("session: hello rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
	ErrUnexpectedFrame        = errors.New("session: unexpected frame during handshake")
)

// Hello announces a node's identity at connection start.
type Hello struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidHello)
	}
	return nil
}

// Origin is the identity stamped on envelopes from this node.
func (h Hello) Origin() envelope.Origin {
	return envelope.Origin{ID: h.NodeID, Host: h.Host, Port: h.Port}
}

// HelloAck answers a Hello and carries the responder's identity.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	Node        Hello  `json:"node"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted {
		if err := a.Node.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
		}
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(s transport.Stream, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(s, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(s transport.Stream) (Hello, error) {
	env, err := readControlEnvelope(s)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(s transport.Stream, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(s, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(s transport.Stream) (HelloAck, error) {
	env, err := readControlEnvelope(s)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHelloAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

// ClientHandshake sends local's hello and waits for the responder's ack. It
// returns the responder's identity.
func ClientHandshake(s transport.Stream, local Hello, timeout time.Duration) (Hello, error) {
	if timeout > 0 {
		_ = s.SetReadDeadline(time.Now().Add(timeout))
		defer s.SetReadDeadline(time.Time{})
	}
	if err := WriteHello(s, local); err != nil {
		return Hello{}, err
	}
	ack, err := ReadHelloAck(s)
	if err != nil {
		return Hello{}, err
	}
	if ack.Status != AckStatusAccepted {
		log.Warn().
			Str("remote", s.RemoteAddr()).
			Uint32("code", ack.Code).
			Str("message", ack.Message).
			Msg("session.ClientHandshake rejected")
		return Hello{}, fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	return ack.Node, nil
}

// ServerHandshake reads the initiator's hello, runs admit on it and answers.
// A non-nil admit error is sent back as a rejection and returned.
func ServerHandshake(s transport.Stream, local Hello, timeout time.Duration, admit func(Hello) error) (Hello, error) {
	if timeout > 0 {
		_ = s.SetReadDeadline(time.Now().Add(timeout))
		defer s.SetReadDeadline(time.Time{})
	}
	peer, err := ReadHello(s)
	if err != nil {
		return Hello{}, err
	}
	ack := HelloAck{
		Status:      AckStatusAccepted,
		Node:        local,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	var admitErr error
	if admit != nil {
		admitErr = admit(peer)
	}
	if admitErr != nil {
		ack.Status = AckStatusRejected
		ack.Code = 1001
		ack.Message = admitErr.Error()
	}
	if err := WriteHelloAck(s, ack); err != nil {
		return Hello{}, err
	}
	if admitErr != nil {
		return Hello{}, admitErr
	}
	return peer, nil
}

func writeControlEnvelope(s transport.Stream, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.WriteFrame(frame.New(schema.MsgHello, 0, payload))
}

func readControlEnvelope(s transport.Stream) (controlEnvelope, error) {
	f, err := s.ReadFrame()
	if err != nil {
		return controlEnvelope{}, err
	}
	if f.Header.MessageType != schema.MsgHello {
		return controlEnvelope{}, fmt.Errorf("%w: message_type=%d", ErrUnexpectedFrame, f.Header.MessageType)
	}
	if len(f.Payload) > maxControlBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
