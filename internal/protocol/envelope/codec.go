package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/dgibroker/internal/protocol/frame"
	"github.com/danmuck/dgibroker/internal/protocol/schema"
	"github.com/danmuck/dgibroker/internal/protocol/tlv"
)

var (
	ErrUnexpectedMessageType = errors.New("envelope: unexpected message type")
	ErrInvalidStatus         = errors.New("envelope: invalid status")
)

// ToFrame encodes env as one framed protocol message.
func ToFrame(messageID uint64, env Envelope) (frame.Frame, error) {
	if !env.Status.Valid() {
		return frame.Frame{}, fmt.Errorf("%w: %d", ErrInvalidStatus, env.Status)
	}
	fields := []tlv.Field{
		tlv.U8(schema.FieldStatus, uint8(env.Status)),
		tlv.U32(schema.FieldSequence, env.Sequence),
		tlv.U64(schema.FieldExpireAt, timeToWire(env.ExpireAt)),
		tlv.U64(schema.FieldSentAt, timeToWire(env.SentAt)),
		tlv.U64(schema.FieldContentHash, env.ContentHash),
		tlv.String(schema.FieldOriginID, env.Origin.ID),
	}
	if kill, ok := env.KillValue(); ok {
		fields = append(fields, tlv.U32(schema.FieldKill, kill))
	}
	if env.Origin.Host != "" {
		fields = append(fields, tlv.String(schema.FieldOriginHost, env.Origin.Host))
	}
	if env.Origin.Port != 0 {
		fields = append(fields, tlv.U16(schema.FieldOriginPort, env.Origin.Port))
	}
	if len(env.Payload) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, env.Payload))
	}
	if err := schema.Validate(schema.MsgEnvelope, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.New(schema.MsgEnvelope, messageID, tlv.EncodeFields(fields)), nil
}

// Marshal encodes env into wire bytes.
func Marshal(messageID uint64, env Envelope) ([]byte, error) {
	f, err := ToFrame(messageID, env)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(f, frame.DefaultLimits())
}

// FromFrame decodes one framed message with schema validation.
func FromFrame(f frame.Frame) (Envelope, error) {
	if f.Header.MessageType != schema.MsgEnvelope {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnexpectedMessageType, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(schema.MsgEnvelope, fields); err != nil {
		return Envelope{}, err
	}

	var env Envelope
	status, err := requiredU8(fields, schema.FieldStatus)
	if err != nil {
		return Envelope{}, err
	}
	env.Status = Status(status)
	if !env.Status.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}
	if env.Sequence, err = requiredU32(fields, schema.FieldSequence); err != nil {
		return Envelope{}, err
	}
	expire, err := requiredU64(fields, schema.FieldExpireAt)
	if err != nil {
		return Envelope{}, err
	}
	env.ExpireAt = timeFromWire(expire)
	sent, err := requiredU64(fields, schema.FieldSentAt)
	if err != nil {
		return Envelope{}, err
	}
	env.SentAt = timeFromWire(sent)
	if env.ContentHash, err = requiredU64(fields, schema.FieldContentHash); err != nil {
		return Envelope{}, err
	}
	env.Origin.ID = getOptionalString(fields, schema.FieldOriginID)
	env.Origin.Host = getOptionalString(fields, schema.FieldOriginHost)

	if f, ok := tlv.GetField(fields, schema.FieldOriginPort); ok {
		port, err := f.AsU16()
		if err != nil {
			return Envelope{}, err
		}
		env.Origin.Port = port
	}
	if f, ok := tlv.GetField(fields, schema.FieldKill); ok {
		kill, err := f.AsU32()
		if err != nil {
			return Envelope{}, err
		}
		env.Kill = &kill
	}
	if f, ok := tlv.GetField(fields, schema.FieldPayload); ok {
		env.Payload = f.Value
	}
	return env, nil
}

// Unmarshal decodes env from a buffer holding exactly one frame.
func Unmarshal(b []byte) (Envelope, error) {
	if len(b) < int(frame.HeaderLen) {
		return Envelope{}, frame.ErrShortHeader
	}
	h, err := frame.DecodeHeader(b[:frame.HeaderLen])
	if err != nil {
		return Envelope{}, err
	}
	if h.Magic != frame.Magic {
		return Envelope{}, frame.ErrInvalidMagic
	}
	body := b[frame.HeaderLen:]
	if uint32(len(body)) != h.PayloadLen {
		return Envelope{}, frame.ErrTruncatedPayload
	}
	return FromFrame(frame.Frame{Header: h, Payload: body})
}

func timeToWire(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func timeFromWire(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func requiredU8(fields []tlv.Field, id uint16) (uint8, error) {
	f, _ := tlv.GetField(fields, id)
	return f.AsU8()
}

func requiredU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.GetField(fields, id)
	return f.AsU32()
}

func requiredU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	return f.AsU64()
}

func getOptionalString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}
