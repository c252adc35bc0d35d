package schema

import (
	"fmt"

	"github.com/danmuck/dgibroker/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgEnvelope uint16 = 1
	// MsgHello carries a JSON control message exchanged before envelopes.
	MsgHello uint16 = 2
)

// Envelope field IDs.
const (
	FieldStatus      uint16 = 1
	FieldSequence    uint16 = 2
	FieldKill        uint16 = 3
	FieldExpireAt    uint16 = 4
	FieldSentAt      uint16 = 5
	FieldContentHash uint16 = 6

	FieldOriginID   uint16 = 7
	FieldOriginHost uint16 = 8
	FieldOriginPort uint16 = 9

	FieldPayload uint16 = 10
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgEnvelope: {
		{FieldStatus, tlv.TypeU8},
		{FieldSequence, tlv.TypeU32},
		{FieldExpireAt, tlv.TypeU64},
		{FieldSentAt, tlv.TypeU64},
		{FieldContentHash, tlv.TypeU64},
		{FieldOriginID, tlv.TypeString},
	},
}

// optional fields are type-checked only when present.
var optional = map[uint16][]Requirement{
	MsgEnvelope: {
		{FieldKill, tlv.TypeU32},
		{FieldOriginHost, tlv.TypeString},
		{FieldOriginPort, tlv.TypeU16},
		{FieldPayload, tlv.TypeBytes},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint16("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint16("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
