package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/dgibroker/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(7, "node-a"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestIntegerAccessors(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 3),
		U16(2, 9001),
		U32(3, 1023),
		U64(4, 1700000000123456789),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fields[0].AsU8(); err != nil || v != 3 {
		t.Fatalf("u8 got=%d err=%v", v, err)
	}
	if v, err := fields[1].AsU16(); err != nil || v != 9001 {
		t.Fatalf("u16 got=%d err=%v", v, err)
	}
	if v, err := fields[2].AsU32(); err != nil || v != 1023 {
		t.Fatalf("u32 got=%d err=%v", v, err)
	}
	if v, err := fields[3].AsU64(); err != nil || v != 1700000000123456789 {
		t.Fatalf("u64 got=%d err=%v", v, err)
	}
	if _, err := fields[0].AsU32(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 5, Type: TypeU32, Value: []byte{1}}
	if _, err := bad.AsU32(); !errors.Is(err, ErrInvalidWidth) {
		t.Fatalf("expected ErrInvalidWidth, got %v", err)
	}
}
