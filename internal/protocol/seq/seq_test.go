package seq

import (
	"errors"
	"testing"

	"github.com/danmuck/dgibroker/internal/testutil/testlog"
)

func TestNewRejectsTinyModulus(t *testing.T) {
	testlog.Start(t)
	if _, err := New(2); !errors.Is(err, ErrModulusTooSmall) {
		t.Fatalf("expected ErrModulusTooSmall, got %v", err)
	}
	if _, err := New(MinModulus); err != nil {
		t.Fatalf("new min modulus: %v", err)
	}
}

func TestNextPrevWrap(t *testing.T) {
	testlog.Start(t)
	s := Space{Modulus: 8}
	if got := s.Next(7); got != 0 {
		t.Fatalf("next(7) got=%d", got)
	}
	if got := s.Prev(0); got != 7 {
		t.Fatalf("prev(0) got=%d", got)
	}
	if got := s.Add(6, 5); got != 3 {
		t.Fatalf("add(6,5) got=%d", got)
	}
	v := uint32(3)
	for i := 0; i < 8; i++ {
		v = s.Next(v)
	}
	if v != 3 {
		t.Fatalf("full lap should return to start, got=%d", v)
	}
}

func TestCircularOrdering(t *testing.T) {
	testlog.Start(t)
	s := Space{Modulus: 1024}
	if !s.Before(10, 15) {
		t.Fatalf("10 should precede 15")
	}
	if s.Before(15, 10) {
		t.Fatalf("15 should not precede 10")
	}
	if !s.Before(1022, 1) {
		t.Fatalf("1022 should precede 1 across the wrap")
	}
	if !s.After(1, 1022) {
		t.Fatalf("1 should follow 1022 across the wrap")
	}
	if s.Before(5, 5) {
		t.Fatalf("a value never precedes itself")
	}
	if s.Before(0, 512) || s.Before(512, 0) {
		t.Fatalf("half-ring distance must be unordered")
	}
	if got := s.Distance(1020, 4); got != 8 {
		t.Fatalf("distance got=%d", got)
	}
}
