// Package seq implements sequence number arithmetic over a fixed-size ring.
//
// Every value handed to a Space must already be reduced modulo the ring size.
// Ordering is circular: a precedes b when b lies within the half ring that
// follows a. Values exactly half a ring apart are treated as unordered.
package seq

import (
	"errors"
	"fmt"
)

// MinModulus is the smallest ring that still has a usable half-ring ordering.
const MinModulus uint32 = 4

var ErrModulusTooSmall = errors.New("seq: modulus too small")

// Space is one sequence ring of size Modulus.
type Space struct {
	Modulus uint32
}

func New(modulus uint32) (Space, error) {
	if modulus < MinModulus {
		return Space{}, fmt.Errorf("%w: %d < %d", ErrModulusTooSmall, modulus, MinModulus)
	}
	return Space{Modulus: modulus}, nil
}

// Next returns v+1 wrapped at the modulus.
func (s Space) Next(v uint32) uint32 {
	return s.Add(v, 1)
}

// Prev returns v-1, wrapping zero to Modulus-1.
func (s Space) Prev(v uint32) uint32 {
	if v == 0 {
		return s.Modulus - 1
	}
	return v - 1
}

// Add advances v by n positions.
func (s Space) Add(v, n uint32) uint32 {
	return uint32((uint64(v) + uint64(n)) % uint64(s.Modulus))
}

// Reduce maps any integer onto the ring.
func (s Space) Reduce(v uint32) uint32 {
	return v % s.Modulus
}

// Distance is the forward distance from a to b.
func (s Space) Distance(a, b uint32) uint32 {
	return uint32((uint64(b) + uint64(s.Modulus) - uint64(a)) % uint64(s.Modulus))
}

// Before reports whether a strictly precedes b.
func (s Space) Before(a, b uint32) bool {
	d := s.Distance(a, b)
	return d != 0 && uint64(d)*2 < uint64(s.Modulus)
}

// After reports whether a strictly follows b.
func (s Space) After(a, b uint32) bool {
	return s.Before(b, a)
}

func (s Space) Valid(v uint32) bool {
	return v < s.Modulus
}
