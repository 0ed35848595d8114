// Package identity implements the fixed-width identifiers used across the
// overlay: DHT node IDs, network IDs and peer IDs.
//
// An ID is an immutable big-endian unsigned integer of 20 bytes (legacy
// generation) or 32 bytes (current generation). IDs are comparable with ==
// and can be used directly as map keys.
//
// Example:
//
//	a := identity.RandomID(identity.Size256)
//	b := identity.RandomID(identity.Size256)
//	dist := a.Xor(b)
//	if dist.Less(other.Xor(b)) {
//	    // a is closer to b than other is
//	}
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

const (
	// Size160 is the width in bytes of legacy identifiers.
	Size160 = 20
	// Size256 is the width in bytes of current identifiers.
	Size256 = 32
)

var (
	// ErrInvalidSize indicates an identifier of unsupported width.
	ErrInvalidSize = errors.New("invalid identifier size")
	// ErrSizeMismatch indicates a binary operation on identifiers of different widths.
	ErrSizeMismatch = errors.New("identifier size mismatch")
)

// ID is an immutable fixed-width identifier. The zero value is an empty ID
// of width zero and is only useful as a "not set" marker.
type ID struct {
	b string
}

// ValidSize reports whether size is a supported identifier width.
func ValidSize(size int) bool {
	return size == Size160 || size == Size256
}

// NewID copies b into a new identifier.
func NewID(b []byte) (ID, error) {
	if !ValidSize(len(b)) {
		return ID{}, fmt.Errorf("%w: %d bytes", ErrInvalidSize, len(b))
	}
	return ID{b: string(b)}, nil
}

// MustID is like NewID but panics on an invalid width. Intended for
// constants and tests.
func MustID(b []byte) ID {
	id, err := NewID(b)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID decodes a hex string into an identifier.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid identifier hex: %w", err)
	}
	return NewID(b)
}

// RandomID returns a uniformly random identifier of the given width.
func RandomID(size int) ID {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("identity: crypto/rand failed: %v", err))
	}
	return ID{b: string(b)}
}

// ZeroID returns the all-zero identifier of the given width.
func ZeroID(size int) ID {
	return ID{b: string(make([]byte, size))}
}

// MaxID returns the all-ones identifier of the given width.
func MaxID(size int) ID {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return ID{b: string(b)}
}

// Len returns the width of the identifier in bytes.
func (id ID) Len() int { return len(id.b) }

// Bits returns the width of the identifier in bits.
func (id ID) Bits() int { return len(id.b) * 8 }

// Bytes returns a copy of the big-endian representation.
func (id ID) Bytes() []byte { return []byte(id.b) }

// IsZero reports whether every bit is zero. An unset ID is also zero.
func (id ID) IsZero() bool {
	for i := 0; i < len(id.b); i++ {
		if id.b[i] != 0 {
			return false
		}
	}
	return true
}

// IsSet reports whether the identifier has a width.
func (id ID) IsSet() bool { return len(id.b) != 0 }

// Equal reports whether both identifiers have the same width and value.
func (id ID) Equal(other ID) bool { return id.b == other.b }

// Xor returns the XOR distance between id and other. Both must have the same width.
func (id ID) Xor(other ID) ID {
	return id.combine(other, func(a, b byte) byte { return a ^ b })
}

// And returns the bitwise AND of id and other.
func (id ID) And(other ID) ID {
	return id.combine(other, func(a, b byte) byte { return a & b })
}

// Or returns the bitwise OR of id and other.
func (id ID) Or(other ID) ID {
	return id.combine(other, func(a, b byte) byte { return a | b })
}

// Not returns the bitwise complement of id.
func (id ID) Not() ID {
	out := make([]byte, len(id.b))
	for i := range out {
		out[i] = ^id.b[i]
	}
	return ID{b: string(out)}
}

func (id ID) combine(other ID, op func(a, b byte) byte) ID {
	if len(id.b) != len(other.b) {
		panic(ErrSizeMismatch)
	}
	out := make([]byte, len(id.b))
	for i := range out {
		out[i] = op(id.b[i], other.b[i])
	}
	return ID{b: string(out)}
}

// ShiftLeft returns id << n, discarding bits shifted out of the width.
func (id ID) ShiftLeft(n int) ID {
	size := len(id.b)
	out := make([]byte, size)
	if n >= size*8 {
		return ID{b: string(out)}
	}
	byteShift, bitShift := n/8, uint(n%8)
	for i := 0; i < size-byteShift; i++ {
		out[i] = id.b[i+byteShift] << bitShift
		if bitShift > 0 && i+byteShift+1 < size {
			out[i] |= id.b[i+byteShift+1] >> (8 - bitShift)
		}
	}
	return ID{b: string(out)}
}

// ShiftRight returns id >> n (logical shift).
func (id ID) ShiftRight(n int) ID {
	size := len(id.b)
	out := make([]byte, size)
	if n >= size*8 {
		return ID{b: string(out)}
	}
	byteShift, bitShift := n/8, uint(n%8)
	for i := size - 1; i >= byteShift; i-- {
		out[i] = id.b[i-byteShift] >> bitShift
		if bitShift > 0 && i-byteShift-1 >= 0 {
			out[i] |= id.b[i-byteShift-1] << (8 - bitShift)
		}
	}
	return ID{b: string(out)}
}

// Bit returns the bit at position i counting from the most significant bit.
func (id ID) Bit(i int) uint {
	return uint(id.b[i/8]>>(7-uint(i%8))) & 1
}

// WithBit returns a copy of id with bit i (MSB first) set to v.
func (id ID) WithBit(i int, v uint) ID {
	out := []byte(id.b)
	mask := byte(1) << (7 - uint(i%8))
	if v != 0 {
		out[i/8] |= mask
	} else {
		out[i/8] &^= mask
	}
	return ID{b: string(out)}
}

// LeadingZeros returns the number of leading zero bits.
func (id ID) LeadingZeros() int {
	for i := 0; i < len(id.b); i++ {
		if id.b[i] != 0 {
			return i*8 + bits.LeadingZeros8(id.b[i])
		}
	}
	return len(id.b) * 8
}

// Cmp compares id and other as unsigned big-endian integers and returns
// -1, 0 or +1.
func (id ID) Cmp(other ID) int {
	if len(id.b) != len(other.b) {
		panic(ErrSizeMismatch)
	}
	switch {
	case id.b < other.b:
		return -1
	case id.b > other.b:
		return 1
	}
	return 0
}

// Less reports whether id < other.
func (id ID) Less(other ID) bool { return id.Cmp(other) < 0 }

// String returns the lowercase hex form.
func (id ID) String() string { return hex.EncodeToString([]byte(id.b)) }

// ShortString returns the first 8 hex characters, for log fields.
func (id ID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
