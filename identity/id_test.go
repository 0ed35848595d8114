package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idFromByte(size int, first byte) ID {
	b := make([]byte, size)
	b[0] = first
	return MustID(b)
}

func TestNewID(t *testing.T) {
	t.Run("accepts supported widths", func(t *testing.T) {
		for _, size := range []int{Size160, Size256} {
			id, err := NewID(make([]byte, size))
			require.NoError(t, err)
			assert.Equal(t, size, id.Len())
			assert.Equal(t, size*8, id.Bits())
		}
	})

	t.Run("rejects other widths", func(t *testing.T) {
		_, err := NewID(make([]byte, 16))
		assert.ErrorIs(t, err, ErrInvalidSize)
	})

	t.Run("copies input", func(t *testing.T) {
		b := make([]byte, Size160)
		id := MustID(b)
		b[0] = 0xFF
		assert.True(t, id.IsZero())
	})
}

func TestXorDistance(t *testing.T) {
	a := idFromByte(Size256, 0xF0)
	b := idFromByte(Size256, 0x0F)

	d := a.Xor(b)
	assert.Equal(t, byte(0xFF), d.Bytes()[0])
	assert.True(t, a.Xor(a).IsZero())
	assert.Equal(t, a.Xor(b), b.Xor(a))
}

func TestBitwiseOps(t *testing.T) {
	a := idFromByte(Size160, 0b1100_0000)
	b := idFromByte(Size160, 0b1010_0000)

	assert.Equal(t, byte(0b1000_0000), a.And(b).Bytes()[0])
	assert.Equal(t, byte(0b1110_0000), a.Or(b).Bytes()[0])
	assert.Equal(t, byte(0b0011_1111), a.Not().Bytes()[0])
	assert.Panics(t, func() { a.Xor(idFromByte(Size256, 0)) })
}

func TestShifts(t *testing.T) {
	one := MustID(append(make([]byte, Size160-1), 0x01))

	shifted := one.ShiftLeft(9)
	assert.Equal(t, byte(0x02), shifted.Bytes()[Size160-2])
	assert.Equal(t, one, shifted.ShiftRight(9))

	top := one.ShiftLeft(Size160*8 - 1)
	assert.Equal(t, uint(1), top.Bit(0))
	assert.True(t, one.ShiftLeft(Size160*8).IsZero())
	assert.True(t, top.ShiftRight(Size160*8).IsZero())
}

func TestBitAccess(t *testing.T) {
	id := ZeroID(Size256)
	id = id.WithBit(0, 1).WithBit(9, 1)

	assert.Equal(t, uint(1), id.Bit(0))
	assert.Equal(t, uint(0), id.Bit(1))
	assert.Equal(t, uint(1), id.Bit(9))
	assert.Equal(t, 0, id.LeadingZeros())
	assert.Equal(t, 9, id.WithBit(0, 0).LeadingZeros())
	assert.Equal(t, Size256*8, ZeroID(Size256).LeadingZeros())
}

func TestOrdering(t *testing.T) {
	small := idFromByte(Size256, 0x01)
	large := idFromByte(Size256, 0x80)

	assert.True(t, small.Less(large))
	assert.False(t, large.Less(small))
	assert.Equal(t, 0, small.Cmp(small))
	assert.Equal(t, -1, ZeroID(Size256).Cmp(MaxID(Size256)))
}

func TestParseAndText(t *testing.T) {
	id := RandomID(Size256)

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	text, err := id.MarshalText()
	require.NoError(t, err)
	var back ID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
	assert.Len(t, id.ShortString(), 8)

	_, err = ParseID("zz")
	assert.Error(t, err)
}

func TestDerive(t *testing.T) {
	a := Derive(NodeIDSalt, []byte("10.0.0.1:9000"), Size160)
	b := Derive(NodeIDSalt, []byte("10.0.0.1:9000"), Size160)
	c := Derive(NodeIDSalt, []byte("10.0.0.2:9000"), Size160)
	other := Derive([]byte("other-salt"), []byte("10.0.0.1:9000"), Size160)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, other)
	assert.Equal(t, Size160, a.Len())
}

func TestKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := KeyPairFromSecret(kp.Private)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(kp.Public[:], rebuilt.Public[:]))
	assert.Equal(t, kp.PeerID(), rebuilt.PeerID())
	assert.Equal(t, Size256, kp.PeerID().Len())

	_, err = KeyPairFromSecret([32]byte{})
	assert.Error(t, err)
}
