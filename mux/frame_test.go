package mux

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/transport"
)

func TestFrameRoundTrip(t *testing.T) {
	id := identity.RandomID(identity.Size256)
	tests := []struct {
		name  string
		frame Frame
	}{
		{"ping", Frame{Signal: SignalPing, ChannelID: identity.ZeroID(ChannelIDSize)}},
		{"data", Frame{Signal: SignalChannelData, ChannelID: id, Payload: []byte("hello")}},
		{"max data", Frame{Signal: SignalChannelData, ChannelID: id, Payload: bytes.Repeat([]byte{7}, limits.MaxFramePayload)}},
		{"disconnect", Frame{Signal: SignalDisconnectChannel, ChannelID: id}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.frame.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, b, HeaderSize+len(tt.frame.Payload))

			got, err := ReadFrame(bytes.NewReader(b))
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Signal, got.Signal)
			assert.True(t, tt.frame.ChannelID.Equal(got.ChannelID))
			assert.Equal(t, len(tt.frame.Payload), len(got.Payload))
			assert.True(t, bytes.Equal(tt.frame.Payload, got.Payload))
		})
	}
}

func TestReadFrameErrors(t *testing.T) {
	valid, err := (&Frame{Signal: SignalChannelData, ChannelID: identity.RandomID(identity.Size256), Payload: []byte("abc")}).MarshalBinary()
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader(valid[:10]))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ReadFrame(bytes.NewReader(valid[:len(valid)-1]))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	unknown := append([]byte(nil), valid...)
	unknown[0] = 0x7f
	_, err = ReadFrame(bytes.NewReader(unknown))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	oversize := append([]byte(nil), valid[:HeaderSize]...)
	oversize[HeaderSize-2], oversize[HeaderSize-1] = 0xff, 0xff
	_, err = ReadFrame(bytes.NewReader(oversize))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrameMarshalRejectsLargePayload(t *testing.T) {
	f := Frame{Signal: SignalChannelData, ChannelID: identity.RandomID(identity.Size256), Payload: make([]byte, limits.MaxFramePayload+1)}
	_, err := f.MarshalBinary()
	assert.True(t, errors.Is(err, limits.ErrPayloadTooLarge))

	f = Frame{Signal: SignalOpenChannel, ChannelID: identity.RandomID(identity.Size160)}
	_, err = f.MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestIDListCodec(t *testing.T) {
	ids := []identity.ID{identity.RandomID(identity.Size256), identity.RandomID(identity.Size256)}
	b, err := encodeIDList(ids)
	require.NoError(t, err)
	got, err := decodeIDList(b)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, ids[0].Equal(got[0]))
	assert.True(t, ids[1].Equal(got[1]))

	_, err = decodeIDList(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = encodeIDList(make([]identity.ID, limits.MaxListEntries+1))
	assert.ErrorIs(t, err, limits.ErrListTooLong)
}

func TestPeerListCodec(t *testing.T) {
	eps := []transport.EndPoint{
		transport.MustParseEndPoint("203.0.113.1:33445"),
		transport.MustParseEndPoint("[2001:db8::5]:443"),
		transport.MustParseEndPoint("abcdefghijklmnop.onion:33445"),
	}
	b, err := encodePeerList(eps)
	require.NoError(t, err)
	got, err := decodePeerList(b)
	require.NoError(t, err)
	assert.Equal(t, eps, got)

	empty, err := encodePeerList(nil)
	require.NoError(t, err)
	got, err = decodePeerList(empty)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodePeerList(append(b, 0))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "open_tunnel", SignalOpenTunnel.String())
	assert.Equal(t, "Signal(0x7f)", Signal(0x7f).String())
}
