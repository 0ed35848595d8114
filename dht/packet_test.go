package dht

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

func TestPacketRoundTrip(t *testing.T) {
	id160 := identity.RandomID(identity.Size160)
	id256 := identity.RandomID(identity.Size256)
	v4 := transport.MustParseEndPoint("203.0.113.1:33445")
	v6 := transport.MustParseEndPoint("[2001:db8::5]:33446")
	onion := transport.MustParseEndPoint("exampleexampleexample.onion:9050")

	tests := []struct {
		name string
		p    Packet
	}{
		{"ping v1", Packet{Version: Version1, SourcePort: 1, Type: PacketPing}},
		{"ping response v2", Packet{Version: Version2, SourcePort: 2, Type: PacketPing, Response: true}},
		{"find node v1", Packet{Version: Version1, SourcePort: 3, Type: PacketFindNode, ID: id160}},
		{"find node response", Packet{Version: Version2, SourcePort: 4, Type: PacketFindNode, Response: true, ID: id256,
			Contacts: []transport.EndPoint{v4, v6}}},
		{"find node response empty", Packet{Version: Version2, Type: PacketFindNode, Response: true, ID: id256}},
		{"find peers", Packet{Version: Version2, SourcePort: 5, Type: PacketFindPeers, ID: id256}},
		{"find peers response with peers", Packet{Version: Version2, Type: PacketFindPeers, Response: true, ID: id256,
			Peers: []transport.EndPoint{v4, onion}}},
		{"find peers response with contacts", Packet{Version: Version1, Type: PacketFindPeers, Response: true, ID: id160,
			Contacts: []transport.EndPoint{v6}}},
		{"announce v1", Packet{Version: Version1, SourcePort: 6, Type: PacketAnnounce, ID: id160, ServicePort: 8080}},
		{"announce v2", Packet{Version: Version2, SourcePort: 7, Type: PacketAnnounce, ID: id256,
			Peers: []transport.EndPoint{onion}}},
		{"announce response", Packet{Version: Version2, Type: PacketAnnounce, Response: true, ID: id256,
			Contacts: []transport.EndPoint{v4}, Peers: []transport.EndPoint{v6, onion}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.p.MarshalBinary()
			require.NoError(t, err)

			var decoded Packet
			require.NoError(t, decoded.UnmarshalBinary(data))
			assert.Equal(t, tt.p, decoded)

			streamed, err := ReadPacket(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, tt.p, *streamed)
		})
	}
}

func TestPacketDecodeErrors(t *testing.T) {
	valid, err := (&Packet{
		Version: Version2, Type: PacketFindNode, Response: true,
		ID:       identity.RandomID(identity.Size256),
		Contacts: []transport.EndPoint{transport.MustParseEndPoint("192.0.2.1:1")},
	}).MarshalBinary()
	require.NoError(t, err)

	t.Run("unsupported version", func(t *testing.T) {
		data := append([]byte{9}, valid[1:]...)
		_, err := ReadPacket(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("unknown type", func(t *testing.T) {
		data := []byte{Version2, 0, 1, 0x7F}
		_, err := ReadPacket(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})

	t.Run("truncated", func(t *testing.T) {
		for n := 1; n < len(valid); n++ {
			_, err := ReadPacket(bytes.NewReader(valid[:n]))
			assert.ErrorIs(t, err, ErrMalformedPacket, "prefix %d", n)
		}
	})

	t.Run("empty stream", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader(nil))
		assert.True(t, errors.Is(err, io.EOF))
	})

	t.Run("trailing bytes", func(t *testing.T) {
		var p Packet
		assert.ErrorIs(t, p.UnmarshalBinary(append(valid, 0)), ErrMalformedPacket)
	})
}

func TestPacketEncodeErrors(t *testing.T) {
	_, err := (&Packet{Version: Version2, Type: PacketFindNode, ID: identity.RandomID(identity.Size160)}).MarshalBinary()
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = (&Packet{Version: 3, Type: PacketPing}).MarshalBinary()
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	many := make([]transport.EndPoint, 256)
	for i := range many {
		many[i] = testEndPoint(i)
	}
	_, err = (&Packet{Version: Version2, Type: PacketFindNode, Response: true,
		ID: identity.RandomID(identity.Size256), Contacts: many}).MarshalBinary()
	assert.Error(t, err)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "FIND_PEERS", PacketFindPeers.String())
	assert.Equal(t, "PacketType(9)", PacketType(9).String())
}
