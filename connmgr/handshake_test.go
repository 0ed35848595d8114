package connmgr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

func TestHandshakeCodec(t *testing.T) {
	h := Handshake{Version: HandshakeVersion, PeerID: identity.RandomID(identity.Size256), ServicePort: 33445}
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, h))
	assert.Equal(t, handshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.Version, got.Version)
	assert.True(t, h.PeerID.Equal(got.PeerID))
	assert.Equal(t, h.ServicePort, got.ServicePort)
}

func TestHandshakeErrors(t *testing.T) {
	h := Handshake{Version: 2, PeerID: identity.RandomID(identity.Size256)}
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	_, err = ReadHandshake(bytes.NewReader(b))
	assert.ErrorIs(t, err, ErrBadHandshake)

	_, err = ReadHandshake(bytes.NewReader(b[:10]))
	assert.ErrorIs(t, err, ErrBadHandshake)

	_, err = Handshake{PeerID: identity.RandomID(identity.Size160)}.MarshalBinary()
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestShouldReplace(t *testing.T) {
	public := transport.MustParseEndPoint("203.0.113.7:33445")
	private := transport.MustParseEndPoint("192.168.1.7:33445")
	onion := transport.MustParseEndPoint("abcdefghijklmnop.onion:33445")

	tests := []struct {
		name     string
		existing mux.Info
		incoming mux.Info
		want     bool
	}{
		{"virtual never displaces", mux.Info{RemoteEndPoint: public, Virtual: true}, mux.Info{RemoteEndPoint: public, Virtual: true}, false},
		{"virtual never displaces direct", mux.Info{RemoteEndPoint: private}, mux.Info{RemoteEndPoint: public, Virtual: true}, false},
		{"direct displaces virtual", mux.Info{RemoteEndPoint: public, Virtual: true}, mux.Info{RemoteEndPoint: private}, true},
		{"public existing is replaced", mux.Info{RemoteEndPoint: public}, mux.Info{RemoteEndPoint: private}, true},
		{"onion existing is replaced", mux.Info{RemoteEndPoint: onion}, mux.Info{RemoteEndPoint: public}, true},
		{"private existing is kept", mux.Info{RemoteEndPoint: private}, mux.Info{RemoteEndPoint: public}, false},
		{"both private keeps existing", mux.Info{RemoteEndPoint: private}, mux.Info{RemoteEndPoint: private.WithPort(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldReplace(tt.existing, tt.incoming))
		})
	}
}
