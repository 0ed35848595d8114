package connmgr

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/meshnode/identity"
)

// HandshakeVersion is the only connection handshake version spoken.
const HandshakeVersion = 1

const handshakeLen = 1 + identity.Size256 + 2

// Handshake is exchanged by both sides of a new link.
//
//	version(1) | peerID(32) | servicePort(2)
type Handshake struct {
	Version     uint8
	PeerID      identity.ID
	ServicePort uint16
}

// MarshalBinary encodes h.
func (h Handshake) MarshalBinary() ([]byte, error) {
	if h.PeerID.Len() != identity.Size256 {
		return nil, fmt.Errorf("%w: peer id of %d bytes", ErrBadHandshake, h.PeerID.Len())
	}
	b := make([]byte, handshakeLen)
	b[0] = h.Version
	copy(b[1:], h.PeerID.Bytes())
	binary.BigEndian.PutUint16(b[1+identity.Size256:], h.ServicePort)
	return b, nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadHandshake reads a handshake and checks its version.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var b [handshakeLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if b[0] != HandshakeVersion {
		return Handshake{}, fmt.Errorf("%w: version %d", ErrBadHandshake, b[0])
	}
	return Handshake{
		Version:     b[0],
		PeerID:      identity.MustID(b[1 : 1+identity.Size256]),
		ServicePort: binary.BigEndian.Uint16(b[1+identity.Size256:]),
	}, nil
}
