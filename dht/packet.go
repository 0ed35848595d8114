package dht

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/transport"
)

// Packet versions. The version selects the identifier width and the
// ANNOUNCE layout.
const (
	// Version1 uses 160-bit identifiers; ANNOUNCE carries a service port.
	Version1 uint8 = 1
	// Version2 uses 256-bit identifiers; ANNOUNCE carries the claimed
	// service endpoint as a one-entry peer list.
	Version2 uint8 = 2
)

// PacketType identifies the RPC carried by a packet.
type PacketType uint8

const (
	PacketPing      PacketType = 0x00
	PacketFindNode  PacketType = 0x01
	PacketFindPeers PacketType = 0x02
	PacketAnnounce  PacketType = 0x03
)

// responseFlag marks the type byte of a response.
const responseFlag = 0x80

// String returns a human-readable representation of the PacketType.
func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "PING"
	case PacketFindNode:
		return "FIND_NODE"
	case PacketFindPeers:
		return "FIND_PEERS"
	case PacketAnnounce:
		return "ANNOUNCE_PEER"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

func (t PacketType) valid() bool { return t <= PacketAnnounce }

// IDSizeForVersion returns the identifier width used by a packet version.
func IDSizeForVersion(v uint8) (int, error) {
	switch v {
	case Version1:
		return identity.Size160, nil
	case Version2:
		return identity.Size256, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
}

// Packet is one DHT RPC message.
//
// Layout:
//
//	version(1) | sourcePort(2) | type(1) | body
//
// Body by type:
//
//	PING            query and response: empty
//	FIND_NODE       query: id; response: id | contacts
//	FIND_PEERS      query: id; response: id | contacts | peers
//	ANNOUNCE_PEER   query v1: id | servicePort(2)
//	                query v2: id | peers (one entry)
//	                response: id | contacts | peers
//
// Lists are a one byte count followed by encoded endpoints.
type Packet struct {
	Version    uint8
	SourcePort uint16
	Type       PacketType
	Response   bool

	// ID is the target node ID or the network ID.
	ID identity.ID
	// Contacts are node endpoints; identifiers are derived on receipt.
	Contacts []transport.EndPoint
	// Peers are announced service endpoints.
	Peers []transport.EndPoint
	// ServicePort is the announced port of a version 1 ANNOUNCE query.
	ServicePort uint16
}

func (p *Packet) hasID() bool { return p.Type != PacketPing }

func (p *Packet) hasContacts() bool {
	return p.Response && (p.Type == PacketFindNode || p.Type == PacketFindPeers || p.Type == PacketAnnounce)
}

func (p *Packet) hasPeers() bool {
	switch {
	case p.Response:
		return p.Type == PacketFindPeers || p.Type == PacketAnnounce
	case p.Type == PacketAnnounce:
		return p.Version >= Version2
	}
	return false
}

func (p *Packet) hasServicePort() bool {
	return !p.Response && p.Type == PacketAnnounce && p.Version == Version1
}

// MarshalBinary encodes the packet.
func (p *Packet) MarshalBinary() ([]byte, error) {
	size, err := IDSizeForVersion(p.Version)
	if err != nil {
		return nil, err
	}
	if !p.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, p.Type)
	}

	typ := byte(p.Type)
	if p.Response {
		typ |= responseFlag
	}
	b := make([]byte, 0, 64)
	b = append(b, p.Version)
	b = binary.BigEndian.AppendUint16(b, p.SourcePort)
	b = append(b, typ)

	if p.hasID() {
		if p.ID.Len() != size {
			return nil, fmt.Errorf("%w: id is %d bytes, version %d needs %d", ErrMalformedPacket, p.ID.Len(), p.Version, size)
		}
		b = append(b, p.ID.Bytes()...)
	}
	if p.hasServicePort() {
		b = binary.BigEndian.AppendUint16(b, p.ServicePort)
	}
	if p.hasContacts() {
		if b, err = appendEndPoints(b, p.Contacts); err != nil {
			return nil, err
		}
	}
	if p.hasPeers() {
		if b, err = appendEndPoints(b, p.Peers); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendEndPoints(b []byte, eps []transport.EndPoint) ([]byte, error) {
	if err := limits.ValidateListLength(len(eps)); err != nil {
		return nil, err
	}
	b = append(b, byte(len(eps)))
	var err error
	for _, ep := range eps {
		if b, err = ep.AppendBinary(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// UnmarshalBinary decodes a packet. Trailing bytes are an error.
func (p *Packet) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	decoded, err := ReadPacket(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, r.Len())
	}
	*p = *decoded
	return nil
}

// WritePacket encodes p to w.
func WritePacket(w io.Writer, p *Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadPacket decodes one packet from r. Any decode failure is fatal to the
// stream; the caller must not read further from r.
func ReadPacket(r io.Reader) (*Packet, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	p := &Packet{Version: head[0]}
	size, err := IDSizeForVersion(p.Version)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, head[1:4]); err != nil {
		return nil, malformed(err)
	}
	p.SourcePort = binary.BigEndian.Uint16(head[1:3])
	p.Response = head[3]&responseFlag != 0
	p.Type = PacketType(head[3] &^ responseFlag)
	if !p.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, p.Type)
	}

	if p.hasID() {
		idBytes := make([]byte, size)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, malformed(err)
		}
		p.ID = identity.MustID(idBytes)
	}
	if p.hasServicePort() {
		var port [2]byte
		if _, err := io.ReadFull(r, port[:]); err != nil {
			return nil, malformed(err)
		}
		p.ServicePort = binary.BigEndian.Uint16(port[:])
	}
	if p.hasContacts() {
		if p.Contacts, err = readEndPoints(r); err != nil {
			return nil, err
		}
	}
	if p.hasPeers() {
		if p.Peers, err = readEndPoints(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func readEndPoints(r io.Reader) ([]transport.EndPoint, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, malformed(err)
	}
	if count[0] == 0 {
		return nil, nil
	}
	eps := make([]transport.EndPoint, 0, count[0])
	for i := 0; i < int(count[0]); i++ {
		ep, err := transport.ReadEndPoint(r)
		if err != nil {
			return nil, malformed(err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func malformed(err error) error {
	if errors.Is(err, ErrMalformedPacket) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
}

// newRequest builds a query packet for an engine.
func newRequest(version uint8, sourcePort uint16, typ PacketType, id identity.ID) *Packet {
	return &Packet{Version: version, SourcePort: sourcePort, Type: typ, ID: id}
}

// newResponse builds the response skeleton for req.
func newResponse(req *Packet, sourcePort uint16) *Packet {
	return &Packet{
		Version:    req.Version,
		SourcePort: sourcePort,
		Type:       req.Type,
		Response:   true,
		ID:         req.ID,
	}
}
