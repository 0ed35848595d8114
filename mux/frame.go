package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/transport"
)

// Signal is the first byte of every frame.
type Signal byte

const (
	SignalPing                  Signal = 0x01
	SignalPingResponse          Signal = 0x02
	SignalOpenChannel           Signal = 0x10
	SignalOpenTunnel            Signal = 0x11
	SignalOpenVirtualConnection Signal = 0x12
	SignalChannelData           Signal = 0x13
	SignalDisconnectChannel     Signal = 0x14
	SignalRelayRegister         Signal = 0x20
	SignalRelayUnregister       Signal = 0x21
	SignalPeerList              Signal = 0x22
)

// String returns a human-readable representation of the Signal.
func (s Signal) String() string {
	switch s {
	case SignalPing:
		return "ping"
	case SignalPingResponse:
		return "ping_response"
	case SignalOpenChannel:
		return "open_channel"
	case SignalOpenTunnel:
		return "open_tunnel"
	case SignalOpenVirtualConnection:
		return "open_virtual_connection"
	case SignalChannelData:
		return "channel_data"
	case SignalDisconnectChannel:
		return "disconnect_channel"
	case SignalRelayRegister:
		return "relay_register"
	case SignalRelayUnregister:
		return "relay_unregister"
	case SignalPeerList:
		return "peer_list"
	default:
		return fmt.Sprintf("Signal(0x%02x)", byte(s))
	}
}

func (s Signal) valid() bool {
	switch s {
	case SignalPing, SignalPingResponse, SignalOpenChannel, SignalOpenTunnel,
		SignalOpenVirtualConnection, SignalChannelData, SignalDisconnectChannel,
		SignalRelayRegister, SignalRelayUnregister, SignalPeerList:
		return true
	}
	return false
}

// ChannelIDSize is the width of the channel ID in the frame header.
const ChannelIDSize = identity.Size256

// HeaderSize is the frame header length: signal, channel ID, payload length.
const HeaderSize = 1 + ChannelIDSize + 2

// Frame is one unit on a multiplexed link.
//
//	signal(1) | channelID(32) | length(2) | payload
type Frame struct {
	Signal    Signal
	ChannelID identity.ID
	Payload   []byte
}

// MarshalBinary encodes the frame.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if err := limits.ValidateFramePayload(f.Payload); err != nil {
		return nil, err
	}
	b := make([]byte, HeaderSize+len(f.Payload))
	b[0] = byte(f.Signal)
	if f.ChannelID.IsSet() {
		if f.ChannelID.Len() != ChannelIDSize {
			return nil, fmt.Errorf("%w: channel id of %d bytes", ErrMalformedFrame, f.ChannelID.Len())
		}
		copy(b[1:], f.ChannelID.Bytes())
	}
	binary.BigEndian.PutUint16(b[1+ChannelIDSize:], uint16(len(f.Payload)))
	copy(b[HeaderSize:], f.Payload)
	return b, nil
}

// ReadFrame reads one frame. A clean end of stream before the header
// returns io.EOF; everything else that fails to decode wraps
// ErrMalformedFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return nil, err
	}
	sig := Signal(header[0])
	if !sig.valid() {
		return nil, fmt.Errorf("%w: unknown signal 0x%02x", ErrMalformedFrame, header[0])
	}
	n := int(binary.BigEndian.Uint16(header[1+ChannelIDSize:]))
	if n > limits.MaxFramePayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrMalformedFrame, n)
	}
	f := &Frame{Signal: sig, ChannelID: identity.MustID(header[1 : 1+ChannelIDSize])}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("%w: truncated payload: %v", ErrMalformedFrame, err)
		}
	}
	return f, nil
}

// encodeIDList encodes count(1) | ids.
func encodeIDList(ids []identity.ID) ([]byte, error) {
	if err := limits.ValidateListLength(len(ids)); err != nil {
		return nil, err
	}
	b := make([]byte, 1, 1+len(ids)*ChannelIDSize)
	b[0] = byte(len(ids))
	for _, id := range ids {
		if id.Len() != ChannelIDSize {
			return nil, fmt.Errorf("%w: network id of %d bytes", ErrMalformedFrame, id.Len())
		}
		b = append(b, id.Bytes()...)
	}
	return b, nil
}

func decodeIDList(b []byte) ([]identity.ID, error) {
	if len(b) < 1 || len(b) != 1+int(b[0])*ChannelIDSize {
		return nil, fmt.Errorf("%w: bad id list", ErrMalformedFrame)
	}
	ids := make([]identity.ID, b[0])
	for i := range ids {
		off := 1 + i*ChannelIDSize
		ids[i] = identity.MustID(b[off : off+ChannelIDSize])
	}
	return ids, nil
}

// encodePeerList encodes count(1) | endpoint records.
func encodePeerList(eps []transport.EndPoint) ([]byte, error) {
	if err := limits.ValidateListLength(len(eps)); err != nil {
		return nil, err
	}
	b := []byte{byte(len(eps))}
	for _, ep := range eps {
		var err error
		if b, err = ep.AppendBinary(b); err != nil {
			return nil, err
		}
	}
	if err := limits.ValidateFramePayload(b); err != nil {
		return nil, err
	}
	return b, nil
}

func decodePeerList(b []byte) ([]transport.EndPoint, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty peer list", ErrMalformedFrame)
	}
	count := int(b[0])
	b = b[1:]
	eps := make([]transport.EndPoint, 0, count)
	for i := 0; i < count; i++ {
		ep, n, err := transport.DecodeEndPoint(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		eps = append(eps, ep)
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in peer list", ErrMalformedFrame, len(b))
	}
	return eps, nil
}
