package transport

import (
	"fmt"

	"github.com/opd-ai/meshnode/identity"
)

// EndPointToChannelID packs ep into a 256-bit channel ID so that tunnel and
// virtual-connection requests can name their destination (or source) in the
// frame header. The encoding is the endpoint wire form, zero padded.
func EndPointToChannelID(ep EndPoint) (identity.ID, error) {
	b, err := ep.MarshalBinary()
	if err != nil {
		return identity.ID{}, err
	}
	if len(b) > identity.Size256 {
		return identity.ID{}, fmt.Errorf("%w: %s does not fit in a channel id", ErrUnsupportedAddress, ep)
	}
	padded := make([]byte, identity.Size256)
	copy(padded, b)
	return identity.NewID(padded)
}

// ChannelIDToEndPoint reverses EndPointToChannelID.
func ChannelIDToEndPoint(id identity.ID) (EndPoint, error) {
	b := id.Bytes()
	ep, n, err := DecodeEndPoint(b)
	if err != nil {
		return EndPoint{}, err
	}
	for _, pad := range b[n:] {
		if pad != 0 {
			return EndPoint{}, fmt.Errorf("%w: non-zero channel id padding", ErrMalformedEndPoint)
		}
	}
	return ep, nil
}
