// Package limits provides centralized size limits for the overlay wire formats.
// This ensures consistent validation across the DHT codec and the connection
// multiplexer.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFramePayload is the largest payload carried by one multiplexer frame.
	// Larger application writes are split into several frames.
	MaxFramePayload = 8192

	// MaxFrameLength is the hard ceiling of the 16-bit frame length field.
	MaxFrameLength = 0xFFFF

	// MaxListEntries is the largest contact or peer list in a DHT packet.
	// The count is carried in a single byte.
	MaxListEntries = 255

	// MaxPeersPerResponse caps the announced peers returned for one network ID.
	MaxPeersPerResponse = 30

	// MaxNetworkIDsPerFrame caps relay register/unregister lists so that the
	// list fits in one frame.
	MaxNetworkIDsPerFrame = MaxFramePayload / 32
)

var (
	// ErrPayloadEmpty indicates an empty payload where data is required.
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds its maximum size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrListTooLong indicates a list exceeds what its count field can carry.
	ErrListTooLong = errors.New("list too long")
)

// ValidateFramePayload validates a frame payload against MaxFramePayload.
// Empty payloads are valid for control frames.
func ValidateFramePayload(payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: frame payload %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxFramePayload)
	}
	return nil
}

// ValidateDataPayload validates a channel data payload. Data frames must
// carry at least one byte.
func ValidateDataPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	return ValidateFramePayload(payload)
}

// ValidateListLength validates the number of entries in a count-prefixed list.
func ValidateListLength(n int) error {
	if n > MaxListEntries {
		return fmt.Errorf("%w: %d entries exceeds limit %d", ErrListTooLong, n, MaxListEntries)
	}
	return nil
}
