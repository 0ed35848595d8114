// Package limits provides centralized size constants and validation functions
// for the overlay wire formats.
//
// # Size Hierarchy
//
//   - MaxFramePayload (8192 bytes): the largest payload of a single multiplexer
//     frame. Channel writes larger than this are split by the channel.
//
//   - MaxFrameLength (65535 bytes): the ceiling imposed by the 16-bit length
//     field. Frames above MaxFramePayload are rejected as malformed even though
//     the field could express them.
//
//   - MaxListEntries (255): contact and peer lists in DHT packets use a one
//     byte count, which caps FIND_NODE and FIND_PEERS fan-out by construction.
//
//   - MaxPeersPerResponse (30): a node never returns more announced peers than
//     this for one network ID, which bounds response size and limits how much a
//     single query learns.
//
// # Validation Functions
//
//	if err := limits.ValidateFramePayload(payload); err != nil {
//	    return err
//	}
//
// Errors wrap ErrPayloadEmpty, ErrPayloadTooLarge or ErrListTooLong so callers
// can use errors.Is.
package limits
