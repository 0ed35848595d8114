package dht

import "errors"

var (
	// ErrUnsupportedVersion indicates a packet with an unknown version byte.
	ErrUnsupportedVersion = errors.New("unsupported packet version")

	// ErrMalformedPacket indicates truncated or inconsistent packet bytes.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnexpectedResponse indicates a response whose type does not match
	// the request.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrInvalidID indicates an identifier of the wrong width for the engine.
	ErrInvalidID = errors.New("identifier width does not match engine")

	// ErrInvalidConfig indicates an unusable engine configuration.
	ErrInvalidConfig = errors.New("invalid dht configuration")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("dht engine closed")
)
