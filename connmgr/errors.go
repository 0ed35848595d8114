package connmgr

import "errors"

var (
	// ErrSelfConnection indicates the remote side presented our own peer ID.
	ErrSelfConnection = errors.New("connection to self")

	// ErrDuplicateConnection indicates a new link lost to an existing one
	// under the replacement policy.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrBadHandshake indicates an undecodable or incompatible handshake.
	ErrBadHandshake = errors.New("bad handshake")

	// ErrUnknownPreamble indicates an inbound stream with an unknown first
	// byte.
	ErrUnknownPreamble = errors.New("unknown stream preamble")

	// ErrBackoff indicates a recent dial to the endpoint failed.
	ErrBackoff = errors.New("endpoint in dial back-off")

	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrNoRelay indicates no connection could carry a tunnel.
	ErrNoRelay = errors.New("no relay available")
)
