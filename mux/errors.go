package mux

import (
	"errors"
	"fmt"

	"github.com/opd-ai/meshnode/identity"
)

var (
	// ErrMalformedFrame indicates an undecodable frame. It is fatal to the
	// connection.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrConnectionClosed indicates the connection has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrChannelClosed indicates the channel has been disposed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrChannelExists indicates a channel ID collision.
	ErrChannelExists = errors.New("channel id already in use")

	// ErrNestedTunnel indicates a tunnel request over a connection that is
	// itself tunneled.
	ErrNestedTunnel = errors.New("tunnel through a virtual connection refused")

	// ErrNoRoute indicates there is no direct connection to a tunnel target.
	ErrNoRoute = errors.New("no connection to tunnel target")

	// ErrFeedTimeout indicates a channel consumer did not drain its buffer
	// within the feed timeout.
	ErrFeedTimeout = errors.New("channel consumer stalled")
)

// FrameError carries the operation and channel an error occurred on.
type FrameError struct {
	Op        string      // operation that caused the error
	ChannelID identity.ID // channel if relevant
	Err       error       // underlying error
}

func (e *FrameError) Error() string {
	if e.ChannelID.IsSet() {
		return fmt.Sprintf("mux %s %s: %v", e.Op, e.ChannelID.ShortString(), e.Err)
	}
	return fmt.Sprintf("mux %s: %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a deadline expiry, so that a
// FrameError satisfies net.Error.
func (e *FrameError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// Temporary is part of net.Error.
func (e *FrameError) Temporary() bool { return e.Timeout() }

func newFrameError(op string, id identity.ID, err error) *FrameError {
	return &FrameError{Op: op, ChannelID: id, Err: err}
}
