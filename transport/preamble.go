package transport

import (
	"context"
	"fmt"
	"io"
	"net"
)

// Stream preambles. Every stream opened to a node's service port starts with
// one of these bytes so a single listener can serve both DHT RPCs and
// multiplexed connections.
const (
	PreambleDHT        byte = 'D'
	PreambleConnection byte = 'C'
)

// PreambleDialer wraps a Dialer and writes a fixed preamble byte on every
// new stream before handing it to the caller.
type PreambleDialer struct {
	Dialer   Dialer
	Preamble byte
}

// NewPreambleDialer returns a dialer that prefixes streams from d with b.
func NewPreambleDialer(d Dialer, b byte) *PreambleDialer {
	return &PreambleDialer{Dialer: d, Preamble: b}
}

// DialContext implements Dialer.
func (d *PreambleDialer) DialContext(ctx context.Context, ep EndPoint) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, ep)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{d.Preamble}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write preamble to %s: %w", ep, err)
	}
	return conn, nil
}

// ReadPreamble reads the preamble byte of an inbound stream.
func ReadPreamble(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
