package mux

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/transport"
)

// ChannelKind distinguishes what a channel carries.
type ChannelKind uint8

const (
	// KindApplication is an application stream.
	KindApplication ChannelKind = iota
	// KindTunnel is one side of a relay splice, or a tunnel requested by
	// this node.
	KindTunnel
	// KindVirtual carries a relayed connection.
	KindVirtual
)

// String returns a human-readable representation of the ChannelKind.
func (k ChannelKind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindTunnel:
		return "tunnel"
	case KindVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// Addr is the net.Addr of a channel: the peer's endpoint and the channel ID.
type Addr struct {
	EndPoint  transport.EndPoint
	ChannelID identity.ID
}

// Network implements net.Addr.
func (a Addr) Network() string { return "meshnode" }

// String implements net.Addr.
func (a Addr) String() string { return a.EndPoint.String() + "/" + a.ChannelID.ShortString() }

// Channel is a logical stream over a Connection. It implements net.Conn.
//
// Inbound data is held in a single-slot buffer: the link reader blocks until
// the previous frame has been consumed. Because one reader serves every
// channel of a link, a consumer that stops reading stalls its siblings until
// the feed timeout disposes of it.
type Channel struct {
	conn *Connection
	id   identity.ID
	kind ChannelKind

	data chan []byte
	done chan struct{}
	once sync.Once

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex

	deadlineMu    sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func newChannel(conn *Connection, id identity.ID, kind ChannelKind) *Channel {
	openChannels.Inc()
	return &Channel{
		conn: conn,
		id:   id,
		kind: kind,
		data: make(chan []byte, 1),
		done: make(chan struct{}),
	}
}

// ID returns the channel ID.
func (c *Channel) ID() identity.ID { return c.id }

// Kind returns what the channel carries.
func (c *Channel) Kind() ChannelKind { return c.kind }

// Connection returns the link the channel runs over.
func (c *Channel) Connection() *Connection { return c.conn }

// Done is closed when the channel is disposed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// feed hands one frame's payload to the consumer, waiting at most the feed
// timeout for the previous one to be drained.
func (c *Channel) feed(data []byte) error {
	select {
	case c.data <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	timer := c.conn.clock.Timer(c.conn.cfg.FeedTimeout)
	defer timer.Stop()
	select {
	case c.data <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-timer.C:
		return ErrFeedTimeout
	}
}

// Read implements net.Conn. It returns io.EOF once the channel is disposed
// and all buffered data has been read.
func (c *Channel) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		data, err := c.receive()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Channel) receive() ([]byte, error) {
	select {
	case data := <-c.data:
		return data, nil
	default:
	}

	timeout := c.readTimeout()
	if timeout <= 0 {
		return nil, newFrameError("read", c.id, os.ErrDeadlineExceeded)
	}
	timer := c.conn.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case data := <-c.data:
		return data, nil
	case <-c.done:
		select {
		case data := <-c.data:
			return data, nil
		default:
		}
		return nil, io.EOF
	case <-timer.C:
		return nil, newFrameError("read", c.id, os.ErrDeadlineExceeded)
	}
}

func (c *Channel) readTimeout() time.Duration {
	c.deadlineMu.RLock()
	deadline := c.readDeadline
	c.deadlineMu.RUnlock()
	if deadline.IsZero() {
		return c.conn.cfg.ChannelReadTimeout
	}
	return deadline.Sub(c.conn.clock.Now())
}

// Write implements net.Conn. Data is split into frames of at most
// limits.MaxFramePayload bytes.
func (c *Channel) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(b) {
		if err := c.checkWritable(); err != nil {
			return written, err
		}
		end := written + limits.MaxFramePayload
		if end > len(b) {
			end = len(b)
		}
		if err := c.conn.writeFrame(SignalChannelData, c.id, b[written:end]); err != nil {
			return written, newFrameError("write", c.id, err)
		}
		written = end
	}
	return written, nil
}

func (c *Channel) checkWritable() error {
	select {
	case <-c.done:
		return newFrameError("write", c.id, ErrChannelClosed)
	default:
	}
	c.deadlineMu.RLock()
	deadline := c.writeDeadline
	c.deadlineMu.RUnlock()
	if !deadline.IsZero() && !c.conn.clock.Now().Before(deadline) {
		return newFrameError("write", c.id, os.ErrDeadlineExceeded)
	}
	return nil
}

// Close disposes of the channel. The peer is sent a disconnect unless the
// channel had already been removed from the connection, which happens when
// the peer closed it first or the link went down. Close is idempotent.
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		openChannels.Dec()
		if !c.conn.removeChannel(c) {
			return
		}
		if err := c.conn.writeFrame(SignalDisconnectChannel, c.id, nil); err != nil {
			c.conn.log.WithFields(logrus.Fields{
				"function": "Close",
				"channel":  c.id.ShortString(),
				"error":    err.Error(),
			}).Debug("Failed to send disconnect")
		}
	})
	return nil
}

// LocalAddr implements net.Conn.
func (c *Channel) LocalAddr() net.Addr {
	return Addr{EndPoint: c.conn.info.LocalEndPoint, ChannelID: c.id}
}

// RemoteAddr implements net.Conn.
func (c *Channel) RemoteAddr() net.Addr {
	return Addr{EndPoint: c.conn.info.RemoteEndPoint, ChannelID: c.id}
}

// SetDeadline implements net.Conn.
func (c *Channel) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *Channel) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *Channel) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}
