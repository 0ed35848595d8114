// Package mux multiplexes logical channels over one stream between two
// peers.
//
// A Connection runs a single reader goroutine that parses frames in order
// and dispatches them by signal. Besides application channels a link can
// relay a tunnel to a third peer, carry a virtual connection relayed by the
// peer, exchange relay registrations and gossip peer lists.
package mux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/transport"
)

// Info identifies the two ends of a connection.
type Info struct {
	LocalPeerID    identity.ID
	RemotePeerID   identity.ID
	LocalEndPoint  transport.EndPoint
	RemoteEndPoint transport.EndPoint
	// Virtual marks a connection carried over a relay channel.
	Virtual bool
}

// Connection is a multiplexed link to one peer.
type Connection struct {
	conn    net.Conn
	reader  *bufio.Reader
	info    Info
	cfg     *Config
	handler Handler
	clock   clock.Clock
	log     logrus.FieldLogger

	writeMu sync.Mutex

	mu          sync.Mutex
	channels    map[identity.ID]*Channel
	pingWaiters []chan struct{}
	closed      bool

	lastActivity atomic.Int64
	started      atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// New wraps conn, over which the handshake has already completed. A nil
// handler behaves as NopHandler.
func New(conn net.Conn, info Info, cfg *Config, handler Handler) *Connection {
	cfg = cfg.withDefaults()
	if handler == nil {
		handler = NopHandler{}
	}
	c := &Connection{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		info:     info,
		cfg:      cfg,
		handler:  handler,
		clock:    cfg.Clock,
		channels: make(map[identity.ID]*Channel),
		done:     make(chan struct{}),
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "mux",
			"remote":    info.RemoteEndPoint.String(),
			"virtual":   info.Virtual,
		}),
	}
	c.touch()
	return c
}

// Start launches the reader and keepalive loops.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	openConnections.WithLabelValues(connectionKind(c.info.Virtual)).Inc()
	go c.readLoop()
	go c.pingLoop()
}

// Close tears the connection down along with all its channels.
func (c *Connection) Close() error {
	c.teardown(nil)
	return nil
}

// Info returns the connection's identity.
func (c *Connection) Info() Info { return c.info }

// RemotePeerID returns the peer's ID.
func (c *Connection) RemotePeerID() identity.ID { return c.info.RemotePeerID }

// RemoteEndPoint returns the peer's service endpoint.
func (c *Connection) RemoteEndPoint() transport.EndPoint { return c.info.RemoteEndPoint }

// IsVirtual reports whether the connection runs over a relay.
func (c *Connection) IsVirtual() bool { return c.info.Virtual }

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the error that tore the connection down, or nil after a local
// Close or a clean end of stream.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastActivity returns when the last frame was received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ChannelCount returns the number of open channels.
func (c *Connection) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *Connection) touch() {
	c.lastActivity.Store(c.clock.Now().UnixNano())
}

func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		c.mu.Lock()
		c.closed = true
		channels := c.channels
		c.channels = make(map[identity.ID]*Channel)
		c.pingWaiters = nil
		c.mu.Unlock()

		c.err = err
		close(c.done)
		c.conn.Close()

		for _, ch := range channels {
			ch.Close()
		}
		if c.started.Load() {
			openConnections.WithLabelValues(connectionKind(c.info.Virtual)).Dec()
		}

		fields := logrus.Fields{
			"function": "teardown",
			"channels": len(channels),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.log.WithFields(fields).Debug("Connection closed")
		c.handler.ConnectionClosed(c, err)
	})
}

// writeFrame writes one frame under the link write lock. A write failure
// tears the connection down.
func (c *Connection) writeFrame(sig Signal, id identity.ID, payload []byte) error {
	f := Frame{Signal: sig, ChannelID: id, Payload: payload}
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	err = func() error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
		_, err := c.conn.Write(b)
		return err
	}()
	if err != nil {
		c.teardown(err)
		return newFrameError("send "+sig.String(), id, err)
	}
	recordFrame("out", sig)
	return nil
}

// sendAsync writes a frame off the reader goroutine so a peer that is itself
// blocked writing cannot deadlock the link.
func (c *Connection) sendAsync(sig Signal, id identity.ID) {
	go func() {
		if err := c.writeFrame(sig, id, nil); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "sendAsync",
				"signal":   sig.String(),
				"error":    err.Error(),
			}).Debug("Failed to send control frame")
		}
	}()
}

func (c *Connection) readLoop() {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.teardown(err)
			return
		}
		f, err := ReadFrame(c.reader)
		if err != nil {
			c.teardown(err)
			return
		}
		c.touch()
		recordFrame("in", f.Signal)
		if err := c.dispatch(f); err != nil {
			c.teardown(err)
			return
		}
	}
}

func (c *Connection) pingLoop() {
	ticker := c.clock.Ticker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(SignalPing, identity.ID{}, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) dispatch(f *Frame) error {
	switch f.Signal {
	case SignalPing:
		c.sendAsync(SignalPingResponse, f.ChannelID)
	case SignalPingResponse:
		c.wakePingWaiters()
	case SignalOpenChannel:
		if ch := c.acceptChannel(f.ChannelID, KindApplication); ch != nil {
			go c.handler.AcceptChannel(c, ch)
		}
	case SignalOpenVirtualConnection:
		source, err := transport.ChannelIDToEndPoint(f.ChannelID)
		if err != nil {
			c.sendAsync(SignalDisconnectChannel, f.ChannelID)
			return nil
		}
		if ch := c.acceptChannel(f.ChannelID, KindVirtual); ch != nil {
			go c.handler.AcceptVirtualConnection(c, ch, source)
		}
	case SignalOpenTunnel:
		c.handleOpenTunnel(f.ChannelID)
	case SignalChannelData:
		if err := limits.ValidateDataPayload(f.Payload); err != nil {
			return newFrameError("read", f.ChannelID, err)
		}
		c.feedChannel(f.ChannelID, f.Payload)
	case SignalDisconnectChannel:
		if ch := c.takeChannel(f.ChannelID); ch != nil {
			ch.Close()
		}
	case SignalRelayRegister, SignalRelayUnregister:
		ids, err := decodeIDList(f.Payload)
		if err != nil {
			return err
		}
		if f.Signal == SignalRelayRegister {
			c.handler.RelayRegistered(c, ids)
		} else {
			c.handler.RelayUnregistered(c, ids)
		}
	case SignalPeerList:
		peers, err := decodePeerList(f.Payload)
		if err != nil {
			return err
		}
		c.handler.PeersReceived(c, f.ChannelID, peers)
	}
	return nil
}

func (c *Connection) feedChannel(id identity.ID, data []byte) {
	c.mu.Lock()
	ch := c.channels[id]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	err := ch.feed(data)
	if errors.Is(err, ErrFeedTimeout) {
		feedTimeouts.Inc()
		c.log.WithFields(logrus.Fields{
			"function": "feedChannel",
			"channel":  id.ShortString(),
		}).Warn("Channel consumer stalled, disposing channel")
		if c.removeChannel(ch) {
			c.sendAsync(SignalDisconnectChannel, id)
		}
		ch.Close()
	}
}

// acceptChannel registers a channel opened by the peer. A colliding ID is
// refused with a disconnect and the existing channel is left in place.
func (c *Connection) acceptChannel(id identity.ID, kind ChannelKind) *Channel {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if _, exists := c.channels[id]; exists {
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{
			"function": "acceptChannel",
			"channel":  id.ShortString(),
		}).Debug("Refusing duplicate channel")
		c.sendAsync(SignalDisconnectChannel, id)
		return nil
	}
	ch := newChannel(c, id, kind)
	c.channels[id] = ch
	c.mu.Unlock()
	return ch
}

// openChannel registers a local channel and asks the peer to open it.
func (c *Connection) openChannel(id identity.ID, sig Signal, kind ChannelKind) (*Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if _, exists := c.channels[id]; exists {
		c.mu.Unlock()
		return nil, newFrameError("open", id, ErrChannelExists)
	}
	ch := newChannel(c, id, kind)
	c.channels[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(sig, id, nil); err != nil {
		c.removeChannel(ch)
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// takeChannel removes and returns the channel with id.
func (c *Connection) takeChannel(id identity.ID) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[id]
	delete(c.channels, id)
	return ch
}

// removeChannel removes ch if it is still registered and reports whether it
// was.
func (c *Connection) removeChannel(ch *Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.id] != ch {
		return false
	}
	delete(c.channels, ch.id)
	return true
}

// OpenChannel opens an application channel.
func (c *Connection) OpenChannel(id identity.ID) (*Channel, error) {
	return c.openChannel(id, SignalOpenChannel, KindApplication)
}

// Ping sends a ping and waits for the response.
func (c *Connection) Ping(ctx context.Context) error {
	wait := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pingWaiters = append(c.pingWaiters, wait)
	c.mu.Unlock()

	if err := c.writeFrame(SignalPing, identity.ID{}, nil); err != nil {
		return err
	}
	select {
	case <-wait:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) wakePingWaiters() {
	c.mu.Lock()
	waiters := c.pingWaiters
	c.pingWaiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// SendRelayRegister asks the peer to relay for networkIDs.
func (c *Connection) SendRelayRegister(networkIDs []identity.ID) error {
	payload, err := encodeIDList(networkIDs)
	if err != nil {
		return err
	}
	return c.writeFrame(SignalRelayRegister, identity.ID{}, payload)
}

// SendRelayUnregister withdraws relay registrations.
func (c *Connection) SendRelayUnregister(networkIDs []identity.ID) error {
	payload, err := encodeIDList(networkIDs)
	if err != nil {
		return err
	}
	return c.writeFrame(SignalRelayUnregister, identity.ID{}, payload)
}

// SendPeerList gossips candidate endpoints for networkID.
func (c *Connection) SendPeerList(networkID identity.ID, peers []transport.EndPoint) error {
	payload, err := encodePeerList(peers)
	if err != nil {
		return err
	}
	return c.writeFrame(SignalPeerList, networkID, payload)
}
