// Package connmgr keeps the directory of multiplexed links to other peers.
//
// Every inbound stream on the service port starts with a one-byte preamble
// that selects between a DHT exchange and a connection handshake. Outbound
// links are dialed directly or tunneled through an existing link. When two
// links to the same peer exist, a replacement policy decides which one
// stays. The manager also keeps the relay bookkeeping for both roles.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

// Manager is the connection directory.
type Manager struct {
	cfg     *Config
	clock   clock.Clock
	log     logrus.FieldLogger
	handler *linkHandler

	// backoff holds endpoints whose last dial failed.
	backoff *expirable.LRU[transport.EndPoint, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	byPeer     map[identity.ID]*mux.Connection
	byEndPoint map[transport.EndPoint]*mux.Connection
	listener   net.Listener
	closed     bool

	relays *relayState
}

// New creates a connection manager.
func New(cfg *Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.LocalPeerID.Len() != identity.Size256 {
		return nil, fmt.Errorf("%w: local peer id must be %d bytes", ErrBadHandshake, identity.Size256)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		clock:      cfg.Clock,
		log:        cfg.Logger.WithField("component", "connmgr"),
		backoff:    expirable.NewLRU[transport.EndPoint, struct{}](1024, nil, cfg.DialBackoff),
		ctx:        ctx,
		cancel:     cancel,
		byPeer:     make(map[identity.ID]*mux.Connection),
		byEndPoint: make(map[transport.EndPoint]*mux.Connection),
		relays:     newRelayState(),
	}
	m.handler = &linkHandler{m: m}
	return m, nil
}

// Start binds the listener when ListenAddr is set and starts the relay
// refresh loop.
func (m *Manager) Start() error {
	if m.cfg.ListenAddr != "" {
		ln, err := m.cfg.Listen("tcp", m.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
		}
		m.mu.Lock()
		m.listener = ln
		m.mu.Unlock()

		m.wg.Add(1)
		go m.acceptLoop(ln)

		m.log.WithFields(logrus.Fields{
			"function": "Start",
			"addr":     ln.Addr().String(),
		}).Info("Listening for peers")
	}

	m.wg.Add(1)
	go m.relayLoop()
	return nil
}

// Addr returns the listener address, or nil.
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Close closes the listener and every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	ln := m.listener
	conns := make([]*mux.Connection, 0, len(m.byPeer))
	for _, c := range m.byPeer {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	m.wg.Wait()
	return err
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			m.log.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Accept(conn); err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"remote":   conn.RemoteAddr().String(),
					"error":    err.Error(),
				}).Debug("Inbound stream rejected")
			}
		}()
	}
}

// Accept serves an inbound stream from the service listener. The preamble
// selects a DHT exchange or a connection handshake.
func (m *Manager) Accept(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return err
	}
	preamble, err := transport.ReadPreamble(conn)
	if err != nil {
		conn.Close()
		return err
	}

	switch preamble {
	case transport.PreambleDHT:
		if m.cfg.DHTHandler == nil {
			conn.Close()
			return fmt.Errorf("%w: no DHT handler", ErrUnknownPreamble)
		}
		return m.cfg.DHTHandler(conn)
	case transport.PreambleConnection:
		remote, err := transport.FromNetAddr(conn.RemoteAddr())
		if err != nil {
			conn.Close()
			return err
		}
		_, err = m.handshake(conn, remote, true, false)
		return err
	default:
		conn.Close()
		return fmt.Errorf("%w: 0x%02x", ErrUnknownPreamble, preamble)
	}
}

// MakeConnection returns the link to ep, dialing one if none exists.
func (m *Manager) MakeConnection(ctx context.Context, ep transport.EndPoint) (*mux.Connection, error) {
	if c := m.GetConnectionByEndPoint(ep); c != nil {
		return c, nil
	}
	if m.backoff.Contains(ep) {
		return nil, fmt.Errorf("%w: %s", ErrBackoff, ep)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := transport.NewPreambleDialer(m.cfg.Dialer, transport.PreambleConnection).DialContext(dialCtx, ep)
	if err != nil {
		m.backoff.Add(ep, struct{}{})
		return nil, err
	}
	c, err := m.handshake(conn, ep, false, false)
	return m.settle(c, err, ep)
}

// MakeVirtualConnection tunnels a link to ep through via.
func (m *Manager) MakeVirtualConnection(ctx context.Context, via *mux.Connection, ep transport.EndPoint) (*mux.Connection, error) {
	if c := m.GetConnectionByEndPoint(ep); c != nil {
		return c, nil
	}
	ch, err := via.RequestTunnel(ep)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	c, err := m.handshake(ch, ep, false, true)
	return m.settle(c, err, ep)
}

// settle resolves a lost duplicate race to the winning link.
func (m *Manager) settle(c *mux.Connection, err error, ep transport.EndPoint) (*mux.Connection, error) {
	var dup *duplicateError
	if errors.As(err, &dup) {
		return dup.existing, nil
	}
	if err != nil && !errors.Is(err, ErrSelfConnection) {
		m.backoff.Add(ep, struct{}{})
	}
	return c, err
}

type duplicateError struct {
	existing *mux.Connection
}

func (e *duplicateError) Error() string { return ErrDuplicateConnection.Error() }

func (e *duplicateError) Unwrap() error { return ErrDuplicateConnection }

// handshake exchanges peer IDs over conn and registers the resulting link.
// observed marks remote as the stream's source address, whose port is
// replaced by the advertised service port.
func (m *Manager) handshake(conn net.Conn, remote transport.EndPoint, observed, virtual bool) (*mux.Connection, error) {
	if err := conn.SetDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	err := WriteHandshake(conn, Handshake{
		Version:     HandshakeVersion,
		PeerID:      m.cfg.LocalPeerID,
		ServicePort: m.cfg.ServicePort,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	hs, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hs.PeerID.Equal(m.cfg.LocalPeerID) {
		conn.Close()
		return nil, ErrSelfConnection
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	if observed && remote.IsIP() && hs.ServicePort != 0 {
		remote = remote.WithPort(hs.ServicePort)
	}

	c := mux.New(conn, mux.Info{
		LocalPeerID:    m.cfg.LocalPeerID,
		RemotePeerID:   hs.PeerID,
		RemoteEndPoint: remote,
		Virtual:        virtual,
	}, m.cfg.Mux, m.handler)
	if err := m.register(c); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// register adds c to the directory under the replacement policy and starts
// it. A displaced link is closed.
func (m *Manager) register(c *mux.Connection) error {
	peer := c.RemotePeerID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	existing := m.byPeer[peer]
	if existing != nil && !shouldReplace(existing.Info(), c.Info()) {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"function": "register",
			"peer":     peer.ShortString(),
			"existing": existing.RemoteEndPoint().String(),
			"incoming": c.RemoteEndPoint().String(),
		}).Debug("Keeping existing connection")
		return &duplicateError{existing: existing}
	}
	if existing != nil && m.byEndPoint[existing.RemoteEndPoint()] == existing {
		delete(m.byEndPoint, existing.RemoteEndPoint())
	}
	m.byPeer[peer] = c
	m.byEndPoint[c.RemoteEndPoint()] = c
	m.mu.Unlock()

	if existing != nil {
		m.log.WithFields(logrus.Fields{
			"function": "register",
			"peer":     peer.ShortString(),
			"existing": existing.RemoteEndPoint().String(),
			"incoming": c.RemoteEndPoint().String(),
		}).Debug("Replacing connection")
		existing.Close()
	}

	c.Start()
	m.backoff.Remove(c.RemoteEndPoint())
	m.log.WithFields(logrus.Fields{
		"function": "register",
		"peer":     peer.ShortString(),
		"endpoint": c.RemoteEndPoint().String(),
		"virtual":  c.IsVirtual(),
	}).Info("Peer connected")

	if m.cfg.OnConnection != nil {
		m.cfg.OnConnection(c)
	}
	if !c.IsVirtual() && m.relays.wantsRelays() {
		m.spawn(func(context.Context) { m.selectRelays() })
	}
	return nil
}

// unregister drops c from the directory if it is still the current link.
func (m *Manager) unregister(c *mux.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byPeer[c.RemotePeerID()] == c {
		delete(m.byPeer, c.RemotePeerID())
	}
	if m.byEndPoint[c.RemoteEndPoint()] == c {
		delete(m.byEndPoint, c.RemoteEndPoint())
	}
}

// GetConnection returns the link to peer, or nil.
func (m *Manager) GetConnection(peer identity.ID) *mux.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byPeer[peer]
}

// GetConnectionByEndPoint returns the link to ep, or nil.
func (m *Manager) GetConnectionByEndPoint(ep transport.EndPoint) *mux.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byEndPoint[ep]
}

// Connections returns every current link.
func (m *Manager) Connections() []*mux.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*mux.Connection, 0, len(m.byPeer))
	for _, c := range m.byPeer {
		out = append(out, c)
	}
	return out
}

// SendPeerList gossips peers for networkID over every direct link.
func (m *Manager) SendPeerList(networkID identity.ID, peers []transport.EndPoint) error {
	var err error
	for _, c := range m.Connections() {
		if c.IsVirtual() {
			continue
		}
		err = multierr.Append(err, c.SendPeerList(networkID, peers))
	}
	return err
}

// linkHandler implements mux.Handler for every link in the directory.
type linkHandler struct {
	m *Manager
}

func (h *linkHandler) AcceptChannel(c *mux.Connection, ch *mux.Channel) {
	if h.m.cfg.ChannelAcceptor == nil {
		ch.Close()
		return
	}
	h.m.cfg.ChannelAcceptor(c, ch)
}

func (h *linkHandler) AcceptVirtualConnection(_ *mux.Connection, ch *mux.Channel, source transport.EndPoint) {
	if _, err := h.m.handshake(ch, source, false, true); err != nil {
		h.m.log.WithFields(logrus.Fields{
			"function": "AcceptVirtualConnection",
			"source":   source.String(),
			"error":    err.Error(),
		}).Debug("Virtual connection rejected")
	}
}

func (h *linkHandler) RouteTunnel(target transport.EndPoint) (*mux.Connection, error) {
	c := h.m.GetConnectionByEndPoint(target)
	if c == nil {
		return nil, mux.ErrNoRoute
	}
	if c.IsVirtual() {
		return nil, mux.ErrNestedTunnel
	}
	return c, nil
}

func (h *linkHandler) RelayRegistered(c *mux.Connection, networkIDs []identity.ID) {
	added := h.m.relays.serve(c, networkIDs)
	for _, id := range added {
		id := id
		h.m.spawn(func(ctx context.Context) { h.m.announceRelay(ctx, id) })
	}
}

func (h *linkHandler) RelayUnregistered(c *mux.Connection, networkIDs []identity.ID) {
	h.m.relays.unserve(c, networkIDs)
}

func (h *linkHandler) PeersReceived(_ *mux.Connection, networkID identity.ID, peers []transport.EndPoint) {
	if h.m.cfg.OnPeersDiscovered != nil && len(peers) > 0 {
		h.m.cfg.OnPeersDiscovered(networkID, peers)
	}
}

func (h *linkHandler) ConnectionClosed(c *mux.Connection, _ error) {
	h.m.unregister(c)
	h.m.relays.forget(c)
}

func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}
