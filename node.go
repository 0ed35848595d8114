package meshnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/meshnode/connmgr"
	"github.com/opd-ai/meshnode/discovery"
	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/limits"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

var (
	// ErrNodeClosed is returned by operations on a closed node.
	ErrNodeClosed = errors.New("node closed")
	// ErrNoPath indicates that neither a direct dial nor any relay reached
	// the endpoint.
	ErrNoPath = errors.New("no path to endpoint")
)

// ChannelHandler receives channels opened by peers.
type ChannelHandler func(c *mux.Connection, ch *mux.Channel)

// PeersHandler receives endpoints found for a network ID.
type PeersHandler func(networkID identity.ID, peers []transport.EndPoint)

// Node is an overlay node: DHT realms for rendezvous and a directory of
// multiplexed links to other nodes.
type Node struct {
	options  *Options
	keyPair  *identity.KeyPair
	log      logrus.FieldLogger
	listener net.Listener
	local    transport.EndPoint

	conns *connmgr.Manager
	disc  *discovery.Manager

	wg sync.WaitGroup

	mu        sync.RWMutex
	onChannel ChannelHandler
	onPeers   PeersHandler
	started   bool
	closed    bool
}

// New creates a node and binds its service listener. Call Start to begin
// accepting peers and joining the DHT.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}

	var keyPair *identity.KeyPair
	var err error
	if options.SecretKey != nil {
		keyPair, err = identity.KeyPairFromSecret(*options.SecretKey)
	} else {
		keyPair, err = identity.GenerateKeyPair()
	}
	if err != nil {
		return nil, err
	}

	ipv4, err := serviceEndPoint(options.PublicIPv4, 0)
	if err != nil {
		return nil, fmt.Errorf("public IPv4: %w", err)
	}
	ipv6, err := serviceEndPoint(options.PublicIPv6, 0)
	if err != nil {
		return nil, fmt.Errorf("public IPv6: %w", err)
	}
	bootstrap, err := parseEndPoints(options.BootstrapNodes)
	if err != nil {
		return nil, fmt.Errorf("bootstrap nodes: %w", err)
	}
	var onion transport.EndPoint
	if options.OnionAddress != "" {
		if onion, err = transport.ParseEndPoint(options.OnionAddress); err != nil {
			return nil, fmt.Errorf("onion address: %w", err)
		}
		if !onion.IsOnion() {
			return nil, fmt.Errorf("%w: %s is not an onion address", transport.ErrUnsupportedAddress, options.OnionAddress)
		}
	}

	dialer := transport.NewMultiDialer()
	if options.Dialer != nil {
		dialer.Register(transport.NetworkIP, options.Dialer)
		dialer.Register(transport.NetworkName, options.Dialer)
	}
	var torDialer transport.Dialer
	if options.Proxy != nil {
		socks, err := transport.NewSOCKS5Dialer(options.Proxy)
		if err != nil {
			return nil, err
		}
		dialer.Register(transport.NetworkOnion, socks)
		torDialer = socks
	}

	ln, err := net.Listen("tcp", options.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", options.ListenAddr, err)
	}
	local, err := transport.FromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}
	port := local.Port()
	if ipv4.IsValid() && ipv4.Port() == 0 {
		ipv4 = ipv4.WithPort(port)
	}
	if ipv6.IsValid() && ipv6.Port() == 0 {
		ipv6 = ipv6.WithPort(port)
	}

	n := &Node{
		options:  options,
		keyPair:  keyPair,
		log:      logger.WithField("component", "node"),
		listener: ln,
		local:    local,
	}

	dc := discovery.DefaultConfig()
	dc.ServicePort = port
	dc.IPv4EndPoint = ipv4
	dc.IPv6EndPoint = ipv6
	if torDialer != nil && onion.IsValid() {
		dc.TorEndPoint = onion
		dc.TorDialer = torDialer
	}
	dc.LocalNetworks = options.LocalDiscovery
	dc.BootstrapURL = options.BootstrapURL
	dc.BootstrapNodes = bootstrap
	dc.Network = dialer
	if options.DHT != nil {
		dc.DHT = options.DHT
	}
	dc.OnPeersDiscovered = n.firePeers
	dc.Clock = clk
	dc.Logger = logger
	if n.disc, err = discovery.New(dc); err != nil {
		ln.Close()
		return nil, err
	}

	cc := connmgr.DefaultConfig()
	cc.LocalPeerID = keyPair.PeerID()
	cc.ServicePort = port
	cc.ListenAddr = ln.Addr().String()
	cc.Listen = func(string, string) (net.Listener, error) { return ln, nil }
	cc.Dialer = dialer
	cc.Mux = options.Mux
	cc.DHTHandler = n.disc.HandleStream
	cc.Announcer = n.disc
	cc.ChannelAcceptor = n.acceptChannel
	cc.OnConnection = n.onConnection
	cc.OnPeersDiscovered = n.firePeers
	cc.Reachable = options.Reachable
	cc.Clock = clk
	cc.Logger = logger
	if n.conns, err = connmgr.New(cc); err != nil {
		ln.Close()
		return nil, multierr.Append(err, n.disc.Close())
	}

	n.log.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  keyPair.PeerID().ShortString(),
		"addr":     local.String(),
	}).Info("Node created")
	return n, nil
}

// Start begins accepting peers and joins the DHT realms.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	if err := n.conns.Start(); err != nil {
		return err
	}
	return n.disc.Start()
}

// Close stops the node and closes every link.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	err := multierr.Combine(n.disc.Close(), n.conns.Close())
	if !started {
		err = multierr.Append(err, n.listener.Close())
	}
	n.wg.Wait()

	n.log.WithField("function", "Close").Info("Node closed")
	return err
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() identity.ID {
	return n.keyPair.PeerID()
}

// SecretKey returns the private key that restores this identity through
// Options.SecretKey.
func (n *Node) SecretKey() [32]byte {
	return n.keyPair.Private
}

// Addr returns the endpoint of the service listener.
func (n *Node) Addr() transport.EndPoint {
	return n.local
}

// Realms describes the running DHT realms.
func (n *Node) Realms() []discovery.RealmInfo {
	return n.disc.Realms()
}

// Connections returns every current link.
func (n *Node) Connections() []*mux.Connection {
	return n.conns.Connections()
}

// Bootstrap adds "host:port" bootstrap nodes to the matching realms.
func (n *Node) Bootstrap(ctx context.Context, addresses ...string) error {
	eps, err := parseEndPoints(addresses)
	if err != nil {
		return err
	}
	n.disc.AddBootstrapNodes(ctx, eps)
	return nil
}

// Announce publishes this node under networkID in every realm and returns
// the peers already announced there.
func (n *Node) Announce(ctx context.Context, networkID identity.ID) ([]transport.EndPoint, error) {
	return n.disc.Announce(ctx, networkID, nil)
}

// FindPeers returns the endpoints announced under networkID.
func (n *Node) FindPeers(ctx context.Context, networkID identity.ID) ([]transport.EndPoint, error) {
	return n.disc.FindPeers(ctx, networkID)
}

// Connect returns a link to ep. It dials directly first and then tries to
// tunnel through each direct link.
func (n *Node) Connect(ctx context.Context, ep transport.EndPoint) (*mux.Connection, error) {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil, ErrNodeClosed
	}

	c, err := n.conns.MakeConnection(ctx, ep)
	if err == nil || errors.Is(err, connmgr.ErrSelfConnection) {
		return c, err
	}

	for _, via := range n.tunnelCandidates(ep) {
		vc, verr := n.conns.MakeVirtualConnection(ctx, via, ep)
		if verr == nil {
			n.log.WithFields(logrus.Fields{
				"function": "Connect",
				"endpoint": ep.String(),
				"via":      via.RemoteEndPoint().String(),
			}).Info("Connected through relay")
			return vc, nil
		}
		err = multierr.Append(err, verr)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w %s: %w", ErrNoPath, ep, err)
}

// tunnelCandidates returns the direct links that may relay to ep, public
// endpoints first.
func (n *Node) tunnelCandidates(ep transport.EndPoint) []*mux.Connection {
	var out []*mux.Connection
	for _, c := range n.conns.Connections() {
		if c.IsVirtual() || c.RemoteEndPoint() == ep {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].RemoteEndPoint().IsPublic(), out[j].RemoteEndPoint().IsPublic()
		if pi != pj {
			return pi
		}
		return out[i].RemoteEndPoint().String() < out[j].RemoteEndPoint().String()
	})
	return out
}

// OpenChannel opens the application channel for networkID on c.
func (n *Node) OpenChannel(ctx context.Context, c *mux.Connection, networkID identity.ID) (*mux.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := c.OpenChannel(networkID)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		ch.SetDeadline(deadline)
	}
	return ch, nil
}

// OnChannel sets the handler for channels opened by peers. Without one they
// are closed.
func (n *Node) OnChannel(handler ChannelHandler) {
	n.mu.Lock()
	n.onChannel = handler
	n.mu.Unlock()
}

// OnPeers sets the handler for endpoints learned from lookups and gossip.
func (n *Node) OnPeers(handler PeersHandler) {
	n.mu.Lock()
	n.onPeers = handler
	n.mu.Unlock()
}

// EnableRelay asks connected public peers to relay inbound connections for
// networkIDs.
func (n *Node) EnableRelay(networkIDs ...identity.ID) {
	n.conns.EnableRelay(networkIDs)
}

// DisableRelay withdraws every relay registration.
func (n *Node) DisableRelay() {
	n.conns.DisableRelay()
}

func (n *Node) acceptChannel(c *mux.Connection, ch *mux.Channel) {
	n.mu.RLock()
	handler := n.onChannel
	n.mu.RUnlock()
	if handler == nil {
		ch.Close()
		return
	}
	handler(c, ch)
}

func (n *Node) firePeers(networkID identity.ID, peers []transport.EndPoint) {
	n.mu.RLock()
	handler := n.onPeers
	n.mu.RUnlock()
	if handler != nil {
		handler(networkID, peers)
	}
}

// onConnection tells a new direct peer which relayed peers it can tunnel
// to through this node.
func (n *Node) onConnection(c *mux.Connection) {
	if c.IsVirtual() {
		return
	}
	networks := n.conns.RelayedNetworks()
	if len(networks) == 0 {
		return
	}
	n.spawn(func() {
		for _, id := range networks {
			var peers []transport.EndPoint
			for _, ep := range n.conns.RelayClients(id) {
				if ep != c.RemoteEndPoint() {
					peers = append(peers, ep)
				}
			}
			if len(peers) == 0 {
				continue
			}
			if len(peers) > limits.MaxListEntries {
				peers = peers[:limits.MaxListEntries]
			}
			if err := c.SendPeerList(id, peers); err != nil {
				n.log.WithFields(logrus.Fields{
					"function": "onConnection",
					"peer":     c.RemotePeerID().ShortString(),
					"error":    err.Error(),
				}).Debug("Failed to send relayed peers")
				return
			}
		}
	})
}

func (n *Node) spawn(fn func()) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}
