// Package dht implements a per-realm Kademlia engine used for peer discovery
// and rendezvous.
//
// An Engine owns a RoutingTree of contacts, a PeerStore of endpoints
// announced for network IDs, and runs the iterative parallel lookup used by
// FindNode, FindPeers and Announce. RPCs are one-shot streams: the caller
// dials, writes one request packet, reads one response packet and closes.
//
// Example:
//
//	cfg := dht.DefaultConfig()
//	cfg.Network = transport.NewDirectDialer()
//	cfg.LocalEndPoint = transport.MustParseEndPoint("203.0.113.7:41000")
//	engine, err := dht.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.Start()
//	defer engine.Close()
//
//	engine.Bootstrap(ctx, seeds)
//	peers, err := engine.FindPeers(ctx, networkID)
package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// Engine is one Kademlia node in one reachability realm.
type Engine struct {
	cfg     *Config
	version uint8
	self    *Contact
	tree    *RoutingTree
	peers   *PeerStore
	clock   clock.Clock
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
}

// New creates an engine. The engine does not run maintenance until Start.
func New(cfg *Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	self, err := newLocalContact(cfg.LocalEndPoint, cfg.IDSize)
	if err != nil {
		return nil, fmt.Errorf("local endpoint: %w", err)
	}
	self.MarkSeen(cfg.Clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		version: cfg.version(),
		self:    self,
		tree:    NewRoutingTree(self, cfg),
		peers:   NewPeerStore(cfg.PeerExpiry, cfg.MaxPeersReturned, cfg.Clock),
		clock:   cfg.Clock,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "dht",
			"realm":     cfg.Realm,
		}),
		ctx:    ctx,
		cancel: cancel,
	}

	e.log.WithFields(logrus.Fields{
		"function": "New",
		"node_id":  self.ID().ShortString(),
		"endpoint": cfg.LocalEndPoint.String(),
		"version":  e.version,
	}).Info("DHT engine created")
	return e, nil
}

// Start launches the periodic maintenance loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.running {
		return nil
	}
	e.running = true
	e.wg.Add(1)
	go e.maintenanceLoop()
	return nil
}

// Close stops maintenance and waits for background work to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.log.WithField("function", "Close").Debug("DHT engine closed")
	return nil
}

// ID returns the local node identifier.
func (e *Engine) ID() identity.ID { return e.self.ID() }

// Realm returns the configured realm name.
func (e *Engine) Realm() string { return e.cfg.Realm }

// LocalEndPoint returns the endpoint this engine is reachable at.
func (e *Engine) LocalEndPoint() transport.EndPoint { return e.cfg.LocalEndPoint }

// RoutingTable returns the engine's routing tree.
func (e *Engine) RoutingTable() *RoutingTree { return e.tree }

// TotalNodes returns the number of remote contacts known.
func (e *Engine) TotalNodes() int { return e.tree.Len() - 1 }

// GetPeers returns the endpoints announced to this node for networkID.
func (e *Engine) GetPeers(networkID identity.ID) []transport.EndPoint {
	return e.peers.Get(networkID)
}

// resolveContact returns the tree's contact for ep, or a new unseen one.
func (e *Engine) resolveContact(ep transport.EndPoint) (*Contact, error) {
	id, err := ContactID(ep, e.cfg.IDSize)
	if err != nil {
		return nil, err
	}
	if id == e.self.ID() {
		return e.self, nil
	}
	if c := e.tree.FindContact(id); c != nil {
		return c, nil
	}
	return &Contact{id: id, endPoint: ep, kind: KindRemote, lastSeen: e.clock.Now()}, nil
}

// AddNode adds ep to the routing tree without contacting it.
func (e *Engine) AddNode(ep transport.EndPoint) bool {
	c, err := e.resolveContact(ep)
	if err != nil || c.IsLocal() {
		return false
	}
	return e.tree.AddContact(c)
}

// Ping probes ep and reports whether it answered.
func (e *Engine) Ping(ctx context.Context, ep transport.EndPoint) bool {
	c, err := e.resolveContact(ep)
	if err != nil || c.IsLocal() {
		return false
	}
	return e.query(ctx, c, newRequest(e.version, e.sourcePort(), PacketPing, identity.ID{})) != nil
}

// Bootstrap adds the seed endpoints, pings them concurrently and then
// looks up the local identifier to populate the tree.
func (e *Engine) Bootstrap(ctx context.Context, seeds []transport.EndPoint) int {
	var mu sync.Mutex
	alive := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range seeds {
		ep := ep
		e.AddNode(ep)
		g.Go(func() error {
			if e.Ping(gctx, ep) {
				mu.Lock()
				alive++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if alive > 0 {
		e.lookup(ctx, e.self.ID(), PacketFindNode, false)
	}

	e.log.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"seeds":    len(seeds),
		"alive":    alive,
		"nodes":    e.TotalNodes(),
	}).Info("Bootstrap completed")
	return alive
}

func (e *Engine) sourcePort() uint16 { return e.cfg.LocalEndPoint.Port() }

func (e *Engine) checkID(id identity.ID) error {
	if id.Len() != e.cfg.IDSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidID, id.Len(), e.cfg.IDSize)
	}
	return nil
}

// FindNode returns up to K nodes closest to target, excluding this node.
func (e *Engine) FindNode(ctx context.Context, target identity.ID) ([]NodeInfo, error) {
	if err := e.checkID(target); err != nil {
		return nil, err
	}
	res := e.lookup(ctx, target, PacketFindNode, false)
	if err := ctx.Err(); err != nil && len(res.contacts) == 0 {
		return nil, err
	}
	return res.infos(), nil
}

// FindPeers returns endpoints announced for networkID on this node and on
// the nodes closest to it.
func (e *Engine) FindPeers(ctx context.Context, networkID identity.ID) ([]transport.EndPoint, error) {
	if err := e.checkID(networkID); err != nil {
		return nil, err
	}
	res := e.lookup(ctx, networkID, PacketFindPeers, true)
	if err := ctx.Err(); err != nil && len(res.peers) == 0 {
		return nil, err
	}
	return res.peers, nil
}

// Announce registers serviceEP for networkID on the K nodes closest to it,
// including this node when it is among them, and returns the endpoints
// already announced there.
func (e *Engine) Announce(ctx context.Context, networkID identity.ID, serviceEP transport.EndPoint) ([]transport.EndPoint, error) {
	if err := e.checkID(networkID); err != nil {
		return nil, err
	}
	if !serviceEP.IsValid() {
		return nil, fmt.Errorf("announce: invalid service endpoint")
	}

	res := e.lookup(ctx, networkID, PacketFindNode, true)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := newRequest(e.version, e.sourcePort(), PacketAnnounce, networkID)
	if e.version == Version1 {
		req.ServicePort = serviceEP.Port()
	} else {
		req.Peers = []transport.EndPoint{serviceEP}
	}

	collector := newPeerSet()
	var wg sync.WaitGroup
	for _, c := range res.contacts {
		if c.IsLocal() {
			e.peers.Add(networkID, serviceEP)
			collector.add(e.peers.Get(networkID))
			continue
		}
		wg.Add(1)
		go func(c *Contact) {
			defer wg.Done()
			if resp := e.query(ctx, c, req); resp != nil {
				collector.add(resp.Peers)
				e.mergeContacts(resp.Contacts)
			}
		}(c)
	}
	wg.Wait()

	e.log.WithFields(logrus.Fields{
		"function":   "Announce",
		"network_id": networkID.ShortString(),
		"targets":    len(res.contacts),
		"peers":      collector.len(),
	}).Debug("Announce completed")
	return collector.list(), nil
}

// mergeContacts adds response contacts to the tree without contacting them.
func (e *Engine) mergeContacts(eps []transport.EndPoint) {
	for _, ep := range eps {
		e.AddNode(ep)
	}
}

// query sends one RPC to c and returns the response, or nil when the
// contact did not answer correctly. Failures mark the contact and are never
// returned as errors.
func (e *Engine) query(ctx context.Context, c *Contact, req *Packet) *Packet {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	resp, err := e.exchange(ctx, c.EndPoint(), req)
	if err != nil {
		c.MarkFailed()
		recordRPC(e.cfg.Realm, req.Type, false)
		e.log.WithFields(logrus.Fields{
			"function": "query",
			"type":     req.Type.String(),
			"contact":  c.String(),
			"error":    err.Error(),
		}).Debug("RPC failed")
		return nil
	}

	recordRPC(e.cfg.Realm, req.Type, true)
	c.MarkSeen(e.clock.Now())
	if !c.IsLocal() {
		e.tree.AddContact(c)
	}
	return resp
}

func (e *Engine) exchange(ctx context.Context, ep transport.EndPoint, req *Packet) (*Packet, error) {
	conn, err := e.cfg.Network.DialContext(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.cfg.QueryTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	// Unblock the exchange if the caller gives up first.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := WritePacket(conn, req); err != nil {
		return nil, fmt.Errorf("write %s: %w", req.Type, err)
	}
	resp, err := ReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Type, err)
	}
	if !resp.Response || resp.Type != req.Type || resp.Version != req.Version {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedResponse, req.Type, resp.Type)
	}
	return resp, nil
}

// HandleStream serves one inbound RPC on conn and closes it. remote is the
// observed source of the stream; it is only trusted for IP realms.
func (e *Engine) HandleStream(conn net.Conn, remote transport.EndPoint) error {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(e.cfg.QueryTimeout)); err != nil {
		return err
	}

	req, err := ReadPacket(conn)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "HandleStream",
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed request")
		return err
	}
	if req.Response {
		return fmt.Errorf("%w: response sent as request", ErrMalformedPacket)
	}
	if req.Version != e.version {
		return fmt.Errorf("%w: %d on a version %d engine", ErrUnsupportedVersion, req.Version, e.version)
	}

	sender := e.observeSender(remote, req.SourcePort)

	resp := e.handleRequest(req, remote)
	recordRequest(e.cfg.Realm, req.Type)
	if err := WritePacket(conn, resp); err != nil {
		return fmt.Errorf("write %s response: %w", req.Type, err)
	}
	if sender != nil {
		e.tree.AddContact(sender)
	}
	return nil
}

// observeSender returns the contact for the requester's DHT endpoint: the
// observed IP with the claimed source port. Realms without meaningful
// source addresses do not learn contacts from inbound streams.
func (e *Engine) observeSender(remote transport.EndPoint, sourcePort uint16) *Contact {
	if e.cfg.TrustClaimedAddress || !remote.IsIP() || sourcePort == 0 {
		return nil
	}
	c, err := e.resolveContact(remote.WithPort(sourcePort))
	if err != nil || c.IsLocal() {
		return nil
	}
	c.MarkSeen(e.clock.Now())
	return c
}

func (e *Engine) handleRequest(req *Packet, remote transport.EndPoint) *Packet {
	resp := newResponse(req, e.sourcePort())
	switch req.Type {
	case PacketPing:
	case PacketFindNode:
		resp.Contacts = e.closestEndPoints(req.ID)
	case PacketFindPeers:
		e.fillPeersResponse(resp, req.ID)
	case PacketAnnounce:
		if ep, ok := e.announcedEndPoint(req, remote); ok {
			e.peers.Add(req.ID, ep)
			e.log.WithFields(logrus.Fields{
				"function":   "handleRequest",
				"network_id": req.ID.ShortString(),
				"peer":       ep.String(),
			}).Debug("Stored announced peer")
		}
		e.fillPeersResponse(resp, req.ID)
	}
	return resp
}

// announcedEndPoint determines which endpoint to store for an ANNOUNCE.
// IP realms combine the observed address with the claimed port so a node
// cannot announce someone else's address.
func (e *Engine) announcedEndPoint(req *Packet, remote transport.EndPoint) (transport.EndPoint, bool) {
	var claimed transport.EndPoint
	var port uint16
	if req.Version == Version1 {
		port = req.ServicePort
		if remote.IsValid() {
			claimed = remote.WithPort(port)
		}
	} else if len(req.Peers) > 0 {
		claimed = req.Peers[0]
		port = claimed.Port()
	}
	if port == 0 {
		return transport.EndPoint{}, false
	}
	if e.cfg.TrustClaimedAddress {
		return claimed, claimed.IsValid()
	}
	if !remote.IsIP() {
		return transport.EndPoint{}, false
	}
	return remote.WithPort(port), true
}

// fillPeersResponse answers with stored peers when there are any, and with
// the closest contacts otherwise.
func (e *Engine) fillPeersResponse(resp *Packet, networkID identity.ID) {
	if peers := e.peers.Get(networkID); len(peers) > 0 {
		resp.Peers = peers
		return
	}
	resp.Contacts = e.closestEndPoints(networkID)
}

func (e *Engine) closestEndPoints(target identity.ID) []transport.EndPoint {
	closest := e.tree.GetKClosest(target, false)
	if len(closest) == 0 {
		return nil
	}
	eps := make([]transport.EndPoint, len(closest))
	for i, c := range closest {
		eps[i] = c.EndPoint()
	}
	return eps
}

// spawn runs fn in the background, tracked by the engine's wait group.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}
