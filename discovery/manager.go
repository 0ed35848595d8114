// Package discovery coordinates one DHT engine per reachability realm.
//
// A Manager owns engines for the IPv4 and IPv6 internet, the Tor network and
// every private subnet the host is attached to. Announce and FindPeers fan
// out across all realms concurrently; endpoints belonging to this node in
// any realm are filtered out of the results so one realm's address never
// leaks into another's results.
//
// Local subnet realms are created and torn down as the host's interfaces
// change. Each runs its own DHT listener on a random port and advertises that
// port with broadcast datagrams on the subnet.
package discovery

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
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/meshnode/dht"
	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

var (
	// ErrNoRealms indicates that no realm is running.
	ErrNoRealms = errors.New("no DHT realm available")
	// ErrNoRealmForStream indicates an inbound DHT stream from an address
	// family without a realm.
	ErrNoRealmForStream = errors.New("no DHT realm for stream")
	// ErrManagerClosed is returned by operations on a closed manager.
	ErrManagerClosed = errors.New("discovery manager closed")
)

// RealmKind identifies a reachability domain.
type RealmKind uint8

const (
	RealmIPv4 RealmKind = iota + 1
	RealmIPv6
	RealmTor
	RealmLAN
)

// String returns a human-readable representation of the RealmKind.
func (k RealmKind) String() string {
	switch k {
	case RealmIPv4:
		return "ipv4"
	case RealmIPv6:
		return "ipv6"
	case RealmTor:
		return "tor"
	case RealmLAN:
		return "lan"
	default:
		return fmt.Sprintf("RealmKind(%d)", uint8(k))
	}
}

type realm struct {
	name    string
	kind    RealmKind
	engine  *dht.Engine
	service transport.EndPoint

	network  LocalNetwork
	listener net.Listener
}

// serviceFor returns the endpoint announced in this realm. An explicit
// endpoint is used where its address type fits the realm; otherwise only
// its port is taken.
func (r *realm) serviceFor(explicit *transport.EndPoint) transport.EndPoint {
	if explicit == nil {
		return r.service
	}
	fits := false
	switch r.kind {
	case RealmIPv4:
		fits = explicit.Type() == transport.AddressTypeIPv4
	case RealmIPv6:
		fits = explicit.Type() == transport.AddressTypeIPv6
	case RealmTor:
		fits = explicit.Type() == transport.AddressTypeDomain
	}
	if fits {
		return *explicit
	}
	return r.service.WithPort(explicit.Port())
}

func (r *realm) close() error {
	err := r.engine.Close()
	if r.listener != nil {
		err = multierr.Append(err, r.listener.Close())
	}
	return err
}

// RealmInfo describes a running realm.
type RealmInfo struct {
	Name     string
	Kind     RealmKind
	EndPoint transport.EndPoint
	Nodes    int
}

// Manager is the multi-realm DHT coordinator.
type Manager struct {
	cfg   *Config
	clock clock.Clock
	log   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	realms  map[string]*realm
	lan     *LANAnnouncer
	started bool
	closed  bool
}

// New creates a manager and the internet and Tor realms configured. Local
// realms are created once Start polls the interfaces.
func New(cfg *Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		clock:  cfg.Clock,
		log:    cfg.Logger.WithField("component", "discovery"),
		ctx:    ctx,
		cancel: cancel,
		realms: make(map[string]*realm),
	}

	type realmSeed struct {
		kind    RealmKind
		ep      transport.EndPoint
		network transport.Dialer
	}
	candidates := []realmSeed{
		{RealmIPv4, cfg.IPv4EndPoint, cfg.Network},
		{RealmIPv6, cfg.IPv6EndPoint, cfg.Network},
	}
	if cfg.TorDialer != nil {
		candidates = append(candidates, realmSeed{RealmTor, cfg.TorEndPoint, cfg.TorDialer})
	}
	for _, s := range candidates {
		if !s.ep.IsValid() {
			continue
		}
		r, err := m.newInternetRealm(s.kind, s.ep, s.network)
		if err != nil {
			cancel()
			return nil, multierr.Append(err, m.closeRealms())
		}
		m.realms[r.name] = r
	}
	return m, nil
}

func (m *Manager) newInternetRealm(kind RealmKind, ep transport.EndPoint, network transport.Dialer) (*realm, error) {
	c := *m.cfg.DHT
	c.Realm = kind.String()
	c.LocalEndPoint = ep
	c.Network = transport.NewPreambleDialer(network, transport.PreambleDHT)
	c.Clock = m.clock
	if c.Logger == nil {
		c.Logger = m.cfg.Logger
	}
	if kind == RealmTor {
		c.TrustClaimedAddress = true
		if c.QueryTimeout < dht.DefaultTorQueryTimeout {
			c.QueryTimeout = dht.DefaultTorQueryTimeout
		}
	}
	engine, err := dht.New(&c)
	if err != nil {
		return nil, fmt.Errorf("%s realm: %w", kind, err)
	}
	return &realm{name: c.Realm, kind: kind, engine: engine, service: ep}, nil
}

// Start runs the engines, bootstraps and begins local network discovery.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	var err error
	for _, r := range m.realms {
		err = multierr.Append(err, r.engine.Start())
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if m.cfg.LocalNetworks {
		conn, lerr := m.cfg.ListenPacket("udp4", fmt.Sprintf(":%d", m.cfg.DiscoveryPort))
		if lerr != nil {
			m.log.WithFields(logrus.Fields{
				"function": "Start",
				"port":     m.cfg.DiscoveryPort,
				"error":    lerr.Error(),
			}).Warn("LAN discovery socket unavailable, local realms will not be announced")
		} else {
			m.lan = NewLANAnnouncer(conn, m.cfg.DiscoveryPort, m.cfg.LANAnnounceInterval,
				m.clock, m.log, m.onLANPeer)
			m.lan.Start()
		}
		m.wg.Add(1)
		go m.interfaceLoop()
	}

	if len(m.cfg.BootstrapNodes) > 0 {
		m.spawn(func(ctx context.Context) { m.AddBootstrapNodes(ctx, m.cfg.BootstrapNodes) })
	}
	if m.cfg.BootstrapURL != "" {
		m.wg.Add(1)
		go m.webBootstrapLoop()
	}

	m.log.WithFields(logrus.Fields{
		"function": "Start",
		"realms":   len(m.Realms()),
	}).Info("Discovery manager started")
	return nil
}

// Close stops every realm and background loop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	lan := m.lan
	m.mu.Unlock()

	var err error
	if lan != nil {
		err = multierr.Append(err, lan.Stop())
	}
	err = multierr.Append(err, m.closeRealms())
	m.wg.Wait()
	return err
}

func (m *Manager) closeRealms() error {
	m.mu.Lock()
	realms := m.realms
	m.realms = make(map[string]*realm)
	m.mu.Unlock()

	var err error
	for _, r := range realms {
		err = multierr.Append(err, r.close())
	}
	return err
}

func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

func (m *Manager) snapshot() []*realm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*realm, 0, len(m.realms))
	for _, r := range m.realms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Realms describes the running realms, sorted by name.
func (m *Manager) Realms() []RealmInfo {
	realms := m.snapshot()
	out := make([]RealmInfo, len(realms))
	for i, r := range realms {
		out[i] = RealmInfo{Name: r.name, Kind: r.kind, EndPoint: r.engine.LocalEndPoint(), Nodes: r.engine.TotalNodes()}
	}
	return out
}

// Engine returns the engine of the named realm, or nil.
func (m *Manager) Engine(name string) *dht.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r := m.realms[name]; r != nil {
		return r.engine
	}
	return nil
}

// ownEndPoints returns every endpoint this node is known by.
func ownEndPoints(realms []*realm, explicit *transport.EndPoint) map[transport.EndPoint]bool {
	own := make(map[transport.EndPoint]bool)
	for _, r := range realms {
		own[r.service] = true
		own[r.engine.LocalEndPoint()] = true
		own[r.serviceFor(explicit)] = true
	}
	return own
}

type realmOp func(ctx context.Context, r *realm) ([]transport.EndPoint, error)

// fanOut runs op on every realm concurrently and merges the results.
func (m *Manager) fanOut(ctx context.Context, networkID identity.ID, explicit *transport.EndPoint, op realmOp) ([]transport.EndPoint, error) {
	realms := m.snapshot()
	if len(realms) == 0 {
		return nil, ErrNoRealms
	}
	own := ownEndPoints(realms, explicit)

	var (
		mu     sync.Mutex
		errs   error
		failed int
		seen   = make(map[transport.EndPoint]bool)
		peers  []transport.EndPoint
	)
	var g errgroup.Group
	for _, r := range realms {
		r := r
		g.Go(func() error {
			found, err := op(ctx, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.name, err))
				return nil
			}
			for _, ep := range found {
				if own[ep] || seen[ep] {
					continue
				}
				seen[ep] = true
				peers = append(peers, ep)
			}
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(realms) {
		return nil, errs
	}
	if len(peers) > 0 && m.cfg.OnPeersDiscovered != nil {
		m.cfg.OnPeersDiscovered(networkID, peers)
	}
	return peers, nil
}

// Announce announces this node for networkID in every realm. service may
// override the announced endpoint; nil announces each realm's own service
// endpoint. It returns the other peers found for networkID.
func (m *Manager) Announce(ctx context.Context, networkID identity.ID, service *transport.EndPoint) ([]transport.EndPoint, error) {
	return m.fanOut(ctx, networkID, service, func(ctx context.Context, r *realm) ([]transport.EndPoint, error) {
		id, err := realmID(r, networkID)
		if err != nil {
			return nil, err
		}
		return r.engine.Announce(ctx, id, r.serviceFor(service))
	})
}

// FindPeers looks networkID up in every realm.
func (m *Manager) FindPeers(ctx context.Context, networkID identity.ID) ([]transport.EndPoint, error) {
	return m.fanOut(ctx, networkID, nil, func(ctx context.Context, r *realm) ([]transport.EndPoint, error) {
		id, err := realmID(r, networkID)
		if err != nil {
			return nil, err
		}
		return r.engine.FindPeers(ctx, id)
	})
}

// realmID adapts a network ID to the identifier width of r's engine.
// Legacy engines use the first 20 bytes.
func realmID(r *realm, networkID identity.ID) (identity.ID, error) {
	size := r.engine.ID().Len()
	if networkID.Len() == size {
		return networkID, nil
	}
	if networkID.Len() > size {
		return identity.NewID(networkID.Bytes()[:size])
	}
	return identity.ID{}, fmt.Errorf("%w: network id %d bytes", dht.ErrInvalidID, networkID.Len())
}

// routeEndPoint picks the realm that should learn about ep. Caller holds
// m.mu.
func (m *Manager) routeEndPoint(ep transport.EndPoint) *realm {
	switch ep.Type() {
	case transport.AddressTypeDomain:
		return m.realms[RealmTor.String()]
	case transport.AddressTypeIPv4:
		for _, r := range m.realms {
			if r.kind == RealmLAN && r.network.Contains(ep.Addr()) {
				return r
			}
		}
		return m.realms[RealmIPv4.String()]
	case transport.AddressTypeIPv6:
		return m.realms[RealmIPv6.String()]
	}
	return nil
}

// AddBootstrapNodes hands each endpoint to the realm it belongs to and
// bootstraps the affected realms concurrently.
func (m *Manager) AddBootstrapNodes(ctx context.Context, eps []transport.EndPoint) {
	groups := make(map[*realm][]transport.EndPoint)
	m.mu.RLock()
	for _, ep := range eps {
		if r := m.routeEndPoint(ep); r != nil {
			groups[r] = append(groups[r], ep)
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for r, group := range groups {
		r, group := r, group
		g.Go(func() error {
			r.engine.Bootstrap(ctx, group)
			return nil
		})
	}
	_ = g.Wait()
}

// HandleStream serves an inbound DHT stream from the shared service
// listener. The stream's preamble has already been consumed. Loopback
// streams belong to the Tor realm when one exists, since the onion service
// forwards to localhost.
func (m *Manager) HandleStream(conn net.Conn) error {
	remote, err := transport.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return err
	}

	m.mu.RLock()
	var r *realm
	switch {
	case remote.IsLoopback() && m.realms[RealmTor.String()] != nil:
		r = m.realms[RealmTor.String()]
	case remote.Type() == transport.AddressTypeIPv4:
		r = m.realms[RealmIPv4.String()]
	case remote.Type() == transport.AddressTypeIPv6:
		r = m.realms[RealmIPv6.String()]
	}
	m.mu.RUnlock()

	if r == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrNoRealmForStream, remote)
	}
	return r.engine.HandleStream(conn, remote)
}
