package connmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

const relayAnnounceTimeout = 30 * time.Second

// relayState holds both relay roles: the network IDs peers asked us to relay
// for, and the peers relaying for us.
type relayState struct {
	mu sync.Mutex

	// served maps each client link to the network IDs it registered.
	served map[*mux.Connection]map[identity.ID]struct{}

	// networks are the IDs we want relayed; relays the links registered
	// for them.
	networks []identity.ID
	relays   map[*mux.Connection]struct{}
}

func newRelayState() *relayState {
	return &relayState{
		served: make(map[*mux.Connection]map[identity.ID]struct{}),
		relays: make(map[*mux.Connection]struct{}),
	}
}

// serve records registrations from c and returns the IDs no link had
// registered before.
func (s *relayState) serve(c *mux.Connection, ids []identity.ID) []identity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []identity.ID
	for _, id := range ids {
		if !s.servedLocked(id) {
			added = append(added, id)
		}
		set := s.served[c]
		if set == nil {
			set = make(map[identity.ID]struct{})
			s.served[c] = set
		}
		set[id] = struct{}{}
	}
	return added
}

func (s *relayState) servedLocked(id identity.ID) bool {
	for _, set := range s.served {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func (s *relayState) unserve(c *mux.Connection, ids []identity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.served[c]
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(s.served, c)
	}
}

// forget drops every registration by or with c.
func (s *relayState) forget(c *mux.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.served, c)
	delete(s.relays, c)
}

func (s *relayState) servedNetworks() []identity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[identity.ID]struct{})
	var out []identity.ID
	for _, set := range s.served {
		for id := range set {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s *relayState) clients(id identity.ID) []*mux.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mux.Connection
	for c, set := range s.served {
		if _, ok := set[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *relayState) wantsRelays() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.networks) > 0
}

// RelayedNetworks returns the network IDs this node relays for.
func (m *Manager) RelayedNetworks() []identity.ID {
	return m.relays.servedNetworks()
}

// RelayClients returns the endpoints of the links registered for networkID,
// which peers can reach by tunneling through this node.
func (m *Manager) RelayClients(networkID identity.ID) []transport.EndPoint {
	conns := m.relays.clients(networkID)
	out := make([]transport.EndPoint, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.RemoteEndPoint())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *Manager) announceRelay(ctx context.Context, id identity.ID) {
	if m.cfg.Announcer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, relayAnnounceTimeout)
	defer cancel()
	if _, err := m.cfg.Announcer.Announce(ctx, id, nil); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "announceRelay",
			"network":  id.ShortString(),
			"error":    err.Error(),
		}).Debug("Relay announce failed")
	}
}

// EnableRelay asks up to MaxRelays directly connected public peers to relay
// inbound connections for networkIDs. Relays are reselected every refresh
// interval.
func (m *Manager) EnableRelay(networkIDs []identity.ID) {
	m.relays.mu.Lock()
	m.relays.networks = append([]identity.ID(nil), networkIDs...)
	current := make([]*mux.Connection, 0, len(m.relays.relays))
	for c := range m.relays.relays {
		current = append(current, c)
	}
	m.relays.mu.Unlock()

	for _, c := range current {
		if err := c.SendRelayRegister(networkIDs); err != nil {
			m.relays.forget(c)
		}
	}
	m.selectRelays()
}

// DisableRelay withdraws every relay registration.
func (m *Manager) DisableRelay() {
	m.relays.mu.Lock()
	networks := m.relays.networks
	m.relays.networks = nil
	m.relays.mu.Unlock()
	m.dropRelays(networks)
}

func (m *Manager) dropRelays(networks []identity.ID) {
	m.relays.mu.Lock()
	relays := m.relays.relays
	m.relays.relays = make(map[*mux.Connection]struct{})
	m.relays.mu.Unlock()
	if len(networks) == 0 {
		return
	}
	for c := range relays {
		c.SendRelayUnregister(networks)
	}
}

// Relays returns the links currently relaying for this node.
func (m *Manager) Relays() []*mux.Connection {
	m.relays.mu.Lock()
	defer m.relays.mu.Unlock()
	out := make([]*mux.Connection, 0, len(m.relays.relays))
	for c := range m.relays.relays {
		out = append(out, c)
	}
	return out
}

// selectRelays tops the relay set up to MaxRelays from direct links to
// public endpoints. A reachable node needs no relays.
func (m *Manager) selectRelays() {
	m.relays.mu.Lock()
	networks := append([]identity.ID(nil), m.relays.networks...)
	m.relays.mu.Unlock()
	if len(networks) == 0 {
		return
	}
	if m.cfg.Reachable != nil && m.cfg.Reachable() {
		m.dropRelays(networks)
		return
	}

	candidates := m.Connections()
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].RemoteEndPoint().String() < candidates[j].RemoteEndPoint().String()
	})

	m.relays.mu.Lock()
	for c := range m.relays.relays {
		select {
		case <-c.Done():
			delete(m.relays.relays, c)
		default:
		}
	}
	need := m.cfg.MaxRelays - len(m.relays.relays)
	var picked []*mux.Connection
	for _, c := range candidates {
		if need <= 0 {
			break
		}
		if _, ok := m.relays.relays[c]; ok || c.IsVirtual() || !c.RemoteEndPoint().IsPublic() {
			continue
		}
		picked = append(picked, c)
		need--
	}
	m.relays.mu.Unlock()

	for _, c := range picked {
		if err := c.SendRelayRegister(networks); err != nil {
			continue
		}
		m.relays.mu.Lock()
		m.relays.relays[c] = struct{}{}
		m.relays.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"function": "selectRelays",
			"relay":    c.RemoteEndPoint().String(),
			"networks": len(networks),
		}).Info("Registered with relay")
	}
}

// relayLoop re-announces relayed networks and reselects relays every
// refresh interval.
func (m *Manager) relayLoop() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.cfg.RelayRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.RelayedNetworks() {
				id := id
				m.spawn(func(ctx context.Context) { m.announceRelay(ctx, id) })
			}
			m.selectRelays()
		}
	}
}
