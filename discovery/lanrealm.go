package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/dht"
	"github.com/opd-ai/meshnode/transport"
)

const lanRealmPrefix = "lan:"

// interfaceLoop keeps one realm per private subnet, polling the interface
// list immediately and then every InterfacePollInterval.
func (m *Manager) interfaceLoop() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.cfg.InterfacePollInterval)
	defer ticker.Stop()

	m.pollInterfaces()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pollInterfaces()
		}
	}
}

// pollInterfaces reconciles the LAN realms with the current interfaces.
func (m *Manager) pollInterfaces() {
	ifaces, err := m.cfg.Interfaces.Interfaces()
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "pollInterfaces",
			"error":    err.Error(),
		}).Warn("Failed to list interfaces")
		return
	}
	networks := PrivateNetworks(ifaces)
	current := make(map[string]LocalNetwork, len(networks))
	for _, n := range networks {
		current[lanRealmPrefix+n.Key()] = n
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var gone []*realm
	for name, r := range m.realms {
		if r.kind != RealmLAN {
			continue
		}
		if _, ok := current[name]; !ok {
			delete(m.realms, name)
			gone = append(gone, r)
		}
	}
	var missing []LocalNetwork
	for name, n := range current {
		if _, ok := m.realms[name]; !ok {
			missing = append(missing, n)
		}
	}
	m.mu.Unlock()

	for _, r := range gone {
		m.log.WithFields(logrus.Fields{
			"function": "pollInterfaces",
			"realm":    r.name,
		}).Info("Local network gone, closing realm")
		r.close()
	}

	for _, n := range missing {
		r, err := m.newLANRealm(n)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "pollInterfaces",
				"network":  n.Key(),
				"error":    err.Error(),
			}).Warn("Failed to create local realm")
			continue
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			r.close()
			return
		}
		m.realms[r.name] = r
		m.mu.Unlock()

		m.wg.Add(1)
		go m.acceptLoop(r)

		m.log.WithFields(logrus.Fields{
			"function": "pollInterfaces",
			"realm":    r.name,
			"endpoint": r.engine.LocalEndPoint().String(),
		}).Info("Local realm started")
	}

	m.updateAnnouncer(networks)
}

// newLANRealm binds a DHT listener on the network's address and starts an
// engine for it.
func (m *Manager) newLANRealm(n LocalNetwork) (*realm, error) {
	ln, err := m.cfg.Listen("tcp4", netip.AddrPortFrom(n.Addr, 0).String())
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	local, err := transport.FromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}

	c := *m.cfg.DHT
	c.Realm = lanRealmPrefix + n.Key()
	c.LocalEndPoint = transport.NewIPEndPoint(n.Addr, local.Port())
	c.Network = m.cfg.LANNetwork
	c.Clock = m.clock
	if c.Logger == nil {
		c.Logger = m.cfg.Logger
	}
	engine, err := dht.New(&c)
	if err != nil {
		ln.Close()
		return nil, err
	}
	if err := engine.Start(); err != nil {
		ln.Close()
		engine.Close()
		return nil, err
	}

	service := c.LocalEndPoint
	if m.cfg.ServicePort != 0 {
		service = transport.NewIPEndPoint(n.Addr, m.cfg.ServicePort)
	}
	return &realm{
		name:     c.Realm,
		kind:     RealmLAN,
		engine:   engine,
		service:  service,
		network:  n,
		listener: ln,
	}, nil
}

// acceptLoop serves the realm's DHT listener until it is closed.
func (m *Manager) acceptLoop(r *realm) {
	defer m.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			remote, err := transport.FromNetAddr(conn.RemoteAddr())
			if err != nil {
				conn.Close()
				return
			}
			if err := r.engine.HandleStream(conn, remote); err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"realm":    r.name,
					"remote":   remote.String(),
					"error":    err.Error(),
				}).Debug("Local DHT stream failed")
			}
		}()
	}
}

func (m *Manager) updateAnnouncer(networks []LocalNetwork) {
	if m.lan == nil {
		return
	}
	ports := make(map[string]uint16)
	m.mu.RLock()
	for _, r := range m.realms {
		if r.kind == RealmLAN {
			ports[r.network.Key()] = r.engine.LocalEndPoint().Port()
		}
	}
	m.mu.RUnlock()
	m.lan.SetTargets(networks, ports)
}

// onLANPeer bootstraps the local realm whose subnet contains the announcer.
func (m *Manager) onLANPeer(ep transport.EndPoint) {
	m.mu.RLock()
	var target *realm
	for _, r := range m.realms {
		if r.kind == RealmLAN && r.network.Contains(ep.Addr()) {
			target = r
			break
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return
	}
	m.spawn(func(ctx context.Context) {
		target.engine.Bootstrap(ctx, []transport.EndPoint{ep})
	})
}
