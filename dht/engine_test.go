package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

var errRefused = errors.New("connection refused")

// simNetwork connects engines through net.Pipe. The server side sees the
// dialing engine's address with an ephemeral port, as a TCP listener would.
type simNetwork struct {
	mu      sync.Mutex
	engines map[transport.EndPoint]*Engine
	down    map[transport.EndPoint]bool
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		engines: make(map[transport.EndPoint]*Engine),
		down:    make(map[transport.EndPoint]bool),
	}
}

func (n *simNetwork) dialer(from transport.EndPoint) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, ep transport.EndPoint) (net.Conn, error) {
		n.mu.Lock()
		e, down := n.engines[ep], n.down[ep]
		n.mu.Unlock()
		if e == nil || down {
			return nil, errRefused
		}
		client, server := net.Pipe()
		observed := from
		if from.IsIP() {
			observed = from.WithPort(51000)
		}
		go e.HandleStream(server, observed)
		return client, nil
	})
}

func (n *simNetwork) setDown(ep transport.EndPoint) {
	n.mu.Lock()
	n.down[ep] = true
	n.mu.Unlock()
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (n *simNetwork) newEngine(t *testing.T, ep transport.EndPoint, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Network = n.dialer(ep)
	cfg.LocalEndPoint = ep
	cfg.QueryTimeout = 2 * time.Second
	cfg.Logger = quietLogger()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	n.mu.Lock()
	n.engines[ep] = e
	n.mu.Unlock()
	return e
}

func simEndPoint(i int) transport.EndPoint {
	return transport.MustParseEndPoint(fmt.Sprintf("198.18.%d.%d:33445", i/250, i%250+1))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&Config{LocalEndPoint: simEndPoint(1)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{Network: transport.NewDirectDialer()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{IDSize: 16, Network: transport.NewDirectDialer(), LocalEndPoint: simEndPoint(1)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPingLearnsContactsBothWays(t *testing.T) {
	sim := newSimNetwork()
	a := sim.newEngine(t, simEndPoint(1), nil)
	b := sim.newEngine(t, simEndPoint(2), nil)

	assert.True(t, a.Ping(context.Background(), b.LocalEndPoint()))
	assert.Equal(t, 1, a.TotalNodes())
	assert.Eventually(t, func() bool { return b.TotalNodes() == 1 }, time.Second, 10*time.Millisecond)

	contact := b.RoutingTable().FindContact(a.ID())
	require.NotNil(t, contact)
	assert.Equal(t, a.LocalEndPoint(), contact.EndPoint())

	sim.setDown(b.LocalEndPoint())
	assert.False(t, a.Ping(context.Background(), b.LocalEndPoint()))
	assert.Equal(t, 1, a.RoutingTable().FindContact(b.ID()).FailCount())
}

func TestFindNodeReturnsKClosest(t *testing.T) {
	sim := newSimNetwork()
	const n = 24
	var engines []*Engine
	for i := 0; i < n; i++ {
		engines = append(engines, sim.newEngine(t, simEndPoint(i), nil))
	}
	for _, e := range engines {
		for _, other := range engines {
			if e != other {
				e.AddNode(other.LocalEndPoint())
			}
		}
	}

	origin := engines[0]
	for trial := 0; trial < 5; trial++ {
		target := identity.RandomID(identity.Size256)

		var others []*Contact
		for _, e := range engines[1:] {
			others = append(others, e.self)
		}
		want := SelectClosest(others, target, DefaultK)

		got, err := origin.FindNode(context.Background(), target)
		require.NoError(t, err)
		require.Len(t, got, DefaultK)
		for i := range want {
			assert.Equal(t, want[i].ID(), got[i].ID)
			assert.Equal(t, KindRemote, got[i].Kind)
		}
	}
}

func TestFindNodeFewerThanK(t *testing.T) {
	sim := newSimNetwork()
	a := sim.newEngine(t, simEndPoint(1), nil)
	for i := 2; i <= 4; i++ {
		e := sim.newEngine(t, simEndPoint(i), nil)
		a.AddNode(e.LocalEndPoint())
	}

	got, err := a.FindNode(context.Background(), identity.RandomID(identity.Size256))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestFindNodeSkipsUnreachable(t *testing.T) {
	sim := newSimNetwork()
	var engines []*Engine
	down := make(map[identity.ID]bool)
	for i := 1; i <= 14; i++ {
		engines = append(engines, sim.newEngine(t, simEndPoint(i), nil))
	}
	for _, e := range engines {
		for _, other := range engines {
			if e != other {
				e.AddNode(other.LocalEndPoint())
			}
		}
	}
	for i, e := range engines[1:] {
		if i%3 == 0 {
			sim.setDown(e.LocalEndPoint())
			down[e.ID()] = true
		}
	}

	got, err := engines[0].FindNode(context.Background(), identity.RandomID(identity.Size256))
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), DefaultK)
	for _, info := range got {
		assert.False(t, down[info.ID], "unreachable node returned")
	}

	_, err = engines[0].FindNode(context.Background(), identity.RandomID(identity.Size160))
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestAnnounceAndFindPeersEndToEnd(t *testing.T) {
	for _, size := range []int{identity.Size160, identity.Size256} {
		t.Run(fmt.Sprintf("id%d", size*8), func(t *testing.T) {
			clk := clock.NewMock()
			sim := newSimNetwork()
			withClock := func(cfg *Config) {
				cfg.Clock = clk
				cfg.IDSize = size
			}
			a := sim.newEngine(t, simEndPoint(1), withClock)
			b := sim.newEngine(t, simEndPoint(2), withClock)

			require.True(t, a.AddNode(b.LocalEndPoint()))
			a.maintain()
			a.wg.Wait()
			require.Eventually(t, func() bool { return b.TotalNodes() == 1 }, time.Second, 10*time.Millisecond,
				"B learns A from A's health check")

			network := identity.RandomID(size)
			service := b.LocalEndPoint().WithPort(9999)
			_, err := b.Announce(context.Background(), network, service)
			require.NoError(t, err)
			assert.Equal(t, []transport.EndPoint{service}, a.GetPeers(network))

			peers, err := a.FindPeers(context.Background(), network)
			require.NoError(t, err)
			assert.Equal(t, []transport.EndPoint{service}, peers)

			sim.setDown(b.LocalEndPoint())
			require.NoError(t, b.Close())
			clk.Add(DefaultPeerExpiry + time.Second)

			peers, err = a.FindPeers(context.Background(), network)
			require.NoError(t, err)
			assert.Empty(t, peers)
		})
	}
}

func TestAnnounceStoresObservedAddress(t *testing.T) {
	sim := newSimNetwork()
	a := sim.newEngine(t, simEndPoint(1), nil)
	b := sim.newEngine(t, simEndPoint(2), nil)
	require.True(t, b.AddNode(a.LocalEndPoint()))

	network := identity.RandomID(identity.Size256)
	spoofed := transport.MustParseEndPoint("203.0.113.99:7000")
	_, err := b.Announce(context.Background(), network, spoofed)
	require.NoError(t, err)

	assert.Equal(t, []transport.EndPoint{b.LocalEndPoint().WithPort(7000)}, a.GetPeers(network))
}

func TestAnnounceTrustsClaimedAddressWhenConfigured(t *testing.T) {
	sim := newSimNetwork()
	tor := func(cfg *Config) { cfg.TrustClaimedAddress = true }
	a := sim.newEngine(t, transport.MustParseEndPoint("aaaaaaaaaaaaaaaa.onion:33445"), tor)
	b := sim.newEngine(t, transport.MustParseEndPoint("bbbbbbbbbbbbbbbb.onion:33445"), tor)
	require.True(t, b.AddNode(a.LocalEndPoint()))

	network := identity.RandomID(identity.Size256)
	service := transport.MustParseEndPoint("bbbbbbbbbbbbbbbb.onion:80")
	_, err := b.Announce(context.Background(), network, service)
	require.NoError(t, err)

	assert.Equal(t, []transport.EndPoint{service}, a.GetPeers(network))
	assert.Equal(t, 0, a.TotalNodes(), "inbound streams without source addresses add no contacts")
}

func TestFindPeersPrefersPeersOverContacts(t *testing.T) {
	sim := newSimNetwork()
	a := sim.newEngine(t, simEndPoint(1), nil)
	b := sim.newEngine(t, simEndPoint(2), nil)
	c := sim.newEngine(t, simEndPoint(3), nil)
	b.AddNode(c.LocalEndPoint())

	network := identity.RandomID(identity.Size256)
	b.peers.Add(network, simEndPoint(50))

	req := newRequest(Version2, a.sourcePort(), PacketFindPeers, network)
	resp, err := a.exchange(context.Background(), b.LocalEndPoint(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Contacts)
	assert.Equal(t, []transport.EndPoint{simEndPoint(50)}, resp.Peers)

	req.ID = identity.RandomID(identity.Size256)
	resp, err = a.exchange(context.Background(), b.LocalEndPoint(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Peers)
	assert.NotEmpty(t, resp.Contacts)
}

func TestHandleStreamRejectsOtherVersion(t *testing.T) {
	sim := newSimNetwork()
	e := sim.newEngine(t, simEndPoint(1), nil)

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- e.HandleStream(server, simEndPoint(2)) }()

	require.NoError(t, WritePacket(client, &Packet{Version: Version1, Type: PacketPing}))
	err := <-done
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	_, err = ReadPacket(client)
	assert.Error(t, err, "stream must be closed without a response")
}

func TestMaintenanceRemovesDeadContacts(t *testing.T) {
	clk := clock.NewMock()
	sim := newSimNetwork()
	a := sim.newEngine(t, simEndPoint(1), func(cfg *Config) { cfg.Clock = clk })
	var dead []*Engine
	for i := 2; i <= 13; i++ {
		e := sim.newEngine(t, simEndPoint(i), nil)
		require.True(t, a.AddNode(e.LocalEndPoint()))
		if i > 9 {
			sim.setDown(e.LocalEndPoint())
			dead = append(dead, e)
		}
	}
	require.Equal(t, 12, a.TotalNodes())
	require.Empty(t, a.RoutingTable().StaleContacts(), "new contacts are fresh")

	clk.Add(DefaultStaleTimeout + time.Second)
	a.maintain()
	a.wg.Wait()

	assert.Equal(t, 8, a.TotalNodes())
	for _, e := range dead {
		assert.Nil(t, a.RoutingTable().FindContact(e.ID()))
	}
}

func TestStartAndClose(t *testing.T) {
	clk := clock.NewMock()
	sim := newSimNetwork()
	e := sim.newEngine(t, simEndPoint(1), func(cfg *Config) { cfg.Clock = clk })

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	clk.Add(DefaultMaintenanceInterval)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Start(), ErrEngineClosed)
}

func TestLookupForgetsFailedContacts(t *testing.T) {
	sim := newSimNetwork()
	e := sim.newEngine(t, simEndPoint(1), nil)
	target := identity.RandomID(identity.Size256)

	failing, err := e.resolveContact(simEndPoint(2))
	require.NoError(t, err)
	reporter, err := e.resolveContact(simEndPoint(3))
	require.NoError(t, err)

	st := newLookupState(target)
	st.mu.Lock()
	st.addSeen(failing)
	st.addSeen(reporter)
	st.queried[failing.ID()] = true
	st.queried[reporter.ID()] = true
	st.mu.Unlock()

	e.mergeRound(st, failing, nil, false)
	resp := &Packet{Version: Version2, Type: PacketFindNode, Response: true, ID: target,
		Contacts: []transport.EndPoint{failing.EndPoint(), simEndPoint(4)}}
	e.mergeRound(st, reporter, resp, false)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.NotContains(t, st.seen, failing.ID(), "a failed contact must not be re-added by later responses")
	assert.True(t, st.failed[failing.ID()])
	assert.False(t, st.responded[failing.ID()])
	assert.True(t, st.responded[reporter.ID()])
	assert.Len(t, st.seen, 2)

	best, ok := st.closestDistance()
	require.True(t, ok)
	assert.NotEqual(t, failing.ID().Xor(target), best)
}
