package connmgr

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// echo is a ChannelAcceptor that echoes every channel.
func echo(_ *mux.Connection, ch *mux.Channel) {
	io.Copy(ch, ch)
	ch.Close()
}

// newTestManager starts a manager listening on loopback and returns it with
// its service endpoint.
func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, transport.EndPoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep, err := transport.FromNetAddr(ln.Addr())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LocalPeerID = identity.RandomID(identity.Size256)
	cfg.ServicePort = ep.Port()
	cfg.ListenAddr = ln.Addr().String()
	cfg.Listen = func(string, string) (net.Listener, error) { return ln, nil }
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.Logger = quietLogger()
	cfg.ChannelAcceptor = echo
	if mutate != nil {
		mutate(cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Close() })
	return m, ep
}

func echoRoundTrip(t *testing.T, c *mux.Connection, msg string) {
	t.Helper()
	ch, err := c.OpenChannel(identity.RandomID(identity.Size256))
	require.NoError(t, err)
	defer ch.Close()
	_, err = ch.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(ch, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestNewRequiresPeerID(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
}

func TestMakeConnection(t *testing.T) {
	var (
		mu        sync.Mutex
		connected []*mux.Connection
	)
	a, _ := newTestManager(t, nil)
	b, epB := newTestManager(t, func(cfg *Config) {
		cfg.OnConnection = func(c *mux.Connection) {
			mu.Lock()
			connected = append(connected, c)
			mu.Unlock()
		}
	})

	ctx := context.Background()
	c, err := a.MakeConnection(ctx, epB)
	require.NoError(t, err)
	assert.True(t, b.cfg.LocalPeerID.Equal(c.RemotePeerID()))
	assert.Equal(t, epB, c.RemoteEndPoint())
	assert.False(t, c.IsVirtual())

	again, err := a.MakeConnection(ctx, epB)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Same(t, c, a.GetConnection(b.cfg.LocalPeerID))
	assert.Len(t, a.Connections(), 1)

	require.Eventually(t, func() bool { return b.GetConnection(a.cfg.LocalPeerID) != nil },
		2*time.Second, 10*time.Millisecond)
	inbound := b.GetConnection(a.cfg.LocalPeerID)
	// The inbound side records the advertised service port.
	assert.Equal(t, a.Addr().(*net.TCPAddr).Port, int(inbound.RemoteEndPoint().Port()))
	mu.Lock()
	assert.Len(t, connected, 1)
	mu.Unlock()

	echoRoundTrip(t, c, "hello over a direct link")

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return a.GetConnection(b.cfg.LocalPeerID) == nil && b.GetConnection(a.cfg.LocalPeerID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSelfConnectionIsRejected(t *testing.T) {
	a, epA := newTestManager(t, nil)
	_, err := a.MakeConnection(context.Background(), epA)
	assert.ErrorIs(t, err, ErrSelfConnection)
	assert.Empty(t, a.Connections())
}

func TestDialBackoff(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead, err := transport.FromNetAddr(ln.Addr())
	require.NoError(t, err)
	ln.Close()

	a, _ := newTestManager(t, nil)
	_, err = a.MakeConnection(context.Background(), dead)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBackoff))

	_, err = a.MakeConnection(context.Background(), dead)
	assert.ErrorIs(t, err, ErrBackoff)
}

func TestInboundPreambleDispatch(t *testing.T) {
	dhtStreams := make(chan net.Conn, 1)
	_, epB := newTestManager(t, func(cfg *Config) {
		cfg.DHTHandler = func(conn net.Conn) error {
			dhtStreams <- conn
			return nil
		}
	})

	conn, err := transport.NewPreambleDialer(transport.NewDirectDialer(), transport.PreambleDHT).
		DialContext(context.Background(), epB)
	require.NoError(t, err)
	defer conn.Close()
	select {
	case s := <-dhtStreams:
		s.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("DHT stream was not dispatched")
	}

	bad, err := transport.NewPreambleDialer(transport.NewDirectDialer(), 'X').
		DialContext(context.Background(), epB)
	require.NoError(t, err)
	defer bad.Close()
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bad.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// pipeConnection builds a started-able link whose far end is drained.
func pipeConnection(t *testing.T, m *Manager, peer identity.ID, ep transport.EndPoint, virtual bool) *mux.Connection {
	t.Helper()
	near, far := net.Pipe()
	go io.Copy(io.Discard, far)
	t.Cleanup(func() { far.Close() })
	return mux.New(near, mux.Info{RemotePeerID: peer, RemoteEndPoint: ep, Virtual: virtual}, m.cfg.Mux, m.handler)
}

func TestRegisterReplacementPolicy(t *testing.T) {
	m, _ := newTestManager(t, nil)
	peer := identity.RandomID(identity.Size256)
	public := transport.MustParseEndPoint("203.0.113.7:33445")
	private := transport.MustParseEndPoint("192.168.1.7:33445")

	virtual := pipeConnection(t, m, peer, public, true)
	require.NoError(t, m.register(virtual))

	direct := pipeConnection(t, m, peer, private, false)
	require.NoError(t, m.register(direct))
	<-virtual.Done()
	assert.Same(t, direct, m.GetConnection(peer))
	assert.Nil(t, m.GetConnectionByEndPoint(public))

	// A second virtual link loses.
	late := pipeConnection(t, m, peer, public, true)
	assert.ErrorIs(t, m.register(late), ErrDuplicateConnection)

	// The existing link is private, so the incoming one is refused.
	other := pipeConnection(t, m, peer, public, false)
	assert.ErrorIs(t, m.register(other), ErrDuplicateConnection)
	assert.Same(t, direct, m.GetConnection(peer))

	// Once the existing link is public, a new one replaces it.
	peer2 := identity.RandomID(identity.Size256)
	first := pipeConnection(t, m, peer2, public.WithPort(1), false)
	require.NoError(t, m.register(first))
	second := pipeConnection(t, m, peer2, private.WithPort(2), false)
	require.NoError(t, m.register(second))
	<-first.Done()
	assert.Same(t, second, m.GetConnection(peer2))
}

func TestVirtualConnectionThroughRelay(t *testing.T) {
	a, _ := newTestManager(t, nil)
	r, epR := newTestManager(t, nil)
	b, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := b.MakeConnection(ctx, epR)
	require.NoError(t, err)
	viaR, err := a.MakeConnection(ctx, epR)
	require.NoError(t, err)

	// The endpoint R knows B by.
	require.Eventually(t, func() bool { return r.GetConnection(b.cfg.LocalPeerID) != nil },
		2*time.Second, 10*time.Millisecond)
	epB := r.GetConnection(b.cfg.LocalPeerID).RemoteEndPoint()

	vc, err := a.MakeVirtualConnection(ctx, viaR, epB)
	require.NoError(t, err)
	assert.True(t, vc.IsVirtual())
	assert.True(t, b.cfg.LocalPeerID.Equal(vc.RemotePeerID()))

	require.Eventually(t, func() bool { return b.GetConnection(a.cfg.LocalPeerID) != nil },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, b.GetConnection(a.cfg.LocalPeerID).IsVirtual())

	echoRoundTrip(t, vc, "hello through a relay")

	_, err = vc.RequestTunnel(epR)
	assert.ErrorIs(t, err, mux.ErrNestedTunnel)
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	announced []identity.ID
}

func (f *fakeAnnouncer) Announce(_ context.Context, id identity.ID, _ *transport.EndPoint) ([]transport.EndPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, id)
	return nil, nil
}

func (f *fakeAnnouncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announced)
}

func TestRelayServerAnnouncesRegistrations(t *testing.T) {
	announcer := &fakeAnnouncer{}
	a, _ := newTestManager(t, nil)
	_, epR := newTestManager(t, func(cfg *Config) { cfg.Announcer = announcer })

	c, err := a.MakeConnection(context.Background(), epR)
	require.NoError(t, err)

	network := identity.RandomID(identity.Size256)
	require.NoError(t, c.SendRelayRegister([]identity.ID{network, network}))
	assert.Eventually(t, func() bool { return announcer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayServerForgetsClosedClients(t *testing.T) {
	a, _ := newTestManager(t, nil)
	r, epR := newTestManager(t, nil)

	c, err := a.MakeConnection(context.Background(), epR)
	require.NoError(t, err)
	network := identity.RandomID(identity.Size256)
	require.NoError(t, c.SendRelayRegister([]identity.ID{network}))
	require.Eventually(t, func() bool { return len(r.RelayedNetworks()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, network.Equal(r.RelayedNetworks()[0]))

	require.NoError(t, c.SendRelayUnregister([]identity.ID{network}))
	require.Eventually(t, func() bool { return len(r.RelayedNetworks()) == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SendRelayRegister([]identity.ID{network}))
	require.Eventually(t, func() bool { return len(r.RelayedNetworks()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return len(r.RelayedNetworks()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayClientSelection(t *testing.T) {
	reachable := false
	var mu sync.Mutex
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Reachable = func() bool {
			mu.Lock()
			defer mu.Unlock()
			return reachable
		}
	})

	for i := 1; i <= 5; i++ {
		ep := transport.MustParseEndPoint("203.0.113.1:33445").WithPort(uint16(1000 + i))
		require.NoError(t, m.register(pipeConnection(t, m, identity.RandomID(identity.Size256), ep, false)))
	}
	require.NoError(t, m.register(pipeConnection(t, m, identity.RandomID(identity.Size256),
		transport.MustParseEndPoint("10.0.0.9:33445"), false)))
	require.NoError(t, m.register(pipeConnection(t, m, identity.RandomID(identity.Size256),
		transport.MustParseEndPoint("198.51.100.9:33445"), true)))

	m.EnableRelay([]identity.ID{identity.RandomID(identity.Size256)})
	relays := m.Relays()
	require.Len(t, relays, DefaultMaxRelays)
	for _, c := range relays {
		assert.False(t, c.IsVirtual())
		assert.True(t, c.RemoteEndPoint().IsPublic())
	}

	// A dead relay is replaced on the next selection.
	relays[0].Close()
	require.Eventually(t, func() bool { return len(m.Relays()) == DefaultMaxRelays-1 },
		2*time.Second, 10*time.Millisecond)
	m.selectRelays()
	assert.Len(t, m.Relays(), DefaultMaxRelays)

	mu.Lock()
	reachable = true
	mu.Unlock()
	m.selectRelays()
	assert.Empty(t, m.Relays())

	m.DisableRelay()
	assert.Empty(t, m.Relays())
}

func TestPeerListGossip(t *testing.T) {
	received := make(chan []transport.EndPoint, 1)
	a, _ := newTestManager(t, nil)
	_, epB := newTestManager(t, func(cfg *Config) {
		cfg.OnPeersDiscovered = func(_ identity.ID, peers []transport.EndPoint) { received <- peers }
	})

	_, err := a.MakeConnection(context.Background(), epB)
	require.NoError(t, err)

	peers := []transport.EndPoint{transport.MustParseEndPoint("203.0.113.50:33445")}
	require.NoError(t, a.SendPeerList(identity.RandomID(identity.Size256), peers))
	select {
	case got := <-received:
		assert.Equal(t, peers, got)
	case <-time.After(5 * time.Second):
		t.Fatal("peer list not received")
	}
}

func TestRelayClients(t *testing.T) {
	a, _ := newTestManager(t, nil)
	r, epR := newTestManager(t, nil)

	c, err := a.MakeConnection(context.Background(), epR)
	require.NoError(t, err)
	network := identity.RandomID(identity.Size256)
	assert.Empty(t, r.RelayClients(network))

	require.NoError(t, c.SendRelayRegister([]identity.ID{network}))
	require.Eventually(t, func() bool { return len(r.RelayClients(network)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, r.GetConnection(a.cfg.LocalPeerID).RemoteEndPoint(), r.RelayClients(network)[0])
	assert.Empty(t, r.RelayClients(identity.RandomID(identity.Size256)))
}
