package connmgr

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

// Defaults.
const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultRelayRefreshInterval = 5 * time.Minute
	DefaultDialBackoff          = time.Minute
	DefaultMaxRelays            = 3
)

// Announcer publishes this node under a network ID. The discovery manager
// implements it.
type Announcer interface {
	Announce(ctx context.Context, networkID identity.ID, service *transport.EndPoint) ([]transport.EndPoint, error)
}

// Config holds configuration for the connection manager.
type Config struct {
	// LocalPeerID is this node's peer ID, sent in every handshake.
	LocalPeerID identity.ID
	// ServicePort is the port of the listener, sent in every handshake so
	// the peer can record a dialable endpoint.
	ServicePort uint16

	// ListenAddr, when set, is bound by Start. Listen defaults to
	// net.Listen.
	ListenAddr string
	Listen     func(network, address string) (net.Listener, error)

	// Dialer opens outbound streams. ConnectTimeout bounds a dial.
	Dialer         transport.Dialer
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds preamble and handshake exchange.
	HandshakeTimeout time.Duration

	Mux *mux.Config

	// DHTHandler serves inbound DHT streams. Without it they are refused.
	DHTHandler func(conn net.Conn) error

	// Announcer announces network IDs this node relays for.
	Announcer Announcer

	// ChannelAcceptor receives channels opened by peers. Without it they
	// are closed.
	ChannelAcceptor func(c *mux.Connection, ch *mux.Channel)

	// OnConnection is called for every link added to the directory.
	OnConnection func(c *mux.Connection)

	// OnPeersDiscovered receives gossiped peer lists.
	OnPeersDiscovered func(networkID identity.ID, peers []transport.EndPoint)

	// Reachable reports whether this node accepts inbound connections.
	// Reachable nodes do not register with relays.
	Reachable func() bool

	RelayRefreshInterval time.Duration
	MaxRelays            int
	DialBackoff          time.Duration

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// DefaultConfig returns a configuration with default timings. LocalPeerID
// must still be set.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:       transport.DefaultConnectTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		RelayRefreshInterval: DefaultRelayRefreshInterval,
		MaxRelays:            DefaultMaxRelays,
		DialBackoff:          DefaultDialBackoff,
	}
}

func (cfg *Config) withDefaults() *Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.RelayRefreshInterval <= 0 {
		c.RelayRefreshInterval = def.RelayRefreshInterval
	}
	if c.MaxRelays <= 0 {
		c.MaxRelays = def.MaxRelays
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = def.DialBackoff
	}
	if c.Listen == nil {
		c.Listen = net.Listen
	}
	if c.Dialer == nil {
		c.Dialer = transport.NewDirectDialer()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	mc := mux.DefaultConfig()
	if c.Mux != nil {
		*mc = *c.Mux
	}
	if mc.Clock == nil {
		mc.Clock = c.Clock
	}
	if mc.Logger == nil {
		mc.Logger = c.Logger
	}
	c.Mux = mc
	return &c
}
