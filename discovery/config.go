package discovery

import (
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/dht"
	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// Default intervals.
const (
	DefaultBootstrapRetryInterval = time.Minute
	DefaultInterfacePollInterval  = 30 * time.Second
	DefaultLANAnnounceInterval    = 30 * time.Second
)

// Config holds configuration for the realm coordinator.
type Config struct {
	// ServicePort is the port of the node's connection listener. It is the
	// default announced port in every realm.
	ServicePort uint16

	// IPv4EndPoint and IPv6EndPoint are the public endpoints of the service
	// listener. A zero endpoint disables the realm.
	IPv4EndPoint transport.EndPoint
	IPv6EndPoint transport.EndPoint

	// TorEndPoint is the node's onion service endpoint and TorDialer the
	// SOCKS dialer that reaches other onion services. Both are required
	// for the Tor realm.
	TorEndPoint transport.EndPoint
	TorDialer   transport.Dialer

	// LocalNetworks enables one realm per private subnet.
	LocalNetworks bool

	// BootstrapURL serves a text list of bootstrap endpoints.
	BootstrapURL   string
	BootstrapNodes []transport.EndPoint

	BootstrapRetryInterval time.Duration
	InterfacePollInterval  time.Duration
	LANAnnounceInterval    time.Duration
	DiscoveryPort          uint16

	// Network dials internet realm contacts. LANNetwork dials local realm
	// contacts, whose DHT listeners carry no stream preamble.
	Network    transport.Dialer
	LANNetwork transport.Dialer

	// DHT is the template for every realm's engine. Realm, Network,
	// LocalEndPoint and TrustClaimedAddress are set per realm.
	DHT *dht.Config

	Interfaces   InterfaceLister
	HTTPClient   *http.Client
	Listen       func(network, address string) (net.Listener, error)
	ListenPacket func(network, address string) (net.PacketConn, error)

	// OnPeersDiscovered is called with the peers found by Announce and
	// FindPeers.
	OnPeersDiscovered func(networkID identity.ID, peers []transport.EndPoint)

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// DefaultConfig returns a configuration with only the LAN realms enabled.
func DefaultConfig() *Config {
	return &Config{
		LocalNetworks:          true,
		BootstrapRetryInterval: DefaultBootstrapRetryInterval,
		InterfacePollInterval:  DefaultInterfacePollInterval,
		LANAnnounceInterval:    DefaultLANAnnounceInterval,
		DiscoveryPort:          DefaultDiscoveryPort,
		DHT:                    dht.DefaultConfig(),
	}
}

func (cfg *Config) withDefaults() *Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	def := DefaultConfig()
	if c.BootstrapRetryInterval <= 0 {
		c.BootstrapRetryInterval = def.BootstrapRetryInterval
	}
	if c.InterfacePollInterval <= 0 {
		c.InterfacePollInterval = def.InterfacePollInterval
	}
	if c.LANAnnounceInterval <= 0 {
		c.LANAnnounceInterval = def.LANAnnounceInterval
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = def.DiscoveryPort
	}
	if c.DHT == nil {
		c.DHT = def.DHT
	}
	if c.Network == nil {
		c.Network = transport.NewDirectDialer()
	}
	if c.LANNetwork == nil {
		c.LANNetwork = transport.NewDirectDialer()
	}
	if c.Interfaces == nil {
		c.Interfaces = SystemInterfaces{}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Listen == nil {
		c.Listen = net.Listen
	}
	if c.ListenPacket == nil {
		c.ListenPacket = net.ListenPacket
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return &c
}
