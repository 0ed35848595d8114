package meshnode

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/dht"
	"github.com/opd-ai/meshnode/mux"
	"github.com/opd-ai/meshnode/transport"
)

// DefaultPort is the default service port.
const DefaultPort = 33445

// Options contains configuration options for creating a Node.
type Options struct {
	// ListenAddr is the "host:port" the service listener binds. Port 0
	// picks a free port.
	ListenAddr string

	// PublicIPv4 and PublicIPv6 are the node's public addresses, as "ip" or
	// "ip:port". An empty value disables the realm. Without a port the
	// listener's port is used.
	PublicIPv4 string
	PublicIPv6 string

	// LocalDiscovery enables one DHT realm per private subnet.
	LocalDiscovery bool

	BootstrapURL   string
	BootstrapNodes []string

	// Proxy is the Tor SOCKS proxy. OnionAddress, "name.onion:port", is the
	// node's own onion service; with both set the Tor realm runs.
	Proxy        *transport.ProxyConfig
	OnionAddress string

	// Dialer, when set, opens outbound streams to IP and named endpoints
	// instead of direct TCP.
	Dialer transport.Dialer

	// SecretKey restores a saved identity. Nil generates a new one.
	SecretKey *[32]byte

	// Reachable reports whether peers can dial this node. Unreachable nodes
	// register with relays once EnableRelay is called.
	Reachable func() bool

	DHT *dht.Config
	Mux *mux.Config

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:     net.JoinHostPort("", strconv.Itoa(DefaultPort)),
		LocalDiscovery: true,
	}
}

// serviceEndPoint parses a public address option. A bare address takes the
// listener's port.
func serviceEndPoint(s string, port uint16) (transport.EndPoint, error) {
	if s == "" {
		return transport.EndPoint{}, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return transport.NewIPEndPoint(addr, port), nil
	}
	ep, err := transport.ParseEndPoint(s)
	if err != nil {
		return transport.EndPoint{}, err
	}
	if !ep.IsIP() {
		return transport.EndPoint{}, fmt.Errorf("%w: %s is not an IP address", transport.ErrUnsupportedAddress, s)
	}
	return ep, nil
}

func parseEndPoints(list []string) ([]transport.EndPoint, error) {
	eps := make([]transport.EndPoint, 0, len(list))
	for _, s := range list {
		ep, err := transport.ParseEndPoint(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
