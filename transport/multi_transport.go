package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Network classes a MultiDialer routes between.
const (
	NetworkIP    = "ip"
	NetworkOnion = "tor"
	NetworkName  = "dns"
)

// MultiDialer selects a Dialer by the endpoint's address format, so a single
// dialer can reach IP, onion and named endpoints through the right path.
type MultiDialer struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewMultiDialer creates a MultiDialer that dials IP and named endpoints
// directly. Onion endpoints need a registered NetworkOnion dialer.
func NewMultiDialer() *MultiDialer {
	direct := NewDirectDialer()
	return &MultiDialer{
		dialers: map[string]Dialer{
			NetworkIP:   direct,
			NetworkName: direct,
		},
	}
}

// Register sets the dialer for a network class. A nil dialer removes it.
func (md *MultiDialer) Register(network string, d Dialer) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if d == nil {
		delete(md.dialers, network)
		return
	}
	md.dialers[network] = d
	logrus.WithFields(logrus.Fields{
		"function": "MultiDialer.Register",
		"network":  network,
		"dialer":   fmt.Sprintf("%T", d),
	}).Debug("Registered dialer")
}

// NetworkOf returns the network class of ep.
func NetworkOf(ep EndPoint) string {
	switch {
	case ep.IsIP():
		return NetworkIP
	case ep.IsOnion():
		return NetworkOnion
	default:
		return NetworkName
	}
}

// Supports reports whether a dialer is registered for ep's network class.
func (md *MultiDialer) Supports(ep EndPoint) bool {
	md.mu.RLock()
	defer md.mu.RUnlock()
	_, ok := md.dialers[NetworkOf(ep)]
	return ok
}

// DialContext implements Dialer.
func (md *MultiDialer) DialContext(ctx context.Context, ep EndPoint) (net.Conn, error) {
	network := NetworkOf(ep)
	md.mu.RLock()
	d, ok := md.dialers[network]
	md.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no %s dialer for %s", ErrUnsupportedAddress, network, ep)
	}
	return d.DialContext(ctx, ep)
}
