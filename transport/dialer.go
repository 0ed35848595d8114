package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// DefaultConnectTimeout bounds the initial TCP connect of a dial.
const DefaultConnectTimeout = 10 * time.Second

// Dialer opens a byte stream to an endpoint. Direct TCP, SOCKS5 and Tor
// dialing all satisfy it, so the DHT and connection layers never care which
// one is in use.
type Dialer interface {
	DialContext(ctx context.Context, ep EndPoint) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep EndPoint) (net.Conn, error)

// DialContext calls f(ctx, ep).
func (f DialerFunc) DialContext(ctx context.Context, ep EndPoint) (net.Conn, error) {
	return f(ctx, ep)
}

// DirectDialer dials IP endpoints over plain TCP.
type DirectDialer struct {
	Timeout time.Duration
}

// NewDirectDialer returns a DirectDialer with the default connect timeout.
func NewDirectDialer() *DirectDialer {
	return &DirectDialer{Timeout: DefaultConnectTimeout}
}

// DialContext implements Dialer.
func (d *DirectDialer) DialContext(ctx context.Context, ep EndPoint) (net.Conn, error) {
	if !ep.IsIP() {
		return nil, fmt.Errorf("%w: direct dial to %s", ErrUnsupportedAddress, ep)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return conn, nil
}

// ProxyConfig describes a SOCKS5 proxy.
type ProxyConfig struct {
	Host     string
	Port     uint16
	Username string
	Password string
	Timeout  time.Duration
}

// SOCKS5Dialer dials through a SOCKS5 proxy. Domain endpoints are resolved
// by the proxy, which is what Tor requires for .onion addresses.
type SOCKS5Dialer struct {
	dialer    proxy.Dialer
	proxyAddr string
	timeout   time.Duration
}

// NewSOCKS5Dialer creates a dialer that tunnels every connection through
// the proxy described by config.
func NewSOCKS5Dialer(config *ProxyConfig) (*SOCKS5Dialer, error) {
	if config == nil {
		return nil, fmt.Errorf("proxy config cannot be nil")
	}

	proxyAddr := net.JoinHostPort(config.Host, strconv.Itoa(int(config.Port)))

	var auth *proxy.Auth
	if config.Username != "" || config.Password != "" {
		auth = &proxy.Auth{
			User:     config.Username,
			Password: config.Password,
		}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "NewSOCKS5Dialer",
			"proxy_addr": proxyAddr,
			"error":      err.Error(),
		}).Error("Failed to create SOCKS5 dialer")
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewSOCKS5Dialer",
		"proxy_addr": proxyAddr,
	}).Info("SOCKS5 dialer configured")

	return &SOCKS5Dialer{dialer: dialer, proxyAddr: proxyAddr, timeout: timeout}, nil
}

// ProxyAddr returns the "host:port" of the proxy.
func (d *SOCKS5Dialer) ProxyAddr() string { return d.proxyAddr }

// DialContext implements Dialer.
func (d *SOCKS5Dialer) DialContext(ctx context.Context, ep EndPoint) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if cd, ok := d.dialer.(proxy.ContextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", ep.String())
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s via %s: %w", ep, d.proxyAddr, err)
		}
		return conn, nil
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := d.dialer.Dial("tcp", ep.String())
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("socks5 dial %s via %s: %w", ep, d.proxyAddr, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("socks5 dial %s via %s: %w", ep, d.proxyAddr, ctx.Err())
	}
}
