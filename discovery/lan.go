package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/transport"
)

// LAN discovery datagram: magic "MD" | version(1) | dhtPort(2).
const (
	lanMagic0      = 'M'
	lanMagic1      = 'D'
	lanVersion     = 1
	lanDatagramLen = 5

	// DefaultDiscoveryPort is the UDP port LAN announcements are sent to.
	DefaultDiscoveryPort = 41733
)

// ErrBadDatagram indicates a datagram that is not a LAN announcement.
var ErrBadDatagram = errors.New("not a discovery datagram")

// EncodeAnnouncement builds the datagram advertising dhtPort.
func EncodeAnnouncement(dhtPort uint16) []byte {
	b := []byte{lanMagic0, lanMagic1, lanVersion, 0, 0}
	binary.BigEndian.PutUint16(b[3:5], dhtPort)
	return b
}

// DecodeAnnouncement parses a datagram and returns the advertised DHT port.
func DecodeAnnouncement(b []byte) (uint16, error) {
	if len(b) != lanDatagramLen || b[0] != lanMagic0 || b[1] != lanMagic1 {
		return 0, ErrBadDatagram
	}
	if b[2] != lanVersion {
		return 0, fmt.Errorf("%w: version %d", ErrBadDatagram, b[2])
	}
	port := binary.BigEndian.Uint16(b[3:5])
	if port == 0 {
		return 0, fmt.Errorf("%w: zero port", ErrBadDatagram)
	}
	return port, nil
}

// lanTarget is one realm's announcement: where to send it and what port to
// advertise.
type lanTarget struct {
	broadcast netip.Addr
	local     transport.EndPoint
}

// LANAnnouncer broadcasts "here is my DHT port" datagrams for every local
// realm and reports announcements heard from other hosts.
type LANAnnouncer struct {
	conn     net.PacketConn
	port     uint16
	interval time.Duration
	clock    clock.Clock
	log      logrus.FieldLogger
	onPeer   func(ep transport.EndPoint)

	// recent suppresses repeated reports of the same peer within one
	// announce interval.
	recent *expirable.LRU[transport.EndPoint, struct{}]

	mu      sync.RWMutex
	targets []lanTarget

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLANAnnouncer wraps conn, which must be bound to the discovery port.
// onPeer is called for every new announcement heard.
func NewLANAnnouncer(conn net.PacketConn, port uint16, interval time.Duration, clk clock.Clock,
	log logrus.FieldLogger, onPeer func(ep transport.EndPoint),
) *LANAnnouncer {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LANAnnouncer{
		conn:     conn,
		port:     port,
		interval: interval,
		clock:    clk,
		log:      log,
		onPeer:   onPeer,
		recent:   expirable.NewLRU[transport.EndPoint, struct{}](1024, nil, interval),
		stopChan: make(chan struct{}),
	}
}

// SetTargets replaces the set of realms announced.
func (l *LANAnnouncer) SetTargets(networks []LocalNetwork, ports map[string]uint16) {
	targets := make([]lanTarget, 0, len(networks))
	for _, n := range networks {
		port, ok := ports[n.Key()]
		if !ok {
			continue
		}
		targets = append(targets, lanTarget{
			broadcast: n.Broadcast(),
			local:     transport.NewIPEndPoint(n.Addr, port),
		})
	}
	l.mu.Lock()
	l.targets = targets
	l.mu.Unlock()
}

// Start launches the broadcast and receive loops.
func (l *LANAnnouncer) Start() {
	l.wg.Add(2)
	go l.broadcastLoop()
	go l.receiveLoop()

	l.log.WithFields(logrus.Fields{
		"function": "Start",
		"port":     l.port,
	}).Info("LAN discovery started")
}

// Stop halts both loops and closes the socket.
func (l *LANAnnouncer) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		err = l.conn.Close()
		l.wg.Wait()
		l.log.WithField("function", "Stop").Debug("LAN discovery stopped")
	})
	return err
}

func (l *LANAnnouncer) broadcastLoop() {
	defer l.wg.Done()

	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()

	l.broadcast()
	for {
		select {
		case <-ticker.C:
			l.broadcast()
		case <-l.stopChan:
			return
		}
	}
}

func (l *LANAnnouncer) broadcast() {
	l.mu.RLock()
	targets := l.targets
	l.mu.RUnlock()

	for _, t := range targets {
		addr := &net.UDPAddr{IP: t.broadcast.AsSlice(), Port: int(l.port)}
		if _, err := l.conn.WriteTo(EncodeAnnouncement(t.local.Port()), addr); err != nil {
			l.log.WithFields(logrus.Fields{
				"function": "broadcast",
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Debug("Failed to send LAN announcement")
		}
	}
}

func (l *LANAnnouncer) receiveLoop() {
	defer l.wg.Done()

	buffer := make([]byte, 64)
	for {
		n, addr, err := l.conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-l.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		l.handleDatagram(buffer[:n], addr)
	}
}

func (l *LANAnnouncer) handleDatagram(data []byte, addr net.Addr) {
	port, err := DecodeAnnouncement(data)
	if err != nil {
		return
	}
	src, err := transport.FromNetAddr(addr)
	if err != nil || !src.IsIP() {
		return
	}
	peer := src.WithPort(port)

	l.mu.RLock()
	for _, t := range l.targets {
		if t.local == peer {
			l.mu.RUnlock()
			return
		}
	}
	l.mu.RUnlock()

	if l.recent.Contains(peer) {
		return
	}
	l.recent.Add(peer, struct{}{})

	l.log.WithFields(logrus.Fields{
		"function": "handleDatagram",
		"peer":     peer.String(),
	}).Debug("Heard LAN announcement")
	if l.onPeer != nil {
		l.onPeer(peer)
	}
}
