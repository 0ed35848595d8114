package mux

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// RequestTunnel asks the peer to relay a connection to target. The returned
// channel is the raw stream to target; the caller runs the connection
// handshake over it. Tunneling through a virtual connection is refused.
func (c *Connection) RequestTunnel(target transport.EndPoint) (*Channel, error) {
	if c.info.Virtual {
		return nil, newFrameError("tunnel", identity.ID{}, ErrNestedTunnel)
	}
	id, err := transport.EndPointToChannelID(target)
	if err != nil {
		return nil, err
	}
	return c.openChannel(id, SignalOpenTunnel, KindTunnel)
}

// OpenVirtualChannel opens a channel that the peer will treat as an inbound
// connection from source.
func (c *Connection) OpenVirtualChannel(source transport.EndPoint) (*Channel, error) {
	id, err := transport.EndPointToChannelID(source)
	if err != nil {
		return nil, err
	}
	return c.openChannel(id, SignalOpenVirtualConnection, KindVirtual)
}

// handleOpenTunnel serves a tunnel request from the peer. The relay is
// established off the reader goroutine.
func (c *Connection) handleOpenTunnel(id identity.ID) {
	log := c.log.WithFields(logrus.Fields{
		"function": "handleOpenTunnel",
		"channel":  id.ShortString(),
	})
	if c.info.Virtual {
		log.Debug("Refusing tunnel over a virtual connection")
		c.sendAsync(SignalDisconnectChannel, id)
		return
	}
	target, err := transport.ChannelIDToEndPoint(id)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Refusing tunnel with undecodable target")
		c.sendAsync(SignalDisconnectChannel, id)
		return
	}
	ch := c.acceptChannel(id, KindTunnel)
	if ch == nil {
		return
	}
	go c.relayTunnel(ch, target)
}

func (c *Connection) relayTunnel(ch *Channel, target transport.EndPoint) {
	log := c.log.WithFields(logrus.Fields{
		"function": "relayTunnel",
		"target":   target.String(),
	})

	route, err := c.handler.RouteTunnel(target)
	if err == nil {
		switch {
		case route == nil || route == c:
			err = ErrNoRoute
		case route.IsVirtual():
			err = ErrNestedTunnel
		}
	}
	if err != nil {
		log.WithField("error", err.Error()).Debug("Tunnel refused")
		ch.Close()
		return
	}

	vch, err := route.OpenVirtualChannel(c.info.RemoteEndPoint)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Failed to open virtual channel")
		ch.Close()
		return
	}
	log.Debug("Tunnel established")
	Splice(ch, vch)
}

// Splice copies between a and b in both directions until either side ends,
// then closes both.
func Splice(a, b io.ReadWriteCloser) {
	pipe := func(dst, src io.ReadWriteCloser) {
		io.Copy(dst, src)
		dst.Close()
		src.Close()
	}
	go pipe(a, b)
	go pipe(b, a)
}
