package mux

import (
	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

// Handler receives the events of a Connection that need a decision from the
// layer above. Accept callbacks run on their own goroutine and may block;
// the rest are called from the link reader and must return promptly.
type Handler interface {
	// AcceptChannel is called for a channel opened by the peer. The handler
	// owns ch and must Close it when done.
	AcceptChannel(c *Connection, ch *Channel)

	// AcceptVirtualConnection is called when the peer relays a tunneled
	// connection from source over ch. ch should be treated as a fresh
	// inbound stream.
	AcceptVirtualConnection(c *Connection, ch *Channel, source transport.EndPoint)

	// RouteTunnel returns the direct connection a tunnel to target should
	// be relayed through.
	RouteTunnel(target transport.EndPoint) (*Connection, error)

	// RelayRegistered and RelayUnregistered report network IDs the peer
	// asks this node to relay for.
	RelayRegistered(c *Connection, networkIDs []identity.ID)
	RelayUnregistered(c *Connection, networkIDs []identity.ID)

	// PeersReceived reports a gossiped peer list.
	PeersReceived(c *Connection, networkID identity.ID, peers []transport.EndPoint)

	// ConnectionClosed is called once when the connection is torn down.
	ConnectionClosed(c *Connection, err error)
}

// NopHandler refuses channels and tunnels and ignores everything else. It
// can be embedded to implement only part of Handler.
type NopHandler struct{}

func (NopHandler) AcceptChannel(_ *Connection, ch *Channel) { ch.Close() }

func (NopHandler) AcceptVirtualConnection(_ *Connection, ch *Channel, _ transport.EndPoint) {
	ch.Close()
}

func (NopHandler) RouteTunnel(transport.EndPoint) (*Connection, error) { return nil, ErrNoRoute }

func (NopHandler) RelayRegistered(*Connection, []identity.ID) {}

func (NopHandler) RelayUnregistered(*Connection, []identity.ID) {}

func (NopHandler) PeersReceived(*Connection, identity.ID, []transport.EndPoint) {}

func (NopHandler) ConnectionClosed(*Connection, error) {}
