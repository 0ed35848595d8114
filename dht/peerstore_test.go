package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/meshnode/identity"
	"github.com/opd-ai/meshnode/transport"
)

func TestPeerStoreExpiry(t *testing.T) {
	clk := clock.NewMock()
	store := NewPeerStore(900*time.Second, 30, clk)
	network := identity.RandomID(identity.Size256)
	ep := transport.MustParseEndPoint("198.51.100.20:4000")

	store.Add(network, ep)
	assert.Equal(t, []transport.EndPoint{ep}, store.Get(network))

	clk.Add(899 * time.Second)
	assert.Equal(t, []transport.EndPoint{ep}, store.Get(network))

	clk.Add(2 * time.Second)
	assert.Empty(t, store.Get(network))
	assert.Equal(t, 1, store.Prune())
	assert.Equal(t, 0, store.Networks())
}

func TestPeerStoreRefresh(t *testing.T) {
	clk := clock.NewMock()
	store := NewPeerStore(900*time.Second, 30, clk)
	network := identity.RandomID(identity.Size256)
	ep := transport.MustParseEndPoint("abcdef.onion:80")

	store.Add(network, ep)
	clk.Add(600 * time.Second)
	store.Add(network, ep)
	clk.Add(600 * time.Second)

	assert.Equal(t, []transport.EndPoint{ep}, store.Get(network))
	assert.Equal(t, 0, store.Prune())
}

func TestPeerStoreSampleCap(t *testing.T) {
	clk := clock.NewMock()
	store := NewPeerStore(900*time.Second, 30, clk)
	network := identity.RandomID(identity.Size256)

	for i := 0; i < 50; i++ {
		store.Add(network, testEndPoint(i))
	}

	got := store.Get(network)
	assert.Len(t, got, 30)
	unique := make(map[transport.EndPoint]bool)
	for _, ep := range got {
		unique[ep] = true
	}
	assert.Len(t, unique, 30)

	assert.Empty(t, store.Get(identity.RandomID(identity.Size256)))
}
