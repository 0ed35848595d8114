package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkOf(t *testing.T) {
	assert.Equal(t, NetworkIP, NetworkOf(MustParseEndPoint("192.0.2.1:1")))
	assert.Equal(t, NetworkIP, NetworkOf(MustParseEndPoint("[2001:db8::1]:1")))
	assert.Equal(t, NetworkOnion, NetworkOf(MustParseEndPoint("abcdefghijklmnop.onion:1")))
	assert.Equal(t, NetworkName, NetworkOf(MustParseEndPoint("seed.example.org:1")))
}

func TestMultiDialerRoutesByNetwork(t *testing.T) {
	var dialed []string
	fake := func(name string) Dialer {
		return DialerFunc(func(_ context.Context, ep EndPoint) (net.Conn, error) {
			dialed = append(dialed, name+" "+ep.String())
			a, b := net.Pipe()
			b.Close()
			return a, nil
		})
	}

	md := NewMultiDialer()
	onion := MustParseEndPoint("abcdefghijklmnop.onion:9000")
	assert.False(t, md.Supports(onion))
	_, err := md.DialContext(context.Background(), onion)
	assert.ErrorIs(t, err, ErrUnsupportedAddress)

	md.Register(NetworkOnion, fake("tor"))
	md.Register(NetworkIP, fake("ip"))
	assert.True(t, md.Supports(onion))

	conn, err := md.DialContext(context.Background(), onion)
	require.NoError(t, err)
	conn.Close()
	conn, err = md.DialContext(context.Background(), MustParseEndPoint("192.0.2.1:33445"))
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, []string{"tor abcdefghijklmnop.onion:9000", "ip 192.0.2.1:33445"}, dialed)

	md.Register(NetworkOnion, nil)
	assert.False(t, md.Supports(onion))
}
