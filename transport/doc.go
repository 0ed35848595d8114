// Package transport provides the addressing and stream-dialing layer of the
// overlay.
//
// # Endpoints
//
// EndPoint is a tagged union of an IPv4 address, an IPv6 address or an
// opaque host name such as an onion service, plus a port. The same binary
// encoding is used in DHT peer records and in multiplexer channel IDs, where
// a 32-byte channel ID names the target of a tunnel:
//
//	ep := transport.MustParseEndPoint("203.0.113.7:33445")
//	id, err := transport.EndPointToChannelID(ep)
//
// Endpoints are comparable and safe to use as map keys.
//
// # Dialing
//
// Everything that opens an outbound stream goes through the Dialer
// interface, so the DHT and the connection manager do not care whether a
// stream is a direct TCP connection, a SOCKS5 proxy connection or a Tor
// circuit:
//
//	md := transport.NewMultiDialer()
//	socks, err := transport.NewSOCKS5Dialer(&transport.ProxyConfig{Host: "127.0.0.1", Port: 9050})
//	md.Register(transport.NetworkOnion, socks)
//
// Every stream to a node's service port starts with a one-byte preamble
// (PreambleDHT or PreambleConnection). PreambleDialer writes it.
package transport
