// Package transport implements the network endpoint abstraction and the
// pluggable stream-connect capability used by the DHT and the connection
// layer.
//
// An EndPoint is a tagged union over IPv4, IPv6 and opaque domain-style
// addresses (.onion and similar). The same binary encoding is used inside DHT
// peer records and inside multiplexer channel IDs, so non-IP rendezvous
// addresses travel through the overlay exactly like IP endpoints.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// AddressType identifies the variant of an EndPoint.
type AddressType uint8

const (
	// AddressTypeIPv4 is a native IPv4 address and port.
	AddressTypeIPv4 AddressType = 0x01
	// AddressTypeIPv6 is a native IPv6 address and port.
	AddressTypeIPv6 AddressType = 0x02
	// AddressTypeDomain is a length-prefixed opaque host name and port.
	AddressTypeDomain AddressType = 0x03
)

// String returns a human-readable representation of the AddressType.
func (at AddressType) String() string {
	switch at {
	case AddressTypeIPv4:
		return "IPv4"
	case AddressTypeIPv6:
		return "IPv6"
	case AddressTypeDomain:
		return "Domain"
	default:
		return fmt.Sprintf("AddressType(%d)", uint8(at))
	}
}

// MaxDomainLength is the longest host name a domain endpoint may carry.
const MaxDomainLength = 255

var (
	// ErrMalformedEndPoint indicates truncated or invalid endpoint bytes.
	ErrMalformedEndPoint = errors.New("malformed endpoint")
	// ErrUnsupportedAddress indicates an address the encoding cannot carry.
	ErrUnsupportedAddress = errors.New("unsupported address")
)

// EndPoint is an immutable network endpoint. The zero value is invalid.
type EndPoint struct {
	typ  AddressType
	addr netip.Addr
	host string
	port uint16
}

// NewIPEndPoint creates an endpoint from an IP address. IPv4-mapped IPv6
// addresses are normalised to IPv4.
func NewIPEndPoint(addr netip.Addr, port uint16) EndPoint {
	addr = addr.Unmap()
	typ := AddressTypeIPv6
	if addr.Is4() {
		typ = AddressTypeIPv4
	}
	return EndPoint{typ: typ, addr: addr, port: port}
}

// NewDomainEndPoint creates an endpoint from an opaque host name such as an
// onion address. Host names that parse as IP literals become IP endpoints.
func NewDomainEndPoint(host string, port uint16) (EndPoint, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return NewIPEndPoint(addr, port), nil
	}
	if host == "" || len(host) > MaxDomainLength {
		return EndPoint{}, fmt.Errorf("%w: domain length %d", ErrUnsupportedAddress, len(host))
	}
	return EndPoint{typ: AddressTypeDomain, host: strings.ToLower(host), port: port}, nil
}

// ParseEndPoint parses "host:port", "[v6]:port" or "name.onion:port".
func ParseEndPoint(s string) (EndPoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return EndPoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return EndPoint{}, fmt.Errorf("parse endpoint %q: invalid port: %w", s, err)
	}
	return NewDomainEndPoint(host, uint16(port))
}

// MustParseEndPoint is like ParseEndPoint but panics on error.
func MustParseEndPoint(s string) EndPoint {
	ep, err := ParseEndPoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// FromNetAddr converts a TCP or UDP net.Addr. Other address kinds are
// parsed from their string form.
func FromNetAddr(addr net.Addr) (EndPoint, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return fromIP(a.IP, a.Port)
	case *net.UDPAddr:
		return fromIP(a.IP, a.Port)
	case nil:
		return EndPoint{}, fmt.Errorf("%w: nil address", ErrUnsupportedAddress)
	}
	return ParseEndPoint(addr.String())
}

func fromIP(ip net.IP, port int) (EndPoint, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return EndPoint{}, fmt.Errorf("%w: ip %v", ErrUnsupportedAddress, ip)
	}
	return NewIPEndPoint(addr, uint16(port)), nil
}

// Type returns the variant tag.
func (ep EndPoint) Type() AddressType { return ep.typ }

// IsValid reports whether ep was constructed.
func (ep EndPoint) IsValid() bool { return ep.typ != 0 }

// IsIP reports whether ep carries a native IP address.
func (ep EndPoint) IsIP() bool { return ep.typ == AddressTypeIPv4 || ep.typ == AddressTypeIPv6 }

// Addr returns the IP address; invalid for domain endpoints.
func (ep EndPoint) Addr() netip.Addr { return ep.addr }

// Host returns the host part as a string.
func (ep EndPoint) Host() string {
	if ep.IsIP() {
		return ep.addr.String()
	}
	return ep.host
}

// Port returns the port.
func (ep EndPoint) Port() uint16 { return ep.port }

// WithPort returns a copy of ep with a different port.
func (ep EndPoint) WithPort(port uint16) EndPoint {
	ep.port = port
	return ep
}

// IsOnion reports whether ep is a Tor hidden-service address.
func (ep EndPoint) IsOnion() bool {
	return ep.typ == AddressTypeDomain && strings.HasSuffix(ep.host, ".onion")
}

// IsLoopback reports whether ep is a loopback IP.
func (ep EndPoint) IsLoopback() bool {
	return ep.IsIP() && ep.addr.IsLoopback()
}

// IsPrivate reports whether ep is only reachable within a local network:
// RFC 1918 / RFC 4193 ranges, loopback and link-local addresses. Domain
// endpoints are never private.
func (ep EndPoint) IsPrivate() bool {
	if !ep.IsIP() {
		return false
	}
	a := ep.addr
	return a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsUnspecified()
}

// IsPublic reports whether ep is a globally routable IP endpoint.
func (ep EndPoint) IsPublic() bool {
	return ep.IsIP() && !ep.IsPrivate() && ep.addr.IsGlobalUnicast()
}

// Equal reports whether both endpoints are the same address and port.
func (ep EndPoint) Equal(other EndPoint) bool { return ep == other }

// String returns the "host:port" form.
func (ep EndPoint) String() string {
	if !ep.IsValid() {
		return "<invalid>"
	}
	return net.JoinHostPort(ep.Host(), strconv.Itoa(int(ep.port)))
}

// TCPAddr returns a *net.TCPAddr for IP endpoints and nil otherwise.
func (ep EndPoint) TCPAddr() *net.TCPAddr {
	if !ep.IsIP() {
		return nil
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ep.addr, ep.port))
}

// EncodedLen returns the number of bytes AppendBinary will write.
func (ep EndPoint) EncodedLen() int {
	switch ep.typ {
	case AddressTypeIPv4:
		return 1 + 4 + 2
	case AddressTypeIPv6:
		return 1 + 16 + 2
	case AddressTypeDomain:
		return 1 + 1 + len(ep.host) + 2
	}
	return 0
}

// AppendBinary appends the wire encoding of ep to b:
//
//	IPv4:   type(1) | addr(4)  | port(2)
//	IPv6:   type(1) | addr(16) | port(2)
//	Domain: type(1) | len(1) | host(len) | port(2)
func (ep EndPoint) AppendBinary(b []byte) ([]byte, error) {
	switch ep.typ {
	case AddressTypeIPv4:
		a := ep.addr.As4()
		b = append(b, byte(ep.typ))
		b = append(b, a[:]...)
	case AddressTypeIPv6:
		a := ep.addr.As16()
		b = append(b, byte(ep.typ))
		b = append(b, a[:]...)
	case AddressTypeDomain:
		b = append(b, byte(ep.typ), byte(len(ep.host)))
		b = append(b, ep.host...)
	default:
		return b, fmt.Errorf("%w: %s", ErrUnsupportedAddress, ep.typ)
	}
	return binary.BigEndian.AppendUint16(b, ep.port), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (ep EndPoint) MarshalBinary() ([]byte, error) {
	return ep.AppendBinary(make([]byte, 0, ep.EncodedLen()))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Trailing bytes are
// an error.
func (ep *EndPoint) UnmarshalBinary(data []byte) error {
	parsed, n, err := DecodeEndPoint(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedEndPoint, len(data)-n)
	}
	*ep = parsed
	return nil
}

// DecodeEndPoint decodes one endpoint from the front of data and returns the
// number of bytes consumed.
func DecodeEndPoint(data []byte) (EndPoint, int, error) {
	if len(data) < 1 {
		return EndPoint{}, 0, fmt.Errorf("%w: empty", ErrMalformedEndPoint)
	}
	switch AddressType(data[0]) {
	case AddressTypeIPv4:
		if len(data) < 7 {
			return EndPoint{}, 0, fmt.Errorf("%w: truncated IPv4", ErrMalformedEndPoint)
		}
		addr := netip.AddrFrom4([4]byte(data[1:5]))
		return NewIPEndPoint(addr, binary.BigEndian.Uint16(data[5:7])), 7, nil
	case AddressTypeIPv6:
		if len(data) < 19 {
			return EndPoint{}, 0, fmt.Errorf("%w: truncated IPv6", ErrMalformedEndPoint)
		}
		addr := netip.AddrFrom16([16]byte(data[1:17]))
		return EndPoint{typ: AddressTypeIPv6, addr: addr, port: binary.BigEndian.Uint16(data[17:19])}, 19, nil
	case AddressTypeDomain:
		if len(data) < 2 {
			return EndPoint{}, 0, fmt.Errorf("%w: truncated domain", ErrMalformedEndPoint)
		}
		n := int(data[1])
		if n == 0 || len(data) < 2+n+2 {
			return EndPoint{}, 0, fmt.Errorf("%w: truncated domain", ErrMalformedEndPoint)
		}
		host := string(data[2 : 2+n])
		port := binary.BigEndian.Uint16(data[2+n : 4+n])
		return EndPoint{typ: AddressTypeDomain, host: host, port: port}, 4 + n, nil
	}
	return EndPoint{}, 0, fmt.Errorf("%w: unknown type %d", ErrMalformedEndPoint, data[0])
}

// ReadEndPoint reads one encoded endpoint from r.
func ReadEndPoint(r io.Reader) (EndPoint, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return EndPoint{}, err
	}
	var rest int
	switch AddressType(head[0]) {
	case AddressTypeIPv4:
		rest = 6
	case AddressTypeIPv6:
		rest = 18
	case AddressTypeDomain:
		if _, err := io.ReadFull(r, head[1:2]); err != nil {
			return EndPoint{}, err
		}
		rest = int(head[1]) + 2
	default:
		return EndPoint{}, fmt.Errorf("%w: unknown type %d", ErrMalformedEndPoint, head[0])
	}
	buf := make([]byte, 0, 2+rest)
	if AddressType(head[0]) == AddressTypeDomain {
		buf = append(buf, head[:2]...)
	} else {
		buf = append(buf, head[0])
	}
	tail := make([]byte, rest)
	if _, err := io.ReadFull(r, tail); err != nil {
		return EndPoint{}, err
	}
	ep, _, err := DecodeEndPoint(append(buf, tail...))
	return ep, err
}
