package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/wlynxg/anet"

	"github.com/opd-ai/meshnode/transport"
)

// Interface is one host network interface with its addresses.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Prefixes []netip.Prefix
}

// InterfaceLister enumerates the host's network interfaces.
type InterfaceLister interface {
	Interfaces() ([]Interface, error)
}

// InterfaceListerFunc adapts a function to the InterfaceLister interface.
type InterfaceListerFunc func() ([]Interface, error)

// Interfaces calls f().
func (f InterfaceListerFunc) Interfaces() ([]Interface, error) { return f() }

// SystemInterfaces lists interfaces through anet, which also works on
// platforms where the standard library cannot read interface addresses.
type SystemInterfaces struct{}

// Interfaces implements InterfaceLister.
func (SystemInterfaces) Interfaces() ([]Interface, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	out := make([]Interface, 0, len(ifaces))
	for i := range ifaces {
		iface := ifaces[i]
		addrs, err := anet.InterfaceAddrsByInterface(&iface)
		if err != nil {
			continue
		}
		entry := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			ones, _ := ipnet.Mask.Size()
			if addr.Is4() && ones > 32 {
				ones -= 96
			}
			entry.Prefixes = append(entry.Prefixes, netip.PrefixFrom(addr, ones))
		}
		out = append(out, entry)
	}
	return out, nil
}

// LocalNetwork is a private IPv4 subnet the host is attached to. Each one
// becomes its own DHT realm.
type LocalNetwork struct {
	Interface string
	// Addr is the host's address on the subnet.
	Addr netip.Addr
	// Prefix is the masked subnet.
	Prefix netip.Prefix
}

// Key identifies the network across interface polls.
func (n LocalNetwork) Key() string { return n.Prefix.String() + "@" + n.Addr.String() }

// Broadcast returns the subnet's directed broadcast address.
func (n LocalNetwork) Broadcast() netip.Addr {
	a := n.Prefix.Addr().As4()
	host := 32 - n.Prefix.Bits()
	for i := 0; i < host; i++ {
		a[3-i/8] |= 1 << (i % 8)
	}
	return netip.AddrFrom4(a)
}

// Contains reports whether addr is on this subnet.
func (n LocalNetwork) Contains(addr netip.Addr) bool { return n.Prefix.Contains(addr.Unmap()) }

// PrivateNetworks selects the subnets that qualify as local realms: up,
// non-loopback interfaces with a private IPv4 address. The result is sorted
// by key.
func PrivateNetworks(ifaces []Interface) []LocalNetwork {
	var out []LocalNetwork
	seen := make(map[string]bool)
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, p := range iface.Prefixes {
			addr := p.Addr()
			if !addr.Is4() || p.Bits() <= 0 || p.Bits() >= 31 {
				continue
			}
			ep := transport.NewIPEndPoint(addr, 0)
			if !ep.IsPrivate() || ep.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
				continue
			}
			n := LocalNetwork{Interface: iface.Name, Addr: addr, Prefix: p.Masked()}
			if seen[n.Key()] {
				continue
			}
			seen[n.Key()] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
