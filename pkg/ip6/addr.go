package ip6

import (
	"encoding/binary"
	"net"
	"net/netip"
)

var (
	// AllNodes is the link-scope all-nodes multicast group.
	AllNodes = netip.MustParseAddr("ff02::1")
	// AllRouters is the link-scope all-routers multicast group.
	AllRouters = netip.MustParseAddr("ff02::2")
	// Unspecified is ::.
	Unspecified = netip.IPv6Unspecified()

	linkLocalPrefix = netip.MustParsePrefix("fe80::/64")
)

// SolicitedNode returns the solicited-node multicast group for a.
func SolicitedNode(a netip.Addr) netip.Addr {
	b := a.As16()
	return netip.AddrFrom16([16]byte{
		0xff, 0x02, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0x01, 0xff, b[13], b[14], b[15],
	})
}

// IsSolicitedNode reports whether a is a solicited-node multicast group.
func IsSolicitedNode(a netip.Addr) bool {
	b := a.As16()
	return b[0] == 0xff && b[1] == 0x02 && b[11] == 0x01 && b[12] == 0xff &&
		binary.BigEndian.Uint64(b[2:10]) == 0 && b[10] == 0
}

// MulticastLinkAddr maps an IPv6 multicast group to its Ethernet
// group address (33:33 followed by the low 32 bits).
func MulticastLinkAddr(a netip.Addr) net.HardwareAddr {
	b := a.As16()
	return net.HardwareAddr{0x33, 0x33, b[12], b[13], b[14], b[15]}
}

// IsMulticastLinkAddr reports whether hw is an Ethernet group address.
func IsMulticastLinkAddr(hw net.HardwareAddr) bool {
	return len(hw) > 0 && hw[0]&0x01 != 0
}

// LinkLocal returns fe80::/64 combined with the interface identifier.
func LinkLocal(iid uint64) netip.Addr {
	return WithIID(linkLocalPrefix, iid)
}

// WithIID places iid in the low 64 bits of the prefix address.
func WithIID(prefix netip.Prefix, iid uint64) netip.Addr {
	b := prefix.Masked().Addr().As16()
	binary.BigEndian.PutUint64(b[8:], iid)
	return netip.AddrFrom16(b)
}

// IID returns the low 64 bits of a.
func IID(a netip.Addr) uint64 {
	b := a.As16()
	return binary.BigEndian.Uint64(b[8:])
}

// ToNetIP converts to the net.IP form used by gopacket and x/net.
func ToNetIP(a netip.Addr) net.IP {
	b := a.As16()
	return net.IP(b[:])
}

// FromNetIP converts a 16-byte net.IP. It returns the zero Addr on failure.
func FromNetIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip.To16())
	if !ok {
		return netip.Addr{}
	}
	return a
}
