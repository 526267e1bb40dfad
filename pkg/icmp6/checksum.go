package icmp6

import (
	"net/netip"

	"github.com/psaab/ndsim/pkg/ip6"
)

// Checksum computes the ICMPv6 checksum of msg over the IPv6 pseudo-header.
// Run over a message whose checksum field is already filled in, the result is
// zero when the checksum is correct.
func Checksum(src, dst netip.Addr, msg []byte) uint16 {
	var sum uint32

	s := src.As16()
	d := dst.As16()
	for i := 0; i < 16; i += 2 {
		sum += uint32(s[i])<<8 | uint32(s[i+1])
	}
	for i := 0; i < 16; i += 2 {
		sum += uint32(d[i])<<8 | uint32(d[i+1])
	}
	plen := uint32(len(msg))
	sum += plen >> 16
	sum += plen & 0xffff
	sum += ip6.ProtoICMPv6

	for i := 0; i < len(msg)-1; i += 2 {
		sum += uint32(msg[i])<<8 | uint32(msg[i+1])
	}
	if len(msg)%2 != 0 {
		sum += uint32(msg[len(msg)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// SetChecksum zeroes the checksum field of msg and stores the computed value.
func SetChecksum(msg []byte, src, dst netip.Addr) {
	if len(msg) < HeaderLen {
		return
	}
	msg[2], msg[3] = 0, 0
	c := Checksum(src, dst, msg)
	msg[2] = byte(c >> 8)
	msg[3] = byte(c)
}

// VerifyChecksum reports whether the checksum carried in msg is correct.
func VerifyChecksum(msg []byte, src, dst netip.Addr) bool {
	return len(msg) >= HeaderLen && Checksum(src, dst, msg) == 0
}
