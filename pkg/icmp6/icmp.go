package icmp6

import (
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/ip6"
)

func pseudoHeader(src, dst netip.Addr) []byte {
	return icmp.IPv6PseudoHeader(ip6.ToNetIP(src), ip6.ToNetIP(dst))
}

// MarshalEcho encodes an echo request or reply.
func MarshalEcho(typ ipv6.ICMPType, id, seq int, data []byte, src, dst netip.Addr) ([]byte, error) {
	m := icmp.Message{
		Type: typ,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}
	b, err := m.Marshal(pseudoHeader(src, dst))
	if err != nil {
		return nil, fmt.Errorf("marshal %v: %w", typ, err)
	}
	return b, nil
}

// MarshalError encodes an ICMPv6 error carrying the invoking packet. param
// is the MTU for packet-too-big and the pointer for parameter-problem.
func MarshalError(typ ipv6.ICMPType, code int, param uint32, invoking []byte, src, dst netip.Addr) ([]byte, error) {
	var body icmp.MessageBody
	switch typ {
	case ipv6.ICMPTypeDestinationUnreachable:
		body = &icmp.DstUnreach{Data: invoking}
	case ipv6.ICMPTypePacketTooBig:
		body = &icmp.PacketTooBig{MTU: int(param), Data: invoking}
	case ipv6.ICMPTypeTimeExceeded:
		body = &icmp.TimeExceeded{Data: invoking}
	case ipv6.ICMPTypeParameterProblem:
		body = &icmp.ParamProb{Pointer: uintptr(param), Data: invoking}
	default:
		return nil, fmt.Errorf("%v is not an error type", typ)
	}
	m := icmp.Message{Type: typ, Code: code, Body: body}
	b, err := m.Marshal(pseudoHeader(src, dst))
	if err != nil {
		return nil, fmt.Errorf("marshal %v: %w", typ, err)
	}
	return b, nil
}

// ParseMessage decodes a non-ND ICMPv6 message body.
func ParseMessage(data []byte) (*icmp.Message, error) {
	m, err := icmp.ParseMessage(ip6.ProtoICMPv6, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return m, nil
}

// IsError reports whether typ is in the ICMPv6 error range.
func IsError(typ ipv6.ICMPType) bool {
	return typ < 128
}
