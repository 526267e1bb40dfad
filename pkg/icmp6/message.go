// Package icmp6 encodes and decodes ICMPv6 Neighbor Discovery messages and
// their option chains.
package icmp6

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/ipv6"
)

// HeaderLen is the fixed ICMPv6 header: type, code, checksum.
const HeaderLen = 4

var (
	ErrTruncated = errors.New("icmp6: message truncated")
	ErrBadCode   = errors.New("icmp6: nonzero code")
	ErrNotND     = errors.New("icmp6: not a neighbor discovery message")
)

// NAFlags are the flag bits of a Neighbor Advertisement.
type NAFlags uint8

const (
	FlagRouter    NAFlags = 0x80
	FlagSolicited NAFlags = 0x40
	FlagOverride  NAFlags = 0x20
	// FlagForward marks a DAD advertisement that relays should propagate.
	// It occupies the first reserved bit and exists only in the simulator.
	FlagForward NAFlags = 0x10
)

func (f NAFlags) String() string {
	var parts []string
	if f&FlagRouter != 0 {
		parts = append(parts, "R")
	}
	if f&FlagSolicited != 0 {
		parts = append(parts, "S")
	}
	if f&FlagOverride != 0 {
		parts = append(parts, "O")
	}
	if f&FlagForward != 0 {
		parts = append(parts, "F")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// RAFlags are the M and O bits of a Router Advertisement.
type RAFlags uint8

const (
	RAManaged RAFlags = 0x80
	RAOther   RAFlags = 0x40
)

// Message is a Neighbor Discovery message body.
type Message interface {
	Type() ipv6.ICMPType
	// appendBody appends everything after the four-byte header.
	appendBody(b []byte) []byte
}

// NeighborSolicitation asks for the link-layer address of Target, or probes
// for duplicates when sent from the unspecified address.
type NeighborSolicitation struct {
	Target  netip.Addr
	Options OptionList
}

func (m *NeighborSolicitation) Type() ipv6.ICMPType { return ipv6.ICMPTypeNeighborSolicitation }

func (m *NeighborSolicitation) appendBody(b []byte) []byte {
	b = append(b, 0, 0, 0, 0)
	t := m.Target.As16()
	b = append(b, t[:]...)
	return appendOptions(b, m.Options)
}

// NeighborAdvertisement announces the link-layer address of Target.
type NeighborAdvertisement struct {
	Flags   NAFlags
	Target  netip.Addr
	Options OptionList
}

func (m *NeighborAdvertisement) Type() ipv6.ICMPType { return ipv6.ICMPTypeNeighborAdvertisement }

func (m *NeighborAdvertisement) appendBody(b []byte) []byte {
	b = append(b, byte(m.Flags), 0, 0, 0)
	t := m.Target.As16()
	b = append(b, t[:]...)
	return appendOptions(b, m.Options)
}

// RouterSolicitation prompts routers to advertise.
type RouterSolicitation struct {
	Options OptionList
}

func (m *RouterSolicitation) Type() ipv6.ICMPType { return ipv6.ICMPTypeRouterSolicitation }

func (m *RouterSolicitation) appendBody(b []byte) []byte {
	b = append(b, 0, 0, 0, 0)
	return appendOptions(b, m.Options)
}

// RouterAdvertisement carries router parameters and prefixes.
type RouterAdvertisement struct {
	CurHopLimit    uint8
	Flags          RAFlags
	RouterLifetime time.Duration
	ReachableTime  time.Duration
	RetransTimer   time.Duration
	Options        OptionList
}

func (m *RouterAdvertisement) Type() ipv6.ICMPType { return ipv6.ICMPTypeRouterAdvertisement }

func (m *RouterAdvertisement) appendBody(b []byte) []byte {
	b = append(b, m.CurHopLimit, byte(m.Flags))
	lt := m.RouterLifetime / time.Second
	if lt > 0xffff {
		lt = 0xffff
	}
	b = binary.BigEndian.AppendUint16(b, uint16(lt))
	b = binary.BigEndian.AppendUint32(b, uint32(m.ReachableTime/time.Millisecond))
	b = binary.BigEndian.AppendUint32(b, uint32(m.RetransTimer/time.Millisecond))
	return appendOptions(b, m.Options)
}

// Redirect tells a host of a better first hop for Destination.
type Redirect struct {
	Target      netip.Addr
	Destination netip.Addr
	Options     OptionList
}

func (m *Redirect) Type() ipv6.ICMPType { return ipv6.ICMPTypeRedirect }

func (m *Redirect) appendBody(b []byte) []byte {
	b = append(b, 0, 0, 0, 0)
	t := m.Target.As16()
	d := m.Destination.As16()
	b = append(b, t[:]...)
	b = append(b, d[:]...)
	return appendOptions(b, m.Options)
}

func appendOptions(b []byte, opts OptionList) []byte {
	for _, o := range opts {
		b = AppendOption(b, o)
	}
	return b
}

// Marshal encodes m with a checksum computed for the given addresses.
func Marshal(m Message, src, dst netip.Addr) []byte {
	b := make([]byte, HeaderLen, 64)
	b[0] = byte(m.Type())
	b = m.appendBody(b)
	SetChecksum(b, src, dst)
	return b
}

// minLen is the fixed length of each ND message including the header.
var minLen = map[ipv6.ICMPType]int{
	ipv6.ICMPTypeRouterSolicitation:    8,
	ipv6.ICMPTypeRouterAdvertisement:   16,
	ipv6.ICMPTypeNeighborSolicitation:  24,
	ipv6.ICMPTypeNeighborAdvertisement: 24,
	ipv6.ICMPTypeRedirect:              40,
}

// IsND reports whether typ is one of the five Neighbor Discovery types.
func IsND(typ ipv6.ICMPType) bool {
	_, ok := minLen[typ]
	return ok
}

// Parse decodes a complete ICMPv6 Neighbor Discovery message. The checksum
// is not examined.
func Parse(data []byte) (Message, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	typ := ipv6.ICMPType(data[0])
	need, ok := minLen[typ]
	if !ok {
		return nil, fmt.Errorf("%w: type %v", ErrNotND, typ)
	}
	if data[1] != 0 {
		return nil, fmt.Errorf("%w: %v code %d", ErrBadCode, typ, data[1])
	}
	if len(data) < need {
		return nil, fmt.Errorf("%w: %v needs %d bytes, have %d", ErrTruncated, typ, need, len(data))
	}
	opts, err := ParseOptions(data[need:])
	if err != nil {
		return nil, fmt.Errorf("%v: %w", typ, err)
	}

	switch typ {
	case ipv6.ICMPTypeNeighborSolicitation:
		return &NeighborSolicitation{
			Target:  netip.AddrFrom16([16]byte(data[8:24])),
			Options: opts,
		}, nil
	case ipv6.ICMPTypeNeighborAdvertisement:
		return &NeighborAdvertisement{
			Flags:   NAFlags(data[4]),
			Target:  netip.AddrFrom16([16]byte(data[8:24])),
			Options: opts,
		}, nil
	case ipv6.ICMPTypeRouterSolicitation:
		return &RouterSolicitation{Options: opts}, nil
	case ipv6.ICMPTypeRouterAdvertisement:
		return &RouterAdvertisement{
			CurHopLimit:    data[4],
			Flags:          RAFlags(data[5]),
			RouterLifetime: time.Duration(binary.BigEndian.Uint16(data[6:8])) * time.Second,
			ReachableTime:  time.Duration(binary.BigEndian.Uint32(data[8:12])) * time.Millisecond,
			RetransTimer:   time.Duration(binary.BigEndian.Uint32(data[12:16])) * time.Millisecond,
			Options:        opts,
		}, nil
	default: // redirect
		return &Redirect{
			Target:      netip.AddrFrom16([16]byte(data[8:24])),
			Destination: netip.AddrFrom16([16]byte(data[24:40])),
			Options:     opts,
		}, nil
	}
}
