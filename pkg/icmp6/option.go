package icmp6

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"time"
)

// OptionType is the type octet of a Neighbor Discovery option.
type OptionType uint8

const (
	OptSourceLinkAddr   OptionType = 1
	OptTargetLinkAddr   OptionType = 2
	OptPrefixInfo       OptionType = 3
	OptRedirectedHeader OptionType = 4
	OptMTU              OptionType = 5
	OptNonce            OptionType = 14
)

func (t OptionType) String() string {
	switch t {
	case OptSourceLinkAddr:
		return "source-link-addr"
	case OptTargetLinkAddr:
		return "target-link-addr"
	case OptPrefixInfo:
		return "prefix-info"
	case OptRedirectedHeader:
		return "redirected-header"
	case OptMTU:
		return "mtu"
	case OptNonce:
		return "nonce"
	default:
		return fmt.Sprintf("option(%d)", uint8(t))
	}
}

var (
	// ErrBadOption classifies every option-chain failure.
	ErrBadOption = errors.New("icmp6: malformed option")
	// ErrOptionOrder is returned when a singleton option repeats.
	ErrOptionOrder = fmt.Errorf("%w: unexpected option order", ErrBadOption)
)

// Option is one decoded element of an option chain.
type Option interface {
	Code() OptionType
	// body returns the bytes following the type and length octets,
	// before padding.
	body() []byte
}

// LinkAddrOption carries a source or target link-layer address.
type LinkAddrOption struct {
	Type OptionType
	Addr net.HardwareAddr
}

func (o *LinkAddrOption) Code() OptionType { return o.Type }
func (o *LinkAddrOption) body() []byte     { return o.Addr }

// PrefixFlags are the L and A bits of a Prefix Information option.
type PrefixFlags uint8

const (
	PrefixOnLink     PrefixFlags = 0x80
	PrefixAutonomous PrefixFlags = 0x40
)

func (f PrefixFlags) String() string {
	s := ""
	if f&PrefixOnLink != 0 {
		s += "L"
	}
	if f&PrefixAutonomous != 0 {
		s += "A"
	}
	if s == "" {
		return "-"
	}
	return s
}

// InfiniteLifetime is the all-ones lifetime.
const InfiniteLifetime = time.Duration(0xffffffff) * time.Second

// PrefixInfo is a Prefix Information option.
type PrefixInfo struct {
	Prefix            netip.Prefix
	Flags             PrefixFlags
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

func (o *PrefixInfo) Code() OptionType { return OptPrefixInfo }

func (o *PrefixInfo) body() []byte {
	b := make([]byte, 30)
	b[0] = byte(o.Prefix.Bits())
	b[1] = byte(o.Flags)
	binary.BigEndian.PutUint32(b[2:6], lifetimeSeconds(o.ValidLifetime))
	binary.BigEndian.PutUint32(b[6:10], lifetimeSeconds(o.PreferredLifetime))
	a := o.Prefix.Masked().Addr().As16()
	copy(b[14:30], a[:])
	return b
}

// MTUOption advertises the link MTU.
type MTUOption struct {
	MTU uint32
}

func (o *MTUOption) Code() OptionType { return OptMTU }

func (o *MTUOption) body() []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint32(b[2:], o.MTU)
	return b
}

// RedirectedHeader echoes the packet that triggered a Redirect.
type RedirectedHeader struct {
	Packet []byte
}

func (o *RedirectedHeader) Code() OptionType { return OptRedirectedHeader }

func (o *RedirectedHeader) body() []byte {
	return append(make([]byte, 6), o.Packet...)
}

// NonceOption identifies the originator of a DAD probe so that relayed
// copies and loopbacks can be recognised.
type NonceOption struct {
	Nonce []byte
}

func (o *NonceOption) Code() OptionType { return OptNonce }
func (o *NonceOption) body() []byte     { return o.Nonce }

// RawOption holds an option of unknown type.
type RawOption struct {
	Type OptionType
	Data []byte
}

func (o *RawOption) Code() OptionType { return o.Type }
func (o *RawOption) body() []byte     { return o.Data }

func lifetimeSeconds(d time.Duration) uint32 {
	if d >= InfiniteLifetime {
		return 0xffffffff
	}
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// AppendOption encodes o, padding it to a multiple of eight octets.
func AppendOption(b []byte, o Option) []byte {
	body := o.body()
	total := (2 + len(body) + 7) &^ 7
	b = append(b, byte(o.Code()), byte(total/8))
	b = append(b, body...)
	for i := 2 + len(body); i < total; i++ {
		b = append(b, 0)
	}
	return b
}

// Options iterates over an encoded option chain. Each step yields either an
// option or an error; iteration stops after the first error. It never reads
// past the end of b.
func Options(b []byte) iter.Seq2[Option, error] {
	return func(yield func(Option, error) bool) {
		off := 0
		for off < len(b) {
			if len(b)-off < 2 {
				yield(nil, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrBadOption, len(b)-off, off))
				return
			}
			typ := OptionType(b[off])
			n := int(b[off+1]) * 8
			if n == 0 {
				yield(nil, fmt.Errorf("%w: zero length %s at offset %d", ErrBadOption, typ, off))
				return
			}
			if n > len(b)-off {
				yield(nil, fmt.Errorf("%w: %s length %d overruns buffer at offset %d", ErrBadOption, typ, n, off))
				return
			}
			opt, err := decodeOption(typ, b[off+2:off+n])
			if err != nil {
				yield(nil, fmt.Errorf("%w at offset %d", err, off))
				return
			}
			if !yield(opt, nil) {
				return
			}
			off += n
		}
	}
}

func decodeOption(typ OptionType, body []byte) (Option, error) {
	switch typ {
	case OptSourceLinkAddr, OptTargetLinkAddr:
		return &LinkAddrOption{Type: typ, Addr: linkAddrFromBody(body)}, nil
	case OptPrefixInfo:
		if len(body) != 30 {
			return nil, fmt.Errorf("%w: prefix-info body %d bytes", ErrBadOption, len(body))
		}
		bits := int(body[0])
		if bits > 128 {
			return nil, fmt.Errorf("%w: prefix length %d", ErrBadOption, bits)
		}
		addr := netip.AddrFrom16([16]byte(body[14:30]))
		return &PrefixInfo{
			Prefix:            netip.PrefixFrom(addr, bits).Masked(),
			Flags:             PrefixFlags(body[1]),
			ValidLifetime:     time.Duration(binary.BigEndian.Uint32(body[2:6])) * time.Second,
			PreferredLifetime: time.Duration(binary.BigEndian.Uint32(body[6:10])) * time.Second,
		}, nil
	case OptMTU:
		if len(body) != 6 {
			return nil, fmt.Errorf("%w: mtu body %d bytes", ErrBadOption, len(body))
		}
		return &MTUOption{MTU: binary.BigEndian.Uint32(body[2:])}, nil
	case OptRedirectedHeader:
		return &RedirectedHeader{Packet: append([]byte(nil), body[6:]...)}, nil
	case OptNonce:
		return &NonceOption{Nonce: append([]byte(nil), body...)}, nil
	default:
		return &RawOption{Type: typ, Data: append([]byte(nil), body...)}, nil
	}
}

// linkAddrFromBody strips option padding. Six-octet bodies are Ethernet
// addresses; fourteen-octet bodies carry an EUI-64 followed by padding.
func linkAddrFromBody(body []byte) net.HardwareAddr {
	n := len(body)
	if n == 14 {
		n = 8
	}
	return append(net.HardwareAddr(nil), body[:n]...)
}

// OptionList is a decoded option chain.
type OptionList []Option

// ParseOptions decodes a whole option chain. A repeated source or target
// link-layer, MTU, nonce or redirected-header option is rejected.
func ParseOptions(b []byte) (OptionList, error) {
	var list OptionList
	var seen [256]bool
	for opt, err := range Options(b) {
		if err != nil {
			return nil, err
		}
		switch c := opt.Code(); c {
		case OptSourceLinkAddr, OptTargetLinkAddr, OptMTU, OptNonce, OptRedirectedHeader:
			if seen[c] {
				return nil, fmt.Errorf("%w: duplicate %s", ErrOptionOrder, c)
			}
			seen[c] = true
		}
		list = append(list, opt)
	}
	return list, nil
}

func (l OptionList) linkAddr(t OptionType) net.HardwareAddr {
	for _, o := range l {
		if la, ok := o.(*LinkAddrOption); ok && la.Type == t {
			return la.Addr
		}
	}
	return nil
}

// SourceLinkAddr returns the source link-layer address, or nil.
func (l OptionList) SourceLinkAddr() net.HardwareAddr { return l.linkAddr(OptSourceLinkAddr) }

// TargetLinkAddr returns the target link-layer address, or nil.
func (l OptionList) TargetLinkAddr() net.HardwareAddr { return l.linkAddr(OptTargetLinkAddr) }

// Prefixes returns every Prefix Information option in order.
func (l OptionList) Prefixes() []*PrefixInfo {
	var out []*PrefixInfo
	for _, o := range l {
		if p, ok := o.(*PrefixInfo); ok {
			out = append(out, p)
		}
	}
	return out
}

// MTU returns the advertised MTU.
func (l OptionList) MTU() (uint32, bool) {
	for _, o := range l {
		if m, ok := o.(*MTUOption); ok {
			return m.MTU, true
		}
	}
	return 0, false
}

// Nonce returns the nonce option payload, or nil.
func (l OptionList) Nonce() []byte {
	for _, o := range l {
		if n, ok := o.(*NonceOption); ok {
			return n.Nonce
		}
	}
	return nil
}

// Redirected returns the redirected-header payload, or nil.
func (l OptionList) Redirected() []byte {
	for _, o := range l {
		if r, ok := o.(*RedirectedHeader); ok {
			return r.Packet
		}
	}
	return nil
}

// Unknown counts options of unrecognised type.
func (l OptionList) Unknown() int {
	n := 0
	for _, o := range l {
		if _, ok := o.(*RawOption); ok {
			n++
		}
	}
	return n
}
