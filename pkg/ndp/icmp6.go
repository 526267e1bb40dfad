package ndp

import (
	"errors"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

// PRC is the protocol control code an ICMPv6 error is reported as.
type PRC int

const (
	PRCUnreachNet PRC = iota
	PRCUnreachHost
	PRCUnreachProtocol
	PRCUnreachPort
	PRCUnreachAdmin
	PRCHostDead
	PRCMsgSize
	PRCTimeExceededTransit
	PRCTimeExceededReass
	PRCParamProb
)

func (p PRC) String() string {
	switch p {
	case PRCUnreachNet:
		return "UNREACH_NET"
	case PRCUnreachHost:
		return "UNREACH_HOST"
	case PRCUnreachProtocol:
		return "UNREACH_PROTOCOL"
	case PRCUnreachPort:
		return "UNREACH_PORT"
	case PRCUnreachAdmin:
		return "UNREACH_ADMIN"
	case PRCHostDead:
		return "HOSTDEAD"
	case PRCMsgSize:
		return "MSGSIZE"
	case PRCTimeExceededTransit:
		return "TIMXCEED_INTRANS"
	case PRCTimeExceededReass:
		return "TIMXCEED_REASS"
	case PRCParamProb:
		return "PARAMPROB"
	default:
		return "UNKNOWN"
	}
}

// ErrorPRC maps an ICMPv6 error type and code to its control code.
func ErrorPRC(typ ipv6.ICMPType, code int) (PRC, bool) {
	switch typ {
	case ipv6.ICMPTypeDestinationUnreachable:
		switch code {
		case 0:
			return PRCUnreachNet, true
		case 1:
			return PRCUnreachAdmin, true
		case 2:
			return PRCUnreachHost, true
		case 3:
			return PRCHostDead, true
		case 4:
			return PRCUnreachPort, true
		}
		return PRCUnreachNet, true
	case ipv6.ICMPTypePacketTooBig:
		return PRCMsgSize, true
	case ipv6.ICMPTypeTimeExceeded:
		if code == 1 {
			return PRCTimeExceededReass, true
		}
		return PRCTimeExceededTransit, true
	case ipv6.ICMPTypeParameterProblem:
		if code == 1 {
			return PRCUnreachProtocol, true
		}
		return PRCParamProb, true
	}
	return 0, false
}

// minICMPLen is the smallest ICMPv6 message this node accepts: the header
// plus the first word of the body.
const minICMPLen = 8

// Input processes an ICMPv6 packet delivered to this node on ifIndex.
func (e *Engine) Input(ifIndex int, pkt *ip6.Packet) {
	ifc := e.byIndex[ifIndex]
	if ifc == nil || !ifc.up {
		return
	}
	b := pkt.Payload
	e.stats.InMsgs++
	if len(b) < minICMPLen {
		e.stats.InTooShort++
		e.stats.InErrors++
		return
	}
	if !icmp6.VerifyChecksum(b, pkt.Src, pkt.Dst) {
		e.stats.InBadChecksum++
		e.stats.InErrors++
		return
	}
	typ := ipv6.ICMPType(b[0])
	e.stats.InType[b[0]]++

	if !pkt.Src.IsValid() || pkt.Src.IsUnspecified() {
		switch typ {
		case ipv6.ICMPTypeNeighborSolicitation, ipv6.ICMPTypeRouterSolicitation:
		default:
			e.stats.InBadSource++
			e.stats.InErrors++
			return
		}
	}
	if pkt.Src.IsMulticast() {
		e.stats.InBadSource++
		e.stats.InErrors++
		return
	}

	switch typ {
	case ipv6.ICMPTypeDestinationUnreachable, ipv6.ICMPTypePacketTooBig,
		ipv6.ICMPTypeTimeExceeded, ipv6.ICMPTypeParameterProblem:
		e.ctlInput(ifc, pkt, typ, int(b[1]))
	case ipv6.ICMPTypeEchoRequest:
		e.reflect(ifc, pkt)
	case ipv6.ICMPTypeEchoReply:
		e.echoReply(ifc, pkt)
	case ipv6.ICMPTypeRouterSolicitation, ipv6.ICMPTypeRouterAdvertisement,
		ipv6.ICMPTypeNeighborSolicitation, ipv6.ICMPTypeNeighborAdvertisement,
		ipv6.ICMPTypeRedirect:
		e.ndInput(ifc, pkt)
	default:
		e.stats.InUnknownType++
		e.log.Debug("ndp: unknown icmp6 type", "iface", ifc.Name, "type", typ)
	}
}

func (e *Engine) ndInput(ifc *Interface, pkt *ip6.Packet) {
	if pkt.HopLimit != NDHopLimit {
		e.stats.InBadHopLimit++
		e.stats.InErrors++
		e.log.Debug("ndp: bad hop limit", "iface", ifc.Name, "src", pkt.Src, "hlim", pkt.HopLimit)
		return
	}
	m, err := icmp6.Parse(pkt.Payload)
	if err != nil {
		switch {
		case errors.Is(err, icmp6.ErrBadOption):
			e.stats.InBadOption++
		case errors.Is(err, icmp6.ErrBadCode):
			e.stats.InBadCode++
		default:
			e.stats.InBadLength++
		}
		e.stats.InErrors++
		e.log.Debug("ndp: malformed message", "iface", ifc.Name, "src", pkt.Src, "err", err)
		return
	}

	switch m := m.(type) {
	case *icmp6.NeighborSolicitation:
		e.stats.InUnknownOption += uint64(m.Options.Unknown())
		e.handleNS(ifc, pkt, m)
	case *icmp6.NeighborAdvertisement:
		e.stats.InUnknownOption += uint64(m.Options.Unknown())
		e.handleNA(ifc, pkt, m)
	case *icmp6.RouterSolicitation:
		e.stats.InUnknownOption += uint64(m.Options.Unknown())
		e.handleRS(ifc, pkt, m)
	case *icmp6.RouterAdvertisement:
		e.stats.InUnknownOption += uint64(m.Options.Unknown())
		e.handleRA(ifc, pkt, m)
	case *icmp6.Redirect:
		e.stats.InUnknownOption += uint64(m.Options.Unknown())
		e.handleRedirect(ifc, pkt, m)
	}
}

// ctlInput records an ICMPv6 error. Errors are terminal: nothing above the
// node consumes them.
func (e *Engine) ctlInput(ifc *Interface, pkt *ip6.Packet, typ ipv6.ICMPType, code int) {
	prc, _ := ErrorPRC(typ, code)
	e.stats.CtlInput++
	var orig netip.Addr
	if inv := pkt.Payload[minICMPLen:]; len(inv) >= ip6.HeaderLen {
		orig = netip.AddrFrom16([16]byte(inv[24:40]))
	}
	e.log.Debug("ndp: icmp6 error", "iface", ifc.Name, "from", pkt.Src, "type", typ, "code", code, "prc", prc, "dst", orig)
	e.emit(ifc, EventICMPError, orig, prc.String()+" from "+pkt.Src.String())
}

// reflect answers an echo request.
func (e *Engine) reflect(ifc *Interface, pkt *ip6.Packet) {
	m, err := icmp6.ParseMessage(pkt.Payload)
	if err != nil {
		e.stats.InBadLength++
		e.stats.InErrors++
		return
	}
	echo, ok := m.Body.(*icmp.Echo)
	if !ok {
		e.stats.InBadLength++
		e.stats.InErrors++
		return
	}
	src := pkt.Dst
	if src.IsMulticast() {
		src = e.sourceFor(ifc, pkt.Src)
	}
	b, err := icmp6.MarshalEcho(ipv6.ICMPTypeEchoReply, echo.ID, echo.Seq, echo.Data, src, pkt.Src)
	if err != nil {
		e.log.Debug("ndp: echo reply marshal failed", "err", err)
		return
	}
	e.Send(ifc.Index, &ip6.Packet{
		Src:        src,
		Dst:        pkt.Src,
		NextHeader: ip6.ProtoICMPv6,
		HopLimit:   ip6.DefaultHopLimit,
		Payload:    b,
	})
}

func (e *Engine) echoReply(ifc *Interface, pkt *ip6.Packet) {
	m, err := icmp6.ParseMessage(pkt.Payload)
	if err != nil {
		e.stats.InBadLength++
		e.stats.InErrors++
		return
	}
	echo, ok := m.Body.(*icmp.Echo)
	if !ok || e.onEcho == nil {
		return
	}
	e.onEcho(EchoReply{
		IfIndex: ifc.Index,
		From:    pkt.Src,
		ID:      echo.ID,
		Seq:     echo.Seq,
		Data:    echo.Data,
		At:      e.now(),
	})
}

// Echo sends an echo request to dst. ifIndex is required for link-local
// and multicast destinations.
func (e *Engine) Echo(dst netip.Addr, ifIndex, id, seq int, data []byte) Result {
	src, ok := e.SourceAddress(dst, ifIndex)
	if !ok {
		e.stats.NoRoute++
		return Dropped
	}
	b, err := icmp6.MarshalEcho(ipv6.ICMPTypeEchoRequest, id, seq, data, src, dst)
	if err != nil {
		e.log.Debug("ndp: echo marshal failed", "err", err)
		return Dropped
	}
	return e.Send(ifIndex, &ip6.Packet{
		Src:        src,
		Dst:        dst,
		NextHeader: ip6.ProtoICMPv6,
		HopLimit:   ip6.DefaultHopLimit,
		Payload:    b,
	})
}

// Error sends an ICMPv6 error about offending, which arrived on ifIndex.
// It reports whether an error was generated.
func (e *Engine) Error(ifIndex int, offending *ip6.Packet, typ ipv6.ICMPType, code int, param uint32) bool {
	if e.suppressError(offending, typ, code) {
		e.stats.ErrorsSuppressed++
		return false
	}
	ifc := e.byIndex[ifIndex]
	if ifc == nil {
		r, ok := e.routes.Lookup(offending.Src, e.now())
		if !ok {
			e.stats.ErrorsSuppressed++
			return false
		}
		ifc = e.byIndex[r.IfIndex]
	}
	if ifc == nil || !ifc.up {
		e.stats.ErrorsSuppressed++
		return false
	}

	invoking, err := offending.Marshal()
	if err != nil {
		e.log.Debug("ndp: error marshal failed", "err", err)
		return false
	}
	if room := ip6.MinMTU - ip6.HeaderLen - minICMPLen; len(invoking) > room {
		invoking = invoking[:room]
	}
	src := e.sourceFor(ifc, offending.Src)
	b, err := icmp6.MarshalError(typ, code, param, invoking, src, offending.Src)
	if err != nil {
		e.log.Debug("ndp: error marshal failed", "err", err)
		return false
	}
	e.log.Debug("ndp: sending icmp6 error", "iface", ifc.Name, "type", typ, "code", code, "to", offending.Src)
	e.Send(ifc.Index, &ip6.Packet{
		Src:        src,
		Dst:        offending.Src,
		NextHeader: ip6.ProtoICMPv6,
		HopLimit:   ip6.DefaultHopLimit,
		Payload:    b,
	})
	return true
}

// suppressError applies the rules under which no error may be sent.
func (e *Engine) suppressError(p *ip6.Packet, typ ipv6.ICMPType, code int) bool {
	if !p.Src.IsValid() || p.Src.IsUnspecified() || p.Src.IsMulticast() {
		return true
	}
	if p.Dst.IsMulticast() {
		allowed := typ == ipv6.ICMPTypePacketTooBig ||
			(typ == ipv6.ICMPTypeParameterProblem && code == 2)
		if !allowed {
			return true
		}
	}
	if p.NextHeader == ip6.ProtoICMPv6 && len(p.Payload) > 0 {
		t := ipv6.ICMPType(p.Payload[0])
		if icmp6.IsError(t) || t == ipv6.ICMPTypeRedirect {
			return true
		}
	}
	return false
}
