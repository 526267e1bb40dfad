package ndp

import (
	"bytes"
	"net"
	"net/netip"

	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

// ndPacket wraps an ND message in an IPv6 packet with hop limit 255.
func (e *Engine) ndPacket(m icmp6.Message, src, dst netip.Addr) *ip6.Packet {
	return &ip6.Packet{
		Src:        src,
		Dst:        dst,
		NextHeader: ip6.ProtoICMPv6,
		HopLimit:   NDHopLimit,
		Payload:    icmp6.Marshal(m, src, dst),
		Created:    e.now(),
	}
}

func (e *Engine) countOut(pkt *ip6.Packet) {
	if pkt.NextHeader != ip6.ProtoICMPv6 || len(pkt.Payload) == 0 {
		return
	}
	e.stats.OutMsgs++
	e.stats.OutType[pkt.Payload[0]]++
	if icmp6.IsError(ipv6.ICMPType(pkt.Payload[0])) {
		e.stats.OutErrors++
	}
}

// Send is the node's outbound path for locally generated packets.
func (e *Engine) Send(ifIndex int, pkt *ip6.Packet) Result {
	if pkt.Created == 0 {
		pkt.Created = e.now()
	}
	e.countOut(pkt)
	return e.ResolveAndSend(pkt, ifIndex)
}

// transmit sends a locally generated packet straight to lladdr.
func (e *Engine) transmit(ifc *Interface, pkt *ip6.Packet, lladdr net.HardwareAddr) Result {
	e.countOut(pkt)
	return e.output(ifc, pkt, lladdr)
}

// sendNS emits a resolution or probe solicitation for n.
func (e *Engine) sendNS(ifc *Interface, n *NeighborEntry) {
	m := &icmp6.NeighborSolicitation{
		Target: n.Addr,
		Options: icmp6.OptionList{
			&icmp6.LinkAddrOption{Type: icmp6.OptSourceLinkAddr, Addr: e.linkAddr(ifc)},
		},
	}
	src := e.sourceFor(ifc, n.Addr)
	if n.State == StateProbing && n.LinkAddr != nil {
		e.transmit(ifc, e.ndPacket(m, src, n.Addr), n.LinkAddr)
		return
	}
	dst := ip6.SolicitedNode(n.Addr)
	e.transmit(ifc, e.ndPacket(m, src, dst), ip6.MulticastLinkAddr(dst))
}

// sendNA advertises target to dst.
func (e *Engine) sendNA(ifc *Interface, target, dst netip.Addr, flags icmp6.NAFlags) {
	if e.link.Forwarding() {
		flags |= icmp6.FlagRouter
	}
	m := &icmp6.NeighborAdvertisement{
		Flags:  flags,
		Target: target,
		Options: icmp6.OptionList{
			&icmp6.LinkAddrOption{Type: icmp6.OptTargetLinkAddr, Addr: e.linkAddr(ifc)},
		},
	}
	e.Send(ifc.Index, e.ndPacket(m, target, dst))
}

func (e *Engine) handleNS(ifc *Interface, pkt *ip6.Packet, m *icmp6.NeighborSolicitation) {
	if m.Target.IsMulticast() {
		e.stats.InErrors++
		return
	}
	slla := m.Options.SourceLinkAddr()
	if pkt.Src.IsUnspecified() {
		if !ip6.IsSolicitedNode(pkt.Dst) || slla != nil {
			e.stats.InErrors++
			return
		}
		e.dadInputNS(ifc, pkt, m)
		return
	}

	if slla != nil {
		e.confirmNeighbor(ifc, pkt.Src, slla)
	}
	if !ifc.ownAddress(m.Target) {
		return
	}
	e.log.Debug("ndp: answering solicitation", "iface", ifc.Name, "target", m.Target, "from", pkt.Src)
	e.sendNA(ifc, m.Target, pkt.Src, icmp6.FlagSolicited|icmp6.FlagOverride)
}

func (e *Engine) handleNA(ifc *Interface, pkt *ip6.Packet, m *icmp6.NeighborAdvertisement) {
	if m.Target.IsMulticast() || (pkt.Dst.IsMulticast() && m.Flags&icmp6.FlagSolicited != 0) {
		e.stats.InErrors++
		return
	}
	if e.dadInputNA(ifc, pkt, m) {
		return
	}

	tlla := m.Options.TargetLinkAddr()
	n := ifc.neighbors.Lookup(m.Target)
	if n == nil && (tlla == nil || m.Flags&icmp6.FlagSolicited == 0) {
		return
	}
	if n != nil && n.LinkAddr != nil && tlla != nil && !bytes.Equal(n.LinkAddr, tlla) &&
		m.Flags&icmp6.FlagOverride == 0 && n.State != StateIncomplete {
		return
	}
	if n = e.confirmNeighbor(ifc, m.Target, tlla); n != nil && n.State != StateBuiltin {
		n.IsRouter = m.Flags&icmp6.FlagRouter != 0
	}
}

func (e *Engine) handleRedirect(ifc *Interface, pkt *ip6.Packet, m *icmp6.Redirect) {
	valid := pkt.Src.IsLinkLocalUnicast() &&
		!m.Destination.IsMulticast() &&
		(m.Target.IsLinkLocalUnicast() || m.Target == m.Destination)
	if !valid {
		e.stats.InErrors++
		return
	}
	if tlla := m.Options.TargetLinkAddr(); tlla != nil {
		if n := ifc.neighbors.Lookup(m.Target); n != nil && n.State != StateBuiltin {
			ifc.neighbors.LookupOrCreate(m.Target, tlla)
		}
	}
	// Route changes from redirects are not applied.
	e.stats.RedirectIgnored++
	e.log.Debug("ndp: redirect ignored", "iface", ifc.Name, "dst", m.Destination, "target", m.Target)
	e.emit(ifc, EventRedirect, m.Destination, m.Target.String())
}

// Redirect tells the on-link sender of offending, which arrived on ifIndex,
// that target is a better first hop for its destination.
func (e *Engine) Redirect(ifIndex int, offending *ip6.Packet, target netip.Addr) {
	ifc := e.byIndex[ifIndex]
	if ifc == nil || !ifc.up || ifc.ac.state == StateTentative {
		return
	}
	if !offending.Src.IsValid() || offending.Src.IsUnspecified() || offending.Src.IsMulticast() {
		return
	}
	m := &icmp6.Redirect{Target: target, Destination: offending.Dst}
	if n := ifc.neighbors.Lookup(target); n != nil && n.LinkAddr != nil {
		m.Options = append(m.Options, &icmp6.LinkAddrOption{Type: icmp6.OptTargetLinkAddr, Addr: n.LinkAddr})
	}
	raw, err := offending.Marshal()
	if err != nil {
		e.log.Debug("ndp: redirect marshal failed", "err", err)
		return
	}
	// Fixed header, options so far and the redirected header's own eight
	// bytes must fit in the minimum MTU alongside the IPv6 header.
	room := ip6.MinMTU - ip6.HeaderLen - 40 - 8
	for _, o := range m.Options {
		if la, ok := o.(*icmp6.LinkAddrOption); ok {
			room -= (len(la.Addr) + 2 + 7) &^ 7
		}
	}
	if len(raw) > room {
		raw = raw[:room&^7]
	}
	m.Options = append(m.Options, &icmp6.RedirectedHeader{Packet: raw})
	e.Send(ifc.Index, e.ndPacket(m, ifc.ac.linkLocal, offending.Src))
}
