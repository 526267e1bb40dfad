package netsim

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/ip6"
	"github.com/psaab/ndsim/pkg/ndp"
)

// Node is a simulated host or router. It implements ndp.Link for its
// engine.
type Node struct {
	Name string

	id         uint32
	forwarding bool
	redirects  bool
	net        *Network
	engine     *ndp.Engine
	ports      []*Port
	byIndex    map[int]*Port
	log        *slog.Logger

	pings  map[int]*Ping
	pingID int

	stats NodeStats
}

// NodeStats counts IPv6 layer events outside the ndp engine.
type NodeStats struct {
	Received         uint64
	Filtered         uint64
	Delivered        uint64
	Forwarded        uint64
	NotForwarding    uint64
	HopLimitExceeded uint64
	TooBig           uint64
	NoRoute          uint64
	BeyondScope      uint64
	UnknownProtocol  uint64
	Redirects        uint64
}

// Each calls fn for every counter in a fixed order.
func (s *NodeStats) Each(fn func(name string, v uint64)) {
	fn("ip6.in.receives", s.Received)
	fn("ip6.in.filtered", s.Filtered)
	fn("ip6.in.delivers", s.Delivered)
	fn("ip6.forward.datagrams", s.Forwarded)
	fn("ip6.forward.disabled", s.NotForwarding)
	fn("ip6.forward.hop_limit_exceeded", s.HopLimitExceeded)
	fn("ip6.forward.too_big", s.TooBig)
	fn("ip6.forward.no_route", s.NoRoute)
	fn("ip6.forward.beyond_scope", s.BeyondScope)
	fn("ip6.in.unknown_protocol", s.UnknownProtocol)
	fn("ip6.forward.redirects", s.Redirects)
}

// ID is the node id carried in DAD nonces.
func (n *Node) ID() uint32 { return n.id }

// Engine returns the node's protocol engine.
func (n *Node) Engine() *ndp.Engine { return n.engine }

// Stats returns the IPv6 layer counters.
func (n *Node) Stats() *NodeStats { return &n.stats }

// ResetStats zeroes the IPv6 layer and protocol counters.
func (n *Node) ResetStats() {
	n.stats = NodeStats{}
	n.engine.Stats().Reset()
}

// Now returns the current simulated time.
func (n *Node) Now() time.Duration { return n.net.sched.Now() }

// Ports returns the node's interfaces in index order.
func (n *Node) Ports() []*Port { return append([]*Port(nil), n.ports...) }

// PortByName returns the named interface.
func (n *Node) PortByName(name string) (*Port, bool) {
	for _, p := range n.ports {
		if p.name == name {
			return p, true
		}
	}
	return nil, false
}

// SetRedirects enables redirects when forwarding back out the arrival
// interface.
func (n *Node) SetRedirects(on bool) { n.redirects = on }

// Attach connects a new interface to link. cfg.Index is assigned here; a
// nil mac selects one derived from the node id.
func (n *Node) Attach(link *Link, cfg ndp.InterfaceConfig, mac net.HardwareAddr) (*Port, error) {
	if n.net.started {
		return nil, fmt.Errorf("netsim: node %s: attach after start", n.Name)
	}
	cfg.Index = len(n.ports) + 1
	if cfg.MTU == 0 {
		cfg.MTU = link.MTU
	}
	if mac == nil {
		mac = defaultMAC(n.id, cfg.Index)
	}
	if err := n.engine.AddInterface(cfg); err != nil {
		return nil, fmt.Errorf("netsim: node %s: %w", n.Name, err)
	}
	p := &Port{
		node:    n,
		link:    link,
		ifIndex: cfg.Index,
		name:    cfg.Name,
		mac:     mac,
		up:      true,
	}
	n.ports = append(n.ports, p)
	n.byIndex[p.ifIndex] = p
	link.ports = append(link.ports, p)
	return p, nil
}

// NodeID implements ndp.Link.
func (n *Node) NodeID() uint32 { return n.id }

// Forwarding implements ndp.Link.
func (n *Node) Forwarding() bool { return n.forwarding }

// LinkAddress implements ndp.Link.
func (n *Node) LinkAddress(ifIndex int) net.HardwareAddr {
	if p := n.byIndex[ifIndex]; p != nil {
		return p.mac
	}
	return nil
}

// Output implements ndp.Link.
func (n *Node) Output(ifIndex int, pkt *ip6.Packet, dst net.HardwareAddr) error {
	p := n.byIndex[ifIndex]
	if p == nil {
		return fmt.Errorf("%w: %d", ErrNoPort, ifIndex)
	}
	if !p.up {
		return ErrPortDown
	}
	return p.link.transmit(p, pkt, dst)
}

// receive handles a frame arriving on p.
func (n *Node) receive(p *Port, src, dst net.HardwareAddr, pkt *ip6.Packet) {
	if !p.up {
		return
	}
	switch {
	case bytes.Equal(dst, p.mac):
	case ip6.IsMulticastLinkAddr(dst) && n.engine.Accepts(p.ifIndex, pkt.Dst):
	default:
		n.stats.Filtered++
		return
	}
	n.stats.Received++

	if pkt.Dst.IsMulticast() || n.engine.IsLocal(pkt.Dst) {
		n.deliver(p, pkt)
		return
	}
	if !n.forwarding {
		n.stats.NotForwarding++
		n.log.Debug("netsim: not for us", "iface", p.name, "dst", pkt.Dst, "from", net.HardwareAddr(src))
		return
	}
	n.forward(p, pkt)
}

// deliver hands a packet addressed to this node to its upper layer.
func (n *Node) deliver(p *Port, pkt *ip6.Packet) {
	n.stats.Delivered++
	switch pkt.NextHeader {
	case ip6.ProtoICMPv6:
		n.engine.Input(p.ifIndex, pkt)
	case ip6.ProtoNoNext:
	case ip6.ProtoUDP:
		n.stats.UnknownProtocol++
		n.engine.Error(p.ifIndex, pkt, ipv6.ICMPTypeDestinationUnreachable, 4, 0)
	default:
		n.stats.UnknownProtocol++
		// Pointer to the Next Header field.
		n.engine.Error(p.ifIndex, pkt, ipv6.ICMPTypeParameterProblem, 1, 6)
	}
}

// forward routes a transit packet that arrived on in.
func (n *Node) forward(in *Port, pkt *ip6.Packet) {
	if pkt.Dst.IsLinkLocalUnicast() {
		n.stats.BeyondScope++
		return
	}
	if pkt.Src.IsLinkLocalUnicast() {
		n.stats.BeyondScope++
		n.engine.Error(in.ifIndex, pkt, ipv6.ICMPTypeDestinationUnreachable, 2, 0)
		return
	}
	if pkt.HopLimit <= 1 {
		n.stats.HopLimitExceeded++
		n.engine.Error(in.ifIndex, pkt, ipv6.ICMPTypeTimeExceeded, 0, 0)
		return
	}
	r, ok := n.engine.Lookup(pkt.Dst)
	if !ok {
		n.stats.NoRoute++
		n.engine.Error(in.ifIndex, pkt, ipv6.ICMPTypeDestinationUnreachable, 0, 0)
		return
	}
	out, ok := n.engine.Interface(r.IfIndex)
	if !ok {
		n.stats.NoRoute++
		return
	}
	if uint32(pkt.Len()) > out.MTU() {
		n.stats.TooBig++
		n.engine.Error(in.ifIndex, pkt, ipv6.ICMPTypePacketTooBig, 0, out.MTU())
		return
	}

	if n.redirects && r.IfIndex == in.ifIndex && n.onLink(pkt.Src, in.ifIndex) {
		target := r.NextHop
		if !target.IsValid() {
			target = pkt.Dst
		}
		n.stats.Redirects++
		n.engine.Redirect(in.ifIndex, pkt, target)
	}

	fwd := pkt.Clone()
	fwd.HopLimit--
	n.stats.Forwarded++
	res := n.engine.ResolveAndSend(fwd, r.IfIndex)
	n.log.Debug("netsim: forwarded", "dst", fwd.Dst, "iface", out.Name, "result", res)
}

// onLink reports whether a sits on a connected prefix of ifIndex.
func (n *Node) onLink(a netip.Addr, ifIndex int) bool {
	r, ok := n.engine.Lookup(a)
	return ok && r.OnLink() && r.IfIndex == ifIndex
}
