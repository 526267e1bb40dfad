package ndp

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/ip6"
)

// Result is the outcome of ResolveAndSend.
type Result int

const (
	// Resolved means the packet was handed to the link.
	Resolved Result = iota
	// Buffered means the packet is held until the next hop resolves.
	Buffered
	// Dropped means the packet was discarded.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type pendingKey struct {
	ifIndex int
	target  netip.Addr
}

// pendingRetry tracks an outstanding solicitation for one neighbor and the
// packet waiting on it.
type pendingRetry struct {
	target  netip.Addr
	ifIndex int
	retries int
	held    *ip6.Packet
	timer   timerSlot
}

// ResolveAndSend delivers pkt to its next hop. ifIndex selects the outgoing
// interface for multicast and link-local destinations and is otherwise
// advisory.
func (e *Engine) ResolveAndSend(pkt *ip6.Packet, ifIndex int) Result {
	if pkt.Dst.IsMulticast() {
		ifc := e.byIndex[ifIndex]
		if ifc == nil || !ifc.up {
			e.stats.OutDrops++
			return Dropped
		}
		return e.output(ifc, pkt, ip6.MulticastLinkAddr(pkt.Dst))
	}

	ifc, nh, plen, ok := e.nextHop(pkt.Dst, ifIndex)
	if !ok {
		e.stats.NoRoute++
		e.log.Debug("ndp: no route", "dst", pkt.Dst)
		if !e.IsLocal(pkt.Src) {
			e.Error(ifIndex, pkt, ipv6.ICMPTypeDestinationUnreachable, 0, 0)
		}
		return Dropped
	}
	if !ifc.up {
		e.stats.OutDrops++
		return Dropped
	}

	n := ifc.neighbors.Lookup(nh)
	if n == nil {
		n, _ = ifc.neighbors.LookupOrCreate(nh, nil)
		n.Gateway = nh != pkt.Dst
		n.Updated = e.now()
		e.stats.ResolveMisses++
		e.hold(ifc, nh, pkt)
		e.solicit(ifc, n)
		return Buffered
	}
	if n.State == StateIncomplete || n.LinkAddr == nil {
		e.hold(ifc, nh, pkt)
		if !e.pendingFor(ifc, nh).timer.pending() {
			e.solicit(ifc, n)
		}
		return Buffered
	}

	e.checkReachability(ifc, n)
	ifc.dests.Insert(pkt.Dst, nh, plen, e.now())
	return e.output(ifc, pkt, n.LinkAddr)
}

// nextHop finds the interface and neighbor address for dst, consulting the
// destination cache before the route table.
func (e *Engine) nextHop(dst netip.Addr, ifIndex int) (*Interface, netip.Addr, int, bool) {
	if dst.IsLinkLocalUnicast() {
		ifc := e.byIndex[ifIndex]
		if ifc == nil {
			return nil, netip.Addr{}, 0, false
		}
		return ifc, dst, 64, true
	}
	for _, ifc := range e.ifaces {
		de := ifc.dests.Lookup(dst)
		if de == nil {
			continue
		}
		if ifc.neighbors.Lookup(de.NextHop) == nil {
			ifc.dests.Delete(dst)
			break
		}
		de.Hits++
		e.stats.DestCacheHits++
		return ifc, de.NextHop, de.PrefixLen, true
	}

	r, ok := e.routes.Lookup(dst, e.now())
	if !ok {
		return nil, netip.Addr{}, 0, false
	}
	ifc := e.byIndex[r.IfIndex]
	if ifc == nil {
		return nil, netip.Addr{}, 0, false
	}
	nh := dst
	if !r.OnLink() {
		nh = r.NextHop
	}
	return ifc, nh, r.Prefix.Bits(), true
}

func (e *Engine) output(ifc *Interface, pkt *ip6.Packet, lladdr net.HardwareAddr) Result {
	if err := e.link.Output(ifc.Index, pkt, lladdr); err != nil {
		e.stats.OutDrops++
		e.log.Debug("ndp: output failed", "iface", ifc.Name, "dst", pkt.Dst, "err", err)
		return Dropped
	}
	return Resolved
}

// hold parks pkt until target resolves. Only the newest packet is kept.
func (e *Engine) hold(ifc *Interface, target netip.Addr, pkt *ip6.Packet) {
	pr := e.pendingFor(ifc, target)
	if pr.held != nil {
		e.stats.HeldDropped++
	}
	pr.held = pkt
	e.stats.HeldPackets++
}

func (e *Engine) pendingFor(ifc *Interface, target netip.Addr) *pendingRetry {
	key := pendingKey{ifIndex: ifc.Index, target: target}
	pr := e.pending[key]
	if pr == nil {
		pr = &pendingRetry{target: target, ifIndex: ifc.Index}
		e.pending[key] = pr
	}
	return pr
}

// solicit sends a Neighbor Solicitation for n and arms its retry timer.
// Resolution goes to the solicited-node group, probes go unicast.
func (e *Engine) solicit(ifc *Interface, n *NeighborEntry) {
	pr := e.pendingFor(ifc, n.Addr)
	n.LastProbe = e.now()
	e.sendNS(ifc, n)
	key := pendingKey{ifIndex: ifc.Index, target: n.Addr}
	pr.timer.arm(e.sched, e.cfg.RetransTimer, "nd6-retry", func() { e.solicitRetry(key) })
}

// solicitRetry re-sends an unanswered solicitation until the retry budget
// runs out, then removes the neighbor and drops its held packet.
func (e *Engine) solicitRetry(key pendingKey) {
	pr := e.pending[key]
	if pr == nil {
		return
	}
	ifc := e.byIndex[key.ifIndex]
	n := ifc.neighbors.Lookup(key.target)
	if n == nil || n.State == StateReachable || n.State == StateBuiltin {
		delete(e.pending, key)
		return
	}

	if pr.retries >= e.cfg.MaxUnicastSolicit {
		delete(e.pending, key)
		n.State = StateUnreachable
		ifc.neighbors.Remove(key.target)
		ifc.dests.PurgeNextHop(key.target)
		e.stats.ResolveFailed++
		e.log.Info("ndp: neighbor unreachable", "iface", ifc.Name, "addr", key.target, "retries", pr.retries)
		e.emit(ifc, EventNeighUnreachable, key.target, "")
		if held := pr.held; held != nil {
			e.stats.HeldDropped++
			if !e.IsLocal(held.Src) {
				e.Error(ifc.Index, held, ipv6.ICMPTypeDestinationUnreachable, 3, 0)
			}
		}
		return
	}

	pr.retries++
	n.LastProbe = e.now()
	e.sendNS(ifc, n)
	pr.timer.arm(e.sched, e.cfg.RetransTimer, "nd6-retry", func() { e.solicitRetry(key) })
}

// checkReachability demotes a REACHABLE entry whose confirmation has expired
// and probes it. Expiry is pushed out so that probes are rate limited.
func (e *Engine) checkReachability(ifc *Interface, n *NeighborEntry) {
	if n.State != StateReachable || e.now() <= n.Expires {
		return
	}
	n.State = StateProbing
	n.Expires = e.now() + e.cfg.ReachableTime
	e.stats.NUDProbes++
	e.log.Debug("ndp: probing neighbor", "iface", ifc.Name, "addr", n.Addr)
	e.emit(ifc, EventNeighProbe, n.Addr, "")
	pr := e.pendingFor(ifc, n.Addr)
	pr.retries = 0
	e.solicit(ifc, n)
}

// confirmNeighbor marks addr REACHABLE after a message carrying its
// link-layer address, and releases any packet waiting on it.
func (e *Engine) confirmNeighbor(ifc *Interface, addr netip.Addr, lladdr net.HardwareAddr) *NeighborEntry {
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
		return nil
	}
	if lladdr == nil {
		n := ifc.neighbors.Lookup(addr)
		if n == nil || n.LinkAddr == nil {
			return n
		}
	}
	n, created := ifc.neighbors.LookupOrCreate(addr, lladdr)
	if n.State == StateBuiltin {
		return n
	}
	prev := n.State
	n.State = StateReachable
	n.Expires = e.now() + e.cfg.ReachableTime
	n.Updated = e.now()
	if created || prev != StateReachable {
		e.log.Debug("ndp: neighbor reachable", "iface", ifc.Name, "addr", addr, "lladdr", n.LinkAddr)
		e.emit(ifc, EventNeighReachable, addr, n.LinkAddr.String())
	}
	e.flushPending(ifc, n)
	return n
}

func (e *Engine) flushPending(ifc *Interface, n *NeighborEntry) {
	key := pendingKey{ifIndex: ifc.Index, target: n.Addr}
	pr := e.pending[key]
	if pr == nil {
		return
	}
	pr.timer.stop()
	delete(e.pending, key)
	if pr.held != nil {
		e.stats.HeldFlushed++
		e.output(ifc, pr.held, n.LinkAddr)
	}
}
