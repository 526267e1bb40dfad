package ndp

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

var (
	hostA = netip.MustParseAddr("2001:db8::1")
	hostB = netip.MustParseAddr("2001:db8::2")
)

func staticIface() InterfaceConfig {
	return InterfaceConfig{
		Index:     1,
		Name:      "eth0",
		LinkLocal: netip.MustParseAddr("fe80::1"),
		Addresses: []netip.Prefix{netip.PrefixFrom(hostA, 64)},
	}
}

func TestResolve_BufferThenFlush(t *testing.T) {
	e, l, s := newTestEngine(t, 1, staticIface())
	e.Start()
	l.reset()

	if r := e.Echo(hostB, 0, 7, 1, []byte("hi")); r != Buffered {
		t.Fatalf("Echo = %v, want buffered", r)
	}
	ns := l.sent(ipv6.ICMPTypeNeighborSolicitation)
	if len(ns) != 1 {
		t.Fatalf("sent %d NS, want 1", len(ns))
	}
	if want := ip6.SolicitedNode(hostB); ns[0].pkt.Dst != want {
		t.Errorf("NS dst = %s, want %s", ns[0].pkt.Dst, want)
	}
	if ns[0].pkt.HopLimit != NDHopLimit {
		t.Errorf("NS hop limit = %d, want 255", ns[0].pkt.HopLimit)
	}
	m := parseND(t, ns[0]).(*icmp6.NeighborSolicitation)
	if m.Target != hostB {
		t.Errorf("NS target = %s, want %s", m.Target, hostB)
	}
	if !bytes.Equal(m.Options.SourceLinkAddr(), l.LinkAddress(1)) {
		t.Errorf("NS SLLA = %v, want %v", m.Options.SourceLinkAddr(), l.LinkAddress(1))
	}
	if len(l.sent(ipv6.ICMPTypeEchoRequest)) != 0 {
		t.Fatal("echo request sent before resolution")
	}
	ifc, _ := e.Interface(1)
	if n, ok := ifc.Neighbor(hostB); !ok || n.State != StateIncomplete {
		t.Fatalf("neighbor = %+v, want INCOMPLETE", n)
	}

	s.RunFor(200 * time.Millisecond)
	na := &icmp6.NeighborAdvertisement{
		Flags:   icmp6.FlagSolicited | icmp6.FlagOverride,
		Target:  hostB,
		Options: icmp6.OptionList{tlla(hw(2))},
	}
	e.Input(1, ndIn(na, hostB, hostA))

	echo := l.sent(ipv6.ICMPTypeEchoRequest)
	if len(echo) != 1 {
		t.Fatalf("sent %d echo requests after NA, want 1", len(echo))
	}
	if !bytes.Equal(echo[0].dst, hw(2)) {
		t.Errorf("flushed to %v, want %v", echo[0].dst, hw(2))
	}
	n, _ := ifc.Neighbor(hostB)
	if n.State != StateReachable {
		t.Errorf("state = %v, want REACHABLE", n.State)
	}
	if want := s.Now() + ReachableTime; n.Expires != want {
		t.Errorf("expires = %v, want %v", n.Expires, want)
	}
	if e.Stats().HeldFlushed != 1 {
		t.Errorf("HeldFlushed = %d, want 1", e.Stats().HeldFlushed)
	}
	if len(e.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(e.pending))
	}

	// The retry timer was cancelled: no more solicitations.
	l.reset()
	s.RunFor(5 * time.Second)
	if got := len(l.sent(ipv6.ICMPTypeNeighborSolicitation)); got != 0 {
		t.Errorf("sent %d NS after resolution, want 0", got)
	}

	// Second packet goes straight out and populates the destination cache.
	if r := e.Echo(hostB, 0, 7, 2, nil); r != Resolved {
		t.Errorf("Echo = %v, want resolved", r)
	}
	if r := e.Echo(hostB, 0, 7, 3, nil); r != Resolved {
		t.Errorf("Echo = %v, want resolved", r)
	}
	if e.Stats().DestCacheHits != 1 {
		t.Errorf("DestCacheHits = %d, want 1", e.Stats().DestCacheHits)
	}
}

func TestResolve_RetryExhaustion(t *testing.T) {
	e, l, s := newTestEngine(t, 1, staticIface())
	e.Start()
	l.reset()

	e.Echo(hostB, 0, 1, 1, nil)
	ifc, _ := e.Interface(1)

	s.RunUntil(3500 * time.Millisecond)
	if got := len(l.sent(ipv6.ICMPTypeNeighborSolicitation)); got != 1+MaxUnicastSolicit {
		t.Errorf("sent %d NS, want %d", got, 1+MaxUnicastSolicit)
	}
	if _, ok := ifc.Neighbor(hostB); !ok {
		t.Fatal("entry removed before the retry budget ran out")
	}

	s.RunUntil(4 * time.Second)
	if _, ok := ifc.Neighbor(hostB); ok {
		t.Fatal("entry still present after retries")
	}
	if got := len(l.sent(ipv6.ICMPTypeNeighborSolicitation)); got != 1+MaxUnicastSolicit {
		t.Errorf("sent %d NS, want %d", got, 1+MaxUnicastSolicit)
	}
	st := e.Stats()
	if st.ResolveFailed != 1 || st.HeldDropped != 1 {
		t.Errorf("ResolveFailed = %d, HeldDropped = %d, want 1, 1", st.ResolveFailed, st.HeldDropped)
	}
	if len(e.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(e.pending))
	}
	// Locally originated traffic gets no ICMPv6 error.
	if got := len(l.sent(ipv6.ICMPTypeDestinationUnreachable)); got != 0 {
		t.Errorf("sent %d destination unreachable, want 0", got)
	}
}

func TestResolve_ForwardedFailureSendsUnreachable(t *testing.T) {
	e, l, s := newTestEngine(t, 1, staticIface())
	e.Start()
	ifc, _ := e.Interface(1)
	ifc.neighbors.AddBuiltin(netip.MustParseAddr("2001:db8::9"), hw(9))
	l.reset()

	pkt := &ip6.Packet{
		Src:        netip.MustParseAddr("2001:db8::9"),
		Dst:        hostB,
		NextHeader: ip6.ProtoUDP,
		HopLimit:   63,
		Payload:    make([]byte, 16),
	}
	if r := e.ResolveAndSend(pkt, 1); r != Buffered {
		t.Fatalf("ResolveAndSend = %v, want buffered", r)
	}
	s.RunUntil(5 * time.Second)
	unreach := l.sent(ipv6.ICMPTypeDestinationUnreachable)
	if len(unreach) != 1 {
		t.Fatalf("sent %d destination unreachable, want 1", len(unreach))
	}
	if code := unreach[0].pkt.Payload[1]; code != 3 {
		t.Errorf("code = %d, want 3 (address unreachable)", code)
	}
	if unreach[0].pkt.Dst != pkt.Src {
		t.Errorf("error sent to %s, want %s", unreach[0].pkt.Dst, pkt.Src)
	}
}

func TestResolve_IncompleteHoldsNewest(t *testing.T) {
	e, l, _ := newTestEngine(t, 1, staticIface())
	e.Start()
	l.reset()

	e.Echo(hostB, 0, 1, 1, nil)
	if r := e.Echo(hostB, 0, 1, 2, nil); r != Buffered {
		t.Fatalf("Echo = %v, want buffered", r)
	}
	if got := len(l.sent(ipv6.ICMPTypeNeighborSolicitation)); got != 1 {
		t.Errorf("sent %d NS, want 1", got)
	}
	if e.Stats().HeldDropped != 1 {
		t.Errorf("HeldDropped = %d, want 1", e.Stats().HeldDropped)
	}
	pr := e.pending[pendingKey{ifIndex: 1, target: hostB}]
	m, err := icmp6.ParseMessage(pr.held.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if echo, ok := m.Body.(*icmp.Echo); !ok || echo.Seq != 2 {
		t.Errorf("held %+v, want echo seq 2", m.Body)
	}
}

func TestResolve_NoRoute(t *testing.T) {
	e, l, _ := newTestEngine(t, 1, staticIface())
	e.Start()
	l.reset()

	if r := e.Echo(netip.MustParseAddr("2001:db8:ffff::1"), 0, 1, 1, nil); r != Dropped {
		t.Errorf("Echo = %v, want dropped", r)
	}
	if e.Stats().NoRoute != 1 {
		t.Errorf("NoRoute = %d, want 1", e.Stats().NoRoute)
	}
	if len(l.out) != 0 {
		t.Errorf("sent %d packets, want 0", len(l.out))
	}
}

func TestResolve_GatewayNextHop(t *testing.T) {
	e, l, _ := newTestEngine(t, 1, staticIface())
	gw := netip.MustParseAddr("fe80::fe")
	if err := e.AddRoute(Route{Prefix: netip.MustParsePrefix("2001:db8:9::/48"), NextHop: gw, IfIndex: 1, Origin: OriginStatic}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	l.reset()

	dst := netip.MustParseAddr("2001:db8:9::5")
	if r := e.Echo(dst, 0, 1, 1, nil); r != Buffered {
		t.Fatalf("Echo = %v, want buffered", r)
	}
	ns := l.sent(ipv6.ICMPTypeNeighborSolicitation)
	if len(ns) != 1 {
		t.Fatalf("sent %d NS, want 1", len(ns))
	}
	if m := parseND(t, ns[0]).(*icmp6.NeighborSolicitation); m.Target != gw {
		t.Errorf("NS target = %s, want gateway %s", m.Target, gw)
	}
	ifc, _ := e.Interface(1)
	if n, _ := ifc.Neighbor(gw); !n.Gateway {
		t.Error("gateway entry not flagged")
	}
}

func TestResolve_DefaultRouteNotCached(t *testing.T) {
	e, _, _ := newTestEngine(t, 1, staticIface())
	gw := netip.MustParseAddr("fe80::fe")
	e.AddRoute(Route{Prefix: defaultRoute, NextHop: gw, IfIndex: 1, Origin: OriginStatic})
	ifc, _ := e.Interface(1)
	ifc.neighbors.AddBuiltin(gw, hw(0xfe))
	e.Start()

	if r := e.Echo(netip.MustParseAddr("2001:db8:77::1"), 0, 1, 1, nil); r != Resolved {
		t.Fatalf("Echo = %v, want resolved", r)
	}
	if n := ifc.dests.Len(); n != 0 {
		t.Errorf("destination cache has %d entries, want 0", n)
	}
}

func TestNUD_ProbeOnExpiry(t *testing.T) {
	e, l, s := newTestEngine(t, 1, staticIface())
	e.Start()
	ifc, _ := e.Interface(1)
	e.confirmNeighbor(ifc, hostB, hw(2))
	l.reset()

	s.RunFor(ReachableTime + time.Second)
	if r := e.Echo(hostB, 0, 1, 1, nil); r != Resolved {
		t.Fatalf("Echo = %v, want resolved", r)
	}
	n, _ := ifc.Neighbor(hostB)
	if n.State != StateProbing {
		t.Errorf("state = %v, want PROBING", n.State)
	}
	if want := s.Now() + ReachableTime; n.Expires != want {
		t.Errorf("expires = %v, want %v", n.Expires, want)
	}
	ns := l.sent(ipv6.ICMPTypeNeighborSolicitation)
	if len(ns) != 1 {
		t.Fatalf("sent %d NS, want 1", len(ns))
	}
	if ns[0].pkt.Dst != hostB || !bytes.Equal(ns[0].dst, hw(2)) {
		t.Errorf("probe sent to %s/%v, want unicast %s/%v", ns[0].pkt.Dst, ns[0].dst, hostB, hw(2))
	}
	if e.Stats().NUDProbes != 1 {
		t.Errorf("NUDProbes = %d, want 1", e.Stats().NUDProbes)
	}

	// Probing does not probe again on the next packet.
	e.Echo(hostB, 0, 1, 2, nil)
	if got := len(l.sent(ipv6.ICMPTypeNeighborSolicitation)); got != 1 {
		t.Errorf("sent %d NS, want 1", got)
	}

	// An NA confirms the probe.
	na := &icmp6.NeighborAdvertisement{Flags: icmp6.FlagSolicited, Target: hostB}
	e.Input(1, ndIn(na, hostB, hostA))
	if n.State != StateReachable {
		t.Errorf("state after NA = %v, want REACHABLE", n.State)
	}
}

func TestNUD_ProbeFailureRemovesEntry(t *testing.T) {
	e, _, s := newTestEngine(t, 1, staticIface())
	e.Start()
	ifc, _ := e.Interface(1)
	e.confirmNeighbor(ifc, hostB, hw(2))
	s.RunFor(ReachableTime + time.Second)
	e.Echo(hostB, 0, 1, 1, nil)
	s.RunFor(time.Duration(MaxUnicastSolicit+1) * RetransTimer)
	if _, ok := ifc.Neighbor(hostB); ok {
		t.Error("unanswered probe left the entry in place")
	}
}

func TestBuiltinNeighborNeverProbed(t *testing.T) {
	ic := staticIface()
	ic.Neighbors = []StaticNeighbor{{Addr: hostB, LinkAddr: hw(2)}}
	e, l, s := newTestEngine(t, 1, ic)
	e.Start()
	l.reset()

	s.RunFor(time.Hour)
	if r := e.Echo(hostB, 0, 1, 1, nil); r != Resolved {
		t.Fatalf("Echo = %v, want resolved", r)
	}
	if got := len(l.sent(ipv6.ICMPTypeNeighborSolicitation)); got != 0 {
		t.Errorf("sent %d NS to a builtin neighbor", got)
	}
	na := &icmp6.NeighborAdvertisement{Flags: icmp6.FlagOverride | icmp6.FlagSolicited, Target: hostB, Options: icmp6.OptionList{tlla(hw(3))}}
	e.Input(1, ndIn(na, hostB, hostA))
	ifc, _ := e.Interface(1)
	n, _ := ifc.Neighbor(hostB)
	if n.State != StateBuiltin || !bytes.Equal(n.LinkAddr, hw(2)) {
		t.Errorf("builtin entry changed: %+v", n)
	}
}
