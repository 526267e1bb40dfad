package netsim

import (
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/sim"
)

const lanScenario = `
links { link lan0 { delay 1ms; mtu 1500; } }
nodes {
    node r1 {
        node-id 1;
        forwarding;
        interface eth0 {
            link lan0;
            address 2001:db8:1::1/64;
            router-advertisement {
                interval 10;
                router-lifetime 1800;
                prefix 2001:db8:1::/64 { valid-lifetime 300; preferred-lifetime 200; }
            }
        }
    }
    node h1 { node-id 2; interface eth0 { link lan0; autoconfig; dad; } }
}
`

const routedScenario = `
links {
    link lan0 { delay 1ms; }
    link lan1 { delay 1ms; }
}
nodes {
    node r1 {
        node-id 1;
        forwarding;
        interface eth0 {
            link lan0;
            address 2001:db8:1::1/64;
            router-advertisement { prefix 2001:db8:1::/64; }
        }
        interface eth1 {
            link lan1;
            address 2001:db8:2::1/64;
            router-advertisement { prefix 2001:db8:2::/64; }
        }
    }
    node h1 { node-id 2; interface eth0 { link lan0; autoconfig; dad; } }
    node h2 { node-id 3; interface eth0 { link lan1; autoconfig; dad; } }
}
`

func buildScenario(t *testing.T, text string) (*Network, *sim.Scheduler) {
	t.Helper()
	cfg, _, err := config.LoadString(text)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sched := sim.New()
	n, err := Build(cfg, sched)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	n.Start()
	return n, sched
}

func mustNode(t *testing.T, n *Network, name string) *Node {
	t.Helper()
	node, ok := n.Node(name)
	if !ok {
		t.Fatalf("no node %s", name)
	}
	return node
}

func global(t *testing.T, node *Node) netip.Addr {
	t.Helper()
	ifc, _ := node.Engine().InterfaceByName("eth0")
	g, ok := ifc.Global()
	if !ok {
		t.Fatalf("%s: no global address (state %s)", node.Name, ifc.State())
	}
	return g.Addr()
}

func TestSLAAC_HostFormsGlobalAddress(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")

	sched.RunUntil(1900 * time.Millisecond)
	ifc, _ := h1.Engine().InterfaceByName("eth0")
	if ifc.State() != ndp.StateTentative {
		t.Errorf("state before DAD wait = %s, want TENTATIVE", ifc.State())
	}

	sched.RunUntil(3 * time.Second)
	if got, want := global(t, h1), netip.MustParseAddr("2001:db8:1::2"); got != want {
		t.Errorf("global = %s, want %s", got, want)
	}
	if ifc.State() != ndp.StatePreferred {
		t.Errorf("state = %s, want PREFERRED", ifc.State())
	}
	r, ok := h1.Engine().Lookup(netip.MustParseAddr("2001:db8:99::1"))
	if !ok || r.NextHop != netip.MustParseAddr("fe80::1") {
		t.Errorf("default route = %+v, %v; want via fe80::1", r, ok)
	}
}

func TestPing_OnLink(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")

	var p *Ping
	sched.Schedule(30*time.Second, "ping", func() {
		var err error
		p, err = h1.Ping("p1", netip.MustParseAddr("2001:db8:1::1"), 0, 3, time.Second, 16)
		if err != nil {
			t.Error(err)
		}
	})
	sched.RunUntil(40 * time.Second)

	s := p.Summary()
	if s.Transmitted != 3 || s.Received != 3 {
		t.Fatalf("summary = %s", s)
	}
	res := p.Results()
	if res[0].From != netip.MustParseAddr("2001:db8:1::1") {
		t.Errorf("reply from %s", res[0].From)
	}
	// The first request waits for address resolution.
	if res[0].RTT <= res[1].RTT {
		t.Errorf("first rtt %v not above resolved rtt %v", res[0].RTT, res[1].RTT)
	}
	if res[1].RTT != 2*time.Millisecond {
		t.Errorf("rtt = %v, want 2ms", res[1].RTT)
	}
	if s.Loss() != 0 {
		t.Errorf("loss = %v", s.Loss())
	}
}

func TestPing_Forwarded(t *testing.T) {
	n, sched := buildScenario(t, routedScenario)
	h1 := mustNode(t, n, "h1")
	h2 := mustNode(t, n, "h2")
	r1 := mustNode(t, n, "r1")

	sched.RunUntil(5 * time.Second)
	dst := global(t, h2)
	p, err := h1.Ping("p1", dst, 0, 3, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	sched.RunUntil(10 * time.Second)

	if s := p.Summary(); s.Received != 3 {
		t.Fatalf("summary = %s", s)
	}
	if got := r1.Stats().Forwarded; got != 6 {
		t.Errorf("forwarded = %d, want 6", got)
	}
}

func TestForward_HopLimitExceeded(t *testing.T) {
	n, sched := buildScenario(t, routedScenario)
	h1 := mustNode(t, n, "h1")
	h2 := mustNode(t, n, "h2")
	r1 := mustNode(t, n, "r1")
	sched.RunUntil(5 * time.Second)

	src, dst := global(t, h1), global(t, h2)
	b, err := icmp6.MarshalEcho(ipv6.ICMPTypeEchoRequest, 7, 0, nil, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	h1.Engine().Send(0, &ip6.Packet{Src: src, Dst: dst, NextHeader: ip6.ProtoICMPv6, HopLimit: 1, Payload: b})
	sched.RunUntil(6 * time.Second)

	if got := r1.Stats().HopLimitExceeded; got != 1 {
		t.Errorf("hop limit exceeded = %d, want 1", got)
	}
	if got := h1.Engine().Stats().InType[ipv6.ICMPTypeTimeExceeded]; got != 1 {
		t.Errorf("time exceeded received = %d, want 1", got)
	}
	if got := h2.Engine().Stats().InType[ipv6.ICMPTypeEchoRequest]; got != 0 {
		t.Errorf("echo requests at h2 = %d, want 0", got)
	}
}

func TestForward_NotForwarding(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")
	r1 := mustNode(t, n, "r1")
	sched.RunUntil(5 * time.Second)

	// h1 does not forward, so a packet for a foreign address is dropped.
	src := netip.MustParseAddr("2001:db8:1::1")
	dst := netip.MustParseAddr("2001:db8:77::1")
	b, _ := icmp6.MarshalEcho(ipv6.ICMPTypeEchoRequest, 1, 0, nil, src, dst)
	r1.Output(1, &ip6.Packet{Src: src, Dst: dst, NextHeader: ip6.ProtoICMPv6, HopLimit: 64, Payload: b}, h1.LinkAddress(1))
	sched.RunUntil(6 * time.Second)

	if got := h1.Stats().NotForwarding; got != 1 {
		t.Errorf("not forwarding = %d, want 1", got)
	}
}

func TestDeliver_UnknownProtocol(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")
	r1 := mustNode(t, n, "r1")
	sched.RunUntil(5 * time.Second)

	pkt := &ip6.Packet{
		Src:        netip.MustParseAddr("2001:db8:1::1"),
		Dst:        global(t, h1),
		NextHeader: 132,
		HopLimit:   64,
		Payload:    make([]byte, 12),
	}
	r1.Engine().ResolveAndSend(pkt, 1)
	sched.RunUntil(6 * time.Second)

	if got := h1.Stats().UnknownProtocol; got != 1 {
		t.Errorf("unknown protocol = %d, want 1", got)
	}
	if got := r1.Engine().Stats().InType[ipv6.ICMPTypeParameterProblem]; got != 1 {
		t.Errorf("parameter problem received = %d, want 1", got)
	}
}

func TestLink_FilterByMAC(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")
	r1 := mustNode(t, n, "r1")
	sched.RunUntil(5 * time.Second)

	before := h1.Stats().Filtered
	pkt := &ip6.Packet{Src: netip.MustParseAddr("2001:db8:1::1"), Dst: global(t, h1), NextHeader: ip6.ProtoNoNext, HopLimit: 64}
	r1.Output(1, pkt, defaultMAC(99, 1))
	sched.RunUntil(6 * time.Second)

	if got := h1.Stats().Filtered - before; got != 1 {
		t.Errorf("filtered = %d, want 1", got)
	}
}

func TestLink_Down(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")
	sched.RunUntil(5 * time.Second)

	if err := n.SetLinkUp("lan0", false); err != nil {
		t.Fatal(err)
	}
	p, err := h1.Ping("p1", netip.MustParseAddr("2001:db8:1::1"), 0, 2, time.Second, 0)
	if err != nil {
		t.Fatal(err)
	}
	sched.RunUntil(8 * time.Second)
	if s := p.Summary(); s.Received != 0 || s.Transmitted != 2 {
		t.Errorf("summary with link down = %s", s)
	}
	l, _ := n.Link("lan0")
	if l.Dropped == 0 {
		t.Error("no frames dropped on the down link")
	}
	if err := n.SetLinkUp("lan9", true); err == nil {
		t.Error("expected error for unknown link")
	}
}

func TestInterfaceDownWithdrawsAddress(t *testing.T) {
	n, sched := buildScenario(t, lanScenario)
	h1 := mustNode(t, n, "h1")
	sched.RunUntil(5 * time.Second)
	global(t, h1)

	if err := n.SetInterfaceUp("h1", "eth0", false); err != nil {
		t.Fatal(err)
	}
	ifc, _ := h1.Engine().InterfaceByName("eth0")
	if _, ok := ifc.Global(); ok {
		t.Error("global address kept on a down interface")
	}

	if err := n.SetInterfaceUp("h1", "eth0", true); err != nil {
		t.Fatal(err)
	}
	sched.RunUntil(10 * time.Second)
	if got := global(t, h1); got != netip.MustParseAddr("2001:db8:1::2") {
		t.Errorf("global after up = %s", got)
	}
	if err := n.SetInterfaceUp("h1", "eth7", true); err == nil {
		t.Error("expected error for unknown interface")
	}
}

func TestDAD_DuplicateOnLink(t *testing.T) {
	sched := sim.New()
	n := New(sched)
	lan, _ := n.AddLink("lan0", time.Millisecond, 0)
	ll := netip.MustParseAddr("fe80::5")
	var nodes []*Node
	for i, name := range []string{"a", "b"} {
		node, err := n.AddNode(name, uint32(i+2), false, ndp.Config{})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := node.Attach(lan, ndp.InterfaceConfig{Name: "eth0", DAD: true, LinkLocal: ll}, nil); err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, node)
	}
	n.Start()
	sched.RunUntil(5 * time.Second)

	a, _ := nodes[0].Engine().InterfaceByName("eth0")
	b, _ := nodes[1].Engine().InterfaceByName("eth0")
	if a.LinkLocal() == ll || b.LinkLocal() == ll || a.LinkLocal() == b.LinkLocal() {
		t.Errorf("link-locals = %s, %s", a.LinkLocal(), b.LinkLocal())
	}
	for _, node := range nodes {
		if got := node.Engine().Stats().DADConflicts; got != 1 {
			t.Errorf("%s conflicts = %d, want 1", node.Name, got)
		}
	}
	if a.State() != ndp.StatePreferred || b.State() != ndp.StatePreferred {
		t.Errorf("states = %s, %s", a.State(), b.State())
	}
}

func TestDAD_RelayedAcrossLinks(t *testing.T) {
	sched := sim.New()
	n := New(sched)
	lan0, _ := n.AddLink("lan0", time.Millisecond, 0)
	lan1, _ := n.AddLink("lan1", time.Millisecond, 0)

	relay, _ := n.AddNode("relay", 1, false, ndp.Config{})
	for i, l := range []*Link{lan0, lan1} {
		if _, err := relay.Attach(l, ndp.InterfaceConfig{Name: []string{"eth0", "eth1"}[i], DADRelay: true}, nil); err != nil {
			t.Fatal(err)
		}
	}
	ll := netip.MustParseAddr("fe80::5")
	a, _ := n.AddNode("a", 2, false, ndp.Config{})
	a.Attach(lan0, ndp.InterfaceConfig{Name: "eth0", DAD: true, LinkLocal: ll}, nil)
	b, _ := n.AddNode("b", 3, false, ndp.Config{})
	b.Attach(lan1, ndp.InterfaceConfig{Name: "eth0", DAD: true, LinkLocal: ll}, nil)

	var events []ndp.Event
	n.SetObserver(func(node *Node, ev ndp.Event) {
		if ev.Kind == ndp.EventDADConflict {
			events = append(events, ev)
		}
	})
	n.Start()
	sched.RunUntil(5 * time.Second)

	if len(events) != 2 {
		t.Fatalf("conflicts = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Addr != ll {
			t.Errorf("conflict on %s, want %s", ev.Addr, ll)
		}
		// Relay jitter plus two link delays.
		if ev.Time != 102*time.Millisecond {
			t.Errorf("conflict at %v, want 102ms", ev.Time)
		}
	}
	if got := relay.Engine().Stats().DADRelayed; got < 2 {
		t.Errorf("relayed = %d, want at least 2", got)
	}
	ia, _ := a.Engine().InterfaceByName("eth0")
	ib, _ := b.Engine().InterfaceByName("eth0")
	if ia.LinkLocal() == ib.LinkLocal() {
		t.Errorf("both ended with %s", ia.LinkLocal())
	}
}

func TestBuild_Errors(t *testing.T) {
	cfg := &config.Config{
		Links: []*config.LinkConfig{{Name: "lan0"}},
		Nodes: []*config.NodeConfig{{
			Name: "h1", ID: 2,
			Interfaces: []*config.InterfaceConfig{{Name: "eth0", Link: "lan0"}},
			Routes: []*config.RouteConfig{{
				Prefix:  netip.MustParsePrefix("2001:db8:9::/48"),
				NextHop: netip.MustParseAddr("2001:db8:5::1"),
			}},
		}},
	}
	if _, err := Build(cfg, sim.New()); err == nil {
		t.Error("expected error for unreachable next hop")
	}

	cfg.Nodes[0].Routes[0].Interface = "eth0"
	n, err := Build(cfg, sim.New())
	if err != nil {
		t.Fatal(err)
	}
	h1 := mustNode(t, n, "h1")
	r, ok := h1.Engine().Lookup(netip.MustParseAddr("2001:db8:9::1"))
	if !ok || r.Origin != ndp.OriginStatic || r.IfIndex != 1 {
		t.Errorf("static route = %+v, %v", r, ok)
	}
}

func TestPingSummary(t *testing.T) {
	p := &Ping{results: []PingResult{
		{Seq: 0, Replied: true, RTT: 4 * time.Millisecond},
		{Seq: 1, Replied: true, RTT: 2 * time.Millisecond},
		{Seq: 2},
		{Seq: 3, Replied: true, RTT: 3 * time.Millisecond},
	}}
	s := p.Summary()
	if s.Transmitted != 4 || s.Received != 3 {
		t.Errorf("counts = %d/%d", s.Transmitted, s.Received)
	}
	if s.MinRTT != 2*time.Millisecond || s.MaxRTT != 4*time.Millisecond || s.AvgRTT != 3*time.Millisecond {
		t.Errorf("rtt = %v/%v/%v", s.MinRTT, s.AvgRTT, s.MaxRTT)
	}
	if s.Loss() != 25 {
		t.Errorf("loss = %v, want 25", s.Loss())
	}
}
