package config

import (
	"errors"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleScenario = `# two hosts and a router
simulation {
    duration 120;
    pcap /tmp/sim.pcap;
    api-address 127.0.0.1:8080;
    nd {
        reachable-time 20;
        dad-wait 1500ms;
    }
}
links {
    link lan0 {
        delay 1ms;
        mtu 1500;
    }
    link lan1;
}
nodes {
    node r1 {
        node-id 1;
        forwarding;
        send-redirects;
        interface eth0 {
            link lan0;
            mac 02:00:00:00:01:01;
            address 2001:db8:1::1/64;
            router-advertisement {
                interval 10;
                router-lifetime 1800;
                link-mtu 1400;
                prefix 2001:db8:1::/64 {
                    valid-lifetime 300;
                    preferred-lifetime 200;
                }
                prefix 2001:db8:2::/64 {
                    no-autonomous;
                    valid-lifetime infinite;
                }
            }
        }
        interface eth1 {
            link lan1;
            dad;
            dad-relay;
        }
        route 2001:db8:99::/48 next-hop fe80::2 interface eth1;
    }
    node h1 {
        node-id 2;
        interface eth0 {
            link lan0;
            autoconfig;
            dad;
            neighbor fe80::9 mac 02:aa:00:00:00:09;
        }
    }
}
events {
    ping p1 {
        at 30;
        from h1;
        to 2001:db8:1::1;
        count 3;
        interval 500ms;
    }
    link-down cut {
        at 60;
        link lan0;
    }
    interface-up back {
        at 70;
        node h1;
        interface eth0;
    }
}
`

func TestLexer(t *testing.T) {
	lex := NewLexer(`node h1 { address 2001:db8::1/64; mac "02:00:00:00:00:01"; }`)
	want := []struct {
		typ TokenType
		val string
	}{
		{TokenWord, "node"},
		{TokenWord, "h1"},
		{TokenLBrace, "{"},
		{TokenWord, "address"},
		{TokenWord, "2001:db8::1/64"},
		{TokenSemicolon, ";"},
		{TokenWord, "mac"},
		{TokenString, "02:00:00:00:00:01"},
		{TokenSemicolon, ";"},
		{TokenRBrace, "}"},
		{TokenEOF, ""},
	}
	for i, exp := range want {
		tok := lex.Next()
		if tok.Type != exp.typ {
			t.Errorf("token %d: type = %s, want %s (value=%q)", i, tok.Type, exp.typ, tok.Value)
		}
		if exp.val != "" && tok.Value != exp.val {
			t.Errorf("token %d: value = %q, want %q", i, tok.Value, exp.val)
		}
	}
}

func TestLexerComments(t *testing.T) {
	lex := NewLexer("# comment\n/* block */ // line\nlinks;")
	if tok := lex.Next(); tok.Type != TokenWord || tok.Value != "links" {
		t.Errorf("first token = %s, want links", tok)
	}
	if tok := lex.Next(); tok.Line != 3 {
		t.Errorf("line = %d, want 3", tok.Line)
	}
}

func TestLexerBracketsAndEscapes(t *testing.T) {
	lex := NewLexer(`events [ DAD_CONFLICT NEIGH_PROBE ]; "a\"b\tc"`)
	var got []string
	for tok := lex.Next(); tok.Type != TokenEOF; tok = lex.Next() {
		got = append(got, tok.Value)
	}
	want := []string{"events", "DAD_CONFLICT", "NEIGH_PROBE", ";", "a\"b\tc"}
	if !slices.Equal(got, want) {
		t.Errorf("tokens = %q, want %q", got, want)
	}
}

func TestLexerUnterminated(t *testing.T) {
	for _, input := range []string{"links /* open", `mac "02:00`} {
		var last Token
		for lex := NewLexer(input); ; {
			last = lex.Next()
			if last.Type == TokenError || last.Type == TokenEOF {
				break
			}
		}
		if last.Type != TokenError {
			t.Errorf("%q: last token = %s, want error", input, last)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"missing semicolon", "links { link lan0 }", 1},
		{"missing brace", "links { link lan0;", 1},
		{"stray brace", "links; }", 1},
		{"two errors", "links { link a } nodes { node b }", 2},
		{"bad character", "links { link a; = }", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := NewParser(tt.input).Parse()
			if len(errs) != tt.want {
				t.Fatalf("errors = %v, want %d", errs, tt.want)
			}
			var pe *ParseError
			if !errors.As(errs[0], &pe) || pe.Line != 1 {
				t.Errorf("error %v is not a line-1 ParseError", errs[0])
			}
		})
	}
}

func TestCompileConfig(t *testing.T) {
	tree, errs := NewParser(sampleScenario).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	cfg, err := CompileConfig(tree)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	sim := cfg.Simulation
	if sim.Duration != 120*time.Second || sim.Pcap != "/tmp/sim.pcap" || sim.APIAddr != "127.0.0.1:8080" {
		t.Errorf("simulation = %+v", sim)
	}
	if sim.ND.ReachableTime != 20*time.Second || sim.ND.DADWait != 1500*time.Millisecond {
		t.Errorf("nd = %+v", sim.ND)
	}

	if len(cfg.Links) != 2 {
		t.Fatalf("links = %d, want 2", len(cfg.Links))
	}
	if l := cfg.FindLink("lan0"); l.Delay != time.Millisecond || l.MTU != 1500 {
		t.Errorf("lan0 = %+v", l)
	}

	r1 := cfg.FindNode("r1")
	if r1 == nil || r1.ID != 1 || !r1.Forwarding || !r1.Redirects {
		t.Fatalf("r1 = %+v", r1)
	}
	eth0 := r1.Interface("eth0")
	if eth0.MAC.String() != "02:00:00:00:01:01" {
		t.Errorf("mac = %s", eth0.MAC)
	}
	if len(eth0.Addresses) != 1 || eth0.Addresses[0] != netip.MustParsePrefix("2001:db8:1::1/64") {
		t.Errorf("addresses = %v", eth0.Addresses)
	}
	ra := eth0.RA
	if ra == nil || ra.Interval != 10*time.Second || ra.RouterLifetime != 1800*time.Second || ra.LinkMTU != 1400 {
		t.Fatalf("ra = %+v", ra)
	}
	if len(ra.Prefixes) != 2 {
		t.Fatalf("prefixes = %d, want 2", len(ra.Prefixes))
	}
	p := ra.Prefixes[0]
	if !p.OnLink || !p.Autonomous || p.ValidLifetime != 300*time.Second || p.PreferredLifetime != 200*time.Second {
		t.Errorf("prefix 0 = %+v", p)
	}
	p = ra.Prefixes[1]
	if p.Autonomous || p.ValidLifetime != infiniteLifetime || p.PreferredLifetime != defaultPreferredLifetime {
		t.Errorf("prefix 1 = %+v", p)
	}
	if eth1 := r1.Interface("eth1"); !eth1.DAD || !eth1.DADRelay {
		t.Errorf("eth1 = %+v", eth1)
	}
	if len(r1.Routes) != 1 || r1.Routes[0].NextHop != netip.MustParseAddr("fe80::2") || r1.Routes[0].Interface != "eth1" {
		t.Errorf("routes = %+v", r1.Routes)
	}

	h1 := cfg.FindNode("h1").Interface("eth0")
	if !h1.Autoconfig || !h1.DAD || len(h1.Neighbors) != 1 {
		t.Fatalf("h1 eth0 = %+v", h1)
	}
	if nb := h1.Neighbors[0]; nb.Addr != netip.MustParseAddr("fe80::9") || nb.MAC.String() != "02:aa:00:00:00:09" {
		t.Errorf("neighbor = %+v", nb)
	}

	if len(cfg.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(cfg.Events))
	}
	ping := cfg.Events[0]
	if ping.Kind != EventPing || ping.At != 30*time.Second || ping.Node != "h1" || ping.Count != 3 || ping.Interval != 500*time.Millisecond {
		t.Errorf("ping = %+v", ping)
	}
	if cfg.Events[1].Kind != EventLinkDown || cfg.Events[1].Link != "lan0" {
		t.Errorf("event 1 = %+v", cfg.Events[1])
	}
	if cfg.Events[2].Kind != EventInterfaceUp || cfg.Events[2].Interface != "eth0" {
		t.Errorf("event 2 = %+v", cfg.Events[2])
	}

	// lan1 has a single member.
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "link lan1") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want one about lan1", cfg.Warnings)
	}
}

func TestCompileConfig_Invalid(t *testing.T) {
	base := `links { link lan0; }
`
	tests := []struct {
		name  string
		input string
	}{
		{"node id zero", `nodes { node a { interface e { link lan0; } } }`},
		{"node id too large", `nodes { node a { node-id 70000; } }`},
		{"duplicate node id", `nodes { node a { node-id 1; } node b { node-id 1; } }`},
		{"unknown link", `nodes { node a { node-id 1; interface e { link lan9; } } }`},
		{"interface without link", `nodes { node a { node-id 1; interface e { dad; } } }`},
		{"delegated /56", `nodes { node a { node-id 1; interface e { link lan0; delegated-prefix 2001:db8::/56; } } }`},
		{"lifetime order", `nodes { node a { node-id 1; interface e { link lan0; router-advertisement { prefix 2001:db8::/64 { valid-lifetime 10; preferred-lifetime 20; } } } } }`},
		{"ping unknown node", `events { ping p { to 2001:db8::1; from zz; } }`},
		{"link event unknown link", `events { link-down d { link nope; } }`},
		{"low mtu", `nodes { node a { node-id 1; interface e { link lan0; mtu 1000; } } }`},
		{"route without interface", `nodes { node a { node-id 1; route 2001:db8::/48; } }`},
		{"bad duration", `simulation { duration soon; }`},
		{"unknown profile", `simulation { profile warp; }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, errs := NewParser(base + tt.input).Parse()
			if len(errs) > 0 {
				t.Fatalf("parse errors: %v", errs)
			}
			if _, err := CompileConfig(tree); err == nil {
				t.Error("expected compile error")
			}
		})
	}
}

func TestCompileConfig_InvalidIsTyped(t *testing.T) {
	tree, _ := NewParser(`nodes { node a { node-id 0; } }`).Parse()
	_, err := CompileConfig(tree)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestProfile(t *testing.T) {
	tree, _ := NewParser(`simulation { profile fast; nd { dad-wait 3; } }`).Parse()
	cfg, err := CompileConfig(tree)
	if err != nil {
		t.Fatal(err)
	}
	nd := cfg.Simulation.ND
	if nd.DADWait != 3*time.Second {
		t.Errorf("DADWait = %v, explicit setting lost", nd.DADWait)
	}
	if nd.RetransTimer != 250*time.Millisecond {
		t.Errorf("RetransTimer = %v, want profile value", nd.RetransTimer)
	}
	if !slices.Contains(ProfileNames(), "rfc4861") {
		t.Errorf("ProfileNames = %v", ProfileNames())
	}
}

func TestSetCommand(t *testing.T) {
	path, err := ParseSetCommand("set nodes node h1 interface eth0 address 2001:db8::1/64")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"nodes", "node", "h1", "interface", "eth0", "address", "2001:db8::1/64"}
	if !slices.Equal(path, want) {
		t.Errorf("path = %v, want %v", path, want)
	}
	if _, err := ParseSetCommand("delete nodes"); err == nil {
		t.Error("expected error for non-set command")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	input := `links {
    link lan0 {
        delay 1ms;
    }
}
nodes {
    node h1 {
        node-id 2;
        interface eth0 {
            link lan0;
            autoconfig;
        }
    }
}
`
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	if got := tree.Format(); strings.TrimSpace(got) != strings.TrimSpace(input) {
		t.Errorf("format round-trip mismatch:\n--- input ---\n%s\n--- output ---\n%s", input, got)
	}
}

func TestSetFormatEquivalence(t *testing.T) {
	tree, errs := NewParser(sampleScenario).Parse()
	if len(errs) > 0 {
		t.Fatalf("parse errors: %v", errs)
	}
	flat := tree.FormatSet()
	tree2, errs := ParseText(flat)
	if len(errs) > 0 {
		t.Fatalf("set parse errors: %v", errs)
	}
	cfg1, err := CompileConfig(tree)
	if err != nil {
		t.Fatal(err)
	}
	cfg2, err := CompileConfig(tree2)
	if err != nil {
		t.Fatalf("compile of set form: %v\n%s", err, flat)
	}
	if len(cfg1.Nodes) != len(cfg2.Nodes) || len(cfg1.Links) != len(cfg2.Links) || len(cfg1.Events) != len(cfg2.Events) {
		t.Fatalf("set form differs: %d/%d/%d vs %d/%d/%d",
			len(cfg1.Nodes), len(cfg1.Links), len(cfg1.Events), len(cfg2.Nodes), len(cfg2.Links), len(cfg2.Events))
	}
	ra1 := cfg1.FindNode("r1").Interface("eth0").RA
	ra2 := cfg2.FindNode("r1").Interface("eth0").RA
	if len(ra1.Prefixes) != len(ra2.Prefixes) || ra2.Prefixes[0].PreferredLifetime != 200*time.Second {
		t.Errorf("set form RA = %+v", ra2)
	}
}

func TestSetPathAndDelete(t *testing.T) {
	tree := &ConfigTree{}
	for _, line := range []string{
		"set links link lan0 delay 2ms",
		"set nodes node h1 node-id 3",
		"set nodes node h1 interface eth0 link lan0",
		"set nodes node h1 interface eth0 dad",
	} {
		path, err := ParseSetCommand(line)
		if err != nil {
			t.Fatal(err)
		}
		if err := tree.SetPath(path); err != nil {
			t.Fatal(err)
		}
	}
	nodes := tree.FindChild("nodes")
	if nodes == nil || len(nodes.Children) != 1 {
		t.Fatalf("nodes = %+v", nodes)
	}
	h1 := nodes.Children[0]
	if h1.KeyPath() != "node h1" || len(h1.FindChildren("interface")) != 1 {
		t.Errorf("h1 = %s with %d interfaces", h1.KeyPath(), len(h1.FindChildren("interface")))
	}

	if err := tree.DeletePath([]string{"nodes", "node", "h1", "interface", "eth0", "dad"}); err != nil {
		t.Fatal(err)
	}
	if eth0 := h1.FindChild("interface"); eth0.FindChild("dad") != nil {
		t.Error("dad still present")
	}
	if err := tree.DeletePath([]string{"nodes", "node", "h9", "node-id"}); err == nil {
		t.Error("expected error deleting under a missing node")
	}
}

func TestCompleteSetPath(t *testing.T) {
	got := CompleteSetPath([]string{"nodes", "node", "h1", "interface", "eth0"})
	want := []string{"delegated-prefix", "router-advertisement"}
	if !slices.Equal(got, want) {
		t.Errorf("completions = %v, want %v", got, want)
	}
	names := CompleteSetPathWithValues([]string{"nodes", "node"}, func(h ValueHint) []string {
		if h == ValueHintNodeName {
			return []string{"h1", "r1"}
		}
		return nil
	})
	if !slices.Equal(names, []string{"h1", "r1"}) {
		t.Errorf("node names = %v", names)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"30", 30 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1m", time.Minute, false},
		{"-1", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.err)
		}
	}
}

func TestCompileEventOptions(t *testing.T) {
	cfg, _, err := LoadString(`
links { link lan0; }
nodes { node h1 { node-id 1; interface eth0 { link lan0; } } }
event-options {
    policy flap {
        events DAD_CONFLICT NEIGH_UNREACHABLE;
        node h1;
        interface eth0;
        within 60 { trigger on 2; trigger until 5; }
        then {
            interface-down down { node h1; interface eth0; }
            interface-up up { after 5s; node h1; interface eth0; }
        }
    }
}
`)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Policies) != 1 {
		t.Fatalf("policies = %d, want 1", len(cfg.Policies))
	}
	pol := cfg.Policies[0]
	if pol.Name != "flap" || pol.Node != "h1" || pol.Interface != "eth0" {
		t.Errorf("policy = %+v", pol)
	}
	if len(pol.Events) != 2 || pol.Events[1] != "NEIGH_UNREACHABLE" {
		t.Errorf("events = %v", pol.Events)
	}
	if len(pol.Within) != 1 {
		t.Fatalf("within = %d, want 1", len(pol.Within))
	}
	if w := pol.Within[0]; w.Window != time.Minute || w.TriggerOn != 2 || w.TriggerUntil != 5 {
		t.Errorf("within = %+v", w)
	}
	if len(pol.Then) != 2 {
		t.Fatalf("then = %d, want 2", len(pol.Then))
	}
	if act := pol.Then[1]; act.Kind != EventInterfaceUp || act.At != 5*time.Second {
		t.Errorf("action = %+v", act)
	}
}

func TestCompileEventOptions_Errors(t *testing.T) {
	base := `links { link lan0; } nodes { node h1 { node-id 1; interface eth0 { link lan0; } } } `
	tests := []struct {
		name  string
		input string
	}{
		{"no events", `event-options { policy p { node h1; } }`},
		{"unknown node", `event-options { policy p { events DAD_CONFLICT; node h9; } }`},
		{"unknown interface", `event-options { policy p { events DAD_CONFLICT; node h1; interface eth3; } }`},
		{"bad trigger", `event-options { policy p { events DAD_CONFLICT; within 10 { trigger at 2; } } }`},
		{"bad action link", `event-options { policy p { events DAD_CONFLICT; then { link-down d { link nope; } } } }`},
		{"unknown setting", `event-options { policy p { events DAD_CONFLICT; color red; } }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := LoadString(base + tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}
