package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxNodeID is the largest node id a DAD nonce can carry.
	MaxNodeID = 0xffff
	minMTU    = 1280

	defaultValidLifetime     = 30 * 24 * time.Hour
	defaultPreferredLifetime = 7 * 24 * time.Hour

	// infiniteLifetime matches the all-ones lifetime on the wire.
	infiniteLifetime = time.Duration(0xffffffff) * time.Second
)

// ErrInvalid wraps every semantic error reported by CompileConfig.
var ErrInvalid = errors.New("invalid scenario")

// CompileConfig converts a parsed ConfigTree into a typed Config.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := &Config{}

	for _, node := range tree.Children {
		switch node.Name() {
		case "simulation":
			if err := compileSimulation(node, &cfg.Simulation); err != nil {
				return nil, fmt.Errorf("simulation: %w", err)
			}
		case "links":
			if err := compileLinks(node, cfg); err != nil {
				return nil, fmt.Errorf("links: %w", err)
			}
		case "nodes":
			if err := compileNodes(node, cfg); err != nil {
				return nil, fmt.Errorf("nodes: %w", err)
			}
		case "events":
			if err := compileEvents(node, cfg); err != nil {
				return nil, fmt.Errorf("events: %w", err)
			}
		case "event-options":
			if err := compileEventOptions(node, cfg); err != nil {
				return nil, fmt.Errorf("event-options: %w", err)
			}
		default:
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("line %d: unknown statement %q ignored", node.Line, node.Name()))
		}
	}

	if p := cfg.Simulation.Profile; p != "" {
		if err := applyProfile(p, &cfg.Simulation.ND); err != nil {
			return nil, fmt.Errorf("simulation: %w", err)
		}
	}
	if err := checkReferences(cfg); err != nil {
		return nil, err
	}
	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

// ValidateConfig reports suspicious but legal settings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string

	members := make(map[string]int)
	routers := make(map[string]bool)
	for _, n := range cfg.Nodes {
		for _, ic := range n.Interfaces {
			members[ic.Link]++
			if ic.RA != nil || ic.DelegatedRouter {
				routers[ic.Link] = true
				if !n.Forwarding {
					warnings = append(warnings, fmt.Sprintf(
						"node %s interface %s: advertises routes but forwarding is off", n.Name, ic.Name))
				}
			}
		}
	}
	for _, l := range cfg.Links {
		if members[l.Name] < 2 {
			warnings = append(warnings, fmt.Sprintf("link %s: %d interface(s) attached", l.Name, members[l.Name]))
		}
	}
	for _, n := range cfg.Nodes {
		for _, ic := range n.Interfaces {
			if ic.Autoconfig && !routers[ic.Link] {
				warnings = append(warnings, fmt.Sprintf(
					"node %s interface %s: autoconfig on link %s with no advertising router", n.Name, ic.Name, ic.Link))
			}
		}
	}
	return warnings
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// checkReferences enforces the cross-section invariants.
func checkReferences(cfg *Config) error {
	ids := make(map[uint32]string)
	for _, n := range cfg.Nodes {
		if n.ID == 0 || n.ID > MaxNodeID {
			return invalidf("node %s: node-id %d outside 1..%d", n.Name, n.ID, MaxNodeID)
		}
		if other, ok := ids[n.ID]; ok {
			return invalidf("node %s: node-id %d already used by %s", n.Name, n.ID, other)
		}
		ids[n.ID] = n.Name
		for _, ic := range n.Interfaces {
			if ic.Link == "" {
				return invalidf("node %s interface %s: no link", n.Name, ic.Name)
			}
			if cfg.FindLink(ic.Link) == nil {
				return invalidf("node %s interface %s: unknown link %q", n.Name, ic.Name, ic.Link)
			}
		}
		for _, r := range n.Routes {
			if r.Interface != "" && n.Interface(r.Interface) == nil {
				return invalidf("node %s route %s: unknown interface %q", n.Name, r.Prefix, r.Interface)
			}
			if !r.NextHop.IsValid() && r.Interface == "" {
				return invalidf("node %s route %s: needs next-hop or interface", n.Name, r.Prefix)
			}
		}
	}
	for _, ev := range cfg.Events {
		if err := checkEvent(cfg, "event "+ev.Name, ev); err != nil {
			return err
		}
	}
	for _, pol := range cfg.Policies {
		if pol.Node != "" {
			n := cfg.FindNode(pol.Node)
			if n == nil {
				return invalidf("policy %s: unknown node %q", pol.Name, pol.Node)
			}
			if pol.Interface != "" && n.Interface(pol.Interface) == nil {
				return invalidf("policy %s: node %s has no interface %q", pol.Name, pol.Node, pol.Interface)
			}
		}
		for _, act := range pol.Then {
			if err := checkEvent(cfg, "policy "+pol.Name+" action "+act.Name, act); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkEvent(cfg *Config, what string, ev *EventConfig) error {
	switch ev.Kind {
	case EventPing:
		if cfg.FindNode(ev.Node) == nil {
			return invalidf("%s: unknown node %q", what, ev.Node)
		}
		if !ev.To.IsValid() {
			return invalidf("%s: ping needs a destination", what)
		}
	case EventLinkDown, EventLinkUp:
		if cfg.FindLink(ev.Link) == nil {
			return invalidf("%s: unknown link %q", what, ev.Link)
		}
	case EventInterfaceDown, EventInterfaceUp:
		n := cfg.FindNode(ev.Node)
		if n == nil {
			return invalidf("%s: unknown node %q", what, ev.Node)
		}
		if n.Interface(ev.Interface) == nil {
			return invalidf("%s: node %s has no interface %q", what, ev.Node, ev.Interface)
		}
	}
	return nil
}

// nodeVal returns the value for a property node, handling both AST shapes.
// Hierarchical: Keys: ["prop", "value"] → returns "value"
// Flat set:     Keys: ["prop"], Children: [Node{Keys:["value"]}] → returns "value"
func nodeVal(n *Node) string {
	if len(n.Keys) >= 2 {
		return n.Keys[1]
	}
	if len(n.Children) > 0 {
		return n.Children[0].Name()
	}
	return ""
}

// ParseDuration accepts plain seconds ("30") or a Go duration ("1.5ms").
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("missing duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseLifetime(s string) (time.Duration, error) {
	if s == "infinite" {
		return infiniteLifetime, nil
	}
	return ParseDuration(s)
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func parseMTU(s string) (uint32, error) {
	v, err := parseUint(s, 32)
	if err != nil {
		return 0, err
	}
	if v < minMTU {
		return 0, fmt.Errorf("mtu %d below %d", v, minMTU)
	}
	return uint32(v), nil
}

func propError(prop *Node, err error) error {
	return fmt.Errorf("line %d: %s: %w", prop.Line, prop.Name(), err)
}

func compileSimulation(node *Node, s *SimulationConfig) error {
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "duration":
			s.Duration, err = ParseDuration(nodeVal(prop))
		case "pcap":
			s.Pcap = nodeVal(prop)
		case "api-address":
			s.APIAddr = nodeVal(prop)
		case "event-log":
			s.EventLog = nodeVal(prop)
		case "profile":
			s.Profile = nodeVal(prop)
		case "nd":
			err = compileND(prop, &s.ND)
		}
		if err != nil {
			return propError(prop, err)
		}
	}
	return nil
}

func compileND(node *Node, nd *NDConfig) error {
	for _, prop := range node.Children {
		var err error
		v := nodeVal(prop)
		switch prop.Name() {
		case "reachable-time":
			nd.ReachableTime, err = ParseDuration(v)
		case "retrans-timer":
			nd.RetransTimer, err = ParseDuration(v)
		case "dad-wait":
			nd.DADWait, err = ParseDuration(v)
		case "prefix-expiry":
			nd.PrefixExpiry, err = ParseDuration(v)
		case "relay-jitter":
			nd.RelayJitter, err = ParseDuration(v)
		case "rtr-solicit-interval":
			nd.RtrSolicitInterval, err = ParseDuration(v)
		case "max-unicast-solicit":
			nd.MaxUnicastSolicit, err = strconv.Atoi(v)
		case "max-rtr-solicitations":
			nd.MaxRtrSolicitations, err = strconv.Atoi(v)
		case "min-receive-count":
			nd.MinReceiveCount, err = strconv.Atoi(v)
		default:
			err = fmt.Errorf("unknown setting")
		}
		if err != nil {
			return propError(prop, err)
		}
	}
	return nil
}

// named yields (name, node) for "<kw> <name> {...}" children, including
// the flat-set shape where the name is the only child.
func named(node *Node, kw string) []*Node {
	var out []*Node
	for _, c := range node.Children {
		if c.Name() == kw && len(c.Keys) >= 2 {
			out = append(out, c)
		}
	}
	return out
}

func compileLinks(node *Node, cfg *Config) error {
	for _, ln := range named(node, "link") {
		l := cfg.FindLink(ln.Keys[1])
		if l == nil {
			l = &LinkConfig{Name: ln.Keys[1]}
			cfg.Links = append(cfg.Links, l)
		}
		for _, prop := range ln.Children {
			var err error
			switch prop.Name() {
			case "delay":
				l.Delay, err = ParseDuration(nodeVal(prop))
			case "mtu":
				l.MTU, err = parseMTU(nodeVal(prop))
			case "disable":
				l.Down = true
			}
			if err != nil {
				return fmt.Errorf("link %s: %w", l.Name, propError(prop, err))
			}
		}
	}
	return nil
}

func compileNodes(node *Node, cfg *Config) error {
	for _, nn := range named(node, "node") {
		n := cfg.FindNode(nn.Keys[1])
		if n == nil {
			n = &NodeConfig{Name: nn.Keys[1]}
			cfg.Nodes = append(cfg.Nodes, n)
		}
		if err := compileNode(nn, n); err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	return nil
}

func compileNode(node *Node, n *NodeConfig) error {
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "node-id":
			var v uint64
			v, err = parseUint(nodeVal(prop), 32)
			n.ID = uint32(v)
		case "forwarding":
			n.Forwarding = true
		case "send-redirects":
			n.Redirects = true
		case "host-import":
			n.HostImport = nodeVal(prop)
		case "interface":
			if len(prop.Keys) < 2 {
				err = fmt.Errorf("missing interface name")
				break
			}
			ic := n.Interface(prop.Keys[1])
			if ic == nil {
				ic = &InterfaceConfig{Name: prop.Keys[1]}
				n.Interfaces = append(n.Interfaces, ic)
			}
			err = compileInterface(prop, ic)
		case "route":
			var r *RouteConfig
			r, err = compileRoute(prop)
			if err == nil {
				n.Routes = append(n.Routes, r)
			}
		}
		if err != nil {
			return propError(prop, err)
		}
	}
	return nil
}

func compileInterface(node *Node, ic *InterfaceConfig) error {
	for _, prop := range node.Children {
		var err error
		v := nodeVal(prop)
		switch prop.Name() {
		case "link":
			ic.Link = v
		case "mac":
			ic.MAC, err = net.ParseMAC(v)
		case "mtu":
			ic.MTU, err = parseMTU(v)
		case "link-local":
			ic.LinkLocal, err = netip.ParseAddr(v)
			if err == nil && !ic.LinkLocal.IsLinkLocalUnicast() {
				err = fmt.Errorf("%s is not link-local", ic.LinkLocal)
			}
		case "address":
			var p netip.Prefix
			p, err = netip.ParsePrefix(v)
			if err == nil && !p.Addr().Is6() {
				err = fmt.Errorf("%s is not IPv6", p)
			}
			if err == nil {
				ic.Addresses = append(ic.Addresses, p)
			}
		case "autoconfig":
			ic.Autoconfig = true
		case "dad":
			ic.DAD = true
		case "dad-relay":
			ic.DADRelay = true
		case "disable":
			ic.Disable = true
		case "neighbor":
			var nb *NeighborConfig
			nb, err = compileNeighbor(prop)
			if err == nil {
				ic.Neighbors = append(ic.Neighbors, nb)
			}
		case "router-advertisement":
			if ic.RA == nil {
				ic.RA = &RAConfig{}
			}
			err = compileRA(prop, ic.RA)
		case "delegated-router":
			ic.DelegatedRouter = true
		case "delegated-prefix":
			var p *PrefixConfig
			p, err = compilePrefix(prop)
			if err == nil && p.Prefix.Bits() != 64 {
				err = invalidf("delegated prefix %s is not a /64", p.Prefix)
			}
			if err == nil {
				ic.DelegatedRouter = true
				ic.DelegatedPrefixes = append(ic.DelegatedPrefixes, p)
			}
		}
		if err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, propError(prop, err))
		}
	}
	return nil
}

// compileNeighbor handles "neighbor <addr> mac <mac>;" and the block form.
func compileNeighbor(node *Node) (*NeighborConfig, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("missing neighbor address")
	}
	addr, err := netip.ParseAddr(node.Keys[1])
	if err != nil {
		return nil, err
	}
	nb := &NeighborConfig{Addr: addr}
	kv := keyValues(node)
	mac, ok := kv["mac"]
	if !ok {
		return nil, fmt.Errorf("neighbor %s: missing mac", addr)
	}
	if nb.MAC, err = net.ParseMAC(mac); err != nil {
		return nil, fmt.Errorf("neighbor %s: %w", addr, err)
	}
	return nb, nil
}

// keyValues collects "k v" pairs from the inline keys after the name and
// from leaf children.
func keyValues(node *Node) map[string]string {
	kv := make(map[string]string)
	for i := 2; i+1 < len(node.Keys); i += 2 {
		kv[node.Keys[i]] = node.Keys[i+1]
	}
	for _, c := range node.Children {
		if len(c.Keys) >= 2 {
			kv[c.Keys[0]] = c.Keys[1]
		}
	}
	return kv
}

func compileRoute(node *Node) (*RouteConfig, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("missing route prefix")
	}
	pfx, err := netip.ParsePrefix(node.Keys[1])
	if err != nil {
		return nil, err
	}
	r := &RouteConfig{Prefix: pfx.Masked()}
	kv := keyValues(node)
	if nh, ok := kv["next-hop"]; ok {
		if r.NextHop, err = netip.ParseAddr(nh); err != nil {
			return nil, err
		}
		if r.NextHop.IsMulticast() {
			return nil, invalidf("route %s: multicast next-hop %s", pfx, r.NextHop)
		}
	}
	r.Interface = kv["interface"]
	return r, nil
}

func compileRA(node *Node, ra *RAConfig) error {
	for _, prop := range node.Children {
		var err error
		v := nodeVal(prop)
		switch prop.Name() {
		case "interval":
			ra.Interval, err = ParseDuration(v)
		case "router-lifetime":
			ra.RouterLifetime, err = ParseDuration(v)
		case "link-mtu":
			ra.LinkMTU, err = parseMTU(v)
		case "cur-hop-limit":
			var h uint64
			h, err = parseUint(v, 8)
			ra.CurHopLimit = uint8(h)
		case "prefix":
			var p *PrefixConfig
			p, err = compilePrefix(prop)
			if err == nil {
				ra.Prefixes = append(ra.Prefixes, p)
			}
		}
		if err != nil {
			return fmt.Errorf("router-advertisement: %w", propError(prop, err))
		}
	}
	return nil
}

func compilePrefix(node *Node) (*PrefixConfig, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("missing prefix")
	}
	pfx, err := netip.ParsePrefix(node.Keys[1])
	if err != nil {
		return nil, err
	}
	p := &PrefixConfig{
		Prefix:            pfx.Masked(),
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     defaultValidLifetime,
		PreferredLifetime: defaultPreferredLifetime,
	}
	for _, child := range node.Children {
		switch child.Name() {
		case "on-link":
			p.OnLink = true
		case "autonomous":
			p.Autonomous = true
		case "no-onlink":
			p.OnLink = false
		case "no-autonomous":
			p.Autonomous = false
		case "valid-lifetime":
			if p.ValidLifetime, err = parseLifetime(nodeVal(child)); err != nil {
				return nil, propError(child, err)
			}
		case "preferred-lifetime":
			if p.PreferredLifetime, err = parseLifetime(nodeVal(child)); err != nil {
				return nil, propError(child, err)
			}
		}
	}
	if p.PreferredLifetime > p.ValidLifetime {
		return nil, invalidf("prefix %s: preferred-lifetime %v exceeds valid-lifetime %v",
			p.Prefix, p.PreferredLifetime, p.ValidLifetime)
	}
	return p, nil
}

func compileEvents(node *Node, cfg *Config) error {
	for _, en := range node.Children {
		ev, err := compileEvent(en, "at")
		if err != nil {
			return err
		}
		cfg.Events = append(cfg.Events, ev)
	}
	return nil
}

// compileEvent compiles one "<kind> <name> { ... }" block. timeKey names
// the property that sets At.
func compileEvent(en *Node, timeKey string) (*EventConfig, error) {
	kind, ok := eventKindNames[en.Name()]
	if !ok {
		return nil, fmt.Errorf("line %d: unknown event type %q", en.Line, en.Name())
	}
	if len(en.Keys) < 2 {
		return nil, fmt.Errorf("line %d: %s: missing event name", en.Line, en.Name())
	}
	ev := &EventConfig{Name: en.Keys[1], Kind: kind, Count: 1, Interval: time.Second}
	for _, prop := range en.Children {
		var err error
		v := nodeVal(prop)
		switch prop.Name() {
		case timeKey:
			ev.At, err = ParseDuration(v)
		case "from", "node":
			ev.Node = v
		case "interface":
			ev.Interface = v
		case "link":
			ev.Link = v
		case "to":
			ev.To, err = netip.ParseAddr(v)
		case "count":
			ev.Count, err = strconv.Atoi(v)
		case "interval":
			ev.Interval, err = ParseDuration(v)
		case "size":
			ev.Size, err = strconv.Atoi(v)
		default:
			err = fmt.Errorf("unknown setting")
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", en.Name(), ev.Name, propError(prop, err))
		}
	}
	if ev.Kind == EventPing && ev.Count < 1 {
		return nil, invalidf("%s %s: count must be positive", en.Name(), ev.Name)
	}
	return ev, nil
}

func compileEventOptions(node *Node, cfg *Config) error {
	for _, pn := range named(node, "policy") {
		pol := &EventPolicy{Name: pn.Keys[1]}
		for _, prop := range pn.Children {
			switch prop.Name() {
			case "events":
				pol.Events = append(pol.Events, prop.Keys[1:]...)
			case "node":
				pol.Node = nodeVal(prop)
			case "interface":
				pol.Interface = nodeVal(prop)
			case "within":
				w, err := compileWithin(prop)
				if err != nil {
					return fmt.Errorf("policy %s: %w", pol.Name, err)
				}
				pol.Within = append(pol.Within, w)
			case "then":
				for _, an := range prop.Children {
					act, err := compileEvent(an, "after")
					if err != nil {
						return fmt.Errorf("policy %s: then: %w", pol.Name, err)
					}
					pol.Then = append(pol.Then, act)
				}
			default:
				return fmt.Errorf("policy %s: %w", pol.Name, propError(prop, fmt.Errorf("unknown setting")))
			}
		}
		if len(pol.Events) == 0 {
			return invalidf("policy %s: no events", pol.Name)
		}
		cfg.Policies = append(cfg.Policies, pol)
	}
	return nil
}

// compileWithin parses "within <seconds> { trigger on N; trigger until N; }".
func compileWithin(node *Node) (*EventWithin, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("line %d: within: missing window", node.Line)
	}
	window, err := ParseDuration(node.Keys[1])
	if err != nil {
		return nil, propError(node, err)
	}
	w := &EventWithin{Window: window}
	for _, prop := range node.Children {
		if prop.Name() != "trigger" || len(prop.Keys) != 3 {
			return nil, propError(prop, fmt.Errorf("expected \"trigger on|until <count>\""))
		}
		n, err := strconv.Atoi(prop.Keys[2])
		if err != nil || n < 1 {
			return nil, propError(prop, fmt.Errorf("bad count %q", prop.Keys[2]))
		}
		switch prop.Keys[1] {
		case "on":
			w.TriggerOn = n
		case "until":
			w.TriggerUntil = n
		default:
			return nil, propError(prop, fmt.Errorf("unknown trigger %q", prop.Keys[1]))
		}
	}
	return w, nil
}

// LoadString parses and compiles scenario text in either syntax.
func LoadString(input string) (*Config, *ConfigTree, error) {
	tree, errs := ParseText(input)
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, nil, fmt.Errorf("parse: %s", strings.Join(msgs, "; "))
	}
	cfg, err := CompileConfig(tree)
	if err != nil {
		return nil, nil, err
	}
	return cfg, tree, nil
}
