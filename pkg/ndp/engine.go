package ndp

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

// Engine runs Neighbor Discovery, ICMPv6 and autoconfiguration for one node.
type Engine struct {
	link  Link
	sched Scheduler
	cfg   Config
	log   *slog.Logger

	onEvent func(Event)
	onEcho  func(EchoReply)

	ifaces  []*Interface
	byIndex map[int]*Interface

	prefixes *PrefixList
	routes   *RouteTable
	pending  map[pendingKey]*pendingRetry

	stats Stats
}

// Interface is the engine's per-interface state.
type Interface struct {
	Index int
	Name  string

	cfg InterfaceConfig
	mtu uint32
	up  bool

	neighbors *NeighborCache
	dests     *DestinationCache
	ac        autoconf

	rsSent  int
	rsTimer timerSlot
	raTimer timerSlot
}

// New returns an engine for the node behind link.
func New(link Link, sched Scheduler, cfg Config) *Engine {
	return &Engine{
		link:     link,
		sched:    sched,
		cfg:      cfg.withDefaults(),
		log:      slog.Default().With("node", link.NodeID()),
		byIndex:  make(map[int]*Interface),
		prefixes: NewPrefixList(),
		routes:   NewRouteTable(),
		pending:  make(map[pendingKey]*pendingRetry),
	}
}

// SetObserver registers fn to receive protocol events.
func (e *Engine) SetObserver(fn func(Event)) { e.onEvent = fn }

// SetEchoHandler registers fn to receive echo replies addressed to the node.
func (e *Engine) SetEchoHandler(fn func(EchoReply)) { e.onEcho = fn }

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.log = l }

// Config returns the effective protocol configuration.
func (e *Engine) Config() Config { return e.cfg }

// AddInterface registers an interface. It must be called before Start.
func (e *Engine) AddInterface(cfg InterfaceConfig) error {
	if _, dup := e.byIndex[cfg.Index]; dup {
		return fmt.Errorf("ndp: duplicate interface index %d", cfg.Index)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("if%d", cfg.Index)
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	if cfg.MTU < ip6.MinMTU {
		return fmt.Errorf("ndp: interface %s: mtu %d below %d", cfg.Name, cfg.MTU, ip6.MinMTU)
	}
	if cfg.DelegatedRouter {
		for _, p := range cfg.DelegatedPrefixes {
			if p.Prefix.Bits() != 64 {
				return fmt.Errorf("ndp: interface %s: delegated prefix %s is not a /64", cfg.Name, p.Prefix)
			}
			if err := checkLifetimes(p.PreferredLifetime, p.ValidLifetime); err != nil {
				return fmt.Errorf("ndp: interface %s: delegated prefix %s: %w", cfg.Name, p.Prefix, err)
			}
		}
	}

	ifc := &Interface{
		Index:     cfg.Index,
		Name:      cfg.Name,
		cfg:       cfg,
		mtu:       cfg.MTU,
		up:        true,
		neighbors: NewNeighborCache(cfg.Index, &e.stats),
		dests:     NewDestinationCache(),
	}
	if rc := cfg.Router; rc != nil {
		for _, p := range rc.Prefixes {
			_, err := e.prefixes.Add(PrefixRecord{
				Prefix:            p.Prefix,
				IfIndex:           cfg.Index,
				Flags:             p.flags(),
				PreferredLifetime: p.PreferredLifetime,
				ValidLifetime:     p.ValidLifetime,
				ReceivedCount:     1,
			})
			if err != nil {
				return fmt.Errorf("ndp: interface %s: prefix %s: %w", cfg.Name, p.Prefix, err)
			}
		}
	}
	for _, a := range cfg.Addresses {
		if a.Bits() < 128 {
			e.routes.Add(Route{Prefix: a.Masked(), IfIndex: cfg.Index, Origin: OriginConnected})
		}
	}
	for _, n := range cfg.Neighbors {
		ifc.neighbors.AddBuiltin(n.Addr, n.LinkAddr)
	}
	e.initAutoconf(ifc)

	e.ifaces = append(e.ifaces, ifc)
	e.byIndex[cfg.Index] = ifc
	return nil
}

func (p PrefixConfig) flags() icmp6.PrefixFlags {
	var f icmp6.PrefixFlags
	if p.OnLink {
		f |= icmp6.PrefixOnLink
	}
	if p.Autonomous {
		f |= icmp6.PrefixAutonomous
	}
	return f
}

// Start brings every interface up and begins duplicate address detection.
func (e *Engine) Start() {
	for _, ifc := range e.ifaces {
		e.log.Debug("ndp: interface up", "iface", ifc.Name, "link-local", ifc.ac.linkLocal)
		e.startDAD(ifc)
	}
}

// SetInterfaceUp changes the administrative state of an interface. Taking
// an interface down flushes its caches and withdraws its autoconfigured
// address; bringing it back up re-runs DAD.
func (e *Engine) SetInterfaceUp(ifIndex int, up bool) error {
	ifc := e.byIndex[ifIndex]
	if ifc == nil {
		return fmt.Errorf("ndp: no interface %d", ifIndex)
	}
	if ifc.up == up {
		return nil
	}
	ifc.up = up
	if up {
		e.log.Info("ndp: interface up", "iface", ifc.Name)
		e.startDAD(ifc)
		return nil
	}

	e.log.Info("ndp: interface down", "iface", ifc.Name)
	ifc.rsTimer.stop()
	ifc.raTimer.stop()
	e.stopAutoconf(ifc)
	for key, pr := range e.pending {
		if key.ifIndex != ifIndex {
			continue
		}
		pr.timer.stop()
		if pr.held != nil {
			e.stats.HeldDropped++
		}
		delete(e.pending, key)
	}
	ifc.neighbors.Flush()
	ifc.dests.Flush()
	return nil
}

func (e *Engine) emit(ifc *Interface, kind string, addr netip.Addr, detail string) {
	if e.onEvent == nil {
		return
	}
	ev := Event{
		Time:   e.sched.Now(),
		Node:   e.link.NodeID(),
		Kind:   kind,
		Addr:   addr,
		Detail: detail,
	}
	if ifc != nil {
		ev.Interface = ifc.Name
	}
	e.onEvent(ev)
}

func (e *Engine) now() time.Duration { return e.sched.Now() }

// Interface returns the interface with the given index.
func (e *Engine) Interface(ifIndex int) (*Interface, bool) {
	ifc, ok := e.byIndex[ifIndex]
	return ifc, ok
}

// InterfaceByName returns the interface with the given name.
func (e *Engine) InterfaceByName(name string) (*Interface, bool) {
	for _, ifc := range e.ifaces {
		if ifc.Name == name {
			return ifc, true
		}
	}
	return nil, false
}

// Up reports the administrative state.
func (ifc *Interface) Up() bool { return ifc.up }

// MTU is the current link MTU, possibly lowered by an RA.
func (ifc *Interface) MTU() uint32 { return ifc.mtu }

// LinkLocal is the interface's current link-local address.
func (ifc *Interface) LinkLocal() netip.Addr { return ifc.ac.linkLocal }

// State is the autoconfiguration state of the current address.
func (ifc *Interface) State() AddrState { return ifc.ac.state }

// Global is the autoconfigured global address, if any.
func (ifc *Interface) Global() (netip.Prefix, bool) {
	return ifc.ac.global, ifc.ac.global.IsValid()
}

// Deprecated is the address held in the deprecated slot, if any.
func (ifc *Interface) Deprecated() (netip.Prefix, time.Duration, bool) {
	return ifc.ac.deprecated, ifc.ac.deprecatedUntil, ifc.ac.deprecated.IsValid()
}

// Neighbor returns the cache entry for addr.
func (ifc *Interface) Neighbor(addr netip.Addr) (*NeighborEntry, bool) {
	n := ifc.neighbors.Lookup(addr)
	return n, n != nil
}

// Router reports whether the interface sends router advertisements.
func (ifc *Interface) Router() bool {
	return ifc.cfg.Router != nil || ifc.cfg.DelegatedRouter
}

// Interfaces returns the node's interfaces in registration order.
func (e *Engine) Interfaces() []*Interface {
	return append([]*Interface(nil), e.ifaces...)
}

// Neighbors returns every neighbor cache entry of the node.
func (e *Engine) Neighbors() []NeighborEntry {
	var out []NeighborEntry
	for _, ifc := range e.ifaces {
		out = append(out, ifc.neighbors.Entries()...)
	}
	return out
}

// Destinations returns every destination cache entry of the node.
func (e *Engine) Destinations() []DestinationEntry {
	var out []DestinationEntry
	for _, ifc := range e.ifaces {
		out = append(out, ifc.dests.Entries()...)
	}
	return out
}

// Prefixes returns the eligible prefix list.
func (e *Engine) Prefixes() []PrefixRecord { return e.prefixes.All() }

// Routes returns the route table.
func (e *Engine) Routes() []Route { return e.routes.Routes() }

// AddRoute installs a static route.
func (e *Engine) AddRoute(r Route) error {
	if _, ok := e.byIndex[r.IfIndex]; !ok {
		return fmt.Errorf("ndp: route %s: no interface %d", r.Prefix, r.IfIndex)
	}
	if r.NextHop.IsValid() && r.NextHop.IsMulticast() {
		return fmt.Errorf("ndp: route %s: multicast next hop %s", r.Prefix, r.NextHop)
	}
	e.routes.Add(r)
	return nil
}

// Lookup returns the route the node would use for dst.
func (e *Engine) Lookup(dst netip.Addr) (Route, bool) {
	r, ok := e.routes.Lookup(dst, e.now())
	if !ok {
		return Route{}, false
	}
	return *r, true
}

// Stats returns the live counters.
func (e *Engine) Stats() *Stats { return &e.stats }

// Address is one IPv6 address assigned to an interface.
type Address struct {
	IfIndex   int
	Interface string
	Prefix    netip.Prefix
	State     AddrState
	Origin    string
	// ValidUntil is zero for addresses without a lifetime.
	ValidUntil time.Duration
}

// Addresses lists every address of the node.
func (e *Engine) Addresses() []Address {
	var out []Address
	for _, ifc := range e.ifaces {
		ac := &ifc.ac
		llState := StatePreferred
		if ac.state == StateTentative {
			llState = StateTentative
		}
		out = append(out, Address{
			IfIndex:   ifc.Index,
			Interface: ifc.Name,
			Prefix:    netip.PrefixFrom(ac.linkLocal, 64),
			State:     llState,
			Origin:    "link-local",
		})
		for _, a := range ifc.cfg.Addresses {
			out = append(out, Address{
				IfIndex:   ifc.Index,
				Interface: ifc.Name,
				Prefix:    a,
				State:     StatePreferred,
				Origin:    "manual",
			})
		}
		if ac.global.IsValid() {
			out = append(out, Address{
				IfIndex:    ifc.Index,
				Interface:  ifc.Name,
				Prefix:     ac.global,
				State:      ac.state,
				Origin:     "autoconf",
				ValidUntil: finite(ac.validUntil),
			})
		}
		if ac.deprecated.IsValid() {
			out = append(out, Address{
				IfIndex:    ifc.Index,
				Interface:  ifc.Name,
				Prefix:     ac.deprecated,
				State:      StateDeprecated,
				Origin:     "autoconf",
				ValidUntil: finite(ac.deprecatedUntil),
			})
		}
	}
	return out
}

func finite(d time.Duration) time.Duration {
	if d >= icmp6.InfiniteLifetime {
		return 0
	}
	return d
}

// ownAddress reports whether a is a usable (non-tentative) address of ifc.
func (ifc *Interface) ownAddress(a netip.Addr) bool {
	ac := &ifc.ac
	switch {
	case a == ac.linkLocal:
		return ac.state != StateTentative
	case ac.global.IsValid() && a == ac.global.Addr():
		return true
	case ac.deprecated.IsValid() && a == ac.deprecated.Addr():
		return true
	}
	for _, p := range ifc.cfg.Addresses {
		if p.Addr() == a {
			return true
		}
	}
	return false
}

// IsLocal reports whether a is a usable address on any interface.
func (e *Engine) IsLocal(a netip.Addr) bool {
	for _, ifc := range e.ifaces {
		if ifc.ownAddress(a) {
			return true
		}
	}
	return false
}

// Accepts reports whether a packet for dst arriving on ifIndex is for this
// node.
func (e *Engine) Accepts(ifIndex int, dst netip.Addr) bool {
	ifc := e.byIndex[ifIndex]
	if ifc == nil || !ifc.up {
		return false
	}
	if !dst.IsMulticast() {
		return e.IsLocal(dst)
	}
	switch {
	case dst == ip6.AllNodes:
		return true
	case dst == ip6.AllRouters:
		return e.link.Forwarding() || ifc.Router()
	case !ip6.IsSolicitedNode(dst):
		return false
	case ifc.cfg.DADRelay:
		return true
	}
	ac := &ifc.ac
	if dst == ip6.SolicitedNode(ac.linkLocal) {
		return true
	}
	if ac.global.IsValid() && dst == ip6.SolicitedNode(ac.global.Addr()) {
		return true
	}
	if ac.deprecated.IsValid() && dst == ip6.SolicitedNode(ac.deprecated.Addr()) {
		return true
	}
	for _, p := range ifc.cfg.Addresses {
		if dst == ip6.SolicitedNode(p.Addr()) {
			return true
		}
	}
	return false
}

// sourceFor picks the source address ifc uses to reach dst.
func (e *Engine) sourceFor(ifc *Interface, dst netip.Addr) netip.Addr {
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() {
		return ifc.ac.linkLocal
	}
	if ifc.ac.global.IsValid() {
		return ifc.ac.global.Addr()
	}
	if len(ifc.cfg.Addresses) > 0 {
		return ifc.cfg.Addresses[0].Addr()
	}
	return ifc.ac.linkLocal
}

// SourceAddress returns the source address the node uses to reach dst.
func (e *Engine) SourceAddress(dst netip.Addr, ifIndex int) (netip.Addr, bool) {
	ifc := e.byIndex[ifIndex]
	if ifc == nil {
		r, ok := e.routes.Lookup(dst, e.now())
		if !ok {
			return netip.Addr{}, false
		}
		ifc = e.byIndex[r.IfIndex]
	}
	if ifc == nil {
		return netip.Addr{}, false
	}
	return e.sourceFor(ifc, dst), true
}

func (e *Engine) linkAddr(ifc *Interface) net.HardwareAddr {
	return e.link.LinkAddress(ifc.Index)
}
