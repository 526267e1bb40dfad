package config

import (
	"net"
	"net/netip"
	"time"
)

// Config is the top-level typed scenario, compiled from the AST.
type Config struct {
	Simulation SimulationConfig
	Links      []*LinkConfig
	Nodes      []*NodeConfig
	Events     []*EventConfig
	Policies   []*EventPolicy // event-options
	Warnings   []string       // non-fatal validation warnings
}

// SimulationConfig holds run-wide settings.
type SimulationConfig struct {
	Duration time.Duration
	Pcap     string // pcap trace file, empty = no trace
	APIAddr  string // HTTP API listen address, empty = disabled
	EventLog string // ND event log file, empty = none
	Profile  string // predefined ND timer profile name
	ND       NDConfig
}

// NDConfig overrides protocol constants for every node. Zero fields keep
// the protocol defaults.
type NDConfig struct {
	ReachableTime       time.Duration
	RetransTimer        time.Duration
	DADWait             time.Duration
	PrefixExpiry        time.Duration
	RelayJitter         time.Duration
	RtrSolicitInterval  time.Duration
	MaxUnicastSolicit   int
	MaxRtrSolicitations int
	MinReceiveCount     int
}

// LinkConfig is a broadcast segment.
type LinkConfig struct {
	Name  string
	Delay time.Duration
	MTU   uint32 // 0 = 1500
	Down  bool   // starts administratively down
}

// NodeConfig is a simulated host or router.
type NodeConfig struct {
	Name       string
	ID         uint32 // 1..65535, carried in DAD nonces
	Forwarding bool
	Redirects  bool // send redirects when forwarding back out the arrival interface
	HostImport string
	Interfaces []*InterfaceConfig
	Routes     []*RouteConfig
}

// Interface returns the named interface, or nil.
func (n *NodeConfig) Interface(name string) *InterfaceConfig {
	for _, ic := range n.Interfaces {
		if ic.Name == name {
			return ic
		}
	}
	return nil
}

// InterfaceConfig attaches a node to a link.
type InterfaceConfig struct {
	Name              string
	Link              string
	MAC               net.HardwareAddr // nil = derived from node id and index
	MTU               uint32
	LinkLocal         netip.Addr // invalid = derived from the interface id
	Addresses         []netip.Prefix
	Autoconfig        bool
	DAD               bool
	DADRelay          bool
	Disable           bool
	Neighbors         []*NeighborConfig
	RA                *RAConfig
	DelegatedRouter   bool
	DelegatedPrefixes []*PrefixConfig
}

// NeighborConfig is a static (BUILTIN) neighbor binding.
type NeighborConfig struct {
	Addr netip.Addr
	MAC  net.HardwareAddr
}

// RAConfig enables router advertisements on an interface.
type RAConfig struct {
	Interval       time.Duration
	RouterLifetime time.Duration
	LinkMTU        uint32
	CurHopLimit    uint8
	Prefixes       []*PrefixConfig
}

// PrefixConfig is an advertised or delegated prefix.
type PrefixConfig struct {
	Prefix            netip.Prefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

// RouteConfig is a static route.
type RouteConfig struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr // invalid = on-link
	Interface string
}

// EventKind identifies a scheduled scenario event.
type EventKind int

const (
	EventPing EventKind = iota
	EventLinkDown
	EventLinkUp
	EventInterfaceDown
	EventInterfaceUp
)

var eventKindNames = map[string]EventKind{
	"ping":           EventPing,
	"link-down":      EventLinkDown,
	"link-up":        EventLinkUp,
	"interface-down": EventInterfaceDown,
	"interface-up":   EventInterfaceUp,
}

func (k EventKind) String() string {
	for name, v := range eventKindNames {
		if v == k {
			return name
		}
	}
	return "unknown"
}

// EventConfig is a scenario event fired at a simulated time.
type EventConfig struct {
	Name      string
	Kind      EventKind
	At        time.Duration
	Node      string // ping source, interface owner
	Interface string
	Link      string
	To        netip.Addr
	Count     int
	Interval  time.Duration
	Size      int
}

// FindNode returns the named node, or nil.
func (c *Config) FindNode(name string) *NodeConfig {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// FindLink returns the named link, or nil.
func (c *Config) FindLink(name string) *LinkConfig {
	for _, l := range c.Links {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// RouterInterfaces returns every interface that sends router
// advertisements, keyed by node name.
func (c *Config) RouterInterfaces() map[string][]*InterfaceConfig {
	out := make(map[string][]*InterfaceConfig)
	for _, n := range c.Nodes {
		for _, ic := range n.Interfaces {
			if ic.RA != nil || ic.DelegatedRouter {
				out[n.Name] = append(out[n.Name], ic)
			}
		}
	}
	return out
}

// EventPolicy reacts to ND events (event-options). When a matching event
// passes the within clauses, the Then actions are scheduled, each At
// after the trigger.
type EventPolicy struct {
	Name      string
	Events    []string // ND event types, e.g. DAD_CONFLICT
	Node      string   // empty matches any node
	Interface string   // empty matches any interface
	Within    []*EventWithin
	Then      []*EventConfig
}

// EventWithin defines a temporal trigger clause.
type EventWithin struct {
	Window       time.Duration
	TriggerOn    int // trigger on N
	TriggerUntil int // trigger until N
}
