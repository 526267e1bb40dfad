// Package ndp implements IPv6 Neighbor Discovery, the ICMPv6 input and
// output paths, and stateless address autoconfiguration with duplicate
// address detection for one simulated node.
//
// An Engine is driven entirely by its Scheduler: packet input, timers and
// resolution all run on the scheduler's single goroutine, so the Engine
// carries no locks.
package ndp

import (
	"net"
	"net/netip"
	"time"

	"github.com/psaab/ndsim/pkg/ip6"
	"github.com/psaab/ndsim/pkg/sim"
)

// Protocol constants.
const (
	MaxUnicastSolicit       = 3
	ReachableTime           = 30 * time.Second
	RetransTimer            = time.Second
	DADWaitInterval         = 2 * time.Second
	PrefixExpiryInterval    = 40 * time.Second
	RelayJitter             = 100 * time.Millisecond
	MaxRtrSolicitations     = 3
	RtrSolicitationInterval = 4 * time.Second
	DefaultAdvInterval      = 10 * time.Second
	DefaultRouterLifetime   = 1800 * time.Second
	DefaultMinReceiveCount  = 1
	NDHopLimit              = 255
)

// Config holds the node-wide protocol timers. Zero fields take the
// package defaults.
type Config struct {
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

func (c Config) withDefaults() Config {
	if c.ReachableTime <= 0 {
		c.ReachableTime = ReachableTime
	}
	if c.RetransTimer <= 0 {
		c.RetransTimer = RetransTimer
	}
	if c.DADWait <= 0 {
		c.DADWait = DADWaitInterval
	}
	if c.PrefixExpiry <= 0 {
		c.PrefixExpiry = PrefixExpiryInterval
	}
	if c.RelayJitter <= 0 {
		c.RelayJitter = RelayJitter
	}
	if c.RtrSolicitInterval <= 0 {
		c.RtrSolicitInterval = RtrSolicitationInterval
	}
	if c.MaxUnicastSolicit <= 0 {
		c.MaxUnicastSolicit = MaxUnicastSolicit
	}
	if c.MaxRtrSolicitations <= 0 {
		c.MaxRtrSolicitations = MaxRtrSolicitations
	}
	if c.MinReceiveCount <= 0 {
		c.MinReceiveCount = DefaultMinReceiveCount
	}
	return c
}

// InterfaceConfig describes one IPv6 interface of the node.
type InterfaceConfig struct {
	Index int
	Name  string
	MTU   uint32

	DAD        bool
	Autoconfig bool
	DADRelay   bool

	// LinkLocal overrides the address derived from the node id.
	LinkLocal netip.Addr
	Addresses []netip.Prefix
	Neighbors []StaticNeighbor

	// Router enables router advertisements on this interface.
	Router *RouterConfig

	DelegatedRouter   bool
	DelegatedPrefixes []PrefixConfig
}

// StaticNeighbor is a neighbor that is never probed.
type StaticNeighbor struct {
	Addr     netip.Addr
	LinkAddr net.HardwareAddr
}

// RouterConfig holds advertisement parameters.
type RouterConfig struct {
	Interval       time.Duration
	RouterLifetime time.Duration
	LinkMTU        uint32
	CurHopLimit    uint8
	Prefixes       []PrefixConfig
}

// PrefixConfig is a prefix configured for advertisement.
type PrefixConfig struct {
	Prefix            netip.Prefix
	OnLink            bool
	Autonomous        bool
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration
}

// Scheduler is the discrete-event clock the engine runs on.
type Scheduler interface {
	Now() time.Duration
	Schedule(delay time.Duration, name string, fn func()) *sim.Timer
}

// Link is the node below the engine: IP output and link-layer transmit.
type Link interface {
	NodeID() uint32
	Forwarding() bool
	LinkAddress(ifIndex int) net.HardwareAddr
	// Output transmits pkt on ifIndex to the link-layer destination dst.
	Output(ifIndex int, pkt *ip6.Packet, dst net.HardwareAddr) error
}

// Event is a notable protocol transition, reported to the observer.
type Event struct {
	Time      time.Duration
	Node      uint32
	Interface string
	Kind      string
	Addr      netip.Addr
	Detail    string
}

// Event kinds.
const (
	EventDADStart         = "DAD_START"
	EventDADSuccess       = "DAD_SUCCESS"
	EventDADConflict      = "DAD_CONFLICT"
	EventDADDefend        = "DAD_DEFEND"
	EventAddrConfigured   = "ADDR_CONFIGURED"
	EventAddrDeprecated   = "ADDR_DEPRECATED"
	EventAddrInvalid      = "ADDR_INVALID"
	EventAddrFallback     = "ADDR_FALLBACK"
	EventNeighReachable   = "NEIGH_REACHABLE"
	EventNeighProbe       = "NEIGH_PROBE"
	EventNeighUnreachable = "NEIGH_UNREACHABLE"
	EventPrefixLearned    = "PREFIX_LEARNED"
	EventRouterLearned    = "ROUTER_LEARNED"
	EventRedirect         = "REDIRECT_IGNORED"
	EventICMPError        = "ICMP6_ERROR"
)

// EchoReply is an echo reply delivered to this node.
type EchoReply struct {
	IfIndex int
	From    netip.Addr
	ID      int
	Seq     int
	Data    []byte
	At      time.Duration
}

// timerSlot owns at most one pending timer. Arming always stops the
// previous timer first.
type timerSlot struct {
	t *sim.Timer
}

func (s *timerSlot) arm(sched Scheduler, d time.Duration, name string, fn func()) {
	s.stop()
	var t *sim.Timer
	t = sched.Schedule(d, name, func() {
		if s.t == t {
			s.t = nil
		}
		fn()
	})
	s.t = t
}

func (s *timerSlot) stop() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}

func (s *timerSlot) pending() bool {
	return s.t.Pending()
}

func (s *timerSlot) when() time.Duration {
	if s.t == nil {
		return 0
	}
	return s.t.When()
}
