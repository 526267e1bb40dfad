package ndp

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"net/netip"
	"time"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

// AddrState is the autoconfiguration state of an interface address.
type AddrState int

const (
	StateTentative AddrState = iota
	StatePreferred
	StateDeprecated
	StateInvalid
)

func (s AddrState) String() string {
	switch s {
	case StateTentative:
		return "TENTATIVE"
	case StatePreferred:
		return "PREFERRED"
	case StateDeprecated:
		return "DEPRECATED"
	case StateInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// autoconf is the per-interface address state. state describes the current
// address, which is global when one is configured and link-local otherwise.
type autoconf struct {
	state      AddrState
	linkLocal  netip.Addr
	iid        uint64
	generation int

	global     netip.Prefix
	prefixID   PrefixID
	validUntil time.Duration

	deprecated      netip.Prefix
	deprecatedUntil time.Duration

	dadNonce []byte

	wait      timerSlot
	deprecate timerSlot
	invalid   timerSlot

	naSeen   recencyList
	nsSeen   recencyList
	relays   map[uint64]*timerSlot
	relaySeq uint64
}

func (e *Engine) initAutoconf(ifc *Interface) {
	ac := &ifc.ac
	ac.state = StateTentative
	ac.iid = e.interfaceID(ifc, 0)
	ac.linkLocal = ip6.LinkLocal(ac.iid)
	ac.relays = make(map[uint64]*timerSlot)
}

// interfaceID derives the identifier for the given generation. Generation
// zero uses the configured link-local address or the node id; later
// generations hash the node id so that each conflict yields a new value.
func (e *Engine) interfaceID(ifc *Interface, generation int) uint64 {
	if generation == 0 {
		if ll := ifc.cfg.LinkLocal; ll.IsValid() {
			return ip6.IID(ll)
		}
		return uint64(e.link.NodeID())
	}
	h := fnv.New64a()
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], e.link.NodeID())
	binary.BigEndian.PutUint32(b[4:8], uint32(ifc.Index))
	binary.BigEndian.PutUint64(b[8:16], uint64(generation))
	h.Write(b[:])
	// Clear the universal/local bit: the identifier is not EUI-64 derived.
	return h.Sum64() &^ (0x02 << 56)
}

// newNonce encodes the originator identity of a DAD probe: the low 16 bits
// of the node id and the send time in milliseconds.
func (e *Engine) newNonce() []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], uint16(e.link.NodeID()))
	binary.BigEndian.PutUint32(b[2:6], uint32(e.now()/time.Millisecond))
	return b
}

func (e *Engine) ownNonce(nonce []byte) bool {
	return len(nonce) == 6 && binary.BigEndian.Uint16(nonce[0:2]) == uint16(e.link.NodeID())
}

// startDAD makes the link-local address tentative and probes for it.
func (e *Engine) startDAD(ifc *Interface) {
	ac := &ifc.ac
	ac.state = StateTentative
	if !ifc.cfg.DAD {
		e.dadComplete(ifc)
		return
	}
	e.stats.DADStarted++
	ac.dadNonce = e.newNonce()
	target := ac.linkLocal
	e.log.Info("ndp: starting DAD", "iface", ifc.Name, "addr", target)
	e.emit(ifc, EventDADStart, target, "")

	m := &icmp6.NeighborSolicitation{
		Target:  target,
		Options: icmp6.OptionList{&icmp6.NonceOption{Nonce: ac.dadNonce}},
	}
	e.Send(ifc.Index, e.ndPacket(m, ip6.Unspecified, ip6.SolicitedNode(target)))
	ac.wait.arm(e.sched, e.cfg.DADWait, "dad-wait", func() { e.handleWaitTimer(ifc) })
}

// handleWaitTimer concludes DAD when no conflicting message arrived.
func (e *Engine) handleWaitTimer(ifc *Interface) {
	if ifc.ac.state != StateTentative {
		return
	}
	e.stats.DADSucceeded++
	e.log.Info("ndp: DAD succeeded", "iface", ifc.Name, "addr", ifc.ac.linkLocal)
	e.emit(ifc, EventDADSuccess, ifc.ac.linkLocal, "")
	e.dadComplete(ifc)
}

func (e *Engine) dadComplete(ifc *Interface) {
	ifc.ac.state = StatePreferred
	if ifc.cfg.Autoconfig {
		e.configureAddress(ifc)
	}
	if ifc.Router() {
		e.startAdvertising(ifc)
	} else {
		e.startRouterSolicit(ifc)
	}
}

// dadConflict abandons the current identifier and starts over with a new
// one.
func (e *Engine) dadConflict(ifc *Interface, addr netip.Addr, reason string) {
	ac := &ifc.ac
	e.stats.DADConflicts++
	e.log.Warn("ndp: duplicate address detected", "iface", ifc.Name, "addr", addr, "via", reason)
	e.emit(ifc, EventDADConflict, addr, reason)

	ac.wait.stop()
	ac.deprecate.stop()
	ifc.rsTimer.stop()
	ac.global = netip.Prefix{}
	ac.prefixID = 0
	ac.validUntil = 0

	ac.generation++
	ac.iid = e.interfaceID(ifc, ac.generation)
	ac.linkLocal = ip6.LinkLocal(ac.iid)
	e.startDAD(ifc)
}

// configureAddress forms a global address from the best eligible prefix.
func (e *Engine) configureAddress(ifc *Interface) bool {
	if ifc.ac.global.IsValid() {
		return true
	}
	r := e.prefixes.Select(ifc.Index, e.now(), e.cfg.PrefixExpiry, e.cfg.MinReceiveCount)
	if r == nil {
		return false
	}
	e.activate(ifc, r)
	return true
}

func (e *Engine) activate(ifc *Interface, r *PrefixRecord) {
	ac := &ifc.ac
	addr := ip6.WithIID(r.Prefix, ac.iid)
	ac.global = netip.PrefixFrom(addr, r.Prefix.Bits())
	ac.prefixID = r.ID
	ac.state = StatePreferred
	if ac.deprecated.IsValid() && ac.deprecated.Addr() == addr {
		ac.invalid.stop()
		ac.deprecated = netip.Prefix{}
		ac.deprecatedUntil = 0
	}
	e.stats.AddrConfigured++
	e.log.Info("ndp: address configured", "iface", ifc.Name, "addr", ac.global,
		"preferred", r.PreferredLifetime, "valid", r.ValidLifetime)
	e.emit(ifc, EventAddrConfigured, addr, ac.global.String())
	e.refreshAddress(ifc, r)
}

// refreshAddress re-arms the deprecate timer from r's lifetimes.
func (e *Engine) refreshAddress(ifc *Interface, r *PrefixRecord) {
	ac := &ifc.ac
	ac.validUntil = r.ValidUntil()
	if until := r.PreferredUntil(); until < icmp6.InfiniteLifetime {
		ac.deprecate.arm(e.sched, until-e.now(), "addr-deprecate", func() { e.handleDeprecateTimer(ifc) })
	} else {
		ac.deprecate.stop()
	}
}

// handleDeprecateTimer retires the current global address into the
// deprecated slot and looks for a replacement, falling back to the
// link-local address when none qualifies.
func (e *Engine) handleDeprecateTimer(ifc *Interface) {
	ac := &ifc.ac
	if !ac.global.IsValid() {
		return
	}
	if ac.deprecated.IsValid() {
		ac.invalid.stop()
		e.stats.AddrInvalidated++
		e.emit(ifc, EventAddrInvalid, ac.deprecated.Addr(), "superseded")
	}
	old := ac.global
	ac.deprecated = old
	ac.deprecatedUntil = ac.validUntil
	if ac.validUntil < icmp6.InfiniteLifetime {
		ac.invalid.arm(e.sched, ac.validUntil-e.now(), "addr-invalid", func() { e.handleInvalidTimer(ifc) })
	}
	e.stats.AddrDeprecated++
	e.log.Info("ndp: address deprecated", "iface", ifc.Name, "addr", old, "valid-until", ac.validUntil)
	e.emit(ifc, EventAddrDeprecated, old.Addr(), "")

	e.prefixes.Remove(ac.prefixID)
	ac.global = netip.Prefix{}
	ac.prefixID = 0
	ac.validUntil = 0

	if ifc.cfg.Autoconfig && e.configureAddress(ifc) {
		return
	}

	e.stats.AddrFallback++
	e.log.Info("ndp: falling back to link-local", "iface", ifc.Name, "addr", ac.linkLocal)
	e.emit(ifc, EventAddrFallback, ac.linkLocal, "")
	if ifc.cfg.DAD {
		ac.state = StateTentative
		e.startDAD(ifc)
		return
	}
	ac.state = StatePreferred
}

// handleInvalidTimer clears the deprecated slot.
func (e *Engine) handleInvalidTimer(ifc *Interface) {
	ac := &ifc.ac
	if !ac.deprecated.IsValid() {
		return
	}
	e.stats.AddrInvalidated++
	e.log.Info("ndp: address invalid", "iface", ifc.Name, "addr", ac.deprecated)
	e.emit(ifc, EventAddrInvalid, ac.deprecated.Addr(), "")
	ac.deprecated = netip.Prefix{}
	ac.deprecatedUntil = 0
}

// stopAutoconf cancels the interface's autoconfiguration timers and
// withdraws its global address.
func (e *Engine) stopAutoconf(ifc *Interface) {
	ac := &ifc.ac
	ac.wait.stop()
	ac.deprecate.stop()
	for seq, t := range ac.relays {
		t.stop()
		delete(ac.relays, seq)
	}
	ac.global = netip.Prefix{}
	ac.prefixID = 0
	ac.validUntil = 0
	ac.state = StateTentative
}

// dadInputNS handles a solicitation from the unspecified address.
func (e *Engine) dadInputNS(ifc *Interface, pkt *ip6.Packet, m *icmp6.NeighborSolicitation) {
	nonce := m.Options.Nonce()
	if e.ownNonce(nonce) {
		e.stats.DADLoopback++
		return
	}
	switch {
	case ifc.cfg.DAD && e.conflicts(ifc, m.Target):
		// Another node is probing our tentative or current address.
		e.dadConflict(ifc, m.Target, "neighbor solicitation")
	case ifc.ownAddress(m.Target):
		// Static and deprecated addresses are not regenerated.
		e.stats.DADDefended++
		e.log.Info("ndp: defending address", "iface", ifc.Name, "addr", m.Target)
		e.emit(ifc, EventDADDefend, m.Target, "")
		flags := icmp6.FlagOverride
		if ifc.cfg.DADRelay {
			flags |= icmp6.FlagForward
		}
		e.sendNA(ifc, m.Target, ip6.AllNodes, flags)
	case ifc.cfg.DADRelay:
		e.relayNS(ifc, pkt, m)
	}
}

// dadInputNA checks an advertisement against the interface's own
// addresses and relays DAD advertisements. It reports whether the message
// was consumed.
func (e *Engine) dadInputNA(ifc *Interface, pkt *ip6.Packet, m *icmp6.NeighborAdvertisement) bool {
	ac := &ifc.ac
	if ifc.cfg.DAD && e.conflicts(ifc, m.Target) {
		tlla := m.Options.TargetLinkAddr()
		if !bytes.Equal(tlla, e.linkAddr(ifc)) {
			e.dadConflict(ifc, m.Target, "neighbor advertisement")
			return true
		}
	}
	if m.Flags&icmp6.FlagForward == 0 {
		return false
	}
	if ifc.cfg.DADRelay && m.Target != ac.linkLocal && !ifc.ownAddress(m.Target) {
		e.relayNA(ifc, pkt, m)
	}
	return true
}

// conflicts reports whether a is the tentative or current address of ifc.
func (e *Engine) conflicts(ifc *Interface, a netip.Addr) bool {
	ac := &ifc.ac
	if a == ac.linkLocal {
		return true
	}
	return ac.global.IsValid() && a == ac.global.Addr()
}
