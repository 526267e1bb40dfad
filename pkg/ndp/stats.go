package ndp

import (
	"fmt"
	"io"

	"golang.org/x/net/ipv6"
)

// Stats are the per-node protocol counters.
type Stats struct {
	InMsgs          uint64
	InErrors        uint64
	InTooShort      uint64
	InBadChecksum   uint64
	InBadSource     uint64
	InBadHopLimit   uint64
	InBadCode       uint64
	InBadLength     uint64
	InBadOption     uint64
	InUnknownOption uint64
	InUnknownType   uint64
	InType          [256]uint64

	OutMsgs   uint64
	OutErrors uint64
	OutDrops  uint64
	OutType   [256]uint64

	CtlInput         uint64
	ErrorsSuppressed uint64
	RedirectIgnored  uint64
	RSIgnored        uint64
	RAIgnored        uint64

	DestCacheHits       uint64
	ResolveMisses       uint64
	HeldPackets         uint64
	HeldFlushed         uint64
	HeldDropped         uint64
	ResolveFailed       uint64
	NUDProbes           uint64
	LinkAddrInvalidated uint64
	NoRoute             uint64

	DADStarted      uint64
	DADSucceeded    uint64
	DADConflicts    uint64
	DADDefended     uint64
	DADLoopback     uint64
	AddrConfigured  uint64
	AddrDeprecated  uint64
	AddrInvalidated uint64
	AddrFallback    uint64
	PrefixRejected  uint64

	DADRelayed         uint64
	DADRelaySuppressed uint64
}

var typeNames = []struct {
	typ  ipv6.ICMPType
	name string
}{
	{ipv6.ICMPTypeDestinationUnreachable, "dst_unreach"},
	{ipv6.ICMPTypePacketTooBig, "packet_too_big"},
	{ipv6.ICMPTypeTimeExceeded, "time_exceeded"},
	{ipv6.ICMPTypeParameterProblem, "param_problem"},
	{ipv6.ICMPTypeEchoRequest, "echo_request"},
	{ipv6.ICMPTypeEchoReply, "echo_reply"},
	{ipv6.ICMPTypeRouterSolicitation, "router_solicit"},
	{ipv6.ICMPTypeRouterAdvertisement, "router_advert"},
	{ipv6.ICMPTypeNeighborSolicitation, "neighbor_solicit"},
	{ipv6.ICMPTypeNeighborAdvertisement, "neighbor_advert"},
	{ipv6.ICMPTypeRedirect, "redirect"},
}

type statField struct {
	name string
	v    *uint64
}

func (s *Stats) fields() []statField {
	f := []statField{
		{"icmp6.in.msgs", &s.InMsgs},
		{"icmp6.in.errors", &s.InErrors},
		{"icmp6.in.too_short", &s.InTooShort},
		{"icmp6.in.bad_checksum", &s.InBadChecksum},
		{"icmp6.in.bad_source", &s.InBadSource},
		{"icmp6.in.bad_hop_limit", &s.InBadHopLimit},
		{"icmp6.in.bad_code", &s.InBadCode},
		{"icmp6.in.bad_length", &s.InBadLength},
		{"icmp6.in.bad_option", &s.InBadOption},
		{"icmp6.in.unknown_option", &s.InUnknownOption},
		{"icmp6.in.unknown_type", &s.InUnknownType},
	}
	for _, tn := range typeNames {
		f = append(f, statField{"icmp6.in." + tn.name, &s.InType[tn.typ]})
	}
	f = append(f,
		statField{"icmp6.out.msgs", &s.OutMsgs},
		statField{"icmp6.out.errors", &s.OutErrors},
		statField{"icmp6.out.drops", &s.OutDrops},
	)
	for _, tn := range typeNames {
		f = append(f, statField{"icmp6.out." + tn.name, &s.OutType[tn.typ]})
	}
	return append(f,
		statField{"icmp6.ctlinput", &s.CtlInput},
		statField{"icmp6.errors_suppressed", &s.ErrorsSuppressed},
		statField{"nd.redirect_ignored", &s.RedirectIgnored},
		statField{"nd.rs_ignored", &s.RSIgnored},
		statField{"nd.ra_ignored", &s.RAIgnored},
		statField{"nd.dest_cache_hits", &s.DestCacheHits},
		statField{"nd.resolve_misses", &s.ResolveMisses},
		statField{"nd.held_packets", &s.HeldPackets},
		statField{"nd.held_flushed", &s.HeldFlushed},
		statField{"nd.held_dropped", &s.HeldDropped},
		statField{"nd.resolve_failed", &s.ResolveFailed},
		statField{"nd.nud_probes", &s.NUDProbes},
		statField{"nd.lladdr_invalidated", &s.LinkAddrInvalidated},
		statField{"nd.no_route", &s.NoRoute},
		statField{"autoconf.dad_started", &s.DADStarted},
		statField{"autoconf.dad_succeeded", &s.DADSucceeded},
		statField{"autoconf.dad_conflicts", &s.DADConflicts},
		statField{"autoconf.dad_defended", &s.DADDefended},
		statField{"autoconf.dad_loopback", &s.DADLoopback},
		statField{"autoconf.addr_configured", &s.AddrConfigured},
		statField{"autoconf.addr_deprecated", &s.AddrDeprecated},
		statField{"autoconf.addr_invalidated", &s.AddrInvalidated},
		statField{"autoconf.addr_fallback", &s.AddrFallback},
		statField{"autoconf.prefix_rejected", &s.PrefixRejected},
		statField{"autoconf.dad_relayed", &s.DADRelayed},
		statField{"autoconf.dad_relay_suppressed", &s.DADRelaySuppressed},
	)
}

// Each calls fn for every counter in a fixed order.
func (s *Stats) Each(fn func(name string, v uint64)) {
	for _, f := range s.fields() {
		fn(f.name, *f.v)
	}
}

// Get returns the counter with the given name.
func (s *Stats) Get(name string) (uint64, bool) {
	for _, f := range s.fields() {
		if f.name == name {
			return *f.v, true
		}
	}
	return 0, false
}

// WriteTo writes one "name value" line per counter.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range s.fields() {
		n, err := fmt.Fprintf(w, "%s %d\n", f.name, *f.v)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	*s = Stats{}
}
