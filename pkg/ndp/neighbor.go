package ndp

import (
	"bytes"
	"net"
	"net/netip"
	"sort"
	"time"
)

// NeighborState is the reachability state of a neighbor cache entry.
type NeighborState int

const (
	StateIncomplete NeighborState = iota
	StateProbing
	StateReachable
	StateUnreachable
	StateBuiltin
)

func (s NeighborState) String() string {
	switch s {
	case StateIncomplete:
		return "INCOMPLETE"
	case StateProbing:
		return "PROBING"
	case StateReachable:
		return "REACHABLE"
	case StateUnreachable:
		return "UNREACHABLE"
	case StateBuiltin:
		return "BUILTIN"
	default:
		return "UNKNOWN"
	}
}

// NeighborEntry binds an on-link IPv6 address to a link-layer address.
type NeighborEntry struct {
	Addr     netip.Addr
	LinkAddr net.HardwareAddr
	State    NeighborState
	IfIndex  int
	// Expires is when a REACHABLE entry must be confirmed again.
	Expires  time.Duration
	IsRouter bool
	// Gateway is set when the entry was created as a route's next hop
	// rather than as the final destination.
	Gateway   bool
	Updated   time.Duration
	LastProbe time.Duration
}

// NeighborCache is the per-interface neighbor table.
type NeighborCache struct {
	ifIndex int
	entries map[netip.Addr]*NeighborEntry
	stats   *Stats
}

// NewNeighborCache returns an empty cache. stats may be nil.
func NewNeighborCache(ifIndex int, stats *Stats) *NeighborCache {
	return &NeighborCache{
		ifIndex: ifIndex,
		entries: make(map[netip.Addr]*NeighborEntry),
		stats:   stats,
	}
}

// Lookup returns the entry for addr, or nil.
func (c *NeighborCache) Lookup(addr netip.Addr) *NeighborEntry {
	return c.entries[addr]
}

// LookupOrCreate returns the entry for addr, creating an INCOMPLETE entry
// when none exists. A non-nil lladdr is stored on the entry; when it differs
// in length from the stored address, the stored address is invalidated
// before the new one replaces it. BUILTIN entries keep their address.
func (c *NeighborCache) LookupOrCreate(addr netip.Addr, lladdr net.HardwareAddr) (e *NeighborEntry, created bool) {
	e = c.entries[addr]
	if e == nil {
		e = &NeighborEntry{
			Addr:    addr,
			State:   StateIncomplete,
			IfIndex: c.ifIndex,
		}
		c.entries[addr] = e
		created = true
	}
	if lladdr == nil || e.State == StateBuiltin {
		return e, created
	}
	if e.LinkAddr != nil && len(e.LinkAddr) != len(lladdr) {
		e.LinkAddr = nil
		if c.stats != nil {
			c.stats.LinkAddrInvalidated++
		}
	}
	if !bytes.Equal(e.LinkAddr, lladdr) {
		e.LinkAddr = append(net.HardwareAddr(nil), lladdr...)
	}
	return e, created
}

// AddBuiltin installs a static entry that is never probed.
func (c *NeighborCache) AddBuiltin(addr netip.Addr, lladdr net.HardwareAddr) *NeighborEntry {
	e := &NeighborEntry{
		Addr:     addr,
		LinkAddr: append(net.HardwareAddr(nil), lladdr...),
		State:    StateBuiltin,
		IfIndex:  c.ifIndex,
	}
	c.entries[addr] = e
	return e
}

// Remove deletes the entry for addr.
func (c *NeighborCache) Remove(addr netip.Addr) bool {
	if _, ok := c.entries[addr]; !ok {
		return false
	}
	delete(c.entries, addr)
	return true
}

// Flush removes every non-BUILTIN entry.
func (c *NeighborCache) Flush() {
	for a, e := range c.entries {
		if e.State != StateBuiltin {
			delete(c.entries, a)
		}
	}
}

// Len returns the number of entries.
func (c *NeighborCache) Len() int { return len(c.entries) }

// Entries returns copies of all entries ordered by address.
func (c *NeighborCache) Entries() []NeighborEntry {
	out := make([]NeighborEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}
