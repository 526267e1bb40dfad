package ndp

import (
	"net/netip"
	"sort"
	"time"
)

// DestinationEntry caches the next hop chosen for a destination.
type DestinationEntry struct {
	Destination netip.Addr
	NextHop     netip.Addr
	PrefixLen   int
	Created     time.Duration
	Hits        uint64
}

// DestinationCache maps recently used destinations to next hops so that
// the route table is consulted once per destination.
type DestinationCache struct {
	entries map[netip.Addr]*DestinationEntry
}

// NewDestinationCache returns an empty cache.
func NewDestinationCache() *DestinationCache {
	return &DestinationCache{entries: make(map[netip.Addr]*DestinationEntry)}
}

// Lookup returns the entry for dst, or nil.
func (c *DestinationCache) Lookup(dst netip.Addr) *DestinationEntry {
	return c.entries[dst]
}

// Insert records dst -> nextHop. Results of the default route are never
// cached.
func (c *DestinationCache) Insert(dst, nextHop netip.Addr, prefixLen int, now time.Duration) {
	if prefixLen == 0 {
		return
	}
	c.entries[dst] = &DestinationEntry{
		Destination: dst,
		NextHop:     nextHop,
		PrefixLen:   prefixLen,
		Created:     now,
	}
}

// Delete drops the entry for dst.
func (c *DestinationCache) Delete(dst netip.Addr) {
	delete(c.entries, dst)
}

// PurgeNextHop drops every entry routed through nh.
func (c *DestinationCache) PurgeNextHop(nh netip.Addr) int {
	n := 0
	for d, e := range c.entries {
		if e.NextHop == nh {
			delete(c.entries, d)
			n++
		}
	}
	return n
}

// Flush empties the cache.
func (c *DestinationCache) Flush() {
	clear(c.entries)
}

// Len returns the number of cached destinations.
func (c *DestinationCache) Len() int { return len(c.entries) }

// Entries returns a copy of the cache sorted by destination.
func (c *DestinationCache) Entries() []DestinationEntry {
	out := make([]DestinationEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination.Less(out[j].Destination) })
	return out
}
