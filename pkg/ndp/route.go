package ndp

import (
	"net/netip"
	"sort"
	"time"

	"github.com/gaissmai/bart"
)

// RouteOrigin says where a route came from.
type RouteOrigin int

const (
	OriginConnected RouteOrigin = iota
	OriginStatic
	OriginRA
)

func (o RouteOrigin) String() string {
	switch o {
	case OriginConnected:
		return "connected"
	case OriginStatic:
		return "static"
	case OriginRA:
		return "ra"
	default:
		return "unknown"
	}
}

// Route is a prefix table entry. An invalid NextHop means on-link.
type Route struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	IfIndex int
	Origin  RouteOrigin
	// Expires is zero for routes without a lifetime.
	Expires time.Duration
}

// OnLink reports whether destinations under the route are neighbors.
func (r *Route) OnLink() bool { return !r.NextHop.IsValid() }

// RouteTable is the node's longest-prefix-match table.
type RouteTable struct {
	lpm    bart.Table[*Route]
	routes map[netip.Prefix]*Route
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[netip.Prefix]*Route)}
}

// Add inserts or replaces the route for r.Prefix.
func (t *RouteTable) Add(r Route) {
	r.Prefix = r.Prefix.Masked()
	rt := &r
	t.routes[r.Prefix] = rt
	t.lpm.Insert(r.Prefix, rt)
}

// Delete removes the route for pfx.
func (t *RouteTable) Delete(pfx netip.Prefix) bool {
	pfx = pfx.Masked()
	if _, ok := t.routes[pfx]; !ok {
		return false
	}
	delete(t.routes, pfx)
	t.lpm.Delete(pfx)
	return true
}

// Get returns the route for exactly pfx.
func (t *RouteTable) Get(pfx netip.Prefix) (*Route, bool) {
	r, ok := t.routes[pfx.Masked()]
	return r, ok
}

// Lookup returns the longest matching unexpired route for dst. Expired
// routes met on the way are removed.
func (t *RouteTable) Lookup(dst netip.Addr, now time.Duration) (*Route, bool) {
	for {
		r, ok := t.lpm.Lookup(dst)
		if !ok {
			return nil, false
		}
		if r.Expires == 0 || now < r.Expires {
			return r, true
		}
		t.Delete(r.Prefix)
	}
}

// Routes returns copies of all routes ordered by prefix.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Prefix, out[j].Prefix
		if a.Addr() != b.Addr() {
			return a.Addr().Less(b.Addr())
		}
		return a.Bits() < b.Bits()
	})
	return out
}

// Len returns the number of routes.
func (t *RouteTable) Len() int { return len(t.routes) }
