package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/logging"
	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/netsim"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.net.Scheduler()
	writeOK(w, StatusResponse{
		SimTime:       sched.Now().String(),
		Nodes:         len(s.net.Nodes()),
		Links:         len(s.net.Links()),
		EventsPending: sched.Len(),
		EventsFired:   sched.Fired(),
	})
}

func (s *Server) nodesHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []NodeInfo{}
	for _, n := range s.net.Nodes() {
		result = append(result, Describe(n))
	}
	writeOK(w, result)
}

// lookupNode resolves the {node} path value or writes a 404. Callers hold s.mu.
func (s *Server) lookupNode(w http.ResponseWriter, r *http.Request) (*netsim.Node, bool) {
	name := r.PathValue("node")
	n, ok := s.net.Node(name)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found: "+name)
		return nil, false
	}
	return n, true
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}
	writeOK(w, Describe(n))
}

func (s *Server) neighborsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}
	writeOK(w, Neighbors(n))
}

func (s *Server) prefixesHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}
	writeOK(w, Prefixes(n))
}

func (s *Server) addressesHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}
	writeOK(w, Addresses(n))
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}
	writeOK(w, Routes(n))
}

// statisticsHandler returns every node's counters, or one node's with ?node=.
func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := r.URL.Query().Get("node")
	result := []NodeStatistics{}
	for _, n := range s.net.Nodes() {
		if filter != "" && n.Name != filter {
			continue
		}
		ns := NodeStatistics{Node: n.Name, Counters: make(map[string]uint64)}
		EachCounter(n, func(name string, v uint64) {
			ns.Counters[name] = v
		})
		result = append(result, ns)
	}
	if filter != "" && len(result) == 0 {
		writeError(w, http.StatusNotFound, "node not found: "+filter)
		return
	}
	writeOK(w, result)
}

func (s *Server) clearStatisticsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := r.URL.Query().Get("node")
	cleared := 0
	for _, n := range s.net.Nodes() {
		if filter != "" && n.Name != filter {
			continue
		}
		n.ResetStats()
		cleared++
	}
	slog.Info("api: statistics cleared", "nodes", cleared)
	writeOK(w, map[string]int{"cleared": cleared})
}

// eventsHandler returns buffered events, newest first.
// Supports ?limit=, ?node=, ?interface=, ?type=, ?level= and ?since=.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	q := r.URL.Query()

	var recs []logging.EventRecord
	if since := q.Get("since"); since != "" {
		seq, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+since)
			return
		}
		recs = s.eventBuf.Since(seq)
	} else {
		filter := logging.EventFilter{
			Node:      q.Get("node"),
			Interface: q.Get("interface"),
			Type:      q.Get("type"),
		}
		if lv := q.Get("level"); lv != "" {
			var l slog.Level
			if err := l.UnmarshalText([]byte(strings.ToUpper(lv))); err != nil {
				writeError(w, http.StatusBadRequest, "invalid level: "+lv)
				return
			}
			filter = filter.WithMinLevel(l)
		}
		recs = s.eventBuf.LatestFiltered(queryInt(r, "limit", 100), filter)
	}

	result := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		result = append(result, eventEntryFromRecord(rec))
	}
	writeOK(w, result)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Seq:       rec.Seq,
		Time:      rec.Time.String(),
		Level:     rec.Level.String(),
		Node:      rec.Node,
		Interface: rec.Interface,
		Type:      rec.Type,
		Address:   rec.Addr,
		Detail:    rec.Detail,
	}
}

// Describe returns the identity and interface state of n.
func Describe(n *netsim.Node) NodeInfo {
	info := NodeInfo{
		Name:       n.Name,
		ID:         n.ID(),
		Forwarding: n.Forwarding(),
		Interfaces: []InterfaceInfo{},
	}
	for _, p := range n.Ports() {
		ii := InterfaceInfo{
			Name:  p.Name(),
			Index: p.Index(),
			Link:  p.Link().Name,
			MAC:   p.MAC().String(),
			Up:    p.Up(),
		}
		if ifc, ok := n.Engine().Interface(p.Index()); ok {
			ii.MTU = ifc.MTU()
			ii.State = ifc.State().String()
			ii.Router = ifc.Router()
			if ll := ifc.LinkLocal(); ll.IsValid() {
				ii.LinkLocal = ll.String()
			}
			if g, ok := ifc.Global(); ok {
				ii.Global = g.String()
			}
		}
		info.Interfaces = append(info.Interfaces, ii)
	}
	return info
}

func ifName(n *netsim.Node, ifIndex int) string {
	if ifc, ok := n.Engine().Interface(ifIndex); ok {
		return ifc.Name
	}
	return strconv.Itoa(ifIndex)
}

// Neighbors lists the neighbor caches of n.
func Neighbors(n *netsim.Node) []NeighborInfo {
	now := n.Now()
	result := []NeighborInfo{}
	for _, e := range n.Engine().Neighbors() {
		ni := NeighborInfo{
			Interface: ifName(n, e.IfIndex),
			Address:   e.Addr.String(),
			State:     e.State.String(),
			IsRouter:  e.IsRouter,
		}
		if len(e.LinkAddr) > 0 {
			ni.LinkAddr = e.LinkAddr.String()
		}
		if e.State == ndp.StateReachable && e.Expires > now {
			ni.Expires = (e.Expires - now).String()
		}
		result = append(result, ni)
	}
	return result
}

// Prefixes lists the prefix records of n.
func Prefixes(n *netsim.Node) []PrefixInfo {
	result := []PrefixInfo{}
	for _, p := range n.Engine().Prefixes() {
		pi := PrefixInfo{
			ID:                uint32(p.ID),
			Prefix:            p.Prefix.String(),
			Interface:         ifName(n, p.IfIndex),
			OnLink:            p.OnLink(),
			Autonomous:        p.Autonomous(),
			ValidLifetime:     FormatLifetime(p.ValidLifetime),
			PreferredLifetime: FormatLifetime(p.PreferredLifetime),
			Learned:           p.AutoLearned,
			ReceivedCount:     p.ReceivedCount,
		}
		if p.PrevHop.IsValid() {
			pi.From = p.PrevHop.String()
		}
		result = append(result, pi)
	}
	return result
}

// Addresses lists the interface addresses of n.
func Addresses(n *netsim.Node) []AddressInfo {
	now := n.Now()
	result := []AddressInfo{}
	for _, a := range n.Engine().Addresses() {
		ai := AddressInfo{
			Interface: a.Interface,
			Address:   a.Prefix.String(),
			State:     a.State.String(),
			Origin:    a.Origin,
		}
		if a.ValidUntil > 0 {
			ai.ValidUntil = FormatLifetime(a.ValidUntil - now)
		}
		result = append(result, ai)
	}
	return result
}

// Routes lists the routing table of n.
func Routes(n *netsim.Node) []RouteInfo {
	now := n.Now()
	result := []RouteInfo{}
	for _, r := range n.Engine().Routes() {
		ri := RouteInfo{
			Prefix:    r.Prefix.String(),
			Interface: ifName(n, r.IfIndex),
			Origin:    r.Origin.String(),
		}
		if r.NextHop.IsValid() {
			ri.NextHop = r.NextHop.String()
		}
		if r.Expires > 0 {
			ri.Expires = FormatLifetime(r.Expires - now)
		}
		result = append(result, ri)
	}
	return result
}

// EachCounter walks the protocol counters of n followed by its forwarding
// counters.
func EachCounter(n *netsim.Node, fn func(name string, v uint64)) {
	n.Engine().Stats().Each(fn)
	n.Stats().Each(fn)
}

// FormatLifetime renders a lifetime, spelling out the infinite value.
func FormatLifetime(d time.Duration) string {
	if d >= icmp6.InfiniteLifetime {
		return "infinity"
	}
	if d < 0 {
		d = 0
	}
	return d.String()
}
