package api

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/netsim"
)

// ndsimCollector implements prometheus.Collector, reading node counters on
// each scrape under the simulation lock.
type ndsimCollector struct {
	srv *Server

	// Per-node counters keyed by counter name ("icmp6.in.msgs", ...)
	counters map[string]*prometheus.Desc
	names    []string

	simTime       *prometheus.Desc
	eventsPending *prometheus.Desc
	eventsFired   *prometheus.Desc
	neighbors     *prometheus.Desc
	prefixes      *prometheus.Desc
	addresses     *prometheus.Desc
	routes        *prometheus.Desc
	interfaceUp   *prometheus.Desc
	linkFrames    *prometheus.Desc
	linkDropped   *prometheus.Desc
}

// metricName maps a counter name to its exported metric name.
func metricName(counter string) string {
	return "ndsim_" + strings.ReplaceAll(counter, ".", "_") + "_total"
}

func newCollector(srv *Server) *ndsimCollector {
	c := &ndsimCollector{
		srv:      srv,
		counters: make(map[string]*prometheus.Desc),

		simTime: prometheus.NewDesc(
			"ndsim_sim_time_seconds",
			"Current simulated time.",
			nil, nil,
		),
		eventsPending: prometheus.NewDesc(
			"ndsim_scheduler_pending_events",
			"Events waiting in the scheduler queue.",
			nil, nil,
		),
		eventsFired: prometheus.NewDesc(
			"ndsim_scheduler_fired_events_total",
			"Events run by the scheduler.",
			nil, nil,
		),
		neighbors: prometheus.NewDesc(
			"ndsim_neighbors",
			"Neighbor cache entries per state.",
			[]string{"node", "state"}, nil,
		),
		prefixes: prometheus.NewDesc(
			"ndsim_prefixes",
			"Prefix list records.",
			[]string{"node", "learned"}, nil,
		),
		addresses: prometheus.NewDesc(
			"ndsim_addresses",
			"Interface addresses per state.",
			[]string{"node", "state"}, nil,
		),
		routes: prometheus.NewDesc(
			"ndsim_routes",
			"Routing table entries per origin.",
			[]string{"node", "origin"}, nil,
		),
		interfaceUp: prometheus.NewDesc(
			"ndsim_interface_up",
			"Whether an interface is administratively up.",
			[]string{"node", "iface", "link"}, nil,
		),
		linkFrames: prometheus.NewDesc(
			"ndsim_link_frames_total",
			"Frames transmitted on a link.",
			[]string{"link"}, nil,
		),
		linkDropped: prometheus.NewDesc(
			"ndsim_link_dropped_total",
			"Frames lost on a link.",
			[]string{"link"}, nil,
		),
	}

	add := func(name string, _ uint64) {
		if _, ok := c.counters[name]; ok {
			return
		}
		c.names = append(c.names, name)
		c.counters[name] = prometheus.NewDesc(
			metricName(name),
			"Simulated node counter "+name+".",
			[]string{"node"}, nil,
		)
	}
	var ps ndp.Stats
	ps.Each(add)
	var ns netsim.NodeStats
	ns.Each(add)
	return c
}

func (c *ndsimCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, name := range c.names {
		ch <- c.counters[name]
	}
	ch <- c.simTime
	ch <- c.eventsPending
	ch <- c.eventsFired
	ch <- c.neighbors
	ch <- c.prefixes
	ch <- c.addresses
	ch <- c.routes
	ch <- c.interfaceUp
	ch <- c.linkFrames
	ch <- c.linkDropped
}

func (c *ndsimCollector) Collect(ch chan<- prometheus.Metric) {
	if c.srv.net == nil {
		return
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	c.collectScheduler(ch)
	c.collectLinks(ch)
	for _, n := range c.srv.net.Nodes() {
		c.collectCounters(ch, n)
		c.collectTables(ch, n)
	}
}

func (c *ndsimCollector) collectScheduler(ch chan<- prometheus.Metric) {
	sched := c.srv.net.Scheduler()
	ch <- prometheus.MustNewConstMetric(c.simTime, prometheus.GaugeValue,
		sched.Now().Seconds())
	ch <- prometheus.MustNewConstMetric(c.eventsPending, prometheus.GaugeValue,
		float64(sched.Len()))
	ch <- prometheus.MustNewConstMetric(c.eventsFired, prometheus.CounterValue,
		float64(sched.Fired()))
}

func (c *ndsimCollector) collectLinks(ch chan<- prometheus.Metric) {
	for _, l := range c.srv.net.Links() {
		ch <- prometheus.MustNewConstMetric(c.linkFrames, prometheus.CounterValue,
			float64(l.Frames), l.Name)
		ch <- prometheus.MustNewConstMetric(c.linkDropped, prometheus.CounterValue,
			float64(l.Dropped), l.Name)
	}
}

func (c *ndsimCollector) collectCounters(ch chan<- prometheus.Metric, n *netsim.Node) {
	EachCounter(n, func(name string, v uint64) {
		desc, ok := c.counters[name]
		if !ok {
			return
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), n.Name)
	})
}

func (c *ndsimCollector) collectTables(ch chan<- prometheus.Metric, n *netsim.Node) {
	eng := n.Engine()

	neighState := make(map[string]int)
	for _, e := range eng.Neighbors() {
		neighState[e.State.String()]++
	}
	for state, count := range neighState {
		ch <- prometheus.MustNewConstMetric(c.neighbors, prometheus.GaugeValue,
			float64(count), n.Name, state)
	}

	var learned, static int
	for _, p := range eng.Prefixes() {
		if p.AutoLearned {
			learned++
		} else {
			static++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.prefixes, prometheus.GaugeValue,
		float64(learned), n.Name, "true")
	ch <- prometheus.MustNewConstMetric(c.prefixes, prometheus.GaugeValue,
		float64(static), n.Name, "false")

	addrState := make(map[string]int)
	for _, a := range eng.Addresses() {
		addrState[a.State.String()]++
	}
	for state, count := range addrState {
		ch <- prometheus.MustNewConstMetric(c.addresses, prometheus.GaugeValue,
			float64(count), n.Name, state)
	}

	origins := make(map[string]int)
	for _, r := range eng.Routes() {
		origins[r.Origin.String()]++
	}
	for origin, count := range origins {
		ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue,
			float64(count), n.Name, origin)
	}

	for _, p := range n.Ports() {
		up := 0.0
		if p.Up() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.interfaceUp, prometheus.GaugeValue,
			up, n.Name, p.Name(), p.Link().Name)
	}
}
