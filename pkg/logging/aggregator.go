package logging

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/psaab/ndsim/pkg/sim"
)

// EventAggregator counts protocol events per node and per address and
// periodically reports the busiest ones.
type EventAggregator struct {
	mu    sync.Mutex
	nodes map[string]*aggEntry // node -> counts
	addrs map[string]*aggEntry // address -> counts

	flushInterval time.Duration
	topN          int
	logFn         func(msg string) // where to send aggregate reports
}

type aggEntry struct {
	Events    uint64
	Conflicts uint64
}

// AggregateEntry is a single top-N entry returned by Flush.
type AggregateEntry struct {
	Key       string
	Events    uint64
	Conflicts uint64
}

// NewEventAggregator creates a new aggregator. flushInterval is simulated
// time between reports (default 60s); topN bounds each report (default 10).
func NewEventAggregator(flushInterval time.Duration, topN int) *EventAggregator {
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	if topN <= 0 {
		topN = 10
	}
	return &EventAggregator{
		nodes:         make(map[string]*aggEntry),
		addrs:         make(map[string]*aggEntry),
		flushInterval: flushInterval,
		topN:          topN,
	}
}

// SetLogFunc sets the function used to emit aggregate report lines.
func (ea *EventAggregator) SetLogFunc(fn func(msg string)) {
	ea.mu.Lock()
	ea.logFn = fn
	ea.mu.Unlock()
}

// Add records an event. Log records are not counted.
func (ea *EventAggregator) Add(rec EventRecord) {
	if rec.Type == "LOG" {
		return
	}
	conflict := uint64(0)
	if rec.Type == "DAD_CONFLICT" {
		conflict = 1
	}

	ea.mu.Lock()
	defer ea.mu.Unlock()

	bump(ea.nodes, rec.Node, conflict)
	if rec.Addr != "" {
		bump(ea.addrs, rec.Addr, conflict)
	}
}

func bump(m map[string]*aggEntry, key string, conflict uint64) {
	if e, ok := m[key]; ok {
		e.Events++
		e.Conflicts += conflict
		return
	}
	m[key] = &aggEntry{Events: 1, Conflicts: conflict}
}

// Flush returns the top-N nodes and addresses by event count, then resets
// the counters.
func (ea *EventAggregator) Flush() (topNodes, topAddrs []AggregateEntry) {
	ea.mu.Lock()
	nodes := ea.nodes
	addrs := ea.addrs
	ea.nodes = make(map[string]*aggEntry)
	ea.addrs = make(map[string]*aggEntry)
	ea.mu.Unlock()

	topNodes = topEntries(nodes, ea.topN)
	topAddrs = topEntries(addrs, ea.topN)
	return
}

// Start schedules the periodic report on sched.
func (ea *EventAggregator) Start(sched *sim.Scheduler) {
	sched.Schedule(ea.flushInterval, "event-aggregate", func() {
		ea.flushAndLog()
		ea.Start(sched)
	})
}

func (ea *EventAggregator) flushAndLog() {
	topNodes, topAddrs := ea.Flush()

	if len(topNodes) == 0 && len(topAddrs) == 0 {
		return
	}

	ea.mu.Lock()
	logFn := ea.logFn
	ea.mu.Unlock()

	emit := func(msg string) {
		if logFn != nil {
			logFn(msg)
		}
		slog.Info(msg)
	}
	for _, e := range topNodes {
		emit(fmt.Sprintf("ND_EVENT_AGGREGATE top-node=%q events=%d conflicts=%d", e.Key, e.Events, e.Conflicts))
	}
	for _, e := range topAddrs {
		emit(fmt.Sprintf("ND_EVENT_AGGREGATE top-address=%q events=%d conflicts=%d", e.Key, e.Events, e.Conflicts))
	}
}

func topEntries(m map[string]*aggEntry, n int) []AggregateEntry {
	if len(m) == 0 {
		return nil
	}
	entries := make([]AggregateEntry, 0, len(m))
	for key, e := range m {
		entries = append(entries, AggregateEntry{Key: key, Events: e.Events, Conflicts: e.Conflicts})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Events != entries[j].Events {
			return entries[i].Events > entries[j].Events
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
