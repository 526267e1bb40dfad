// Package logging records simulation events and log output in memory and on
// disk, and writes packet captures.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/psaab/ndsim/pkg/ndp"
)

// EventRecord is one entry of the event buffer.
type EventRecord struct {
	Seq       uint64
	Time      time.Duration // simulated
	Level     slog.Level
	Node      string
	Interface string
	Type      string // "DAD_START", "NEIGH_REACHABLE", ..., "LOG" for log records
	Addr      string
	Detail    string
}

func (r EventRecord) String() string {
	where := r.Node
	if r.Interface != "" {
		where += "/" + r.Interface
	}
	s := fmt.Sprintf("%12s %-5s %-12s %-18s", r.Time, levelTag(r.Level), where, r.Type)
	if r.Addr != "" {
		s += " " + r.Addr
	}
	if r.Detail != "" {
		s += " " + r.Detail
	}
	return s
}

// FromEvent converts a protocol event reported by node.
func FromEvent(node string, ev ndp.Event) EventRecord {
	rec := EventRecord{
		Time:      ev.Time,
		Level:     slog.LevelInfo,
		Node:      node,
		Interface: ev.Interface,
		Type:      ev.Kind,
		Detail:    ev.Detail,
	}
	if ev.Addr.IsValid() {
		rec.Addr = ev.Addr.String()
	}
	switch ev.Kind {
	case ndp.EventDADConflict, ndp.EventNeighUnreachable, ndp.EventAddrInvalid:
		rec.Level = slog.LevelWarn
	}
	return rec
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest if full, and assigns its
// sequence number. Subscribers are notified without blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// Len returns the number of stored events.
func (eb *EventBuffer) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.count
}

// Clear drops every stored event. Sequence numbers keep increasing.
func (eb *EventBuffer) Clear() {
	eb.mu.Lock()
	eb.head = 0
	eb.count = 0
	clear(eb.buf)
	eb.mu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Node      string // exact node name
	Interface string // exact interface name
	Type      string // case-insensitive substring match on Type
	MinLevel  slog.Level
	hasLevel  bool
}

// WithMinLevel returns f restricted to records at or above l.
func (f EventFilter) WithMinLevel(l slog.Level) EventFilter {
	f.MinLevel = l
	f.hasLevel = true
	return f
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Node == "" && f.Interface == "" && f.Type == "" && !f.hasLevel
}

// Match reports whether rec satisfies every criterion of f.
func (f EventFilter) Match(rec EventRecord) bool { return f.matches(&rec) }

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Node != "" && rec.Node != f.Node {
		return false
	}
	if f.Interface != "" && rec.Interface != f.Interface {
		return false
	}
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	if f.hasLevel && rec.Level < f.MinLevel {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}

// Since returns the stored events with a sequence number above seq, oldest
// first.
func (eb *EventBuffer) Since(seq uint64) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []EventRecord
	for i := eb.count - 1; i >= 0; i-- {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if eb.buf[idx].Seq > seq {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
