package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventHandler is an slog.Handler that copies log records at or above a
// level into an EventBuffer in addition to a wrapped base handler
// (typically stderr). Records are stamped with simulated time.
type EventHandler struct {
	base   slog.Handler
	buf    *EventBuffer
	level  slog.Leveler
	clock  *clock
	attrs  []slog.Attr
	groups []string
}

type clock struct {
	mu  sync.RWMutex
	now func() time.Duration
}

func (c *clock) get() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.now == nil {
		return 0
	}
	return c.now()
}

// NewEventHandler wraps base. Records at level or above go to buf.
func NewEventHandler(base slog.Handler, buf *EventBuffer, level slog.Leveler) *EventHandler {
	return &EventHandler{base: base, buf: buf, level: level, clock: &clock{}}
}

// SetClock sets the source of record timestamps. Handlers derived with
// WithAttrs or WithGroup share it.
func (h *EventHandler) SetClock(now func() time.Duration) {
	h.clock.mu.Lock()
	h.clock.now = now
	h.clock.mu.Unlock()
}

// Enabled implements slog.Handler.
func (h *EventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *EventHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.base.Enabled(ctx, r.Level) {
		err = h.base.Handle(ctx, r)
	}
	if r.Level >= h.level.Level() {
		h.buf.Add(h.record(r))
	}
	return err
}

func (h *EventHandler) record(r slog.Record) EventRecord {
	rec := EventRecord{
		Time:  h.clock.get(),
		Level: r.Level,
		Type:  "LOG",
	}
	pick := func(a slog.Attr) {
		switch a.Key {
		case "node":
			rec.Node = a.Value.String()
		case "iface":
			rec.Interface = a.Value.String()
		}
	}
	for _, a := range h.attrs {
		pick(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		pick(a)
		return true
	})
	rec.Detail = formatRecord(r, h.attrs, h.groups)
	return rec
}

// WithAttrs implements slog.Handler.
func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &EventHandler{
		base:   h.base.WithAttrs(attrs),
		buf:    h.buf,
		level:  h.level,
		clock:  h.clock,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *EventHandler) WithGroup(name string) slog.Handler {
	return &EventHandler{
		base:   h.base.WithGroup(name),
		buf:    h.buf,
		level:  h.level,
		clock:  h.clock,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// formatRecord produces a compact text representation of a log record.
// The node and iface attributes are carried in their own fields.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		if a.Key == "node" || a.Key == "iface" {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "node" || a.Key == "iface" {
			return true
		}
		key := a.Key
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		fmt.Fprintf(&b, " %s=%s", key, a.Value.String())
		return true
	})

	return b.String()
}
