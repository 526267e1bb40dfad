// Package eventengine implements Junos-style event-options policy execution.
// It watches ND events and schedules scenario actions when policies match.
package eventengine

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/logging"
)

// ActionFn runs one action of a triggered policy.
type ActionFn func(pol *config.EventPolicy, act *config.EventConfig)

// Engine evaluates event-options policies against ND events. Times are
// simulated, read from the clock passed to New.
type Engine struct {
	mu       sync.Mutex
	policies []*config.EventPolicy
	now      func() time.Duration
	action   ActionFn

	// policy name -> event type -> sliding window of event times
	windows map[string]map[string][]time.Duration

	// policy name -> last trigger time
	lastTrigger map[string]time.Duration
	triggered   map[string]int
}

// Minimum time between successive triggers of the same policy.
const policyCooldown = 30 * time.Second

// defaultWindow bounds the retained history of a policy without within
// clauses.
const defaultWindow = 60 * time.Second

// New creates an event engine.
func New(now func() time.Duration, action ActionFn) *Engine {
	return &Engine{
		now:         now,
		action:      action,
		windows:     make(map[string]map[string][]time.Duration),
		lastTrigger: make(map[string]time.Duration),
		triggered:   make(map[string]int),
	}
}

// Apply loads new event-options policies. Resets temporal state.
func (e *Engine) Apply(policies []*config.EventPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = policies
	e.windows = make(map[string]map[string][]time.Duration)
	e.lastTrigger = make(map[string]time.Duration)
	e.triggered = make(map[string]int)
}

// Triggered returns how many times the named policy has fired.
func (e *Engine) Triggered(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered[name]
}

// HandleEvent is the observer callback for ND events.
func (e *Engine) HandleEvent(rec logging.EventRecord) {
	// Actions run without the lock; they may feed events back in.
	for _, pol := range e.evaluateEvent(rec) {
		for _, act := range pol.Then {
			e.action(pol, act)
		}
	}
}

// evaluateEvent checks policies under lock and returns any that should trigger.
func (e *Engine) evaluateEvent(rec logging.EventRecord) []*config.EventPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()

	var triggered []*config.EventPolicy
	for _, pol := range e.policies {
		if !slices.Contains(pol.Events, rec.Type) {
			continue
		}
		if !attributesMatch(pol, rec) {
			continue
		}

		if e.windows[pol.Name] == nil {
			e.windows[pol.Name] = make(map[string][]time.Duration)
		}
		now := e.now()
		e.windows[pol.Name][rec.Type] = append(e.windows[pol.Name][rec.Type], now)

		if !e.withinMatches(pol, rec.Type, now) {
			continue
		}

		// Cooldown: don't re-trigger the same policy too quickly
		if last, ok := e.lastTrigger[pol.Name]; ok && now-last < policyCooldown {
			continue
		}
		e.lastTrigger[pol.Name] = now
		e.triggered[pol.Name]++

		slog.Info("eventengine: policy triggered",
			"policy", pol.Name,
			"event", rec.Type,
			"node", rec.Node,
			"interface", rec.Interface,
			"at", now)

		triggered = append(triggered, pol)
	}
	return triggered
}

// attributesMatch checks the policy's node and interface filters.
func attributesMatch(pol *config.EventPolicy, rec logging.EventRecord) bool {
	if pol.Node != "" && pol.Node != rec.Node {
		return false
	}
	if pol.Interface != "" && pol.Interface != rec.Interface {
		return false
	}
	return true
}

// withinMatches evaluates temporal trigger clauses.
// "within N { trigger on M }" fires once M events happen within N.
// "within N { trigger until M }" fires until M events happen within N.
func (e *Engine) withinMatches(pol *config.EventPolicy, eventType string, now time.Duration) bool {
	defer e.pruneWindows(pol, eventType, now)
	if len(pol.Within) == 0 {
		return true
	}

	times := e.windows[pol.Name][eventType]
	for _, wc := range pol.Within {
		count := 0
		for _, ts := range times {
			if now-ts <= wc.Window {
				count++
			}
		}
		if wc.TriggerOn > 0 && count < wc.TriggerOn {
			return false
		}
		if wc.TriggerUntil > 0 && count >= wc.TriggerUntil {
			return false
		}
	}
	return true
}

// pruneWindows drops event times older than the policy's widest window.
func (e *Engine) pruneWindows(pol *config.EventPolicy, eventType string, now time.Duration) {
	maxWindow := time.Duration(0)
	for _, wc := range pol.Within {
		maxWindow = max(maxWindow, wc.Window)
	}
	if maxWindow == 0 {
		maxWindow = defaultWindow
	}

	times := e.windows[pol.Name][eventType]
	pruned := times[:0]
	for _, ts := range times {
		if now-ts <= maxWindow {
			pruned = append(pruned, ts)
		}
	}
	e.windows[pol.Name][eventType] = pruned
}
