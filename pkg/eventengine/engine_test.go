package eventengine

import (
	"testing"
	"time"

	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/logging"
)

type recorder struct {
	now   time.Duration
	fired []string
}

func (r *recorder) clock() time.Duration { return r.now }

func (r *recorder) act(pol *config.EventPolicy, act *config.EventConfig) {
	r.fired = append(r.fired, pol.Name+"/"+act.Name)
}

func newEngine(policies ...*config.EventPolicy) (*Engine, *recorder) {
	r := &recorder{}
	e := New(r.clock, r.act)
	e.Apply(policies)
	return e, r
}

func conflict(node, iface string) logging.EventRecord {
	return logging.EventRecord{Node: node, Interface: iface, Type: "DAD_CONFLICT"}
}

func action(name string) []*config.EventConfig {
	return []*config.EventConfig{{Name: name, Kind: config.EventLinkDown, Link: "lan0"}}
}

func TestHandleEvent_Match(t *testing.T) {
	pol := &config.EventPolicy{Name: "p", Events: []string{"DAD_CONFLICT"}, Then: action("cut")}
	e, r := newEngine(pol)

	e.HandleEvent(logging.EventRecord{Node: "h1", Type: "DAD_SUCCESS"})
	if len(r.fired) != 0 {
		t.Fatalf("fired on unrelated event: %v", r.fired)
	}
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 1 || r.fired[0] != "p/cut" {
		t.Errorf("fired = %v, want [p/cut]", r.fired)
	}
	if got := e.Triggered("p"); got != 1 {
		t.Errorf("Triggered = %d, want 1", got)
	}
}

func TestHandleEvent_Attributes(t *testing.T) {
	tests := []struct {
		name      string
		node      string
		iface     string
		rec       logging.EventRecord
		wantFired bool
	}{
		{"any", "", "", conflict("h1", "eth0"), true},
		{"node match", "h1", "", conflict("h1", "eth0"), true},
		{"node mismatch", "h2", "", conflict("h1", "eth0"), false},
		{"interface match", "h1", "eth0", conflict("h1", "eth0"), true},
		{"interface mismatch", "h1", "eth1", conflict("h1", "eth0"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := &config.EventPolicy{
				Name: "p", Events: []string{"DAD_CONFLICT"},
				Node: tt.node, Interface: tt.iface, Then: action("a"),
			}
			e, r := newEngine(pol)
			e.HandleEvent(tt.rec)
			if got := len(r.fired) == 1; got != tt.wantFired {
				t.Errorf("fired = %v, want %v", got, tt.wantFired)
			}
		})
	}
}

func TestHandleEvent_Cooldown(t *testing.T) {
	pol := &config.EventPolicy{Name: "p", Events: []string{"DAD_CONFLICT"}, Then: action("a")}
	e, r := newEngine(pol)

	e.HandleEvent(conflict("h1", "eth0"))
	r.now = 10 * time.Second
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 1 {
		t.Errorf("fired %d times inside cooldown, want 1", len(r.fired))
	}
	r.now = policyCooldown
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 2 {
		t.Errorf("fired %d times after cooldown, want 2", len(r.fired))
	}
}

func TestHandleEvent_TriggerOn(t *testing.T) {
	pol := &config.EventPolicy{
		Name:   "p",
		Events: []string{"DAD_CONFLICT"},
		Within: []*config.EventWithin{{Window: 10 * time.Second, TriggerOn: 3}},
		Then:   action("a"),
	}
	e, r := newEngine(pol)

	// Two events, then the third falls outside the window of the first.
	e.HandleEvent(conflict("h1", "eth0"))
	r.now = 5 * time.Second
	e.HandleEvent(conflict("h1", "eth0"))
	r.now = 12 * time.Second
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 0 {
		t.Fatalf("fired with 2 events in window: %v", r.fired)
	}
	r.now = 13 * time.Second
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 1 {
		t.Errorf("fired %d times, want 1", len(r.fired))
	}
}

func TestHandleEvent_TriggerUntil(t *testing.T) {
	pol := &config.EventPolicy{
		Name:   "p",
		Events: []string{"DAD_CONFLICT"},
		Within: []*config.EventWithin{{Window: 100 * time.Second, TriggerUntil: 2}},
		Then:   action("a"),
	}
	e, r := newEngine(pol)

	e.HandleEvent(conflict("h1", "eth0"))
	r.now = 40 * time.Second
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 1 {
		t.Errorf("fired %d times, want 1 (second event reaches the limit)", len(r.fired))
	}
}

func TestApply_ResetsState(t *testing.T) {
	pol := &config.EventPolicy{Name: "p", Events: []string{"DAD_CONFLICT"}, Then: action("a")}
	e, r := newEngine(pol)
	e.HandleEvent(conflict("h1", "eth0"))

	e.Apply([]*config.EventPolicy{pol})
	if got := e.Triggered("p"); got != 0 {
		t.Errorf("Triggered after Apply = %d, want 0", got)
	}
	e.HandleEvent(conflict("h1", "eth0"))
	if len(r.fired) != 2 {
		t.Errorf("cooldown survived Apply: fired %d times", len(r.fired))
	}
}

func TestPruneWindows(t *testing.T) {
	pol := &config.EventPolicy{Name: "p", Events: []string{"DAD_CONFLICT"}}
	e, r := newEngine(pol)
	for i := range 5 {
		r.now = time.Duration(i) * 30 * time.Second
		e.HandleEvent(conflict("h1", "eth0"))
	}
	if got := len(e.windows["p"]["DAD_CONFLICT"]); got != 3 {
		t.Errorf("window holds %d times, want 3", got)
	}
}
