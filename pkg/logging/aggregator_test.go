package logging

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psaab/ndsim/pkg/sim"
)

func TestEventAggregator_Add(t *testing.T) {
	agg := NewEventAggregator(time.Hour, 10) // long interval, manual flush

	// LOG records should be ignored
	agg.Add(EventRecord{Type: "LOG", Node: "r1", Detail: "hello"})
	topNodes, topAddrs := agg.Flush()
	if len(topNodes) != 0 || len(topAddrs) != 0 {
		t.Error("LOG records should not add entries")
	}

	agg.Add(EventRecord{Type: "DAD_START", Node: "h1", Addr: "fe80::2"})
	agg.Add(EventRecord{Type: "DAD_CONFLICT", Node: "h1", Addr: "fe80::2"})
	agg.Add(EventRecord{Type: "NEIGH_REACHABLE", Node: "h1", Addr: "fe80::1"})
	agg.Add(EventRecord{Type: "ROUTER_LEARNED", Node: "h2"})

	topNodes, topAddrs = agg.Flush()

	if len(topNodes) != 2 {
		t.Fatalf("expected 2 node entries, got %d", len(topNodes))
	}
	if topNodes[0].Key != "h1" {
		t.Errorf("top node = %s, want h1", topNodes[0].Key)
	}
	if topNodes[0].Events != 3 {
		t.Errorf("events = %d, want 3", topNodes[0].Events)
	}
	if topNodes[0].Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", topNodes[0].Conflicts)
	}

	// Events without an address only count per node
	if len(topAddrs) != 2 {
		t.Fatalf("expected 2 address entries, got %d", len(topAddrs))
	}
	if topAddrs[0].Key != "fe80::2" || topAddrs[0].Events != 2 {
		t.Errorf("top address = %+v, want fe80::2 with 2 events", topAddrs[0])
	}

	// After flush, counters are reset
	topNodes, topAddrs = agg.Flush()
	if len(topNodes) != 0 || len(topAddrs) != 0 {
		t.Error("expected empty after flush")
	}
}

func TestEventAggregator_TopN(t *testing.T) {
	agg := NewEventAggregator(time.Hour, 3)

	for i, name := range []string{"a", "b", "c", "d", "e"} {
		for j := 0; j <= i; j++ {
			agg.Add(EventRecord{Type: "NEIGH_PROBE", Node: name})
		}
	}

	topNodes, _ := agg.Flush()
	if len(topNodes) != 3 {
		t.Fatalf("expected 3 entries (topN=3), got %d", len(topNodes))
	}
	want := []string{"e", "d", "c"}
	for i, w := range want {
		if topNodes[i].Key != w {
			t.Errorf("topNodes[%d] = %s, want %s", i, topNodes[i].Key, w)
		}
	}
}

func TestEventAggregator_Concurrent(t *testing.T) {
	agg := NewEventAggregator(time.Hour, 10)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				agg.Add(EventRecord{Type: "DAD_START", Node: "h1", Addr: "fe80::2"})
			}
		}()
	}
	wg.Wait()

	topNodes, _ := agg.Flush()
	if len(topNodes) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(topNodes))
	}
	if topNodes[0].Events != 1000 {
		t.Errorf("events = %d, want 1000", topNodes[0].Events)
	}
}

func TestEventAggregator_PeriodicFlush(t *testing.T) {
	sched := sim.New()
	agg := NewEventAggregator(10*time.Second, 10)

	var lines []string
	agg.SetLogFunc(func(msg string) { lines = append(lines, msg) })
	agg.Start(sched)

	agg.Add(EventRecord{Type: "DAD_CONFLICT", Node: "h1", Addr: "fe80::2"})

	sched.RunUntil(9 * time.Second)
	if len(lines) != 0 {
		t.Fatalf("flushed early: %v", lines)
	}
	sched.RunUntil(10 * time.Second)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], `top-node="h1"`) || !strings.Contains(lines[0], "conflicts=1") {
		t.Errorf("unexpected node line %q", lines[0])
	}
	if !strings.Contains(lines[1], `top-address="fe80::2"`) {
		t.Errorf("unexpected address line %q", lines[1])
	}

	// Nothing new: next period stays quiet
	sched.RunUntil(20 * time.Second)
	if len(lines) != 2 {
		t.Errorf("got %d lines after idle period, want 2", len(lines))
	}
}
