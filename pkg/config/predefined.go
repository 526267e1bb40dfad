package config

import (
	"fmt"
	"sort"
	"time"
)

// PredefinedProfiles contains built-in ND timer profiles selectable with
// "simulation { profile <name>; }". Explicit "nd" settings override the
// profile field by field.
var PredefinedProfiles = map[string]NDConfig{
	// Protocol defaults.
	"rfc4861": {},

	// Short timers for quick convergence in small scenarios.
	"fast": {
		ReachableTime:      5 * time.Second,
		RetransTimer:       250 * time.Millisecond,
		DADWait:            500 * time.Millisecond,
		PrefixExpiry:       10 * time.Second,
		RelayJitter:        10 * time.Millisecond,
		RtrSolicitInterval: time.Second,
	},

	// Slow links: more retries and longer waits.
	"lossy": {
		RetransTimer:        2 * time.Second,
		DADWait:             4 * time.Second,
		RelayJitter:         200 * time.Millisecond,
		MaxUnicastSolicit:   5,
		MaxRtrSolicitations: 5,
	},
}

// ProfileNames returns the predefined profile names in order.
func ProfileNames() []string {
	names := make([]string, 0, len(PredefinedProfiles))
	for name := range PredefinedProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyProfile fills zero fields of nd from the named profile.
func applyProfile(name string, nd *NDConfig) error {
	p, ok := PredefinedProfiles[name]
	if !ok {
		return fmt.Errorf("unknown profile %q (have %v)", name, ProfileNames())
	}
	fill := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	fillInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	fill(&nd.ReachableTime, p.ReachableTime)
	fill(&nd.RetransTimer, p.RetransTimer)
	fill(&nd.DADWait, p.DADWait)
	fill(&nd.PrefixExpiry, p.PrefixExpiry)
	fill(&nd.RelayJitter, p.RelayJitter)
	fill(&nd.RtrSolicitInterval, p.RtrSolicitInterval)
	fillInt(&nd.MaxUnicastSolicit, p.MaxUnicastSolicit)
	fillInt(&nd.MaxRtrSolicitations, p.MaxRtrSolicitations)
	fillInt(&nd.MinReceiveCount, p.MinReceiveCount)
	return nil
}
