package netsim

import (
	"fmt"

	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/sim"
)

// Build creates the network described by cfg. The network is not started.
func Build(cfg *config.Config, sched *sim.Scheduler) (*Network, error) {
	n := New(sched)
	for _, lc := range cfg.Links {
		l, err := n.AddLink(lc.Name, lc.Delay, lc.MTU)
		if err != nil {
			return nil, err
		}
		l.up = !lc.Down
	}

	ndcfg := NDConfig(cfg.Simulation.ND)
	for _, nc := range cfg.Nodes {
		node, err := n.AddNode(nc.Name, nc.ID, nc.Forwarding, ndcfg)
		if err != nil {
			return nil, err
		}
		node.redirects = nc.Redirects
		for _, ic := range nc.Interfaces {
			link, ok := n.linkByName[ic.Link]
			if !ok {
				return nil, fmt.Errorf("netsim: node %s interface %s: no link %q", nc.Name, ic.Name, ic.Link)
			}
			p, err := node.Attach(link, InterfaceConfig(ic), ic.MAC)
			if err != nil {
				return nil, err
			}
			p.up = !ic.Disable
		}
		for _, rc := range nc.Routes {
			if err := node.addRoute(rc); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

func (n *Node) addRoute(rc *config.RouteConfig) error {
	r := ndp.Route{Prefix: rc.Prefix, NextHop: rc.NextHop, Origin: ndp.OriginStatic}
	if rc.Interface != "" {
		p, ok := n.PortByName(rc.Interface)
		if !ok {
			return fmt.Errorf("netsim: node %s route %s: %w: %q", n.Name, rc.Prefix, ErrNoPort, rc.Interface)
		}
		r.IfIndex = p.ifIndex
	} else {
		via, ok := n.engine.Lookup(rc.NextHop)
		if !ok || !via.OnLink() {
			return fmt.Errorf("netsim: node %s route %s: next-hop %s is not on a connected prefix", n.Name, rc.Prefix, rc.NextHop)
		}
		r.IfIndex = via.IfIndex
	}
	if err := n.engine.AddRoute(r); err != nil {
		return fmt.Errorf("netsim: node %s: %w", n.Name, err)
	}
	return nil
}

// NDConfig converts scenario timer overrides to engine settings.
func NDConfig(c config.NDConfig) ndp.Config {
	return ndp.Config{
		ReachableTime:       c.ReachableTime,
		RetransTimer:        c.RetransTimer,
		DADWait:             c.DADWait,
		PrefixExpiry:        c.PrefixExpiry,
		RelayJitter:         c.RelayJitter,
		RtrSolicitInterval:  c.RtrSolicitInterval,
		MaxUnicastSolicit:   c.MaxUnicastSolicit,
		MaxRtrSolicitations: c.MaxRtrSolicitations,
		MinReceiveCount:     c.MinReceiveCount,
	}
}

// InterfaceConfig converts a scenario interface to engine settings.
func InterfaceConfig(ic *config.InterfaceConfig) ndp.InterfaceConfig {
	out := ndp.InterfaceConfig{
		Name:              ic.Name,
		MTU:               ic.MTU,
		DAD:               ic.DAD,
		Autoconfig:        ic.Autoconfig,
		DADRelay:          ic.DADRelay,
		LinkLocal:         ic.LinkLocal,
		Addresses:         ic.Addresses,
		DelegatedRouter:   ic.DelegatedRouter,
		DelegatedPrefixes: prefixConfigs(ic.DelegatedPrefixes),
	}
	for _, nb := range ic.Neighbors {
		out.Neighbors = append(out.Neighbors, ndp.StaticNeighbor{Addr: nb.Addr, LinkAddr: nb.MAC})
	}
	if ra := ic.RA; ra != nil {
		out.Router = &ndp.RouterConfig{
			Interval:       ra.Interval,
			RouterLifetime: ra.RouterLifetime,
			LinkMTU:        ra.LinkMTU,
			CurHopLimit:    ra.CurHopLimit,
			Prefixes:       prefixConfigs(ra.Prefixes),
		}
	}
	return out
}

func prefixConfigs(in []*config.PrefixConfig) []ndp.PrefixConfig {
	var out []ndp.PrefixConfig
	for _, p := range in {
		out = append(out, ndp.PrefixConfig{
			Prefix:            p.Prefix,
			OnLink:            p.OnLink,
			Autonomous:        p.Autonomous,
			ValidLifetime:     p.ValidLifetime,
			PreferredLifetime: p.PreferredLifetime,
		})
	}
	return out
}
