package ndp

import (
	"net/netip"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

var defaultRoute = netip.PrefixFrom(netip.IPv6Unspecified(), 0)

// startAdvertising sends an unsolicited RA and schedules the next one.
func (e *Engine) startAdvertising(ifc *Interface) {
	if !ifc.Router() || !ifc.up {
		return
	}
	e.sendRA(ifc, ip6.AllNodes)
	interval := DefaultAdvInterval
	if rc := ifc.cfg.Router; rc != nil && rc.Interval > 0 {
		interval = rc.Interval
	}
	ifc.raTimer.arm(e.sched, interval, "nd6-ra", func() { e.startAdvertising(ifc) })
}

func (e *Engine) buildRA(ifc *Interface) *icmp6.RouterAdvertisement {
	ra := &icmp6.RouterAdvertisement{
		CurHopLimit:    ip6.DefaultHopLimit,
		RouterLifetime: DefaultRouterLifetime,
		ReachableTime:  e.cfg.ReachableTime,
		RetransTimer:   e.cfg.RetransTimer,
	}
	mtu := ifc.mtu
	if rc := ifc.cfg.Router; rc != nil {
		if rc.CurHopLimit != 0 {
			ra.CurHopLimit = rc.CurHopLimit
		}
		if rc.RouterLifetime > 0 {
			ra.RouterLifetime = rc.RouterLifetime
		}
		if rc.LinkMTU != 0 {
			mtu = rc.LinkMTU
		}
	}
	ra.Options = icmp6.OptionList{
		&icmp6.LinkAddrOption{Type: icmp6.OptSourceLinkAddr, Addr: e.linkAddr(ifc)},
		&icmp6.MTUOption{MTU: mtu},
	}

	if ifc.cfg.DelegatedRouter {
		for _, p := range ifc.cfg.DelegatedPrefixes {
			ra.Options = append(ra.Options, &icmp6.PrefixInfo{
				Prefix:            p.Prefix.Masked(),
				Flags:             p.flags(),
				ValidLifetime:     p.ValidLifetime,
				PreferredLifetime: p.PreferredLifetime,
			})
		}
		return ra
	}
	for _, r := range e.prefixes.ForInterface(ifc.Index) {
		if r.AutoLearned || !r.OnLink() {
			continue
		}
		ra.Options = append(ra.Options, &icmp6.PrefixInfo{
			Prefix:            r.Prefix,
			Flags:             r.Flags,
			ValidLifetime:     r.ValidLifetime,
			PreferredLifetime: r.PreferredLifetime,
		})
	}
	return ra
}

func (e *Engine) sendRA(ifc *Interface, dst netip.Addr) {
	if ifc.ac.state == StateTentative {
		return
	}
	e.Send(ifc.Index, e.ndPacket(e.buildRA(ifc), ifc.ac.linkLocal, dst))
}

// startRouterSolicit begins soliciting routers on a host interface.
func (e *Engine) startRouterSolicit(ifc *Interface) {
	if ifc.Router() || !ifc.cfg.Autoconfig {
		return
	}
	ifc.rsSent = 0
	e.routerSolicit(ifc)
}

func (e *Engine) routerSolicit(ifc *Interface) {
	if !ifc.up || ifc.rsSent >= e.cfg.MaxRtrSolicitations {
		return
	}
	ifc.rsSent++
	m := &icmp6.RouterSolicitation{
		Options: icmp6.OptionList{
			&icmp6.LinkAddrOption{Type: icmp6.OptSourceLinkAddr, Addr: e.linkAddr(ifc)},
		},
	}
	e.Send(ifc.Index, e.ndPacket(m, ifc.ac.linkLocal, ip6.AllRouters))
	ifc.rsTimer.arm(e.sched, e.cfg.RtrSolicitInterval, "nd6-rs", func() { e.routerSolicit(ifc) })
}

func (e *Engine) handleRS(ifc *Interface, pkt *ip6.Packet, m *icmp6.RouterSolicitation) {
	slla := m.Options.SourceLinkAddr()
	if pkt.Src.IsUnspecified() && slla != nil {
		e.stats.InErrors++
		return
	}
	if !ifc.Router() {
		e.stats.RSIgnored++
		return
	}
	dst := ip6.AllNodes
	if !pkt.Src.IsUnspecified() {
		e.confirmNeighbor(ifc, pkt.Src, slla)
		dst = pkt.Src
	}
	e.sendRA(ifc, dst)
}

func (e *Engine) handleRA(ifc *Interface, pkt *ip6.Packet, m *icmp6.RouterAdvertisement) {
	if !pkt.Src.IsLinkLocalUnicast() {
		e.stats.InErrors++
		return
	}
	if ifc.Router() {
		e.stats.RAIgnored++
		return
	}
	now := e.now()
	ac := &ifc.ac

	if n := e.confirmNeighbor(ifc, pkt.Src, m.Options.SourceLinkAddr()); n != nil && n.State != StateBuiltin {
		n.IsRouter = true
	}
	if mtu, ok := m.Options.MTU(); ok && mtu >= ip6.MinMTU && mtu <= ifc.cfg.MTU {
		ifc.mtu = mtu
	}

	if m.RouterLifetime > 0 {
		old, had := e.routes.Get(defaultRoute)
		e.routes.Add(Route{
			Prefix:  defaultRoute,
			NextHop: pkt.Src,
			IfIndex: ifc.Index,
			Origin:  OriginRA,
			Expires: now + m.RouterLifetime,
		})
		if !had || old.NextHop != pkt.Src {
			e.log.Info("ndp: learned default router", "iface", ifc.Name, "router", pkt.Src, "lifetime", m.RouterLifetime)
			e.emit(ifc, EventRouterLearned, pkt.Src, m.RouterLifetime.String())
		}
	} else if r, ok := e.routes.Get(defaultRoute); ok && r.NextHop == pkt.Src {
		e.routes.Delete(defaultRoute)
	}

	for _, pi := range m.Options.Prefixes() {
		if pi.Prefix.Addr().IsLinkLocalUnicast() || pi.Flags&(icmp6.PrefixOnLink|icmp6.PrefixAutonomous) == 0 {
			continue
		}
		r, created, err := e.prefixes.Observe(ifc.Index, pi, pkt.Src, now, e.cfg.PrefixExpiry)
		if err != nil {
			e.stats.PrefixRejected++
			e.log.Warn("ndp: rejected prefix", "iface", ifc.Name, "prefix", pi.Prefix, "err", err)
			continue
		}
		if pi.Flags&icmp6.PrefixOnLink != 0 && pi.ValidLifetime > 0 {
			e.routes.Add(Route{
				Prefix:  pi.Prefix,
				IfIndex: ifc.Index,
				Origin:  OriginRA,
				Expires: finite(r.ValidUntil()),
			})
		}
		if created {
			e.log.Info("ndp: learned prefix", "iface", ifc.Name, "prefix", r.Prefix, "router", pkt.Src)
			e.emit(ifc, EventPrefixLearned, r.Prefix.Addr(), r.Prefix.String())
		}
		// Match by prefix: an expired record comes back under a new ID.
		if ac.global.IsValid() && r.Prefix == ac.global.Masked() {
			ac.prefixID = r.ID
			e.refreshAddress(ifc, r)
		}
	}

	ifc.rsTimer.stop()
	if ifc.cfg.Autoconfig && ac.state == StatePreferred && !ac.global.IsValid() {
		e.configureAddress(ifc)
	}
}
