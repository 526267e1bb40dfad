//go:build linux

package hostimport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Import reads the IPv6 state of the named host interface via netlink.
func Import(name string) (*Snapshot, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	attrs := link.Attrs()
	snap := &Snapshot{
		Name: name,
		MAC:  append(net.HardwareAddr(nil), attrs.HardwareAddr...),
		MTU:  uint32(attrs.MTU),
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.Flags&(unix.IFA_F_TENTATIVE|unix.IFA_F_DADFAILED) != 0 {
			continue
		}
		p, ok := prefixFromIPNet(a.IPNet)
		if !ok {
			continue
		}
		switch {
		case p.Addr().IsLinkLocalUnicast():
			if !snap.LinkLocal.IsValid() {
				snap.LinkLocal = p.Addr()
			}
		case p.Addr().IsGlobalUnicast():
			snap.Addresses = append(snap.Addresses, p)
		}
	}

	neighs, err := netlink.NeighList(attrs.Index, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("neighbors of %s: %w", name, err)
	}
	for _, n := range neighs {
		if n.State&(unix.NUD_PERMANENT|unix.NUD_REACHABLE|unix.NUD_STALE) == 0 {
			continue
		}
		if len(n.HardwareAddr) != 6 {
			continue
		}
		a, ok := netip.AddrFromSlice(n.IP)
		if !ok || a.IsMulticast() {
			continue
		}
		snap.Neighbors = append(snap.Neighbors, Neighbor{
			Addr:     a.Unmap(),
			MAC:      append(net.HardwareAddr(nil), n.HardwareAddr...),
			IsRouter: n.Flags&netlink.NTF_ROUTER != 0,
		})
	}
	return snap, nil
}

func prefixFromIPNet(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	a, ok := netip.AddrFromSlice(n.IP)
	if !ok || a.Unmap().Is4() {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(a, ones), true
}
