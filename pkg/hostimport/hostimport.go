// Package hostimport seeds simulated interfaces from the state of a live
// host interface: its MAC, MTU, addresses and neighbor table.
package hostimport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/psaab/ndsim/pkg/config"
)

// ErrUnsupported is returned by Import on platforms without netlink.
var ErrUnsupported = errors.New("hostimport: not supported on this platform")

// Snapshot is the IPv6 state of one host interface.
type Snapshot struct {
	Name      string
	MAC       net.HardwareAddr
	MTU       uint32
	LinkLocal netip.Addr
	Addresses []netip.Prefix // global unicast, usable
	Neighbors []Neighbor
}

// Neighbor is a resolved entry of the host neighbor table.
type Neighbor struct {
	Addr     netip.Addr
	MAC      net.HardwareAddr
	IsRouter bool
}

// Lookup returns the snapshot of the named host interface.
type Lookup func(name string) (*Snapshot, error)

// Apply copies snap into ic. Settings already present in ic win.
func Apply(snap *Snapshot, ic *config.InterfaceConfig) {
	if ic.MAC == nil && len(snap.MAC) == 6 {
		ic.MAC = snap.MAC
	}
	if ic.MTU == 0 && snap.MTU >= 1280 {
		ic.MTU = snap.MTU
	}
	if !ic.LinkLocal.IsValid() && snap.LinkLocal.IsValid() {
		ic.LinkLocal = snap.LinkLocal
	}
	for _, p := range snap.Addresses {
		if !containsPrefix(ic.Addresses, p) {
			ic.Addresses = append(ic.Addresses, p)
		}
	}
	for _, n := range snap.Neighbors {
		if hasNeighbor(ic.Neighbors, n.Addr) {
			continue
		}
		ic.Neighbors = append(ic.Neighbors, &config.NeighborConfig{Addr: n.Addr, MAC: n.MAC})
	}
}

// ApplyConfig imports the host interface named by every node's
// host-import setting. The interface with the same name receives the
// snapshot, or the node's first interface when none matches.
func ApplyConfig(cfg *config.Config, lookup Lookup) error {
	for _, n := range cfg.Nodes {
		if n.HostImport == "" {
			continue
		}
		if len(n.Interfaces) == 0 {
			return fmt.Errorf("hostimport: node %s has no interfaces", n.Name)
		}
		snap, err := lookup(n.HostImport)
		if err != nil {
			return fmt.Errorf("hostimport: node %s: %w", n.Name, err)
		}
		ic := n.Interface(n.HostImport)
		if ic == nil {
			ic = n.Interfaces[0]
		}
		Apply(snap, ic)
		slog.Info("hostimport: seeded interface",
			"node", n.Name, "iface", ic.Name, "host", n.HostImport,
			"addresses", len(snap.Addresses), "neighbors", len(snap.Neighbors))
	}
	return nil
}

func containsPrefix(list []netip.Prefix, p netip.Prefix) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}

func hasNeighbor(list []*config.NeighborConfig, a netip.Addr) bool {
	for _, n := range list {
		if n.Addr == a {
			return true
		}
	}
	return false
}
