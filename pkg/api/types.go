// Package api implements the HTTP inspection API and Prometheus metrics
// endpoint of a running simulation.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse describes the simulation clock and size.
type StatusResponse struct {
	SimTime       string `json:"sim_time"`
	Nodes         int    `json:"nodes"`
	Links         int    `json:"links"`
	EventsPending int    `json:"events_pending"`
	EventsFired   uint64 `json:"events_fired"`
}

// NodeInfo summarizes one simulated node.
type NodeInfo struct {
	Name       string          `json:"name"`
	ID         uint32          `json:"id"`
	Forwarding bool            `json:"forwarding"`
	Interfaces []InterfaceInfo `json:"interfaces"`
}

// InterfaceInfo holds per-interface link and address state.
type InterfaceInfo struct {
	Name      string `json:"name"`
	Index     int    `json:"index"`
	Link      string `json:"link"`
	MAC       string `json:"mac"`
	Up        bool   `json:"up"`
	MTU       uint32 `json:"mtu"`
	LinkLocal string `json:"link_local,omitempty"`
	Global    string `json:"global,omitempty"`
	State     string `json:"state"`
	Router    bool   `json:"router"`
}

// NeighborInfo is one neighbor cache entry.
type NeighborInfo struct {
	Interface string `json:"interface"`
	Address   string `json:"address"`
	LinkAddr  string `json:"link_addr,omitempty"`
	State     string `json:"state"`
	IsRouter  bool   `json:"is_router"`
	Expires   string `json:"expires,omitempty"`
}

// PrefixInfo is one prefix list record.
type PrefixInfo struct {
	ID                uint32 `json:"id"`
	Prefix            string `json:"prefix"`
	Interface         string `json:"interface"`
	From              string `json:"from,omitempty"`
	OnLink            bool   `json:"on_link"`
	Autonomous        bool   `json:"autonomous"`
	ValidLifetime     string `json:"valid_lifetime"`
	PreferredLifetime string `json:"preferred_lifetime"`
	Learned           bool   `json:"learned"`
	ReceivedCount     int    `json:"received_count"`
}

// AddressInfo is one interface address.
type AddressInfo struct {
	Interface  string `json:"interface"`
	Address    string `json:"address"`
	State      string `json:"state"`
	Origin     string `json:"origin"`
	ValidUntil string `json:"valid_until,omitempty"`
}

// RouteInfo is one routing table entry.
type RouteInfo struct {
	Prefix    string `json:"prefix"`
	NextHop   string `json:"next_hop,omitempty"`
	Interface string `json:"interface"`
	Origin    string `json:"origin"`
	Expires   string `json:"expires,omitempty"`
}

// NodeStatistics holds the counters of one node.
type NodeStatistics struct {
	Node     string            `json:"node"`
	Counters map[string]uint64 `json:"counters"`
}

// EventEntry is one record of the event buffer.
type EventEntry struct {
	Seq       uint64 `json:"seq"`
	Time      string `json:"time"`
	Level     string `json:"level"`
	Node      string `json:"node"`
	Interface string `json:"interface,omitempty"`
	Type      string `json:"type"`
	Address   string `json:"address,omitempty"`
	Detail    string `json:"detail,omitempty"`
}
