// Package netsim connects ndp engines into a simulated network: broadcast
// links with propagation delay, nodes with interfaces, IPv6 forwarding and
// local delivery, and a ping application.
package netsim

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/sim"
)

var (
	ErrLinkDown  = errors.New("link down")
	ErrPortDown  = errors.New("interface down")
	ErrNoPort    = errors.New("no such interface")
	ErrFrameSize = errors.New("frame exceeds link mtu")
)

// Tap receives every frame put on a link, at transmit time.
type Tap interface {
	WriteFrame(at time.Duration, link string, frame []byte) error
}

// Network owns the links and nodes of one simulation.
type Network struct {
	sched *sim.Scheduler
	log   *slog.Logger

	links      []*Link
	linkByName map[string]*Link
	nodes      []*Node
	nodeByName map[string]*Node

	tap     Tap
	onEvent func(*Node, ndp.Event)
	started bool
}

// New returns an empty network driven by sched.
func New(sched *sim.Scheduler) *Network {
	return &Network{
		sched:      sched,
		log:        slog.Default(),
		linkByName: make(map[string]*Link),
		nodeByName: make(map[string]*Node),
	}
}

// Scheduler returns the clock the network runs on.
func (n *Network) Scheduler() *sim.Scheduler { return n.sched }

// SetTap installs a frame capture.
func (n *Network) SetTap(t Tap) { n.tap = t }

// SetObserver registers fn to receive protocol events from every node.
func (n *Network) SetObserver(fn func(*Node, ndp.Event)) { n.onEvent = fn }

// AddLink creates a broadcast segment. mtu 0 means 1500.
func (n *Network) AddLink(name string, delay time.Duration, mtu uint32) (*Link, error) {
	if _, dup := n.linkByName[name]; dup {
		return nil, fmt.Errorf("netsim: duplicate link %q", name)
	}
	if mtu == 0 {
		mtu = 1500
	}
	l := &Link{Name: name, Delay: delay, MTU: mtu, up: true, net: n}
	n.links = append(n.links, l)
	n.linkByName[name] = l
	return l, nil
}

// AddNode creates a node with its own ndp engine.
func (n *Network) AddNode(name string, id uint32, forwarding bool, cfg ndp.Config) (*Node, error) {
	if _, dup := n.nodeByName[name]; dup {
		return nil, fmt.Errorf("netsim: duplicate node %q", name)
	}
	for _, other := range n.nodes {
		if other.id == id {
			return nil, fmt.Errorf("netsim: node %s: id %d already used by %s", name, id, other.Name)
		}
	}
	node := &Node{
		Name:       name,
		id:         id,
		forwarding: forwarding,
		net:        n,
		byIndex:    make(map[int]*Port),
		pings:      make(map[int]*Ping),
		log:        n.log.With("node", name),
	}
	node.engine = ndp.New(node, n.sched, cfg)
	node.engine.SetLogger(node.log)
	node.engine.SetObserver(func(ev ndp.Event) {
		if n.onEvent != nil {
			n.onEvent(node, ev)
		}
	})
	node.engine.SetEchoHandler(node.echoReply)
	n.nodes = append(n.nodes, node)
	n.nodeByName[name] = node
	return node, nil
}

// Start brings every node's interfaces up.
func (n *Network) Start() {
	if n.started {
		return
	}
	n.started = true
	for _, node := range n.nodes {
		node.engine.Start()
		for _, p := range node.ports {
			if !p.up {
				node.engine.SetInterfaceUp(p.ifIndex, false)
			}
		}
	}
	n.log.Info("netsim: started", "nodes", len(n.nodes), "links", len(n.links))
}

// Nodes returns the nodes in creation order.
func (n *Network) Nodes() []*Node { return slices.Clone(n.nodes) }

// Node returns the named node.
func (n *Network) Node(name string) (*Node, bool) {
	node, ok := n.nodeByName[name]
	return node, ok
}

// NodeByID returns the node with the given id.
func (n *Network) NodeByID(id uint32) (*Node, bool) {
	for _, node := range n.nodes {
		if node.id == id {
			return node, true
		}
	}
	return nil, false
}

// Links returns the links in creation order.
func (n *Network) Links() []*Link { return slices.Clone(n.links) }

// Link returns the named link.
func (n *Network) Link(name string) (*Link, bool) {
	l, ok := n.linkByName[name]
	return l, ok
}

// SetLinkUp changes the carrier state of a link. Frames sent on a down link
// and frames in flight when it goes down are lost.
func (n *Network) SetLinkUp(name string, up bool) error {
	l, ok := n.linkByName[name]
	if !ok {
		return fmt.Errorf("netsim: no link %q", name)
	}
	if l.up == up {
		return nil
	}
	l.up = up
	l.epoch++
	n.log.Info("netsim: link state", "link", name, "up", up)
	return nil
}

// SetInterfaceUp changes the administrative state of a node interface.
func (n *Network) SetInterfaceUp(node, iface string, up bool) error {
	nd, ok := n.nodeByName[node]
	if !ok {
		return fmt.Errorf("netsim: no node %q", node)
	}
	p, ok := nd.PortByName(iface)
	if !ok {
		return fmt.Errorf("netsim: node %s: %w: %q", node, ErrNoPort, iface)
	}
	p.up = up
	if !n.started {
		return nil
	}
	return nd.engine.SetInterfaceUp(p.ifIndex, up)
}

// defaultMAC builds a locally administered address from the node id and
// interface index.
func defaultMAC(id uint32, ifIndex int) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, byte(id >> 16), byte(id >> 8), byte(id), byte(ifIndex)}
}
