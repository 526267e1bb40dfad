package netsim

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/sim"
)

// PingResult is the record of one echo request.
type PingResult struct {
	Seq      int
	Sent     time.Duration
	Received time.Duration
	RTT      time.Duration
	From     netip.Addr
	Replied  bool
	Result   ndp.Result
}

// Ping sends a series of echo requests and collects the replies.
type Ping struct {
	Name     string
	Dst      netip.Addr
	Count    int
	Interval time.Duration
	Size     int

	node    *Node
	ifIndex int
	id      int
	results []PingResult
	timer   *sim.Timer
	onReply func(*Ping, PingResult)
}

// PingSummary aggregates a ping's results.
type PingSummary struct {
	Transmitted int
	Received    int
	MinRTT      time.Duration
	AvgRTT      time.Duration
	MaxRTT      time.Duration
}

// Loss returns the lost fraction in percent.
func (s PingSummary) Loss() float64 {
	if s.Transmitted == 0 {
		return 0
	}
	return 100 * float64(s.Transmitted-s.Received) / float64(s.Transmitted)
}

func (s PingSummary) String() string {
	out := fmt.Sprintf("%d packets transmitted, %d received, %.0f%% packet loss",
		s.Transmitted, s.Received, s.Loss())
	if s.Received > 0 {
		out += fmt.Sprintf(", rtt min/avg/max = %v/%v/%v", s.MinRTT, s.AvgRTT, s.MaxRTT)
	}
	return out
}

// Ping starts sending count echo requests to dst, the first one now.
// ifIndex selects the interface for link-local and multicast
// destinations and may be 0 otherwise.
func (n *Node) Ping(name string, dst netip.Addr, ifIndex, count int, interval time.Duration, size int) (*Ping, error) {
	if count < 1 {
		return nil, fmt.Errorf("netsim: ping %s: count must be positive", name)
	}
	if (dst.IsLinkLocalUnicast() || dst.IsMulticast()) && n.byIndex[ifIndex] == nil {
		return nil, fmt.Errorf("netsim: ping %s: %s needs an interface", name, dst)
	}
	n.pingID++
	p := &Ping{
		Name:     name,
		Dst:      dst,
		Count:    count,
		Interval: interval,
		Size:     size,
		node:     n,
		ifIndex:  ifIndex,
		id:       n.pingID & 0xffff,
	}
	n.pings[p.id] = p
	n.log.Info("netsim: ping start", "ping", name, "dst", dst, "count", count)
	p.send()
	return p, nil
}

// OnReply registers fn to run for every reply.
func (p *Ping) OnReply(fn func(*Ping, PingResult)) { p.onReply = fn }

// Node returns the sending node.
func (p *Ping) Node() *Node { return p.node }

// Done reports whether every request has been sent.
func (p *Ping) Done() bool { return len(p.results) >= p.Count }

// Results returns one record per request sent so far.
func (p *Ping) Results() []PingResult { return append([]PingResult(nil), p.results...) }

// Stop cancels the remaining requests.
func (p *Ping) Stop() {
	p.timer.Stop()
	p.Count = len(p.results)
}

func (p *Ping) send() {
	seq := len(p.results)
	data := make([]byte, p.Size)
	for i := range data {
		data[i] = byte(i)
	}
	now := p.node.net.sched.Now()
	res := p.node.engine.Echo(p.Dst, p.ifIndex, p.id, seq, data)
	p.results = append(p.results, PingResult{Seq: seq, Sent: now, Result: res})
	p.node.log.Debug("netsim: echo request", "ping", p.Name, "seq", seq, "result", res)
	if len(p.results) < p.Count {
		p.timer = p.node.net.sched.Schedule(p.Interval, "netsim: ping "+p.Name, p.send)
	}
}

// echoReply is the engine's echo handler for this node.
func (n *Node) echoReply(r ndp.EchoReply) {
	p := n.pings[r.ID]
	if p == nil || r.Seq >= len(p.results) {
		n.log.Debug("netsim: unmatched echo reply", "from", r.From, "id", r.ID, "seq", r.Seq)
		return
	}
	res := &p.results[r.Seq]
	if res.Replied {
		return
	}
	res.Replied = true
	res.Received = r.At
	res.RTT = r.At - res.Sent
	res.From = r.From
	n.log.Info("netsim: echo reply", "ping", p.Name, "from", r.From, "seq", r.Seq, "rtt", res.RTT)
	if p.onReply != nil {
		p.onReply(p, *res)
	}
}

// Summary aggregates the results so far.
func (p *Ping) Summary() PingSummary {
	var s PingSummary
	var total time.Duration
	for _, r := range p.results {
		s.Transmitted++
		if !r.Replied {
			continue
		}
		s.Received++
		total += r.RTT
		if s.MinRTT == 0 || r.RTT < s.MinRTT {
			s.MinRTT = r.RTT
		}
		if r.RTT > s.MaxRTT {
			s.MaxRTT = r.RTT
		}
	}
	if s.Received > 0 {
		s.AvgRTT = total / time.Duration(s.Received)
	}
	return s
}
