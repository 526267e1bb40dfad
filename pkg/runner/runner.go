// Package runner implements the ndsim simulation lifecycle: load a scenario,
// build the network, schedule scenario events, run to the configured
// duration and write final statistics.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/eventengine"
	"github.com/psaab/ndsim/pkg/hostimport"
	"github.com/psaab/ndsim/pkg/logging"
	"github.com/psaab/ndsim/pkg/ndp"
	"github.com/psaab/ndsim/pkg/netsim"
	"github.com/psaab/ndsim/pkg/sim"
)

// DefaultDuration is used when neither the scenario nor the options set one.
const DefaultDuration = 60 * time.Second

// runChunk is the slice of simulated time run while holding the lock.
const runChunk = 100 * time.Millisecond

// Options configures a simulation run. Non-zero fields override the
// scenario's simulation block.
type Options struct {
	ConfigFile string
	Config     *config.Config // used instead of ConfigFile when set

	Duration  time.Duration
	Pcap      string
	EventLog  string
	StatsFile string // "-" writes to Stdout
	Stdout    io.Writer

	// EventBuffer receives ND events. A new one is created when nil.
	EventBuffer *logging.EventBuffer

	// HostLookup snapshots live interfaces for host-import. Defaults to
	// hostimport.Import.
	HostLookup hostimport.Lookup
}

// Sim is one simulation. The embedded mutex guards the scheduler and the
// network; Run releases it between chunks so readers can inspect state.
type Sim struct {
	mu sync.Mutex

	opts     Options
	cfg      *config.Config
	sched    *sim.Scheduler
	net      *netsim.Network
	events   *logging.EventBuffer
	eventLog *logging.EventLogWriter
	pcap     *logging.PcapWriter
	agg      *logging.EventAggregator
	policies *eventengine.Engine
	pings    []*netsim.Ping
	duration time.Duration

	// clock mirrors the scheduler time for readers that cannot take mu,
	// such as log handlers running inside scheduler callbacks.
	clock atomic.Int64
}

// New loads the scenario and builds the network. Nothing runs until Start.
func New(opts Options) (*Sim, error) {
	cfg := opts.Config
	if cfg == nil {
		if opts.ConfigFile == "" {
			return nil, fmt.Errorf("runner: no scenario file")
		}
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read scenario: %w", err)
		}
		cfg, _, err = config.LoadString(string(data))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", opts.ConfigFile, err)
		}
		slog.Info("runner: scenario loaded", "file", opts.ConfigFile,
			"nodes", len(cfg.Nodes), "links", len(cfg.Links), "events", len(cfg.Events))
	}
	for _, w := range cfg.Warnings {
		slog.Warn("runner: scenario warning", "msg", w)
	}

	if needsHostImport(cfg) {
		lookup := opts.HostLookup
		if lookup == nil {
			lookup = hostimport.Import
		}
		if err := hostimport.ApplyConfig(cfg, lookup); err != nil {
			return nil, fmt.Errorf("host import: %w", err)
		}
	}

	s := &Sim{
		opts:     opts,
		cfg:      cfg,
		sched:    sim.New(),
		events:   opts.EventBuffer,
		duration: opts.Duration,
	}
	if s.events == nil {
		s.events = logging.NewEventBuffer(1000)
	}
	if s.duration <= 0 {
		s.duration = cfg.Simulation.Duration
	}
	if s.duration <= 0 {
		s.duration = DefaultDuration
	}

	s.sched.SetTracer(func(now time.Duration, _ string) { s.clock.Store(int64(now)) })

	var err error
	s.net, err = netsim.Build(cfg, s.sched)
	if err != nil {
		return nil, fmt.Errorf("build network: %w", err)
	}

	if err := s.openOutputs(); err != nil {
		s.closeOutputs()
		return nil, err
	}

	s.agg = logging.NewEventAggregator(time.Minute, 10)
	s.agg.SetLogFunc(func(msg string) { slog.Info(msg) })
	s.policies = eventengine.New(s.sched.Now, s.policyAction)
	s.policies.Apply(cfg.Policies)
	s.net.SetObserver(s.observe)
	if s.pcap != nil {
		s.net.SetTap(s.pcap)
	}
	return s, nil
}

func needsHostImport(cfg *config.Config) bool {
	for _, n := range cfg.Nodes {
		if n.HostImport != "" {
			return true
		}
	}
	return false
}

func (s *Sim) openOutputs() error {
	pcapPath := s.opts.Pcap
	if pcapPath == "" {
		pcapPath = s.cfg.Simulation.Pcap
	}
	if pcapPath != "" {
		pw, err := logging.NewPcapWriter(logging.PcapConfig{Path: pcapPath})
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		s.pcap = pw
		slog.Info("runner: capturing frames", "file", pcapPath)
	}

	logPath := s.opts.EventLog
	if logPath == "" {
		logPath = s.cfg.Simulation.EventLog
	}
	if logPath != "" {
		lw, err := logging.NewEventLogWriter(logging.EventLogConfig{Path: logPath})
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		s.eventLog = lw
		slog.Info("runner: writing event log", "file", logPath)
	}
	return nil
}

func (s *Sim) closeOutputs() {
	if s.pcap != nil {
		if err := s.pcap.Close(); err != nil {
			slog.Warn("runner: close capture", "err", err)
		}
		s.pcap = nil
	}
	if s.eventLog != nil {
		if err := s.eventLog.Close(); err != nil {
			slog.Warn("runner: close event log", "err", err)
		}
		s.eventLog = nil
	}
}

// observe runs on the scheduler goroutine for every protocol event.
func (s *Sim) observe(node *netsim.Node, ev ndp.Event) {
	rec := logging.FromEvent(node.Name, ev)
	s.events.Add(rec)
	s.agg.Add(rec)
	if s.eventLog != nil {
		if err := s.eventLog.Write(rec); err != nil {
			slog.Debug("runner: event log write failed", "err", err)
		}
	}
	s.policies.HandleEvent(rec)
}

// policyAction schedules one action of a triggered event-options policy.
func (s *Sim) policyAction(pol *config.EventPolicy, act *config.EventConfig) {
	s.sched.Schedule(act.At, "policy-"+pol.Name+"-"+act.Name, func() { s.fire(act) })
}

// Start brings the network up and schedules the scenario events.
func (s *Sim) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.cfg.Events {
		if err := s.scheduleEvent(ev); err != nil {
			return err
		}
	}
	s.agg.Start(s.sched)
	s.net.Start()
	return nil
}

func (s *Sim) scheduleEvent(ev *config.EventConfig) error {
	switch ev.Kind {
	case config.EventPing:
		if _, ok := s.net.Node(ev.Node); !ok {
			return fmt.Errorf("runner: %s %s: no node %q", ev.Kind, ev.Name, ev.Node)
		}
	case config.EventLinkDown, config.EventLinkUp:
		if _, ok := s.net.Link(ev.Link); !ok {
			return fmt.Errorf("runner: %s %s: no link %q", ev.Kind, ev.Name, ev.Link)
		}
	case config.EventInterfaceDown, config.EventInterfaceUp:
		node, ok := s.net.Node(ev.Node)
		if !ok {
			return fmt.Errorf("runner: %s %s: no node %q", ev.Kind, ev.Name, ev.Node)
		}
		if _, ok := node.PortByName(ev.Interface); !ok {
			return fmt.Errorf("runner: %s %s: node %s has no interface %q", ev.Kind, ev.Name, ev.Node, ev.Interface)
		}
	}

	s.sched.Schedule(ev.At, "scenario-"+ev.Name, func() { s.fire(ev) })
	slog.Debug("runner: event scheduled", "event", ev.Name, "kind", ev.Kind.String(), "at", ev.At)
	return nil
}

func (s *Sim) fire(ev *config.EventConfig) {
	slog.Info("runner: scenario event", "event", ev.Name, "kind", ev.Kind.String(), "at", s.sched.Now())

	var err error
	switch ev.Kind {
	case config.EventPing:
		var p *netsim.Ping
		p, err = s.startPing(ev.Name, ev.Node, ev.Interface, ev.To, ev.Count, ev.Interval, ev.Size)
		if err == nil {
			s.pings = append(s.pings, p)
		}
	case config.EventLinkDown:
		err = s.net.SetLinkUp(ev.Link, false)
	case config.EventLinkUp:
		err = s.net.SetLinkUp(ev.Link, true)
	case config.EventInterfaceDown:
		err = s.net.SetInterfaceUp(ev.Node, ev.Interface, false)
	case config.EventInterfaceUp:
		err = s.net.SetInterfaceUp(ev.Node, ev.Interface, true)
	}
	if err != nil {
		slog.Warn("runner: scenario event failed", "event", ev.Name, "err", err)
	}
}

// startPing resolves the outgoing interface and starts the ping. Scoped
// destinations without an interface use the node's first one.
func (s *Sim) startPing(name, nodeName, iface string, dst netip.Addr, count int, interval time.Duration, size int) (*netsim.Ping, error) {
	node, ok := s.net.Node(nodeName)
	if !ok {
		return nil, fmt.Errorf("no node %q", nodeName)
	}
	ifIndex := 0
	if iface != "" {
		p, ok := node.PortByName(iface)
		if !ok {
			return nil, fmt.Errorf("node %s has no interface %q", nodeName, iface)
		}
		ifIndex = p.Index()
	} else if dst.IsLinkLocalUnicast() || dst.IsMulticast() {
		if ports := node.Ports(); len(ports) > 0 {
			ifIndex = ports[0].Index()
		}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return node.Ping(name, dst, ifIndex, count, interval, size)
}

// Ping starts an interactive ping from node. The caller must not hold the
// lock.
func (s *Sim) Ping(nodeName, iface string, dst netip.Addr, count int) (*netsim.Ping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("cli-%d", len(s.pings)+1)
	p, err := s.startPing(name, nodeName, iface, dst, count, time.Second, 0)
	if err != nil {
		return nil, err
	}
	s.pings = append(s.pings, p)
	return p, nil
}

// Run advances the simulation to the configured duration, releasing the
// lock between chunks. It returns ctx.Err() if cancelled.
func (s *Sim) Run(ctx context.Context) error {
	start := time.Now()
	fired := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		now := s.sched.Now()
		if now >= s.duration {
			s.mu.Unlock()
			break
		}
		fired += s.sched.RunUntil(min(now+runChunk, s.duration))
		s.clock.Store(int64(s.sched.Now()))
		s.mu.Unlock()
	}
	slog.Info("runner: simulation complete",
		"sim_time", s.duration, "events", fired, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// RunFor advances the simulation by d and returns the events fired.
func (s *Sim) RunFor(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.sched.RunFor(d)
	s.clock.Store(int64(s.sched.Now()))
	return n
}

// Step fires the next pending event. It reports false when none is left.
func (s *Sim) Step() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.sched.Step()
	return s.sched.Now(), ok
}

// Now returns the current simulated time.
func (s *Sim) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Now()
}

// Clock returns the simulated time without taking the lock. It may lag
// Now by the event in progress.
func (s *Sim) Clock() time.Duration { return time.Duration(s.clock.Load()) }

// Locker returns the lock that guards the network.
func (s *Sim) Locker() sync.Locker { return &s.mu }

// Network returns the simulated network. Hold Locker while using it.
func (s *Sim) Network() *netsim.Network { return s.net }

// Scheduler returns the simulation clock. Hold Locker while using it.
func (s *Sim) Scheduler() *sim.Scheduler { return s.sched }

// Config returns the compiled scenario.
func (s *Sim) Config() *config.Config { return s.cfg }

// Events returns the ND event buffer.
func (s *Sim) Events() *logging.EventBuffer { return s.events }

// Policies returns the event-options engine.
func (s *Sim) Policies() *eventengine.Engine { return s.policies }

// Duration returns the simulated time Run stops at.
func (s *Sim) Duration() time.Duration { return s.duration }

// Pings returns the pings started so far.
func (s *Sim) Pings() []*netsim.Ping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*netsim.Ping(nil), s.pings...)
}

// ClearStatistics zeroes every node's counters.
func (s *Sim) ClearStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.net.Nodes() {
		n.ResetStats()
	}
}

// WriteStatistics writes every node's counters as "key value" lines under a
// "node <name>" header, followed by ping summaries.
func (s *Sim) WriteStatistics(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "time %d\n", s.sched.Now()/time.Millisecond)
	for _, n := range s.net.Nodes() {
		fmt.Fprintf(w, "\nnode %s\n", n.Name)
		if _, err := n.Engine().Stats().WriteTo(w); err != nil {
			return fmt.Errorf("write %s statistics: %w", n.Name, err)
		}
		var werr error
		n.Stats().Each(func(name string, v uint64) {
			if werr == nil {
				_, werr = fmt.Fprintf(w, "%s %d\n", name, v)
			}
		})
		if werr != nil {
			return fmt.Errorf("write %s statistics: %w", n.Name, werr)
		}
	}
	if len(s.pings) > 0 {
		fmt.Fprintln(w)
	}
	for _, p := range s.pings {
		sum := p.Summary()
		if _, err := fmt.Fprintf(w, "ping %s %s transmitted %d received %d\n",
			p.Name, p.Dst, sum.Transmitted, sum.Received); err != nil {
			return fmt.Errorf("write ping summary: %w", err)
		}
	}
	return nil
}

// Finalize writes the statistics file, logs summaries and closes outputs.
func (s *Sim) Finalize() error {
	defer s.closeOutputs()

	for _, p := range s.Pings() {
		slog.Info("runner: ping summary", "ping", p.Name, "from", p.Node().Name,
			"dst", p.Dst, "result", p.Summary().String())
	}
	s.logFinalStats()

	switch path := s.opts.StatsFile; path {
	case "":
	case "-":
		out := s.opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		return s.WriteStatistics(out)
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create stats dir: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create stats file: %w", err)
		}
		if err := s.WriteStatistics(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close stats file: %w", err)
		}
		slog.Info("runner: statistics written", "file", path)
	}
	return nil
}

// logFinalStats logs a network-wide counter summary.
func (s *Sim) logFinalStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := map[string]uint64{}
	names := []string{
		"icmp6.in.msgs", "icmp6.out.msgs",
		"autoconf.dad_conflicts", "ip6.forward.datagrams", "ip6.in.delivers",
	}
	for _, n := range s.net.Nodes() {
		n.Engine().Stats().Each(func(name string, v uint64) { totals[name] += v })
		n.Stats().Each(func(name string, v uint64) { totals[name] += v })
	}
	attrs := make([]any, 0, 2*len(names)+4)
	attrs = append(attrs, "sim_time", s.sched.Now(), "scheduler_fired", s.sched.Fired())
	for _, name := range names {
		if v, ok := totals[name]; ok {
			attrs = append(attrs, name, v)
		}
	}
	if s.pcap != nil {
		attrs = append(attrs, "frames_captured", s.pcap.Frames())
	}
	slog.Info("final statistics", attrs...)
}

// SetLinkUp brings a link up or down.
func (s *Sim) SetLinkUp(name string, up bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.SetLinkUp(name, up)
}

// SetInterfaceUp brings one node interface up or down.
func (s *Sim) SetInterfaceUp(node, iface string, up bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.SetInterfaceUp(node, iface, up)
}
