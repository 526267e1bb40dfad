// Package cli implements the interactive ndsim shell.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/ndsim/pkg/api"
	"github.com/psaab/ndsim/pkg/cmdtree"
	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/logging"
	"github.com/psaab/ndsim/pkg/netsim"
	"github.com/psaab/ndsim/pkg/radvd"
	"github.com/psaab/ndsim/pkg/runner"
)

// CLI is the interactive command-line interface over one simulation.
type CLI struct {
	rl  *readline.Instance
	sim *runner.Sim
	out io.Writer
}

// New creates a CLI writing command output to out (os.Stdout when nil).
func New(s *runner.Sim, out io.Writer) *CLI {
	if out == nil {
		out = os.Stdout
	}
	return &CLI{sim: s, out: out}
}

// Run starts the interactive loop. It returns when the user quits, on EOF
// or when ctx is cancelled.
func (c *CLI) Run(ctx context.Context) error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/ndsim_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{cli: c},
		Listener:        readline.FuncListener(c.helpListener),
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()

	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	fmt.Fprintln(c.out, "ndsim - IPv6 neighbor discovery simulator")
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF || ctx.Err() != nil {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		err = c.Execute(line)
		c.rl.SetPrompt(c.prompt())
		if err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(c.rl.Stderr(), "error: %v\n", err)
		}
	}
	return nil
}

var errExit = errors.New("exit")

func (c *CLI) prompt() string {
	return fmt.Sprintf("ndsim [%s]> ", c.sim.Now())
}

// Execute runs one command line, applying a trailing "| filter".
func (c *CLI) Execute(line string) error {
	cmd, pipeType, pipeArg, ok := extractPipe(line)
	if !ok {
		return c.dispatch(cmd)
	}

	orig := c.out
	var buf bytes.Buffer
	c.out = &buf
	err := c.dispatch(cmd)
	c.out = orig

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if buf.Len() == 0 {
		lines = nil
	}
	switch pipeType {
	case "match":
		lp := strings.ToLower(pipeArg)
		for _, l := range lines {
			if strings.Contains(strings.ToLower(l), lp) {
				fmt.Fprintln(c.out, l)
			}
		}
	case "except":
		lp := strings.ToLower(pipeArg)
		for _, l := range lines {
			if !strings.Contains(strings.ToLower(l), lp) {
				fmt.Fprintln(c.out, l)
			}
		}
	case "count":
		fmt.Fprintf(c.out, "Count: %d lines\n", len(lines))
	case "last":
		n := 10
		if v, err := strconv.Atoi(pipeArg); err == nil && v > 0 {
			n = v
		}
		for _, l := range lines[max(0, len(lines)-n):] {
			fmt.Fprintln(c.out, l)
		}
	}
	return err
}

// extractPipe splits "cmd | filter arg".
func extractPipe(line string) (string, string, string, bool) {
	idx := strings.LastIndex(line, " | ")
	if idx < 0 {
		return line, "", "", false
	}
	cmd := strings.TrimSpace(line[:idx])
	parts := strings.SplitN(strings.TrimSpace(line[idx+3:]), " ", 2)
	var arg string
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	if _, ok := cmdtree.PipeFilters[parts[0]]; !ok {
		return line, "", "", false
	}
	return cmd, parts[0], arg, true
}

func (c *CLI) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "run":
		return c.handleRun(parts[1:])

	case "step":
		return c.handleStep(parts[1:])

	case "show":
		return c.handleShow(parts[1:])

	case "ping":
		return c.handlePing(parts[1:])

	case "set":
		return c.handleSet(parts[1:])

	case "clear":
		return c.handleClear(parts[1:])

	case "quit", "exit":
		return errExit

	case "?", "help":
		cmdtree.WriteTreeHelp(c.out, "Commands:", cmdtree.OperationalTree)
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) handleRun(args []string) error {
	if len(args) == 0 {
		if err := c.sim.Run(context.Background()); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "simulation at %s\n", c.sim.Now())
		return nil
	}
	d, err := config.ParseDuration(args[0])
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	n := c.sim.RunFor(d)
	fmt.Fprintf(c.out, "%d events, simulation at %s\n", n, c.sim.Now())
	return nil
}

func (c *CLI) handleStep(args []string) error {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("step: bad count %q", args[0])
		}
		n = v
	}
	for i := 0; i < n; i++ {
		at, ok := c.sim.Step()
		if !ok {
			fmt.Fprintln(c.out, "no pending events")
			return nil
		}
		fmt.Fprintf(c.out, "event fired at %s\n", at)
	}
	return nil
}

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		cmdtree.WriteTreeHelp(c.out, "show: specify what to show", cmdtree.OperationalTree, "show")
		return nil
	}
	var node string
	var rest []string
	if len(args) > 1 {
		node, rest = args[1], args[2:]
	}

	switch args[0] {
	case "neighbors":
		return c.eachNode(node, c.showNeighbors)
	case "prefixes":
		return c.eachNode(node, c.showPrefixes)
	case "addresses":
		return c.eachNode(node, c.showAddresses)
	case "routes":
		return c.eachNode(node, c.showRoutes)
	case "interfaces":
		return c.eachNode(node, c.showInterfaces)
	case "statistics":
		return c.eachNode(node, c.showStatistics)
	case "links":
		return c.showLinks()
	case "log":
		return c.showLog(node, rest)
	case "radvd":
		return c.showRadvd(node)
	case "pings":
		return c.showPings()
	case "policies":
		return c.showPolicies()
	case "time":
		fmt.Fprintf(c.out, "simulation time %s of %s\n", c.sim.Now(), c.sim.Duration())
		return nil
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

// eachNode runs fn under the simulation lock for the named node, or for
// every node when name is empty.
func (c *CLI) eachNode(name string, fn func(*netsim.Node)) error {
	lk := c.sim.Locker()
	lk.Lock()
	defer lk.Unlock()

	net := c.sim.Network()
	if name != "" {
		n, ok := net.Node(name)
		if !ok {
			return fmt.Errorf("no node %q", name)
		}
		fn(n)
		return nil
	}
	for i, n := range net.Nodes() {
		if i > 0 {
			fmt.Fprintln(c.out)
		}
		fn(n)
	}
	return nil
}

func (c *CLI) showNeighbors(n *netsim.Node) {
	fmt.Fprintf(c.out, "Node: %s\n", n.Name)
	entries := api.Neighbors(n)
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "  No neighbor entries")
		return
	}
	fmt.Fprintf(c.out, "  %-28s %-19s %-11s %-8s %-6s %s\n",
		"Address", "Link address", "State", "Iface", "Router", "Expires")
	for _, e := range entries {
		router := "no"
		if e.IsRouter {
			router = "yes"
		}
		fmt.Fprintf(c.out, "  %-28s %-19s %-11s %-8s %-6s %s\n",
			e.Address, orDash(e.LinkAddr), e.State, e.Interface, router, orDash(e.Expires))
	}
}

func (c *CLI) showPrefixes(n *netsim.Node) {
	fmt.Fprintf(c.out, "Node: %s\n", n.Name)
	prefixes := api.Prefixes(n)
	if len(prefixes) == 0 {
		fmt.Fprintln(c.out, "  No prefixes")
		return
	}
	fmt.Fprintf(c.out, "  %-4s %-24s %-8s %-5s %-12s %-12s %-24s %s\n",
		"ID", "Prefix", "Iface", "Flags", "Valid", "Preferred", "From", "Count")
	for _, p := range prefixes {
		flags := ""
		if p.OnLink {
			flags += "L"
		}
		if p.Autonomous {
			flags += "A"
		}
		if p.Learned {
			flags += "R"
		}
		fmt.Fprintf(c.out, "  %-4d %-24s %-8s %-5s %-12s %-12s %-24s %d\n",
			p.ID, p.Prefix, p.Interface, orDash(flags), p.ValidLifetime, p.PreferredLifetime,
			orDash(p.From), p.ReceivedCount)
	}
}

func (c *CLI) showAddresses(n *netsim.Node) {
	fmt.Fprintf(c.out, "Node: %s\n", n.Name)
	addrs := api.Addresses(n)
	if len(addrs) == 0 {
		fmt.Fprintln(c.out, "  No addresses")
		return
	}
	fmt.Fprintf(c.out, "  %-8s %-32s %-11s %-10s %s\n", "Iface", "Address", "State", "Origin", "Valid until")
	for _, a := range addrs {
		fmt.Fprintf(c.out, "  %-8s %-32s %-11s %-10s %s\n",
			a.Interface, a.Address, a.State, a.Origin, orDash(a.ValidUntil))
	}
}

func (c *CLI) showRoutes(n *netsim.Node) {
	fmt.Fprintf(c.out, "Node: %s\n", n.Name)
	routes := api.Routes(n)
	if len(routes) == 0 {
		fmt.Fprintln(c.out, "  No routes")
		return
	}
	fmt.Fprintf(c.out, "  %-24s %-28s %-8s %-10s %s\n", "Destination", "Next hop", "Iface", "Origin", "Expires")
	for _, r := range routes {
		fmt.Fprintf(c.out, "  %-24s %-28s %-8s %-10s %s\n",
			r.Prefix, orDash(r.NextHop), r.Interface, r.Origin, orDash(r.Expires))
	}
}

func (c *CLI) showInterfaces(n *netsim.Node) {
	info := api.Describe(n)
	mode := "host"
	if info.Forwarding {
		mode = "router"
	}
	fmt.Fprintf(c.out, "Node: %s (id %d, %s)\n", info.Name, info.ID, mode)
	for _, ii := range info.Interfaces {
		status := "down"
		if ii.Up {
			status = "up"
		}
		fmt.Fprintf(c.out, "  Interface %s (index %d), link %s, %s\n", ii.Name, ii.Index, ii.Link, status)
		fmt.Fprintf(c.out, "    MAC: %s, MTU: %d, state: %s\n", ii.MAC, ii.MTU, ii.State)
		if ii.LinkLocal != "" {
			fmt.Fprintf(c.out, "    Link-local: %s\n", ii.LinkLocal)
		}
		if ii.Global != "" {
			fmt.Fprintf(c.out, "    Global: %s\n", ii.Global)
		}
		if ii.Router {
			fmt.Fprintln(c.out, "    Sending router advertisements")
		}
	}
}

func (c *CLI) showStatistics(n *netsim.Node) {
	fmt.Fprintf(c.out, "Node: %s\n", n.Name)
	api.EachCounter(n, func(name string, v uint64) {
		if v != 0 {
			fmt.Fprintf(c.out, "  %-36s %d\n", name+":", v)
		}
	})
}

func (c *CLI) showLinks() error {
	lk := c.sim.Locker()
	lk.Lock()
	defer lk.Unlock()

	fmt.Fprintf(c.out, "%-12s %-6s %-10s %-6s %-10s %s\n", "Link", "State", "Delay", "MTU", "Frames", "Dropped")
	for _, l := range c.sim.Network().Links() {
		state := "down"
		if l.Up() {
			state = "up"
		}
		fmt.Fprintf(c.out, "%-12s %-6s %-10s %-6d %-10d %d\n", l.Name, state, l.Delay, l.MTU, l.Frames, l.Dropped)
	}
	return nil
}

// showLog prints the newest events, oldest first. An optional trailing
// number limits the count.
func (c *CLI) showLog(node string, rest []string) error {
	n := 50
	if node != "" {
		if v, err := strconv.Atoi(node); err == nil {
			n, node = v, ""
		}
	}
	if len(rest) > 0 {
		v, err := strconv.Atoi(rest[0])
		if err != nil || v < 1 {
			return fmt.Errorf("show log: bad count %q", rest[0])
		}
		n = v
	}
	recs := c.sim.Events().LatestFiltered(n, logging.EventFilter{Node: node})
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "No events")
		return nil
	}
	for i := len(recs) - 1; i >= 0; i-- {
		fmt.Fprintln(c.out, recs[i].String())
	}
	return nil
}

func (c *CLI) showRadvd(node string) error {
	cfg := c.sim.Config()
	if node != "" {
		out, err := radvd.Generate(cfg, node)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, out)
		return nil
	}
	routers := cfg.RouterInterfaces()
	if len(routers) == 0 {
		fmt.Fprintln(c.out, "No advertising interfaces")
		return nil
	}
	for _, n := range cfg.Nodes {
		if len(routers[n.Name]) == 0 {
			continue
		}
		out, err := radvd.Generate(cfg, n.Name)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, out)
	}
	return nil
}

func (c *CLI) showPings() error {
	pings := c.sim.Pings()
	if len(pings) == 0 {
		fmt.Fprintln(c.out, "No pings")
		return nil
	}

	lk := c.sim.Locker()
	lk.Lock()
	defer lk.Unlock()
	for _, p := range pings {
		fmt.Fprintf(c.out, "Ping %s: %s -> %s\n", p.Name, p.Node().Name, p.Dst)
		for _, r := range p.Results() {
			if r.Replied {
				fmt.Fprintf(c.out, "  seq %d: reply from %s, rtt %s\n", r.Seq, r.From, r.RTT)
			} else {
				fmt.Fprintf(c.out, "  seq %d: no reply (%s)\n", r.Seq, r.Result)
			}
		}
		fmt.Fprintf(c.out, "  %s\n", p.Summary())
	}
	return nil
}

func (c *CLI) showPolicies() error {
	pols := c.sim.Config().Policies
	if len(pols) == 0 {
		fmt.Fprintln(c.out, "No event-options policies")
		return nil
	}
	for _, pol := range pols {
		where := "any node"
		if pol.Node != "" {
			where = pol.Node
			if pol.Interface != "" {
				where += "/" + pol.Interface
			}
		}
		fmt.Fprintf(c.out, "Policy %s: %s on %s, triggered %d\n",
			pol.Name, strings.Join(pol.Events, ","), where, c.sim.Policies().Triggered(pol.Name))
		for _, w := range pol.Within {
			fmt.Fprintf(c.out, "  within %s trigger on %d until %d\n", w.Window, w.TriggerOn, w.TriggerUntil)
		}
		for _, act := range pol.Then {
			fmt.Fprintf(c.out, "  then %s %s after %s\n", act.Kind, act.Name, act.At)
		}
	}
	return nil
}

// handlePing parses: ping <node> <address> [count <n>] [interface <name>] [wait <duration>]
func (c *CLI) handlePing(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ping <node> <address> [count <n>] [interface <name>] [wait <duration>]")
	}
	dst, err := netip.ParseAddr(args[1])
	if err != nil {
		return fmt.Errorf("ping: bad address %q", args[1])
	}
	count := 3
	var iface string
	var wait time.Duration
	for i := 2; i < len(args); i++ {
		if i+1 >= len(args) {
			return fmt.Errorf("ping: missing value for %s", args[i])
		}
		switch args[i] {
		case "count":
			count, err = strconv.Atoi(args[i+1])
			if err != nil || count < 1 {
				return fmt.Errorf("ping: bad count %q", args[i+1])
			}
		case "interface":
			iface = args[i+1]
		case "wait":
			wait, err = config.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		default:
			return fmt.Errorf("ping: unknown option %q", args[i])
		}
		i++
	}
	if wait == 0 {
		wait = time.Duration(count)*time.Second + time.Second
	}

	p, err := c.sim.Ping(args[0], iface, dst, count)
	if err != nil {
		return err
	}
	c.sim.RunFor(wait)

	lk := c.sim.Locker()
	lk.Lock()
	defer lk.Unlock()
	fmt.Fprintf(c.out, "PING %s from %s\n", dst, args[0])
	for _, r := range p.Results() {
		if r.Replied {
			fmt.Fprintf(c.out, "reply from %s: icmp_seq=%d time=%s\n", r.From, r.Seq, r.RTT)
		}
	}
	fmt.Fprintf(c.out, "--- %s ping statistics ---\n%s\n", dst, p.Summary())
	return nil
}

// handleSet parses: set link <name> up|down, set interface <node> <iface> up|down
func (c *CLI) handleSet(args []string) error {
	if len(args) == 0 {
		cmdtree.WriteTreeHelp(c.out, "set:", cmdtree.OperationalTree, "set")
		return nil
	}
	switch args[0] {
	case "link":
		if len(args) != 3 {
			return fmt.Errorf("usage: set link <name> up|down")
		}
		up, err := parseUpDown(args[2])
		if err != nil {
			return err
		}
		if err := c.sim.SetLinkUp(args[1], up); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "link %s %s\n", args[1], args[2])
		return nil
	case "interface":
		if len(args) != 4 {
			return fmt.Errorf("usage: set interface <node> <name> up|down")
		}
		up, err := parseUpDown(args[3])
		if err != nil {
			return err
		}
		if err := c.sim.SetInterfaceUp(args[1], args[2], up); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "interface %s %s %s\n", args[1], args[2], args[3])
		return nil
	default:
		return fmt.Errorf("unknown set target: %s", args[0])
	}
}

func parseUpDown(s string) (bool, error) {
	switch s {
	case "up":
		return true, nil
	case "down":
		return false, nil
	}
	return false, fmt.Errorf("want up or down, got %q", s)
}

func (c *CLI) handleClear(args []string) error {
	if len(args) == 0 {
		cmdtree.WriteTreeHelp(c.out, "clear:", cmdtree.OperationalTree, "clear")
		return nil
	}
	switch args[0] {
	case "statistics":
		c.sim.ClearStatistics()
		fmt.Fprintln(c.out, "statistics cleared")
		return nil
	case "log":
		c.sim.Events().Clear()
		fmt.Fprintln(c.out, "event log cleared")
		return nil
	default:
		return fmt.Errorf("unknown clear target: %s", args[0])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
