// Package cmdtree defines the ndsim shell command tree used for tab
// completion, '?' help and command lookup.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/psaab/ndsim/pkg/config"
)

// Node is a command in the tree. A node with DynamicFn accepts one
// scenario-defined value (a node or link name) after it.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(cfg *config.Config) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// NodeNames lists the scenario's node names.
func NodeNames(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		names = append(names, n.Name)
	}
	return names
}

// LinkNames lists the scenario's link names.
func LinkNames(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Links))
	for _, l := range cfg.Links {
		names = append(names, l.Name)
	}
	return names
}

func perNode(desc string) *Node {
	return &Node{Desc: desc, DynamicFn: NodeNames}
}

// OperationalTree defines the shell commands.
var OperationalTree = map[string]*Node{
	"run":  {Desc: "Advance simulated time (run <duration>, or to the end)"},
	"step": {Desc: "Fire the next pending event(s)"},
	"show": {Desc: "Show simulation state", Children: map[string]*Node{
		"addresses":  perNode("Show interface addresses"),
		"interfaces": perNode("Show interface link and DAD state"),
		"links":      {Desc: "Show links and frame counters"},
		"log":        perNode("Show the ND event log"),
		"neighbors":  perNode("Show neighbor cache entries"),
		"pings":      {Desc: "Show ping results"},
		"policies":   {Desc: "Show event-options policies"},
		"prefixes":   perNode("Show prefix list records"),
		"radvd":      perNode("Show radvd.conf for an advertising node"),
		"routes":     perNode("Show routing tables"),
		"statistics": perNode("Show ICMPv6, ND and IPv6 counters"),
		"time":       {Desc: "Show the simulation clock"},
	}},
	"ping": {Desc: "Send echo requests (ping <node> <address> [count n] [interface name])", DynamicFn: NodeNames},
	"set": {Desc: "Change link or interface state", Children: map[string]*Node{
		"link":      {Desc: "set link <name> up|down", DynamicFn: LinkNames},
		"interface": {Desc: "set interface <node> <name> up|down", DynamicFn: NodeNames},
	}},
	"clear": {Desc: "Clear information", Children: map[string]*Node{
		"statistics": {Desc: "Clear all node counters"},
		"log":        {Desc: "Clear the ND event log"},
	}},
	"help": {Desc: "Show available commands"},
	"quit": {Desc: "Exit the shell"},
	"exit": {Desc: "Exit the shell"},
}

// PipeFilters are the output filters accepted after "|".
var PipeFilters = map[string]*Node{
	"count":  {Desc: "Count occurrences"},
	"except": {Desc: "Show only text that does not match a pattern"},
	"last":   {Desc: "Display end of output only"},
	"match":  {Desc: "Show only text that matches a pattern"},
}

// position is where a word sequence ends up in a command tree.
type position struct {
	node     *Node            // nil at the root
	children map[string]*Node // static choices from here
	hasValue bool             // a dynamic value followed node
}

// walk follows words down tree. A word that is not a static child of a node
// with dynamic values is taken as that value; nothing may follow it.
func walk(tree map[string]*Node, words []string) (position, bool) {
	pos := position{children: tree}
	for _, w := range words {
		if pos.hasValue {
			return pos, false
		}
		if next, ok := pos.children[w]; ok {
			pos = position{node: next, children: next.Children}
			continue
		}
		if pos.node == nil || pos.node.DynamicFn == nil {
			return pos, false
		}
		pos.children = nil
		pos.hasValue = true
	}
	return pos, true
}

// CompleteFromTree returns the sorted names that can follow words and start
// with partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, cfg *config.Config) []string {
	var names []string
	for _, c := range CompleteFromTreeWithDesc(tree, words, partial, cfg) {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CompleteFromTreeWithDesc is CompleteFromTree with descriptions, unsorted.
// Dynamic values are only offered when cfg is set.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, cfg *config.Config) []Candidate {
	pos, ok := walk(tree, words)
	if !ok {
		return nil
	}
	var out []Candidate
	for name, n := range pos.children {
		if strings.HasPrefix(name, partial) {
			out = append(out, Candidate{Name: name, Desc: n.Desc})
		}
	}
	if pos.hasValue || pos.node == nil || pos.node.DynamicFn == nil || cfg == nil {
		return out
	}
	for _, name := range pos.node.DynamicFn(cfg) {
		if strings.HasPrefix(name, partial) {
			out = append(out, Candidate{Name: name, Desc: "(configured)"})
		}
	}
	return out
}

// LookupDesc returns the description of command name after words in the
// shell tree, or "".
func LookupDesc(words []string, name string) string {
	pos, ok := walk(OperationalTree, words)
	if !ok {
		return ""
	}
	if n, ok := pos.children[name]; ok {
		return n.Desc
	}
	return ""
}

// WriteHelp prints candidates sorted by name with aligned descriptions.
// Output goes out in one Write so readline redraws the prompt once.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	width := 20
	for _, c := range candidates {
		width = max(width, len(c.Name)+2)
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc == "" {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
			continue
		}
		fmt.Fprintf(&sb, "  %-*s %s\n", width, c.Name, c.Desc)
	}
	io.WriteString(w, sb.String())
}

// WriteTreeHelp prints header and then the commands available under path.
func WriteTreeHelp(w io.Writer, header string, tree map[string]*Node, path ...string) {
	fmt.Fprintln(w, header)
	pos, ok := walk(tree, path)
	if !ok || len(pos.children) == 0 {
		return
	}
	cands := make([]Candidate, 0, len(pos.children))
	for name, n := range pos.children {
		cands = append(cands, Candidate{Name: name, Desc: n.Desc})
	}
	WriteHelp(w, cands)
}

// CommonPrefix returns the longest prefix shared by every item.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	n := len(items[0])
	for _, s := range items[1:] {
		n = min(n, len(s))
		for i := 0; i < n; i++ {
			if s[i] != items[0][i] {
				n = i
				break
			}
		}
	}
	return items[0][:n]
}
