package config

import (
	"fmt"
	"slices"
	"strings"
)

// Node is one statement of the scenario tree: a leaf terminated by ';' or
// a block whose children sit between braces.
type Node struct {
	// Keys are the words that make up the statement.
	//   "nodes"                    -> ["nodes"]
	//   "node h1"                  -> ["node", "h1"]
	//   "address 2001:db8::1/64"   -> ["address", "2001:db8::1/64"]
	Keys []string

	// Children is nil for leaves.
	Children []*Node

	IsLeaf bool

	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// KeyPath returns the keys joined by spaces.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// FindChild returns the first child whose first key is name.
func (n *Node) FindChild(name string) *Node {
	return findChild(n.Children, name)
}

// FindChildren returns every child whose first key is name.
func (n *Node) FindChildren(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

func findChild(nodes []*Node, name string) *Node {
	for _, c := range nodes {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// ConfigTree is the root of a parsed scenario.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level statement named name.
func (t *ConfigTree) FindChild(name string) *Node {
	return findChild(t.Children, name)
}

// Clone returns a deep copy of the tree.
func (t *ConfigTree) Clone() *ConfigTree {
	if t == nil {
		return nil
	}
	return &ConfigTree{Children: cloneNodes(t.Children)}
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		cp := *n
		cp.Keys = slices.Clone(n.Keys)
		cp.Children = cloneNodes(n.Children)
		out[i] = &cp
	}
	return out
}

// ValueHint identifies the kind of name expected at a schema position.
type ValueHint int

const (
	ValueHintNone ValueHint = iota
	ValueHintNodeName
	ValueHintLinkName
	ValueHintInterfaceName
	ValueHintEventName
)

// ValueProvider returns candidate names for a hint.
type ValueProvider func(hint ValueHint) []string

// schemaNode describes a container keyword. args is the number of extra
// words that belong to the container's key ("node h1" has one).
type schemaNode struct {
	args      int
	children  map[string]*schemaNode
	valueHint ValueHint
}

var prefixSchema = &schemaNode{args: 1}

var eventSchema = &schemaNode{args: 1, valueHint: ValueHintEventName}

// setSchema is the container layout of a scenario. Keywords it does not
// list become leaves that swallow the rest of the path.
var setSchema = &schemaNode{children: map[string]*schemaNode{
	"simulation": {children: map[string]*schemaNode{
		"nd": {},
	}},
	"links": {children: map[string]*schemaNode{
		"link": {args: 1, valueHint: ValueHintLinkName},
	}},
	"nodes": {children: map[string]*schemaNode{
		"node": {args: 1, valueHint: ValueHintNodeName, children: map[string]*schemaNode{
			"interface": {args: 1, valueHint: ValueHintInterfaceName, children: map[string]*schemaNode{
				"router-advertisement": {children: map[string]*schemaNode{
					"prefix": prefixSchema,
				}},
				"delegated-prefix": prefixSchema,
			}},
		}},
	}},
	"events": {children: map[string]*schemaNode{
		"ping":           eventSchema,
		"link-down":      eventSchema,
		"link-up":        eventSchema,
		"interface-down": eventSchema,
		"interface-up":   eventSchema,
	}},
	"event-options": {children: map[string]*schemaNode{
		"policy": {args: 1, children: map[string]*schemaNode{
			"within": {args: 1},
			"then": {children: map[string]*schemaNode{
				"ping":           eventSchema,
				"link-down":      eventSchema,
				"link-up":        eventSchema,
				"interface-down": eventSchema,
				"interface-up":   eventSchema,
			}},
		}},
	}},
}}

// SetPath inserts the statement named by a flat "set" path, creating
// intermediate containers as the schema dictates.
func (t *ConfigTree) SetPath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	cur := &t.Children
	schema := setSchema
	for i := 0; i < len(path); {
		child := schema.lookup(path[i])
		n := 1
		if child != nil {
			n += child.args
		}
		if child == nil || i+n >= len(path) {
			*cur = append(*cur, &Node{Keys: slices.Clone(path[i:]), IsLeaf: true})
			return nil
		}
		keys := path[i : i+n]
		i += n

		var block *Node
		for _, c := range *cur {
			if !c.IsLeaf && slices.Equal(c.Keys, keys) {
				block = c
				break
			}
		}
		if block == nil {
			block = &Node{Keys: slices.Clone(keys)}
			*cur = append(*cur, block)
		}
		cur = &block.Children
		schema = child
	}
	return nil
}

// DeletePath removes the statement named by path. A leaf matches when its
// keys start with the remaining path words.
func (t *ConfigTree) DeletePath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty path")
	}
	cur := &t.Children
	schema := setSchema
	for i := 0; i < len(path); {
		child := schema.lookup(path[i])
		n := 1
		if child != nil {
			n += child.args
		}
		if child == nil || i+n >= len(path) {
			return removeMatching(cur, path[i:])
		}
		keys := path[i : i+n]
		i += n

		var next *[]*Node
		for _, c := range *cur {
			if !c.IsLeaf && slices.Equal(c.Keys, keys) {
				next = &c.Children
				break
			}
		}
		if next == nil {
			return fmt.Errorf("path not found: %q does not exist", strings.Join(keys, " "))
		}
		cur = next
		schema = child
	}
	return nil
}

func (s *schemaNode) lookup(keyword string) *schemaNode {
	if s == nil {
		return nil
	}
	return s.children[keyword]
}

func removeMatching(nodes *[]*Node, keys []string) error {
	for i, n := range *nodes {
		if len(keys) <= len(n.Keys) && slices.Equal(n.Keys[:len(keys)], keys) {
			*nodes = slices.Delete(*nodes, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("path not found: no statement matching %q", strings.Join(keys, " "))
}

// CompleteSetPath returns the keywords that may follow tokens in a set
// path.
func CompleteSetPath(tokens []string) []string {
	return CompleteSetPathWithValues(tokens, nil)
}

// CompleteSetPathWithValues is CompleteSetPath that asks provider for
// names where the schema expects one.
func CompleteSetPathWithValues(tokens []string, provider ValueProvider) []string {
	schema := setSchema
	for i := 0; i < len(tokens); {
		if schema == nil || schema.children == nil {
			return nil
		}
		child := schema.lookup(tokens[i])
		if child == nil {
			return nil
		}
		i += 1 + child.args
		if i > len(tokens) {
			if provider != nil && child.valueHint != ValueHintNone {
				return provider(child.valueHint)
			}
			return nil
		}
		schema = child
	}
	if schema == nil || schema.children == nil {
		return nil
	}
	out := make([]string, 0, len(schema.children))
	for name := range schema.children {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Format renders the tree in hierarchical form.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	pad := strings.Repeat("    ", indent)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", pad, n.KeyPath())
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", pad, n.KeyPath())
		formatNodes(b, n.Children, indent+1)
		fmt.Fprintf(b, "%s}\n", pad)
	}
}

// FormatSet renders the tree as flat "set" commands.
func (t *ConfigTree) FormatSet() string {
	var b strings.Builder
	formatSetNodes(&b, t.Children, nil)
	return b.String()
}

func formatSetNodes(b *strings.Builder, nodes []*Node, prefix []string) {
	for _, n := range nodes {
		path := append(slices.Clone(prefix), n.Keys...)
		if n.IsLeaf || len(n.Children) == 0 {
			fmt.Fprintf(b, "set %s\n", strings.Join(path, " "))
			continue
		}
		formatSetNodes(b, n.Children, path)
	}
}
