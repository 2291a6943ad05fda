// Package model defines the data types shared by the engine and its
// collaborators: graph definitions, run records, execution steps, and the
// structured error pair reported to transports.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// END is the terminal marker stored in RunState.CurrentNode once a run completes.
const END = "__end__"

// ErrInvalidGraph indicates a graph definition failed structural validation.
var ErrInvalidGraph = errors.New("invalid graph")

// Graph is an immutable workflow definition.
// Nodes and Edges keep declaration order; edge priority is that order.
type Graph struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes     []Node `json:"nodes" yaml:"nodes"`
	Edges     []Edge `json:"edges" yaml:"edges"`
	StartNode string `json:"start_node" yaml:"start_node"`

	// MaxIterations overrides the engine's iteration ceiling for runs of
	// this graph. Zero means use the engine default.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Node is a named step bound to a tool.
// The tool is resolved at invocation time, so it need not be registered
// when the graph is created.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Tool   string         `json:"tool" yaml:"tool"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Edge is a directed transition between two nodes.
// An empty Condition makes the edge unconditional; unconditional edges only
// match when no conditional edge from the same node does.
type Edge struct {
	FromNode  string `json:"from_node" yaml:"from_node"`
	ToNode    string `json:"to_node" yaml:"to_node"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// IsConditional reports whether the edge carries a condition.
func (e Edge) IsConditional() bool {
	return strings.TrimSpace(e.Condition) != ""
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// HasNode reports whether a node with the given ID exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.Node(id)
	return ok
}

// Outgoing returns the edges leaving the given node in declaration order.
func (g *Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.FromNode == id {
			out = append(out, e)
		}
	}
	return out
}

// ValidateStart checks only that the start node names an existing node.
// The engine calls it before creating a run so that stored graphs written by
// other tools cannot start from a dangling node.
func (g *Graph) ValidateStart() error {
	if g.StartNode == "" {
		return fmt.Errorf("%w: start node not set", ErrInvalidGraph)
	}
	if !g.HasNode(g.StartNode) {
		return fmt.Errorf("%w: start node '%s' does not exist", ErrInvalidGraph, g.StartNode)
	}
	return nil
}

// Validate checks the structure of the graph. Multiple problems are joined.
//
// Checks (in order):
//  1. At least one node
//  2. Node IDs are non-empty, unique, not the reserved END marker
//  3. Every node names a tool
//  4. Start node is set and exists
//  5. Every edge source and target exists
//
// Tool registration is not checked here.
func (g *Graph) Validate() error {
	var errs []error

	if len(g.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("%w: graph has no nodes", ErrInvalidGraph))
	}

	seen := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("%w: node %d has empty id", ErrInvalidGraph, i))
			continue
		case strings.EqualFold(n.ID, END) || strings.EqualFold(n.ID, "end"):
			errs = append(errs, fmt.Errorf("%w: node id '%s' is reserved", ErrInvalidGraph, n.ID))
		case seen[n.ID]:
			errs = append(errs, fmt.Errorf("%w: duplicate node id '%s'", ErrInvalidGraph, n.ID))
		}
		seen[n.ID] = true

		if n.Tool == "" {
			errs = append(errs, fmt.Errorf("%w: node '%s' has no tool", ErrInvalidGraph, n.ID))
		}
	}

	if err := g.ValidateStart(); err != nil {
		errs = append(errs, err)
	}

	for _, e := range g.Edges {
		if !seen[e.FromNode] {
			errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrInvalidGraph, e.FromNode))
		}
		if !seen[e.ToNode] {
			errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrInvalidGraph, e.ToNode))
		}
	}

	return errors.Join(errs...)
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := *g
	c.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		c.Nodes[i] = Node{ID: n.ID, Tool: n.Tool, Params: CloneState(n.Params)}
	}
	c.Edges = append([]Edge(nil), g.Edges...)
	return &c
}
