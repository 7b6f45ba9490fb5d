// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements symbolic tensor expressions, their reverse-mode automatic differentiation,
// and a recurrent Loop construct whose gradients are computed by building a time-reversed backward Loop,
// without unrolling it.
//
// A Graph is the construction session: nodes are created with the functions of this package (Var, Shared,
// Add, Mul, Contract, ...) and are canonicalized and interned on creation, so structurally equal expressions
// are the same *Node.
//
// Example:
//
//	g := graph.NewGraph("example")
//	x := graph.Var(g, "x", shapes.Make(dtypes.Float32))
//	y := graph.Mul(x, x)
//	grad := graph.Gradient(y, x)[0] // The node Mul(2, x).
//
// A Graph is not safe for concurrent mutation. Independent Graphs can be built concurrently.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/shapes"
)

// NodeId is a process-wide unique identifier of a Node.
type NodeId int64

// nextNodeId is the process-wide node id counter: independent graphs may be built concurrently.
var nextNodeId atomic.Int64

func newNodeId() NodeId {
	return NodeId(nextNodeId.Add(1))
}

// Graph holds the state of one construction session: the symbols created, the table of interned nodes,
// the symbolic dimension equivalences discovered during construction and the counter used to name loop
// variables.
type Graph struct {
	name string

	// equivalences of the symbolic axes discovered during construction.
	equivalences *shapes.Equivalences

	// interned maps the canonical key of a node to the node itself.
	interned map[string]*Node

	// symbols maps the names of Var and Shared nodes to the nodes.
	symbols map[string]*Node

	nameCounter int
	numNodes    int
}

// NewGraph creates a new empty Graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:         name,
		equivalences: shapes.NewEquivalences(),
		interned:     make(map[string]*Node),
		symbols:      make(map[string]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Equivalences returns the symbolic axes equivalences recorded while building the graph.
func (g *Graph) Equivalences() *shapes.Equivalences { return g.equivalences }

// NumNodes returns the number of nodes created in the graph so far (interned nodes are counted once).
func (g *Graph) NumNodes() int { return g.numNodes }

// Symbol returns the Var or Shared node with the given name, or nil if there is none.
func (g *Graph) Symbol(name string) *Node { return g.symbols[name] }

// Symbols returns the Var and Shared nodes of the graph, sorted by name.
func (g *Graph) Symbols() []*Node {
	names := make([]string, 0, len(g.symbols))
	for name := range g.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	nodes := make([]*Node, 0, len(names))
	for _, name := range names {
		nodes = append(nodes, g.symbols[name])
	}
	return nodes
}

// uniqueName returns a name not yet given by this graph, based on prefix.
func (g *Graph) uniqueName(prefix string) string {
	g.nameCounter++
	return fmt.Sprintf("%s#%d", prefix, g.nameCounter)
}

// String returns a short description of the graph.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %d nodes, %d symbols)", g.name, g.numNodes, len(g.symbols))
}

// bindAxes records that the two axes are the same, panicking if they cannot be.
func (g *Graph) bindAxes(a, b shapes.Axis, context string) {
	if err := g.equivalences.BindAxes(a, b); err != nil {
		Panicf("%s: %v", context, err)
	}
}

// unifyShapes records that the two shapes have the same axes, panicking if they cannot.
func (g *Graph) unifyShapes(s1, s2 shapes.Shape, context string) {
	if s1.DType != s2.DType {
		Panicf("%s: dtypes %s and %s don't match", context, s1.DType, s2.DType)
	}
	if err := g.equivalences.Unify(s1, s2); err != nil {
		Panicf("%s: shapes %s and %s don't match: %v", context, s1, s2, err)
	}
}

// Compatible returns whether the two shapes are provably the same, given the equivalences
// known to the graph.
func (g *Graph) Compatible(s1, s2 shapes.Shape) bool {
	return s1.DType == s2.DType && g.equivalences.Compatible(s1, s2)
}

// validateInputs checks that all inputs are valid and belong to the same graph, and returns it.
func validateInputs(opName string, inputs ...*Node) *Graph {
	var g *Graph
	for ii, input := range inputs {
		if input == nil {
			Panicf("%s: input #%d is nil", opName, ii)
		}
		if g == nil {
			g = input.graph
		} else if input.graph != g {
			Panicf("%s: input #%d belongs to graph %q, but other inputs belong to graph %q",
				opName, ii, input.graph.name, g.name)
		}
	}
	if g == nil {
		Panicf("%s: no inputs given", opName)
	}
	return g
}

// internKey builds the canonical key of a node with the given type, inputs and static attributes.
func internKey(nodeType NodeType, inputs []*Node, attrs ...any) string {
	var sb strings.Builder
	sb.WriteString(nodeType.String())
	for _, input := range inputs {
		fmt.Fprintf(&sb, ",#%d", input.id)
	}
	for _, attr := range attrs {
		fmt.Fprintf(&sb, ";%v", attr)
	}
	return sb.String()
}

// intern returns the node already registered with the same key, or registers and returns node.
func (g *Graph) intern(node *Node, attrs ...any) *Node {
	key := internKey(node.nodeType, node.inputNodes, attrs...)
	if existing, found := g.interned[key]; found {
		return existing
	}
	g.registerNode(node)
	g.interned[key] = node
	return node
}

// registerNode assigns a new id to node.
func (g *Graph) registerNode(node *Node) *Node {
	if !node.shape.DType.IsSupported() {
		Panicf("%s: unsupported dtype %s, only float dtypes are supported", node.nodeType, node.shape.DType)
	}
	node.graph = g
	node.id = newNodeId()
	g.numNodes++
	return node
}
