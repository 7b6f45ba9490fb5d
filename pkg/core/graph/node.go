// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/symgrad/pkg/core/dtypes"
	"github.com/gomlx/symgrad/pkg/core/shapes"
)

// Node represents the result of an operation in the expression graph, and can be used as input to further
// operations.
//
// Nodes are immutable once created. The only exception is the cache of loop reversals held by For nodes,
// which is keyed by the incoming gradient and only ever filled with the same result for the same key.
type Node struct {
	graph      *Graph
	id         NodeId
	nodeType   NodeType
	inputNodes []*Node
	shape      shapes.Shape

	// name is set for symbols (Var, Shared) and loop variables.
	name string

	// value of a NodeTypeConstant, all its elements are set to it.
	value float64

	// axes for ReduceSum and BroadcastAxes.
	axes []int

	// index for SliceAt, ScatterAt and For.
	index int

	// loop owning a For or a LoopVar.
	loop *Loop

	// reversals caches the gradients of the inputs of a For node, per incoming gradient.
	reversals map[NodeId][]*Node
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the process-wide unique id of this node.
func (n *Node) Id() NodeId { return n.id }

// Type of the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Inputs are the input nodes (the edges of the graph). It shouldn't be changed.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Invalid()
	}
	return n.shape
}

// DType returns the DType of the node's shape.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int { return n.shape.Rank() }

// IsScalar returns whether the node's shape is a scalar.
func (n *Node) IsScalar() bool { return n.shape.IsScalar() }

// Name of a Var, Shared or LoopVar node. Empty for other nodes.
func (n *Node) Name() string { return n.name }

// ConstantValue returns the value of all elements of a Constant node, and whether the node is a Constant.
func (n *Node) ConstantValue() (float64, bool) {
	if n.nodeType != NodeTypeConstant {
		return 0, false
	}
	return n.value, true
}

// IsZero returns whether the node is a Constant filled with zeros.
func (n *Node) IsZero() bool {
	return n != nil && n.nodeType == NodeTypeConstant && n.value == 0
}

// Axes used by ReduceSum and BroadcastAxes nodes.
func (n *Node) Axes() []int { return n.axes }

// Index used by SliceAt, ScatterAt and For nodes.
func (n *Node) Index() int { return n.index }

// Loop that owns a For or LoopVar node, or nil for other nodes.
func (n *Node) Loop() *Loop { return n.loop }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s", n.id, n.nodeType)
	switch n.nodeType {
	case NodeTypeVar, NodeTypeShared, NodeTypeLoopVar:
		fmt.Fprintf(&sb, "(%q)", n.name)
	case NodeTypeConstant:
		fmt.Fprintf(&sb, "(%g)", n.value)
	default:
		sb.WriteString("(")
		for ii, input := range n.inputNodes {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "#%d", input.id)
		}
		switch n.nodeType {
		case NodeTypeReduceSum, NodeTypeBroadcastAxes:
			fmt.Fprintf(&sb, ", axes=%v", n.axes)
		case NodeTypeSliceAt, NodeTypeScatterAt:
			fmt.Fprintf(&sb, ", index=%d", n.index)
		case NodeTypeFor:
			fmt.Fprintf(&sb, ", loop=%q[%d]", n.loop.name, n.index)
		}
		sb.WriteString(")")
	}
	fmt.Fprintf(&sb, " %s", n.shape)
	return sb.String()
}

// Expression returns a human-readable expression of the node, expanding its inputs recursively
// up to the given depth.
func (n *Node) Expression(depth int) string {
	switch n.nodeType {
	case NodeTypeVar, NodeTypeShared, NodeTypeLoopVar:
		return n.name
	case NodeTypeConstant:
		return fmt.Sprintf("%g", n.value)
	}
	if depth <= 0 {
		return fmt.Sprintf("#%d", n.id)
	}
	parts := make([]string, 0, len(n.inputNodes))
	for _, input := range n.inputNodes {
		parts = append(parts, input.Expression(depth-1))
	}
	return fmt.Sprintf("%s(%s)", n.nodeType, strings.Join(parts, ", "))
}

// CountNodes returns the number of distinct nodes reachable from roots, including the bodies of loops.
func CountNodes(roots ...*Node) int {
	visited := make(map[*Node]bool)
	visitedLoops := make(map[*Loop]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, input := range n.inputNodes {
			visit(input)
		}
		if n.nodeType == NodeTypeFor && !visitedLoops[n.loop] {
			visitedLoops[n.loop] = true
			for _, expr := range n.loop.expressions {
				visit(expr)
			}
		}
	}
	for _, root := range roots {
		visit(root)
	}
	return len(visited)
}
