// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file implements reverse-mode automatic differentiation, using VJPs (Vector Jacobian Products).
//
// Conventions:
//
//   - root node: the output being differentiated, it receives the seed gradient.
//   - VJP / adjoint: the accumulated gradient of the root with respect to a node. It is the sum of the
//     contributions pushed by all the consumers of the node. Once a node's VJP rule is dispatched, it pushes
//     the contributions to its inputs.
//
// The expression graph is a DAG with shared sub-expressions, and a node may be reached by several paths. The
// engine first tries an eager depth-first traversal (pass 1), which dispatches a node's rule on its first
// contribution. If a node that was already dispatched receives another contribution (a "duplicated delta"),
// what it propagated was incomplete, so everything is discarded and recomputed (pass 2) with a scheduler that
// only dispatches a node once all the contributions it expects have arrived.

// Gradients holds the result of one differentiation request: the accumulated gradient of every node reached.
// It never holds zero-valued entries. It is read-only once returned.
type Gradients struct {
	grads      map[*Node]*Node
	dispatches map[*Node]int
	duplicates int
	secondPass bool
}

// Of returns the accumulated gradient of node, or nil if node received no (non-zero) gradient.
func (gr *Gradients) Of(node *Node) *Node { return gr.grads[node] }

// OfOrZeros returns the accumulated gradient of node, or zeros shaped like node if it received none.
func (gr *Gradients) OfOrZeros(node *Node) *Node {
	if grad := gr.grads[node]; grad != nil {
		return grad
	}
	return ZerosLike(node)
}

// Len returns the number of nodes with a gradient.
func (gr *Gradients) Len() int { return len(gr.grads) }

// Nodes returns the nodes with gradient, in no particular order.
func (gr *Gradients) Nodes() []*Node {
	nodes := make([]*Node, 0, len(gr.grads))
	for node := range gr.grads {
		nodes = append(nodes, node)
	}
	return nodes
}

// Dispatches returns how many times the VJP rule of node was invoked to produce these gradients.
func (gr *Gradients) Dispatches(node *Node) int { return gr.dispatches[node] }

// NumDuplicates returns the number of duplicated deltas detected during the eager pass.
func (gr *Gradients) NumDuplicates() int { return gr.duplicates }

// UsedSecondPass returns whether the scheduled second pass was needed.
func (gr *Gradients) UsedSecondPass() bool { return gr.secondPass }

// backprop holds the state of one differentiation request.
type backprop struct {
	roots, seeds []*Node

	// boundary nodes receive gradients but don't propagate them to their inputs.
	boundary map[*Node]bool

	grads      map[*Node]*Node
	dispatches map[*Node]int

	// Pass 1: number of contributions still expected from the consumers dispatched so far.
	expected   map[*Node]int
	duplicates int

	// Pass 2.
	scheduled bool
	remaining map[*Node]int
	processed map[*Node]bool
	queue     []*Node
}

// Backward differentiates root, with the given seed as its gradient, and returns the gradients of every
// node reached from it.
//
// The seed must have the shape of root.
func Backward(root, seed *Node) *Gradients {
	return backward([]*Node{root}, []*Node{seed}, nil)
}

// backward runs a differentiation request with one or more roots, each with its seed. Nodes in boundary
// receive gradients, but are not differentiated further.
func backward(roots, seeds []*Node, boundary map[*Node]bool) *Gradients {
	if len(roots) != len(seeds) {
		Panicf("backward: %d roots given, but %d seeds", len(roots), len(seeds))
	}
	bp := &backprop{roots: roots, seeds: seeds, boundary: boundary}
	bp.reset()
	for ii, root := range roots {
		bp.pushGradientTo(root, seeds[ii])
	}
	duplicates := bp.duplicates
	if duplicates > 0 {
		klog.V(1).Infof("backward: %d duplicated deltas in eager pass, re-running with scheduled pass", duplicates)
		bp.reset()
		bp.scheduled = true
		bp.countExpected()
		for ii, root := range roots {
			bp.pushGradientTo(root, seeds[ii])
		}
		bp.drain()
	}
	return &Gradients{
		grads:      bp.grads,
		dispatches: bp.dispatches,
		duplicates: duplicates,
		secondPass: duplicates > 0,
	}
}

func (bp *backprop) reset() {
	bp.grads = make(map[*Node]*Node)
	bp.dispatches = make(map[*Node]int)
	bp.expected = make(map[*Node]int)
	bp.duplicates = 0
	bp.remaining = nil
	bp.processed = nil
	bp.queue = nil
}

// propagates returns whether the node pushes gradients to its inputs.
func (bp *backprop) propagates(node *Node) bool {
	return len(node.inputNodes) > 0 && !bp.boundary[node]
}

// pushGradientTo adds delta to the accumulated gradient of target. In the eager pass the VJP of target is
// dispatched on its first contribution. In the scheduled pass, target is queued once all the contributions
// it expects arrived. A nil or zero delta is dropped, but still counts as an arrived contribution.
func (bp *backprop) pushGradientTo(target, delta *Node) {
	if delta != nil && !delta.IsZero() {
		if !target.graph.Compatible(target.shape, delta.shape) {
			Panicf("gradient of shape %s pushed to node %s, which has an incompatible shape (rank %d vs %d)",
				delta.shape, target, delta.Rank(), target.Rank())
		}
		if previous := bp.grads[target]; previous != nil {
			bp.grads[target] = Add(previous, delta)
		} else {
			bp.grads[target] = delta
		}
		if bp.grads[target].IsZero() {
			delete(bp.grads, target)
		}
	}

	if bp.scheduled {
		bp.remaining[target]--
		if bp.remaining[target] == 0 {
			bp.queue = append(bp.queue, target)
		}
		return
	}

	if bp.expected[target] > 0 {
		bp.expected[target]--
	}
	if delta == nil || delta.IsZero() {
		return
	}
	if bp.dispatches[target] > 0 {
		if bp.propagates(target) {
			bp.duplicates++
			klog.V(1).Infof("backward: duplicated delta for %s, %d contributions still expected",
				target, bp.expected[target])
		}
		return
	}
	bp.dispatch(target)
}

// dispatch invokes the VJP rule of node with its accumulated gradient and pushes the results to its inputs.
func (bp *backprop) dispatch(node *Node) {
	if !bp.propagates(node) {
		return
	}
	v := bp.grads[node]
	if v == nil {
		// Only in the scheduled pass: inputs are still owed their (empty) contributions.
		for _, input := range node.inputNodes {
			bp.pushGradientTo(input, nil)
		}
		return
	}
	bp.dispatches[node]++
	for _, input := range node.inputNodes {
		bp.expected[input]++
	}
	inputGrads := vjpFor(node.nodeType)(node, v)
	if inputGrads != nil && len(inputGrads) != len(node.inputNodes) {
		Panicf("VJP of %s returned %d gradients, but node has %d inputs", node, len(inputGrads), len(node.inputNodes))
	}
	for ii, input := range node.inputNodes {
		var grad *Node
		if inputGrads != nil {
			grad = inputGrads[ii]
		}
		bp.pushGradientTo(input, grad)
	}
}

// countExpected sets, for every node reachable from the roots, the number of contributions it will
// receive: one per root occurrence plus one per input edge of every reachable propagating node.
func (bp *backprop) countExpected() {
	bp.remaining = make(map[*Node]int)
	bp.processed = make(map[*Node]bool)
	visited := make(map[*Node]bool)
	var visit func(node *Node)
	visit = func(node *Node) {
		if visited[node] {
			return
		}
		visited[node] = true
		if _, found := bp.remaining[node]; !found {
			bp.remaining[node] = 0
		}
		if !bp.propagates(node) {
			return
		}
		for _, input := range node.inputNodes {
			bp.remaining[input]++
			visit(input)
		}
	}
	for _, root := range bp.roots {
		bp.remaining[root]++
		visit(root)
	}
}

// drain dispatches the queued nodes in FIFO order until all reachable nodes are processed.
func (bp *backprop) drain() {
	for len(bp.queue) > 0 {
		node := bp.queue[0]
		bp.queue = bp.queue[1:]
		if bp.processed[node] {
			Panicf("backward scheduling violation: node %s queued twice", node)
		}
		bp.processed[node] = true
		bp.dispatch(node)
	}
	for node, count := range bp.remaining {
		if !bp.processed[node] {
			Panicf("backward scheduling violation: no node ready, but %s still expects %d contributions",
				node, count)
		}
	}
}

// Gradient creates the gradients of output with respect to each node in gradientNodes.
// The output must be a scalar. Nodes that output doesn't depend on get a gradient of zeros.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	validateInputs("Gradient", append([]*Node{output}, gradientNodes...)...)
	if !output.IsScalar() {
		Panicf("only gradients of a scalar with respect to tensors are accepted, not jacobians, "+
			"that is, output must be a scalar, got %s", output.Shape())
	}
	grads := Backward(output, OnesLike(output))
	results := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		results[ii] = grads.OfOrZeros(node)
	}
	return results
}

// GradientMap returns a map from each of params to the gradient of the scalar output with respect to it.
// Each param must be given only once.
func GradientMap(output *Node, params ...*Node) map[*Node]*Node {
	grads := Gradient(output, params...)
	gradMap := make(map[*Node]*Node, len(params))
	for ii, param := range params {
		if _, found := gradMap[param]; found {
			Panicf("GradientMap: parameter %s given more than once", param)
		}
		gradMap[param] = grads[ii]
	}
	return gradMap
}

// TryGradient is like Gradient, but returns an error instead of panicking. No partial results are returned.
func TryGradient(output *Node, gradientNodes ...*Node) (grads []*Node, err error) {
	err = TryCatch[error](func() { grads = Gradient(output, gradientNodes...) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to differentiate")
	}
	return grads, nil
}
