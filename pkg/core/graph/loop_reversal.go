// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"k8s.io/klog/v2"
)

// forVJP is the VJP of a For node: it returns the gradients of the inputs of the loop (sequences, seeds and
// closures) given the gradient of one of its For nodes.
//
// It builds a backward Loop of the same length, running in reverse time order:
//
//   - Each forward sequence X is a backward sequence Reverse(X).
//   - Each forward state S, with For node F and seed s0, is exposed through its pre-step values
//     Reverse(ShiftIn(F, s0)), reusing the states computed by the forward loop.
//   - The incoming gradient v is the backward sequence Reverse(v).
//   - Each forward state has a zero-seeded accumulator state, holding the gradient of the state received
//     from the later steps.
//
// The body of each step is the forward body with the loop variables replaced by the backward sequences, and
// a single backward pass over it, where the root of each state gets its accumulator as gradient and the root
// of the For being differentiated also gets the current element of Reverse(v). The gradients of the pre-step
// states are the new accumulators, the gradients of the sequence elements and of the closures are per-step
// outputs.
//
// The final accumulators are the gradients of the seeds, the reversed per-step sequence gradients are the
// gradients of the sequences and the per-step closure gradients summed over time are the gradients of the
// closures.
func forVJP(node, v *Node) []*Node {
	if cached, found := node.reversals[v.id]; found {
		return cached
	}
	loop := node.loop
	g := loop.graph
	numSeqs, numStates := len(loop.sequences), len(loop.stateVars)
	klog.V(2).Infof("reversing loop %q for gradient of For #%d", loop.name, node.index)

	backLoop := NewLoop(g, loop.name+".grad", loop.length)
	step := make(Patch)
	for ii, seq := range loop.sequences {
		step[loop.sequenceVars[ii]] = backLoop.Sequence(Reverse(seq))
	}
	for ii, seed := range loop.seeds {
		preStep := ShiftIn(loop.fors[ii], seed)
		step[loop.stateVars[ii]] = backLoop.Sequence(Reverse(preStep))
	}
	stepDelta := backLoop.Sequence(Reverse(v))
	accumulators := make([]*Node, numStates)
	for ii, seed := range loop.seeds {
		accumulators[ii] = backLoop.State(ZerosLike(seed))
	}

	// One step of the forward body, differentiated locally.
	var roots, seeds []*Node
	for ii := range numStates {
		roots = append(roots, step.Apply(loop.expressions[ii]))
		if ii == node.index {
			seeds = append(seeds, Add(accumulators[ii], stepDelta))
		} else {
			seeds = append(seeds, accumulators[ii])
		}
	}
	if !loop.IsRecursive(node.index) {
		roots = append(roots, step.Apply(loop.expressions[node.index]))
		seeds = append(seeds, stepDelta)
	}
	boundary := make(map[*Node]bool, len(loop.closures))
	for _, closure := range loop.closures {
		boundary[closure] = true
	}
	stepGrads := backward(roots, seeds, boundary)

	for ii, stateVar := range loop.stateVars {
		backLoop.Update(accumulators[ii], stepGrads.OfOrZeros(step[stateVar]))
	}
	var seqOutputs, closureOutputs []int
	for ii, seqVar := range loop.sequenceVars {
		if grad := stepGrads.Of(step[seqVar]); grad != nil {
			backLoop.Output(grad)
			seqOutputs = append(seqOutputs, ii)
		}
	}
	for ii, closure := range loop.closures {
		if grad := stepGrads.Of(closure); grad != nil {
			backLoop.Output(grad)
			closureOutputs = append(closureOutputs, ii)
		}
	}

	inputGrads := make([]*Node, len(node.inputNodes))
	if numStates > 0 || len(seqOutputs) > 0 || len(closureOutputs) > 0 {
		backFors := backLoop.Done()
		for ii := range numStates {
			inputGrads[numSeqs+ii] = SliceAt(backFors[ii], -1)
		}
		next := numStates
		for _, ii := range seqOutputs {
			inputGrads[ii] = Reverse(backFors[next])
			next++
		}
		for _, ii := range closureOutputs {
			inputGrads[numSeqs+numStates+ii] = ReduceSum(backFors[next], 0)
			next++
		}
	}
	if node.reversals == nil {
		node.reversals = make(map[NodeId][]*Node)
	}
	node.reversals[v.id] = inputGrads
	return inputGrads
}
