// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// execFor returns the value of a For node. All the For nodes of a loop are computed together, by running
// the loop once.
func execFor(e *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	loop := node.Loop()
	results, found := e.loops[loop]
	if !found {
		results = e.runLoop(loop, inputs)
		e.loops[loop] = results
	}
	return results[node.Index()]
}

// loopLength returns the number of steps of the loop.
func (e *Executor) loopLength(loop *graph.Loop, sequences []*tensors.Tensor) int {
	if size, err := e.bindings.Size(loop.Length()); err == nil {
		return size
	}
	if len(sequences) > 0 {
		return sequences[0].Shape().Dimensions[0]
	}
	exceptions.Panicf("cannot resolve the length %s of loop %q", loop.Length(), loop.Name())
	return 0
}

// runLoop runs the loop step by step. inputs are the values of the sequences, seeds and closures of the loop.
func (e *Executor) runLoop(loop *graph.Loop, inputs []*tensors.Tensor) []*tensors.Tensor {
	numSeqs, numStates := len(loop.Sequences()), loop.NumStates()
	sequences := inputs[:numSeqs]
	states := append([]*tensors.Tensor{}, inputs[numSeqs:numSeqs+numStates]...)
	closureValues := inputs[numSeqs+numStates:]
	length := e.loopLength(loop, sequences)
	seqBlocks := make([][][]float64, numSeqs)
	for ii, seq := range sequences {
		if seq.Shape().Dimensions[0] != length {
			exceptions.Panicf("loop %q has length %d, but sequence #%d has leading dimension %d",
				loop.Name(), length, ii, seq.Shape().Dimensions[0])
		}
		seqBlocks[ii] = blocks(seq)
	}
	klog.V(2).Infof("simplego: running loop %q for %d steps", loop.Name(), length)

	expressions := loop.Expressions()
	steps := make([][]*tensors.Tensor, len(expressions))
	for t := range length {
		values := make(map[*graph.Node]*tensors.Tensor)
		for ii, closure := range loop.Closures() {
			values[closure] = closureValues[ii]
		}
		for ii, v := range loop.SequenceVariables() {
			elementShape := shapes.Make(v.DType(), sequences[ii].Shape().Dimensions[1:]...)
			values[v] = tensors.FromFlat(elementShape, slices.Clone(seqBlocks[ii][t]))
		}
		for ii, v := range loop.StateVariables() {
			values[v] = states[ii]
		}
		stepExecutor := e.child(values)
		for ii, expr := range expressions {
			steps[ii] = append(steps[ii], stepExecutor.eval(expr))
		}
		for ii := range states {
			states[ii] = steps[ii][t]
		}
	}

	results := make([]*tensors.Tensor, len(expressions))
	for ii, expr := range expressions {
		parts := make([][]float64, length)
		for t, step := range steps[ii] {
			parts[t] = step.Flat()
		}
		results[ii] = fromBlocks(expr, e.resolveShape(expr).Dimensions, parts)
	}
	return results
}
