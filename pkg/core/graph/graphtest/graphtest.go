// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"fmt"
	"testing"

	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/gradcheck"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// TestGraphFn should build its own inputs, and return both the values fed to them and the outputs.
type TestGraphFn func(g *graph.Graph) (params simplego.ParamsMap, outputs []*graph.Node)

// RunTestGraphFn tests a graph building function graphFn by executing it with the reference evaluator and
// comparing its output(s) to the values in want, reporting back any errors in t.
//
// delta is the margin of value on the difference of output and want values that are acceptable.
// Values of delta <= 0 means only exact equality is accepted.
func RunTestGraphFn(t *testing.T, testName string, graphFn TestGraphFn, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		g := graph.NewGraph(testName)
		params, outputs := graphFn(g)
		require.Equalf(t, len(want), len(outputs), "%s: number of wanted results different from number of outputs", testName)
		results, err := simplego.Execute(params, outputs...)
		require.NoErrorf(t, err, "%s: failed to execute graph", testName)
		for ii, output := range results {
			var wantTensor *tensors.Tensor
			if s, ok := want[ii].(shapes.Shape); ok {
				wantTensor = tensors.FromShape(s)
			} else {
				wantTensor = tensors.FromValue(want[ii])
			}
			require.Truef(t, wantTensor.InDelta(output, delta), "%s: output #%d %s doesn't match wanted value %v",
				testName, ii, output, want[ii])
		}
	})
}

// CheckGradient verifies the gradient of the scalar root with respect to wrt against finite differences,
// using gradcheck.DefaultConfig.
func CheckGradient(t *testing.T, root *graph.Node, wrt []*graph.Node, params simplego.ParamsMap) {
	t.Helper()
	report, err := gradcheck.Check(root, wrt, params, gradcheck.DefaultConfig())
	require.NoError(t, err)
	require.Truef(t, report.OK(), "%d of %d directions failed the finite-difference check, max abs error %g",
		report.Failures, len(report.Results), report.MaxAbsError)
}

// Evaluate executes outputs with params and returns their values, failing the test on errors.
func Evaluate(t *testing.T, params simplego.ParamsMap, outputs ...*graph.Node) []*tensors.Tensor {
	t.Helper()
	results, err := simplego.Execute(params, outputs...)
	require.NoError(t, err)
	return results
}

// RequireInDelta fails the test if the tensors don't match within delta.
func RequireInDelta(t *testing.T, want, got *tensors.Tensor, delta float64, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, want.InDelta(got, delta), "%s\n\twant: %s\n\t got: %s", fmt.Sprint(msgAndArgs...), want, got)
}

// StepFn computes one step of a recurrence: given the elements of the sequences and the states before the step,
// it returns the new states and the per-step outputs.
type StepFn func(xs, states []*graph.Node) (newStates, outputs []*graph.Node)

// Scan builds the recurrence defined by fn as a graph.Loop, and returns its For nodes: the states after
// each step, followed by the outputs.
func Scan(g *graph.Graph, name string, length shapes.Axis, sequences, seeds []*graph.Node, fn StepFn) []*graph.Node {
	loop := graph.NewLoop(g, name, length)
	xs := make([]*graph.Node, len(sequences))
	for ii, seq := range sequences {
		xs[ii] = loop.Sequence(seq)
	}
	states := make([]*graph.Node, len(seeds))
	for ii, seed := range seeds {
		states[ii] = loop.State(seed)
	}
	newStates, outputs := fn(xs, states)
	for ii, newState := range newStates {
		loop.Update(states[ii], newState)
	}
	for _, output := range outputs {
		loop.Output(output)
	}
	return loop.Done()
}

// Unroll builds the same recurrence as Scan, but unrolled into length copies of the step. It returns, for each
// state and output (in the order of Scan), the node of each step.
func Unroll(length int, sequences, seeds []*graph.Node, fn StepFn) [][]*graph.Node {
	states := append([]*graph.Node{}, seeds...)
	var steps [][]*graph.Node
	for t := range length {
		xs := make([]*graph.Node, len(sequences))
		for ii, seq := range sequences {
			xs[ii] = graph.SliceAt(seq, t)
		}
		newStates, outputs := fn(xs, states)
		all := append(append([]*graph.Node{}, newStates...), outputs...)
		if steps == nil {
			steps = make([][]*graph.Node, len(all))
		}
		for ii, node := range all {
			steps[ii] = append(steps[ii], node)
		}
		states = newStates
	}
	return steps
}

// ScanLoss returns Σ_k ReduceAllSum(weights[k] * fors[k]), a scalar loss depending on every step of the
// given For nodes.
func ScanLoss(fors, weights []*graph.Node) *graph.Node {
	var loss *graph.Node
	for ii, f := range fors {
		term := graph.ReduceAllSum(graph.Mul(weights[ii], f))
		if loss == nil {
			loss = term
		} else {
			loss = graph.Add(loss, term)
		}
	}
	return loss
}

// UnrolledLoss is the equivalent of ScanLoss for the steps returned by Unroll.
func UnrolledLoss(steps [][]*graph.Node, weights []*graph.Node) *graph.Node {
	var loss *graph.Node
	for ii, nodes := range steps {
		for t, node := range nodes {
			term := graph.ReduceAllSum(graph.Mul(graph.SliceAt(weights[ii], t), node))
			if loss == nil {
				loss = term
			} else {
				loss = graph.Add(loss, term)
			}
		}
	}
	return loss
}
