// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
	. "github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
)

// stepFn computes one step of a recurrence from the sequence elements and the states before the step.
type stepFn func(xs, states []*Node) (newStates, outputs []*Node)

// model is a sample recurrence, with its leaves (sequences, seeds and closures) built for a given length.
type model struct {
	name, description string
	build             func(g *Graph, length int) (sequences, seeds, closures []*Node, step stepFn)
}

const dtype = dtypes.Float64

var models = []model{
	{
		name:        "running-sum",
		description: "s ← s + x",
		build: func(g *Graph, length int) ([]*Node, []*Node, []*Node, stepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length))
			s0 := Var(g, "s0", shapes.Make(dtype))
			return []*Node{xs}, []*Node{s0}, nil, func(xs, states []*Node) ([]*Node, []*Node) {
				return []*Node{Add(states[0], xs[0])}, nil
			}
		},
	},
	{
		name:        "tanh-rnn",
		description: "h ← tanh(w⊙h + x), output h⊙x",
		build: func(g *Graph, length int) ([]*Node, []*Node, []*Node, stepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length, 3))
			h0 := Var(g, "h0", shapes.Make(dtype, 3))
			w := Shared(g, "w", shapes.Make(dtype, 3))
			return []*Node{xs}, []*Node{h0}, []*Node{w}, func(xs, states []*Node) ([]*Node, []*Node) {
				return []*Node{Tanh(Add(Mul(w, states[0]), xs[0]))}, []*Node{Mul(states[0], xs[0])}
			}
		},
	},
	{
		name:        "matrix-rnn",
		description: "h ← tanh(Wh·h + Wx·x), output σ(h)",
		build: func(g *Graph, length int) ([]*Node, []*Node, []*Node, stepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length, 2))
			h0 := Var(g, "h0", shapes.Make(dtype, 4))
			wh := Shared(g, "wh", shapes.Make(dtype, 4, 4))
			wx := Shared(g, "wx", shapes.Make(dtype, 4, 2))
			return []*Node{xs}, []*Node{h0}, []*Node{wh, wx}, func(xs, states []*Node) ([]*Node, []*Node) {
				h := Tanh(Add(Contract(wh, states[0]), Contract(wx, xs[0])))
				return []*Node{h}, []*Node{Logistic(h)}
			}
		},
	},
	{
		name:        "coupled",
		description: "a ← tanh(a·b) + x, b ← tanh(a) - b/2, output a·b",
		build: func(g *Graph, length int) ([]*Node, []*Node, []*Node, stepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length))
			a0 := Var(g, "a0", shapes.Make(dtype))
			b0 := Var(g, "b0", shapes.Make(dtype))
			return []*Node{xs}, []*Node{a0, b0}, nil, func(xs, states []*Node) ([]*Node, []*Node) {
				a, b := states[0], states[1]
				half := Scalar(g, dtype, 0.5)
				return []*Node{Add(Tanh(Mul(a, b)), xs[0]), Sub(Tanh(a), Mul(half, b))}, []*Node{Mul(a, b)}
			}
		},
	},
}

// findModel returns the model with the given name.
func findModel(name string) (model, bool) {
	for _, m := range models {
		if m.name == name {
			return m, true
		}
	}
	return model{}, false
}

// problem holds the graphs built for one model: the loss computed with a Loop and with the unrolled
// steps, and their gradients with respect to the leaves.
type problem struct {
	leaves                   []*Node
	scanLoss, unrolledLoss   *Node
	scanGrads, unrolledGrads []*Node
	params                   simplego.ParamsMap
}

// buildProblem builds a weighted sum over every step of every state and output of the model as the loss.
func buildProblem(m model, length int) (*problem, error) {
	g := NewGraph(m.name)
	sequences, seeds, closures, step := m.build(g, length)
	p := &problem{params: simplego.ParamsMap{}}
	p.leaves = append(append(append(p.leaves, sequences...), seeds...), closures...)
	for ii, leaf := range p.leaves {
		p.params[leaf] = sampleValues(leaf.Shape(), float64(ii))
	}

	loop := NewLoop(g, m.name, shapes.StaticAxis(length))
	xs := make([]*Node, len(sequences))
	for ii, seq := range sequences {
		xs[ii] = loop.Sequence(seq)
	}
	states := make([]*Node, len(seeds))
	for ii, seed := range seeds {
		states[ii] = loop.State(seed)
	}
	newStates, outputs := step(xs, states)
	for ii, newState := range newStates {
		loop.Update(states[ii], newState)
	}
	for _, output := range outputs {
		loop.Output(output)
	}
	fors := loop.Done()
	weights := make([]*Node, len(fors))
	for ii, f := range fors {
		weights[ii] = Var(g, fmt.Sprintf("weights_%d", ii), f.Shape())
		p.params[weights[ii]] = sampleValues(f.Shape(), float64(ii)+0.5)
		p.scanLoss = addTerm(p.scanLoss, ReduceAllSum(Mul(weights[ii], f)))
	}

	states = seeds
	for t := range length {
		for ii, seq := range sequences {
			xs[ii] = SliceAt(seq, t)
		}
		newStates, outputs = step(xs, states)
		for ii, node := range append(append([]*Node{}, newStates...), outputs...) {
			p.unrolledLoss = addTerm(p.unrolledLoss, ReduceAllSum(Mul(SliceAt(weights[ii], t), node)))
		}
		states = newStates
	}

	var err error
	if p.scanGrads, err = TryGradient(p.scanLoss, p.leaves...); err != nil {
		return nil, err
	}
	if p.unrolledGrads, err = TryGradient(p.unrolledLoss, p.leaves...); err != nil {
		return nil, err
	}
	return p, nil
}

func addTerm(sum, term *Node) *Node {
	if sum == nil {
		return term
	}
	return Add(sum, term)
}

// sampleValues returns deterministic values in [-0.5, 0.5].
func sampleValues(shape shapes.Shape, offset float64) *tensors.Tensor {
	flat := make([]float64, shape.Size())
	for ii := range flat {
		flat[ii] = 0.5 * math.Sin(1.3*float64(ii)+offset)
	}
	return tensors.FromFlat(shape, flat)
}
