// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer_test

import (
	"math"
	"testing"

	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
	. "github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/graph/graphtest"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"github.com/gomlx/symgrad/pkg/ml/optimizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic returns the loss Σ(p-target)², with p=[0, 0] and target=[1, 2].
func quadratic(g *Graph) (loss, p *Node, params simplego.ParamsMap) {
	p = Shared(g, "p", shapes.Make(dtypes.Float64, 2))
	target := Var(g, "target", shapes.Make(dtypes.Float64, 2))
	loss = ReduceAllSum(Square(Sub(p, target)))
	return loss, p, simplego.ParamsMap{p: []float64{0, 0}, target: []float64{1, 2}}
}

func TestSGD(t *testing.T) {
	g := NewGraph("sgd")
	loss, p, params := quadratic(g)
	updates := optimizer.SGD(0.1).Done().Updates(loss, p)
	require.Len(t, updates, 1)

	results := graphtest.Evaluate(t, params, updates[p])
	assert.InDeltaSlice(t, []float64{0.2, 0.4}, results[0].Flat(), 1e-12)

	for range 100 {
		params[p] = graphtest.Evaluate(t, params, updates[p])[0]
	}
	assert.InDeltaSlice(t, []float64{1, 2}, params[p].(*tensors.Tensor).Flat(), 1e-6)

	// Default learning rate.
	updates = optimizer.SGD(0).Updates(loss, p)
	params[p] = []float64{0, 0}
	results = graphtest.Evaluate(t, params, updates[p])
	assert.InDeltaSlice(t, []float64{0.2, 0.4}, results[0].Flat(), 1e-12)
}

func TestSGDWithMomentum(t *testing.T) {
	g := NewGraph("momentum")
	loss, p, params := quadratic(g)
	sgd := optimizer.SGD(0.1).WithMomentum(0.5)
	updates := sgd.Updates(loss, p)
	velocity := sgd.Velocity(p)
	require.NotNil(t, velocity)
	require.Equal(t, "p/velocity", velocity.Name())
	require.Equal(t, NodeTypeShared, velocity.Type())
	require.Len(t, updates, 2)

	params[velocity] = []float64{0, 0}
	results := graphtest.Evaluate(t, params, updates[p], updates[velocity])
	assert.InDeltaSlice(t, []float64{0.2, 0.4}, results[0].Flat(), 1e-12)
	assert.InDeltaSlice(t, []float64{-2, -4}, results[1].Flat(), 1e-12)

	params[p], params[velocity] = results[0], results[1]
	results = graphtest.Evaluate(t, params, updates[p], updates[velocity])
	assert.InDeltaSlice(t, []float64{0.46, 0.92}, results[0].Flat(), 1e-12)
	assert.InDeltaSlice(t, []float64{-2.6, -5.2}, results[1].Flat(), 1e-12)

	// The velocity is reused by later calls.
	sgd.Updates(Mul(Scalar(g, dtypes.Float64, 2), loss), p)
	require.Same(t, velocity, sgd.Velocity(p))
}

func TestSGDThroughLoop(t *testing.T) {
	g := NewGraph("fit_recurrence")
	dtype := dtypes.Float64
	xs := Var(g, "xs", shapes.MakeDynamic(dtype, "T"))
	targets := Var(g, "targets", shapes.MakeDynamic(dtype, "T"))
	w := Shared(g, "w", shapes.Make(dtype))
	fors := graphtest.Scan(g, "rnn", shapes.SymbolicAxis("T"), []*Node{xs}, []*Node{Zeros(g, w.Shape())},
		func(xs, states []*Node) ([]*Node, []*Node) {
			return []*Node{Tanh(Add(Mul(w, states[0]), xs[0]))}, nil
		})
	loss := ReduceAllSum(Square(Sub(fors[0], targets)))
	update := optimizer.SGD(0.05).Updates(loss, w)[w]

	// Targets generated with w=0.7.
	inputs := []float64{0.5, -0.3, 0.8, 0.1, -0.6}
	want := make([]float64, len(inputs))
	var h float64
	for ii, x := range inputs {
		h = math.Tanh(0.7*h + x)
		want[ii] = h
	}
	params := simplego.ParamsMap{xs: inputs, targets: want, w: 0.0}
	initialLoss := tensors.ToScalar[float64](graphtest.Evaluate(t, params, loss)[0])
	for range 50 {
		params[w] = graphtest.Evaluate(t, params, update)[0]
	}
	finalLoss := tensors.ToScalar[float64](graphtest.Evaluate(t, params, loss)[0])
	assert.Less(t, finalLoss, initialLoss/2)
	assert.Greater(t, tensors.ToScalar[float64](params[w].(*tensors.Tensor)), 0.0)
}

func TestSGDErrors(t *testing.T) {
	g := NewGraph("errors")
	loss, p, _ := quadratic(g)
	x := Var(g, "x", shapes.Make(dtypes.Float64))
	require.Panics(t, func() { optimizer.SGD(0.1).Updates(Mul(p, p), p) })
	require.Panics(t, func() { optimizer.SGD(0.1).Updates(Add(loss, x), x) })
	require.Panics(t, func() { optimizer.SGD(0.1).Updates(loss, p, p) })
	require.Panics(t, func() { optimizer.SGD(0.1).WithMomentum(1) })
}
