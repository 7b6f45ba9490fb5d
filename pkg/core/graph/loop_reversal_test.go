// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
	. "github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/graph/graphtest"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestRunningSumSeedGradient(t *testing.T) {
	g := NewGraph("running_sum")
	dtype := dtypes.Float64
	const length = 5
	xs := Var(g, "xs", shapes.Make(dtype, length))
	s0 := Var(g, "s0", shapes.Make(dtype))
	step := func(xs, states []*Node) ([]*Node, []*Node) {
		return []*Node{Add(states[0], xs[0])}, nil
	}

	sums := graphtest.Scan(g, "cumsum", shapes.StaticAxis(length), []*Node{xs}, []*Node{s0}, step)[0]
	scanGrads := Gradient(ReduceAllSum(sums), s0, xs)

	unrolled := graphtest.Unroll(length, []*Node{xs}, []*Node{s0}, step)[0]
	unrolledLoss := unrolled[0]
	for _, node := range unrolled[1:] {
		unrolledLoss = Add(unrolledLoss, node)
	}
	unrolledGrads := Gradient(unrolledLoss, s0, xs)

	params := simplego.ParamsMap{xs: []float64{1, 2, 3, 4, 5}, s0: 0.5}
	results := graphtest.Evaluate(t, params, append(scanGrads, unrolledGrads...)...)
	require.Equal(t, 5.0, tensors.ToScalar[float64](results[0]))
	require.Equal(t, results[2].Flat(), results[0].Flat())
	require.Equal(t, []float64{5, 4, 3, 2, 1}, results[1].Flat())
	require.Equal(t, results[3].Flat(), results[1].Flat())
}

// recurrence is a scan used to compare loop reversal against the unrolled gradient.
type recurrence struct {
	name string

	// build creates the sequences (with the given length), seeds and closures, and returns the step function.
	build func(g *Graph, length int) (sequences, seeds, closures []*Node, step graphtest.StepFn)
}

func recurrences() []recurrence {
	dtype := dtypes.Float64
	return []recurrence{
		{"tanh-rnn", func(g *Graph, length int) ([]*Node, []*Node, []*Node, graphtest.StepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length, 3))
			h0 := Var(g, "h0", shapes.Make(dtype, 3))
			w := Shared(g, "w", shapes.Make(dtype, 3))
			return []*Node{xs}, []*Node{h0}, []*Node{w}, func(xs, states []*Node) ([]*Node, []*Node) {
				h := states[0]
				return []*Node{Tanh(Add(Mul(w, h), xs[0]))}, []*Node{Mul(h, xs[0])}
			}
		}},
		{"matrix-rnn", func(g *Graph, length int) ([]*Node, []*Node, []*Node, graphtest.StepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length, 2))
			h0 := Var(g, "h0", shapes.Make(dtype, 3))
			wh := Shared(g, "wh", shapes.Make(dtype, 3, 3))
			wx := Shared(g, "wx", shapes.Make(dtype, 3, 2))
			return []*Node{xs}, []*Node{h0}, []*Node{wh, wx}, func(xs, states []*Node) ([]*Node, []*Node) {
				h := Tanh(Add(Contract(wh, states[0]), Contract(wx, xs[0])))
				return []*Node{h}, []*Node{Logistic(h)}
			}
		}},
		{"coupled", func(g *Graph, length int) ([]*Node, []*Node, []*Node, graphtest.StepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length))
			a0 := Var(g, "a0", shapes.Make(dtype))
			b0 := Var(g, "b0", shapes.Make(dtype))
			return []*Node{xs}, []*Node{a0, b0}, nil, func(xs, states []*Node) ([]*Node, []*Node) {
				a, b := states[0], states[1]
				half := Scalar(g, dtype, 0.5)
				return []*Node{Add(Tanh(Mul(a, b)), xs[0]), Sub(Tanh(a), Mul(half, b))}, []*Node{Mul(a, b)}
			}
		}},
		{"closure-twice", func(g *Graph, length int) ([]*Node, []*Node, []*Node, graphtest.StepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length))
			s0 := Var(g, "s0", shapes.Make(dtype))
			c := Shared(g, "c", shapes.Make(dtype))
			return []*Node{xs}, []*Node{s0}, []*Node{c}, func(xs, states []*Node) ([]*Node, []*Node) {
				return []*Node{Add(Mul(c, states[0]), Mul(c, Exp(xs[0])))}, nil
			}
		}},
		{"two-sequences", func(g *Graph, length int) ([]*Node, []*Node, []*Node, graphtest.StepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length, 2))
			ys := Var(g, "ys", shapes.Make(dtype, length, 2))
			s0 := Var(g, "s0", shapes.Make(dtype, 2))
			c := Shared(g, "c", shapes.Make(dtype))
			return []*Node{xs, ys}, []*Node{s0}, []*Node{c}, func(xs, states []*Node) ([]*Node, []*Node) {
				decay := Exp(Neg(Mul(c, c)))
				next := Add(Mul(decay, states[0]), Mul(xs[0], Logistic(xs[1])))
				return []*Node{next}, []*Node{Sqrt(Add(Square(next), Exp(xs[1])))}
			}
		}},
		{"outputs-only", func(g *Graph, length int) ([]*Node, []*Node, []*Node, graphtest.StepFn) {
			xs := Var(g, "xs", shapes.Make(dtype, length, 2))
			c := Shared(g, "c", shapes.Make(dtype, 2))
			return []*Node{xs}, nil, []*Node{c}, func(xs, _ []*Node) ([]*Node, []*Node) {
				return nil, []*Node{Mul(Sqrt(Add(Exp(xs[0]), Square(c))), c), Contract(xs[0], c)}
			}
		}},
	}
}

func TestLoopReversalMatchesUnrolled(t *testing.T) {
	for _, rec := range recurrences() {
		for length := 2; length <= 10; length++ {
			t.Run(fmt.Sprintf("%s/T=%d", rec.name, length), func(t *testing.T) {
				g := NewGraph(rec.name)
				sequences, seeds, closures, step := rec.build(g, length)
				fors := graphtest.Scan(g, rec.name, shapes.StaticAxis(length), sequences, seeds, step)
				steps := graphtest.Unroll(length, sequences, seeds, step)
				require.Len(t, steps, len(fors))

				params := simplego.ParamsMap{}
				weights := make([]*Node, len(fors))
				for ii, f := range fors {
					weights[ii] = Var(g, fmt.Sprintf("weights_%d", ii), f.Shape())
					params[weights[ii]] = testValues(f.Shape(), float64(ii)+0.5)
				}
				leaves := append(append(append([]*Node{}, sequences...), seeds...), closures...)
				for ii, leaf := range leaves {
					params[leaf] = testValues(leaf.Shape(), float64(ii))
				}

				scanGrads := Gradient(graphtest.ScanLoss(fors, weights), leaves...)
				unrolledGrads := Gradient(graphtest.UnrolledLoss(steps, weights), leaves...)
				results := graphtest.Evaluate(t, params, append(scanGrads, unrolledGrads...)...)
				for ii, leaf := range leaves {
					graphtest.RequireInDelta(t, results[len(leaves)+ii], results[ii], 1e-9, "gradient of ", leaf.Name())
				}
			})
		}
	}
}

func TestLoopReversalFiniteDifferences(t *testing.T) {
	for _, rec := range recurrences() {
		t.Run(rec.name, func(t *testing.T) {
			const length = 4
			g := NewGraph(rec.name)
			sequences, seeds, closures, step := rec.build(g, length)
			fors := graphtest.Scan(g, rec.name, shapes.StaticAxis(length), sequences, seeds, step)
			params := simplego.ParamsMap{}
			weights := make([]*Node, len(fors))
			for ii, f := range fors {
				weights[ii] = Var(g, fmt.Sprintf("weights_%d", ii), f.Shape())
				params[weights[ii]] = testValues(f.Shape(), float64(ii)+0.5)
			}
			leaves := append(append(append([]*Node{}, sequences...), seeds...), closures...)
			for ii, leaf := range leaves {
				params[leaf] = testValues(leaf.Shape(), float64(ii))
			}
			graphtest.CheckGradient(t, graphtest.ScanLoss(fors, weights), leaves, params)
		})
	}
}

func TestLoopReversalSymbolicLength(t *testing.T) {
	g := NewGraph("symbolic_rnn")
	dtype := dtypes.Float64
	xs := Var(g, "xs", shapes.MakeDynamic(dtype, "T", 2))
	h0 := Var(g, "h0", shapes.Make(dtype, 3))
	wh := Shared(g, "wh", shapes.Make(dtype, 3, 3))
	wx := Shared(g, "wx", shapes.Make(dtype, 3, 2))
	fors := graphtest.Scan(g, "rnn", shapes.SymbolicAxis("T"), []*Node{xs}, []*Node{h0},
		func(xs, states []*Node) ([]*Node, []*Node) {
			return []*Node{Tanh(Add(Contract(wh, states[0]), Contract(wx, xs[0])))}, nil
		})
	require.Equal(t, "(Float64)[T 3]", fors[0].Shape().String())
	loss := ReduceAllSum(Square(SliceAt(fors[0], -1)))
	grads := Gradient(loss, xs, h0, wh, wx)
	require.Equal(t, "(Float64)[T 2]", grads[0].Shape().String())

	for _, length := range []int{1, 3, 7} {
		params := simplego.ParamsMap{
			xs: testValues(shapes.Make(dtype, length, 2), 0),
			h0: testValues(h0.Shape(), 1),
			wh: testValues(wh.Shape(), 2),
			wx: testValues(wx.Shape(), 3),
		}
		graphtest.CheckGradient(t, loss, []*Node{xs, h0, wh, wx}, params)
		results := graphtest.Evaluate(t, params, grads[0])
		require.Equal(t, []int{length, 2}, results[0].Shape().Dimensions)
	}
}

func TestLoopReversalOnlyRequestedFor(t *testing.T) {
	// Independent states: the gradient of one For doesn't leak into the seed of the other.
	g := NewGraph("two_states")
	dtype := dtypes.Float64
	xs := Var(g, "xs", shapes.Make(dtype, 3))
	a0 := Var(g, "a0", shapes.Make(dtype))
	b0 := Var(g, "b0", shapes.Make(dtype))
	fors := graphtest.Scan(g, "independent", shapes.StaticAxis(3), []*Node{xs}, []*Node{a0, b0},
		func(xs, states []*Node) ([]*Node, []*Node) {
			return []*Node{Add(states[0], xs[0]), Mul(states[1], Scalar(g, dtype, 2))}, nil
		})
	params := simplego.ParamsMap{xs: []float64{1, 2, 3}, a0: 0.0, b0: 1.0}
	results := graphtest.Evaluate(t, params, Gradient(ReduceAllSum(fors[0]), a0, b0, xs)...)
	require.Equal(t, 3.0, tensors.ToScalar[float64](results[0]))
	require.Equal(t, 0.0, tensors.ToScalar[float64](results[1]))
	require.Equal(t, []float64{3, 2, 1}, results[2].Flat())

	results = graphtest.Evaluate(t, params, Gradient(ReduceAllSum(fors[1]), a0, b0, xs)...)
	require.Equal(t, 0.0, tensors.ToScalar[float64](results[0]))
	require.Equal(t, 2.0+4+8, tensors.ToScalar[float64](results[1]))
	require.Equal(t, []float64{0, 0, 0}, results[2].Flat())
}

func TestLoopReversalIsCached(t *testing.T) {
	g := NewGraph("cached")
	dtype := dtypes.Float64
	xs := Var(g, "xs", shapes.MakeDynamic(dtype, "T"))
	c := Shared(g, "c", shapes.Make(dtype))
	outputs := graphtest.Scan(g, "scaled", shapes.SymbolicAxis("T"), []*Node{xs}, nil,
		func(xs, _ []*Node) ([]*Node, []*Node) {
			return nil, []*Node{Mul(c, Tanh(xs[0]))}
		})
	loss := ReduceAllSum(outputs[0])
	first := Gradient(loss, c)[0]
	require.Same(t, first, Gradient(loss, c)[0])
	results := graphtest.Evaluate(t, simplego.ParamsMap{xs: []float64{0.5, -0.25}, c: 2.0}, first)
	require.InDelta(t, 0.46211715726000974-0.24491866240370913, tensors.ToScalar[float64](results[0]), 1e-12)
}
