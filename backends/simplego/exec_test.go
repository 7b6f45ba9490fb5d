// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego_test

import (
	"math"
	"testing"

	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
	. "github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/graph/graphtest"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dtype = dtypes.Float64

// matrixAndVector creates the Vars m=[[1,2,3],[4,5,6]] and v=[1,-2,3].
func matrixAndVector(g *Graph) (simplego.ParamsMap, *Node, *Node) {
	m := Var(g, "m", shapes.Make(dtype, 2, 3))
	v := Var(g, "v", shapes.Make(dtype, 3))
	return simplego.ParamsMap{m: [][]float64{{1, 2, 3}, {4, 5, 6}}, v: []float64{1, -2, 3}}, m, v
}

func TestUnaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "unary", func(g *Graph) (simplego.ParamsMap, []*Node) {
		x := Var(g, "x", shapes.Make(dtype, 3))
		return simplego.ParamsMap{x: []float64{0, 1, 4}}, []*Node{
			Neg(x), Exp(x), Log(Add(x, Scalar(g, dtype, 1))), Tanh(x), Logistic(x), Sqrt(x), Square(x),
		}
	}, []any{
		[]float64{0, -1, -4},
		[]float64{1, math.E, math.Exp(4)},
		[]float64{0, math.Log(2), math.Log(5)},
		[]float64{0, math.Tanh(1), math.Tanh(4)},
		[]float64{0.5, 1 / (1 + math.Exp(-1)), 1 / (1 + math.Exp(-4))},
		[]float64{0, 1, 2},
		[]float64{0, 1, 16},
	}, 1e-12)

	// Logistic is stable for large magnitudes.
	graphtest.RunTestGraphFn(t, "logistic", func(g *Graph) (simplego.ParamsMap, []*Node) {
		x := Var(g, "x", shapes.Make(dtype, 2))
		return simplego.ParamsMap{x: []float64{-1000, 1000}}, []*Node{Logistic(x)}
	}, []any{[]float64{0, 1}}, 0)
}

func TestBinaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "binary", func(g *Graph) (simplego.ParamsMap, []*Node) {
		params, m, _ := matrixAndVector(g)
		y := Var(g, "y", shapes.Make(dtype, 2, 3))
		params[y] = [][]float64{{2, 2, 2}, {-1, 1, 0.5}}
		two := Scalar(g, dtype, 2)
		return params, []*Node{Add(m, y), Sub(m, y), Mul(m, y), Div(m, y), Mul(two, m), Div(m, two), Sub(two, m)}
	}, []any{
		[][]float64{{3, 4, 5}, {3, 6, 6.5}},
		[][]float64{{-1, 0, 1}, {5, 4, 5.5}},
		[][]float64{{2, 4, 6}, {-4, 5, 3}},
		[][]float64{{0.5, 1, 1.5}, {-4, 5, 12}},
		[][]float64{{2, 4, 6}, {8, 10, 12}},
		[][]float64{{0.5, 1, 1.5}, {2, 2.5, 3}},
		[][]float64{{1, 0, -1}, {-2, -3, -4}},
	}, 0)
}

func TestLinearAlgebraOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "contract", func(g *Graph) (simplego.ParamsMap, []*Node) {
		params, m, v := matrixAndVector(g)
		u := Var(g, "u", shapes.Make(dtype, 2))
		params[u] = []float64{1, -1}
		return params, []*Node{Contract(m, v), Contract(u, m), Contract(v, v), Contract(m, Transpose(m)), Outer(u, v)}
	}, []any{
		[]float64{6, 12},
		[]float64{-3, -3, -3},
		14.0,
		[][]float64{{14, 32}, {32, 77}},
		[][]float64{{1, -2, 3}, {-1, 2, -3}},
	}, 0)

	graphtest.RunTestGraphFn(t, "reductions", func(g *Graph) (simplego.ParamsMap, []*Node) {
		params, m, v := matrixAndVector(g)
		return params, []*Node{
			Transpose(m), ReduceSum(m, 0), ReduceSum(m, 1), ReduceAllSum(m),
			BroadcastAxes(v, shapes.Make(dtype, 2, 3), 0),
			BroadcastAxes(ReduceSum(m, 1), shapes.Make(dtype, 2, 3), 1),
		}
	}, []any{
		[][]float64{{1, 4}, {2, 5}, {3, 6}},
		[]float64{5, 7, 9},
		[]float64{6, 15},
		21.0,
		[][]float64{{1, -2, 3}, {1, -2, 3}},
		[][]float64{{6, 6, 6}, {15, 15, 15}},
	}, 0)
}

func TestTimeAxisOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "time_axis", func(g *Graph) (simplego.ParamsMap, []*Node) {
		params, m, v := matrixAndVector(g)
		fill := Var(g, "fill", shapes.Make(dtype, 3))
		params[fill] = []float64{0, 0, 7}
		return params, []*Node{
			Reverse(v), Reverse(m), ShiftIn(v, Scalar(g, dtype, 9)), ShiftOut(v, Scalar(g, dtype, 9)),
			ShiftIn(m, fill), ShiftOut(m, fill),
			SliceAt(m, -1), SliceAt(v, 0), ScatterAt(v, 1, shapes.Make(dtype, 3, 3)), ScatterAt(Scalar(g, dtype, 5), -1, v.Shape()),
			StopGradient(v),
		}
	}, []any{
		[]float64{3, -2, 1},
		[][]float64{{4, 5, 6}, {1, 2, 3}},
		[]float64{9, 1, -2},
		[]float64{-2, 3, 9},
		[][]float64{{0, 0, 7}, {1, 2, 3}},
		[][]float64{{4, 5, 6}, {0, 0, 7}},
		[]float64{4, 5, 6},
		1.0,
		[][]float64{{0, 0, 0}, {1, -2, 3}, {0, 0, 0}},
		[]float64{0, 0, 5},
		[]float64{1, -2, 3},
	}, 0)
}

func TestSymbolicAxes(t *testing.T) {
	g := NewGraph("symbolic")
	x := Var(g, "x", shapes.MakeDynamic(dtype, "N"))
	y := Var(g, "y", shapes.MakeDynamic(dtype, "M"))
	sum := Add(x, y)
	zeros := Zeros(g, shapes.MakeDynamic(dtype, "M", 2))

	e, err := simplego.New(g, simplego.ParamsMap{x: []float64{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, 4, e.Bindings()["N"])
	assert.Equal(t, 4, e.Bindings()["M"])
	result, err := e.Eval(zeros)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, result.Shape().Dimensions)

	// Values are memoized.
	first, err := e.Eval(ReduceAllSum(x))
	require.NoError(t, err)
	second, err := e.Eval(ReduceAllSum(x))
	require.NoError(t, err)
	require.Same(t, first, second)
	assert.Equal(t, 10.0, tensors.ToScalar[float64](first))

	// y is not fed.
	_, err = e.Eval(sum)
	require.ErrorContains(t, err, "no value fed")

	// x and y must have the same dimension.
	_, err = simplego.Execute(simplego.ParamsMap{x: []float64{1, 2}, y: []float64{1, 2, 3}}, sum)
	require.Error(t, err)
	results, err := simplego.Execute(simplego.ParamsMap{x: []float64{1, 2}, y: []float64{3, 4}}, sum)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6}, results[0].Flat())
}

func TestExecuteErrors(t *testing.T) {
	g := NewGraph("errors")
	x := Var(g, "x", shapes.Make(dtype, 3))
	c := Const(g, shapes.Make(dtype, 3), 1)

	_, err := simplego.Execute(simplego.ParamsMap{x: []float64{1, 2, 3}})
	require.ErrorContains(t, err, "no outputs")

	_, err = simplego.Execute(simplego.ParamsMap{c: []float64{1, 2, 3}}, Add(c, x))
	require.ErrorContains(t, err, "only Var and Shared")

	_, err = simplego.Execute(simplego.ParamsMap{x: []float64{1, 2}}, Exp(x))
	require.ErrorContains(t, err, "\"x\"")

	_, err = simplego.Execute(simplego.ParamsMap{x: "three"}, Exp(x))
	require.Error(t, err)

	other := NewGraph("other")
	z := Var(other, "z", shapes.Make(dtype))
	_, err = simplego.Execute(simplego.ParamsMap{z: 1.0}, Exp(x))
	require.ErrorContains(t, err, "another graph")

	_, err = simplego.Execute(nil, Exp(x))
	require.ErrorContains(t, err, "no value fed")
	require.Panics(t, func() { simplego.MustExecute(nil, Exp(x)) })
}

func TestDTypeRounding(t *testing.T) {
	g := NewGraph("rounding")
	x16 := Var(g, "x16", shapes.Make(dtypes.Float16))
	x32 := Var(g, "x32", shapes.Make(dtypes.Float32, 2))
	results := simplego.MustExecute(simplego.ParamsMap{x16: 1.0, x32: []float64{0.1, 1e-3}},
		Add(x16, Scalar(g, dtypes.Float16, 1e-4)), x32, Div(x32, Scalar(g, dtypes.Float32, 3)))
	assert.Equal(t, 1.0, tensors.ToScalar[float64](results[0]))
	assert.Equal(t, dtypes.Float16, results[0].DType())
	assert.Equal(t, []float64{float64(float32(0.1)), float64(float32(1e-3))}, results[1].Flat())
	assert.Equal(t, float64(float32(0.1)/3), results[2].Flat()[0])
}

func TestExecuteLoop(t *testing.T) {
	g := NewGraph("loop")
	xs := Var(g, "xs", shapes.MakeDynamic(dtype, "T", 2))
	s0 := Var(g, "s0", shapes.Make(dtype, 2))
	loop := NewLoop(g, "product", shapes.SymbolicAxis("T"))
	x := loop.Sequence(xs)
	s := loop.State(s0)
	loop.Update(s, Mul(s, x))
	loop.Output(ReduceAllSum(x))
	fors := loop.Done()

	params := simplego.ParamsMap{xs: [][]float64{{1, 2}, {3, 4}, {5, 6}}, s0: []float64{1, -1}}
	results := simplego.MustExecute(params, fors...)
	assert.Equal(t, [][]float64{{1, -2}, {3, -8}, {15, -48}}, results[0].Value())
	assert.Equal(t, []float64{3, 7, 11}, results[1].Value())

	// LoopVar nodes can only be evaluated inside the loop.
	_, err := simplego.Execute(params, x)
	require.Error(t, err)
}
