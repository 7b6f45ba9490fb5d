// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/symgrad/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

func TestNodeTypes(t *testing.T) {
	require.Equal(t, "Contract", NodeTypeContract.String())
	require.Equal(t, "NodeType(1000)", NodeType(1000).String())
	for nt := NodeTypeInvalid + 1; nt < NumNodeTypes; nt++ {
		require.NotNilf(t, vjpTable[nt], "VJP of %s", nt)
	}
	require.True(t, NodeTypeConstant.IsLeaf())
	require.False(t, NodeTypeFor.IsLeaf())
	require.True(t, NodeTypeShared.IsSymbol())
}

func TestSymbols(t *testing.T) {
	g := NewGraph("symbols")
	x := Var(g, "x", shapes.Make(dtypes.Float32, 3))
	w := Shared(g, "w", shapes.Make(dtypes.Float32, 3))
	require.Same(t, x, g.Symbol("x"))
	require.Equal(t, []*Node{w, x}, g.Symbols())
	require.Panics(t, func() { Var(g, "x", shapes.Make(dtypes.Float32)) })
	require.Panics(t, func() { Var(g, "", shapes.Make(dtypes.Float32)) })
	require.Panics(t, func() { Var(g, "i", shapes.Make(dtypes.InvalidDType)) })
	require.Less(t, x.Id(), w.Id())

	g2 := NewGraph("other")
	y := Var(g2, "y", shapes.Make(dtypes.Float32, 3))
	require.Panics(t, func() { Add(x, y) })
}

func TestUnsupportedDType(t *testing.T) {
	g := NewGraph("unsupported")
	unsupported := dtypes.DType(5)
	err := exceptions.TryCatch[error](func() { Var(g, "h", shapes.Make(unsupported, 2)) })
	require.ErrorContains(t, err, "unsupported dtype")
	require.Nil(t, g.Symbol("h"))
	require.Zero(t, g.NumNodes())
	require.Panics(t, func() { Shared(g, "h", shapes.Make(unsupported)) })

	// The graph is still usable after the failed registration.
	x := Var(g, "h", shapes.Make(dtypes.Float64, 2))
	require.Same(t, x, g.Symbol("h"))
	require.Equal(t, 1, g.NumNodes())
}

func TestInterning(t *testing.T) {
	g := NewGraph("interning")
	x := Var(g, "x", shapes.Make(dtypes.Float64, 3))
	y := Var(g, "y", shapes.Make(dtypes.Float64, 3))
	require.Same(t, Add(x, y), Add(y, x))
	require.Same(t, Mul(Exp(x), y), Mul(y, Exp(x)))
	require.NotSame(t, Sub(x, y), Sub(y, x))
	require.Same(t, ReduceSum(x, -1), ReduceSum(x, 0))
	require.Same(t, Scalar(g, dtypes.Float64, 2), Const(g, shapes.Make(dtypes.Float64), 2))
	numNodes := g.NumNodes()
	_ = Add(x, y)
	require.Equal(t, numNodes, g.NumNodes())
}

func TestCanonicalization(t *testing.T) {
	g := NewGraph("canonical")
	dtype := dtypes.Float64
	x := Var(g, "x", shapes.Make(dtype, 3))
	s := Var(g, "s", shapes.Make(dtype))
	zero, one := Scalar(g, dtype, 0), Scalar(g, dtype, 1)

	require.Same(t, x, Add(x, zero))
	require.Same(t, x, Add(ZerosLike(x), x))
	require.Same(t, x, Sub(x, zero))
	require.Same(t, Neg(x), Sub(ZerosLike(x), x))
	require.Same(t, x, Mul(one, x))
	require.Same(t, x, Div(x, one))
	require.Same(t, x, Neg(Neg(x)))
	require.True(t, Mul(x, zero).IsZero())
	require.True(t, Sub(x, x).IsZero())
	require.Equal(t, x.Shape(), Mul(x, zero).Shape())
	require.Same(t, Mul(Scalar(g, dtype, 2), x), Add(x, x))
	require.Same(t, Mul(Scalar(g, dtype, 6), x), Mul(Scalar(g, dtype, 2), Mul(Scalar(g, dtype, 3), x)))

	// Scalars broadcast to the other operand, so they are not simplified away.
	broadcast := Add(Zeros(g, shapes.Make(dtype, 3)), s)
	require.Equal(t, NodeTypeAdd, broadcast.Type())
	require.Equal(t, 1, broadcast.Rank())

	// Constant folding.
	c := Add(Scalar(g, dtype, 2), Scalar(g, dtype, 3))
	value, ok := c.ConstantValue()
	require.True(t, ok)
	require.Equal(t, 5.0, value)
	value, _ = Exp(Scalar(g, dtype, 0)).ConstantValue()
	require.Equal(t, 1.0, value)
	value, _ = ReduceSum(Ones(g, shapes.Make(dtype, 2, 3)), 1).ConstantValue()
	require.Equal(t, 3.0, value)
	value, _ = Contract(Ones(g, shapes.Make(dtype, 2, 4)), Const(g, shapes.Make(dtype, 4), 0.5)).ConstantValue()
	require.Equal(t, 2.0, value)

	require.Same(t, x, Reverse(Reverse(x)))
	m := Var(g, "m", shapes.Make(dtype, 2, 3))
	require.Same(t, m, Transpose(Transpose(m)))
	require.Same(t, s, SliceAt(ScatterAt(s, 1, shapes.Make(dtype, 3)), 1))
	require.Same(t, SliceAt(x, 2), SliceAt(x, -1))
	require.Panics(t, func() { SliceAt(x, 3) })
	require.Same(t, StopGradient(x), StopGradient(StopGradient(x)))

	// Float32 constants are rounded.
	value, _ = Scalar(g, dtypes.Float32, 0.1).ConstantValue()
	require.Equal(t, float64(float32(0.1)), value)
}

func TestShapeInference(t *testing.T) {
	g := NewGraph("shapes")
	dtype := dtypes.Float32
	a := Var(g, "a", shapes.MakeDynamic(dtype, "M", "K"))
	b := Var(g, "b", shapes.MakeDynamic(dtype, "K2", "N"))
	c := Contract(a, b)
	require.Equal(t, "(Float32)[M N]", c.Shape().String())
	require.True(t, g.Equivalences().SameAxis(shapes.SymbolicAxis("K"), shapes.SymbolicAxis("K2")))

	v := Var(g, "v", shapes.MakeDynamic(dtype, "N2"))
	require.Equal(t, "(Float32)[M]", Contract(c, v).Shape().String())
	require.True(t, g.Compatible(shapes.MakeDynamic(dtype, "N"), v.Shape()))

	fixed := Var(g, "fixed", shapes.Make(dtype, 4))
	_ = Add(v, fixed)
	size, ok := g.Equivalences().StaticSize(shapes.SymbolicAxis("N"))
	require.True(t, ok)
	require.Equal(t, 4, size)

	other := Var(g, "other", shapes.Make(dtype, 5))
	require.Panics(t, func() { Add(fixed, other) })
	require.Panics(t, func() { Add(fixed, Var(g, "f64", shapes.Make(dtypes.Float64, 4))) })
	require.Panics(t, func() { Contract(fixed, other) })
	require.Panics(t, func() { Outer(a, b) })
	require.Panics(t, func() { Transpose(fixed) })

	require.Equal(t, "(Float32)[M K 3]", BroadcastAxes(a, shapes.MakeDynamic(dtype, "M", "K", 3), 2).Shape().String())
	require.Equal(t, "(Float32)[K]", ReduceSum(a, 0).Shape().String())
	require.Equal(t, 0, ReduceAllSum(a).Rank())
	require.Equal(t, "(Float32)[K2 N]", ShiftIn(b, Var(g, "fill", shapes.MakeDynamic(dtype, "N"))).Shape().String())
	require.Panics(t, func() { ShiftIn(b, other) })
	require.Panics(t, func() { SliceAt(a, -2) })
}
