// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/symgrad/pkg/core/dtypes"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	x := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.True(t, x.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, x.Flat())
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, x.Value())

	s := FromValue(2.5)
	require.Equal(t, 0, s.Shape().Rank())
	require.Equal(t, 2.5, ToScalar[float64](s))

	h := FromValue([]float16.Float16{float16.Fromfloat32(0.5)})
	require.Equal(t, dtypes.Float16, h.DType())
	require.Equal(t, []float16.Float16{float16.Fromfloat32(0.5)}, h.Value())

	require.Panics(t, func() { FromValue([][]float64{{1}, {2, 3}}) })
	require.Panics(t, func() { FromValue([]int{1}) })
	require.Panics(t, func() { FromValue([]float64{}) })
	require.Same(t, x, FromValue(x))
}

func TestConstructors(t *testing.T) {
	z := FromShape(shapes.Make(dtypes.Float64, 2))
	require.Equal(t, []float64{0, 0}, z.Flat())

	f := FromScalarAndDimensions(float32(3), 2, 2)
	require.Equal(t, [][]float32{{3, 3}, {3, 3}}, f.Value())

	d := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	require.Equal(t, [][]float64{{1, 2}, {3, 4}}, d.Value())
	require.Panics(t, func() { FromFlatDataAndDimensions([]float64{1, 2, 3}, 2, 2) })

	r := FromFlat(shapes.Make(dtypes.Float32, 1), []float64{0.1})
	require.Equal(t, float64(float32(0.1)), r.Flat()[0])
	require.Panics(t, func() { FromShape(shapes.MakeDynamic(dtypes.Float32, "T")) })
}

func TestInDeltaAndConversion(t *testing.T) {
	a := FromValue([]float64{1, 2})
	b := FromValue([]float64{1.001, 2})
	require.True(t, a.InDelta(b, 1e-2))
	require.False(t, a.InDelta(b, 1e-4))
	require.False(t, a.InDelta(FromValue([]float64{1}), 1))

	c := a.Clone()
	require.NotSame(t, a, c)
	require.Equal(t, a.Flat(), c.Flat())
	require.Same(t, a, a.AsDType(dtypes.Float64))
	require.Equal(t, dtypes.Float16, a.AsDType(dtypes.Float16).DType())
}
