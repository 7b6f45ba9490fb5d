// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
)

// execBinary applies fn elementwise, broadcasting scalar operands.
func execBinary(node *graph.Node, lhs, rhs *tensors.Tensor, fn func(a, b float64) float64) *tensors.Tensor {
	lhsScalar, rhsScalar := lhs.Shape().Rank() == 0, rhs.Shape().Rank() == 0
	shape := lhs.Shape()
	if lhsScalar && !rhsScalar {
		shape = rhs.Shape()
	} else if !lhsScalar && !rhsScalar && !slices.Equal(lhs.Shape().Dimensions, rhs.Shape().Dimensions) {
		exceptions.Panicf("%s: operands have different dimensions %v and %v", node.Type(),
			lhs.Shape().Dimensions, rhs.Shape().Dimensions)
	}
	lhsFlat, rhsFlat := lhs.Flat(), rhs.Flat()
	output := make([]float64, shape.Size())
	for ii := range output {
		a, b := lhsFlat[0], rhsFlat[0]
		if !lhsScalar {
			a = lhsFlat[ii]
		}
		if !rhsScalar {
			b = rhsFlat[ii]
		}
		output[ii] = fn(a, b)
	}
	return tensors.FromFlat(shape.WithDType(node.DType()), output)
}

func execAdd(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execBinary(node, inputs[0], inputs[1], func(a, b float64) float64 { return a + b })
}

func execSub(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execBinary(node, inputs[0], inputs[1], func(a, b float64) float64 { return a - b })
}

func execMul(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execBinary(node, inputs[0], inputs[1], func(a, b float64) float64 { return a * b })
}

func execDiv(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execBinary(node, inputs[0], inputs[1], func(a, b float64) float64 { return a / b })
}

// execContract contracts the last axis of lhs with the first axis of rhs.
func execContract(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	lhs, rhs := inputs[0], inputs[1]
	lhsDims, rhsDims := lhs.Shape().Dimensions, rhs.Shape().Dimensions
	contractedDim := lhsDims[len(lhsDims)-1]
	if rhsDims[0] != contractedDim {
		exceptions.Panicf("Contract: contracted axes have different dimensions %d and %d", contractedDim, rhsDims[0])
	}
	outputDims := append(slices.Clone(lhsDims[:len(lhsDims)-1]), rhsDims[1:]...)
	m, n := lhs.Size()/contractedDim, rhs.Size()/contractedDim
	lhsFlat, rhsFlat := lhs.Flat(), rhs.Flat()
	output := make([]float64, m*n)
	for i := range m {
		for k := range contractedDim {
			a := lhsFlat[i*contractedDim+k]
			for j := range n {
				output[i*n+j] += a * rhsFlat[k*n+j]
			}
		}
	}
	return tensors.FromFlat(shapes.Make(node.DType(), outputDims...), output)
}

func execOuter(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	u, v := inputs[0].Flat(), inputs[1].Flat()
	output := make([]float64, 0, len(u)*len(v))
	for _, a := range u {
		for _, b := range v {
			output = append(output, a*b)
		}
	}
	return tensors.FromFlat(shapes.Make(node.DType(), len(u), len(v)), output)
}
