// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/tensors"
)

// execUnary applies fn to every element of the operand.
func execUnary(node *graph.Node, input *tensors.Tensor, fn func(float64) float64) *tensors.Tensor {
	output := make([]float64, input.Size())
	for ii, v := range input.Flat() {
		output[ii] = fn(v)
	}
	return tensors.FromFlat(input.Shape().WithDType(node.DType()), output)
}

func execNeg(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execUnary(node, inputs[0], func(v float64) float64 { return -v })
}

func execExp(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execUnary(node, inputs[0], math.Exp)
}

func execLog(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execUnary(node, inputs[0], math.Log)
}

func execTanh(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execUnary(node, inputs[0], math.Tanh)
}

func execLogistic(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execUnary(node, inputs[0], func(v float64) float64 {
		// Numerically stable for large |v|.
		if v >= 0 {
			return 1 / (1 + math.Exp(-v))
		}
		exp := math.Exp(v)
		return exp / (1 + exp)
	})
}

func execSqrt(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return execUnary(node, inputs[0], math.Sqrt)
}
