// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
)

func execTranspose(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	input := inputs[0]
	rows, cols := input.Shape().Dimensions[0], input.Shape().Dimensions[1]
	flat := input.Flat()
	output := make([]float64, len(flat))
	for i := range rows {
		for j := range cols {
			output[j*rows+i] = flat[i*cols+j]
		}
	}
	return tensors.FromFlat(shapes.Make(node.DType(), cols, rows), output)
}

func execReduceSum(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	input := inputs[0]
	inputShape := input.Shape()
	reduced := make([]bool, inputShape.Rank())
	for _, axis := range node.Axes() {
		reduced[axis] = true
	}
	var outputDims []int
	for axis, dim := range inputShape.Dimensions {
		if !reduced[axis] {
			outputDims = append(outputDims, dim)
		}
	}
	outputShape := shapes.Make(node.DType(), outputDims...)
	outputStrides := outputShape.Strides()
	output := make([]float64, outputShape.Size())
	flat := input.Flat()
	for flatIdx, indices := range inputShape.Iter() {
		outputIdx, outputAxis := 0, 0
		for axis, index := range indices {
			if reduced[axis] {
				continue
			}
			outputIdx += index * outputStrides[outputAxis]
			outputAxis++
		}
		output[outputIdx] += flat[flatIdx]
	}
	return tensors.FromFlat(outputShape, output)
}

func execBroadcastAxes(e *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	input := inputs[0]
	broadcast := make([]bool, node.Rank())
	for _, axis := range node.Axes() {
		broadcast[axis] = true
	}
	outputDims := make([]int, node.Rank())
	inputAxis := 0
	for axis := range outputDims {
		if broadcast[axis] {
			outputDims[axis] = e.resolveAxis(node.Shape().Axis(axis))
		} else {
			outputDims[axis] = input.Shape().Dimensions[inputAxis]
			inputAxis++
		}
	}
	outputShape := shapes.Make(node.DType(), outputDims...)
	inputStrides := input.Shape().Strides()
	output := make([]float64, outputShape.Size())
	flat := input.Flat()
	for flatIdx, indices := range outputShape.Iter() {
		inputIdx, inputAxis := 0, 0
		for axis, index := range indices {
			if broadcast[axis] {
				continue
			}
			inputIdx += index * inputStrides[inputAxis]
			inputAxis++
		}
		output[flatIdx] = flat[inputIdx]
	}
	return tensors.FromFlat(outputShape, output)
}

// blocks returns the flat values of t split along its leading axis, without copying.
func blocks(t *tensors.Tensor) [][]float64 {
	dims := t.Shape().Dimensions
	if len(dims) == 0 {
		exceptions.Panicf("operand must have a leading axis, got %s", t.Shape())
	}
	blockSize := 1
	for _, dim := range dims[1:] {
		blockSize *= dim
	}
	flat := t.Flat()
	result := make([][]float64, dims[0])
	for ii := range result {
		result[ii] = flat[ii*blockSize : (ii+1)*blockSize]
	}
	return result
}

// fromBlocks concatenates the blocks into a tensor with the given leading dimension.
func fromBlocks(node *graph.Node, blockDims []int, parts [][]float64) *tensors.Tensor {
	blockSize := 1
	for _, dim := range blockDims {
		blockSize *= dim
	}
	output := make([]float64, 0, len(parts)*blockSize)
	for _, part := range parts {
		output = append(output, part...)
	}
	dims := append([]int{len(parts)}, blockDims...)
	return tensors.FromFlat(shapes.Make(node.DType(), dims...), output)
}

func execReverse(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	parts := slices.Clone(blocks(inputs[0]))
	slices.Reverse(parts)
	return fromBlocks(node, inputs[0].Shape().Dimensions[1:], parts)
}

func execShiftIn(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	parts := blocks(inputs[0])
	if len(parts) == 0 {
		return inputs[0]
	}
	shifted := append([][]float64{inputs[1].Flat()}, parts[:len(parts)-1]...)
	return fromBlocks(node, inputs[0].Shape().Dimensions[1:], shifted)
}

func execShiftOut(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	parts := blocks(inputs[0])
	if len(parts) == 0 {
		return inputs[0]
	}
	shifted := append(slices.Clone(parts[1:]), inputs[1].Flat())
	return fromBlocks(node, inputs[0].Shape().Dimensions[1:], shifted)
}

// leadingIndex converts a possibly negative index of the leading axis.
func leadingIndex(index, dim int) int {
	if index < 0 {
		index += dim
	}
	if index < 0 || index >= dim {
		exceptions.Panicf("index %d out of range for leading axis of dimension %d", index, dim)
	}
	return index
}

func execSliceAt(_ *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	parts := blocks(inputs[0])
	index := leadingIndex(node.Index(), len(parts))
	return tensors.FromFlat(shapes.Make(node.DType(), inputs[0].Shape().Dimensions[1:]...),
		slices.Clone(parts[index]))
}

func execScatterAt(e *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	input := inputs[0]
	dim := e.resolveAxis(node.Shape().Axis(0))
	index := leadingIndex(node.Index(), dim)
	output := make([]float64, dim*input.Size())
	copy(output[index*input.Size():], input.Flat())
	dims := append([]int{dim}, input.Shape().Dimensions...)
	return tensors.FromFlat(shapes.Make(node.DType(), dims...), output)
}
