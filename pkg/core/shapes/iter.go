// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/gomlx/exceptions"
)

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory. The shape must be static.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	if !s.IsStatic() {
		exceptions.Panicf("Shape.Strides() of %s: symbolic axes must be resolved first", s)
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// Iter iterates sequentially over all indices of the given static shape.
//
// It yields the flat index and a slice of indices for each axis. The yielded indices is owned by
// the iterator: don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	size := s.Size()
	return func(yield func(int, []int) bool) {
		indices := make([]int, s.Rank())
		for flatIdx := range size {
			if !yield(flatIdx, indices) {
				return
			}
			for axis := s.Rank() - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
		}
	}
}
