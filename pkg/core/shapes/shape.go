// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, Axis and the tools to reason about symbolic dimensions.
//
// Shape represents the shape (dtype and axes) of either a concrete Tensor or of a node in a
// computation Graph. Each axis is either static (a known positive size) or symbolic: a name
// like "T" or "batch" whose size is only known when the graph is evaluated.
//
// ## Glossary
//
//   - Rank: number of axes of a Tensor.
//   - Axis: the index of a dimension of a multidimensional Tensor, and also the type Axis that
//     describes one such dimension (static size or symbolic name).
//   - Dimension: the size of an axis. Symbolic axes have dimension DimDynamic.
//   - Scalar: a shape with no axes.
//
// Symbolic axes are compared with an Equivalences table, owned by the graph being built, which
// records the equalities between symbolic names discovered during construction.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
)

// DimDynamic is the dimension used for symbolic axes. Their name is stored in Shape.AxisNames.
const DimDynamic = -1

// Axis describes one dimension of a shape: either a static Size, or a symbolic Name (in which
// case Size is DimDynamic).
type Axis struct {
	Size int
	Name string
}

// StaticAxis returns a static axis with the given size.
func StaticAxis(size int) Axis {
	if size <= 0 {
		exceptions.Panicf("shapes.StaticAxis(%d): static axes must have dimension > 0", size)
	}
	return Axis{Size: size}
}

// SymbolicAxis returns an axis with the given symbolic name.
func SymbolicAxis(name string) Axis {
	if name == "" {
		exceptions.Panicf("shapes.SymbolicAxis: name cannot be empty")
	}
	return Axis{Size: DimDynamic, Name: name}
}

// IsSymbolic returns whether the axis size is only known at evaluation time.
func (a Axis) IsSymbolic() bool { return a.Size == DimDynamic }

// String implements fmt.Stringer.
func (a Axis) String() string {
	if a.IsSymbolic() {
		return a.Name
	}
	return fmt.Sprintf("%d", a.Size)
}

// Shape represents the shape of either a Tensor or the expected shape of the value of a node.
//
// Use Make or MakeDynamic to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// AxisNames is either nil (all axes static), or has one entry per axis, with the name of the
	// symbolic axes and "" for the static ones.
	AxisNames []string
}

// Make returns a Shape with static dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakeDynamic returns a Shape where each axis is given either as an int (static dimension),
// a string (symbolic axis name) or an Axis.
//
// Example:
//
//	seq := shapes.MakeDynamic(dtypes.Float32, "T", 3)  // (Float32)[T 3]
func MakeDynamic(dtype dtypes.DType, axes ...any) Shape {
	converted := make([]Axis, len(axes))
	for ii, axis := range axes {
		switch a := axis.(type) {
		case int:
			converted[ii] = StaticAxis(a)
		case string:
			converted[ii] = SymbolicAxis(a)
		case Axis:
			converted[ii] = a
		default:
			exceptions.Panicf("shapes.MakeDynamic: axis #%d has invalid type %T, must be int, string or Axis", ii, axis)
		}
	}
	return FromAxes(dtype, converted...)
}

// FromAxes builds a Shape from its axes.
func FromAxes(dtype dtypes.DType, axes ...Axis) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(axes))}
	for ii, axis := range axes {
		if axis.IsSymbolic() {
			if s.AxisNames == nil {
				s.AxisNames = make([]string, len(axes))
			}
			s.AxisNames[ii] = axis.Name
		} else if axis.Size <= 0 {
			exceptions.Panicf("shapes.FromAxes: axis #%d has invalid dimension %d", ii, axis.Size)
		}
		s.Dimensions[ii] = axis.Size
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no axes (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsStatic returns whether all axes have known dimensions.
func (s Shape) IsStatic() bool {
	return !slices.Contains(s.Dimensions, DimDynamic)
}

func (s Shape) adjustAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjusted
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// It returns DimDynamic for symbolic axes.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.adjustAxis(axis)]
}

// AxisName returns the name of the given axis, or "" if it is static.
func (s Shape) AxisName(axis int) string {
	axis = s.adjustAxis(axis)
	if s.AxisNames == nil || s.Dimensions[axis] != DimDynamic {
		return ""
	}
	return s.AxisNames[axis]
}

// Axis returns the description of the given axis. Negative values count from the end.
func (s Shape) Axis(axis int) Axis {
	axis = s.adjustAxis(axis)
	return Axis{Size: s.Dimensions[axis], Name: s.AxisName(axis)}
}

// Axes returns the list of axes of the shape.
func (s Shape) Axes() []Axis {
	axes := make([]Axis, s.Rank())
	for ii := range axes {
		axes[ii] = s.Axis(ii)
	}
	return axes
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, s.Rank())
	for ii := range parts {
		parts[ii] = s.Axis(ii).String()
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of the shape. It panics if the shape has symbolic axes.
func (s Shape) Size() (size int) {
	size = 1
	for ii, dim := range s.Dimensions {
		if dim == DimDynamic {
			exceptions.Panicf("Shape.Size() of %s: axis %d is symbolic, resolve it first", s, ii)
		}
		size *= dim
	}
	return
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	if s.AxisNames != nil {
		s2.AxisNames = slices.Clone(s.AxisNames)
	}
	return
}

// Equal compares two shapes syntactically: same dtype, and the same static dimensions or
// symbolic names for every axis. Use Equivalences.Compatible to take into account the
// equalities of symbolic axes discovered while building a graph.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	for ii := range s.Dimensions {
		if s.Axis(ii) != s2.Axis(ii) {
			return false
		}
	}
	return true
}

// WithDType returns a copy of the shape with the dtype changed.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// PrependAxis returns a new shape with the given axis inserted as the new axis 0.
func (s Shape) PrependAxis(axis Axis) Shape {
	return FromAxes(s.DType, append([]Axis{axis}, s.Axes()...)...)
}

// DropLeadingAxis returns a new shape without its first axis. It panics for scalars.
func (s Shape) DropLeadingAxis() Shape {
	if s.Rank() == 0 {
		exceptions.Panicf("DropLeadingAxis of scalar shape %s", s)
	}
	return FromAxes(s.DType, s.Axes()[1:]...)
}

// RemoveAxes returns a new shape with the given axes removed.
func (s Shape) RemoveAxes(axes ...int) Shape {
	removed := make([]bool, s.Rank())
	for _, axis := range axes {
		removed[s.adjustAxis(axis)] = true
	}
	kept := make([]Axis, 0, s.Rank())
	for ii, axis := range s.Axes() {
		if !removed[ii] {
			kept = append(kept, axis)
		}
	}
	return FromAxes(s.DType, kept...)
}

// ConcatenateAxes returns a shape with the axes of s1 followed by the axes of s2. The dtype is taken from s1.
func ConcatenateAxes(s1, s2 Shape) Shape {
	return FromAxes(s1.DType, append(s1.Axes(), s2.Axes()...)...)
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}
