// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a host representation of a multidimensional array.
//
// Tensors are the values fed to and returned by the reference evaluator (package simplego), and
// the values manipulated by the finite-difference checker.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given static shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Float](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Float](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data.
//
//   - FromValue(value any): converts a scalar or an arbitrary (regular) multidimensional slice of
//     float16.Float16, float32 or float64. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
// Values are stored in float64, already rounded to the precision of the tensor's dtype.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a dense multidimensional array of a static shape.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromShape returns a zero-initialized tensor of the given shape. The shape must be static.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.DType.IsSupported() {
		exceptions.Panicf("tensors.FromShape(%s): unsupported dtype", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromFlat returns a tensor that takes ownership of the given flat float64 values, rounding
// them to the dtype of the shape.
func FromFlat(shape shapes.Shape, flat []float64) *Tensor {
	if shape.Size() != len(flat) {
		exceptions.Panicf("tensors.FromFlat(%s): shape has %d elements, but got %d values", shape, shape.Size(), len(flat))
	}
	t := &Tensor{shape: shape.Clone(), flat: flat}
	if shape.DType != dtypes.Float64 {
		for ii, v := range flat {
			flat[ii] = shape.DType.Round(v)
		}
	}
	return t
}

// FromScalar returns a scalar tensor with the given value.
func FromScalar[T dtypes.Float](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with value.
func FromScalarAndDimensions[T dtypes.Float](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	v := dtypes.ToFloat64(value)
	for ii := range t.flat {
		t.flat[ii] = v
	}
	return t
}

// FromFlatDataAndDimensions returns a tensor with the given dimensions and flat values.
func FromFlatDataAndDimensions[T dtypes.Float](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("FromFlatDataAndDimensions(): dimensions %v have %d elements, but got %d values",
			dimensions, shape.Size(), len(data))
	}
	flat := make([]float64, len(data))
	for ii, v := range data {
		flat[ii] = dtypes.ToFloat64(v)
	}
	return &Tensor{shape: shape, flat: flat}
}

var float16Type = reflect.TypeOf(float16.Float16(0))

func dtypeForGoType(t reflect.Type) dtypes.DType {
	switch {
	case t == float16Type:
		return dtypes.Float16
	case t.Kind() == reflect.Float32:
		return dtypes.Float32
	case t.Kind() == reflect.Float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// FromValue converts a scalar or a regular multidimensional slice of a supported Go float type
// (float16.Float16, float32 or float64) to a Tensor. If value is already a *Tensor, it is returned.
func FromValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	t, err := fromValue(value)
	if err != nil {
		panic(errors.WithMessagef(err, "tensors.FromValue(%T)", value))
	}
	return t
}

func fromValue(value any) (*Tensor, error) {
	v := reflect.ValueOf(value)
	var dims []int
	baseType := v.Type()
	for elem := v; elem.Kind() == reflect.Slice; {
		if elem.Len() == 0 {
			return nil, errors.New("empty slices are not supported")
		}
		dims = append(dims, elem.Len())
		baseType = elem.Type().Elem()
		elem = elem.Index(0)
	}
	dtype := dtypeForGoType(baseType)
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("unsupported Go type %s", baseType)
	}
	t := FromShape(shapes.Make(dtype, dims...))
	pos := 0
	var copyRecursively func(v reflect.Value, level int) error
	copyRecursively = func(v reflect.Value, level int) error {
		if level == len(dims) {
			if baseType == float16Type {
				t.flat[pos] = float64(v.Interface().(float16.Float16).Float32())
			} else {
				t.flat[pos] = dtype.Round(v.Float())
			}
			pos++
			return nil
		}
		if v.Len() != dims[level] {
			return errors.Errorf("irregular slices: axis %d has dimensions %d and %d", level, dims[level], v.Len())
		}
		for ii := range v.Len() {
			if err := copyRecursively(v.Index(ii), level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := copyRecursively(v, 0); err != nil {
		return nil, err
	}
	return t, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the flat values of the tensor, in row-major order. It is owned by the tensor and
// should not be changed.
func (t *Tensor) Flat() []float64 { return t.flat }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// AsDType returns the tensor converted to the given dtype. It returns t itself if the dtype is the same.
func (t *Tensor) AsDType(dtype dtypes.DType) *Tensor {
	if t.shape.DType == dtype {
		return t
	}
	return FromFlat(t.shape.WithDType(dtype), slices.Clone(t.flat))
}

// ToScalar returns the value of a scalar tensor converted to T.
func ToScalar[T dtypes.Float](t *Tensor) T {
	if t.shape.Rank() != 0 {
		exceptions.Panicf("ToScalar() of non-scalar tensor %s", t.shape)
	}
	return dtypes.FromFloat64[T](t.flat[0])
}

// Value returns the tensor as a Go value: a scalar, or a multidimensional slice of the Go type
// corresponding to the dtype.
func (t *Tensor) Value() any {
	var goType reflect.Type
	switch t.shape.DType {
	case dtypes.Float16:
		goType = float16Type
	case dtypes.Float32:
		goType = reflect.TypeOf(float32(0))
	default:
		goType = reflect.TypeOf(float64(0))
	}
	pos := 0
	var build func(level int) reflect.Value
	build = func(level int) reflect.Value {
		if level == t.shape.Rank() {
			v := reflect.New(goType).Elem()
			if goType == float16Type {
				v.Set(reflect.ValueOf(float16.Fromfloat32(float32(t.flat[pos]))))
			} else {
				v.SetFloat(t.flat[pos])
			}
			pos++
			return v
		}
		sliceType := goType
		for range t.shape.Rank() - level {
			sliceType = reflect.SliceOf(sliceType)
		}
		dim := t.shape.Dimensions[level]
		s := reflect.MakeSlice(sliceType, dim, dim)
		for ii := range dim {
			s.Index(ii).Set(build(level + 1))
		}
		return s
	}
	return build(0).Interface()
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}

// InDelta returns whether both tensors have the same dimensions and all values are within delta
// of each other. NaNs are never in delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !slices.Equal(t.shape.Dimensions, other.shape.Dimensions) {
		return false
	}
	for ii, v := range t.flat {
		diff := math.Abs(v - other.flat[ii])
		if !(diff <= delta) {
			return false
		}
	}
	return true
}
