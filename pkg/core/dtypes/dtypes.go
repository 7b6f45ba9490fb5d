// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types supported by symgrad nodes.
//
// Only floating point types are supported: every node of a graph is differentiable, and loop bodies
// are differentiated one step at a time, so the set of element types is closed over the Float constraint.
// The numeric values of the enum are kept aligned with XLA's PJRT enum, so they can be handed over to a
// code generation backend unchanged.
package dtypes

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters are invalid.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

// DType is an enum that represents the element type of a node or of a tensor.
type DType int32

const (
	// InvalidDType is the zero value, used for uninitialized shapes.
	InvalidDType DType = 0

	// Float16 is the IEEE half precision float, represented in Go by github.com/x448/float16.
	Float16 DType = 10

	// Float32 is the IEEE single precision float.
	Float32 DType = 11

	// Float64 is the IEEE double precision float.
	Float64 DType = 12
)

// Short aliases.
const (
	F16 = Float16
	F32 = Float32
	F64 = Float64
)

// Float is the generics constraint for the Go types that can hold a node element.
type Float interface {
	constraints.Float | float16.Float16
}

// MapOfNames maps the names (and the lower-case versions) to the DType.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Float16":      Float16,
	"F16":          Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
}

func init() {
	for key, dtype := range MapOfNames {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = dtype
		}
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	case InvalidDType:
		return "InvalidDType"
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// IsSupported returns whether dtype can be used as the element type of a node.
func (dtype DType) IsSupported() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsFloat is an alias to IsSupported: all supported dtypes are floats.
func (dtype DType) IsFloat() bool { return dtype.IsSupported() }

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	}
	panicf("Size() of unsupported dtype %s", dtype)
	return 0
}

// Round converts value to the precision of the dtype, and back to float64.
//
// Evaluation is always carried out in float64, and each intermediary result is rounded to the
// dtype of its node, which reproduces the numerics of a backend working natively in the dtype.
func (dtype DType) Round(value float64) float64 {
	switch dtype {
	case Float64:
		return value
	case Float32:
		return float64(float32(value))
	case Float16:
		return float64(float16.Fromfloat32(float32(value)).Float32())
	}
	panicf("Round() of unsupported dtype %s", dtype)
	return math.NaN()
}

// Epsilon returns the machine epsilon of the dtype.
func (dtype DType) Epsilon() float64 {
	switch dtype {
	case Float16:
		return 9.765625e-4
	case Float32:
		return float64(math.Nextafter32(1, 2) - 1)
	case Float64:
		return math.Nextafter(1, 2) - 1
	}
	panicf("Epsilon() of unsupported dtype %s", dtype)
	return 0
}

// FromGenericsType returns the DType enum for the given Go type.
func FromGenericsType[T Float]() DType {
	var t T
	switch any(t).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	}
	return InvalidDType
}

// ToFloat64 converts a value of any of the supported Go types to float64.
func ToFloat64[T Float](value T) float64 {
	switch v := any(value).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case float16.Float16:
		return float64(v.Float32())
	}
	// Named types with a float32/float64 underlying type.
	return float64(value)
}

// FromFloat64 converts a float64 to the given Go type.
func FromFloat64[T Float](value float64) T {
	var t T
	switch any(t).(type) {
	case float16.Float16:
		return any(float16.Fromfloat32(float32(value))).(T)
	}
	return T(value)
}
