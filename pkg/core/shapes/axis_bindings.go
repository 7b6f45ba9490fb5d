// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// AxisBindings maps symbolic axis names to concrete dimension values.
// Used to resolve symbolic shapes to concrete shapes at evaluation time.
type AxisBindings map[string]int

// Merge combines bindings from another AxisBindings into this one.
// Returns an error if there are conflicting values for the same axis name.
func (ab AxisBindings) Merge(other AxisBindings) error {
	for name, val := range other {
		if existing, ok := ab[name]; ok && existing != val {
			return errors.Errorf("conflicting values for axis %q: %d vs %d", name, existing, val)
		}
		ab[name] = val
	}
	return nil
}

// Size returns the concrete size of the axis, or an error if it is symbolic and not bound.
func (ab AxisBindings) Size(axis Axis) (int, error) {
	if !axis.IsSymbolic() {
		return axis.Size, nil
	}
	size, found := ab[axis.Name]
	if !found {
		return 0, errors.Errorf("symbolic axis %q has no binding", axis.Name)
	}
	return size, nil
}

// Resolve replaces symbolic axes with concrete values from bindings.
// It returns an error if any symbolic axis is not bound.
func (s Shape) Resolve(bindings AxisBindings) (Shape, error) {
	if s.IsStatic() {
		return s, nil
	}
	dims := make([]int, s.Rank())
	for ii, axis := range s.Axes() {
		size, err := bindings.Size(axis)
		if err != nil {
			return Invalid(), errors.WithMessagef(err, "resolving shape %s", s)
		}
		dims[ii] = size
	}
	return Make(s.DType, dims...), nil
}

// ExtractBindings gets axis bindings from a concrete shape matching a pattern.
// The pattern may have symbolic axes; concrete must be static.
//
// Returns error if:
//   - Shapes have different ranks
//   - Static dimensions don't match
//   - Same axis name has conflicting values
//
// The dtype is not checked: values are converted to the dtype of the node they are fed to.
func ExtractBindings(pattern, concrete Shape) (AxisBindings, error) {
	if pattern.Rank() != concrete.Rank() {
		return nil, errors.Errorf("rank mismatch: pattern %s has rank %d, concrete %s has rank %d",
			pattern, pattern.Rank(), concrete, concrete.Rank())
	}
	bindings := make(AxisBindings)
	for ii, axis := range pattern.Axes() {
		concreteVal := concrete.Dimensions[ii]
		if axis.IsSymbolic() {
			if existing, ok := bindings[axis.Name]; ok && existing != concreteVal {
				return nil, errors.Errorf("axis %q has conflicting values at axis %d: %d vs %d",
					axis.Name, ii, existing, concreteVal)
			}
			bindings[axis.Name] = concreteVal
		} else if axis.Size != concreteVal {
			return nil, errors.Errorf("axis %d mismatch: pattern %s has %d, concrete %s has %d",
				ii, pattern, axis.Size, concrete, concreteVal)
		}
	}
	return bindings, nil
}
