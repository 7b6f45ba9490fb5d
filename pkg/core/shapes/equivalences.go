// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"

	"github.com/pkg/errors"
)

// Equivalences records which symbolic axes must be equal, as discovered while a graph is built --
// e.g.: a contraction binding the contracted axes of its operands, or a loop binding the leading
// axis of its sequences to its length.
//
// It is a union-find over axis names, where each equivalence class may also be bound to a static
// size. It answers "can these axes be proven equal" without concrete values.
//
// An Equivalences is owned by one graph-building session, and it is not safe for concurrent use.
type Equivalences struct {
	parent map[string]string
	rank   map[string]int
	size   map[string]int // Static size bound to the class, keyed by the class root.
}

// NewEquivalences returns an empty table.
func NewEquivalences() *Equivalences {
	return &Equivalences{
		parent: make(map[string]string),
		rank:   make(map[string]int),
		size:   make(map[string]int),
	}
}

// find returns the root of name's class, registering name if needed.
func (e *Equivalences) find(name string) string {
	parent, found := e.parent[name]
	if !found {
		e.parent[name] = name
		return name
	}
	if parent == name {
		return name
	}
	root := e.find(parent)
	e.parent[name] = root
	return root
}

// Representative returns the canonical name of the class of the given symbolic name.
func (e *Equivalences) Representative(name string) string {
	return e.find(name)
}

// StaticSize returns the static size of the axis, if it is known -- either because the axis is
// static or because its class was bound to a static size.
func (e *Equivalences) StaticSize(axis Axis) (int, bool) {
	if !axis.IsSymbolic() {
		return axis.Size, true
	}
	size, found := e.size[e.find(axis.Name)]
	return size, found
}

// BindAxes records that the two axes must be equal. It returns an error if that contradicts
// what is already known.
func (e *Equivalences) BindAxes(a, b Axis) error {
	switch {
	case !a.IsSymbolic() && !b.IsSymbolic():
		if a.Size != b.Size {
			return errors.Errorf("axes with static dimensions %d and %d cannot be equal", a.Size, b.Size)
		}
		return nil
	case a.IsSymbolic() && !b.IsSymbolic():
		return e.bindSize(a.Name, b.Size)
	case !a.IsSymbolic() && b.IsSymbolic():
		return e.bindSize(b.Name, a.Size)
	}

	rootA, rootB := e.find(a.Name), e.find(b.Name)
	if rootA == rootB {
		return nil
	}
	sizeA, hasA := e.size[rootA]
	sizeB, hasB := e.size[rootB]
	if hasA && hasB && sizeA != sizeB {
		return errors.Errorf("axes %q (=%d) and %q (=%d) cannot be equal", a.Name, sizeA, b.Name, sizeB)
	}
	mergedSize, hasMerged := sizeA, hasA
	if !hasA {
		mergedSize, hasMerged = sizeB, hasB
	}
	if e.rank[rootA] < e.rank[rootB] {
		rootA, rootB = rootB, rootA
	} else if e.rank[rootA] == e.rank[rootB] {
		e.rank[rootA]++
	}
	e.parent[rootB] = rootA
	delete(e.size, rootB)
	if hasMerged {
		e.size[rootA] = mergedSize
	}
	return nil
}

func (e *Equivalences) bindSize(name string, size int) error {
	root := e.find(name)
	if existing, found := e.size[root]; found && existing != size {
		return errors.Errorf("axis %q is already bound to dimension %d, it cannot be %d", name, existing, size)
	}
	e.size[root] = size
	return nil
}

// SameAxis returns whether the two axes are provably equal.
func (e *Equivalences) SameAxis(a, b Axis) bool {
	if a.IsSymbolic() && b.IsSymbolic() && e.find(a.Name) == e.find(b.Name) {
		return true
	}
	sizeA, okA := e.StaticSize(a)
	sizeB, okB := e.StaticSize(b)
	return okA && okB && sizeA == sizeB
}

// Unify records the equality of all axes of the two shapes, which must have the same dtype and rank.
func (e *Equivalences) Unify(s1, s2 Shape) error {
	if s1.DType != s2.DType {
		return errors.Errorf("shapes %s and %s have different dtypes", s1, s2)
	}
	if s1.Rank() != s2.Rank() {
		return errors.Errorf("shapes %s and %s have different ranks", s1, s2)
	}
	for ii := range s1.Dimensions {
		if err := e.BindAxes(s1.Axis(ii), s2.Axis(ii)); err != nil {
			return errors.WithMessagef(err, "shapes %s and %s differ on axis %d", s1, s2, ii)
		}
	}
	return nil
}

// Compatible returns whether the two shapes are provably the same: same dtype, same rank
// and provably equal axes.
func (e *Equivalences) Compatible(s1, s2 Shape) bool {
	if s1.DType != s2.DType || s1.Rank() != s2.Rank() {
		return false
	}
	for ii := range s1.Dimensions {
		if !e.SameAxis(s1.Axis(ii), s2.Axis(ii)) {
			return false
		}
	}
	return true
}

// Complete extends bindings to every symbolic name known to be equivalent to a bound one,
// and to the classes bound to static sizes. It returns an error if the bindings contradict
// the recorded equivalences.
func (e *Equivalences) Complete(bindings AxisBindings) error {
	classValue := make(map[string]int)
	for root, size := range e.size {
		classValue[root] = size
	}
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		value := bindings[name]
		root := e.find(name)
		if existing, found := classValue[root]; found && existing != value {
			return errors.Errorf("axis %q bound to %d, but it is equivalent to an axis of dimension %d", name, value, existing)
		}
		classValue[root] = value
	}
	for name := range e.parent {
		if value, found := classValue[e.find(name)]; found {
			bindings[name] = value
		}
	}
	return nil
}
