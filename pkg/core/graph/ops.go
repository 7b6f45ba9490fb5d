// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/dtypes"
	"github.com/gomlx/symgrad/pkg/core/shapes"
)

// This file holds the construction operations. They canonicalize their results: constants are folded,
// a few algebraic identities are simplified and every non-leaf node is interned in its Graph, so
// structurally equal expressions are the same *Node.

func newSymbol(g *Graph, nodeType NodeType, name string, shape shapes.Shape) *Node {
	if name == "" {
		Panicf("%s: a name must be given", nodeType)
	}
	if _, found := g.symbols[name]; found {
		Panicf("%s(%q): graph %q already has a symbol with that name", nodeType, name, g.name)
	}
	node := g.registerNode(&Node{nodeType: nodeType, shape: shape.Clone(), name: name})
	g.symbols[name] = node
	return node
}

// Var creates an external input of the graph, identified by name.
// The shape may have symbolic axes, resolved when the graph is evaluated.
func Var(g *Graph, name string, shape shapes.Shape) *Node {
	return newSymbol(g, NodeTypeVar, name, shape)
}

// Shared creates a persistent parameter of the graph (e.g. a model weight), identified by name.
func Shared(g *Graph, name string, shape shapes.Shape) *Node {
	return newSymbol(g, NodeTypeShared, name, shape)
}

// Const returns a constant of the given shape with all elements set to value.
func Const(g *Graph, shape shapes.Shape, value float64) *Node {
	value = shape.DType.Round(value)
	node := &Node{nodeType: NodeTypeConstant, shape: shape.Clone(), value: value}
	return g.intern(node, shape, value)
}

// Scalar returns a scalar constant.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	return Const(g, shapes.Make(dtype), value)
}

// Zeros returns a constant of the given shape filled with zeros.
func Zeros(g *Graph, shape shapes.Shape) *Node { return Const(g, shape, 0) }

// Ones returns a constant of the given shape filled with ones.
func Ones(g *Graph, shape shapes.Shape) *Node { return Const(g, shape, 1) }

// ZerosLike returns a zero constant with the shape of x.
func ZerosLike(x *Node) *Node { return Zeros(x.graph, x.shape) }

// OnesLike returns a constant of ones with the shape of x.
func OnesLike(x *Node) *Node { return Ones(x.graph, x.shape) }

func unaryOp(nodeType NodeType, x *Node, fold func(float64) float64) *Node {
	g := validateInputs(nodeType.String(), x)
	if value, ok := x.ConstantValue(); ok {
		return Const(g, x.shape, fold(value))
	}
	return g.intern(&Node{nodeType: nodeType, shape: x.shape, inputNodes: []*Node{x}})
}

// Neg returns -x.
func Neg(x *Node) *Node {
	if x != nil && x.nodeType == NodeTypeNeg {
		return x.inputNodes[0]
	}
	return unaryOp(NodeTypeNeg, x, func(v float64) float64 { return -v })
}

// Exp returns e^x.
func Exp(x *Node) *Node { return unaryOp(NodeTypeExp, x, math.Exp) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return unaryOp(NodeTypeLog, x, math.Log) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Node) *Node { return unaryOp(NodeTypeTanh, x, math.Tanh) }

// Logistic returns 1/(1+e^{-x}), also known as sigmoid.
func Logistic(x *Node) *Node {
	return unaryOp(NodeTypeLogistic, x, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
}

// Sigmoid is an alias to Logistic.
func Sigmoid(x *Node) *Node { return Logistic(x) }

// Sqrt returns the square root of x.
func Sqrt(x *Node) *Node { return unaryOp(NodeTypeSqrt, x, math.Sqrt) }

// Square returns x*x.
func Square(x *Node) *Node { return Mul(x, x) }

// binaryShape returns the shape of an elementwise binary operation: scalars are broadcast, otherwise
// both shapes must be the same, and their axes are recorded as equivalent.
func binaryShape(opName string, lhs, rhs *Node) shapes.Shape {
	if lhs.shape.DType != rhs.shape.DType {
		Panicf("%s: operands have different dtypes %s and %s", opName, lhs.shape.DType, rhs.shape.DType)
	}
	switch {
	case lhs.IsScalar():
		return rhs.shape
	case rhs.IsScalar():
		return lhs.shape
	}
	lhs.graph.unifyShapes(lhs.shape, rhs.shape, opName)
	return lhs.shape
}

// orderOperands returns the operands of a commutative operation in canonical order: constants first,
// then by creation order.
func orderOperands(lhs, rhs *Node) (*Node, *Node) {
	lConst, rConst := lhs.nodeType == NodeTypeConstant, rhs.nodeType == NodeTypeConstant
	if (rConst && !lConst) || (lConst == rConst && rhs.id < lhs.id) {
		return rhs, lhs
	}
	return lhs, rhs
}

func isConstEqual(x *Node, value float64) bool {
	v, ok := x.ConstantValue()
	return ok && v == value
}

func newBinary(g *Graph, nodeType NodeType, shape shapes.Shape, lhs, rhs *Node) *Node {
	return g.intern(&Node{nodeType: nodeType, shape: shape, inputNodes: []*Node{lhs, rhs}})
}

// Add returns lhs + rhs. Scalars are broadcast.
func Add(lhs, rhs *Node) *Node {
	g := validateInputs("Add", lhs, rhs)
	lhs, rhs = orderOperands(lhs, rhs)
	shape := binaryShape("Add", lhs, rhs)
	lv, lConst := lhs.ConstantValue()
	rv, rConst := rhs.ConstantValue()
	switch {
	case lConst && rConst:
		return Const(g, shape, lv+rv)
	case lhs.IsZero() && rhs.Rank() == shape.Rank():
		return rhs
	case lhs == rhs:
		return Mul(Scalar(g, shape.DType, 2), lhs)
	}
	return newBinary(g, NodeTypeAdd, shape, lhs, rhs)
}

// Sub returns lhs - rhs. Scalars are broadcast.
func Sub(lhs, rhs *Node) *Node {
	g := validateInputs("Sub", lhs, rhs)
	shape := binaryShape("Sub", lhs, rhs)
	lv, lConst := lhs.ConstantValue()
	rv, rConst := rhs.ConstantValue()
	switch {
	case lConst && rConst:
		return Const(g, shape, lv-rv)
	case rhs.IsZero() && lhs.Rank() == shape.Rank():
		return lhs
	case lhs.IsZero() && rhs.Rank() == shape.Rank():
		return Neg(rhs)
	case lhs == rhs:
		return Zeros(g, shape)
	}
	return newBinary(g, NodeTypeSub, shape, lhs, rhs)
}

// Mul returns lhs * rhs. Scalars are broadcast.
func Mul(lhs, rhs *Node) *Node {
	g := validateInputs("Mul", lhs, rhs)
	lhs, rhs = orderOperands(lhs, rhs)
	shape := binaryShape("Mul", lhs, rhs)
	lv, lConst := lhs.ConstantValue()
	rv, rConst := rhs.ConstantValue()
	switch {
	case lConst && rConst:
		return Const(g, shape, lv*rv)
	case lhs.IsZero() || rhs.IsZero():
		return Zeros(g, shape)
	case isConstEqual(lhs, 1) && rhs.Rank() == shape.Rank():
		return rhs
	case lConst && lhs.IsScalar() && rhs.nodeType == NodeTypeMul:
		// c1 * (c2 * x) -> (c1*c2) * x
		inner := rhs.inputNodes[0]
		if iv, ok := inner.ConstantValue(); ok && inner.IsScalar() {
			return Mul(Scalar(g, shape.DType, lv*iv), rhs.inputNodes[1])
		}
	}
	return newBinary(g, NodeTypeMul, shape, lhs, rhs)
}

// Div returns lhs / rhs. Scalars are broadcast.
func Div(lhs, rhs *Node) *Node {
	g := validateInputs("Div", lhs, rhs)
	shape := binaryShape("Div", lhs, rhs)
	lv, lConst := lhs.ConstantValue()
	rv, rConst := rhs.ConstantValue()
	switch {
	case lConst && rConst:
		return Const(g, shape, lv/rv)
	case lhs.IsZero():
		return Zeros(g, shape)
	case isConstEqual(rhs, 1) && lhs.Rank() == shape.Rank():
		return lhs
	}
	return newBinary(g, NodeTypeDiv, shape, lhs, rhs)
}

// Contract returns the contraction (dot product) of the last axis of a with the first axis of b.
// For rank-1 and rank-2 operands this is the usual vector/matrix product. The two contracted axes are
// recorded as equivalent.
func Contract(a, b *Node) *Node {
	g := validateInputs("Contract", a, b)
	if a.Rank() == 0 || b.Rank() == 0 {
		Panicf("Contract: operands must have rank >= 1, got %s and %s", a.shape, b.shape)
	}
	if a.DType() != b.DType() {
		Panicf("Contract: operands have different dtypes %s and %s", a.DType(), b.DType())
	}
	contracted := a.shape.Axis(-1)
	g.bindAxes(contracted, b.shape.Axis(0), "Contract alignment")
	aAxes, bAxes := a.shape.Axes(), b.shape.Axes()
	shape := shapes.FromAxes(a.DType(), append(aAxes[:len(aAxes)-1], bAxes[1:]...)...)
	if a.IsZero() || b.IsZero() {
		return Zeros(g, shape)
	}
	av, aConst := a.ConstantValue()
	bv, bConst := b.ConstantValue()
	if aConst && bConst {
		if k, ok := g.equivalences.StaticSize(contracted); ok {
			return Const(g, shape, av*bv*float64(k))
		}
	}
	return newBinary(g, NodeTypeContract, shape, a, b)
}

// Outer returns the outer product of two vectors.
func Outer(u, v *Node) *Node {
	g := validateInputs("Outer", u, v)
	if u.Rank() != 1 || v.Rank() != 1 {
		Panicf("Outer: operands must be vectors, got %s and %s", u.shape, v.shape)
	}
	if u.DType() != v.DType() {
		Panicf("Outer: operands have different dtypes %s and %s", u.DType(), v.DType())
	}
	shape := shapes.FromAxes(u.DType(), u.shape.Axis(0), v.shape.Axis(0))
	uv, uConst := u.ConstantValue()
	vv, vConst := v.ConstantValue()
	switch {
	case u.IsZero() || v.IsZero():
		return Zeros(g, shape)
	case uConst && vConst:
		return Const(g, shape, uv*vv)
	}
	return newBinary(g, NodeTypeOuter, shape, u, v)
}

// Transpose swaps the two axes of a matrix.
func Transpose(x *Node) *Node {
	g := validateInputs("Transpose", x)
	if x.Rank() != 2 {
		Panicf("Transpose: operand must be a matrix, got %s", x.shape)
	}
	shape := shapes.FromAxes(x.DType(), x.shape.Axis(1), x.shape.Axis(0))
	if value, ok := x.ConstantValue(); ok {
		return Const(g, shape, value)
	}
	if x.nodeType == NodeTypeTranspose {
		return x.inputNodes[0]
	}
	return g.intern(&Node{nodeType: NodeTypeTranspose, shape: shape, inputNodes: []*Node{x}})
}

// normalizeAxes converts negative axes, sorts them and checks they are unique and within rank.
func normalizeAxes(opName string, rank int, axes []int) []int {
	normalized := make([]int, len(axes))
	for ii, axis := range axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += rank
		}
		if adjusted < 0 || adjusted >= rank {
			Panicf("%s: axis %d out of range for rank %d", opName, axis, rank)
		}
		normalized[ii] = adjusted
	}
	slices.Sort(normalized)
	if len(slices.Compact(slices.Clone(normalized))) != len(normalized) {
		Panicf("%s: repeated axes in %v", opName, axes)
	}
	return normalized
}

// ReduceSum sums x over the given axes. If no axes are given, it sums over all axes.
func ReduceSum(x *Node, axes ...int) *Node {
	g := validateInputs("ReduceSum", x)
	if len(axes) == 0 {
		for axis := range x.Rank() {
			axes = append(axes, axis)
		}
	}
	axes = normalizeAxes("ReduceSum", x.Rank(), axes)
	if len(axes) == 0 {
		return x
	}
	shape := x.shape.RemoveAxes(axes...)
	if x.IsZero() {
		return Zeros(g, shape)
	}
	if value, ok := x.ConstantValue(); ok {
		count, static := 1, true
		for _, axis := range axes {
			size, found := g.equivalences.StaticSize(x.shape.Axis(axis))
			if !found {
				static = false
				break
			}
			count *= size
		}
		if static {
			return Const(g, shape, value*float64(count))
		}
	}
	node := &Node{nodeType: NodeTypeReduceSum, shape: shape, inputNodes: []*Node{x}, axes: axes}
	return g.intern(node, axes)
}

// ReduceAllSum sums all elements of x into a scalar.
func ReduceAllSum(x *Node) *Node { return ReduceSum(x) }

// BroadcastAxes returns x broadcast to shape: axes lists the axes of shape that are not present in x,
// and the remaining axes of shape must match those of x.
func BroadcastAxes(x *Node, shape shapes.Shape, axes ...int) *Node {
	g := validateInputs("BroadcastAxes", x)
	shape = shape.WithDType(x.DType())
	axes = normalizeAxes("BroadcastAxes", shape.Rank(), axes)
	g.unifyShapes(shape.RemoveAxes(axes...), x.shape, "BroadcastAxes")
	if len(axes) == 0 {
		return x
	}
	if value, ok := x.ConstantValue(); ok {
		return Const(g, shape, value)
	}
	node := &Node{nodeType: NodeTypeBroadcastAxes, shape: shape, inputNodes: []*Node{x}, axes: axes}
	return g.intern(node, shape, axes)
}

func checkLeadingAxis(opName string, x *Node) {
	if x.Rank() == 0 {
		Panicf("%s: operand must have a leading axis, got scalar %s", opName, x.shape)
	}
}

// Reverse reverses the order of the elements along the leading axis of x.
func Reverse(x *Node) *Node {
	g := validateInputs("Reverse", x)
	checkLeadingAxis("Reverse", x)
	switch {
	case x.nodeType == NodeTypeConstant:
		return x
	case x.nodeType == NodeTypeReverse:
		return x.inputNodes[0]
	}
	return g.intern(&Node{nodeType: NodeTypeReverse, shape: x.shape, inputNodes: []*Node{x}})
}

func shiftOp(nodeType NodeType, x, fill *Node) *Node {
	g := validateInputs(nodeType.String(), x, fill)
	checkLeadingAxis(nodeType.String(), x)
	g.unifyShapes(x.shape.DropLeadingAxis(), fill.shape, nodeType.String())
	xv, xConst := x.ConstantValue()
	fv, fConst := fill.ConstantValue()
	if xConst && fConst && xv == fv {
		return x
	}
	return newBinary(g, nodeType, x.shape, x, fill)
}

// ShiftIn shifts x one position forward along the leading axis: fill is inserted as the first element
// and the last element of x is dropped.
//
// Example: ShiftIn([a, b, c], s) = [s, a, b].
func ShiftIn(x, fill *Node) *Node { return shiftOp(NodeTypeShiftIn, x, fill) }

// ShiftOut shifts x one position backwards along the leading axis: the first element of x is dropped
// and fill is appended as the last element.
//
// Example: ShiftOut([a, b, c], s) = [b, c, s].
func ShiftOut(x, fill *Node) *Node { return shiftOp(NodeTypeShiftOut, x, fill) }

// normalizeIndex converts a negative index on a static leading axis, and checks its range.
func normalizeIndex(opName string, g *Graph, leading shapes.Axis, index int) int {
	size, static := g.equivalences.StaticSize(leading)
	if !static {
		if index < -1 {
			Panicf("%s: index %d not supported for symbolic axis %s, only non-negative values and -1",
				opName, index, leading)
		}
		return index
	}
	if index < 0 {
		index += size
	}
	if index < 0 || index >= size {
		Panicf("%s: index out of range for leading axis of dimension %d", opName, size)
	}
	return index
}

// SliceAt returns the element at index of the leading axis of x. Negative indices count from the end,
// so -1 is the last element.
func SliceAt(x *Node, index int) *Node {
	g := validateInputs("SliceAt", x)
	checkLeadingAxis("SliceAt", x)
	index = normalizeIndex("SliceAt", g, x.shape.Axis(0), index)
	shape := x.shape.DropLeadingAxis()
	if value, ok := x.ConstantValue(); ok {
		return Const(g, shape, value)
	}
	if x.nodeType == NodeTypeScatterAt && x.index == index {
		return x.inputNodes[0]
	}
	node := &Node{nodeType: NodeTypeSliceAt, shape: shape, inputNodes: []*Node{x}, index: index}
	return g.intern(node, index)
}

// ScatterAt returns a tensor of the given shape filled with zeros, except for the element at index of
// its leading axis, which is set to x. It is the transpose of SliceAt.
func ScatterAt(x *Node, index int, shape shapes.Shape) *Node {
	g := validateInputs("ScatterAt", x)
	shape = shape.WithDType(x.DType())
	if shape.Rank() == 0 {
		Panicf("ScatterAt: shape must have a leading axis, got %s", shape)
	}
	g.unifyShapes(shape.DropLeadingAxis(), x.shape, "ScatterAt")
	index = normalizeIndex("ScatterAt", g, shape.Axis(0), index)
	if x.IsZero() {
		return Zeros(g, shape)
	}
	node := &Node{nodeType: NodeTypeScatterAt, shape: shape, inputNodes: []*Node{x}, index: index}
	return g.intern(node, shape, index)
}

// StopGradient returns x unchanged, but no gradient is propagated through it.
func StopGradient(x *Node) *Node {
	g := validateInputs("StopGradient", x)
	if x.nodeType == NodeTypeConstant || x.nodeType == NodeTypeStopGradient {
		return x
	}
	return g.intern(&Node{nodeType: NodeTypeStopGradient, shape: x.shape, inputNodes: []*Node{x}})
}
