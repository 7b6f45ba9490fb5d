// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strconv"

	. "github.com/gomlx/exceptions"
)

// VJP (Vector-Jacobian Product) returns the gradients of the inputs of node, given v, the accumulated
// gradient of node. It returns one entry per input of node, and a nil entry means the input gets no
// gradient.
type VJP func(node, v *Node) []*Node

// vjpTable holds the VJP of every NodeType. It is filled in init() since the For VJP (loop reversal)
// uses the table itself.
var vjpTable [NumNodeTypes]VJP

func init() {
	vjpTable = [NumNodeTypes]VJP{
		NodeTypeVar:           noInputsVJP,
		NodeTypeShared:        noInputsVJP,
		NodeTypeConstant:      noInputsVJP,
		NodeTypeLoopVar:       noInputsVJP,
		NodeTypeFor:           forVJP,
		NodeTypeNeg:           negVJP,
		NodeTypeExp:           expVJP,
		NodeTypeLog:           logVJP,
		NodeTypeTanh:          tanhVJP,
		NodeTypeLogistic:      logisticVJP,
		NodeTypeSqrt:          sqrtVJP,
		NodeTypeAdd:           addVJP,
		NodeTypeSub:           subVJP,
		NodeTypeMul:           mulVJP,
		NodeTypeDiv:           divVJP,
		NodeTypeContract:      contractVJP,
		NodeTypeOuter:         outerVJP,
		NodeTypeTranspose:     transposeVJP,
		NodeTypeReduceSum:     reduceSumVJP,
		NodeTypeBroadcastAxes: broadcastAxesVJP,
		NodeTypeReverse:       reverseVJP,
		NodeTypeShiftIn:       shiftInVJP,
		NodeTypeShiftOut:      shiftOutVJP,
		NodeTypeSliceAt:       sliceAtVJP,
		NodeTypeScatterAt:     scatterAtVJP,
		NodeTypeStopGradient:  stopGradientVJP,
	}
	for t := NodeTypeInvalid + 1; t < NumNodeTypes; t++ {
		if vjpTable[t] == nil {
			panic("graph: no VJP defined for NodeType " + t.String() + " (" + strconv.Itoa(int(t)) + ")")
		}
	}
}

// vjpFor returns the VJP of the node type.
func vjpFor(nodeType NodeType) VJP {
	if nodeType <= NodeTypeInvalid || nodeType >= NumNodeTypes {
		Panicf("no VJP for invalid node type %s", nodeType)
	}
	return vjpTable[nodeType]
}

func noInputsVJP(_, _ *Node) []*Node { return nil }

// vjpForDefaultBroadcast reduces v to the shape of input, if input was a scalar broadcast to the
// shape of node.
func vjpForDefaultBroadcast(node, input, v *Node) *Node {
	if input.IsScalar() && !node.IsScalar() {
		return ReduceAllSum(v)
	}
	return v
}

func negVJP(_, v *Node) []*Node {
	return []*Node{Neg(v)}
}

func expVJP(node, v *Node) []*Node {
	// node holds the output of exp(x).
	return []*Node{Mul(v, node)}
}

func logVJP(node, v *Node) []*Node {
	return []*Node{Div(v, node.inputNodes[0])}
}

func tanhVJP(node, v *Node) []*Node {
	tanhX := node
	one := Scalar(node.graph, node.DType(), 1)
	return []*Node{Mul(v, Sub(one, Square(tanhX)))}
}

func logisticVJP(node, v *Node) []*Node {
	// dσ(x)/dx = σ(x)·(1-σ(x))
	one := Scalar(node.graph, node.DType(), 1)
	return []*Node{Mul(v, Mul(node, Sub(one, node)))}
}

func sqrtVJP(node, v *Node) []*Node {
	two := Scalar(node.graph, node.DType(), 2)
	return []*Node{Div(v, Mul(two, node))}
}

func addVJP(node, v *Node) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], v),
		vjpForDefaultBroadcast(node, node.inputNodes[1], v),
	}
}

func subVJP(node, v *Node) []*Node {
	return []*Node{
		vjpForDefaultBroadcast(node, node.inputNodes[0], v),
		vjpForDefaultBroadcast(node, node.inputNodes[1], Neg(v)),
	}
}

func mulVJP(node, v *Node) []*Node {
	lhs, rhs := node.inputNodes[0], node.inputNodes[1]
	return []*Node{
		vjpForDefaultBroadcast(node, lhs, Mul(v, rhs)),
		vjpForDefaultBroadcast(node, rhs, Mul(v, lhs)),
	}
}

func divVJP(node, v *Node) []*Node {
	// d(a/b)/db = -(a/b)/b
	lhs, rhs := node.inputNodes[0], node.inputNodes[1]
	return []*Node{
		vjpForDefaultBroadcast(node, lhs, Div(v, rhs)),
		vjpForDefaultBroadcast(node, rhs, Neg(Div(Mul(v, node), rhs))),
	}
}

func contractVJP(node, v *Node) []*Node {
	a, b := node.inputNodes[0], node.inputNodes[1]
	switch {
	case a.Rank() == 1 && b.Rank() == 1:
		// Dot product of two vectors: v is a scalar.
		return []*Node{Mul(v, b), Mul(v, a)}
	case a.Rank() == 2 && b.Rank() == 1:
		// Matrix[m, k] times vector[k]: v is [m].
		return []*Node{Outer(v, b), Contract(v, a)}
	case a.Rank() == 1 && b.Rank() == 2:
		// Vector[k] times matrix[k, n]: v is [n].
		return []*Node{Contract(b, v), Outer(a, v)}
	case a.Rank() == 2 && b.Rank() == 2:
		// Matrix[m, k] times matrix[k, n]: v is [m, n].
		return []*Node{Contract(v, Transpose(b)), Contract(Transpose(a), v)}
	}
	Panicf("gradient of Contract of operands with ranks %d and %d not supported, only ranks 1 and 2 are",
		a.Rank(), b.Rank())
	return nil
}

func outerVJP(node, v *Node) []*Node {
	u, w := node.inputNodes[0], node.inputNodes[1]
	return []*Node{Contract(v, w), Contract(u, v)}
}

func transposeVJP(_, v *Node) []*Node {
	return []*Node{Transpose(v)}
}

func reduceSumVJP(node, v *Node) []*Node {
	return []*Node{BroadcastAxes(v, node.inputNodes[0].shape, node.axes...)}
}

func broadcastAxesVJP(node, v *Node) []*Node {
	return []*Node{ReduceSum(v, node.axes...)}
}

func reverseVJP(_, v *Node) []*Node {
	return []*Node{Reverse(v)}
}

func shiftInVJP(node, v *Node) []*Node {
	// out[0] = fill, out[t] = x[t-1].
	fill := node.inputNodes[1]
	return []*Node{ShiftOut(v, ZerosLike(fill)), SliceAt(v, 0)}
}

func shiftOutVJP(node, v *Node) []*Node {
	// out[t] = x[t+1], out[T-1] = fill.
	fill := node.inputNodes[1]
	return []*Node{ShiftIn(v, ZerosLike(fill)), SliceAt(v, -1)}
}

func sliceAtVJP(node, v *Node) []*Node {
	return []*Node{ScatterAt(v, node.index, node.inputNodes[0].shape)}
}

func scatterAtVJP(node, v *Node) []*Node {
	return []*Node{SliceAt(v, node.index)}
}

func stopGradientVJP(_, _ *Node) []*Node {
	return []*Node{nil}
}
