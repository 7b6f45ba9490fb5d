// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "strconv"

// NodeType is the closed enumeration of node kinds. Every NodeType has a VJP rule (see vjpTable),
// a rebuild rule (see rebuild) and an executor in the reference evaluator.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota

	// Leaves.
	NodeTypeVar
	NodeTypeShared
	NodeTypeConstant
	NodeTypeLoopVar

	// NodeTypeFor is an output of a Loop.
	NodeTypeFor

	// Unary elementwise.
	NodeTypeNeg
	NodeTypeExp
	NodeTypeLog
	NodeTypeTanh
	NodeTypeLogistic
	NodeTypeSqrt

	// Binary elementwise, scalars are broadcast.
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv

	NodeTypeContract
	NodeTypeOuter
	NodeTypeTranspose
	NodeTypeReduceSum
	NodeTypeBroadcastAxes

	// Operations on the leading (time) axis.
	NodeTypeReverse
	NodeTypeShiftIn
	NodeTypeShiftOut
	NodeTypeSliceAt
	NodeTypeScatterAt

	NodeTypeStopGradient

	// NumNodeTypes is the number of node types, used to size tables indexed by NodeType.
	NumNodeTypes
)

var nodeTypeNames = [NumNodeTypes]string{
	NodeTypeInvalid:       "Invalid",
	NodeTypeVar:           "Var",
	NodeTypeShared:        "Shared",
	NodeTypeConstant:      "Constant",
	NodeTypeLoopVar:       "LoopVar",
	NodeTypeFor:           "For",
	NodeTypeNeg:           "Neg",
	NodeTypeExp:           "Exp",
	NodeTypeLog:           "Log",
	NodeTypeTanh:          "Tanh",
	NodeTypeLogistic:      "Logistic",
	NodeTypeSqrt:          "Sqrt",
	NodeTypeAdd:           "Add",
	NodeTypeSub:           "Sub",
	NodeTypeMul:           "Mul",
	NodeTypeDiv:           "Div",
	NodeTypeContract:      "Contract",
	NodeTypeOuter:         "Outer",
	NodeTypeTranspose:     "Transpose",
	NodeTypeReduceSum:     "ReduceSum",
	NodeTypeBroadcastAxes: "BroadcastAxes",
	NodeTypeReverse:       "Reverse",
	NodeTypeShiftIn:       "ShiftIn",
	NodeTypeShiftOut:      "ShiftOut",
	NodeTypeSliceAt:       "SliceAt",
	NodeTypeScatterAt:     "ScatterAt",
	NodeTypeStopGradient:  "StopGradient",
}

func init() {
	for t, name := range nodeTypeNames {
		if name == "" {
			panic("graph: NodeType " + strconv.Itoa(t) + " has no name")
		}
	}
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t < 0 || t >= NumNodeTypes {
		return "NodeType(" + strconv.Itoa(int(t)) + ")"
	}
	return nodeTypeNames[t]
}

// IsLeaf returns whether nodes of this type have no inputs.
func (t NodeType) IsLeaf() bool {
	switch t {
	case NodeTypeVar, NodeTypeShared, NodeTypeConstant, NodeTypeLoopVar:
		return true
	}
	return false
}

// IsSymbol returns whether the node type is an external input (Var) or a persistent parameter (Shared).
func (t NodeType) IsSymbol() bool {
	return t == NodeTypeVar || t == NodeTypeShared
}
