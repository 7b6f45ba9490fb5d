// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"maps"

	. "github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Patch is a substitution map from old nodes to their replacements.
//
// Apply rewrites an expression replacing the nodes in the map, and it also records every rewritten node
// in the map, so each node is visited at most once. The cost is linear in the size of the graph, even
// with heavily shared sub-expressions.
//
// A Patch should be used for one rewrite request at a time.
type Patch map[*Node]*Node

// PatchNode returns node with the substitutions in patch applied. See Patch.Apply.
func PatchNode(node *Node, patch Patch) *Node {
	return patch.Apply(node)
}

// Apply returns node with the substitutions applied. If nothing in node is affected, node itself is
// returned. Otherwise, a newly built node (canonicalized as any other construction) is returned.
func (p Patch) Apply(node *Node) *Node {
	return (&patcher{memo: p}).apply(node)
}

// patcher holds the memo of one scope of a rewrite. Loop bodies are rewritten in a child scope
// layered over the enclosing one, so the enclosing memo is never copied.
type patcher struct {
	outer *patcher
	memo  map[*Node]*Node
}

// lookup searches the memo of the scope and of the enclosing ones.
func (pt *patcher) lookup(node *Node) (*Node, bool) {
	for scope := pt; scope != nil; scope = scope.outer {
		if replacement, found := scope.memo[node]; found {
			return replacement, true
		}
	}
	return nil, false
}

func (pt *patcher) child(memo map[*Node]*Node) *patcher {
	if memo == nil {
		memo = make(map[*Node]*Node)
	}
	return &patcher{outer: pt, memo: memo}
}

func (pt *patcher) apply(node *Node) *Node {
	if replacement, found := pt.lookup(node); found {
		return replacement
	}
	if node.nodeType == NodeTypeFor {
		pt.applyLoop(node.loop)
		return pt.memo[node]
	}
	changed := false
	newInputs := make([]*Node, len(node.inputNodes))
	for ii, input := range node.inputNodes {
		newInputs[ii] = pt.apply(input)
		if newInputs[ii] != input {
			changed = true
		}
	}
	result := node
	if changed {
		result = rebuild(node, newInputs)
	}
	pt.memo[node] = result
	return result
}

// applyLoop patches the loop, and records the replacement of each of its For nodes.
func (pt *patcher) applyLoop(loop *Loop) {
	sequences := make([]*Node, len(loop.sequences))
	seeds := make([]*Node, len(loop.seeds))
	changed := false
	for ii, seq := range loop.sequences {
		sequences[ii] = pt.apply(seq)
		changed = changed || sequences[ii] != seq
	}
	for ii, seed := range loop.seeds {
		seeds[ii] = pt.apply(seed)
		changed = changed || seeds[ii] != seed
	}

	// Try the body in a throwaway scope first: the loop variables are kept, so if nothing changes the
	// loop can be reused.
	trial := pt.child(nil)
	for _, expr := range loop.expressions {
		changed = trial.apply(expr) != expr || changed
	}
	if !changed {
		maps.Copy(pt.memo, trial.memo)
		for _, f := range loop.fors {
			pt.memo[f] = f
		}
		return
	}

	// Rebuild loop with fresh variables.
	newLoop := NewLoop(loop.graph, loop.name, loop.length)
	inner := pt.child(make(map[*Node]*Node, len(loop.sequenceVars)+len(loop.stateVars)))
	for ii, v := range loop.sequenceVars {
		inner.memo[v] = newLoop.Sequence(sequences[ii])
	}
	for ii, v := range loop.stateVars {
		inner.memo[v] = newLoop.State(seeds[ii])
	}
	for ii, expr := range loop.expressions {
		if loop.IsRecursive(ii) {
			newLoop.Update(inner.memo[loop.stateVars[ii]], inner.apply(expr))
		} else {
			newLoop.Output(inner.apply(expr))
		}
	}
	newFors := newLoop.Done()
	for ii, f := range loop.fors {
		pt.memo[f] = newFors[ii]
	}
	klog.V(2).Infof("Patch: loop %q rebuilt with %d closures", loop.name, len(newLoop.closures))
}

// rebuild creates a node of the same type and attributes as node, but with the given inputs.
func rebuild(node *Node, inputs []*Node) *Node {
	switch node.nodeType {
	case NodeTypeNeg:
		return Neg(inputs[0])
	case NodeTypeExp:
		return Exp(inputs[0])
	case NodeTypeLog:
		return Log(inputs[0])
	case NodeTypeTanh:
		return Tanh(inputs[0])
	case NodeTypeLogistic:
		return Logistic(inputs[0])
	case NodeTypeSqrt:
		return Sqrt(inputs[0])
	case NodeTypeAdd:
		return Add(inputs[0], inputs[1])
	case NodeTypeSub:
		return Sub(inputs[0], inputs[1])
	case NodeTypeMul:
		return Mul(inputs[0], inputs[1])
	case NodeTypeDiv:
		return Div(inputs[0], inputs[1])
	case NodeTypeContract:
		return Contract(inputs[0], inputs[1])
	case NodeTypeOuter:
		return Outer(inputs[0], inputs[1])
	case NodeTypeTranspose:
		return Transpose(inputs[0])
	case NodeTypeReduceSum:
		return ReduceSum(inputs[0], node.axes...)
	case NodeTypeBroadcastAxes:
		return BroadcastAxes(inputs[0], node.shape, node.axes...)
	case NodeTypeReverse:
		return Reverse(inputs[0])
	case NodeTypeShiftIn:
		return ShiftIn(inputs[0], inputs[1])
	case NodeTypeShiftOut:
		return ShiftOut(inputs[0], inputs[1])
	case NodeTypeSliceAt:
		return SliceAt(inputs[0], node.index)
	case NodeTypeScatterAt:
		return ScatterAt(inputs[0], node.index, node.shape)
	case NodeTypeStopGradient:
		return StopGradient(inputs[0])
	}
	Panicf("rebuild: node type %s cannot be rebuilt with new inputs (node %s)", node.nodeType, node)
	return nil
}
