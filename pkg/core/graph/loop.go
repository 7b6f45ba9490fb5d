// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/shapes"
)

// Loop is a forward recurrence (a scan) over a leading "time" axis of some length.
//
// A Loop is built in two phases. First its inputs are declared:
//
//   - Sequence(seq) registers a sequence input, whose leading axis must be the length of the loop. It returns
//     the loop variable holding the current element of the sequence at each step.
//   - State(seed) registers a recursive state, initialized with seed. It returns the loop variable holding
//     the state before each step.
//
// Then the per-step expressions, written in terms of the loop variables and any other node of the graph
// (the "closures" of the loop), are given:
//
//   - Update(stateVar, expr) sets how a state is updated at each step.
//   - Output(expr) adds a plain per-step output.
//
// The first call to Update or Output freezes the inputs of the loop. Finally, Done returns the For nodes,
// one per state (the states after each step) followed by one per output, each with the length of the loop
// prepended to the shape of its expression.
//
// Example, a running sum:
//
//	loop := NewLoop(g, "cumsum", shapes.SymbolicAxis("T"))
//	x := loop.Sequence(xs)
//	total := loop.State(Zeros(g, x.Shape()))
//	loop.Update(total, Add(total, x))
//	sums := loop.Done()[0]
type Loop struct {
	graph  *Graph
	name   string
	length shapes.Axis

	sequences    []*Node
	sequenceVars []*Node
	seeds        []*Node
	stateVars    []*Node
	updates      []*Node
	outputs      []*Node
	frozen       bool

	// Set by Done.
	fors        []*Node
	expressions []*Node
	closures    []*Node
}

// NewLoop creates a new Loop in graph g, with the given length.
func NewLoop(g *Graph, name string, length shapes.Axis) *Loop {
	if !length.IsSymbolic() && length.Size <= 0 {
		Panicf("NewLoop(%q): invalid length %s", name, length)
	}
	return &Loop{graph: g, name: name, length: length}
}

// Name of the loop.
func (l *Loop) Name() string { return l.name }

// Graph that holds the loop.
func (l *Loop) Graph() *Graph { return l.graph }

// Length of the loop.
func (l *Loop) Length() shapes.Axis { return l.length }

func (l *Loop) assertBuilding(method string) {
	if l.frozen {
		Panicf("Loop(%q).%s: inputs can no longer be added once Update or Output have been called", l.name, method)
	}
}

func (l *Loop) newVariable(kind string, shape shapes.Shape) *Node {
	return l.graph.registerNode(&Node{
		nodeType: NodeTypeLoopVar,
		shape:    shape,
		name:     l.graph.uniqueName(fmt.Sprintf("%s.%s", l.name, kind)),
		loop:     l,
	})
}

// Sequence registers seq as a sequence input: its leading axis must be the length of the loop.
// It returns the loop variable that holds the element of seq for the current step.
func (l *Loop) Sequence(seq *Node) *Node {
	l.assertBuilding("Sequence")
	validateInputs("Loop.Sequence", seq)
	if seq.graph != l.graph {
		Panicf("Loop(%q).Sequence: sequence belongs to a different graph", l.name)
	}
	checkLeadingAxis("Loop.Sequence", seq)
	l.graph.bindAxes(seq.shape.Axis(0), l.length, fmt.Sprintf("Loop(%q).Sequence: leading axis is not the loop length", l.name))
	v := l.newVariable("x", seq.shape.DropLeadingAxis())
	l.sequences = append(l.sequences, seq)
	l.sequenceVars = append(l.sequenceVars, v)
	return v
}

// State registers a recursive state, initialized with seed. It returns the loop variable that holds
// the value of the state before the current step. Each state must be given an Update.
func (l *Loop) State(seed *Node) *Node {
	l.assertBuilding("State")
	validateInputs("Loop.State", seed)
	if seed.graph != l.graph {
		Panicf("Loop(%q).State: seed belongs to a different graph", l.name)
	}
	v := l.newVariable("s", seed.shape)
	l.seeds = append(l.seeds, seed)
	l.stateVars = append(l.stateVars, v)
	l.updates = append(l.updates, nil)
	return v
}

func (l *Loop) stateIndex(v *Node) int {
	for ii, stateVar := range l.stateVars {
		if stateVar == v {
			return ii
		}
	}
	return -1
}

// Update sets the expression of the new value of the state stateVar (returned by State), computed at
// each step.
func (l *Loop) Update(stateVar, expr *Node) {
	if l.fors != nil {
		Panicf("Loop(%q).Update: loop is already done", l.name)
	}
	validateInputs("Loop.Update", stateVar, expr)
	idx := l.stateIndex(stateVar)
	if idx < 0 {
		Panicf("Loop(%q).Update: %s is not a state variable of this loop", l.name, stateVar)
	}
	if l.updates[idx] != nil {
		Panicf("Loop(%q).Update: state %q already updated", l.name, stateVar.name)
	}
	l.graph.unifyShapes(stateVar.shape, expr.shape, fmt.Sprintf("Loop(%q).Update(%q)", l.name, stateVar.name))
	l.frozen = true
	l.updates[idx] = expr
}

// Output adds expr as a plain per-step output of the loop.
func (l *Loop) Output(expr *Node) {
	if l.fors != nil {
		Panicf("Loop(%q).Output: loop is already done", l.name)
	}
	validateInputs("Loop.Output", expr)
	l.frozen = true
	l.outputs = append(l.outputs, expr)
}

// Done finalizes the loop and returns its For nodes: first one per state, in the order they were
// registered, then one per Output. Calling Done again returns the same nodes.
func (l *Loop) Done() []*Node {
	if l.fors != nil {
		return l.fors
	}
	for ii, update := range l.updates {
		if update == nil {
			Panicf("Loop(%q).Done: state %q has no Update", l.name, l.stateVars[ii].name)
		}
	}
	l.expressions = append(append([]*Node{}, l.updates...), l.outputs...)
	if len(l.expressions) == 0 {
		Panicf("Loop(%q).Done: loop has no states nor outputs", l.name)
	}
	l.closures = l.findClosures()
	l.frozen = true

	inputs := make([]*Node, 0, len(l.sequences)+len(l.seeds)+len(l.closures))
	inputs = append(inputs, l.sequences...)
	inputs = append(inputs, l.seeds...)
	inputs = append(inputs, l.closures...)
	l.fors = make([]*Node, len(l.expressions))
	for ii, expr := range l.expressions {
		l.fors[ii] = l.graph.registerNode(&Node{
			nodeType:   NodeTypeFor,
			shape:      expr.shape.PrependAxis(l.length),
			inputNodes: inputs,
			index:      ii,
			loop:       l,
		})
	}
	return l.fors
}

// findClosures returns the maximal nodes used by the expressions of the loop that don't depend on its
// variables, excluding constants. They are the external values the loop body uses.
func (l *Loop) findClosures() []*Node {
	dependent := make(map[*Node]bool)
	for _, v := range l.Variables() {
		dependent[v] = true
	}
	var isDependent func(n *Node) bool
	isDependent = func(n *Node) bool {
		if dep, found := dependent[n]; found {
			return dep
		}
		dep := false
		for _, input := range n.inputNodes {
			if isDependent(input) {
				dep = true
			}
		}
		dependent[n] = dep
		return dep
	}

	var closures []*Node
	visited := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		if !isDependent(n) {
			if n.nodeType != NodeTypeConstant {
				closures = append(closures, n)
			}
			return
		}
		for _, input := range n.inputNodes {
			visit(input)
		}
	}
	for _, expr := range l.expressions {
		visit(expr)
	}
	return closures
}

// Sequences returns the sequence inputs, in the order they were registered.
func (l *Loop) Sequences() []*Node { return l.sequences }

// SequenceVariables returns the loop variables of the sequences.
func (l *Loop) SequenceVariables() []*Node { return l.sequenceVars }

// Seeds returns the initial values of the states.
func (l *Loop) Seeds() []*Node { return l.seeds }

// StateVariables returns the loop variables of the states.
func (l *Loop) StateVariables() []*Node { return l.stateVars }

// Variables returns all the loop variables: first those of the sequences, then those of the states.
func (l *Loop) Variables() []*Node {
	vars := make([]*Node, 0, len(l.sequenceVars)+len(l.stateVars))
	vars = append(vars, l.sequenceVars...)
	return append(vars, l.stateVars...)
}

// NumStates returns the number of recursive states, which are also the first For nodes of the loop.
func (l *Loop) NumStates() int { return len(l.stateVars) }

// Fors returns the For nodes of the loop, or nil if Done was not called yet.
func (l *Loop) Fors() []*Node { return l.fors }

// Expressions returns the per-step expression of each For node. Only available after Done.
func (l *Loop) Expressions() []*Node { return l.expressions }

// Closures returns the external values used by the loop body. Only available after Done.
func (l *Loop) Closures() []*Node { return l.closures }

// IsRecursive returns whether the For node at index is a recursive state.
func (l *Loop) IsRecursive(index int) bool { return index < len(l.stateVars) }

// ForExpression returns the per-step expression of a For node.
func ForExpression(f *Node) *Node {
	assertFor("ForExpression", f)
	return f.loop.expressions[f.index]
}

// ForSeed returns the seed of a recursive For node, or nil for a plain output.
func ForSeed(f *Node) *Node {
	assertFor("ForSeed", f)
	if !f.loop.IsRecursive(f.index) {
		return nil
	}
	return f.loop.seeds[f.index]
}

// ForVariable returns the loop variable of a recursive For node, or nil for a plain output.
func ForVariable(f *Node) *Node {
	assertFor("ForVariable", f)
	if !f.loop.IsRecursive(f.index) {
		return nil
	}
	return f.loop.stateVars[f.index]
}

func assertFor(opName string, f *Node) {
	if f == nil || f.nodeType != NodeTypeFor {
		Panicf("%s: node %s is not a For", opName, f)
	}
}
