// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a pure Go reference evaluator of graphs built with package graph.
//
// It is not optimized for speed: it is the numerical oracle used to check gradients, so it favors
// simple and obviously correct implementations. Every result is rounded to the dtype of its node.
//
// Example:
//
//	results, err := simplego.Execute(simplego.ParamsMap{x: []float32{1, 2, 3}}, y)
package simplego

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/gomlx/symgrad/pkg/core/shapes"
	"github.com/gomlx/symgrad/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ParamsMap maps Var or Shared nodes to the values fed to them: either a *tensors.Tensor or anything
// accepted by tensors.FromValue.
type ParamsMap map[*graph.Node]any

// Executor evaluates nodes of one graph, given the values of its Var and Shared nodes. Results are memoized,
// so an Executor should be discarded if the fed values change.
type Executor struct {
	feeds    map[*graph.Node]*tensors.Tensor
	bindings shapes.AxisBindings

	// results hold the value of every node evaluated so far.
	results map[*graph.Node]*tensors.Tensor

	// loops hold the values of the For nodes of the loops evaluated so far.
	loops map[*graph.Loop][]*tensors.Tensor
}

// nodeExecutor evaluates node, given the values of its inputs.
type nodeExecutor func(e *Executor, node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor

// nodeExecutors is filled in init() since the For executor evaluates loop bodies recursively.
var nodeExecutors [graph.NumNodeTypes]nodeExecutor

func init() {
	nodeExecutors = [graph.NumNodeTypes]nodeExecutor{
		graph.NodeTypeVar:           execSymbol,
		graph.NodeTypeShared:        execSymbol,
		graph.NodeTypeConstant:      execConstant,
		graph.NodeTypeLoopVar:       execLoopVar,
		graph.NodeTypeFor:           execFor,
		graph.NodeTypeNeg:           execNeg,
		graph.NodeTypeExp:           execExp,
		graph.NodeTypeLog:           execLog,
		graph.NodeTypeTanh:          execTanh,
		graph.NodeTypeLogistic:      execLogistic,
		graph.NodeTypeSqrt:          execSqrt,
		graph.NodeTypeAdd:           execAdd,
		graph.NodeTypeSub:           execSub,
		graph.NodeTypeMul:           execMul,
		graph.NodeTypeDiv:           execDiv,
		graph.NodeTypeContract:      execContract,
		graph.NodeTypeOuter:         execOuter,
		graph.NodeTypeTranspose:     execTranspose,
		graph.NodeTypeReduceSum:     execReduceSum,
		graph.NodeTypeBroadcastAxes: execBroadcastAxes,
		graph.NodeTypeReverse:       execReverse,
		graph.NodeTypeShiftIn:       execShiftIn,
		graph.NodeTypeShiftOut:      execShiftOut,
		graph.NodeTypeSliceAt:       execSliceAt,
		graph.NodeTypeScatterAt:     execScatterAt,
		graph.NodeTypeStopGradient:  execIdentity,
	}
	for t := graph.NodeTypeInvalid + 1; t < graph.NumNodeTypes; t++ {
		if nodeExecutors[t] == nil {
			exceptions.Panicf("simplego: no executor for node type %s", t)
		}
	}
}

// New creates an Executor for graph g, fed with the given values. The symbolic axes of the graph are
// resolved from the shapes of the fed values.
func New(g *graph.Graph, params ParamsMap) (*Executor, error) {
	e := &Executor{
		feeds:    make(map[*graph.Node]*tensors.Tensor, len(params)),
		bindings: make(shapes.AxisBindings),
		results:  make(map[*graph.Node]*tensors.Tensor),
		loops:    make(map[*graph.Loop][]*tensors.Tensor),
	}
	for node, value := range params {
		if !node.Type().IsSymbol() {
			return nil, errors.Errorf("only Var and Shared nodes can be fed, got %s", node)
		}
		if node.Graph() != g {
			return nil, errors.Errorf("node %s fed to graph %q belongs to another graph", node, g.Name())
		}
		var t *tensors.Tensor
		err := exceptions.TryCatch[error](func() { t = tensors.FromValue(value).AsDType(node.DType()) })
		if err != nil {
			return nil, errors.WithMessagef(err, "value fed to %q", node.Name())
		}
		bindings, err := shapes.ExtractBindings(node.Shape(), t.Shape())
		if err != nil {
			return nil, errors.WithMessagef(err, "value fed to %q", node.Name())
		}
		if err = e.bindings.Merge(bindings); err != nil {
			return nil, errors.WithMessagef(err, "value fed to %q", node.Name())
		}
		e.feeds[node] = t
	}
	if err := g.Equivalences().Complete(e.bindings); err != nil {
		return nil, errors.WithMessage(err, "symbolic axes of fed values are inconsistent")
	}
	return e, nil
}

// Bindings returns the resolved sizes of the symbolic axes.
func (e *Executor) Bindings() shapes.AxisBindings { return e.bindings }

// Eval returns the value of node.
func (e *Executor) Eval(node *graph.Node) (result *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { result = e.eval(node) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to evaluate %s", node)
	}
	return result, nil
}

func (e *Executor) eval(node *graph.Node) *tensors.Tensor {
	if result, found := e.results[node]; found {
		return result
	}
	inputs := make([]*tensors.Tensor, len(node.Inputs()))
	for ii, input := range node.Inputs() {
		inputs[ii] = e.eval(input)
	}
	result := nodeExecutors[node.Type()](e, node, inputs)
	e.results[node] = result
	return result
}

// child returns an Executor for the body of a loop step: it shares the fed values and bindings, and starts
// with the given values.
func (e *Executor) child(values map[*graph.Node]*tensors.Tensor) *Executor {
	return &Executor{
		feeds:    e.feeds,
		bindings: e.bindings,
		results:  values,
		loops:    make(map[*graph.Loop][]*tensors.Tensor),
	}
}

// resolveAxis returns the size of the axis, panicking if it is symbolic and not bound.
func (e *Executor) resolveAxis(axis shapes.Axis) int {
	size, err := e.bindings.Size(axis)
	if err != nil {
		panic(errors.WithMessage(err, "cannot resolve axis"))
	}
	return size
}

// resolveShape returns the static shape of node.
func (e *Executor) resolveShape(node *graph.Node) shapes.Shape {
	shape, err := node.Shape().Resolve(e.bindings)
	if err != nil {
		panic(errors.WithMessagef(err, "cannot resolve shape of %s", node))
	}
	return shape
}

// Execute evaluates outputs in the graph they belong to, with the given fed values.
func Execute(params ParamsMap, outputs ...*graph.Node) ([]*tensors.Tensor, error) {
	if len(outputs) == 0 {
		return nil, errors.New("no outputs to execute")
	}
	e, err := New(outputs[0].Graph(), params)
	if err != nil {
		return nil, err
	}
	results := make([]*tensors.Tensor, len(outputs))
	for ii, output := range outputs {
		if results[ii], err = e.Eval(output); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// MustExecute is like Execute, but panics on errors.
func MustExecute(params ParamsMap, outputs ...*graph.Node) []*tensors.Tensor {
	results, err := Execute(params, outputs...)
	if err != nil {
		panic(err)
	}
	return results
}

func execSymbol(e *Executor, node *graph.Node, _ []*tensors.Tensor) *tensors.Tensor {
	t, found := e.feeds[node]
	if !found {
		exceptions.Panicf("no value fed for %s %q", node.Type(), node.Name())
	}
	return t
}

func execConstant(e *Executor, node *graph.Node, _ []*tensors.Tensor) *tensors.Tensor {
	value, _ := node.ConstantValue()
	t := tensors.FromShape(e.resolveShape(node))
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

func execLoopVar(_ *Executor, node *graph.Node, _ []*tensors.Tensor) *tensors.Tensor {
	exceptions.Panicf("loop variable %q evaluated outside of its loop", node.Name())
	return nil
}

func execIdentity(_ *Executor, _ *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	return inputs[0]
}
