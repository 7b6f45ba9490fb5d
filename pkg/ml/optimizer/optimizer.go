// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer builds the update expressions of one training step from the gradients of a loss.
//
// Parameters are graph.Shared nodes. Updates returns, for each parameter (and for any optimizer state the
// optimizer created), the expression of its value after the step: the caller evaluates them and feeds the
// results back for the next step.
package optimizer

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/symgrad/pkg/core/graph"
)

// Interface implemented by optimizers.
type Interface interface {
	// Updates returns the new value of each of params, and of the optimizer state, after one step
	// minimizing the scalar loss.
	//
	// This is a graph building function and panics on error.
	Updates(loss *Node, params ...*Node) map[*Node]*Node
}

// SGDDefaultLearningRate is the default learning rate used by SGD.
const SGDDefaultLearningRate = 0.1

// SGDConfig is a stochastic gradient descent optimizer, optionally with momentum.
type SGDConfig struct {
	learningRate, momentum float64

	// velocities hold the momentum state of each parameter, created on first use.
	velocities map[*Node]*Node
}

// SGD creates a stochastic gradient descent optimizer with the given learning rate. If rate <= 0,
// SGDDefaultLearningRate is used.
func SGD(rate float64) *SGDConfig {
	if rate <= 0 {
		rate = SGDDefaultLearningRate
	}
	return &SGDConfig{learningRate: rate}
}

// WithMomentum sets the momentum: the step follows the velocity `v = momentum*v + grad`, kept in
// Shared nodes named "<param>/velocity".
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	if momentum < 0 || momentum >= 1 {
		Panicf("SGD momentum must be in [0, 1), got %g", momentum)
	}
	sgd.momentum = momentum
	return sgd
}

// Done returns the optimizer as an Interface, no longer configurable.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// Velocity returns the Shared node holding the momentum state of param, or nil if there is none.
func (sgd *SGDConfig) Velocity(param *Node) *Node {
	return sgd.velocities[param]
}

// Updates implements Interface.
func (sgd *SGDConfig) Updates(loss *Node, params ...*Node) map[*Node]*Node {
	if !loss.IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	for _, param := range params {
		if param.Type() != NodeTypeShared {
			Panicf("optimizer can only update Shared nodes, got %s", param)
		}
	}
	grads := GradientMap(loss, params...)
	updates := make(map[*Node]*Node, len(params))
	for _, param := range params {
		g := param.Graph()
		rate := Scalar(g, param.DType(), sgd.learningRate)
		step := grads[param]
		if sgd.momentum > 0 {
			velocity := sgd.velocity(param)
			step = Add(Mul(Scalar(g, param.DType(), sgd.momentum), velocity), step)
			updates[velocity] = step
		}
		updates[param] = Sub(param, Mul(rate, step))
	}
	return updates
}

func (sgd *SGDConfig) velocity(param *Node) *Node {
	if v, found := sgd.velocities[param]; found {
		return v
	}
	if sgd.velocities == nil {
		sgd.velocities = make(map[*Node]*Node)
	}
	v := Shared(param.Graph(), fmt.Sprintf("%s/velocity", param.Name()), param.Shape())
	sgd.velocities[param] = v
	return v
}
