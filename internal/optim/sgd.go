// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// SGDConfig configures a stochastic gradient descent optimizer with momentum and L2 weight decay.
//
// Each step does, for every variable p with gradient g:
//
//	d = g + weightDecay * p
//	buf = momentum * buf + d
//	p = p - learningRate * buf
//
// With a zero-initialized momentum buffer, the first step uses buf = d.
type SGDConfig struct {
	name        string
	momentum    float64
	weightDecay float64
}

// SGD returns a configuration for an SGD optimizer with the given name. Call Done to build it.
func SGD(name string) *SGDConfig {
	return &SGDConfig{name: name, momentum: 0.9}
}

// Momentum sets the momentum coefficient. 0 disables momentum (and its state).
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// WeightDecay sets the L2 penalty added to the gradients.
func (c *SGDConfig) WeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the configured optimizer.
func (c *SGDConfig) Done() Optimizer {
	return &sgd{config: *c, stateScope: StateScopeFor(c.name)}
}

type sgd struct {
	config     SGDConfig
	stateScope string
}

// Name implements Optimizer.
func (o *sgd) Name() string { return o.config.name }

// StateScope implements Optimizer.
func (o *sgd) StateScope() string { return o.stateScope }

// CreateState implements Optimizer.
func (o *sgd) CreateState(ctx *context.Context, params []*context.Variable) {
	_ = stepVariable(ctx, o.stateScope)
	if o.config.momentum == 0 {
		return
	}
	for _, v := range params {
		_ = o.momentumVariable(ctx, v)
	}
}

func (o *sgd) momentumVariable(ctx *context.Context, v *context.Variable) *context.Variable {
	return stateContext(ctx, o.stateScope, v).
		WithInitializer(initializers.Zero).
		VariableWithShape(slotName(v, "momentum"), v.Shape()).
		SetTrainable(false)
}

// UpdateGraph implements Optimizer.
func (o *sgd) UpdateGraph(ctx *context.Context, g *Graph, params []*context.Variable, grads []*Node, learningRate *Node) {
	checkUpdateArgs(o.config.name, params, grads, learningRate)
	_ = incrementStepGraph(ctx, g, o.stateScope, learningRate)
	for ii, v := range params {
		value := v.ValueGraph(g)
		grad := grads[ii]
		if grad.DType() != value.DType() {
			grad = ConvertDType(grad, value.DType())
		}
		if o.config.weightDecay > 0 {
			grad = Add(grad, MulScalar(value, o.config.weightDecay))
		}
		direction := grad
		if o.config.momentum > 0 {
			bufVar := o.momentumVariable(ctx, v)
			buf := Add(MulScalar(bufVar.ValueGraph(g), o.config.momentum), grad)
			bufVar.SetValueGraph(buf)
			direction = buf
		}
		lr := learningRate
		if lr.DType() != value.DType() {
			lr = ConvertDType(lr, value.DType())
		}
		v.SetValueGraph(Sub(value, Mul(lr, direction)))
	}
}
