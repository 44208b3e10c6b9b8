// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// AdamConfig configures an Adam optimizer, see "Adam: A Method for Stochastic Optimization",
// https://arxiv.org/abs/1412.6980.
type AdamConfig struct {
	name         string
	beta1, beta2 float64
	epsilon      float64
}

// Adam returns a configuration for an Adam optimizer with the given name, and default
// betas (0.9, 0.999) and epsilon 1e-8. Call Done to build it.
func Adam(name string) *AdamConfig {
	return &AdamConfig{name: name, beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
}

// Betas sets the exponential decay of the 1st and 2nd moment estimates.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the constant added to the denominator for numerical stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() Optimizer {
	return &adam{config: *c, stateScope: StateScopeFor(c.name)}
}

type adam struct {
	config     AdamConfig
	stateScope string
}

// Name implements Optimizer.
func (o *adam) Name() string { return o.config.name }

// StateScope implements Optimizer.
func (o *adam) StateScope() string { return o.stateScope }

// CreateState implements Optimizer.
func (o *adam) CreateState(ctx *context.Context, params []*context.Variable) {
	_ = stepVariable(ctx, o.stateScope)
	for _, v := range params {
		_, _ = o.momentVariables(ctx, v)
	}
}

// momentVariables returns the 1st and 2nd moment variables paired with the trainable variable.
func (o *adam) momentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	stateCtx := stateContext(ctx, o.stateScope, trainable).WithInitializer(initializers.Zero)
	m1 = stateCtx.VariableWithShape(slotName(trainable, "1st_moment"), trainable.Shape()).SetTrainable(false)
	m2 = stateCtx.VariableWithShape(slotName(trainable, "2nd_moment"), trainable.Shape()).SetTrainable(false)
	return
}

// UpdateGraph implements Optimizer.
func (o *adam) UpdateGraph(ctx *context.Context, g *Graph, params []*context.Variable, grads []*Node, learningRate *Node) {
	checkUpdateArgs(o.config.name, params, grads, learningRate)
	step := incrementStepGraph(ctx, g, o.stateScope, learningRate)

	// Debias terms: 1/(1-beta^step).
	beta1 := Scalar(g, learningRate.DType(), o.config.beta1)
	beta2 := Scalar(g, learningRate.DType(), o.config.beta2)
	debiasTermBeta1 := Reciprocal(OneMinus(Pow(beta1, step)))
	debiasTermBeta2 := Reciprocal(OneMinus(Pow(beta2, step)))

	for ii, v := range params {
		m1Var, m2Var := o.momentVariables(ctx, v)
		value := v.ValueGraph(g)
		dtype := value.DType()
		grad := grads[ii]
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}

		moment1 := Add(
			MulScalar(m1Var.ValueGraph(g), o.config.beta1),
			MulScalar(grad, 1-o.config.beta1))
		m1Var.SetValueGraph(moment1)
		moment2 := Add(
			MulScalar(m2Var.ValueGraph(g), o.config.beta2),
			MulScalar(Square(grad), 1-o.config.beta2))
		m2Var.SetValueGraph(moment2)

		debiasedMoment1 := Mul(moment1, ConvertDType(debiasTermBeta1, dtype))
		debiasedMoment2 := Mul(moment2, ConvertDType(debiasTermBeta2, dtype))
		denominator := AddScalar(Sqrt(debiasedMoment2), o.config.epsilon)
		lr := learningRate
		if lr.DType() != dtype {
			lr = ConvertDType(lr, dtype)
		}
		stepDirection := Div(Mul(lr, debiasedMoment1), denominator)
		v.SetValueGraph(Sub(value, stepDirection))
	}
}
