// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements the optimizers of the adversarial trainer.
//
// Unlike the generic GoMLX optimizers, which update every trainable variable used in a graph,
// each optimizer here is bound to an explicit list of variables (typically all trainable
// variables under one scope). This is what keeps the updates of the segmentation model and of
// the two discriminators isolated from each other, even when a graph reads variables of more
// than one of them.
//
// Optimizer state (momentum buffers, Adam moments and step counters) is stored in the context
// under "/optimizers/<name>", mirroring the scope of the variable it belongs to.
package optim

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Scope is the root scope under which optimizers store their state.
const Scope = "optimizers"

// StepVariableName is the name of the per-optimizer step counter (an int64 scalar).
const StepVariableName = "step"

// Optimizer updates a fixed set of variables given their gradients.
type Optimizer interface {
	// Name of the optimizer instance, used as its state sub-scope, e.g. "model" or "d_aux".
	Name() string

	// StateScope returns the absolute scope where the optimizer state is stored.
	StateScope() string

	// CreateState creates (if not there yet) all state variables needed to update params.
	// It can be called during graph building or outside of it.
	CreateState(ctx *context.Context, params []*context.Variable)

	// UpdateGraph builds the update of params, given grads (one per param, same order) and
	// a scalar learningRate.
	UpdateGraph(ctx *context.Context, g *Graph, params []*context.Variable, grads []*Node, learningRate *Node)
}

// StateScopeFor returns the absolute state scope of the optimizer with the given name.
func StateScopeFor(name string) string {
	return context.ScopeSeparator + Scope + context.ScopeSeparator + name
}

// ScopeVariables returns the trainable variables whose scope is scope or is nested in it,
// sorted by their parameter name so the order is stable across runs.
//
// The scope is an absolute path, e.g. "/segmentation".
func ScopeVariables(ctx *context.Context, scope string) []*context.Variable {
	scope = strings.TrimSuffix(scope, context.ScopeSeparator)
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		vScope := v.Scope()
		if vScope == scope || strings.HasPrefix(vScope, scope+context.ScopeSeparator) {
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ParameterName(), b.ParameterName())
	})
	return vars
}

// StateVariables returns all variables stored under the given optimizer state scope,
// sorted by their parameter name.
func StateVariables(ctx *context.Context, stateScope string) []*context.Variable {
	stateScope = strings.TrimSuffix(stateScope, context.ScopeSeparator)
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		vScope := v.Scope()
		if vScope == stateScope || strings.HasPrefix(vScope, stateScope+context.ScopeSeparator) {
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ParameterName(), b.ParameterName())
	})
	return vars
}

// Gradients returns the gradient of loss with respect to each of params, in the same order.
// Variables not used in the computation of loss get a zero gradient.
func Gradients(loss *Node, params []*context.Variable) []*Node {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	if len(params) == 0 {
		exceptions.Panicf("no variables to compute gradients for")
	}
	g := loss.Graph()
	nodes := make([]*Node, len(params))
	for ii, v := range params {
		nodes[ii] = v.ValueGraph(g)
	}
	return Gradient(loss, nodes...)
}

// stateContext returns the context to create the state variable paired to trainable.
func stateContext(ctx *context.Context, stateScope string, trainable *context.Variable) *context.Context {
	return ctx.Checked(false).InAbsPath(stateScope + trainable.Scope())
}

// stepVariable returns the step counter of the optimizer, creating it if needed.
func stepVariable(ctx *context.Context, stateScope string) *context.Variable {
	return ctx.Checked(false).InAbsPath(stateScope).
		VariableWithValue(StepVariableName, int64(0)).
		SetTrainable(false)
}

// incrementStepGraph increments the step counter and returns its new value converted to dtype.
// Its first returned value is 1.
func incrementStepGraph(ctx *context.Context, g *Graph, stateScope string, like *Node) *Node {
	stepVar := stepVariable(ctx, stateScope)
	step := stepVar.ValueGraph(g)
	step = Add(step, OnesLike(step))
	stepVar.SetValueGraph(step)
	return ConvertDType(step, like.DType())
}

func checkUpdateArgs(name string, params []*context.Variable, grads []*Node, learningRate *Node) {
	if len(params) != len(grads) {
		exceptions.Panicf("optimizer %q got %d variables but %d gradients", name, len(params), len(grads))
	}
	if !learningRate.Shape().IsScalar() {
		exceptions.Panicf("optimizer %q requires a scalar learning rate, got %s", name, learningRate.Shape())
	}
}

// LearningRate returns the learning rate for the given (0-based) epoch.
//
// With warmupEpoch > 0, the first warmupEpoch epochs ramp linearly from base/warmupEpoch up to base,
// and afterwards it decays exponentially: base * decayRate^(epoch-warmupEpoch).
// warmupEpoch <= 0 (conventionally -1) disables warmup, and the decay starts at epoch 0.
func LearningRate(base float64, epoch int, decayRate float64, warmupEpoch int) float64 {
	if epoch < 0 {
		epoch = 0
	}
	if warmupEpoch > 0 {
		if epoch < warmupEpoch {
			return base * float64(epoch+1) / float64(warmupEpoch)
		}
		epoch -= warmupEpoch
	}
	return base * math.Pow(decayRate, float64(epoch))
}

// slotName returns the name of a state variable paired with the trainable variable v.
func slotName(v *context.Variable, suffix string) string {
	return fmt.Sprintf("%s_%s", v.Name(), suffix)
}
