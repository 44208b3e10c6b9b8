// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearningRate(t *testing.T) {
	// No warmup: exponential decay from epoch 0.
	assert.InDelta(t, 1.0, LearningRate(1.0, 0, 0.5, -1), 1e-12)
	assert.InDelta(t, 0.25, LearningRate(1.0, 2, 0.5, -1), 1e-12)

	// Warmup over 4 epochs: linear ramp, then decay starting from base.
	// The ramp starts at base/warmupEpoch, so the first epoch already trains.
	assert.InDelta(t, 0.25, LearningRate(1.0, 0, 0.5, 4), 1e-12)
	assert.InDelta(t, 1.0, LearningRate(1.0, 0, 0.5, 1), 1e-12)
	assert.InDelta(t, 0.75, LearningRate(1.0, 2, 0.5, 4), 1e-12)
	assert.InDelta(t, 1.0, LearningRate(1.0, 3, 0.5, 4), 1e-12)
	assert.InDelta(t, 1.0, LearningRate(1.0, 4, 0.5, 4), 1e-12)
	assert.InDelta(t, 0.5, LearningRate(1.0, 5, 0.5, 4), 1e-12)

	// Pure function: same inputs, same output.
	assert.Equal(t, LearningRate(2e-4, 7, 0.95, -1), LearningRate(2e-4, 7, 0.95, -1))
	assert.InDelta(t, 2e-4*math.Pow(0.95, 7), LearningRate(2e-4, 7, 0.95, -1), 1e-15)
}

func TestScopeVariables(t *testing.T) {
	ctx := context.New()
	a := ctx.In("model").In("layer1").VariableWithValue("w", []float32{1, 2})
	b := ctx.In("model").VariableWithValue("b", float32(0))
	_ = ctx.In("model_other").VariableWithValue("w", float32(0))
	_ = ctx.In("model").VariableWithValue("frozen", float32(0)).SetTrainable(false)

	vars := ScopeVariables(ctx, "/model")
	require.Len(t, vars, 2)
	assert.Equal(t, b, vars[0])
	assert.Equal(t, a, vars[1])
}

// quadraticStep builds a graph that minimizes sum((p - target)^2) for the variables under "/p".
func quadraticStep(opt Optimizer) func(ctx *context.Context, inputs []*Node) []*Node {
	return func(ctx *context.Context, inputs []*Node) []*Node {
		target, lr := inputs[0], inputs[1]
		g := target.Graph()
		params := ScopeVariables(ctx, "/p")
		p := params[0].ValueGraph(g)
		loss := ReduceAllSum(Square(Sub(p, target)))
		grads := Gradients(loss, params)
		opt.UpdateGraph(ctx, g, params, grads, lr)
		return []*Node{loss}
	}
}

func TestSGD(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	pVar := ctx.In("p").VariableWithValue("x", []float32{1, -1})
	opt := SGD("model").Momentum(0.5).WeightDecay(0.1).Done()
	opt.CreateState(ctx, ScopeVariables(ctx, "/p"))
	require.Equal(t, "/optimizers/model", opt.StateScope())

	exec, err := context.NewExec(backend, ctx, quadraticStep(opt))
	require.NoError(t, err)
	target := []float32{0, 0}
	lr := float32(0.1)

	// Step 1: grad = 2p + 0.1p = 2.1p; buf = 2.1p; p = p - 0.1*2.1p = 0.79p
	_, err = exec.Exec(target, lr)
	require.NoError(t, err)
	got := tensors.MustCopyFlatData[float32](pVar.MustValue())
	assert.InDeltaSlice(t, []float32{0.79, -0.79}, got, 1e-5)

	// Step 2: d = 2.1*0.79 = 1.659; buf = 0.5*2.1 + 1.659 = 2.709; p = 0.79 - 0.2709 = 0.5191
	_, err = exec.Exec(target, lr)
	require.NoError(t, err)
	got = tensors.MustCopyFlatData[float32](pVar.MustValue())
	assert.InDeltaSlice(t, []float32{0.5191, -0.5191}, got, 1e-5)

	stepVar := ctx.InAbsPath("/optimizers/model").GetVariableByScopeAndName("/optimizers/model", StepVariableName)
	require.NotNil(t, stepVar)
	assert.Equal(t, int64(2), tensors.ToScalar[int64](stepVar.MustValue()))

	momentum := ctx.GetVariableByScopeAndName("/optimizers/model/p", "x_momentum")
	require.NotNil(t, momentum)
	assert.InDeltaSlice(t, []float32{2.709, -2.709}, tensors.MustCopyFlatData[float32](momentum.MustValue()), 1e-4)
}

func TestAdam(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	pVar := ctx.In("p").VariableWithValue("x", []float32{1, -1})
	opt := Adam("d_main").Betas(0.9, 0.99).Done()
	opt.CreateState(ctx, ScopeVariables(ctx, "/p"))

	exec, err := context.NewExec(backend, ctx, quadraticStep(opt))
	require.NoError(t, err)

	// The first Adam step moves each coordinate by ~lr in the direction opposite to the gradient.
	_, err = exec.Exec([]float32{0, 0}, float32(0.01))
	require.NoError(t, err)
	got := tensors.MustCopyFlatData[float32](pVar.MustValue())
	assert.InDeltaSlice(t, []float32{0.99, -0.99}, got, 1e-5)

	m1 := ctx.GetVariableByScopeAndName("/optimizers/d_main/p", "x_1st_moment")
	m2 := ctx.GetVariableByScopeAndName("/optimizers/d_main/p", "x_2nd_moment")
	require.NotNil(t, m1)
	require.NotNil(t, m2)
	// grad = 2p = [2, -2]: m1 = 0.1*grad, m2 = 0.01*grad^2
	assert.InDeltaSlice(t, []float32{0.2, -0.2}, tensors.MustCopyFlatData[float32](m1.MustValue()), 1e-5)
	assert.InDeltaSlice(t, []float32{0.04, 0.04}, tensors.MustCopyFlatData[float32](m2.MustValue()), 1e-5)
	assert.Len(t, StateVariables(ctx, opt.StateScope()), 3)
}

func TestIsolation(t *testing.T) {
	// An optimizer bound to "/p" never touches variables of other scopes, even when they are
	// used to compute the loss.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	pVar := ctx.In("p").VariableWithValue("x", []float32{1})
	qVar := ctx.In("q").VariableWithValue("x", []float32{3})
	opt := SGD("p").Done()
	opt.CreateState(ctx, ScopeVariables(ctx, "/p"))

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, lr *Node) *Node {
		g := lr.Graph()
		params := ScopeVariables(ctx, "/p")
		loss := ReduceAllSum(Mul(pVar.ValueGraph(g), qVar.ValueGraph(g)))
		opt.UpdateGraph(ctx, g, params, Gradients(loss, params), lr)
		return loss
	})
	require.NoError(t, err)
	_, err = exec.Exec(float32(0.1))
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, tensors.MustCopyFlatData[float32](qVar.MustValue()))
	assert.InDeltaSlice(t, []float32{0.7}, tensors.MustCopyFlatData[float32](pVar.MustValue()), 1e-6)
}
