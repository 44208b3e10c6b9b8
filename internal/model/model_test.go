// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamChannels:     4,
		ParamDiscChannels: 4,
	})
	return ctx
}

func TestSegmentAndDiscriminate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		aux, main := Segment(ctx.In(SegmentationScope), images)
		dAux := Discriminate(ctx.In(DiscriminatorAuxScope), Probabilities(aux))
		dMain := Discriminate(ctx.In(DiscriminatorMainScope), Probabilities(main))
		return []*Node{aux, main, dAux, dMain, ReduceSum(Probabilities(main), -1)}
	})
	require.NoError(t, err)
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 32, 32, 3))
	outputs, err := exec.Exec(images)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 32, 32, 2}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 32, 32, 2}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 1, 1, 1}, outputs[2].Shape().Dimensions)
	assert.Equal(t, []int{2, 1, 1, 1}, outputs[3].Shape().Dimensions)
	for _, sum := range tensors.MustCopyFlatData[float32](outputs[4]) {
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	// Each module has its own variables, and the auxiliary classifier lives in "layer5".
	var numSeg, numAux, numMain int
	var hasLayer5 bool
	for v := range ctx.IterVariables() {
		switch {
		case strings.HasPrefix(v.Scope(), "/"+SegmentationScope+"/"):
			numSeg++
			if strings.HasPrefix(v.Scope(), "/"+SegmentationScope+"/layer5/") {
				hasLayer5 = true
			}
		case strings.HasPrefix(v.Scope(), "/"+DiscriminatorAuxScope+"/"):
			numAux++
		case strings.HasPrefix(v.Scope(), "/"+DiscriminatorMainScope+"/"):
			numMain++
		}
	}
	assert.Greater(t, numSeg, 0)
	assert.True(t, hasLayer5)
	assert.Equal(t, 10, numAux) // 5 convolutions with weights and biases.
	assert.Equal(t, numAux, numMain)
}

func TestNormalizationParam(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	ctx.SetParam(ParamNormalization, "layer")
	_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		aux, main := Segment(ctx.In(SegmentationScope), images)
		return []*Node{aux, main}
	}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 16, 16, 3)))
	require.NoError(t, err)

	ctx = smallContext()
	ctx.SetParam(ParamNormalization, "bogus")
	_, err = context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		aux, main := Segment(ctx.In(SegmentationScope), images)
		return []*Node{aux, main}
	}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 16, 16, 3)))
	require.Error(t, err)
}
