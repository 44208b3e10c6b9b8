// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// One image of 2x2 pixels, 2 classes.
	// Labels:      [[1, 0], [1, 1]]
	// Predictions: [[1, 1], [0, 1]]
	labels := [][][][]int32{{{{1}, {0}}, {{1}, {1}}}}
	logits := [][][][]float32{{
		{{0, 1}, {-1, 2}},
		{{3, 0}, {0.5, 0.7}},
	}}
	counts, err := ExecOnce(backend, ConfusionGraph, labels, logits)
	require.NoError(t, err)
	assert.Equal(t, []int{NumRows, 2}, counts.Shape().Dimensions)
	assert.Equal(t, []int64{
		0, 2, // Intersection: class 0 none, class 1 at (0,0) and (1,1).
		1, 3, // Predicted.
		1, 3, // Actual.
	}, tensors.MustCopyFlatData[int64](counts))

	acc := NewAccumulator(2)
	require.NoError(t, acc.Add(counts))
	r := acc.Result()
	assert.InDelta(t, 0.0, r.Dice[0], 1e-9)
	assert.InDelta(t, 2.0*2/6, r.Dice[1], 1e-9)
	assert.InDelta(t, 0.0, r.IoU[0], 1e-9)
	assert.InDelta(t, 2.0/4, r.IoU[1], 1e-9)
	assert.EqualValues(t, 4, r.NumPixels)

	// Wrong shape or dtype.
	require.Error(t, NewAccumulator(3).Add(counts))
	require.Error(t, NewAccumulator(2).Add(tensors.FromValue([][]float32{{0, 2}, {1, 3}, {1, 3}})))
}

// TestLargeCounts checks counts stay exact past 2^24 pixels, where float32 sums can no longer add 1.
func TestLargeCounts(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	counts, err := ExecOnce(backend, func(g *Graph) *Node {
		labels := Ones(g, shapes.Make(dtypes.Int32, 2, 16, 16, 1))
		logits := Concatenate([]*Node{
			Zeros(g, shapes.Make(dtypes.Float32, 2, 16, 16, 1)),
			Ones(g, shapes.Make(dtypes.Float32, 2, 16, 16, 1)),
		}, -1)
		return ConfusionGraph(labels, logits)
	})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, counts.DType())
	assert.Equal(t, []int64{0, 512, 0, 512, 0, 512}, tensors.MustCopyFlatData[int64](counts))

	const large = int64(1)<<24 + 1
	acc := NewAccumulator(2)
	require.NoError(t, acc.Add(counts))
	acc.AddCounts([]int64{0, large}, []int64{1, large}, []int64{0, large})
	acc.AddCounts([]int64{0, 1}, []int64{0, 1}, []int64{0, 1})
	r := acc.Result()
	assert.Equal(t, 512+large+1, r.NumPixels)
	assert.Equal(t, 0.0, r.Dice[0])
	assert.Equal(t, 1.0, r.Dice[1])
	assert.Equal(t, 1.0, r.IoU[1])
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator(2)

	// Nothing accumulated: all classes are absent, and score perfectly.
	r := acc.Result()
	assert.Equal(t, []float64{1, 1}, r.Dice)
	assert.Equal(t, 1.0, r.MeanIoU)

	// Counts are summed over batches before computing ratios.
	acc.AddCounts([]int64{10, 0}, []int64{10, 5}, []int64{20, 0})
	acc.AddCounts([]int64{10, 5}, []int64{10, 5}, []int64{10, 15})
	r = acc.Result()
	assert.InDelta(t, 2.0*20/(20+30), r.Dice[0], 1e-9)
	assert.InDelta(t, 20.0/30, r.IoU[0], 1e-9)
	assert.InDelta(t, 2.0*5/(10+15), r.Dice[1], 1e-9)
	assert.InDelta(t, 5.0/20, r.IoU[1], 1e-9)
	assert.InDelta(t, (r.Dice[0]+r.Dice[1])/2, r.MeanDice, 1e-9)
	assert.Contains(t, r.String(), "mean Dice=")

	acc.Reset()
	assert.Equal(t, []float64{1, 1}, acc.Result().Dice)
}
