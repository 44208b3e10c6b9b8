// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics accumulates segmentation quality metrics (Dice and IoU per class) over a
// validation pass.
//
// The per-batch counts are computed in the graph by ConfusionGraph, and summed on the host
// by an Accumulator, so metrics are exact over the whole split, and not averages of per-batch
// values.
package metrics

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Rows of the counts returned by ConfusionGraph.
const (
	RowIntersection = iota
	RowPredicted
	RowActual
	NumRows
)

// ConfusionGraph returns per-class counts shaped [NumRows, numClasses] (int64): for each class,
// the number of pixels both predicted and labeled as the class (RowIntersection), predicted
// as the class (RowPredicted) and labeled as the class (RowActual).
//
// labels are integers shaped [batch, height, width, 1] and logits are shaped
// [batch, height, width, numClasses]. The prediction is argmax(logits).
func ConfusionGraph(labels, logits *Node) *Node {
	if !labels.DType().IsInt() {
		exceptions.Panicf("labels dtype (%s) must be an integer", labels.DType())
	}
	if labels.Rank() != logits.Rank() || labels.Shape().Dimensions[labels.Rank()-1] != 1 {
		exceptions.Panicf("labels (%s) must have the same rank as logits (%s) and last dimension 1",
			labels.Shape(), logits.Shape())
	}
	numClasses := logits.Shape().Dimensions[logits.Rank()-1]
	// Integer counts stay exact at any image size, float32 ones stop at 2^24 pixels.
	predicted := OneHot(ArgMax(logits, -1, dtypes.Int32), numClasses, dtypes.Int64)
	actual := OneHot(ConvertDType(Squeeze(labels, -1), dtypes.Int32), numClasses, dtypes.Int64)
	pixelAxes := make([]int, logits.Rank()-1)
	for ii := range pixelAxes {
		pixelAxes[ii] = ii
	}
	return Stack([]*Node{
		ReduceSum(Mul(predicted, actual), pixelAxes...),
		ReduceSum(predicted, pixelAxes...),
		ReduceSum(actual, pixelAxes...),
	}, 0)
}

// Result holds the metrics of a validation pass.
type Result struct {
	Dice, IoU         []float64
	MeanDice, MeanIoU float64

	// NumPixels is the total number of labeled pixels accumulated.
	NumPixels int64
}

// String implements fmt.Stringer.
func (r Result) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "mean Dice=%.4f, mean IoU=%.4f", r.MeanDice, r.MeanIoU)
	for ii := range r.Dice {
		_, _ = fmt.Fprintf(&sb, ", class #%d: Dice=%.4f IoU=%.4f", ii, r.Dice[ii], r.IoU[ii])
	}
	return sb.String()
}

// Accumulator sums the counts returned by ConfusionGraph over many batches.
// The zero value is not usable, create it with NewAccumulator.
type Accumulator struct {
	numClasses int

	intersection, predicted, actual []int64
}

// NewAccumulator returns an empty accumulator for numClasses classes.
func NewAccumulator(numClasses int) *Accumulator {
	return &Accumulator{
		numClasses:   numClasses,
		intersection: make([]int64, numClasses),
		predicted:    make([]int64, numClasses),
		actual:       make([]int64, numClasses),
	}
}

// Add accumulates the counts of one batch, as returned by ConfusionGraph.
func (a *Accumulator) Add(counts *tensors.Tensor) error {
	dims := counts.Shape().Dimensions
	if len(dims) != 2 || dims[0] != NumRows || dims[1] != a.numClasses {
		return errors.Errorf("confusion counts must be shaped [%d, %d], got %s", NumRows, a.numClasses, counts.Shape())
	}
	if counts.DType() != dtypes.Int64 {
		return errors.Errorf("confusion counts must be int64, got %s", counts.DType())
	}
	flat := tensors.MustCopyFlatData[int64](counts)
	a.AddCounts(flat[:a.numClasses], flat[a.numClasses:2*a.numClasses], flat[2*a.numClasses:])
	return nil
}

// AddCounts accumulates counts given as Go slices, each with one value per class.
func (a *Accumulator) AddCounts(intersection, predicted, actual []int64) {
	for ii := range a.numClasses {
		a.intersection[ii] += intersection[ii]
		a.predicted[ii] += predicted[ii]
		a.actual[ii] += actual[ii]
	}
}

// Reset clears the accumulated counts.
func (a *Accumulator) Reset() {
	clear(a.intersection)
	clear(a.predicted)
	clear(a.actual)
}

// Result computes the metrics from the accumulated counts.
//
// A class absent from both the labels and the predictions scores 1 (perfect), since there
// was nothing to get wrong.
func (a *Accumulator) Result() Result {
	r := Result{
		Dice: make([]float64, a.numClasses),
		IoU:  make([]float64, a.numClasses),
	}
	for ii := range a.numClasses {
		r.NumPixels += a.actual[ii]
		inter, pred, act := float64(a.intersection[ii]), float64(a.predicted[ii]), float64(a.actual[ii])
		if pred+act == 0 {
			r.Dice[ii], r.IoU[ii] = 1, 1
		} else {
			r.Dice[ii] = 2 * inter / (pred + act)
			r.IoU[ii] = inter / (pred + act - inter)
		}
		r.MeanDice += r.Dice[ii]
		r.MeanIoU += r.IoU[ii]
	}
	if a.numClasses > 0 {
		r.MeanDice /= float64(a.numClasses)
		r.MeanIoU /= float64(a.numClasses)
	}
	return r
}
