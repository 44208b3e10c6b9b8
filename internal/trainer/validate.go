// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"io"

	"github.com/gomlx/advseg/internal/data"
	"github.com/gomlx/advseg/internal/metrics"
	"github.com/gomlx/advseg/internal/model"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// evalGraph runs the segmentation model in inference mode, and returns the confusion counts of
// its main output, see metrics.ConfusionGraph. It writes no variable.
func evalGraph(ctx *context.Context, images, labels *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	_, main := model.Segment(ctx.In(model.SegmentationScope), images)
	return metrics.ConfusionGraph(labels, main)
}

// Validate runs the model over the whole validation provider and returns the Dice and IoU
// scores. It doesn't change any variable, nor the cursor.
//
// It returns an error if there is no validation provider, or if it yields no batch.
func (t *Trainer) Validate() (metrics.Result, error) {
	ds := t.providers.Validation
	if ds == nil {
		return metrics.Result{}, errors.New("no validation provider configured")
	}
	ds.Reset()
	acc := metrics.NewAccumulator(t.cfg.NumClasses)
	var numBatches int
	for {
		batch, err := data.Next(ds)
		if err == io.EOF {
			break
		}
		if err != nil {
			return metrics.Result{}, errors.WithMessage(err, "validation")
		}
		if batch.Labels == nil {
			return metrics.Result{}, errors.Errorf("validation provider %q yielded a batch without labels", ds.Name())
		}
		err = exceptions.TryCatch[error](func() {
			counts, err := t.evalExec.Exec1(batch.Images, batch.Labels)
			if err != nil {
				panic(err)
			}
			defer counts.MustFinalizeAll()
			if err = acc.Add(counts); err != nil {
				panic(err)
			}
		})
		if err != nil {
			return metrics.Result{}, errors.WithMessagef(err, "validation batch #%d", numBatches)
		}
		numBatches++
	}
	if numBatches == 0 {
		return metrics.Result{}, errors.Errorf("validation provider %q yielded no batches", ds.Name())
	}
	result := acc.Result()
	klog.V(1).Infof("validation at %s: %d batches, %s", t.cursor, numBatches, result)
	return result, nil
}
