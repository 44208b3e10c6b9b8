// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	stdcontext "context"
	"io"
	"time"

	"github.com/gomlx/advseg/internal/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Train runs the training epochs, starting at from, until the last epoch of the configuration
// (StopEpoch, or MaxEpoch if not set) is completed. It returns the final cursor.
//
// Each epoch goes over the whole source provider once, pairing each source batch with the next
// target batch (the target provider is cycled). At the end of each epoch:
//
//   - if the epoch is a multiple of IntervalValidate and there is a validation provider, the model
//     is validated, and the checkpoint "best" is written if the mean Dice improved;
//   - a checkpoint is written, labeled with the epoch and the iteration of its last step.
//
// If from is already at or beyond the last epoch, no step is taken.
//
// Cancelling ctx interrupts training between steps: the current epoch is abandoned without a
// checkpoint, and the cursor reached is returned with ctx.Err().
func (t *Trainer) Train(ctx stdcontext.Context, from Cursor) (Cursor, error) {
	if from.Before(t.cursor) {
		klog.Warningf("training from %s, before the current cursor %s", from, t.cursor)
	}
	t.cursor = from
	for hook := range t.onStart.All() {
		if err := hook.fn(t, from); err != nil {
			return t.cursor, errors.WithMessagef(err, "OnStart hook %q", hook.name)
		}
	}

	lastEpoch := t.cfg.LastEpoch()
	if t.cursor.Epoch >= lastEpoch {
		klog.Infof("nothing to train: cursor %s at or after the last epoch %d", t.cursor, lastEpoch)
	}
	for t.cursor.Epoch < lastEpoch {
		summary, err := t.trainEpoch(ctx)
		if err != nil {
			return t.cursor, err
		}
		for hook := range t.onEpochEnd.All() {
			if err := hook.fn(t, summary); err != nil {
				return t.cursor, errors.WithMessagef(err, "OnEpochEnd hook %q", hook.name)
			}
		}
	}

	for hook := range t.onEnd.All() {
		if err := hook.fn(t, t.cursor); err != nil {
			return t.cursor, errors.WithMessagef(err, "OnEnd hook %q", hook.name)
		}
	}
	return t.cursor, nil
}

// trainEpoch runs the steps of the current epoch, then its validation and checkpoint, and moves
// the cursor to the next epoch.
func (t *Trainer) trainEpoch(ctx stdcontext.Context) (EpochSummary, error) {
	start := time.Now()
	epoch := t.cursor.Epoch
	summary := EpochSummary{Epoch: epoch}
	source := t.providers.Source
	source.Reset()
	for {
		if err := ctx.Err(); err != nil {
			klog.Infof("training interrupted at %s: %v", t.cursor, err)
			return summary, err
		}
		srcBatch, err := data.Next(source)
		if err == io.EOF {
			break
		}
		if err != nil {
			return summary, errors.WithMessagef(err, "epoch %d, source batch #%d", epoch, summary.Steps)
		}
		trgBatch, err := data.Next(t.target)
		if err != nil {
			return summary, errors.WithMessagef(err, "epoch %d, target batch", epoch)
		}

		step, err := t.Step(srcBatch, trgBatch)
		if err != nil {
			return summary, err
		}
		summary.Steps++
		accumulateMean(&summary.Mean, step, summary.Steps)
		for hook := range t.onStep.All() {
			if err := hook.fn(t, step); err != nil {
				return summary, errors.WithMessagef(err, "OnStep hook %q", hook.name)
			}
		}
	}
	if summary.Steps == 0 {
		return summary, errors.Errorf("epoch %d: source provider %q yielded no batches", epoch, source.Name())
	}
	t.stepsPerEpoch = summary.Steps

	if t.providers.Validation != nil && epoch%t.cfg.IntervalValidate == 0 {
		result, err := t.Validate()
		if err != nil {
			return summary, errors.WithMessagef(err, "epoch %d", epoch)
		}
		summary.Validation = &result
		if !t.validated || result.MeanDice > t.bestMeanDice {
			t.bestMeanDice, t.validated = result.MeanDice, true
			summary.Improved = true
			if _, err = t.saveBest(t.lastStepCursor()); err != nil {
				return summary, errors.WithMessagef(err, "epoch %d", epoch)
			}
		}
		klog.Infof("epoch %d validation: %s (best mean Dice %.4f)", epoch, result, t.bestMeanDice)
	}

	path, err := t.SaveCheckpoint()
	if err != nil {
		return summary, errors.WithMessagef(err, "epoch %d", epoch)
	}
	summary.Checkpoint = path
	t.cursor = t.cursor.nextEpoch()
	summary.Cursor = t.cursor
	summary.Duration = time.Since(start)
	klog.V(1).Infof("epoch %d done in %s: %d steps, mean %s, checkpoint %q",
		epoch, summary.Duration, summary.Steps, summary.Mean, path)
	return summary, nil
}

// accumulateMean updates the running mean of the losses with the n-th step.
func accumulateMean(mean *StepMetrics, step StepMetrics, n int) {
	means, values := mean.values(), step.values()
	for ii, v := range values {
		*means[ii] += (*v - *means[ii]) / float64(n)
	}
	mean.Cursor = step.Cursor
	mean.LR = step.LR
	mean.Duration += step.Duration
}
