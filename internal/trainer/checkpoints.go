// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"time"

	"github.com/gomlx/advseg/internal/checkpoint"
	"github.com/gomlx/advseg/internal/model"
	"github.com/gomlx/advseg/internal/optim"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Groups of variables stored in a checkpoint.

func (t *Trainer) modelState() []*context.Variable {
	return variablesIn(t.ctx, absScope(model.SegmentationScope))
}

func (t *Trainer) modelOptimizerState() []*context.Variable {
	return variablesIn(t.ctx, t.modelOpt.StateScope())
}

func (t *Trainer) discriminatorsState() []*context.Variable {
	return append(variablesIn(t.ctx, absScope(model.DiscriminatorAuxScope)),
		variablesIn(t.ctx, absScope(model.DiscriminatorMainScope))...)
}

func (t *Trainer) discriminatorOptimizersState() []*context.Variable {
	return append(variablesIn(t.ctx, t.discAuxOpt.StateScope()), variablesIn(t.ctx, t.discMainOpt.StateScope())...)
}

// record returns a checkpoint record of the current state, labeled with the given cursor.
// The tensors are the variables' own, so it must be saved before the variables change.
func (t *Trainer) record(at Cursor) (*checkpoint.Record, error) {
	rec := &checkpoint.Record{
		Epoch:     at.Epoch,
		Iteration: at.Iteration,
		Metadata: checkpoint.Metadata{
			RunID:        t.runID,
			WallTime:     time.Now(),
			BestMeanDice: t.bestMeanDice,
			Validated:    t.validated,
		},
	}
	var err error
	if rec.Model, err = checkpoint.Collect(t.modelState()); err != nil {
		return nil, err
	}
	if rec.ModelOptimizer, err = checkpoint.Collect(t.modelOptimizerState()); err != nil {
		return nil, err
	}
	if rec.Discriminators, err = checkpoint.Collect(t.discriminatorsState()); err != nil {
		return nil, err
	}
	if rec.DiscriminatorOptimizers, err = checkpoint.Collect(t.discriminatorOptimizersState()); err != nil {
		return nil, err
	}
	return rec, nil
}

// lastStepCursor returns the cursor of the last completed step, as recorded in checkpoints.
func (t *Trainer) lastStepCursor() Cursor {
	return Cursor{Epoch: t.cursor.Epoch, Iteration: t.cursor.Iteration - 1}
}

// SaveCheckpoint writes a new numbered checkpoint of the current state, labeled with the epoch
// of the cursor and the iteration of the last completed step. It returns its path.
//
// It fails if no step was taken yet.
func (t *Trainer) SaveCheckpoint() (string, error) {
	if t.cursor.Iteration == 0 {
		return "", errors.New("no training step taken, nothing to checkpoint")
	}
	return t.saveCheckpoint(t.lastStepCursor())
}

func (t *Trainer) saveCheckpoint(at Cursor) (string, error) {
	rec, err := t.record(at)
	if err != nil {
		return "", err
	}
	path, err := t.store.Save(rec)
	if err != nil {
		return "", errors.WithMessagef(err, "saving checkpoint at %s", at)
	}
	return path, nil
}

// saveBest writes the named checkpoint with the best validation score.
func (t *Trainer) saveBest(at Cursor) (string, error) {
	rec, err := t.record(at)
	if err != nil {
		return "", err
	}
	path, err := t.store.SaveAs(BestCheckpointName, rec)
	if err != nil {
		return "", errors.WithMessagef(err, "saving best checkpoint at %s", at)
	}
	return path, nil
}

// Resume restores the state saved in the checkpoint at path, and returns the cursor to continue
// training from: the epoch and the iteration following the ones recorded. The trainer's cursor is
// set to it.
//
//   - Model variables are restored by key: variables missing from the checkpoint keep their
//     current values, and checkpoint values with no matching variable are ignored.
//   - The model optimizer state is restored all or nothing: every slot must be in the checkpoint.
//   - Discriminator variables and optimizer states follow the same rules, if they are present in
//     the checkpoint. Otherwise the discriminators start fresh.
//
// A shape mismatch, or a missing optimizer slot, fails with *checkpoint.StateMismatchError, and
// nothing is changed.
func (t *Trainer) Resume(path string) (Cursor, error) {
	rec, err := checkpoint.Load(path)
	if err != nil {
		return t.cursor, err
	}
	defer rec.Finalize()

	modelVars, modelOptVars := t.modelState(), t.modelOptimizerState()
	discVars, discOptVars := t.discriminatorsState(), t.discriminatorOptimizersState()
	withDiscriminators := len(rec.Discriminators) > 0
	withDiscOptimizers := len(rec.DiscriminatorOptimizers) > 0

	// Check everything before changing anything.
	checks := []error{
		checkpoint.CheckPartial(modelVars, rec.Model),
		checkpoint.CheckAll(modelOptVars, rec.ModelOptimizer),
	}
	if withDiscriminators {
		checks = append(checks, checkpoint.CheckPartial(discVars, rec.Discriminators))
	}
	if withDiscOptimizers {
		checks = append(checks, checkpoint.CheckAll(discOptVars, rec.DiscriminatorOptimizers))
	}
	for _, err := range checks {
		if err != nil {
			return t.cursor, errors.WithMessagef(err, "resuming from %q", path)
		}
	}

	report, err := checkpoint.RestorePartial(modelVars, rec.Model)
	if err != nil {
		return t.cursor, errors.WithMessagef(err, "resuming from %q", path)
	}
	if len(report.Missing) > 0 {
		klog.Warningf("resuming from %q: %d model variables not in checkpoint, e.g. %q",
			path, len(report.Missing), report.Missing[0])
	}
	if err = checkpoint.RestoreAll(modelOptVars, rec.ModelOptimizer); err != nil {
		return t.cursor, errors.WithMessagef(err, "resuming from %q", path)
	}
	if withDiscriminators {
		if _, err = checkpoint.RestorePartial(discVars, rec.Discriminators); err != nil {
			return t.cursor, errors.WithMessagef(err, "resuming from %q", path)
		}
	} else {
		klog.Warningf("resuming from %q: no discriminator state, discriminators start fresh", path)
	}
	if withDiscOptimizers {
		if err = checkpoint.RestoreAll(discOptVars, rec.DiscriminatorOptimizers); err != nil {
			return t.cursor, errors.WithMessagef(err, "resuming from %q", path)
		}
	}

	if rec.Metadata.Validated {
		t.bestMeanDice, t.validated = rec.Metadata.BestMeanDice, true
	}
	t.cursor = Cursor{Epoch: rec.Epoch + 1, Iteration: rec.Iteration + 1}
	klog.Infof("resumed from %q (run %s, %s): continuing at %s", path, rec.Metadata.RunID, rec, t.cursor)
	return t.cursor, nil
}

// optimizerStepCount returns the number of updates applied by an optimizer, as stored in its state.
func optimizerStepCount(ctx *context.Context, opt optim.Optimizer) (int64, error) {
	v := ctx.GetVariableByScopeAndName(opt.StateScope(), optim.StepVariableName)
	if v == nil {
		return 0, errors.Errorf("optimizer %q has no step counter", opt.Name())
	}
	value, err := v.Value()
	if err != nil {
		return 0, err
	}
	return value.Value().(int64), nil
}
