// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/advseg/internal/data"
	"github.com/gomlx/advseg/internal/model"
	"github.com/gomlx/advseg/internal/optim"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// StepMetrics are the losses of one training step, before their weighting.
type StepMetrics struct {
	// Cursor of the step: the step taken was at Cursor.Iteration.
	Cursor Cursor

	// LR is the model learning rate used.
	LR float64

	// SegAux and SegMain are the source segmentation cross-entropies.
	SegAux, SegMain float64

	// AdvAux and AdvMain are the adversarial losses of the model on the target batch.
	AdvAux, AdvMain float64

	// DiscAux and DiscMain are the discriminator losses.
	DiscAux, DiscMain float64

	Duration time.Duration
}

// String implements fmt.Stringer.
func (m StepMetrics) String() string {
	return fmt.Sprintf("seg=(%.4f, %.4f) adv=(%.4f, %.4f) disc=(%.4f, %.4f)",
		m.SegAux, m.SegMain, m.AdvAux, m.AdvMain, m.DiscAux, m.DiscMain)
}

// values returns pointers to the loss fields, in a fixed order.
func (m *StepMetrics) values() []*float64 {
	return []*float64{&m.SegAux, &m.SegMain, &m.AdvAux, &m.AdvMain, &m.DiscAux, &m.DiscMain}
}

// imagesShape returns the shape of a batch of images.
func imagesShape(batchSize, imageSize int) shapes.Shape {
	return shapes.Make(dtypes.Float32, batchSize, imageSize, imageSize, 3)
}

// meanBCE returns the mean binary cross-entropy of the domain logits against a constant label.
func meanBCE(logits *Node, label float64) *Node {
	labels := AddScalar(ZerosLike(logits), label)
	return ReduceAllMean(losses.BinaryCrossentropyLogits([]*Node{labels}, []*Node{logits}))
}

// meanCE returns the mean per-pixel cross-entropy of the segmentation logits.
func meanCE(labels, logits *Node) *Node {
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
}

// generatorGraph builds the segmentation model update.
//
// Inputs: source images, source labels, target images and the model learning rate (scalar).
// Outputs: the source aux and main logits, the target aux and main logits, and the losses
// SegAux, SegMain, AdvAux and AdvMain.
//
// Only the segmentation model variables (and its optimizer state) are updated: the
// discriminators are only read.
func (t *Trainer) generatorGraph(ctx *context.Context, inputs []*Node) []*Node {
	srcImages, srcLabels, trgImages, lr := inputs[0], inputs[1], inputs[2], inputs[3]
	g := srcImages.Graph()
	ctx.SetTraining(g, true)
	w := t.cfg.LossWeights

	segCtx := ctx.In(model.SegmentationScope)
	srcAux, srcMain := model.Segment(segCtx, srcImages)
	segAux, segMain := meanCE(srcLabels, srcAux), meanCE(srcLabels, srcMain)

	// The adversarial loss asks the discriminators to take target predictions for source ones.
	trgAux, trgMain := model.Segment(segCtx, trgImages)
	advAux := meanBCE(model.Discriminate(ctx.In(model.DiscriminatorAuxScope), model.Probabilities(trgAux)), t.cfg.SourceLabel)
	advMain := meanBCE(model.Discriminate(ctx.In(model.DiscriminatorMainScope), model.Probabilities(trgMain)), t.cfg.SourceLabel)

	loss := Add(
		Add(MulScalar(segAux, w.SegAux), MulScalar(segMain, w.SegMain)),
		Add(MulScalar(advAux, w.AdvAux), MulScalar(advMain, w.AdvMain)))
	grads := optim.Gradients(loss, t.modelVars)
	t.modelOpt.UpdateGraph(ctx, g, t.modelVars, grads, lr)
	return []*Node{srcAux, srcMain, trgAux, trgMain, segAux, segMain, advAux, advMain}
}

// discriminatorGraph builds the update of both discriminators.
//
// Inputs: the source aux and main logits, the target aux and main logits, and the discriminators
// learning rate (scalar). The logits are inputs, so no gradient can reach the model.
// Outputs: the losses DiscAux and DiscMain.
func (t *Trainer) discriminatorGraph(ctx *context.Context, inputs []*Node) []*Node {
	srcAux, srcMain, trgAux, trgMain, lr := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	g := lr.Graph()
	ctx.SetTraining(g, true)
	w := t.cfg.LossWeights

	discLoss := func(scope string, src, trg *Node) *Node {
		discCtx := ctx.In(scope)
		lossSrc := meanBCE(model.Discriminate(discCtx, model.Probabilities(src)), t.cfg.SourceLabel)
		lossTrg := meanBCE(model.Discriminate(discCtx, model.Probabilities(trg)), t.cfg.TargetLabel)
		return DivScalar(Add(lossSrc, lossTrg), 2)
	}
	discAux := discLoss(model.DiscriminatorAuxScope, srcAux, trgAux)
	discMain := discLoss(model.DiscriminatorMainScope, srcMain, trgMain)

	lossAux := MulScalar(discAux, w.DiscAux)
	t.discAuxOpt.UpdateGraph(ctx, g, t.discAuxVars, optim.Gradients(lossAux, t.discAuxVars), lr)
	lossMain := MulScalar(discMain, w.DiscMain)
	t.discMainOpt.UpdateGraph(ctx, g, t.discMainVars, optim.Gradients(lossMain, t.discMainVars), lr)
	return []*Node{discAux, discMain}
}

// Step runs one training step on a source batch (with labels) and a target batch (labels, if
// present, are not used): the model update followed by the discriminators update. It advances
// the cursor by one iteration.
//
// The learning rate of the model follows the epoch of the current cursor.
func (t *Trainer) Step(source, target data.Batch) (StepMetrics, error) {
	if source.Labels == nil {
		return StepMetrics{}, errors.New("source batch without labels")
	}
	start := time.Now()
	m := StepMetrics{Cursor: t.cursor, LR: t.LearningRate(t.cursor.Epoch)}

	var genOutputs, discOutputs []*tensors.Tensor
	defer func() {
		for _, tensor := range append(genOutputs, discOutputs...) {
			if tensor != nil && tensor.Ok() {
				tensor.MustFinalizeAll()
			}
		}
	}()
	err := exceptions.TryCatch[error](func() {
		var err error
		genOutputs, err = t.generatorExec.Exec(source.Images, source.Labels, target.Images, float32(m.LR))
		if err != nil {
			panic(err)
		}
		maps, genLosses := genOutputs[:4], genOutputs[4:]
		m.SegAux, m.SegMain = scalar(genLosses[0]), scalar(genLosses[1])
		m.AdvAux, m.AdvMain = scalar(genLosses[2]), scalar(genLosses[3])

		discOutputs, err = t.discriminatorExec.Exec(maps[0], maps[1], maps[2], maps[3], float32(t.cfg.LRDiscriminator))
		if err != nil {
			panic(err)
		}
		m.DiscAux, m.DiscMain = scalar(discOutputs[0]), scalar(discOutputs[1])
	})
	if err != nil {
		return m, errors.WithMessagef(err, "training step at %s", t.cursor)
	}
	t.cursor = t.cursor.nextStep()
	m.Duration = time.Since(start)
	for _, v := range m.values() {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return m, errors.Errorf("training step at %s: loss is not finite (%s), training interrupted", m.Cursor, m)
		}
	}
	return m, nil
}

// scalar returns the value of a Float32 scalar tensor.
func scalar(t *tensors.Tensor) float64 {
	return float64(tensors.MustCopyFlatData[float32](t)[0])
}
