// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements adversarial domain adaptation in the output space: a segmentation
// model learns from a labeled source domain, while two discriminators (one per output level of
// the model) learn to tell its predictions on source images from those on unlabeled target
// images, and the model learns to fool them.
//
// Three optimizers are involved: one for the segmentation model and one for each discriminator.
// Each is bound to the variables of its own scope, and each training step runs two executors:
//
//   - the generator step: segmentation loss on the source batch plus the adversarial loss on the
//     target batch, updating only the segmentation model;
//   - the discriminator step: given the four prediction maps as input tensors (so they carry no
//     gradient back to the model), updates each discriminator.
//
// Trainer.Train drives the epochs: it validates at the configured interval, checkpoints at the
// end of every epoch, and stops at the configured last epoch.
package trainer

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/advseg/internal/checkpoint"
	"github.com/gomlx/advseg/internal/config"
	"github.com/gomlx/advseg/internal/data"
	"github.com/gomlx/advseg/internal/model"
	"github.com/gomlx/advseg/internal/optim"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the optimizers, also their state sub-scope under optim.Scope.
const (
	ModelOptimizerName             = "model"
	DiscriminatorAuxOptimizerName  = "d_aux"
	DiscriminatorMainOptimizerName = "d_main"
)

// CheckpointsSubDir is the sub-directory of the output directory where checkpoints are stored.
const CheckpointsSubDir = "checkpoints"

// BestCheckpointName is the name of the checkpoint with the best validation mean Dice.
const BestCheckpointName = "best"

// materializeImageSize is the side of the dummy images used to create the variables. Variable
// shapes don't depend on it.
const materializeImageSize = 32

// Providers are the data sources of the Trainer.
type Providers struct {
	// Source yields labeled batches. It bounds each epoch: an epoch ends when it returns io.EOF.
	Source train.Dataset

	// Target yields unlabeled batches. It is cycled: it is Reset whenever it is exhausted.
	Target train.Dataset

	// Validation yields labeled batches. If nil, validation is skipped.
	Validation train.Dataset
}

// Trainer of the segmentation model and its discriminators.
//
// It is not safe for concurrent use.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     config.TrainingConfig
	runID   string

	providers Providers
	target    *data.Cycled
	outDir    string
	store     *checkpoint.Store

	devices     config.DeviceList
	accelerated bool

	cursor        Cursor
	bestMeanDice  float64
	validated     bool
	stepsPerEpoch int

	modelOpt, discAuxOpt, discMainOpt    optim.Optimizer
	modelVars, discAuxVars, discMainVars []*context.Variable

	generatorExec, discriminatorExec, evalExec *context.Exec

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// Option configures a Trainer. See New.
type Option func(t *Trainer)

// WithRunID sets the identifier of the run stored in the checkpoints metadata. The default is a
// random UUID.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// New creates a Trainer for the model and discriminators in ctx.
//
// ctx holds the model hyperparameters (see package model) and, eventually, variables already
// created. New creates the missing ones, binds an optimizer to each of the three modules, and
// creates the optimizer states. The configuration cfg must be valid: it is copied, and never
// changes afterwards.
//
// Checkpoints are written to outDir/checkpoints: outDir is created if needed.
//
// The cursor starts at {0, 0}. To continue a previous run, see Trainer.Resume.
func New(backend backends.Backend, ctx *context.Context, cfg *config.TrainingConfig, providers Providers,
	outDir string, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid training configuration")
	}
	if providers.Source == nil || providers.Target == nil {
		return nil, errors.New("trainer requires both a source and a target provider")
	}
	t := &Trainer{
		backend:    backend,
		ctx:        ctx,
		cfg:        *cfg,
		runID:      uuid.NewString(),
		providers:  providers,
		target:     data.Cycle(providers.Target),
		outDir:     outDir,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	for _, opt := range opts {
		opt(t)
	}

	var err error
	t.devices, err = config.ResolveDevices(backend, t.cfg.Devices)
	if err != nil {
		return nil, err
	}
	t.accelerated = config.IsAccelerated(backend)
	if len(t.devices) > 1 {
		klog.Warningf("%d devices selected (%s): training runs on the backend's default device", len(t.devices), t.devices)
	}

	if err = checkWritableDir(outDir); err != nil {
		return nil, err
	}
	t.store, err = checkpoint.Open(filepath.Join(outDir, CheckpointsSubDir), t.cfg.KeepCheckpoints)
	if err != nil {
		return nil, err
	}

	if numClasses, found := ctx.GetParam(model.ParamNumClasses); found && numClasses != t.cfg.NumClasses {
		klog.V(1).Infof("overriding model parameter %q=%v with %d", model.ParamNumClasses, numClasses, t.cfg.NumClasses)
	}
	ctx.SetParam(model.ParamNumClasses, t.cfg.NumClasses)
	if err = t.materialize(); err != nil {
		return nil, err
	}
	if err = t.buildExecs(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("trainer: %d model, %d aux discriminator and %d main discriminator variables, run %s",
		len(t.modelVars), len(t.discAuxVars), len(t.discMainVars), t.runID)
	return t, nil
}

// checkWritableDir creates dir if needed, and checks files can be created in it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, checkpoint.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", dir)
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return errors.Wrapf(err, "output directory %q is not writable", dir)
	}
	_ = f.Close()
	return os.Remove(f.Name())
}

// materialize creates all the variables of the model, the discriminators and their optimizers,
// and initializes the ones without a value.
func (t *Trainer) materialize() error {
	if err := t.ctx.SetRNGStateFromSeed(t.cfg.Seed); err != nil {
		return errors.WithMessage(err, "failed to seed the random number generator")
	}
	dummy := tensors.FromShape(imagesShape(1, materializeImageSize))
	defer dummy.MustFinalizeAll()
	_, err := context.ExecOnceN(t.backend, t.ctx.Checked(false), func(ctx *context.Context, images *Node) []*Node {
		aux, main := model.Segment(ctx.In(model.SegmentationScope), images)
		return []*Node{
			model.Discriminate(ctx.In(model.DiscriminatorAuxScope), model.Probabilities(aux)),
			model.Discriminate(ctx.In(model.DiscriminatorMainScope), model.Probabilities(main)),
		}
	}, dummy)
	if err != nil {
		return errors.WithMessage(err, "failed to create the model variables")
	}

	t.modelVars = optim.ScopeVariables(t.ctx, absScope(model.SegmentationScope))
	t.discAuxVars = optim.ScopeVariables(t.ctx, absScope(model.DiscriminatorAuxScope))
	t.discMainVars = optim.ScopeVariables(t.ctx, absScope(model.DiscriminatorMainScope))
	for _, vars := range [][]*context.Variable{t.modelVars, t.discAuxVars, t.discMainVars} {
		if len(vars) == 0 {
			return errors.New("model or discriminator without trainable variables")
		}
	}

	t.modelOpt = optim.SGD(ModelOptimizerName).Momentum(t.cfg.Momentum).WeightDecay(t.cfg.WeightDecay).Done()
	t.discAuxOpt = optim.Adam(DiscriminatorAuxOptimizerName).
		Betas(t.cfg.AdamBeta1, t.cfg.AdamBeta2).Epsilon(t.cfg.AdamEpsilon).Done()
	t.discMainOpt = optim.Adam(DiscriminatorMainOptimizerName).
		Betas(t.cfg.AdamBeta1, t.cfg.AdamBeta2).Epsilon(t.cfg.AdamEpsilon).Done()
	err = exceptions.TryCatch[error](func() {
		t.modelOpt.CreateState(t.ctx, t.modelVars)
		t.discAuxOpt.CreateState(t.ctx, t.discAuxVars)
		t.discMainOpt.CreateState(t.ctx, t.discMainVars)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to create the optimizers state")
	}
	if err = t.ctx.InitializeVariables(t.backend, nil); err != nil {
		return errors.WithMessage(err, "failed to initialize variables")
	}
	return nil
}

// buildExecs creates the executors of the training steps and of the validation.
// Graphs are built (and compiled) lazily, on first use with each input shape.
func (t *Trainer) buildExecs() error {
	ctx := t.ctx.Reuse()
	var err error
	if t.generatorExec, err = context.NewExec(t.backend, ctx, t.generatorGraph); err != nil {
		return errors.WithMessage(err, "failed to create generator step executor")
	}
	if t.discriminatorExec, err = context.NewExec(t.backend, ctx, t.discriminatorGraph); err != nil {
		return errors.WithMessage(err, "failed to create discriminator step executor")
	}
	if t.evalExec, err = context.NewExec(t.backend, ctx, evalGraph); err != nil {
		return errors.WithMessage(err, "failed to create validation executor")
	}
	return nil
}

// Finalize frees the executors. The Trainer can't be used afterwards.
func (t *Trainer) Finalize() {
	for _, e := range []*context.Exec{t.generatorExec, t.discriminatorExec, t.evalExec} {
		if e != nil {
			e.Finalize()
		}
	}
	t.generatorExec, t.discriminatorExec, t.evalExec = nil, nil, nil
}

// Context returns the context holding the variables being trained.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Config returns a copy of the training configuration.
func (t *Trainer) Config() config.TrainingConfig { return t.cfg }

// Cursor returns the current training position.
func (t *Trainer) Cursor() Cursor { return t.cursor }

// RunID returns the identifier of the run.
func (t *Trainer) RunID() string { return t.runID }

// OutDir returns the output directory of the run.
func (t *Trainer) OutDir() string { return t.outDir }

// Store returns the checkpoint store of the run.
func (t *Trainer) Store() *checkpoint.Store { return t.store }

// Devices returns the devices resolved for training.
func (t *Trainer) Devices() config.DeviceList { return slices.Clone(t.devices) }

// IsAccelerated returns whether the backend runs on an accelerator.
func (t *Trainer) IsAccelerated() bool { return t.accelerated }

// Best returns the best validation mean Dice so far, and whether there was any validation.
func (t *Trainer) Best() (meanDice float64, validated bool) { return t.bestMeanDice, t.validated }

// StepsPerEpoch returns the number of steps of the last completed epoch, or -1 if no epoch
// completed yet.
func (t *Trainer) StepsPerEpoch() int {
	if t.stepsPerEpoch == 0 {
		return -1
	}
	return t.stepsPerEpoch
}

// TargetCycles returns how many times the target provider was restarted.
func (t *Trainer) TargetCycles() int { return t.target.Cycles() }

// LearningRate returns the model learning rate for the given epoch.
func (t *Trainer) LearningRate(epoch int) float64 {
	return optim.LearningRate(t.cfg.LRModel, epoch, t.cfg.LRDecreaseRate, t.cfg.WarmupEpoch)
}

// absScope converts a scope relative to the root to an absolute scope.
func absScope(scope string) string {
	return context.ScopeSeparator + strings.TrimPrefix(scope, context.ScopeSeparator)
}

// variablesIn returns all variables (trainable or not) under the absolute scope.
func variablesIn(ctx *context.Context, scope string) []*context.Variable {
	return optim.StateVariables(ctx, scope)
}
