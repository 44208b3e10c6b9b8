// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	stdcontext "context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gomlx/advseg/internal/checkpoint"
	"github.com/gomlx/advseg/internal/config"
	"github.com/gomlx/advseg/internal/data"
	"github.com/gomlx/advseg/internal/model"
	"github.com/gomlx/advseg/internal/pretrained"
	"github.com/gomlx/advseg/internal/report"
	"github.com/gomlx/advseg/internal/trainer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset splits used for training and validation. Validation runs on the target domain's
// held-out "test" split.
const (
	TrainSplit      = "train"
	ValidationSplit = "test"
)

// run trains with the validated configuration cfg and the model hyperparameters in ctx.
func run(ctx *context.Context, cfg *config.TrainingConfig, paramsSet []string) error {
	// A typo in the pretrained path should fail before any data is read or directory created.
	if cfg.Pretrain != "" {
		if err := pretrained.Check(cfg.Pretrain); err != nil {
			return err
		}
	}

	backend, err := backends.New()
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	defer backend.Finalize()
	klog.Infof("Backend: %s", backend.Description())

	outRoot, err := fsutil.ReplaceTildeInDir(cfg.OutputDir)
	if err != nil {
		return err
	}
	startTime := time.Now()
	runDir, err := config.NewRunDir(outRoot, startTime)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	klog.Infof("Run %s: writing to %s", runID, runDir)

	modelSettings := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			key = scope + context.ScopeSeparator + key
		}
		modelSettings[key] = value
	})
	err = config.WriteSnapshot(runDir, &config.Snapshot{
		RunID:         runID,
		StartTime:     startTime,
		Config:        *cfg,
		ModelSettings: modelSettings,
	})
	if err != nil {
		return err
	}
	if len(paramsSet) > 0 {
		klog.Infof("Model settings changed:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	providers, stop, err := createProviders(backend, cfg)
	if err != nil {
		return err
	}
	defer stop()

	tr, err := trainer.New(backend, ctx, cfg, providers, runDir, trainer.WithRunID(runID))
	if err != nil {
		return err
	}
	defer tr.Finalize()

	if cfg.Pretrain != "" {
		importReport, err := pretrained.Import(ctx, context.RootScope+model.SegmentationScope, cfg.Pretrain)
		if err != nil {
			return err
		}
		klog.Infof("Pretrained weights from %s: %s", cfg.Pretrain, importReport)
	}

	from := tr.Cursor()
	if cfg.Resume != "" {
		path, err := resolveCheckpoint(cfg.Resume)
		if err != nil {
			return err
		}
		if from, err = tr.Resume(path); err != nil {
			return err
		}
		klog.Infof("Resumed from %s: epoch %d, iteration %d", path, from.Epoch, from.Iteration)
	}

	if _, err = report.AttachHistory(tr, runDir); err != nil {
		return err
	}
	pBar := report.AttachProgressBar(tr, os.Stdout, func() (string, string) {
		return "Target cycles", strconv.Itoa(tr.TargetCycles())
	})
	defer pBar.Close()

	signalCtx, cancel := signal.NotifyContext(stdcontext.Background(), os.Interrupt)
	defer cancel()
	last, err := tr.Train(signalCtx, from)
	if err != nil {
		if errors.Is(err, stdcontext.Canceled) {
			klog.Warningf("Interrupted at epoch %d, iteration %d: the current epoch is not checkpointed", last.Epoch, last.Iteration)
		}
		return err
	}

	if *flagExport != "" {
		if err = pretrained.Export(ctx, context.RootScope+model.SegmentationScope, *flagExport); err != nil {
			return err
		}
		klog.Infof("Segmentation model exported to %s", *flagExport)
	}

	if best, ok := tr.Best(); ok {
		klog.Infof("Finished at epoch %d, iteration %d in %s: best mean Dice %.4f",
			last.Epoch, last.Iteration, report.FormatDuration(time.Since(startTime)), best)
	} else {
		klog.Infof("Finished at epoch %d, iteration %d in %s: never validated",
			last.Epoch, last.Iteration, report.FormatDuration(time.Since(startTime)))
	}
	return nil
}

// createProviders returns the source, target and validation datasets. The returned stop function
// stops the prefetching goroutines, if any.
func createProviders(backend backends.Backend, cfg *config.TrainingConfig) (providers trainer.Providers, stop func(), err error) {
	stop = func() {}
	if *flagSmoke > 0 {
		opts := func(shift float32, withLabels, shuffle bool, seed int64) data.SyntheticOptions {
			return data.SyntheticOptions{
				NumExamples: *flagSmoke,
				ImageSize:   cfg.ImageSize,
				BatchSize:   cfg.BatchSize,
				Shift:       shift,
				WithLabels:  withLabels,
				Shuffle:     shuffle,
				Seed:        seed,
			}
		}
		if providers.Source, err = data.NewSynthetic(backend, "source", opts(0, true, true, cfg.Seed)); err != nil {
			return
		}
		if providers.Target, err = data.NewSynthetic(backend, "target", opts(0.3, false, true, cfg.Seed+1)); err != nil {
			return
		}
		providers.Validation, err = data.NewSynthetic(backend, "validation", opts(0.3, true, false, cfg.Seed+2))
		return
	}

	newSplit := func(name, baseDir, split string, train, withLabels bool, seed int64) (*data.Segmentation, error) {
		dir, err := fsutil.ReplaceTildeInDir(baseDir)
		if err != nil {
			return nil, err
		}
		return data.NewSegmentation(name, dir, split, data.Options{
			BatchSize:         cfg.BatchSize,
			ImageSize:         cfg.ImageSize,
			Augment:           train && cfg.Augment,
			WithLabels:        withLabels,
			Shuffle:           train,
			Seed:              seed,
			DecodeParallelism: max(cfg.NumWorkers, 1),
		})
	}
	source, err := newSplit("source", cfg.DatasetDir, TrainSplit, true, true, cfg.Seed)
	if err != nil {
		return
	}
	target, err := newSplit("target", cfg.DatasetDirTarget, TrainSplit, true, false, cfg.Seed+1)
	if err != nil {
		return
	}
	validation, err := newSplit("validation", cfg.DatasetDirTarget, ValidationSplit, false, true, cfg.Seed+2)
	if err != nil {
		return
	}
	klog.Infof("Datasets: %d source, %d target and %d validation images", source.Len(), target.Len(), validation.Len())

	var stopSource, stopTarget func()
	providers.Source, stopSource = data.Prefetch(source, cfg.NumWorkers, cfg.PrefetchBuffer)
	providers.Target, stopTarget = data.Prefetch(target, cfg.NumWorkers, cfg.PrefetchBuffer)
	providers.Validation = validation
	stop = func() {
		stopSource()
		stopTarget()
	}
	return
}

// resolveCheckpoint returns path itself if it is a file, or the latest numbered checkpoint in it
// if it is a directory: either a checkpoints directory or a run directory.
func resolveCheckpoint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint to resume %q", path)
	}
	if !info.IsDir() {
		return path, nil
	}
	dir := path
	if sub := filepath.Join(path, trainer.CheckpointsSubDir); isDir(sub) {
		dir = sub
	}
	store, err := checkpoint.Open(dir, 0)
	if err != nil {
		return "", err
	}
	latest, err := store.Latest()
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", errors.Errorf("no checkpoint to resume in %q", dir)
	}
	return latest, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
