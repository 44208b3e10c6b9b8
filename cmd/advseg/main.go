// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// advseg trains a segmentation model on a labeled source domain while adapting it, adversarially
// in the output space, to an unlabeled target domain.
//
// Each run writes to a new timestamped directory under -out: the configuration snapshot
// (config.yaml), the checkpoints, and the validation history (validation.csv, validation.png).
//
// Example:
//
//	advseg -data ~/data/source -data_target ~/data/target \
//		-pretrain ~/models/DeepLab_resnet_pretrained_imagenet/init.safetensors \
//		-gpus 0 -stop_epoch 50 -set "seg_channels=64"
//
// Use -inspect <checkpoint> to print the summary of a checkpoint instead of training.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/advseg/internal/checkpoint"
	"github.com/gomlx/advseg/internal/config"
	"github.com/gomlx/advseg/internal/model"
	"github.com/gomlx/advseg/internal/report"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var defaults = config.Default()

var (
	flagBatchSize        = flag.Int("batch_size", defaults.BatchSize, "Batch size, for source and target batches.")
	flagMaxEpoch         = flag.Int("max_epoch", defaults.MaxEpoch, "Maximum number of epochs. Training stops at the smaller of -max_epoch and -stop_epoch.")
	flagStopEpoch        = flag.Int("stop_epoch", defaults.StopEpoch, "Epoch at which training stops, if before -max_epoch.")
	flagIntervalValidate = flag.Int("interval_validate", defaults.IntervalValidate, "Validate every this many epochs.")
	flagLRModel          = flag.Float64("lr_model", defaults.LRModel, "Base learning rate of the segmentation model (SGD with momentum).")
	flagLRDiscriminator  = flag.Float64("lr_d", defaults.LRDiscriminator, "Learning rate of the discriminators (Adam).")
	flagLRDecreaseRate   = flag.Float64("lr_decrease_rate", defaults.LRDecreaseRate, "Per-epoch exponential decay of -lr_model.")
	flagWeightDecay      = flag.Float64("weight_decay", defaults.WeightDecay, "Weight decay of the segmentation model optimizer.")
	flagMomentum         = flag.Float64("momentum", defaults.Momentum, "Momentum of the segmentation model optimizer.")
	flagWarmupEpoch      = flag.Int("warmup_epoch", defaults.WarmupEpoch, "Epochs of linear learning rate warmup, -1 to disable.")
	flagSeed             = flag.Int64("seed", defaults.Seed, "Seed of every random source: initialization, shuffling and augmentation.")
	flagGPUs             = flag.String("gpus", "", "Comma-separated list of device ids to use. Empty uses all devices of the backend.")
	flagImageSize        = flag.Int("image_size", defaults.ImageSize, "Side of the square images fed to the model, a multiple of 8.")
	flagNumClasses       = flag.Int("num_classes", defaults.NumClasses, "Number of segmentation classes.")
	flagLossWeights      = flag.String("loss_weights", "", `Loss weights overrides, e.g. "seg_aux=0.1,adv_main=0.001". `+
		"Names: seg_main, seg_aux, adv_main, adv_aux, disc_main, disc_aux.")
	flagKeepCheckpoints = flag.Int("keep_checkpoints", defaults.KeepCheckpoints, "Number of numbered checkpoints to keep, 0 keeps all.")
	flagWorkers         = flag.Int("workers", defaults.NumWorkers, "Number of goroutines preparing batches ahead of training, 0 to disable prefetching.")
	flagPrefetch        = flag.Int("prefetch", defaults.PrefetchBuffer, "Number of batches prepared ahead of training.")
	flagNoAugment       = flag.Bool("no_augment", false, "Disable the train-time augmentation of the source and target images.")

	flagData       = flag.String("data", "", "Source domain dataset directory, with \"train\" split.")
	flagDataTarget = flag.String("data_target", "", "Target domain dataset directory, with \"train\" (unlabeled) and \"test\" (validation) splits.")
	flagPretrain   = flag.String("pretrain", "", "Safetensors file with pretrained weights of the segmentation model. "+
		fmt.Sprintf("Paths containing %q use the ImageNet DeepLab naming.", config.PretrainMarker))
	flagResume = flag.String("resume", "", "Checkpoint to resume from, or a checkpoints directory to resume from its latest checkpoint.")
	flagOut    = flag.String("out", defaults.OutputDir, "Directory where run directories are created.")

	flagSmoke   = flag.Int("smoke", 0, "If > 0, train on synthetic data with this many examples per domain, ignoring -data and -data_target.")
	flagExport  = flag.String("export", "", "If set, export the trained segmentation model weights to this safetensors file.")
	flagInspect = flag.String("inspect", "", "Print the summary of the given checkpoint and exit.")
	flagVars    = flag.Bool("vars", false, "With -inspect, also list every value stored in the checkpoint.")
)

func main() {
	klog.InitFlags(nil)
	ctx := model.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	flag.Parse()

	if *flagInspect != "" {
		rec := must.M1(checkpoint.Load(*flagInspect))
		defer rec.Finalize()
		report.PrintCheckpoint(os.Stdout, *flagInspect, rec, *flagVars)
		return
	}

	cfg, err := configFromFlags()
	if err != nil {
		klog.Fatalf("Invalid flags: %+v", err)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Invalid -set: %+v", err)
	}
	if err = run(ctx, cfg, paramsSet); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// configFromFlags builds and validates the training configuration from the flags.
func configFromFlags() (*config.TrainingConfig, error) {
	cfg := config.Default()
	cfg.BatchSize = *flagBatchSize
	cfg.MaxEpoch = *flagMaxEpoch
	cfg.StopEpoch = *flagStopEpoch
	cfg.IntervalValidate = *flagIntervalValidate
	cfg.LRModel = *flagLRModel
	cfg.LRDiscriminator = *flagLRDiscriminator
	cfg.LRDecreaseRate = *flagLRDecreaseRate
	cfg.WeightDecay = *flagWeightDecay
	cfg.Momentum = *flagMomentum
	cfg.WarmupEpoch = *flagWarmupEpoch
	cfg.Seed = *flagSeed
	cfg.ImageSize = *flagImageSize
	cfg.NumClasses = *flagNumClasses
	cfg.KeepCheckpoints = *flagKeepCheckpoints
	cfg.NumWorkers = *flagWorkers
	cfg.PrefetchBuffer = *flagPrefetch
	cfg.Augment = !*flagNoAugment
	cfg.DatasetDir = *flagData
	cfg.DatasetDirTarget = *flagDataTarget
	cfg.Pretrain = *flagPretrain
	cfg.Resume = *flagResume
	cfg.OutputDir = *flagOut

	var err error
	if cfg.Devices, err = config.ParseDeviceList(*flagGPUs); err != nil {
		return nil, err
	}
	if cfg.LossWeights, err = config.ParseLossWeights(*flagLossWeights, cfg.LossWeights); err != nil {
		return nil, err
	}
	if *flagSmoke <= 0 && (cfg.DatasetDir == "" || cfg.DatasetDirTarget == "") {
		return nil, errors.New("-data and -data_target are required, unless -smoke is set")
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
