// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the TrainingConfig, the immutable snapshot of hyperparameters used
// by a training run, and helpers to validate it, parse its command-line forms and persist
// it in the run directory.
package config

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Default values, matching the fixed experiment this trainer was built for.
const (
	DefaultBatchSize        = 8
	DefaultMaxEpoch         = 200
	DefaultStopEpoch        = 200
	DefaultIntervalValidate = 1
	DefaultLRModel          = 2e-4
	DefaultLRDiscriminator  = 1e-4
	DefaultLRDecreaseRate   = 0.95
	DefaultMomentum         = 0.9
	DefaultWeightDecay      = 5e-4
	DefaultAdamBeta1        = 0.9
	DefaultAdamBeta2        = 0.99
	DefaultAdamEpsilon      = 1e-8
	DefaultWarmupEpoch      = -1
	DefaultSeed             = 26
	DefaultImageSize        = 512
	DefaultNumClasses       = 2
	DefaultNumWorkers       = 4
	DefaultPrefetchBuffer   = 2

	// PretrainMarker identifies pretrained weight files that use the foreign (ImageNet DeepLab)
	// naming convention, see package pretrained.
	PretrainMarker = "DeepLab_resnet_pretrained_imagenet"
)

// LossWeights configures the weighted sum of the multi-level losses.
//
// The segmentation model loss is
// SegAux*CE(aux) + SegMain*CE(main) + AdvAux*BCE(Daux(target aux)) + AdvMain*BCE(Dmain(target main)),
// and each discriminator loss is scaled by DiscAux or DiscMain.
type LossWeights struct {
	SegMain  float64 `yaml:"seg_main"`
	SegAux   float64 `yaml:"seg_aux"`
	AdvMain  float64 `yaml:"adv_main"`
	AdvAux   float64 `yaml:"adv_aux"`
	DiscMain float64 `yaml:"disc_main"`
	DiscAux  float64 `yaml:"disc_aux"`
}

// DefaultLossWeights returns the weights used by output-space adversarial adaptation
// with a DeepLab-v2 multi-level model.
func DefaultLossWeights() LossWeights {
	return LossWeights{
		SegMain:  1.0,
		SegAux:   0.1,
		AdvMain:  0.001,
		AdvAux:   0.0002,
		DiscMain: 1.0,
		DiscAux:  1.0,
	}
}

// fields maps the names accepted by ParseLossWeights to the struct fields.
func (w *LossWeights) fields() map[string]*float64 {
	return map[string]*float64{
		"seg_main":  &w.SegMain,
		"seg_aux":   &w.SegAux,
		"adv_main":  &w.AdvMain,
		"adv_aux":   &w.AdvAux,
		"disc_main": &w.DiscMain,
		"disc_aux":  &w.DiscAux,
	}
}

// ParseLossWeights parses a list of "name=value" pairs separated by "," on top of base.
// An empty string returns base unchanged.
func ParseLossWeights(s string, base LossWeights) (LossWeights, error) {
	w := base
	s = strings.TrimSpace(s)
	if s == "" {
		return w, nil
	}
	fields := w.fields()
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, valueStr, found := strings.Cut(part, "=")
		if !found {
			return base, errors.Errorf("invalid loss weight %q, expected \"name=value\"", part)
		}
		field, ok := fields[strings.TrimSpace(name)]
		if !ok {
			return base, errors.Errorf("unknown loss weight %q", name)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
		if err != nil {
			return base, errors.Wrapf(err, "invalid value for loss weight %q", name)
		}
		*field = value
	}
	return w, nil
}

// Validate checks all weights are finite and non-negative.
func (w LossWeights) Validate() error {
	for name, value := range (&w).fields() {
		if math.IsNaN(*value) || math.IsInf(*value, 0) || *value < 0 {
			return errors.Errorf("loss weight %q must be a non-negative finite number, got %g", name, *value)
		}
	}
	return nil
}

// TrainingConfig is the snapshot of hyperparameters of one training run.
//
// It is built once at startup, validated, and never changed afterwards: the trainer keeps
// its own copy.
type TrainingConfig struct {
	BatchSize        int `yaml:"batch_size"`
	MaxEpoch         int `yaml:"max_epoch"`
	StopEpoch        int `yaml:"stop_epoch"`
	IntervalValidate int `yaml:"interval_validate"`

	// LRModel is the base learning rate of the segmentation model optimizer (SGD with momentum).
	LRModel float64 `yaml:"lr_model"`

	// LRDiscriminator is the constant learning rate of both discriminators' Adam optimizers.
	LRDiscriminator float64 `yaml:"lr_discriminator"`

	// LRDecreaseRate is the per-epoch exponential decay of LRModel, applied after warmup.
	LRDecreaseRate float64 `yaml:"lr_decrease_rate"`

	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	AdamBeta1   float64 `yaml:"adam_beta1"`
	AdamBeta2   float64 `yaml:"adam_beta2"`
	AdamEpsilon float64 `yaml:"adam_epsilon"`

	// WarmupEpoch is the number of epochs of linear learning rate ramp-up. -1 disables warmup.
	WarmupEpoch int `yaml:"warmup_epoch"`

	Seed    int64      `yaml:"seed"`
	Devices DeviceList `yaml:"devices"`

	ImageSize  int `yaml:"image_size"`
	NumClasses int `yaml:"num_classes"`

	LossWeights LossWeights `yaml:"loss_weights"`

	// SourceLabel and TargetLabel are the domain labels used by the discriminators.
	SourceLabel float64 `yaml:"source_label"`
	TargetLabel float64 `yaml:"target_label"`

	// KeepCheckpoints is the number of numbered checkpoints kept on disk. 0 keeps all.
	KeepCheckpoints int `yaml:"keep_checkpoints"`

	DatasetDir       string `yaml:"dataset_dir"`
	DatasetDirTarget string `yaml:"dataset_dir_target"`
	Pretrain         string `yaml:"pretrain"`
	Resume           string `yaml:"resume"`
	OutputDir        string `yaml:"output_dir"`

	NumWorkers     int  `yaml:"num_workers"`
	PrefetchBuffer int  `yaml:"prefetch_buffer"`
	Augment        bool `yaml:"augment"`
}

// Default returns a TrainingConfig with all default values.
func Default() TrainingConfig {
	return TrainingConfig{
		BatchSize:        DefaultBatchSize,
		MaxEpoch:         DefaultMaxEpoch,
		StopEpoch:        DefaultStopEpoch,
		IntervalValidate: DefaultIntervalValidate,
		LRModel:          DefaultLRModel,
		LRDiscriminator:  DefaultLRDiscriminator,
		LRDecreaseRate:   DefaultLRDecreaseRate,
		Momentum:         DefaultMomentum,
		WeightDecay:      DefaultWeightDecay,
		AdamBeta1:        DefaultAdamBeta1,
		AdamBeta2:        DefaultAdamBeta2,
		AdamEpsilon:      DefaultAdamEpsilon,
		WarmupEpoch:      DefaultWarmupEpoch,
		Seed:             DefaultSeed,
		ImageSize:        DefaultImageSize,
		NumClasses:       DefaultNumClasses,
		LossWeights:      DefaultLossWeights(),
		SourceLabel:      0,
		TargetLabel:      1,
		OutputDir:        "logs",
		NumWorkers:       DefaultNumWorkers,
		PrefetchBuffer:   DefaultPrefetchBuffer,
		Augment:          true,
	}
}

// LastEpoch returns the epoch at which training stops: the smaller of StopEpoch and MaxEpoch.
func (c *TrainingConfig) LastEpoch() int {
	return min(c.StopEpoch, c.MaxEpoch)
}

// Validate checks the consistency of the configuration.
// It doesn't check the device list against the backend, see ResolveDevices for that.
func (c *TrainingConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be > 0, got %d", c.BatchSize)
	case c.MaxEpoch < 0 || c.StopEpoch < 0:
		return errors.Errorf("max_epoch (%d) and stop_epoch (%d) must be >= 0", c.MaxEpoch, c.StopEpoch)
	case c.IntervalValidate <= 0:
		return errors.Errorf("interval_validate must be > 0, got %d", c.IntervalValidate)
	case c.LRModel <= 0 || c.LRDiscriminator <= 0:
		return errors.Errorf("learning rates must be > 0, got lr_model=%g, lr_discriminator=%g",
			c.LRModel, c.LRDiscriminator)
	case c.LRDecreaseRate <= 0 || c.LRDecreaseRate > 1:
		return errors.Errorf("lr_decrease_rate must be in (0, 1], got %g", c.LRDecreaseRate)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
	case c.WeightDecay < 0:
		return errors.Errorf("weight_decay must be >= 0, got %g", c.WeightDecay)
	case c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 || c.AdamBeta2 < 0 || c.AdamBeta2 >= 1:
		return errors.Errorf("adam betas must be in [0, 1), got (%g, %g)", c.AdamBeta1, c.AdamBeta2)
	case c.AdamEpsilon <= 0:
		return errors.Errorf("adam_epsilon must be > 0, got %g", c.AdamEpsilon)
	case c.WarmupEpoch == 0 || c.WarmupEpoch < -1:
		return errors.Errorf("warmup_epoch must be -1 (disabled) or > 0, got %d", c.WarmupEpoch)
	case c.ImageSize <= 0 || c.ImageSize%8 != 0:
		return errors.Errorf("image_size must be a positive multiple of 8, got %d", c.ImageSize)
	case c.NumClasses < 2:
		return errors.Errorf("num_classes must be >= 2, got %d", c.NumClasses)
	case c.SourceLabel == c.TargetLabel:
		return errors.Errorf("source_label and target_label must differ, both are %g", c.SourceLabel)
	case c.KeepCheckpoints < 0:
		return errors.Errorf("keep_checkpoints must be >= 0, got %d", c.KeepCheckpoints)
	case c.NumWorkers < 0 || c.PrefetchBuffer < 0:
		return errors.Errorf("num_workers (%d) and prefetch_buffer (%d) must be >= 0", c.NumWorkers, c.PrefetchBuffer)
	}
	if err := c.LossWeights.Validate(); err != nil {
		return err
	}
	if err := c.Devices.checkIDs(); err != nil {
		return err
	}
	return nil
}
