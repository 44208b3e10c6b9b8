// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// SyntheticOptions configures NewSynthetic.
type SyntheticOptions struct {
	NumExamples, ImageSize, BatchSize int

	// Shift is added to every pixel of the images (before clipping to [-1, 1]), simulating the
	// appearance difference of another domain.
	Shift float32

	// WithLabels yields the masks as labels.
	WithLabels bool

	// Shuffle the order of the examples at every epoch.
	Shuffle bool

	Seed int64
}

// NewSynthetic creates an in-memory dataset of noisy images, each with one bright disc over a dark
// background. The disc pixels are class 1, the others class 0.
//
// It yields the same tensors as Segmentation, and it is meant for tests and smoke runs.
func NewSynthetic(backend backends.Backend, name string, opts SyntheticOptions) (*datasets.InMemoryDataset, error) {
	if opts.NumExamples <= 0 || opts.ImageSize <= 0 || opts.BatchSize <= 0 {
		return nil, errors.Errorf("synthetic dataset %q: NumExamples (%d), ImageSize (%d) and BatchSize (%d) must be > 0",
			name, opts.NumExamples, opts.ImageSize, opts.BatchSize)
	}
	if len(name) < 3 {
		return nil, errors.Errorf("synthetic dataset name %q must have at least 3 characters", name)
	}
	n, size := opts.NumExamples, opts.ImageSize
	rng := rand.New(rand.NewSource(opts.Seed))
	images := make([]float32, 0, n*size*size*3)
	classes := make([]int32, 0, n*size*size)
	for range n {
		cx, cy := rng.Float64()*float64(size), rng.Float64()*float64(size)
		radius := float64(size) * (0.15 + 0.2*rng.Float64())
		for y := range size {
			for x := range size {
				dx, dy := float64(x)-cx, float64(y)-cy
				var class int32
				base := float32(-0.6)
				if dx*dx+dy*dy <= radius*radius {
					class = 1
					base = 0.6
				}
				classes = append(classes, class)
				for range 3 {
					v := base + opts.Shift + 0.2*float32(rng.NormFloat64())
					images = append(images, min(max(v, -1), 1))
				}
			}
		}
	}

	inputs := []any{tensors.FromFlatDataAndDimensions(images, n, size, size, 3)}
	var labels []any
	if opts.WithLabels {
		labels = []any{tensors.FromFlatDataAndDimensions(classes, n, size, size, 1)}
	}
	mds, err := datasets.InMemoryFromData(backend, name, inputs, labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "synthetic dataset %q", name)
	}
	mds.BatchSize(opts.BatchSize, false)
	if opts.Shuffle {
		mds.WithRand(rand.New(rand.NewSource(opts.Seed + 1))).Shuffle()
	}
	return mds, nil
}
