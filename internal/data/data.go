// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides the data providers of the trainer: the labeled source domain, the
// unlabeled target domain and the labeled validation split.
//
// Providers implement GoMLX's train.Dataset. Each Yield returns one batch: inputs[0] holds the
// images shaped [batch, height, width, 3] (Float32 in [-1, 1]), and labels[0], if the provider is
// labeled, holds the class of each pixel shaped [batch, height, width, 1] (Int32).
package data

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Batch is one batch of images and, if labeled, their segmentation masks.
type Batch struct {
	// Images shaped [batch, height, width, 3], Float32 in [-1, 1].
	Images *tensors.Tensor

	// Labels shaped [batch, height, width, 1], Int32. Nil for unlabeled batches.
	Labels *tensors.Tensor
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape().Dimensions[0]
}

// Next yields the next batch from ds. It returns io.EOF (unwrapped) at the end of the epoch.
func Next(ds train.Dataset) (Batch, error) {
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		if err == io.EOF {
			return Batch{}, err
		}
		return Batch{}, errors.WithMessagef(err, "dataset %q", ds.Name())
	}
	if len(inputs) == 0 {
		return Batch{}, errors.Errorf("dataset %q yielded no inputs", ds.Name())
	}
	b := Batch{Images: inputs[0]}
	if b.Images.Shape().Rank() != 4 || b.Images.Shape().Dimensions[3] != 3 {
		return Batch{}, errors.Errorf("dataset %q yielded images shaped %s, expected [batch, height, width, 3]",
			ds.Name(), b.Images.Shape())
	}
	if len(labels) > 0 {
		b.Labels = labels[0]
		want := append([]int{}, b.Images.Shape().Dimensions[:3]...)
		want = append(want, 1)
		got := b.Labels.Shape().Dimensions
		if len(got) != 4 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] || got[3] != 1 {
			return Batch{}, errors.Errorf("dataset %q yielded labels shaped %s for images shaped %s, expected %v",
				ds.Name(), b.Labels.Shape(), b.Images.Shape(), want)
		}
	}
	return b, nil
}

// ErrExhausted is returned by a cycled provider that has nothing to yield even right after a Reset:
// it is empty, and cycling can't help.
var ErrExhausted = errors.New("provider yields no data, even after a reset")

// Cycled wraps a train.Dataset so that it never ends: when the underlying dataset reaches the end
// of its epoch, it is Reset and the Yield is retried.
type Cycled struct {
	ds     train.Dataset
	cycles int
}

var _ train.Dataset = (*Cycled)(nil)

// Cycle returns ds wrapped so it loops indefinitely. See Cycled.
func Cycle(ds train.Dataset) *Cycled {
	return &Cycled{ds: ds}
}

// Name implements train.Dataset.
func (c *Cycled) Name() string { return c.ds.Name() }

// ShortName implements train.HasShortName.
func (c *Cycled) ShortName() string {
	if sn, ok := c.ds.(train.HasShortName); ok {
		return sn.ShortName()
	}
	return c.ds.Name()
}

// Cycles returns how many times the underlying dataset was restarted.
func (c *Cycled) Cycles() int { return c.cycles }

// Reset implements train.Dataset.
func (c *Cycled) Reset() { c.ds.Reset() }

// Yield implements train.Dataset. It never returns io.EOF: an empty underlying dataset
// yields ErrExhausted instead.
func (c *Cycled) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = c.ds.Yield()
	if err != io.EOF {
		return
	}
	c.ds.Reset()
	c.cycles++
	klog.V(2).Infof("dataset %q restarted (cycle %d)", c.ds.Name(), c.cycles)
	spec, inputs, labels, err = c.ds.Yield()
	if err == io.EOF {
		err = errors.WithMessagef(ErrExhausted, "dataset %q", c.ds.Name())
	}
	return
}

// Prefetch wraps ds, which must be safe for concurrent use, so batches are generated by
// parallelism goroutines into a buffer of bufferSize batches, ahead of their use.
// With parallelism <= 0 ds is returned unchanged.
//
// The returned dataset frees each yielded batch on the following Yield, so batches must not
// be kept beyond the next call.
//
// The returned stop function stops the background goroutines.
func Prefetch(ds train.Dataset, parallelism, bufferSize int) (prefetched train.Dataset, stop func()) {
	if parallelism <= 0 {
		return ds, func() {}
	}
	pds := datasets.CustomParallel(ds).Parallelism(parallelism).Buffer(bufferSize).Start()
	return datasets.Freeing(pds), pds.Done
}
