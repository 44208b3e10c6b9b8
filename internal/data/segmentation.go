// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	_ "image/jpeg" // Register JPEG decoder.
	_ "image/png"  // Register PNG decoder.
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Sub-directories of a split.
const (
	ImageSubDir = "image"
	MaskSubDir  = "mask"
)

// ImageExtensions lists the file extensions recognized as images.
var ImageExtensions = []string{".png", ".jpg", ".jpeg"}

// Options configures a Segmentation dataset.
type Options struct {
	BatchSize int

	// ImageSize is the side of the square images yielded.
	ImageSize int

	// Augment selects the random train-time transformations. Otherwise the deterministic
	// test-time transformation is used.
	Augment bool

	// WithLabels yields the masks as labels. Without it the mask directory is never read.
	WithLabels bool

	// Shuffle the order of the examples at every epoch.
	Shuffle bool

	// Seed for shuffling and augmentation.
	Seed int64

	// DecodeParallelism is the number of images decoded concurrently within a batch.
	// If <= 0 it is 1.
	DecodeParallelism int

	// DropIncompleteBatch drops the last batch of the epoch if it is smaller than BatchSize.
	DropIncompleteBatch bool
}

// Segmentation is a train.Dataset that reads images (and optionally masks) from a split
// directory, laid out as:
//
//	<baseDir>/<split>/image/<name>.{png,jpg,jpeg}
//	<baseDir>/<split>/mask/<name>.png
//
// It is safe for concurrent use, so it can be wrapped with Prefetch.
type Segmentation struct {
	name, dir string
	opts      Options
	images    []string
	toTensor  *timage.ToTensorConfig

	// mu protects the fields below.
	mu      sync.Mutex
	epoch   int
	next    int
	order   []int
	shuffle *rand.Rand
}

var _ train.Dataset = (*Segmentation)(nil)

// NewSegmentation lists the images of <baseDir>/<split> and returns a dataset over them.
// With opts.WithLabels, it checks every image has its mask.
func NewSegmentation(name, baseDir, split string, opts Options) (*Segmentation, error) {
	if opts.BatchSize <= 0 || opts.ImageSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size (%d) and image size (%d) must be > 0",
			name, opts.BatchSize, opts.ImageSize)
	}
	ds := &Segmentation{
		name:     name,
		dir:      filepath.Join(baseDir, split),
		opts:     opts,
		toTensor: timage.ToTensor(dtypes.Float32),
		shuffle:  rand.New(rand.NewSource(opts.Seed)),
	}
	entries, err := os.ReadDir(filepath.Join(ds.dir, ImageSubDir))
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %q: failed to list images", name)
	}
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		ds.images = append(ds.images, entry.Name())
	}
	if len(ds.images) == 0 {
		return nil, errors.Errorf("dataset %q: no images found in %q", name, filepath.Join(ds.dir, ImageSubDir))
	}
	slices.Sort(ds.images)
	if opts.WithLabels {
		for _, imgName := range ds.images {
			if _, err := os.Stat(ds.maskPath(imgName)); err != nil {
				return nil, errors.Wrapf(err, "dataset %q: mask for image %q", name, imgName)
			}
		}
	}
	ds.order = make([]int, len(ds.images))
	ds.Reset()
	klog.V(1).Infof("dataset %q: %d images in %q", name, len(ds.images), ds.dir)
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Segmentation) Name() string { return ds.name }

// Len returns the number of examples in the dataset.
func (ds *Segmentation) Len() int { return len(ds.images) }

// Epoch returns the number of times the dataset was Reset, not counting the first.
func (ds *Segmentation) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

func (ds *Segmentation) maskPath(imgName string) string {
	stem := strings.TrimSuffix(imgName, filepath.Ext(imgName))
	return filepath.Join(ds.dir, MaskSubDir, stem+".png")
}

// Reset implements train.Dataset. It restarts the dataset and, if configured, reshuffles it.
func (ds *Segmentation) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next > 0 {
		ds.epoch++
	}
	ds.next = 0
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.opts.Shuffle {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextIndices selects the examples of the next batch.
func (ds *Segmentation) nextIndices() (indices []int, epoch, start int, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.next
	if remaining <= 0 || (ds.opts.DropIncompleteBatch && remaining < ds.opts.BatchSize) {
		return nil, 0, 0, io.EOF
	}
	n := min(remaining, ds.opts.BatchSize)
	indices = slices.Clone(ds.order[ds.next : ds.next+n])
	epoch, start = ds.epoch, ds.next
	ds.next += n
	return
}

// Yield implements train.Dataset. See package documentation for the tensors yielded.
func (ds *Segmentation) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, epoch, start, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	size := ds.opts.ImageSize
	images := make([]image.Image, len(indices))
	var classes [][]int32
	if ds.opts.WithLabels {
		classes = make([][]int32, len(indices))
	}

	var g errgroup.Group
	g.SetLimit(max(ds.opts.DecodeParallelism, 1))
	for ii, idx := range indices {
		g.Go(func() error {
			// Randomness depends only on the seed and the position, never on scheduling.
			rng := rand.New(rand.NewSource(ds.opts.Seed + int64(epoch)<<32 + int64(start+ii)))
			img, mask, err := ds.load(idx)
			if err != nil {
				return err
			}
			if ds.opts.Augment {
				img, mask = TrainTransform(img, mask, size, rng)
			} else {
				img, mask = TestTransform(img, mask, size)
			}
			images[ii] = img
			if mask != nil {
				classes[ii] = MaskToClasses(mask, make([]int32, 0, size*size))
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}

	batch := ds.toTensor.Batch(images)
	if err = ScaleToSymmetric(batch); err != nil {
		batch.MustFinalizeAll()
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	inputs = []*tensors.Tensor{batch}
	if ds.opts.WithLabels {
		flat := make([]int32, 0, len(indices)*size*size)
		for _, c := range classes {
			flat = append(flat, c...)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, len(indices), size, size, 1)}
	}
	return ds, inputs, labels, nil
}

// load reads the image and, if labels are configured, its mask.
func (ds *Segmentation) load(idx int) (img, mask image.Image, err error) {
	imgName := ds.images[idx]
	img, err = readImage(filepath.Join(ds.dir, ImageSubDir, imgName))
	if err != nil || !ds.opts.WithLabels {
		return
	}
	mask, err = readImage(ds.maskPath(imgName))
	if err != nil {
		return
	}
	if img.Bounds().Size() != mask.Bounds().Size() {
		err = errors.Errorf("image %q is %v but its mask is %v", imgName, img.Bounds().Size(), mask.Bounds().Size())
	}
	return
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}

// ScaleToSymmetric maps the values of a Float32 tensor in place from [0, 1] to [-1, 1].
func ScaleToSymmetric(t *tensors.Tensor) error {
	return tensors.MutableFlatData[float32](t, func(flat []float32) {
		for ii, v := range flat {
			flat[ii] = 2*v - 1
		}
	})
}
