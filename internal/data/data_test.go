// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyDataset always returns io.EOF.
type emptyDataset struct{ resets int }

func (ds *emptyDataset) Name() string { return "empty" }
func (ds *emptyDataset) Reset()       { ds.resets++ }
func (ds *emptyDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, nil, nil, io.EOF
}

// fixedDataset yields the same inputs and labels forever.
type fixedDataset struct{ inputs, labels []*tensors.Tensor }

func (ds *fixedDataset) Name() string { return "fixed" }
func (ds *fixedDataset) Reset()       {}
func (ds *fixedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, ds.inputs, ds.labels, nil
}

func countBatches(t *testing.T, ds interface {
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
}) (batches, examples int) {
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		batches++
		examples += inputs[0].Shape().Dimensions[0]
	}
}

func TestCycle(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds, err := NewSynthetic(backend, "target", SyntheticOptions{NumExamples: 3, ImageSize: 8, BatchSize: 2})
	require.NoError(t, err)

	cycled := Cycle(ds)
	var sizes []int
	for range 5 {
		batch, err := Next(cycled)
		require.NoError(t, err)
		assert.Nil(t, batch.Labels)
		sizes = append(sizes, batch.Size())
	}
	assert.Equal(t, []int{2, 1, 2, 1, 2}, sizes)
	assert.Equal(t, 2, cycled.Cycles())

	empty := &emptyDataset{}
	_, err = Next(Cycle(empty))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Equal(t, 1, empty.resets)
}

func TestNext(t *testing.T) {
	_, err := Next(&emptyDataset{})
	assert.Equal(t, io.EOF, err)

	images := tensors.FromValue([]float32{0})
	_, err = Next(&fixedDataset{inputs: []*tensors.Tensor{images}})
	require.Error(t, err)

	images = tensors.FromFlatDataAndDimensions(make([]float32, 2*4*4*3), 2, 4, 4, 3)
	goodLabels := tensors.FromFlatDataAndDimensions(make([]int32, 2*4*4), 2, 4, 4, 1)
	badLabels := tensors.FromFlatDataAndDimensions(make([]int32, 2*4*3), 2, 4, 3, 1)
	batch, err := Next(&fixedDataset{inputs: []*tensors.Tensor{images}, labels: []*tensors.Tensor{goodLabels}})
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Size())
	assert.Same(t, goodLabels, batch.Labels)
	_, err = Next(&fixedDataset{inputs: []*tensors.Tensor{images}, labels: []*tensors.Tensor{badLabels}})
	require.Error(t, err)
}

func writePNG(t *testing.T, path string, img image.Image) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// createSplit writes numImages 20x16 images and their masks. The mask of image 0 is all
// foreground, the others all background.
func createSplit(t *testing.T, baseDir, split string, numImages int) {
	for ii := range numImages {
		img := image.NewRGBA(image.Rect(0, 0, 20, 16))
		mask := image.NewGray(image.Rect(0, 0, 20, 16))
		for y := range 16 {
			for x := range 20 {
				img.Set(x, y, color.RGBA{R: uint8(10 * x), G: uint8(10 * y), B: uint8(50 * ii), A: 255})
				if ii == 0 {
					mask.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
		name := string(rune('a'+ii)) + ".png"
		writePNG(t, filepath.Join(baseDir, split, ImageSubDir, name), img)
		writePNG(t, filepath.Join(baseDir, split, MaskSubDir, name), mask)
	}
}

func TestSegmentation(t *testing.T) {
	baseDir := t.TempDir()
	createSplit(t, baseDir, "val", 3)
	ds, err := NewSegmentation("validation", baseDir, "val", Options{
		BatchSize: 2, ImageSize: 8, WithLabels: true, DecodeParallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())

	batch, err := Next(ds)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, batch.Images.Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 1}, batch.Labels.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](batch.Images) {
		require.True(t, v >= -1 && v <= 1, "image value %g out of [-1, 1]", v)
	}
	classes := tensors.MustCopyFlatData[int32](batch.Labels)
	var sums [2]int32
	for ii, c := range classes {
		sums[ii/64] += c
	}
	assert.Equal(t, [2]int32{64, 0}, sums)

	batch, err = Next(ds)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Size())
	_, err = Next(ds)
	assert.Equal(t, io.EOF, err)

	ds.Reset()
	assert.Equal(t, 1, ds.Epoch())
	batches, examples := countBatches(t, ds)
	assert.Equal(t, 2, batches)
	assert.Equal(t, 3, examples)

	// Without labels the masks are not needed.
	require.NoError(t, os.RemoveAll(filepath.Join(baseDir, "val", MaskSubDir)))
	_, err = NewSegmentation("validation", baseDir, "val", Options{BatchSize: 2, ImageSize: 8, WithLabels: true})
	require.Error(t, err)
	unlabeled, err := NewSegmentation("target", baseDir, "val", Options{BatchSize: 3, ImageSize: 8})
	require.NoError(t, err)
	batch, err = Next(unlabeled)
	require.NoError(t, err)
	assert.Nil(t, batch.Labels)
	assert.Equal(t, 3, batch.Size())

	_, err = NewSegmentation("missing", baseDir, "train", Options{BatchSize: 2, ImageSize: 8})
	require.Error(t, err)
}

func TestAugmentationIsDeterministic(t *testing.T) {
	baseDir := t.TempDir()
	createSplit(t, baseDir, "train", 4)
	opts := Options{BatchSize: 4, ImageSize: 8, WithLabels: true, Augment: true, Shuffle: true,
		Seed: 7, DecodeParallelism: 4, DropIncompleteBatch: true}
	yield := func() ([]float32, []int32) {
		ds, err := NewSegmentation("source", baseDir, "train", opts)
		require.NoError(t, err)
		batch, err := Next(ds)
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](batch.Images), tensors.MustCopyFlatData[int32](batch.Labels)
	}
	images1, labels1 := yield()
	images2, labels2 := yield()
	assert.Equal(t, images1, images2)
	assert.Equal(t, labels1, labels2)
}

func TestTransforms(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 30, 20))
	mask := image.NewGray(image.Rect(0, 0, 30, 20))
	for x := range 15 {
		for y := range 20 {
			mask.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	rng := rand.New(rand.NewSource(1))
	for range 10 {
		augImg, augMask := TrainTransform(img, mask, 16, rng)
		assert.Equal(t, image.Pt(16, 16), augImg.Bounds().Size())
		assert.Equal(t, image.Pt(16, 16), augMask.Bounds().Size())
		for _, c := range MaskToClasses(augMask, nil) {
			require.Contains(t, []int32{0, 1}, c)
		}
	}
	augImg, augMask := TestTransform(img, nil, 10)
	assert.Equal(t, image.Pt(10, 10), augImg.Bounds().Size())
	assert.Nil(t, augMask)

	_, augMask = TestTransform(img, mask, 10)
	classes := MaskToClasses(augMask, nil)
	require.Len(t, classes, 100)
	// Left half of the center crop is foreground.
	assert.Equal(t, int32(1), classes[0])
	assert.Equal(t, int32(0), classes[9])
}

// gradientImage returns an image whose red channel grows left to right and green channel top to bottom.
func gradientImage(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(10 * x), G: uint8(10 * y), B: 50, A: 255})
		}
	}
	return img
}

func TestElasticTransform(t *testing.T) {
	defer func(alpha float64) { ElasticAlpha = alpha }(ElasticAlpha)
	img := gradientImage(24)
	mask := image.NewGray(img.Rect)
	for y := range 24 {
		for x := range 12 {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	original := imaging.Clone(img)

	t.Run("NoDisplacement", func(t *testing.T) {
		ElasticAlpha = 0
		warped, warpedMask := ElasticTransform(img, mask, rand.New(rand.NewSource(1)))
		assert.Equal(t, original.Pix, warped.(*image.NRGBA).Pix)
		assert.Equal(t, imaging.Clone(mask).Pix, warpedMask.(*image.NRGBA).Pix)
	})

	t.Run("Warped", func(t *testing.T) {
		ElasticAlpha = 0.2
		warped, warpedMask := ElasticTransform(img, mask, rand.New(rand.NewSource(1)))
		assert.Equal(t, img.Rect.Size(), warped.Bounds().Size())
		assert.Equal(t, img.Rect.Size(), warpedMask.Bounds().Size())
		assert.NotEqual(t, original.Pix, warped.(*image.NRGBA).Pix)
		assert.Equal(t, original.Pix, img.Pix, "input must not be modified")

		// Nearest sampling keeps the mask binary, and both sides keep some pixels.
		classes := MaskToClasses(warpedMask, nil)
		var foreground int
		for _, c := range classes {
			foreground += int(c)
		}
		assert.Greater(t, foreground, 0)
		assert.Less(t, foreground, len(classes))
		for _, v := range warpedMask.(*image.NRGBA).Pix {
			require.Contains(t, []uint8{0, 255}, v)
		}

		again, againMask := ElasticTransform(img, mask, rand.New(rand.NewSource(1)))
		assert.Equal(t, warped, again)
		assert.Equal(t, warpedMask, againMask)
	})

	t.Run("NoMask", func(t *testing.T) {
		warped, warpedMask := ElasticTransform(img, nil, rand.New(rand.NewSource(1)))
		assert.NotNil(t, warped)
		assert.Nil(t, warpedMask)
	})
}

func TestAddSaltPepperNoise(t *testing.T) {
	img := imaging.New(20, 20, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	noisy := AddSaltPepperNoise(img, 0.1, rand.New(rand.NewSource(3))).(*image.NRGBA)
	var changed int
	for offset := 0; offset < len(noisy.Pix); offset += 4 {
		pixel := noisy.Pix[offset : offset+4]
		if pixel[0] == 128 {
			assert.Equal(t, []uint8{128, 128, 128, 255}, pixel)
			continue
		}
		changed++
		require.Contains(t, []uint8{0, 255}, pixel[0])
		assert.Equal(t, pixel[0], pixel[1])
		assert.Equal(t, pixel[0], pixel[2])
		assert.Equal(t, uint8(255), pixel[3])
	}
	// 40 draws, possibly hitting the same pixel more than once.
	assert.Greater(t, changed, 20)
	assert.LessOrEqual(t, changed, 40)
	assert.Equal(t, uint8(128), img.Pix[0], "input must not be modified")
}

func TestErase(t *testing.T) {
	defer func(area, aspect [2]float64) {
		EraserAreaRange, EraserAspectRange = area, aspect
	}(EraserAreaRange, EraserAspectRange)
	EraserAreaRange = [2]float64{0.25, 0.25}
	EraserAspectRange = [2]float64{1, 1}

	img := imaging.New(20, 20, color.NRGBA{A: 255})
	for seed := range int64(5) {
		erased := Erase(img, rand.New(rand.NewSource(seed))).(*image.NRGBA)
		minX, minY, maxX, maxY := 20, 20, -1, -1
		var changed int
		for y := range 20 {
			for x := range 20 {
				pixel := erased.Pix[erased.PixOffset(x, y):][:4]
				if pixel[0] == 0 && pixel[1] == 0 && pixel[2] == 0 {
					continue
				}
				changed++
				minX, minY, maxX, maxY = min(minX, x), min(minY, y), max(maxX, x), max(maxY, y)
			}
		}
		// A 10x10 square, filled with a single color.
		require.Equal(t, 100, changed, "seed %d", seed)
		assert.Equal(t, 9, maxX-minX, "seed %d", seed)
		assert.Equal(t, 9, maxY-minY, "seed %d", seed)
		assert.Equal(t, erased.Pix[erased.PixOffset(minX, minY):][:4], erased.Pix[erased.PixOffset(maxX, maxY):][:4])
	}
	assert.Equal(t, uint8(0), img.Pix[0], "input must not be modified")
}

func TestPrefetch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds, err := NewSynthetic(backend, "source", SyntheticOptions{
		NumExamples: 7, ImageSize: 8, BatchSize: 2, WithLabels: true, Shuffle: true})
	require.NoError(t, err)

	prefetched, stop := Prefetch(ds, 2, 2)
	defer stop()
	for range 2 {
		batches, examples := countBatches(t, prefetched)
		assert.Equal(t, 4, batches)
		assert.Equal(t, 7, examples)
		prefetched.Reset()
	}

	same, stopSame := Prefetch(ds, 0, 0)
	defer stopSame()
	assert.Same(t, ds, same)
}
