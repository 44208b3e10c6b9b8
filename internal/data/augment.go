// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmentation parameters used for training.
var (
	ScaleRange        = [2]float64{0.75, 1.25}
	MaxRotation       = 10.0 // Degrees.
	RotationProb      = 0.5
	FlipProb          = 0.5
	ElasticProb       = 0.5
	ElasticAlpha      = 0.03 // Maximum displacement, as a fraction of the shorter side.
	ElasticGridCells  = 4    // Cells of the coarse displacement grid, per side.
	SaltPepperProb    = 0.5
	SaltPepperAmount  = 0.005 // Fraction of the pixels set to black or white.
	BrightnessRange   = 20.0  // Percentage, plus or minus.
	ContrastRange     = 20.0  // Percentage, plus or minus.
	EraserProb        = 0.5
	EraserAreaRange   = [2]float64{0.02, 0.2}
	EraserAspectRange = [2]float64{0.3, 3.3}
	backgroundColor   = color.Black
	geometricFilter   = imaging.Linear
	maskResizeFilter  = imaging.NearestNeighbor
)

// TrainTransform applies a random augmentation to the image and its mask, and crops both to size x size.
//
// Geometric transformations (rotation, scaling, cropping, flipping and elastic warping) are applied
// identically to both. Salt-and-pepper noise, brightness, contrast and random erasing only change
// the image. mask may be nil.
func TrainTransform(img, mask image.Image, size int, rng *rand.Rand) (image.Image, image.Image) {
	if rng.Float64() < RotationProb {
		angle := (2*rng.Float64() - 1) * MaxRotation
		img = imaging.Rotate(img, angle, backgroundColor)
		if mask != nil {
			mask = imaging.Rotate(mask, angle, backgroundColor)
		}
	}

	scale := ScaleRange[0] + rng.Float64()*(ScaleRange[1]-ScaleRange[0])
	width, height := scaledSize(img.Bounds().Size(), float64(size)*scale)
	img = padTo(imaging.Resize(img, width, height, geometricFilter), size)
	if mask != nil {
		mask = padTo(imaging.Resize(mask, width, height, maskResizeFilter), size)
	}
	bounds := img.Bounds().Size()
	x0, y0 := rng.Intn(bounds.X-size+1), rng.Intn(bounds.Y-size+1)
	crop := image.Rect(x0, y0, x0+size, y0+size)
	img = imaging.Crop(img, crop)
	if mask != nil {
		mask = imaging.Crop(mask, crop)
	}

	if rng.Float64() < FlipProb {
		img = imaging.FlipH(img)
		if mask != nil {
			mask = imaging.FlipH(mask)
		}
	}

	if rng.Float64() < ElasticProb {
		img, mask = ElasticTransform(img, mask, rng)
	}
	if rng.Float64() < SaltPepperProb {
		img = AddSaltPepperNoise(img, SaltPepperAmount, rng)
	}
	img = imaging.AdjustBrightness(img, (2*rng.Float64()-1)*BrightnessRange)
	img = imaging.AdjustContrast(img, (2*rng.Float64()-1)*ContrastRange)
	if rng.Float64() < EraserProb {
		img = Erase(img, rng)
	}
	return img, mask
}

// ElasticTransform warps the image and its mask with the same smooth random displacement field.
//
// Displacements of up to ElasticAlpha times the shorter side are drawn on a coarse grid of
// ElasticGridCells x ElasticGridCells cells and bilinearly interpolated to every pixel. The image is
// sampled bilinearly and the mask with the nearest pixel, so the mask keeps its original values.
// Coordinates falling outside are clamped to the border. mask may be nil.
func ElasticTransform(img, mask image.Image, rng *rand.Rand) (image.Image, image.Image) {
	src := imaging.Clone(img)
	size := src.Bounds().Size()
	width, height := size.X, size.Y
	gridSide := ElasticGridCells + 1
	maxShift := ElasticAlpha * float64(min(width, height))
	dx, dy := make([]float64, gridSide*gridSide), make([]float64, gridSide*gridSide)
	for ii := range dx {
		dx[ii] = (2*rng.Float64() - 1) * maxShift
		dy[ii] = (2*rng.Float64() - 1) * maxShift
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	var srcMask, dstMask *image.NRGBA
	if mask != nil {
		srcMask = imaging.Clone(mask)
		dstMask = image.NewNRGBA(dst.Rect)
	}
	for y := range height {
		gy := float64(y) * float64(ElasticGridCells) / float64(max(height-1, 1))
		for x := range width {
			gx := float64(x) * float64(ElasticGridCells) / float64(max(width-1, 1))
			sx := float64(x) + interpolateGrid(dx, gridSide, gx, gy)
			sy := float64(y) + interpolateGrid(dy, gridSide, gx, gy)
			sampleBilinear(src, sx, sy, dst.Pix[dst.PixOffset(x, y):][:4])
			if dstMask != nil {
				sampleNearest(srcMask, sx, sy, dstMask.Pix[dstMask.PixOffset(x, y):][:4])
			}
		}
	}
	if dstMask == nil {
		return dst, nil
	}
	return dst, dstMask
}

// interpolateGrid bilinearly interpolates the side x side grid at the fractional grid position (gx, gy).
func interpolateGrid(grid []float64, side int, gx, gy float64) float64 {
	x0, y0 := min(int(gx), side-2), min(int(gy), side-2)
	fx, fy := gx-float64(x0), gy-float64(y0)
	at := func(x, y int) float64 { return grid[y*side+x] }
	top := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
	bottom := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
	return top*(1-fy) + bottom*fy
}

func clampCoord(v float64, size int) float64 {
	return min(max(v, 0), float64(size-1))
}

// sampleBilinear writes to pixel the bilinear interpolation of src at (x, y).
func sampleBilinear(src *image.NRGBA, x, y float64, pixel []uint8) {
	size := src.Bounds().Size()
	x, y = clampCoord(x, size.X), clampCoord(y, size.Y)
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, size.X-1), min(y0+1, size.Y-1)
	fx, fy := x-float64(x0), y-float64(y0)
	p00 := src.Pix[src.PixOffset(x0, y0):]
	p10 := src.Pix[src.PixOffset(x1, y0):]
	p01 := src.Pix[src.PixOffset(x0, y1):]
	p11 := src.Pix[src.PixOffset(x1, y1):]
	for ch := range 4 {
		top := float64(p00[ch])*(1-fx) + float64(p10[ch])*fx
		bottom := float64(p01[ch])*(1-fx) + float64(p11[ch])*fx
		pixel[ch] = uint8(math.Round(top*(1-fy) + bottom*fy))
	}
}

// sampleNearest writes to pixel the pixel of src nearest to (x, y).
func sampleNearest(src *image.NRGBA, x, y float64, pixel []uint8) {
	size := src.Bounds().Size()
	x, y = clampCoord(math.Round(x), size.X), clampCoord(math.Round(y), size.Y)
	copy(pixel, src.Pix[src.PixOffset(int(x), int(y)):][:4])
}

// AddSaltPepperNoise returns a copy of img with a fraction amount of its pixels, chosen at random, set
// to black (pepper) or white (salt).
func AddSaltPepperNoise(img image.Image, amount float64, rng *rand.Rand) image.Image {
	out := imaging.Clone(img)
	size := out.Bounds().Size()
	numPixels := int(math.Round(amount * float64(size.X*size.Y)))
	for range numPixels {
		offset := out.PixOffset(rng.Intn(size.X), rng.Intn(size.Y))
		var value uint8
		if rng.Intn(2) == 1 {
			value = 255
		}
		out.Pix[offset], out.Pix[offset+1], out.Pix[offset+2] = value, value, value
	}
	return out
}

// Erase returns a copy of img with a random rectangle filled with a random opaque color.
//
// The rectangle covers a fraction of the image area drawn from EraserAreaRange, with an aspect
// ratio (width / height) drawn log-uniformly from EraserAspectRange.
func Erase(img image.Image, rng *rand.Rand) image.Image {
	size := img.Bounds().Size()
	area := float64(size.X*size.Y) * (EraserAreaRange[0] + rng.Float64()*(EraserAreaRange[1]-EraserAreaRange[0]))
	logMin, logMax := math.Log(EraserAspectRange[0]), math.Log(EraserAspectRange[1])
	aspect := math.Exp(logMin + rng.Float64()*(logMax-logMin))
	width := min(size.X, max(1, int(math.Round(math.Sqrt(area*aspect)))))
	height := min(size.Y, max(1, int(math.Round(math.Sqrt(area/aspect)))))
	x0, y0 := rng.Intn(size.X-width+1), rng.Intn(size.Y-height+1)
	fill := color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
	return imaging.Paste(img, imaging.New(width, height, fill), image.Pt(x0, y0))
}

// TestTransform deterministically scales the image and its mask so the shorter side is size, and
// crops the center to size x size. mask may be nil.
func TestTransform(img, mask image.Image, size int) (image.Image, image.Image) {
	img = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	if mask != nil {
		mask = imaging.Fill(mask, size, size, imaging.Center, maskResizeFilter)
	}
	return img, mask
}

// scaledSize returns the dimensions of an image of the given size resized so its shorter side is shortSide.
func scaledSize(size image.Point, shortSide float64) (width, height int) {
	ratio := shortSide / float64(min(size.X, size.Y))
	width = max(1, int(math.Round(float64(size.X)*ratio)))
	height = max(1, int(math.Round(float64(size.Y)*ratio)))
	return
}

// padTo centers img on a background at least size x size.
func padTo(img *image.NRGBA, size int) *image.NRGBA {
	bounds := img.Bounds().Size()
	if bounds.X >= size && bounds.Y >= size {
		return img
	}
	background := imaging.New(max(bounds.X, size), max(bounds.Y, size), backgroundColor)
	return imaging.PasteCenter(background, img)
}

// MaskToClasses converts a grayscale mask to class indices: pixels brighter than 127 are class 1,
// the others class 0. The values are appended to classes in row-major order.
func MaskToClasses(mask image.Image, classes []int32) []int32 {
	gray := imaging.Grayscale(mask)
	bounds := gray.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var class int32
			if gray.Pix[gray.PixOffset(x, y)] > 127 {
				class = 1
			}
			classes = append(classes, class)
		}
	}
	return classes
}
