// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotWidth and PlotHeight are the dimensions of the validation plot.
var (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

var plotColors = []color.Color{
	color.RGBA{R: 0x70, G: 0x50, B: 0x90, A: 0xff},
	color.RGBA{R: 0xe0, G: 0x80, B: 0x20, A: 0xff},
	color.RGBA{R: 0x20, G: 0x90, B: 0x60, A: 0xff},
	color.RGBA{R: 0x30, G: 0x60, B: 0xc0, A: 0xff},
}

type curve struct {
	name  string
	value func(e Entry) float64
}

// Plot saves the validation curves (mean Dice, mean IoU and the Dice of each class) per epoch to
// path. The image format follows the extension of path, e.g. ".png".
func (h *History) Plot(path string) error {
	entries := h.Entries()
	if len(entries) == 0 {
		return errors.Errorf("no validation to plot in %q", path)
	}
	p := plot.New()
	p.Title.Text = "Validation"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "score"
	p.Y.Min = 0
	p.Y.Max = 1
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = true

	curves := []curve{
		{"mean Dice", func(e Entry) float64 { return e.MeanDice }},
		{"mean IoU", func(e Entry) float64 { return e.MeanIoU }},
	}
	for class := range entries[len(entries)-1].Dice {
		curves = append(curves, curve{fmt.Sprintf("Dice #%d", class), func(e Entry) float64 {
			if class < len(e.Dice) {
				return e.Dice[class]
			}
			return 0
		}})
	}

	for ii, cv := range curves {
		points := make(plotter.XYs, len(entries))
		for row, e := range entries {
			points[row].X = float64(e.Epoch)
			points[row].Y = cv.value(e)
		}
		line, scatter, err := plotter.NewLinePoints(points)
		if err != nil {
			return errors.Wrapf(err, "plotting %q", cv.name)
		}
		c := plotColors[ii%len(plotColors)]
		line.Color = c
		scatter.Color = c
		if ii >= 2 {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line, scatter)
		p.Legend.Add(cv.name, line, scatter)
	}
	if err := p.Save(PlotWidth, PlotHeight, path); err != nil {
		return errors.Wrapf(err, "failed to save validation plot to %q", path)
	}
	return nil
}
