// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/advseg/internal/checkpoint"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// PrintCheckpoint writes a summary of the checkpoint to w: its position, metadata and the size
// of each of its sections. With vars set, it also lists every stored value.
func PrintCheckpoint(w io.Writer, path string, rec *checkpoint.Record, vars bool) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Checkpoint"))
	table := newPlainTable(false)
	table.Row("path", path)
	table.Row("epoch", humanize.Comma(int64(rec.Epoch)))
	table.Row("iteration", humanize.Comma(int64(rec.Iteration)))
	table.Row("run id", rec.Metadata.RunID)
	table.Row("saved", humanize.Time(rec.Metadata.WallTime))
	if rec.Metadata.Validated {
		table.Row("best mean Dice", fmt.Sprintf("%.4f", rec.Metadata.BestMeanDice))
	}
	_, _ = fmt.Fprintln(w, table.Render())

	sections := []struct {
		name   string
		values checkpoint.Values
	}{
		{checkpoint.SectionModel, rec.Model},
		{checkpoint.SectionModelOptimizer, rec.ModelOptimizer},
		{checkpoint.SectionDiscriminators, rec.Discriminators},
		{checkpoint.SectionDiscriminatorOptimizer, rec.DiscriminatorOptimizers},
	}
	table = newPlainTable(true)
	table.Headers("Section", "# values", "# parameters", "Bytes")
	for _, section := range sections {
		var size, memory int
		for _, t := range section.values {
			size += t.Shape().Size()
			memory += int(t.Shape().Memory())
		}
		table.Row(section.name, humanize.Comma(int64(len(section.values))),
			humanize.Comma(int64(size)), humanize.Bytes(uint64(memory)))
	}
	_, _ = fmt.Fprintln(w, table.Render())

	if !vars {
		return
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("Values"))
	table = newPlainTable(true)
	table.Headers("Key", "Shape", "Bytes")
	for _, section := range sections {
		keys := make([]string, 0, len(section.values))
		for key := range section.values {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			shape := section.values[key].Shape()
			table.Row(key, shape.String(), humanize.Bytes(uint64(shape.Memory())))
		}
	}
	_, _ = fmt.Fprintln(w, table.Render())
}
