// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/advseg/internal/trainer"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "advseg.report.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// MaxUpdateFrequency is the minimum time between two redraws of the progress bar.
var MaxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar displays the progress of the current epoch, with a table of the latest losses,
// and a summary table at the end of each epoch.
//
// Drawing happens asynchronously, so a slow terminal doesn't slow down training.
type ProgressBar struct {
	out            io.Writer
	termenv        *termenv.Output
	statsStyle     lipgloss.Style
	statsTable     *lgtable.Table
	extraMetricFns []ExtraMetricFn

	updates   chan progressUpdate
	drawDone  sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	// Owned by the drawing goroutine.
	bar          *progressbar.ProgressBar
	barEpoch     int
	linesPrinted int
}

type progressUpdate struct {
	epoch, maxSteps, amount int
	rows                    [][]string
	endOfEpoch              bool
}

// AttachProgressBar creates a progress bar writing to out (typically os.Stdout), and attaches it
// to the trainer.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// The progress bar is closed when training ends. If training is interrupted, call
// ProgressBar.Close.
func AttachProgressBar(tr *trainer.Trainer, out io.Writer, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
		updates:        make(chan progressUpdate, 100), // Large buffer so training is not blocked.
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.drawDone.Add(1)
	go pBar.drawLoop()

	tr.OnStep(ProgressBarName, 0, pBar.onStep)
	tr.OnEpochEnd(ProgressBarName, 0, pBar.onEpochEnd)
	tr.OnEnd(ProgressBarName, 0, func(_ *trainer.Trainer, _ trainer.Cursor) error {
		pBar.Close()
		return nil
	})
	return pBar
}

// Close waits for the pending updates to be drawn and stops the progress bar. It can be called
// more than once.
func (pBar *ProgressBar) Close() {
	pBar.closeOnce.Do(func() {
		pBar.closed.Store(true)
		close(pBar.updates)
		pBar.drawDone.Wait()
		pBar.termenv.ShowCursor()
	})
}

func (pBar *ProgressBar) onStep(tr *trainer.Trainer, step trainer.StepMetrics) error {
	if pBar.closed.Load() {
		return nil
	}
	pBar.updates <- progressUpdate{
		epoch:    step.Cursor.Epoch,
		maxSteps: tr.StepsPerEpoch(),
		amount:   1,
		rows: [][]string{
			{"Iteration", humanize.Comma(int64(step.Cursor.Iteration))},
			{"Learning rate", strconv.FormatFloat(step.LR, 'g', 4, 64)},
			{"Segmentation loss (aux, main)", fmt.Sprintf("%.4f, %.4f", step.SegAux, step.SegMain)},
			{"Adversarial loss (aux, main)", fmt.Sprintf("%.4f, %.4f", step.AdvAux, step.AdvMain)},
			{"Discriminator loss (aux, main)", fmt.Sprintf("%.4f, %.4f", step.DiscAux, step.DiscMain)},
			{"Step duration", FormatDuration(step.Duration)},
		},
	}
	return nil
}

func (pBar *ProgressBar) onEpochEnd(tr *trainer.Trainer, summary trainer.EpochSummary) error {
	if pBar.closed.Load() {
		return nil
	}
	validation := "-"
	if summary.Validation != nil {
		validation = fmt.Sprintf("mean Dice=%.4f, mean IoU=%.4f", summary.Validation.MeanDice, summary.Validation.MeanIoU)
		if summary.Improved {
			validation += " (best)"
		}
	}
	rows := [][]string{
		{"Epoch", strconv.Itoa(summary.Epoch)},
		{"Steps", humanize.Comma(int64(summary.Steps))},
		{"Mean losses", summary.Mean.String()},
		{"Validation", validation},
	}
	if best, ok := tr.Best(); ok {
		rows = append(rows, []string{"Best mean Dice", fmt.Sprintf("%.4f", best)})
	}
	rows = append(rows,
		[]string{"Checkpoint", filepath.Base(summary.Checkpoint)},
		[]string{"Duration", FormatDuration(summary.Duration)})
	pBar.updates <- progressUpdate{epoch: summary.Epoch, rows: rows, endOfEpoch: true}
	return nil
}

// drawLoop asynchronously draws the updates. Consecutive step updates of the same epoch already
// in the buffer are merged.
func (pBar *ProgressBar) drawLoop() {
	defer pBar.drawDone.Done()
	var pending *progressUpdate
	for {
		var update progressUpdate
		if pending != nil {
			update, pending = *pending, nil
		} else {
			var ok bool
			if update, ok = <-pBar.updates; !ok {
				return
			}
		}
		amount := update.amount
		if !update.endOfEpoch {
		exhaust:
			for {
				select {
				case next, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					if next.endOfEpoch || next.epoch != update.epoch {
						pending = &next
						break exhaust
					}
					amount += next.amount
					update = next
				default:
					break exhaust
				}
			}
		}
		pBar.draw(update, amount)
		if !update.endOfEpoch && pending == nil {
			time.Sleep(MaxUpdateFrequency)
		}
	}
}

func (pBar *ProgressBar) renderTable(rows [][]string) string {
	pBar.statsTable.Data(lgtable.NewStringData())
	for _, row := range rows {
		pBar.statsTable.Row(row...)
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		pBar.statsTable.Row(name, value)
	}
	return pBar.statsStyle.Render(pBar.statsTable.String())
}

func (pBar *ProgressBar) draw(update progressUpdate, amount int) {
	if update.endOfEpoch {
		if pBar.bar != nil {
			_ = pBar.bar.Finish()
			_, _ = fmt.Fprintln(pBar.out)
		}
		pBar.bar, pBar.linesPrinted = nil, 0
		_, _ = fmt.Fprintln(pBar.out, pBar.renderTable(update.rows))
		return
	}

	if pBar.bar == nil || pBar.barEpoch != update.epoch {
		maxSteps := update.maxSteps
		if maxSteps <= 0 {
			maxSteps = 1000 // Guess for the first epoch.
		}
		pBar.bar = progressbar.NewOptions(maxSteps,
			progressbar.OptionSetDescription(fmt.Sprintf("      [bold]epoch %d[reset]", update.epoch)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(ProgressbarStyle),
			progressbar.OptionSetWriter(pBar.out),
		)
		pBar.barEpoch, pBar.linesPrinted = update.epoch, 0
	}

	// Overwrite the previous table and bar.
	pBar.termenv.HideCursor()
	if pBar.linesPrinted > 0 {
		pBar.termenv.CursorPrevLine(pBar.linesPrinted)
	}
	table := pBar.renderTable(update.rows)
	_, _ = fmt.Fprintln(pBar.out, table)
	_ = pBar.bar.Add(amount)
	_, _ = fmt.Fprintln(pBar.out)
	pBar.linesPrinted = strings.Count(table, "\n") + 2
	pBar.termenv.ShowCursor()
}

var durationRegex = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegex.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
