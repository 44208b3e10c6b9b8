// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report records and displays the progress of a training run: the validation history
// (a CSV file and its plot) and a command-line progress bar with the latest losses.
//
// Everything is attached to a trainer.Trainer as hooks, see AttachHistory and AttachProgressBar.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// Names of the history columns. Per-class scores are stored in DiceColumnPrefix+"<class>" and
// IoUColumnPrefix+"<class>".
const (
	EpochColumn      = "epoch"
	IterationColumn  = "iteration"
	MeanDiceColumn   = "mean_dice"
	MeanIoUColumn    = "mean_iou"
	SegMainColumn    = "seg_main"
	AdvMainColumn    = "adv_main"
	DiscMainColumn   = "disc_main"
	TimeColumn       = "time"
	DiceColumnPrefix = "dice_"
	IoUColumnPrefix  = "iou_"
)

var columnTypes = map[string]series.Type{
	EpochColumn:     series.Int,
	IterationColumn: series.Int,
	MeanDiceColumn:  series.Float,
	MeanIoUColumn:   series.Float,
	SegMainColumn:   series.Float,
	AdvMainColumn:   series.Float,
	DiscMainColumn:  series.Float,
	TimeColumn:      series.String,
}

// Entry is one validation of the history.
type Entry struct {
	Epoch, Iteration  int
	MeanDice, MeanIoU float64

	// Dice and IoU per class.
	Dice, IoU []float64

	// Mean losses of the epoch.
	SegMain, AdvMain, DiscMain float64

	Time time.Time
}

// History of the validations of a run, backed by a dataframe with one row per validation.
type History struct {
	df *dataframe.DataFrame
}

// LoadHistory reads the history from a CSV file written by History.Save. A missing file is an
// empty history.
func LoadHistory(path string) (*History, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &History{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(columnTypes))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse history %q", path)
	}
	for name := range columnTypes {
		if !slices.Contains(df.Names(), name) {
			return nil, errors.Errorf("history %q is missing column %q", path, name)
		}
	}
	return &History{df: &df}, nil
}

// Len returns the number of entries.
func (h *History) Len() int {
	if h.df == nil {
		return 0
	}
	return h.df.Nrow()
}

// Append adds an entry at the end of the history.
func (h *History) Append(e Entry) error {
	cols := []series.Series{
		series.New([]int{e.Epoch}, series.Int, EpochColumn),
		series.New([]int{e.Iteration}, series.Int, IterationColumn),
		series.New([]float64{e.MeanDice}, series.Float, MeanDiceColumn),
		series.New([]float64{e.MeanIoU}, series.Float, MeanIoUColumn),
		series.New([]float64{e.SegMain}, series.Float, SegMainColumn),
		series.New([]float64{e.AdvMain}, series.Float, AdvMainColumn),
		series.New([]float64{e.DiscMain}, series.Float, DiscMainColumn),
		series.New([]string{e.Time.UTC().Format(time.RFC3339)}, series.String, TimeColumn),
	}
	for ii := range e.Dice {
		cols = append(cols,
			series.New([]float64{e.Dice[ii]}, series.Float, DiceColumnPrefix+strconv.Itoa(ii)),
			series.New([]float64{e.IoU[ii]}, series.Float, IoUColumnPrefix+strconv.Itoa(ii)))
	}
	row := dataframe.New(cols...)
	if row.Err != nil {
		return errors.Wrapf(row.Err, "history entry for epoch %d", e.Epoch)
	}
	if h.df == nil {
		h.df = &row
		return nil
	}
	merged := h.df.RBind(row)
	if merged.Err != nil {
		return errors.Wrapf(merged.Err, "failed to append entry for epoch %d to history", e.Epoch)
	}
	h.df = &merged
	return nil
}

// Truncate drops the entries after the given epoch. It is used when a run is resumed from an
// earlier checkpoint than its last validation.
func (h *History) Truncate(lastEpoch int) error {
	if h.Len() == 0 {
		return nil
	}
	kept := h.df.Filter(dataframe.F{Colname: EpochColumn, Comparator: series.LessEq, Comparando: lastEpoch})
	if kept.Err != nil {
		return errors.Wrapf(kept.Err, "failed to truncate history after epoch %d", lastEpoch)
	}
	h.df = &kept
	return nil
}

// Best returns the entry with the highest mean Dice. The earliest one wins ties.
func (h *History) Best() (Entry, bool) {
	entries := h.Entries()
	if len(entries) == 0 {
		return Entry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.MeanDice > best.MeanDice {
			best = e
		}
	}
	return best, true
}

// Entries returns all the entries, in the order they were appended.
func (h *History) Entries() []Entry {
	n := h.Len()
	if n == 0 {
		return nil
	}
	epochs, _ := h.df.Col(EpochColumn).Int()
	iterations, _ := h.df.Col(IterationColumn).Int()
	meanDice := h.df.Col(MeanDiceColumn).Float()
	meanIoU := h.df.Col(MeanIoUColumn).Float()
	segMain := h.df.Col(SegMainColumn).Float()
	advMain := h.df.Col(AdvMainColumn).Float()
	discMain := h.df.Col(DiscMainColumn).Float()
	times := h.df.Col(TimeColumn).Records()

	var diceCols, iouCols [][]float64
	for class := 0; ; class++ {
		diceName := DiceColumnPrefix + strconv.Itoa(class)
		iouName := IoUColumnPrefix + strconv.Itoa(class)
		if !slices.Contains(h.df.Names(), diceName) || !slices.Contains(h.df.Names(), iouName) {
			break
		}
		diceCols = append(diceCols, h.df.Col(diceName).Float())
		iouCols = append(iouCols, h.df.Col(iouName).Float())
	}

	entries := make([]Entry, n)
	for row := range n {
		e := Entry{
			Epoch:     epochs[row],
			Iteration: iterations[row],
			MeanDice:  meanDice[row],
			MeanIoU:   meanIoU[row],
			SegMain:   segMain[row],
			AdvMain:   advMain[row],
			DiscMain:  discMain[row],
		}
		e.Time, _ = time.Parse(time.RFC3339, times[row])
		for class := range diceCols {
			e.Dice = append(e.Dice, diceCols[class][row])
			e.IoU = append(e.IoU, iouCols[class][row])
		}
		entries[row] = e
	}
	return entries
}

// Save writes the history as CSV to path. The file is replaced atomically.
func (h *History) Save(path string) error {
	if h.Len() == 0 {
		return nil
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to save history %q", path)
	}
	tmpPath := f.Name()
	err = h.df.WriteCSV(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to save history %q", path)
	}
	return nil
}

// String implements fmt.Stringer.
func (h *History) String() string {
	if h.Len() == 0 {
		return "history(empty)"
	}
	var sb strings.Builder
	for _, e := range h.Entries() {
		_, _ = fmt.Fprintf(&sb, "epoch %d: mean Dice=%.4f, mean IoU=%.4f\n", e.Epoch, e.MeanDice, e.MeanIoU)
	}
	return sb.String()
}
