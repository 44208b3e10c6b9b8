// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"path/filepath"
	"time"

	"github.com/gomlx/advseg/internal/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names of the validation history in the run directory.
const (
	HistoryFileName = "validation.csv"
	PlotFileName    = "validation.png"
)

// HistoryName is the name of the hooks registered by AttachHistory.
const HistoryName = "advseg.report.history"

// AttachHistory loads the validation history in dir, if any, and attaches hooks to the trainer
// that append every validation to it, and save both dir/validation.csv and dir/validation.png.
//
// When training starts, entries from the starting epoch onwards are dropped: they belong to a
// previous attempt that is being redone.
func AttachHistory(tr *trainer.Trainer, dir string) (*History, error) {
	csvPath := filepath.Join(dir, HistoryFileName)
	plotPath := filepath.Join(dir, PlotFileName)
	h, err := LoadHistory(csvPath)
	if err != nil {
		return nil, err
	}
	tr.OnStart(HistoryName, 0, func(_ *trainer.Trainer, from trainer.Cursor) error {
		before := h.Len()
		if err := h.Truncate(from.Epoch - 1); err != nil {
			return err
		}
		if dropped := before - h.Len(); dropped > 0 {
			klog.Infof("validation history: dropped %d entries from epoch %d onwards", dropped, from.Epoch)
		}
		return h.Save(csvPath)
	})
	tr.OnEpochEnd(HistoryName, 0, func(_ *trainer.Trainer, summary trainer.EpochSummary) error {
		if summary.Validation == nil {
			return nil
		}
		v := summary.Validation
		err := h.Append(Entry{
			Epoch:     summary.Epoch,
			Iteration: summary.Cursor.Iteration - 1,
			MeanDice:  v.MeanDice,
			MeanIoU:   v.MeanIoU,
			Dice:      v.Dice,
			IoU:       v.IoU,
			SegMain:   summary.Mean.SegMain,
			AdvMain:   summary.Mean.AdvMain,
			DiscMain:  summary.Mean.DiscMain,
			Time:      time.Now(),
		})
		if err != nil {
			return err
		}
		if err = h.Save(csvPath); err != nil {
			return errors.WithMessagef(err, "epoch %d", summary.Epoch)
		}
		if err = h.Plot(plotPath); err != nil {
			klog.Warningf("validation plot not updated: %+v", err)
		}
		return nil
	})
	return h, nil
}
