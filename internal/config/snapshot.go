// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SnapshotFileName is the name of the configuration snapshot written in each run directory.
const SnapshotFileName = "config.yaml"

// RunDirLayout is the time layout of run directory names, with microseconds: e.g. 20240131_174501.123456.
const RunDirLayout = "20060102_150405.000000"

// Snapshot is what gets written to config.yaml: the effective configuration of the run plus
// identification of the run.
type Snapshot struct {
	RunID     string         `yaml:"run_id"`
	StartTime time.Time      `yaml:"start_time"`
	Config    TrainingConfig `yaml:"config"`

	// ModelSettings are the hyperparameters of the model, as set in the context.
	ModelSettings map[string]any `yaml:"model_settings,omitempty"`
}

// NewRunDir creates a new timestamp-named directory under root and returns its path.
func NewRunDir(root string, now time.Time) (string, error) {
	name := now.Format(RunDirLayout)
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create run directory %q", dir)
	}
	return dir, nil
}

// WriteSnapshot writes snapshot as YAML to SnapshotFileName in dir.
func WriteSnapshot(dir string, snapshot *Snapshot) error {
	blob, err := yaml.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to serialize configuration snapshot")
	}
	path := filepath.Join(dir, SnapshotFileName)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// ReadSnapshot reads back the configuration snapshot written by WriteSnapshot.
func ReadSnapshot(dir string) (*Snapshot, error) {
	path := filepath.Join(dir, SnapshotFileName)
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	snapshot := &Snapshot{}
	if err := yaml.Unmarshal(blob, snapshot); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	return snapshot, nil
}
