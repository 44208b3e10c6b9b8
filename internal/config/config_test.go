// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, -1, cfg.WarmupEpoch)
	assert.Equal(t, 200, cfg.LastEpoch())
	cfg.StopEpoch = 3
	assert.Equal(t, 3, cfg.LastEpoch())
}

func TestValidate(t *testing.T) {
	testCases := map[string]func(c *TrainingConfig){
		"batch_size":       func(c *TrainingConfig) { c.BatchSize = 0 },
		"interval":         func(c *TrainingConfig) { c.IntervalValidate = 0 },
		"warmup_zero":      func(c *TrainingConfig) { c.WarmupEpoch = 0 },
		"warmup_negative":  func(c *TrainingConfig) { c.WarmupEpoch = -2 },
		"decay":            func(c *TrainingConfig) { c.LRDecreaseRate = 1.5 },
		"momentum":         func(c *TrainingConfig) { c.Momentum = 1 },
		"image_size":       func(c *TrainingConfig) { c.ImageSize = 30 },
		"same_labels":      func(c *TrainingConfig) { c.TargetLabel = c.SourceLabel },
		"negative_device":  func(c *TrainingConfig) { c.Devices = DeviceList{-1} },
		"duplicate_device": func(c *TrainingConfig) { c.Devices = DeviceList{0, 0} },
		"negative_weight":  func(c *TrainingConfig) { c.LossWeights.AdvAux = -1 },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestParseLossWeights(t *testing.T) {
	w, err := ParseLossWeights("seg_aux=0.2, adv_main=0.01", DefaultLossWeights())
	require.NoError(t, err)
	assert.Equal(t, 0.2, w.SegAux)
	assert.Equal(t, 0.01, w.AdvMain)
	assert.Equal(t, 1.0, w.SegMain)

	_, err = ParseLossWeights("unknown=1", DefaultLossWeights())
	require.Error(t, err)
	_, err = ParseLossWeights("seg_aux", DefaultLossWeights())
	require.Error(t, err)
	_, err = ParseLossWeights("seg_aux=abc", DefaultLossWeights())
	require.Error(t, err)

	w, err = ParseLossWeights("", DefaultLossWeights())
	require.NoError(t, err)
	assert.Equal(t, DefaultLossWeights(), w)
}

func TestDeviceList(t *testing.T) {
	list, err := ParseDeviceList("0, 1")
	require.NoError(t, err)
	assert.Equal(t, DeviceList{0, 1}, list)
	assert.Equal(t, "0,1", list.String())
	require.NoError(t, list.Validate(2))
	require.Error(t, list.Validate(1))

	list, err = ParseDeviceList("")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = ParseDeviceList("0,x")
	require.Error(t, err)
	_, err = ParseDeviceList("1,1")
	require.Error(t, err)
	_, err = ParseDeviceList("-1")
	require.Error(t, err)

	require.Error(t, DeviceList{3}.Validate(2))
}

func TestResolveDevicesOnCPU(t *testing.T) {
	goBackend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	defer goBackend.Finalize()
	for _, backend := range []backends.Backend{goBackend, graphtest.BuildTestBackend()} {
		assert.False(t, IsAccelerated(backend), "backend %q", backend.Name())

		// Requesting GPUs on a machine without accelerators falls back to the CPU.
		devices, err := ResolveDevices(backend, DeviceList{0, 1})
		require.NoError(t, err, "backend %q", backend.Name())
		assert.Equal(t, DeviceList{0}, devices)

		devices, err = ResolveDevices(backend, nil)
		require.NoError(t, err)
		assert.Equal(t, DeviceList{0}, devices)
	}
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2024, 1, 31, 17, 45, 1, 123456000, time.UTC)
	dir, err := NewRunDir(t.TempDir(), now)
	require.NoError(t, err)
	assert.Contains(t, dir, "20240131_174501.123456")

	cfg := Default()
	cfg.Devices = DeviceList{0, 1}
	require.NoError(t, WriteSnapshot(dir, &Snapshot{RunID: "run", StartTime: now, Config: cfg}))
	got, err := ReadSnapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, "run", got.RunID)
	assert.Equal(t, cfg, got.Config)
	assert.True(t, now.Equal(got.StartTime))
}
