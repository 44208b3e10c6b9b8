// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(epoch, iteration int, value float32) *Record {
	return &Record{
		Epoch:     epoch,
		Iteration: iteration,
		Metadata: Metadata{
			RunID:        "run-1",
			WallTime:     time.Date(2024, 1, 31, 17, 45, 1, 0, time.UTC),
			BestMeanDice: 0.5,
			Validated:    true,
		},
		Model: Values{
			"/segmentation/conv1/conv/weights": tensors.FromValue([][]float32{{value, 2}, {3, 4}}),
			"/segmentation/conv1/conv/biases":  tensors.FromValue([]float32{value}),
		},
		ModelOptimizer: Values{
			"/optimizers/model/step": tensors.FromScalar(int64(iteration + 1)),
		},
		Discriminators: Values{
			"/discriminator_main/classifier/conv/weights": tensors.FromValue([]float64{-1, float64(value)}),
		},
	}
}

func TestSaveAndLoad(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "checkpoints"), 0)
	require.NoError(t, err)
	path, err := store.Save(testRecord(0, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-n0000000-e0000-i000000003.ckpt", filepath.Base(path))

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Epoch)
	assert.Equal(t, 3, rec.Iteration)
	assert.Equal(t, "run-1", rec.Metadata.RunID)
	assert.True(t, rec.Metadata.WallTime.Equal(time.Date(2024, 1, 31, 17, 45, 1, 0, time.UTC)))
	assert.Equal(t, 0.5, rec.Metadata.BestMeanDice)
	assert.Equal(t, 4, rec.NumVariables())
	assert.Equal(t, []float32{1, 2, 3, 4},
		tensors.MustCopyFlatData[float32](rec.Model["/segmentation/conv1/conv/weights"]))
	assert.Equal(t, []int{2, 2}, rec.Model["/segmentation/conv1/conv/weights"].Shape().Dimensions)
	assert.Equal(t, int64(4), tensors.ToScalar[int64](rec.ModelOptimizer["/optimizers/model/step"]))
	assert.Equal(t, []float64{-1, 1},
		tensors.MustCopyFlatData[float64](rec.Discriminators["/discriminator_main/classifier/conv/weights"]))
	assert.Empty(t, rec.DiscriminatorOptimizers)
}

func TestNumberingAndPruning(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 2)
	require.NoError(t, err)
	for epoch := range 3 {
		_, err := store.Save(testRecord(epoch, 10*epoch+9, float32(epoch)))
		require.NoError(t, err)
	}
	_, err = store.SaveAs("best", testRecord(1, 19, 1))
	require.NoError(t, err)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "checkpoint-n0000001-e0001-i000000019.ckpt", filepath.Base(list[0]))
	assert.Equal(t, "checkpoint-n0000002-e0002-i000000029.ckpt", filepath.Base(list[1]))
	_, err = os.Stat(store.Named("best"))
	require.NoError(t, err, "named checkpoints are never pruned")

	// Reopening continues the numbering.
	store, err = Open(dir, 2)
	require.NoError(t, err)
	path, err := store.Save(testRecord(3, 39, 3))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "checkpoint-n0000003-"))
	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, path, latest)

	_, err = store.SaveAs("../escape", testRecord(0, 0, 0))
	require.Error(t, err)
}

func TestFailedWriteKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, 1)
	require.NoError(t, err)
	good, err := store.Save(testRecord(0, 3, 7))
	require.NoError(t, err)
	_, err = store.SaveAs("best", testRecord(0, 3, 7))
	require.NoError(t, err)

	bad := testRecord(1, 7, 8)
	invalid := tensors.FromValue([]float32{1, 2})
	invalid.MustFinalizeAll()
	bad.Model["/segmentation/conv1/conv/biases"] = invalid
	_, err = store.Save(bad)
	require.Error(t, err)
	_, err = store.SaveAs("best", bad)
	require.Error(t, err)

	// Previous checkpoints are intact, and not pruned.
	list, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{good}, list)
	for _, path := range []string{good, store.Named("best")} {
		rec, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, []float32{7}, tensors.MustCopyFlatData[float32](rec.Model["/segmentation/conv1/conv/biases"]))
	}

	// No temporary files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".tmp-"), "leftover %q", entry.Name())
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a checkpoint"), 0o644))
	_, err := Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)
}

func TestRestorePartial(t *testing.T) {
	ctx := context.New()
	w := ctx.In("segmentation").In("conv1").In("conv").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}})
	b := ctx.In("segmentation").In("conv1").In("conv").VariableWithValue("biases", []float32{0})
	extra := ctx.In("segmentation").In("layer6").VariableWithValue("w", []float32{5, 5})
	vars := []*context.Variable{b, w, extra}

	rec := testRecord(0, 0, 9)
	rec.Model["/segmentation/other/w"] = tensors.FromValue([]float32{1})
	report, err := RestorePartial(vars, rec.Model)
	require.NoError(t, err)
	assert.Equal(t, []string{"/segmentation/conv1/conv/biases", "/segmentation/conv1/conv/weights"}, report.Restored)
	assert.Equal(t, []string{"/segmentation/layer6/w"}, report.Missing)
	assert.Equal(t, []string{"/segmentation/other/w"}, report.Ignored)
	assert.Equal(t, []float32{9, 2, 3, 4}, tensors.MustCopyFlatData[float32](w.MustValue()))
	assert.Equal(t, []float32{5, 5}, tensors.MustCopyFlatData[float32](extra.MustValue()))

	// A shape mismatch fails without changing anything.
	values := Values{
		"/segmentation/conv1/conv/biases":  tensors.FromValue([]float32{-1}),
		"/segmentation/conv1/conv/weights": tensors.FromValue([]float32{1, 2, 3}),
	}
	_, err = RestorePartial(vars, values)
	var mismatch *StateMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "/segmentation/conv1/conv/weights", mismatch.Key)
	assert.Equal(t, []float32{9}, tensors.MustCopyFlatData[float32](b.MustValue()))
}

func TestRestoreAll(t *testing.T) {
	ctx := context.New()
	m1 := ctx.In("optimizers").In("model").VariableWithValue("x_momentum", []float32{0, 0})
	step := ctx.In("optimizers").In("model").VariableWithValue("step", int64(0))
	vars := []*context.Variable{m1, step}

	// Missing slot: all-or-nothing, nothing changes.
	err := RestoreAll(vars, Values{"/optimizers/model/step": tensors.FromScalar(int64(7))})
	var mismatch *StateMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "/optimizers/model/x_momentum", mismatch.Key)
	assert.Equal(t, int64(0), tensors.ToScalar[int64](step.MustValue()))

	// Wrong shape.
	err = RestoreAll(vars, Values{
		"/optimizers/model/step":       tensors.FromScalar(int64(7)),
		"/optimizers/model/x_momentum": tensors.FromValue([]float32{1, 2, 3}),
	})
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, int64(0), tensors.ToScalar[int64](step.MustValue()))

	// Complete state.
	require.NoError(t, RestoreAll(vars, Values{
		"/optimizers/model/step":       tensors.FromScalar(int64(7)),
		"/optimizers/model/x_momentum": tensors.FromValue([]float32{1, 2}),
	}))
	assert.Equal(t, int64(7), tensors.ToScalar[int64](step.MustValue()))
	assert.Equal(t, []float32{1, 2}, tensors.MustCopyFlatData[float32](m1.MustValue()))
}
