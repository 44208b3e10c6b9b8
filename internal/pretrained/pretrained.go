// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrained imports pretrained weights into the segmentation model before training
// starts (a cold start).
//
// Weights are read from a ".safetensors" file holding a flat mapping from keys to tensors. The
// native key of a model variable is its scope relative to the model scope, with "." as separator,
// followed by the variable name, e.g. "layer5.branch_0.conv.weights".
//
// Files whose path contains config.PretrainMarker use the ImageNet classification convention:
// their keys carry an extra leading component (e.g. "Scale.layer1.conv_a.conv.weights"), which is
// dropped, and their "layer5" entries belong to a classifier head that doesn't apply to
// segmentation, so they are skipped.
package pretrained

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/advseg/internal/checkpoint"
	"github.com/gomlx/advseg/internal/config"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KeySeparator separates the components of a key.
const KeySeparator = "."

// SkippedForeignLayer is the first key component (after the foreign prefix is dropped) of
// entries that are never imported.
const SkippedForeignLayer = "layer5"

// MissingPretrainError is returned when the pretrained weights file doesn't exist.
type MissingPretrainError struct {
	Path string
}

// Error implements error.
func (e *MissingPretrainError) Error() string {
	return fmt.Sprintf("pretrained weights file %q not found", e.Path)
}

// Report lists what an Import did.
type Report struct {
	// Foreign is true if the file used the foreign naming convention.
	Foreign bool

	// Loaded lists the native keys of the variables set from the file.
	Loaded []string

	// Skipped lists the file keys deliberately not imported.
	Skipped []string

	// Unmatched lists the file keys with no matching model variable.
	Unmatched []string

	// Untouched lists the native keys of the model variables not present in the file.
	Untouched []string
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	return fmt.Sprintf("loaded %d, skipped %d, unmatched %d, untouched %d",
		len(r.Loaded), len(r.Skipped), len(r.Unmatched), len(r.Untouched))
}

// IsForeign returns whether the file at path uses the foreign naming convention.
func IsForeign(path string) bool {
	return strings.Contains(path, config.PretrainMarker)
}

// NativeKey returns the key of variable v under the model scope modelScope
// (an absolute scope, e.g. "/segmentation").
func NativeKey(modelScope string, v *context.Variable) string {
	rel := strings.TrimPrefix(v.Scope(), strings.TrimSuffix(modelScope, context.ScopeSeparator))
	rel = strings.Trim(rel, context.ScopeSeparator)
	if rel == "" {
		return v.Name()
	}
	return strings.ReplaceAll(rel, context.ScopeSeparator, KeySeparator) + KeySeparator + v.Name()
}

// MapKey converts a key from the file to a native key. It returns ok=false if the key is to be skipped.
func MapKey(key string, foreign bool) (native string, ok bool) {
	if !foreign {
		return key, true
	}
	parts := strings.Split(key, KeySeparator)
	if len(parts) < 2 {
		return "", false
	}
	parts = parts[1:]
	if parts[0] == SkippedForeignLayer {
		return "", false
	}
	return strings.Join(parts, KeySeparator), true
}

// ModelVariables returns the variables under modelScope, keyed by their native key.
func ModelVariables(ctx *context.Context, modelScope string) map[string]*context.Variable {
	modelScope = strings.TrimSuffix(modelScope, context.ScopeSeparator)
	vars := make(map[string]*context.Variable)
	for v := range ctx.IterVariables() {
		if strings.HasPrefix(v.Scope()+context.ScopeSeparator, modelScope+context.ScopeSeparator) {
			vars[NativeKey(modelScope, v)] = v
		}
	}
	return vars
}

// Check returns a *MissingPretrainError if there is no pretrained weights file at path.
// It is meant to be called before any other work, so a run doesn't fail late on a typo.
func Check(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &MissingPretrainError{Path: path}
		}
		return errors.Wrapf(err, "failed to access pretrained weights %q", path)
	}
	return nil
}

// Import reads the weights in path and sets the matching variables of the model under
// modelScope (an absolute scope, e.g. "/segmentation").
//
// A missing file fails with *MissingPretrainError before anything else is done. Keys that
// don't match any variable are reported, not errors. A matching key with a different shape is a
// *checkpoint.StateMismatchError, and in that case no variable is changed.
func Import(ctx *context.Context, modelScope, path string) (*Report, error) {
	if err := Check(path); err != nil {
		return nil, err
	}
	report := &Report{Foreign: IsForeign(path)}
	vars := ModelVariables(ctx, modelScope)
	pending := make(map[string]*tensors.Tensor)
	freePending := func() {
		for _, t := range pending {
			t.MustFinalizeAll()
		}
	}

	for named, err := range ReadSafetensors(path) {
		if err != nil {
			freePending()
			return nil, err
		}
		key, ok := MapKey(named.Name, report.Foreign)
		if !ok {
			report.Skipped = append(report.Skipped, named.Name)
			named.Tensor.MustFinalizeAll()
			continue
		}
		v, found := vars[key]
		if !found {
			report.Unmatched = append(report.Unmatched, named.Name)
			named.Tensor.MustFinalizeAll()
			continue
		}
		if _, duplicate := pending[key]; duplicate {
			freePending()
			named.Tensor.MustFinalizeAll()
			return nil, errors.Errorf("pretrained weights %q: more than one entry maps to %q", path, key)
		}
		t, err := convertTo(named.Tensor, v.DType())
		if err != nil {
			freePending()
			return nil, errors.WithMessagef(err, "pretrained weights %q, key %q", path, named.Name)
		}
		if !slices.Equal(t.Shape().Dimensions, v.Shape().Dimensions) {
			freePending()
			t.MustFinalizeAll()
			return nil, &checkpoint.StateMismatchError{Key: key, Want: v.Shape(), Got: t.Shape()}
		}
		pending[key] = t
	}

	for key, v := range vars {
		t, found := pending[key]
		if !found {
			report.Untouched = append(report.Untouched, key)
			continue
		}
		if err := v.SetValue(t); err != nil {
			return nil, errors.WithMessagef(err, "setting %q from pretrained weights", key)
		}
		report.Loaded = append(report.Loaded, key)
	}
	slices.Sort(report.Loaded)
	slices.Sort(report.Skipped)
	slices.Sort(report.Unmatched)
	slices.Sort(report.Untouched)
	klog.Infof("pretrained weights %q: %s", path, report)
	if len(report.Unmatched) > 0 {
		klog.V(1).Infof("unmatched pretrained keys: %v", report.Unmatched)
	}
	return report, nil
}

// convertTo returns t converted to dtype. t is consumed.
func convertTo(t *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if t.DType() == dtype {
		return t, nil
	}
	defer t.MustFinalizeAll()
	dims := t.Shape().Dimensions
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(toFloat32(tensors.MustCopyFlatData[float64](t)), dims...), nil
	case dtypes.Float64:
		values := tensors.MustCopyFlatData[float32](t)
		out := make([]float64, len(values))
		for ii, v := range values {
			out[ii] = float64(v)
		}
		return tensors.FromFlatDataAndDimensions(out, dims...), nil
	}
	return nil, errors.Errorf("can't convert %s to variable dtype %s", t.Shape(), shapes.Make(dtype, dims...))
}

// Export writes the variables under modelScope to path in native convention, so they can be
// imported later with Import.
func Export(ctx *context.Context, modelScope, path string) error {
	vars := ModelVariables(ctx, modelScope)
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	named := make([]NamedTensor, 0, len(keys))
	for _, key := range keys {
		t, err := vars[key].Value()
		if err != nil {
			return errors.WithMessagef(err, "exporting %q", key)
		}
		named = append(named, NamedTensor{Name: key, Tensor: t})
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err := WriteSafetensors(f, named); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "exporting to %q", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", path)
	}
	klog.Infof("exported %d variables to %q", len(named), path)
	return nil
}
