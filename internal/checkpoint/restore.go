// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateMismatchError is returned when a checkpoint value can not be restored into the current
// variables: a shape mismatch, or a missing optimizer state slot.
type StateMismatchError struct {
	Key       string
	Want, Got shapes.Shape
	Reason    string
}

// Error implements error.
func (e *StateMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("checkpoint state mismatch for %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("checkpoint state mismatch for %q: variable is shaped %s, checkpoint value is shaped %s",
		e.Key, e.Want, e.Got)
}

// Key returns the key under which the value of v is stored: its scope and name, e.g.
// "/segmentation/conv1/conv/weights".
func Key(v *context.Variable) string {
	return v.ScopeAndName()
}

// Collect returns the current values of vars keyed by Key.
//
// The tensors are the variables' own: they become invalid once the variables are updated, so
// the returned Values must be saved before training continues.
func Collect(vars []*context.Variable) (Values, error) {
	values := make(Values, len(vars))
	for _, v := range vars {
		t, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "collecting %q", Key(v))
		}
		values[Key(v)] = t
	}
	return values, nil
}

// RestoreReport lists what a restore did.
type RestoreReport struct {
	// Restored lists the keys whose value was copied into a variable.
	Restored []string

	// Missing lists variables with no value in the checkpoint: they keep their current value.
	Missing []string

	// Ignored lists checkpoint keys with no matching variable.
	Ignored []string
}

// RestorePartial copies the values matching vars (by Key) into the variables.
//
// Variables missing from values keep their current values, and values with no matching variable
// are ignored. A matching value with a different shape is a *StateMismatchError, and in that
// case no variable is changed.
//
// Restored tensors are transferred to the variables, and removed from values.
func RestorePartial(vars []*context.Variable, values Values) (RestoreReport, error) {
	var report RestoreReport
	matched := make(map[string]*context.Variable, len(vars))
	for _, v := range vars {
		key := Key(v)
		t, found := values[key]
		if !found {
			report.Missing = append(report.Missing, key)
			continue
		}
		if err := checkShape(v, key, t); err != nil {
			return RestoreReport{}, err
		}
		matched[key] = v
	}
	for key := range values {
		if _, found := matched[key]; !found {
			report.Ignored = append(report.Ignored, key)
		}
	}
	for key, v := range matched {
		if err := v.SetValue(values[key]); err != nil {
			return report, errors.WithMessagef(err, "restoring %q", key)
		}
		delete(values, key)
		report.Restored = append(report.Restored, key)
	}
	slices.Sort(report.Restored)
	slices.Sort(report.Missing)
	slices.Sort(report.Ignored)
	if len(report.Ignored) > 0 {
		klog.Infof("checkpoint: ignored %d values with no matching variable, e.g. %q",
			len(report.Ignored), report.Ignored[0])
	}
	return report, nil
}

// RestoreAll copies the values of all vars from values, all or nothing: if any variable is
// missing from values or has a different shape, it returns a *StateMismatchError and no
// variable is changed.
func RestoreAll(vars []*context.Variable, values Values) error {
	if err := CheckAll(vars, values); err != nil {
		return err
	}
	for _, v := range vars {
		key := Key(v)
		if err := v.SetValue(values[key]); err != nil {
			return errors.WithMessagef(err, "restoring %q", key)
		}
		delete(values, key)
	}
	return nil
}

// CheckPartial returns the error RestorePartial would return, without changing anything.
func CheckPartial(vars []*context.Variable, values Values) error {
	for _, v := range vars {
		key := Key(v)
		if t, found := values[key]; found {
			if err := checkShape(v, key, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckAll returns the error RestoreAll would return, without changing anything.
func CheckAll(vars []*context.Variable, values Values) error {
	for _, v := range vars {
		key := Key(v)
		t, found := values[key]
		if !found {
			return &StateMismatchError{Key: key, Want: v.Shape(), Reason: "missing from checkpoint"}
		}
		if err := checkShape(v, key, t); err != nil {
			return err
		}
	}
	return nil
}

func checkShape(v *context.Variable, key string, t *tensors.Tensor) error {
	if t == nil {
		return &StateMismatchError{Key: key, Want: v.Shape(), Reason: "nil value in checkpoint"}
	}
	if !v.Shape().Equal(t.Shape()) {
		return &StateMismatchError{Key: key, Want: v.Shape(), Got: t.Shape()}
	}
	return nil
}
