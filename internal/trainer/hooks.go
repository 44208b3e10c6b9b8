// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"iter"
	"slices"
	"time"

	"github.com/gomlx/advseg/internal/metrics"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks. from is the cursor training starts from.
type OnStartFn func(t *Trainer, from Cursor) error

// OnStepFn is the type of OnStep hooks, called after each training step.
type OnStepFn func(t *Trainer, step StepMetrics) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after the validation and checkpoint of
// each epoch.
type OnEpochEndFn func(t *Trainer, summary EpochSummary) error

// OnEndFn is the type of OnEnd hooks, called when training stops at the last epoch. last is the
// final cursor.
type OnEndFn func(t *Trainer, last Cursor) error

// EpochSummary describes a completed epoch.
type EpochSummary struct {
	// Epoch that completed.
	Epoch int

	// Cursor at the start of the next epoch.
	Cursor Cursor

	// Steps taken during the epoch.
	Steps int

	// Mean holds the mean of the step losses over the epoch. Its Cursor is the one of the
	// last step.
	Mean StepMetrics

	// Validation is set if validation ran at the end of this epoch.
	Validation *metrics.Result

	// Improved is true if Validation is the best so far.
	Improved bool

	// Checkpoint is the path of the checkpoint written at the end of the epoch.
	Checkpoint string

	Duration time.Duration
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of Train.
func (t *Trainer) OnStart(name string, priority Priority, fn OnStartFn) {
	t.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of Train.
func (t *Trainer) OnStep(name string, priority Priority, fn OnStepFn) {
	t.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) to the end of each epoch.
func (t *Trainer) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	t.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of Train.
// It is not called if training is interrupted by an error or cancellation.
func (t *Trainer) OnEnd(name string, priority Priority, fn OnEndFn) {
	t.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of
// registration within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
