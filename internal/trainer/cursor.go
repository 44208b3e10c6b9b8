// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import "fmt"

// Cursor is the position of training: the current epoch and the global iteration (number of
// steps taken since the start of the run, across epochs).
//
// It is a value: the Trainer hands out copies, and is the only one advancing its own.
type Cursor struct {
	Epoch, Iteration int
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	return fmt.Sprintf("epoch=%d, iteration=%d", c.Epoch, c.Iteration)
}

// nextStep returns the cursor after one more training step.
func (c Cursor) nextStep() Cursor {
	c.Iteration++
	return c
}

// nextEpoch returns the cursor at the start of the following epoch.
func (c Cursor) nextEpoch() Cursor {
	c.Epoch++
	return c
}

// Before returns whether c is strictly before other: an earlier epoch, or the same epoch and an
// earlier iteration.
func (c Cursor) Before(other Cursor) bool {
	if c.Epoch != other.Epoch {
		return c.Epoch < other.Epoch
	}
	return c.Iteration < other.Iteration
}
