// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursor(t *testing.T) {
	c := Cursor{}
	c = c.nextStep().nextStep()
	assert.Equal(t, Cursor{Epoch: 0, Iteration: 2}, c)
	c = c.nextEpoch()
	assert.Equal(t, Cursor{Epoch: 1, Iteration: 2}, c)
	assert.Equal(t, "epoch=1, iteration=2", c.String())

	assert.True(t, Cursor{0, 5}.Before(Cursor{1, 0}))
	assert.True(t, Cursor{1, 2}.Before(Cursor{1, 3}))
	assert.False(t, Cursor{1, 3}.Before(Cursor{1, 3}))
	assert.False(t, Cursor{2, 0}.Before(Cursor{1, 9}))
}
