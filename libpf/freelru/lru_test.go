// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package freelru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUStatistics(t *testing.T) {
	c, err := New[string, int](2, HashString)
	require.NoError(t, err)

	c.Add("libc.so", 1)
	c.Add("libm.so", 2)
	_, ok := c.Get("libc.so")
	assert.True(t, ok)
	_, ok = c.Get("libdl.so")
	assert.False(t, ok)

	// libm.so is the least recently used element.
	assert.True(t, c.Add("liblog.so", 3))
	_, ok = c.Get("libm.so")
	assert.False(t, ok)
	assert.True(t, c.Remove("libc.so"))
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, Statistics{Hit: 1, Miss: 2, Added: 3, Deleted: 2},
		c.GetAndResetStatistics())
	assert.Equal(t, Statistics{}, c.GetAndResetStatistics())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Statistics{Deleted: 1}, c.GetAndResetStatistics())
}
