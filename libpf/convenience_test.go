// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceFrom(t *testing.T) {
	type header struct {
		Magic   uint32
		Version uint16
		Flags   uint16
	}

	hdr := &header{Magic: 0xcafebabe, Version: 2, Flags: 0x8001}
	assert.Equal(t, []byte{0xbe, 0xba, 0xfe, 0xca, 0x02, 0x00, 0x01, 0x80}, SliceFrom(hdr))

	// Writes through the slice land in the struct.
	SliceFrom(hdr)[4] = 7
	assert.Equal(t, uint16(7), hdr.Version)

	words := []uint64{0xcafebabe, 0xdeadbeef}
	assert.Equal(t, []byte{
		0xbe, 0xba, 0xfe, 0xca, 0x0, 0x0, 0x0, 0x0,
		0xef, 0xbe, 0xad, 0xde, 0x0, 0x0, 0x0, 0x0,
	}, SliceFrom(words))

	assert.Nil(t, SliceFrom([]uint64{}))
	assert.Panics(t, func() { SliceFrom(42) })
}
