// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regcontext

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegs() [NumRegisters]uint64 {
	var regs [NumRegisters]uint64
	for i := range regs {
		regs[i] = 0x1000 + uint64(i)
	}
	return regs
}

func TestDecode(t *testing.T) {
	stack := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	blob := Encode(ABI64, testRegs(), HeaderSize, stack)

	c, err := Decode(blob, MaskAll)
	require.NoError(t, err)
	assert.Equal(t, ABI64, c.ABI())
	assert.Equal(t, uint32(NumRegisters*RegisterSize), c.ValidSize())
	assert.Equal(t, stack, c.Dynamic())

	for i := range NumRegisters {
		v, err := c.Register(i)
		require.NoError(t, err)
		assert.Equal(t, 0x1000+uint64(i), v)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		blob []byte
	}{
		"empty":        {blob: nil},
		"short header": {blob: make([]byte, HeaderSize-1)},
		"dyn_size too large": {blob: func() []byte {
			b := Encode(ABI64, testRegs(), HeaderSize, []byte{1, 2, 3, 4})
			binary.LittleEndian.PutUint64(b[dynSizeOffset:], 5)
			return b
		}()},
		"dyn_size overflow": {blob: func() []byte {
			b := Encode(ABI64, testRegs(), HeaderSize, nil)
			binary.LittleEndian.PutUint64(b[dynSizeOffset:], ^uint64(0))
			return b
		}()},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.blob, MaskAll)
			assert.ErrorIs(t, err, ErrCorruptContext)
		})
	}
}

func TestRegisterOutOfRange(t *testing.T) {
	tests := map[string]struct {
		size  uint64
		mask  uint64
		index int
		ok    bool
	}{
		"valid":                {size: HeaderSize, mask: MaskAll, index: 32, ok: true},
		"index past capacity":  {size: HeaderSize, mask: MaskAll, index: 33},
		"negative index":       {size: HeaderSize, mask: MaskAll, index: -1},
		"size covers abi only": {size: 8, mask: MaskAll, index: 0},
		"size below abi":       {size: 4, mask: MaskAll, index: 0},
		"last valid slot":      {size: 8 + 3*8, mask: MaskAll, index: 2, ok: true},
		"partial slot":         {size: 8 + 3*8 + 7, mask: MaskAll, index: 3},
		"masked out":           {size: HeaderSize, mask: MaskAll &^ (1 << 29), index: 29},
		"mask bit set":         {size: HeaderSize, mask: 1 << 29, index: 29, ok: true},
		"huge size clamps":     {size: 1 << 40, mask: MaskAll, index: 32, ok: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := Decode(Encode(ABI64, testRegs(), tc.size, nil), tc.mask)
			require.NoError(t, err)
			v, err := c.Register(tc.index)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, 0x1000+uint64(tc.index), v)
			} else {
				assert.ErrorIs(t, err, ErrOutOfRange)
				assert.Zero(t, v)
			}
		})
	}
}

func TestNewClampsValidSize(t *testing.T) {
	c := New(ABI64, testRegs(), 1000, nil, MaskAll)
	assert.Equal(t, uint32(NumRegisters*RegisterSize), c.ValidSize())

	c = New(ABI64, testRegs(), 16, nil, MaskAll)
	_, err := c.Register(1)
	require.NoError(t, err)
	_, err = c.Register(2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestLayout(t *testing.T) {
	arm, err := LayoutFor(elf.EM_AARCH64, ABI64)
	require.NoError(t, err)
	assert.Equal(t, 32, arm.PC)
	assert.Equal(t, 31, arm.SP)
	assert.Equal(t, 29, arm.FP)
	assert.Equal(t, 30, arm.LR)
	assert.Equal(t, "lr", arm.Name(30))
	assert.Equal(t, "x7", arm.Name(7))

	idx, ok := arm.Index("x30")
	assert.True(t, ok)
	assert.Equal(t, 30, idx)
	idx, ok = arm.Index("LR")
	assert.True(t, ok)
	assert.Equal(t, 30, idx)
	_, ok = arm.Index("x31")
	assert.False(t, ok)

	x86, err := LayoutFor(elf.EM_X86_64, ABI64)
	require.NoError(t, err)
	assert.Equal(t, 16, x86.PC)
	assert.Equal(t, 7, x86.SP)
	assert.Equal(t, 6, x86.FP)
	assert.Equal(t, -1, x86.LR)
	assert.Equal(t, "rbp", x86.Name(6))

	_, err = LayoutFor(elf.EM_AARCH64, ABI32)
	assert.ErrorIs(t, err, ErrUnsupportedABI)
	_, err = LayoutFor(elf.EM_RISCV, ABI64)
	assert.ErrorIs(t, err, ErrUnsupportedABI)
}
