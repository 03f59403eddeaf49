// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressMapper(t *testing.T) {
	ef := &File{Progs: []Prog{
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R,
			Off: 0, Vaddr: 0, Filesz: 0x800}},
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X,
			Off: 0x1010, Vaddr: 0x401010, Filesz: 0x2000}},
	}}
	mapper := ef.GetAddressMapperWithPageSize(0x1000)

	tests := map[string]struct {
		fileOffset uint64
		vaddr      uint64
		ok         bool
	}{
		"segment start":        {fileOffset: 0x1010, vaddr: 0x401010, ok: true},
		"page aligned start":   {fileOffset: 0x1000, vaddr: 0x401000, ok: true},
		"inside":               {fileOffset: 0x2000, vaddr: 0x402000, ok: true},
		"past end":             {fileOffset: 0x3010, ok: false},
		"non executable range": {fileOffset: 0x100, ok: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			vaddr, ok := mapper.FileOffsetToVirtualAddress(tc.fileOffset)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.vaddr, vaddr)
				back, ok := mapper.VirtualAddressToFileOffset(vaddr)
				if vaddr >= 0x401010 {
					assert.True(t, ok)
					assert.Equal(t, tc.fileOffset, back)
				}
			}
		})
	}
}
