// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
	ts "go.opentelemetry.io/crashunwind/testsupport"
)

// muslEntryX86 is the x86-64 entry code of musl crt1.o.
var muslEntryX86 = []byte{
	0x48, 0x31, 0xed, // xor %rbp,%rbp
	0x48, 0x89, 0xe7, // mov %rsp,%rdi
	0x48, 0x8d, 0x35, 0x10, 0x20, 0x00, 0x00, // lea 0x2010(%rip),%rsi
	0x48, 0x83, 0xe4, 0xf0, // and $0xfffffffffffffff0,%rsp
	0xe8, 0x00, 0x00, 0x00, 0x00, // call _start_c
	0x48, 0x89, 0xc7, // mov %rax,%rdi
	0x31, 0xc0, // xor %eax,%eax
	0xe9, 0x00, 0x00, 0x00, 0x00, // jmp exit
}

// glibcEntryARM is the arm64 entry code of glibc crt1.o.
var glibcEntryARM = []byte{
	0x1d, 0x00, 0x80, 0xd2, // mov x29, #0x0
	0x1e, 0x00, 0x80, 0xd2, // mov x30, #0x0
	0x00, 0x00, 0x00, 0x90, // adrp x0, .
	0x00, 0x00, 0x40, 0xf9, // ldr x0, [x0]
	0x00, 0x00, 0x00, 0x94, // bl __libc_start_main
	0x00, 0x00, 0x00, 0x90, // adrp x0, .
	0x00, 0x00, 0x40, 0xf9, // ldr x0, [x0]
	0x00, 0x00, 0x00, 0x14, // b abort
}

func TestDetectEntry(t *testing.T) {
	assert.Equal(t, 32, detectEntryX86(muslEntryX86))
	assert.Equal(t, 32, detectEntryARM(glibcEntryARM))

	assert.Zero(t, detectEntryX86(muslEntryX86[:16]))
	assert.Zero(t, detectEntryARM(glibcEntryARM[:16]))
	assert.Zero(t, detectEntryX86(glibcEntryARM))
	assert.Zero(t, detectEntryARM(muslEntryX86))
}

func openELF(t *testing.T, spec ts.ELFSpec) *pfelf.File {
	t.Helper()
	ef, err := pfelf.NewFile(bytes.NewReader(ts.BuildELF(spec)))
	require.NoError(t, err)
	return ef
}

func TestLoad(t *testing.T) {
	x86Frames := x86Prolog(x86CIE(ts.NewEHFrame(), false))
	x86Code := bytes.Repeat([]byte{0x90}, 0x40)

	tests := map[string]struct {
		spec   ts.ELFSpec
		res    map[uint64]sdtypes.UnwindInfo
		noRule []uint64
	}{
		"eh_frame section": {
			spec: ts.ELFSpec{
				Machine: elf.EM_X86_64,
				Text:    x86Code,
				EHFrame: x86Frames.Bytes(),
			},
			res: map[uint64]sdtypes.UnwindInfo{
				0x1000: deltaRSP(8, 0),
				0x1004: deltaRBP(16, 16),
				0x1034: deltaRSP(8, 0),
			},
			noRule: []uint64{0x1040, 0x100000},
		},
		"stripped section headers": {
			spec: ts.ELFSpec{
				Machine:        elf.EM_X86_64,
				Text:           x86Code,
				EHFrame:        x86Frames.Bytes(),
				EHFrameHdrFDEs: 1,
				StripSections:  true,
			},
			res: map[uint64]sdtypes.UnwindInfo{
				0x1001: deltaRSP(16, 16),
				0x1004: deltaRBP(16, 16),
			},
			noRule: []uint64{0x1040},
		},
		"debug_frame only": {
			spec: ts.ELFSpec{
				Machine:    elf.EM_X86_64,
				Text:       x86Code,
				DebugFrame: x86Prolog(x86CIE(ts.NewDebugFrame(), false)).Bytes(),
			},
			res: map[uint64]sdtypes.UnwindInfo{
				0x1000: deltaRSP(8, 0),
				0x1004: deltaRBP(16, 16),
			},
			noRule: []uint64{0x1040},
		},
		"arm64 sigreturn trampoline": {
			spec: ts.ELFSpec{
				Machine: elf.EM_AARCH64,
				Text:    sigretCodeMap[elf.EM_AARCH64],
				EHFrame: armCIE(ts.NewEHFrame(), false).
					AddFDE(ts.TextAddr, 8).Bytes(),
			},
			res: map[uint64]sdtypes.UnwindInfo{
				0x1000: sdtypes.UnwindInfoSignal,
				0x1004: sdtypes.UnwindInfoSignal,
			},
			noRule: []uint64{0x1008},
		},
		"x86 entry without FDE": {
			spec: ts.ELFSpec{
				Machine: elf.EM_X86_64,
				Text:    append(append([]byte{}, muslEntryX86...), x86Code...),
				EHFrame: x86CIE(ts.NewEHFrame(), false).AddFDE(0x1040, 0x10).Bytes(),
			},
			res: map[uint64]sdtypes.UnwindInfo{
				0x1000: sdtypes.UnwindInfoStop,
				0x101f: sdtypes.UnwindInfoStop,
				0x1040: deltaRSP(8, 0),
			},
			noRule: []uint64{0x1020, 0x103f, 0x1050},
		},
		"arm64 entry without FDE": {
			spec: ts.ELFSpec{
				Machine: elf.EM_AARCH64,
				Text:    append(append([]byte{}, glibcEntryARM...), x86Code...),
				EHFrame: armCIE(ts.NewEHFrame(), false).AddFDE(0x1040, 0x10).Bytes(),
			},
			res: map[uint64]sdtypes.UnwindInfo{
				0x1000: sdtypes.UnwindInfoStop,
				0x1040: sdtypes.UnwindInfoLR,
			},
			noRule: []uint64{0x1020},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ef := openELF(t, test.spec)
			table, err := Load(ef)
			require.NoError(t, err)
			assert.Equal(t, test.spec.Machine, table.Machine())
			assert.NotZero(t, table.Len())
			for addr, expected := range test.res {
				info, err := table.Lookup(addr)
				require.NoError(t, err, "address %#x", addr)
				assert.Equal(t, expected, info, "address %#x", addr)
			}
			for _, addr := range test.noRule {
				_, err := table.Lookup(addr)
				assert.ErrorIs(t, err, ErrNoRuleFound, "address %#x", addr)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("unsupported machine", func(t *testing.T) {
		ef := openELF(t, ts.ELFSpec{Machine: elf.EM_RISCV, Text: []byte{0}})
		_, err := Load(ef)
		require.ErrorIs(t, err, ErrUnsupportedMachine)
	})
	t.Run("corrupt eh_frame", func(t *testing.T) {
		ef := openELF(t, ts.ELFSpec{
			Machine: elf.EM_X86_64,
			Text:    []byte{0xc3},
			EHFrame: x86CIE(ts.NewEHFrame(), false).AddFDE(0x1000, 0x10,
				ts.CFARestoreState()).Bytes(),
		})
		_, err := Load(ef)
		require.ErrorIs(t, err, ErrCorruptUnwindInfo)
	})
	t.Run("no unwind sections", func(t *testing.T) {
		ef := openELF(t, ts.ELFSpec{Machine: elf.EM_X86_64, Text: []byte{0xc3}})
		table, err := Load(ef)
		require.NoError(t, err)
		_, err = table.Lookup(0x1000)
		assert.ErrorIs(t, err, ErrNoRuleFound)
	})
}

func TestFormatUnwindInfo(t *testing.T) {
	tests := map[string]struct {
		machine  elf.Machine
		info     sdtypes.UnwindInfo
		expected string
	}{
		"stop": {
			machine:  elf.EM_X86_64,
			info:     sdtypes.UnwindInfoStop,
			expected: "stop",
		},
		"signal": {
			machine:  elf.EM_AARCH64,
			info:     sdtypes.UnwindInfoSignal,
			expected: "signal",
		},
		"plt": {
			machine:  elf.EM_X86_64,
			info:     sdtypes.UnwindInfoPLT,
			expected: "plt",
		},
		"invalid": {
			machine:  elf.EM_X86_64,
			info:     sdtypes.UnwindInfoInvalid,
			expected: "invalid",
		},
		"x86 frame pointer": {
			machine:  elf.EM_X86_64,
			info:     sdtypes.UnwindInfoFramePointerX64,
			expected: "cfa=fp+16 ra=[cfa-8] fp=[cfa-16]",
		},
		"x86 leaf": {
			machine:  elf.EM_X86_64,
			info:     deltaRSP(8, 0),
			expected: "cfa=sp+8 ra=[cfa-8]",
		},
		"x86 deref": {
			machine: elf.EM_X86_64,
			info: sdtypes.UnwindInfo{
				Opcode: sdtypes.UnwindOpcodeBaseSP | sdtypes.UnwindOpcodeFlagDeref,
				Param:  16 + 1,
			},
			expected: "cfa=[sp+16]+8 ra=[cfa-8]",
		},
		"arm64 frame record": {
			machine:  elf.EM_AARCH64,
			info:     sdtypes.UnwindInfoFramePointerARM64,
			expected: "cfa=fp+16 ra=[cfa-8] fp=[cfa-16]",
		},
		"arm64 leaf": {
			machine:  elf.EM_AARCH64,
			info:     sdtypes.UnwindInfoLR,
			expected: "cfa=sp+0 ra=lr",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, FormatUnwindInfo(test.machine, test.info))
		})
	}
}
