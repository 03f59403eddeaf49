// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"

// ARM64 specific code for handling DWARF / stack delta extraction.
// The filename ends with `_aarch64` instead of `_arm64`, so that the code
// can be taken into account regardless of the target build platform.

import (
	"bytes"
	"debug/elf"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// DWARF register numbers of the AArch64 ABI. x0..x28 are numbered 0..28.
const (
	armRegFP uleb128 = 29
	armRegLR uleb128 = 30
	armRegSP uleb128 = 31
	armRegPC uleb128 = 32

	armLastReg uleb128 = 33
)

// newVMRegsARM initializes the vmRegs structure for aarch64.
func newVMRegsARM() vmRegs {
	return vmRegs{
		arch: elf.EM_AARCH64,
		cfa:  vmReg{arch: elf.EM_AARCH64, reg: regUndefined},
		fp:   vmReg{arch: elf.EM_AARCH64, reg: regSame},
		ra:   vmReg{arch: elf.EM_AARCH64, reg: regSame},
	}
}

// getRegNameARM converts register index to a string describing the register
func getRegNameARM(reg uleb128) string {
	switch reg {
	case armRegFP:
		return "fp"
	case armRegLR:
		return "lr"
	case armRegSP:
		return "sp"
	case armRegPC:
		return "pc"
	default:
		if reg < armLastReg {
			return fmt.Sprintf("x%d", reg)
		}
		return fmt.Sprintf("?%d", reg)
	}
}

// regARM returns the address to ARM specific register in vmRegs
func (regs *vmRegs) regARM(ndx uleb128) *vmReg {
	switch ndx {
	case armRegFP:
		return &regs.fp
	case armRegLR:
		return &regs.ra
	default:
		return nil
	}
}

// getUnwindInfo ARM specific part
func (regs *vmRegs) getUnwindInfoARM() sdtypes.UnwindInfo {
	// The CIE initial opcodes normally set up CFA as SP.
	if regs.cfa.reg == regUndefined {
		return sdtypes.UnwindInfoStop
	}

	// Undefined RA (aka X30/LR) marks entry point / end-of-stack functions.
	if regs.ra.reg == regUndefined {
		return sdtypes.UnwindInfoStop
	}

	var info sdtypes.UnwindInfo

	// Only FP and SP based CFAs are recoverable in caller frames. Other
	// registers (e.g. x12 in some hand written code) are not tracked.
	switch regs.cfa.reg {
	case armRegFP:
		info.Opcode = sdtypes.UnwindOpcodeBaseFP
		info.Param = int32(regs.cfa.off)
	case armRegSP:
		info.Opcode = sdtypes.UnwindOpcodeBaseSP
		info.Param = int32(regs.cfa.off)
	default:
		return sdtypes.UnwindInfoInvalid
	}

	// The FP opcode holds the return address rule, and with
	// UnwindOpcodeBaseCFAFrame also the frame pointer.
	switch regs.ra.reg {
	case regSame:
		// Prolog before LR is saved, or epilog after it is restored.
		info.FPOpcode = sdtypes.UnwindOpcodeBaseLR
		info.FPParam = 0
	case regCFA:
		info.FPParam = int32(regs.ra.off)
		if regs.fp.reg == regCFA && regs.fp.off+8 == regs.ra.off {
			info.FPOpcode = sdtypes.UnwindOpcodeBaseCFAFrame
		} else {
			info.FPOpcode = sdtypes.UnwindOpcodeBaseCFA
		}
	default:
		return sdtypes.UnwindInfoInvalid
	}

	return info
}

func detectEntryARM(code []byte) int {
	// Refer to test cases for the seen assembly dumps.
	// Both, on GLIBC and MUSL there is no FDE for the entry code. This code tries
	// to match both. The main difference is that glibc uses BL (Branch with Link)
	// or a proper function call to maintain frame, and musl uses B (Branch) or
	// a jump so the entry is not seen on traces.

	// Match the prolog for clearing LR/FP
	if len(code) < 32 ||
		!bytes.Equal(code[:8], []byte{0x1d, 0x00, 0x80, 0xd2, 0x1e, 0x00, 0x80, 0xd2}) {
		return 0
	}

	// Search for the second B or BL
	numBranch := 0
	for pos := 8; pos < len(code); pos += 4 {
		inst, err := arm64asm.Decode(code[pos:])
		if err != nil {
			return 0
		}
		switch inst.Op {
		case arm64asm.ADD, arm64asm.ADRP, arm64asm.AND, arm64asm.LDR,
			arm64asm.MOV, arm64asm.MOVK, arm64asm.MOVZ:
			// nop, allowed instruction
		case arm64asm.B, arm64asm.BL:
			numBranch++
			if numBranch == 2 {
				return pos + 4
			}
		default:
			return 0
		}
	}
	return 0
}
