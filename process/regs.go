// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import (
	"debug/elf"
	"fmt"

	"go.opentelemetry.io/crashunwind/nopanicslicereader"
	"go.opentelemetry.io/crashunwind/regcontext"
)

const (
	// prStatusSizeARM64 is the size of the arm64 user_pt_regs:
	// x0..x30, sp, pc, pstate.
	prStatusSizeARM64 = 34 * 8
	// prStatusSizeX86 is the size of the x86-64 user_regs_struct.
	prStatusSizeX86 = 27 * 8
)

// x86PRStatusSlots maps the snapshot slots (DWARF numbering) to the
// user_regs_struct indexes.
var x86PRStatusSlots = [...]uint{
	10, // rax
	12, // rdx
	11, // rcx
	5,  // rbx
	13, // rsi
	14, // rdi
	4,  // rbp
	19, // rsp
	9,  // r8
	8,  // r9
	7,  // r10
	6,  // r11
	3,  // r12
	2,  // r13
	1,  // r14
	0,  // r15
	16, // rip
}

// registersFromPRStatus converts an NT_PRSTATUS register set to snapshot
// register slots and returns the number of valid bytes.
func registersFromPRStatus(machine elf.Machine, prStatus []byte) (
	[regcontext.NumRegisters]uint64, uint32, error) {
	var regs [regcontext.NumRegisters]uint64
	switch machine {
	case elf.EM_AARCH64:
		if len(prStatus) < prStatusSizeARM64 {
			break
		}
		for i := range regs {
			regs[i] = nopanicslicereader.Uint64(prStatus, uint(i*8))
		}
		return regs, regcontext.NumRegisters * regcontext.RegisterSize, nil
	case elf.EM_X86_64:
		if len(prStatus) < prStatusSizeX86 {
			break
		}
		for slot, idx := range x86PRStatusSlots {
			regs[slot] = nopanicslicereader.Uint64(prStatus, idx*8)
		}
		return regs, uint32(len(x86PRStatusSlots)) * regcontext.RegisterSize, nil
	default:
		return regs, 0, fmt.Errorf("registers of %v: %w", machine, regcontext.ErrUnsupportedABI)
	}
	return regs, 0, fmt.Errorf("%d byte %v register set is truncated: %w",
		len(prStatus), machine, regcontext.ErrCorruptContext)
}
