// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"

import (
	"debug/elf"
	"fmt"
	"strings"

	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// Table holds the unwind rules of one ELF file. It is immutable and safe for
// concurrent use.
type Table struct {
	machine elf.Machine
	deltas  sdtypes.StackDeltaArray
	mapper  pfelf.AddressMapper

	// identity is set when file offsets equal virtual addresses
	identity bool
}

// NewTable creates a table from sorted stack deltas. The mapper converts
// file offsets of the mapped module to the addresses used in deltas.
func NewTable(machine elf.Machine, deltas sdtypes.StackDeltaArray,
	mapper pfelf.AddressMapper) *Table {
	return &Table{
		machine: machine,
		deltas:  deltas,
		mapper:  mapper,
	}
}

// NewIdentityTable creates a table from sorted stack deltas of a module
// whose file offsets equal its virtual addresses.
func NewIdentityTable(machine elf.Machine, deltas sdtypes.StackDeltaArray) *Table {
	return &Table{
		machine:  machine,
		deltas:   deltas,
		identity: true,
	}
}

// Machine returns the architecture of the rules.
func (t *Table) Machine() elf.Machine {
	return t.machine
}

// Deltas returns the stack deltas of the table. The result must not be modified.
func (t *Table) Deltas() sdtypes.StackDeltaArray {
	return t.deltas
}

// Len returns the number of stack deltas.
func (t *Table) Len() int {
	return len(t.deltas)
}

// Lookup returns the unwind rule for the instruction at fileOffset within
// the ELF file.
func (t *Table) Lookup(fileOffset uint64) (sdtypes.UnwindInfo, error) {
	vaddr := fileOffset
	if !t.identity {
		var ok bool
		if vaddr, ok = t.mapper.FileOffsetToVirtualAddress(fileOffset); !ok {
			return sdtypes.UnwindInfoInvalid,
				fmt.Errorf("%w: offset %#x not in executable segment", ErrNoRuleFound, fileOffset)
		}
	}
	return t.LookupVirtual(vaddr)
}

// LookupVirtual returns the unwind rule for the ELF virtual address vaddr.
func (t *Table) LookupVirtual(vaddr uint64) (sdtypes.UnwindInfo, error) {
	delta, ok := t.deltas.Find(vaddr)
	if !ok || delta.Info == sdtypes.UnwindInfoInvalid {
		return sdtypes.UnwindInfoInvalid, fmt.Errorf("%w: %#x", ErrNoRuleFound, vaddr)
	}
	return delta.Info, nil
}

// FormatUnwindInfo renders an unwind rule in a human readable form.
func FormatUnwindInfo(machine elf.Machine, info sdtypes.UnwindInfo) string {
	if info.IsCommand() {
		switch info.Param {
		case sdtypes.UnwindCommandStop:
			return "stop"
		case sdtypes.UnwindCommandSignal:
			return "signal"
		case sdtypes.UnwindCommandPLT:
			return "plt"
		default:
			return "invalid"
		}
	}

	var sb strings.Builder
	base := "?"
	switch info.Opcode &^ sdtypes.UnwindOpcodeFlagDeref {
	case sdtypes.UnwindOpcodeBaseSP:
		base = "sp"
	case sdtypes.UnwindOpcodeBaseFP:
		base = "fp"
	}
	if info.Opcode&sdtypes.UnwindOpcodeFlagDeref != 0 {
		pre, post := sdtypes.UnpackDerefParam(info.Param)
		fmt.Fprintf(&sb, "cfa=[%s%+d]%+d", base, pre, post)
	} else {
		fmt.Fprintf(&sb, "cfa=%s%+d", base, info.Param)
	}

	switch info.FPOpcode {
	case sdtypes.UnwindOpcodeBaseLR:
		sb.WriteString(" ra=lr")
	case sdtypes.UnwindOpcodeBaseCFAFrame:
		fmt.Fprintf(&sb, " ra=[cfa%+d] fp=[cfa%+d]", info.FPParam, info.FPParam-8)
	case sdtypes.UnwindOpcodeBaseCFA:
		if machine == elf.EM_X86_64 {
			fmt.Fprintf(&sb, " ra=[cfa-8] fp=[cfa%+d]", info.FPParam)
		} else {
			fmt.Fprintf(&sb, " ra=[cfa%+d]", info.FPParam)
		}
	default:
		if machine == elf.EM_X86_64 {
			sb.WriteString(" ra=[cfa-8]")
		}
	}
	return sb.String()
}
