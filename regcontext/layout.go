// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regcontext // import "go.opentelemetry.io/crashunwind/regcontext"

import (
	"debug/elf"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedABI is returned for machine and ABI combinations without a
// register layout.
var ErrUnsupportedABI = errors.New("unsupported ABI")

// Layout tells which register slot plays which role for one machine.
type Layout struct {
	Machine elf.Machine
	PC      int
	SP      int
	FP      int
	// LR is the link register slot, or -1 if the machine has none.
	LR int

	names []string
}

var arm64Names = func() []string {
	names := make([]string, 0, NumRegisters)
	for i := range 29 {
		names = append(names, "x"+strconv.Itoa(i))
	}
	return append(names, "fp", "lr", "sp", "pc")
}()

// Slots follow the DWARF register numbering.
var x86_64Names = []string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

var layouts = map[elf.Machine]Layout{
	elf.EM_AARCH64: {Machine: elf.EM_AARCH64, PC: 32, SP: 31, FP: 29, LR: 30, names: arm64Names},
	elf.EM_X86_64:  {Machine: elf.EM_X86_64, PC: 16, SP: 7, FP: 6, LR: -1, names: x86_64Names},
}

// LayoutFor returns the register layout for the machine and ABI.
func LayoutFor(machine elf.Machine, abi ABI) (Layout, error) {
	l, ok := layouts[machine]
	if !ok || abi != ABI64 {
		return Layout{}, fmt.Errorf("%v with %v registers: %w", machine, abi, ErrUnsupportedABI)
	}
	return l, nil
}

// NumNamed returns the number of slots the machine defines.
func (l Layout) NumNamed() int {
	return len(l.names)
}

// Name returns the conventional name of register slot i.
func (l Layout) Name(i int) string {
	if i < 0 || i >= len(l.names) {
		return "r" + strconv.Itoa(i)
	}
	return l.names[i]
}

// Index resolves a register name to its slot. On arm64 "x29" and "x30" are
// accepted as aliases of "fp" and "lr".
func (l Layout) Index(name string) (int, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range l.names {
		if n == name {
			return i, true
		}
	}
	if l.Machine == elf.EM_AARCH64 && strings.HasPrefix(name, "x") {
		if n, err := strconv.Atoi(name[1:]); err == nil && n >= 0 && n <= 30 {
			return n, true
		}
	}
	return 0, false
}
