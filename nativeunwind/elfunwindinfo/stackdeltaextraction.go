// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfunwindinfo extracts unwind rules from the .eh_frame and
// .debug_frame sections of ELF files.
package elfunwindinfo // import "go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"

import (
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"slices"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// entryCodeSize is the amount of code inspected at the ELF entry point.
const entryCodeSize = 64

var (
	// ErrCorruptUnwindInfo is returned when an unwind section is malformed.
	ErrCorruptUnwindInfo = errors.New("corrupt unwind info")
	// ErrNoRuleFound is returned when no unwind rule covers an address.
	ErrNoRuleFound = errors.New("no unwind rule found")
	// ErrUnsupportedMachine is returned for ELF files of other architectures.
	ErrUnsupportedMachine = errors.New("unsupported machine")
)

// SectionKind selects the flavor of a call frame information section.
type SectionKind int

const (
	// EHFrame is the .eh_frame format used at runtime.
	EHFrame SectionKind = iota
	// DebugFrame is the .debug_frame format of the DWARF debug information.
	DebugFrame
)

// codeReader reads code bytes by virtual address.
type codeReader = io.ReaderAt

// elfSource is the part of pfelf.File used to locate unwind sections.
type elfSource interface {
	Section(name string) *pfelf.Section
	EHFrame() (*pfelf.Prog, error)
}

// nopHooks is used when no inspection of the parsing is needed.
type nopHooks struct{}

func (nopHooks) fdeHook(*cieInfo, *fdeInfo) bool {
	return true
}

func (nopHooks) deltaHook(uint64, *vmRegs, sdtypes.StackDelta) {
}

// elfExtractor is the main context for parsing stack deltas from an ELF
type elfExtractor struct {
	machine elf.Machine
	// code reads the instructions of the file, it may be nil
	code codeReader

	hooks ehframeHooks

	deltas *sdtypes.StackDeltaArray
}

func isSupportedMachine(machine elf.Machine) bool {
	return machine == elf.EM_AARCH64 || machine == elf.EM_X86_64
}

// Extract parses all unwind sections of the ELF file and stores the sorted
// stack deltas in interval.
func Extract(ef *pfelf.File, interval *sdtypes.IntervalData) error {
	if !isSupportedMachine(ef.Machine) {
		return fmt.Errorf("%w: %s", ErrUnsupportedMachine, ef.Machine)
	}

	deltas := sdtypes.StackDeltaArray{}
	ee := elfExtractor{
		machine: ef.Machine,
		code:    ef,
		hooks:   nopHooks{},
		deltas:  &deltas,
	}
	if err := ee.parseEHFrame(ef); err != nil {
		return fmt.Errorf("failure to parse eh_frame stack deltas: %w", err)
	}
	if err := ee.parseDebugFrame(ef); err != nil {
		return fmt.Errorf("failure to parse debug_frame stack deltas: %w", err)
	}

	deltas = sortDeltas(deltas)
	if entry := ee.entryDeltas(deltas, ef.Entry); entry != nil {
		deltas = sortDeltas(append(deltas, entry...))
	}
	*interval = sdtypes.IntervalData{Deltas: deltas}
	return nil
}

// Load parses the unwind sections of the ELF file into a lookup table.
func Load(ef *pfelf.File) (*Table, error) {
	var interval sdtypes.IntervalData
	if err := Extract(ef, &interval); err != nil {
		return nil, err
	}
	log.Debugf("Extracted %d stack deltas", len(interval.Deltas))
	return NewTable(ef.Machine, interval.Deltas, ef.GetAddressMapper()), nil
}

// NewTableFromSection builds a table from an in-memory image of a call frame
// information section that is mapped at vaddr. File offsets and virtual
// addresses are treated as equal.
func NewTableFromSection(machine elf.Machine, kind SectionKind, data []byte,
	vaddr uint64) (*Table, error) {
	if !isSupportedMachine(machine) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMachine, machine)
	}
	deltas := sdtypes.StackDeltaArray{}
	ee := elfExtractor{
		machine: machine,
		hooks:   nopHooks{},
		deltas:  &deltas,
	}
	frames := newReader(data, vaddr, kind == DebugFrame)
	if err := ee.walkFDEs(&frames, ^uint64(0)); err != nil {
		return nil, err
	}
	return NewIdentityTable(machine, sortDeltas(deltas)), nil
}

// entryDeltas returns deltas marking the program entry code as the outermost
// frame when no FDE covers it. This is the case for musl, and for glibc on arm64.
func (ee *elfExtractor) entryDeltas(deltas sdtypes.StackDeltaArray, entry uint64) []sdtypes.StackDelta {
	if entry == 0 || ee.code == nil {
		return nil
	}
	if d, ok := deltas.Find(entry); ok && d.Info != sdtypes.UnwindInfoInvalid {
		return nil
	}

	code := make([]byte, entryCodeSize)
	n, _ := ee.code.ReadAt(code, int64(entry))
	code = code[:n]

	var entryLen int
	switch ee.machine {
	case elf.EM_AARCH64:
		entryLen = detectEntryARM(code)
	case elf.EM_X86_64:
		entryLen = detectEntryX86(code)
	}
	if entryLen == 0 {
		return nil
	}
	log.Debugf("Entry code detected at %#x-%#x", entry, entry+uint64(entryLen))
	return []sdtypes.StackDelta{
		{
			Address: entry,
			Hints:   sdtypes.UnwindHintKeep,
			Info:    sdtypes.UnwindInfoStop,
		},
		{
			Address: entry + uint64(entryLen),
			Hints:   sdtypes.UnwindHintGap,
			Info:    sdtypes.UnwindInfoInvalid,
		},
	}
}

// sortDeltas sorts deltas collected from multiple FDEs and sections, and
// removes the duplicate and redundant entries.
func sortDeltas(deltas sdtypes.StackDeltaArray) sdtypes.StackDeltaArray {
	slices.SortStableFunc(deltas, func(a, b sdtypes.StackDelta) int {
		if c := cmp.Compare(a.Address, b.Address); c != 0 {
			return c
		}
		// End-of-function markers sort first so that a function starting
		// at the same address replaces them.
		return cmp.Compare(boolRank(a.Info != sdtypes.UnwindInfoInvalid),
			boolRank(b.Info != sdtypes.UnwindInfoInvalid))
	})

	merged := make(sdtypes.StackDeltaArray, 0, len(deltas))
	for _, delta := range deltas {
		merged.Add(delta)
	}
	return merged
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
