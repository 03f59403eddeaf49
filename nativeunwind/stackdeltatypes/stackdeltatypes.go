// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackdeltatypes provides the types used to represent unwind rules
// ("stack deltas") extracted from ELF unwind sections. A sorted StackDeltaArray
// maps instruction intervals of one library to the rule valid in them.
package stackdeltatypes // import "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"

const (
	// ABI is the binary compatibility version of the persisted IntervalData.
	// It is incremented if IntervalData, StackDelta or the meaning of their
	// contents changes.
	ABI = 1

	// MinimumGap determines the minimum number of alignment bytes needed
	// in order to keep the created STOP stack delta between functions
	MinimumGap = 15

	// UnwindOpcodeCommand marks Param as one of the UnwindCommand values.
	// As FPOpcode it means the register keeps its value.
	UnwindOpcodeCommand uint8 = 0
	// UnwindOpcodeBaseCFA is relative to the canonical frame address.
	UnwindOpcodeBaseCFA uint8 = 1
	// UnwindOpcodeBaseSP is relative to the stack pointer.
	UnwindOpcodeBaseSP uint8 = 2
	// UnwindOpcodeBaseFP is relative to the frame pointer.
	UnwindOpcodeBaseFP uint8 = 3
	// UnwindOpcodeBaseLR takes the return address from the link register.
	UnwindOpcodeBaseLR uint8 = 4
	// UnwindOpcodeBaseCFAFrame loads an arm64 frame record: the return
	// address from CFA+FPParam and the frame pointer from the slot below it.
	UnwindOpcodeBaseCFAFrame uint8 = 5
	// UnwindOpcodeFlagDeref dereferences the computed CFA base.
	UnwindOpcodeFlagDeref uint8 = 0x80

	// UnwindCommandInvalid marks an address without a usable rule.
	UnwindCommandInvalid int32 = 0
	// UnwindCommandStop marks the outermost frame of a stack.
	UnwindCommandStop int32 = 1
	// UnwindCommandPLT marks an x86-64 PLT stub.
	UnwindCommandPLT int32 = 2
	// UnwindCommandSignal marks a signal return trampoline.
	UnwindCommandSignal int32 = 3

	// UnwindDerefMask selects the post-dereference part of a packed Param.
	UnwindDerefMask int32 = 7
	// UnwindDerefMultiplier scales the post-dereference part of a packed Param.
	UnwindDerefMultiplier int32 = 8

	// UnwindHintNone indicates that no flags are set.
	UnwindHintNone uint8 = 0
	// UnwindHintKeep flags important intervals that should not be removed
	// (e.g. has CALL/SYSCALL assembly opcode, or is part of function prologue)
	UnwindHintKeep uint8 = 1
	// UnwindHintGap indicates that the delta marks function end
	UnwindHintGap uint8 = 4
)

// UnwindInfo contains the data needed to unwind PC, SP and FP.
//
// Opcode and Param describe the CFA (the caller's stack pointer). FPOpcode
// and FPParam describe where the return address and the caller's frame
// pointer are recovered from.
type UnwindInfo struct {
	Opcode, FPOpcode uint8

	Param, FPParam int32
}

// UnwindInfoInvalid is the stack delta info indicating invalid or unsupported PC.
var UnwindInfoInvalid = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandInvalid}

// UnwindInfoStop is the stack delta info indicating root function of a stack.
var UnwindInfoStop = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandStop}

// UnwindInfoSignal is the stack delta info indicating signal return frame.
var UnwindInfoSignal = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandSignal}

// UnwindInfoPLT is the stack delta info for x86-64 PLT stubs.
var UnwindInfoPLT = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandPLT}

// UnwindInfoFramePointerX64 unwinds an x86-64 frame pointer frame:
// the caller's frame pointer is at [rbp], the return address at [rbp+8].
var UnwindInfoFramePointerX64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoFramePointerARM64 unwinds an arm64 frame record: the caller's
// frame pointer is at [x29], the return address at [x29+8].
var UnwindInfoFramePointerARM64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFAFrame,
	FPParam:  -8,
}

// UnwindInfoLR contains the description to unwind arm function without frame (Link Register only)
var UnwindInfoLR = UnwindInfo{
	Opcode:   UnwindOpcodeBaseSP,
	FPOpcode: UnwindOpcodeBaseLR,
}

// IsCommand reports whether the info carries a command instead of a rule.
func (info UnwindInfo) IsCommand() bool {
	return info.Opcode == UnwindOpcodeCommand
}

// StackDelta defines the start address for the delta interval, along with
// the unwind information.
type StackDelta struct {
	Address uint64
	Hints   uint8
	Info    UnwindInfo
}

// StackDeltaArray defines an address space where consecutive entries establish
// intervals for the stack deltas
type StackDeltaArray []StackDelta

// IntervalData holds the complete parsed unwind rules of one library. It is
// the unit stored in the persistent cache.
type IntervalData struct {
	// Deltas contains all stack deltas for a single binary.
	// Two consecutive entries describe an interval.
	Deltas StackDeltaArray
}

// AddEx adds a new stack delta to the array. When sorted is set, the delta
// is known to not precede the last entry and is merged with it if possible.
func (deltas *StackDeltaArray) AddEx(delta StackDelta, sorted bool) {
	num := len(*deltas)
	if delta.Info.Opcode == UnwindOpcodeCommand {
		// FP information is unused for commands, but DWARF often leaves
		// bogus data there. Resetting it keeps equal rules comparable.
		delta.Info.FPOpcode = UnwindOpcodeCommand
		delta.Info.FPParam = 0
	}
	if num > 0 && sorted {
		prev := &(*deltas)[num-1]
		if prev.Hints&UnwindHintGap != 0 && prev.Address+MinimumGap >= delta.Address {
			// The previous entry is an end-of-function marker followed
			// by only alignment padding. Drop the marker.
			if num <= 1 || (*deltas)[num-2].Info != delta.Info {
				*prev = delta
				return
			}
			prev = &(*deltas)[num-2]
			*deltas = (*deltas)[:num-1]
		}
		if prev.Info == delta.Info {
			prev.Hints |= delta.Hints & UnwindHintKeep
			return
		}
		if prev.Address == delta.Address {
			*prev = delta
			return
		}
	}
	*deltas = append(*deltas, delta)
}

// Add adds a new stack delta from a sorted source.
func (deltas *StackDeltaArray) Add(delta StackDelta) {
	deltas.AddEx(delta, true)
}

// Find returns the delta whose interval contains addr.
func (deltas StackDeltaArray) Find(addr uint64) (StackDelta, bool) {
	lo, hi := 0, len(deltas)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if deltas[mid].Address <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return StackDelta{}, false
	}
	return deltas[lo-1], true
}

// PackDerefParam compresses pre- and post-dereference parameters to single value
func PackDerefParam(preDeref, postDeref int32) (int32, bool) {
	if postDeref < 0 || postDeref > 0x20 || postDeref%UnwindDerefMultiplier != 0 ||
		preDeref&UnwindDerefMask != 0 {
		return 0, false
	}
	return preDeref + postDeref/UnwindDerefMultiplier, true
}

// UnpackDerefParam splits the pre- and post-dereference parameters from single value
func UnpackDerefParam(param int32) (preDeref, postDeref int32) {
	return param &^ UnwindDerefMask, (param & UnwindDerefMask) * UnwindDerefMultiplier
}
