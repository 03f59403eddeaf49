// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/unwinder"

import (
	"debug/elf"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/crashunwind/process"
	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// Frame is one level of the call stack.
type Frame struct {
	// PC is the program counter. Except for the innermost frame and frames
	// interrupted by a signal it is a return address.
	PC uint64
	// Module contains PC, it is nil when PC is not mapped.
	Module *process.Module
	// Offset is PC relative to the load base of Module.
	Offset uint64
	// Err is the problem found while unwinding this frame.
	Err ErrorKind
	// Ambiguous is set when PC lies in overlapping modules.
	Ambiguous bool
	// Chased is set when the caller was found by following the frame pointer.
	Chased bool
}

// registers is the unwinding relevant state of one frame.
type registers struct {
	pc, sp, fp, lr uint64
	// lrValid is set when lr belongs to this frame. This is only known for
	// the innermost frame and for frames restored from a signal frame.
	lrValid bool
	// interrupted is set when pc is not a return address.
	interrupted bool
}

// Walker produces the frames of one register snapshot, innermost first. The
// memory of the target is only read through the given RemoteMemory.
// A Walker is not safe for concurrent use.
type Walker struct {
	machine     elf.Machine
	modules     *process.ModuleMap
	tables      nativeunwind.TableProvider
	mem         remotememory.RemoteMemory
	codePACMask uint64
	maxFrames   int
	maxSteps    int

	state  State
	cause  ErrorKind
	regs   registers
	frames int
	steps  int
	chased int
}

// newWalker seeds a walker with the program counter, stack pointer and
// frame pointer of the snapshot. An invalid mem selects the stack captured
// in the snapshot. cfg must have its defaults applied.
func newWalker(cfg *Config, tables nativeunwind.TableProvider, rc *regcontext.Context,
	modules *process.ModuleMap, mem remotememory.RemoteMemory) (*Walker, error) {
	layout, err := regcontext.LayoutFor(cfg.Machine, rc.ABI())
	if err != nil {
		return nil, err
	}
	w := &Walker{
		machine:     cfg.Machine,
		modules:     modules,
		tables:      tables,
		mem:         mem,
		codePACMask: cfg.CodePACMask,
		maxFrames:   cfg.MaxFrames,
		maxSteps:    cfg.MaxSteps,
		regs:        registers{interrupted: true},
	}
	for _, r := range []struct {
		slot int
		dst  *uint64
	}{
		{layout.PC, &w.regs.pc},
		{layout.SP, &w.regs.sp},
		{layout.FP, &w.regs.fp},
	} {
		if *r.dst, err = rc.Register(r.slot); err != nil {
			return nil, fmt.Errorf("seed register %s: %w", layout.Name(r.slot), err)
		}
	}
	if layout.LR >= 0 {
		if w.regs.lr, err = rc.Register(layout.LR); err == nil {
			w.regs.lrValid = true
		}
	}
	if !mem.Valid() {
		// The captured stack starts at the stack pointer.
		w.mem = remotememory.NewStackSnapshot(w.regs.sp, rc.Dynamic())
	}
	return w, nil
}

// State returns the state of the walk.
func (w *Walker) State() State {
	return w.state
}

// Cause returns why the walk stopped, None for a walk that reached the
// outermost frame.
func (w *Walker) Cause() ErrorKind {
	return w.cause
}

// Chased returns the number of frames found by following frame pointers.
func (w *Walker) Chased() int {
	return w.chased
}

func (w *Walker) finish(state State, cause ErrorKind) {
	w.state = state
	w.cause = cause
}

// Next returns the next frame. It returns false once the walk is over.
func (w *Walker) Next() (Frame, bool) {
	if w.state.Terminal() {
		return Frame{}, false
	}
	if w.frames >= w.maxFrames {
		w.finish(StateDone, None)
		return Frame{}, false
	}
	first := w.state == StateStart
	w.state = StateWalking

	res, err := w.modules.Resolve(w.regs.pc)
	if err != nil {
		if !first {
			// Callers outside of every module end the walk, e.g. at the
			// entry point of a JIT or of a thread.
			w.finish(StateDone, None)
			return Frame{}, false
		}
		w.frames++
		w.finish(StateAborted, NotMapped)
		return Frame{PC: w.regs.pc, Err: NotMapped}, true
	}

	w.frames++
	frame := Frame{
		PC:        w.regs.pc,
		Module:    res.Module,
		Offset:    res.Offset,
		Ambiguous: res.Ambiguous,
	}
	frame.Err, frame.Chased = w.step(res.Module)
	return frame, true
}

// tableErrorKind classifies a failure to get the table of a module.
func tableErrorKind(err error) ErrorKind {
	if errors.Is(err, elfunwindinfo.ErrCorruptUnwindInfo) {
		return CorruptUnwindInfo
	}
	return ReadError
}

// step computes the registers of the caller of the current frame. It
// returns the problem of the current frame and whether the frame pointer
// was followed.
func (w *Walker) step(module *process.Module) (ErrorKind, bool) {
	pc := w.regs.pc
	// The rule of a return address is the one of the call instruction.
	if !w.regs.interrupted && pc > module.Vaddr {
		pc--
	}

	table, err := w.tables.GetTable(module.Path)
	if err != nil {
		kind := tableErrorKind(err)
		log.Debugf("No unwind table for %s: %v", module.Path, err)
		return kind, w.chase(kind)
	}
	if table.Machine() != w.machine {
		log.Debugf("Unwind table of %s is for %v", module.Path, table.Machine())
		return CorruptUnwindInfo, w.chase(CorruptUnwindInfo)
	}
	info, err := table.Lookup(module.FileOffsetOf(pc))
	if err != nil {
		kind := NoRuleFound
		if !errors.Is(err, elfunwindinfo.ErrNoRuleFound) {
			kind = CorruptUnwindInfo
		}
		log.Debugf("No unwind rule at %s+%#x: %v", module.Path, module.FileOffsetOf(pc), err)
		return kind, w.chase(kind)
	}
	return w.apply(info), false
}

// chase unwinds the current frame by following the frame pointer. A zero
// frame pointer ends the frame record chain.
func (w *Walker) chase(cause ErrorKind) bool {
	if w.regs.fp == 0 {
		if cause == NoRuleFound {
			w.finish(StateDone, None)
		} else {
			w.finish(StateAborted, cause)
		}
		return false
	}
	info := sdtypes.UnwindInfoFramePointerX64
	if w.machine == elf.EM_AARCH64 {
		info = sdtypes.UnwindInfoFramePointerARM64
	}
	log.Debugf("Following frame pointer %#x at %#x", w.regs.fp, w.regs.pc)
	w.chased++
	w.apply(info)
	return true
}

// read reads one word of target memory. A failed read or an exhausted step
// budget aborts the walk.
func (w *Walker) read(addr uint64) (uint64, bool) {
	if w.steps >= w.maxSteps {
		w.finish(StateAborted, Aborted)
		return 0, false
	}
	w.steps++
	v, err := w.mem.Uint64Checked(libpf.Address(addr))
	if err != nil {
		w.finish(StateAborted, Aborted)
		return 0, false
	}
	return v, true
}

// apply applies the unwind rule to the current registers. It returns a
// problem of the rule itself, memory errors only end the walk.
func (w *Walker) apply(info sdtypes.UnwindInfo) ErrorKind {
	if info.IsCommand() {
		switch info.Param {
		case sdtypes.UnwindCommandStop:
			w.finish(StateDone, None)
		case sdtypes.UnwindCommandSignal:
			w.signalFrame()
		case sdtypes.UnwindCommandPLT:
			w.pltFrame()
		default:
			w.finish(StateAborted, NoRuleFound)
			return NoRuleFound
		}
		return None
	}

	var cfa uint64
	switch info.Opcode &^ sdtypes.UnwindOpcodeFlagDeref {
	case sdtypes.UnwindOpcodeBaseSP:
		cfa = w.regs.sp
	case sdtypes.UnwindOpcodeBaseFP:
		cfa = w.regs.fp
	default:
		w.finish(StateAborted, CorruptUnwindInfo)
		return CorruptUnwindInfo
	}
	if info.Opcode&sdtypes.UnwindOpcodeFlagDeref != 0 {
		pre, post := sdtypes.UnpackDerefParam(info.Param)
		v, ok := w.read(cfa + uint64(int64(pre)))
		if !ok {
			return None
		}
		cfa = v + uint64(int64(post))
	} else {
		cfa += uint64(int64(info.Param))
	}

	next := registers{sp: cfa, fp: w.regs.fp}
	var ra uint64
	var ok bool
	fromLR := false
	if w.machine == elf.EM_X86_64 {
		if ra, ok = w.read(cfa - 8); !ok {
			return None
		}
		if info.FPOpcode == sdtypes.UnwindOpcodeBaseCFA {
			if next.fp, ok = w.read(cfa + uint64(int64(info.FPParam))); !ok {
				return None
			}
		}
	} else {
		switch info.FPOpcode {
		case sdtypes.UnwindOpcodeBaseLR:
			if !w.regs.lrValid {
				// The link register of outer frames is not known.
				w.finish(StateAborted, NoRuleFound)
				return NoRuleFound
			}
			ra, fromLR = w.regs.lr, true
		case sdtypes.UnwindOpcodeBaseCFA:
			if ra, ok = w.read(cfa + uint64(int64(info.FPParam))); !ok {
				return None
			}
		case sdtypes.UnwindOpcodeBaseCFAFrame:
			if ra, ok = w.read(cfa + uint64(int64(info.FPParam))); !ok {
				return None
			}
			if next.fp, ok = w.read(cfa + uint64(int64(info.FPParam)) - 8); !ok {
				return None
			}
		default:
			w.finish(StateAborted, CorruptUnwindInfo)
			return CorruptUnwindInfo
		}
		ra &^= w.codePACMask
	}
	next.pc = ra
	w.advance(next, fromLR)
	return None
}

// advance makes next the current frame unless it ends the walk. The stack
// must grow towards the caller. Only a return address taken from the link
// register may leave the stack pointer unchanged, which cannot repeat as
// outer frames have no known link register.
func (w *Walker) advance(next registers, fromLR bool) {
	if next.pc == 0 {
		w.finish(StateDone, None)
		return
	}
	if next.sp < w.regs.sp || (next.sp == w.regs.sp && !fromLR) {
		log.Debugf("Stack pointer %#x of caller of %#x is not above %#x",
			next.sp, w.regs.pc, w.regs.sp)
		w.finish(StateAborted, Aborted)
		return
	}
	w.regs = next
}
