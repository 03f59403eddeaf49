// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/unwinder"

import "debug/elf"

// Offsets of the general purpose registers saved by the kernel in the signal
// frame, relative to the stack pointer of the signal trampoline.
const (
	// arm64: struct rt_sigframe { siginfo_t info; struct ucontext uc; },
	// uc.uc_mcontext is at offset 176 of the ucontext and starts with
	// fault_address, followed by regs[31], sp and pc.
	arm64SigRegs = 128 + 176 + 8
	arm64SigFP   = arm64SigRegs + 29*8
	arm64SigLR   = arm64SigRegs + 30*8
	arm64SigSP   = arm64SigRegs + 31*8
	arm64SigPC   = arm64SigRegs + 32*8

	// x86-64: the return into the trampoline popped pretcode, so the stack
	// pointer is at the ucontext. Its uc_mcontext at offset 40 holds r8-r15,
	// rdi, rsi, rbp, rbx, rdx, rax, rcx, rsp and rip.
	x86SigRegs = 40
	x86SigRBP  = x86SigRegs + 10*8
	x86SigRSP  = x86SigRegs + 15*8
	x86SigRIP  = x86SigRegs + 16*8
)

// signalFrame restores the interrupted registers from the signal frame at
// the stack pointer.
func (w *Walker) signalFrame() {
	sp := w.regs.sp
	next := registers{interrupted: true}
	var ok bool
	if w.machine == elf.EM_AARCH64 {
		for _, r := range []struct {
			off uint64
			dst *uint64
		}{
			{arm64SigPC, &next.pc},
			{arm64SigSP, &next.sp},
			{arm64SigFP, &next.fp},
			{arm64SigLR, &next.lr},
		} {
			if *r.dst, ok = w.read(sp + r.off); !ok {
				return
			}
		}
		next.lrValid = true
	} else {
		for _, r := range []struct {
			off uint64
			dst *uint64
		}{
			{x86SigRIP, &next.pc},
			{x86SigRSP, &next.sp},
			{x86SigRBP, &next.fp},
		} {
			if *r.dst, ok = w.read(sp + r.off); !ok {
				return
			}
		}
	}
	w.advance(next, false)
}

// pltFrame unwinds a PLT stub. An x86-64 stub has pushed one word once rip
// is at offset 11 or later of its 16 byte entry. arm64 stubs leave the stack
// and the link register alone.
func (w *Walker) pltFrame() {
	if w.machine == elf.EM_AARCH64 {
		if !w.regs.lrValid {
			w.finish(StateAborted, NoRuleFound)
			return
		}
		w.advance(registers{pc: w.regs.lr &^ w.codePACMask, sp: w.regs.sp, fp: w.regs.fp}, true)
		return
	}

	cfa := w.regs.sp + 8
	if w.regs.pc&15 >= 11 {
		cfa += 8
	}
	ra, ok := w.read(cfa - 8)
	if !ok {
		return
	}
	w.advance(registers{pc: ra, sp: cfa, fp: w.regs.fp}, false)
}
