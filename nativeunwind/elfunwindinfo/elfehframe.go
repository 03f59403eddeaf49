// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf/hash"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// Most files have single CIE, and all FDEs use that. But multiple CIEs are needed
// in some cases.
const cieCacheSize = 256

// errUnexpectedType is used internally to detect inconsistent FDE/CIE types
var errUnexpectedType = errors.New("unexpected FDE/CIE type")

// errEmptyEntry is used internally to report FDEs/CIEs of length 0.
var errEmptyEntry = errors.New("FDE/CIE empty")

// ehframeHooks provides hooks for inspecting the eh_frame parsing
type ehframeHooks interface {
	// fdeHook is called for each FDE. Returns false if the FDE should be filtered out.
	fdeHook(cie *cieInfo, fde *fdeInfo) bool
	// deltaHook is called for each stack delta found
	deltaHook(ip uint64, regs *vmRegs, delta sdtypes.StackDelta)
}

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

// Exception Frame Header (.eh_frame_hdr section)
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
type ehFrameHdr struct {
	version       uint8
	ehFramePtrEnc encoding
	fdeCountEnc   encoding
	tableEnc      encoding
	// Continued with the following:
	// ehFramePtr    ptr{ehFramePtrEnc}
	// fdeCount      ptr{ehFramePtrEnc}
	// searchTable   [fdeCount]struct {
	//	startIp ptr{tableEnc}
	//	fdeAddr ptr{tableEnc}
	// }
}

// cieInfo describes the contents of one Common Information Entry (CIE)
type cieInfo struct {
	dataAlign       sleb128
	codeAlign       uleb128
	regRA           uleb128
	enc             encoding
	ldsaEnc         encoding
	hasAugmentation bool
	isSignalHandler bool

	// initialState is the virtual machine state after running CIE opcodes
	initialState vmRegs
}

// fdeInfo contains one Frame Description Entry (FDE)
type fdeInfo struct {
	ciePos  uint64
	ipLen   uint64
	ipStart uint64
}

const (
	// extensions values used internally
	regUndefined       uleb128 = 128
	regCFA             uleb128 = 129
	regCFAVal          uleb128 = 130
	regSame            uleb128 = 131
	regExprPLT         uleb128 = 256
	regExprRegDeref    uleb128 = 257
	regExprRegRegDeref uleb128 = 258
	regExprReg         uleb128 = 259
)

// sigretCodeMap contains the per-machine trampoline to call rt_sigreturn syscall.
// This is needed to detect signal trampoline functions as the .eh_frame often
// does not contain the proper unwind info due to various reasons.
//
//nolint:lll
var sigretCodeMap = map[elf.Machine][]byte{
	elf.EM_AARCH64: {
		// https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/arch/arm64/kernel/vdso/sigreturn.S?h=v6.4#n71
		// https://git.musl-libc.org/cgit/musl/tree/src/signal/aarch64/restore.s?h=v1.2.4#n9
		// movz x8, #0x8b
		0x68, 0x11, 0x80, 0xd2,
		// svc  #0x0
		0x01, 0x00, 0x00, 0xd4,
	},
	elf.EM_X86_64: {
		// https://git.musl-libc.org/cgit/musl/tree/src/signal/x86_64/restore.s?h=v1.2.4#n6
		// mov $0xf,%rax
		0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00,
		// syscall
		0x0f, 0x05,
	},
}

// vmReg describes the register unwinding state in dwarf virtual machine
type vmReg struct {
	arch elf.Machine
	// reg is the register or extension base to use
	reg uleb128
	// off is the offset to add to the base
	off sleb128
}

// makeOff encodes four 16-bit integers into vmReg.off field to be used as expression parameters
func makeOff(a, b, c, d int16) sleb128 {
	return sleb128((uleb128(uint16(a)) << 48) + (uleb128(uint16(b)) << 32) +
		(uleb128(uint16(c)) << 16) + uleb128(uint16(d)))
}

// splitOff undoes makeOff and splits the vmReg.off to 16-bit integers
func splitOff(off sleb128) (a, b, c, d int16) {
	return int16(off >> 48), int16(off >> 32), int16(off >> 16), int16(off)
}

// getCFARegName converts internally used register descriptions into a string
func getCFARegName(reg uleb128) string {
	switch reg {
	case regCFA:
		return "c"
	case regCFAVal:
		return "&c"
	case regUndefined:
		return "u"
	case regSame:
		return "s"
	default:
		return fmt.Sprintf("r%d", reg)
	}
}

// getRegName converts register index to a string describing the register
func getRegName(arch elf.Machine, reg uleb128) string {
	switch {
	case reg >= regUndefined:
		return getCFARegName(reg)
	case arch == elf.EM_AARCH64:
		return getRegNameARM(reg)
	case arch == elf.EM_X86_64:
		return getRegNameX86(reg)
	default:
		return fmt.Sprintf("unk%d", reg)
	}
}

// String will format the unwinding rule for 'reg' as a string
func (reg *vmReg) String() string {
	if reg.reg < regExprPLT {
		name := getRegName(reg.arch, reg.reg)
		if reg.off == 0 {
			return name
		}
		return fmt.Sprintf("%s%+d", name, reg.off)
	}
	switch reg.reg {
	case regExprPLT:
		return "plt"
	case regExprReg:
		a, _, b, _ := splitOff(reg.off)
		return fmt.Sprintf("%s%+d", getRegName(reg.arch, uleb128(a)), b)
	case regExprRegDeref:
		a, _, b, c := splitOff(reg.off)
		return fmt.Sprintf("*(%s%+d)%+d",
			getRegName(reg.arch, uleb128(a)), b, c)
	case regExprRegRegDeref:
		a, b, c, d := splitOff(reg.off)
		return fmt.Sprintf("*(%s+8*%s+%d)%+d",
			getRegName(reg.arch, uleb128(a)), getRegName(reg.arch, uleb128(b)), c, d)
	default:
		return "?"
	}
}

// expression recognizes the argument expression and sets the vmReg value to it
func (reg *vmReg) expression(expr []dwarfExpression) error {
	reg.reg = regUndefined
	reg.off = 0

	// Support is included for few selected expression
	switch {
	case matchExpression(expr, []expressionOpcode{
		opBReg0, opBReg0, opLit0, opAnd,
		opLit0, opGE, opLit0, opShl, opPlus,
	}):
		// Assume this sequence is the PLT expression generated by GCC,
		// regardless of the operand values
		reg.reg = regExprPLT
	case matchExpression(expr, []expressionOpcode{opBReg0}):
		// Register dereference expression (seen for registers in SSE vectorized code)
		reg.reg = regExprReg
		reg.off = makeOff(int16(expr[0].operand1), 0, int16(expr[0].operand2), 0)
	case matchExpression(expr, []expressionOpcode{opBReg0, opDeref}):
		// Register dereference expression (seen for CFA in SSE vectorized code)
		reg.reg = regExprRegDeref
		reg.off = makeOff(int16(expr[0].operand1), 0, int16(expr[0].operand2), 0)
	case matchExpression(expr, []expressionOpcode{opBReg0, opDeref, opPlusUConst}):
		// Register dereference expression (seen in openssl libcrypto)
		reg.reg = regExprRegDeref
		reg.off = makeOff(int16(expr[0].operand1), 0, int16(expr[0].operand2),
			int16(expr[2].operand1))
	case matchExpression(expr, []expressionOpcode{
		opBReg0, opBReg0, opLit0, opMul,
		opPlus, opDeref, opPlusUConst,
	}) &&
		expr[1].operand2 == 0 && expr[2].operand1 == 8:
		// Register + register dereference expression (seen in openssl libcrypto)
		reg.reg = regExprRegRegDeref
		reg.off = makeOff(
			int16(expr[0].operand1), int16(expr[1].operand1),
			int16(expr[0].operand2), int16(expr[6].operand1))
	default:
		return fmt.Errorf("DWARF expression unmatched: %x", expr)
	}
	return nil
}

// vmRegs contains the dwarf virtual machine registers we track
type vmRegs struct {
	arch elf.Machine
	cfa  vmReg
	// generic (platform independent) DWARF registers for frame pointer
	// and return address access
	fp, ra vmReg
}

// reg returns the address to vmReg description of the given numeric register
func (regs *vmRegs) reg(ndx uleb128) *vmReg {
	switch regs.arch {
	case elf.EM_AARCH64:
		return regs.regARM(ndx)
	case elf.EM_X86_64:
		return regs.regX86(ndx)
	default:
		return nil
	}
}

// getUnwindInfo generates the needed unwind information from the register set
func (regs *vmRegs) getUnwindInfo() sdtypes.UnwindInfo {
	switch regs.arch {
	case elf.EM_AARCH64:
		return regs.getUnwindInfoARM()
	case elf.EM_X86_64:
		return regs.getUnwindInfoX86()
	default:
		return sdtypes.UnwindInfoInvalid
	}
}

// newVMRegs initializes vmRegs structure for given architecture
func newVMRegs(arch elf.Machine) vmRegs {
	switch arch {
	case elf.EM_AARCH64:
		return newVMRegsARM()
	default:
		return newVMRegsX86()
	}
}

// state is the virtual machine state which can execute exception handler opcodes
type state struct {
	// cie is the CIE being currently processed
	cie *cieInfo
	// loc is the current location (RIP)
	loc uint64
	// cur is the current state of the virtual machine
	cur vmRegs
	// stack is the implicit stack of register states for remember/restore opcodes
	stack [2]vmRegs
	// stackNdx is the current stack nesting level for remember/restore opcodes
	stackNdx int
}

// advance increments current virtual address by given delta and code alignment
func (st *state) advance(delta uint64) {
	st.loc += delta * uint64(st.cie.codeAlign)
}

// rule assign an unwinding rule for given register 'reg'
func (st *state) rule(reg, baseReg uleb128, off sleb128) {
	if r := st.cur.reg(reg); r != nil {
		r.reg = baseReg
		r.off = off * st.cie.dataAlign
	}
}

// restore assigns given numeric register it's original value after CIE opcodes
func (st *state) restore(reg uleb128) {
	if to := st.cur.reg(reg); to != nil {
		*to = *st.cie.initialState.reg(reg)
	}
}

// step executes the EH virtual opcodes until a new virtual address is encountered
// or end of opcodes is reached.
func (st *state) step(r *reader) error {
	var err error

	for r.hasData() {
		opcode := cfaOpcode(r.u8())
		operand := uint8(0)

		// If the high opcode bits are set, the upper bits are opcode
		// and the lower bits is operand.
		if opcode&cfaHighOpcodeMask != 0 {
			operand = uint8(opcode & cfaHighOpcodeValueMask)
			opcode &= cfaHighOpcodeMask
		}

		switch opcode {
		case cfaNop:
		case cfaSetLoc:
			st.loc, err = r.ptr(st.cie.enc)
			return err
		case cfaAdvanceLoc1:
			st.advance(uint64(r.u8()))
			return nil
		case cfaAdvanceLoc2:
			st.advance(uint64(r.u16()))
			return nil
		case cfaAdvanceLoc4:
			st.advance(uint64(r.u32()))
			return nil
		case cfaOffsetExtended:
			st.rule(r.uleb(), regCFA, sleb128(r.uleb()))
		case cfaRestoreExtended:
			st.restore(r.uleb())
		case cfaUndefined:
			st.rule(r.uleb(), regUndefined, 0)
		case cfaSameValue:
			st.rule(r.uleb(), regSame, 0)
		case cfaRegister:
			st.rule(r.uleb(), r.uleb(), 0)
		case cfaRememberState:
			if st.stackNdx >= len(st.stack) {
				return fmt.Errorf("dwarf stack overflow at %x", st.loc)
			}
			st.stack[st.stackNdx] = st.cur
			st.stackNdx++
		case cfaRestoreState:
			if st.stackNdx == 0 {
				return fmt.Errorf("dwarf stack underflow at %x", st.loc)
			}
			st.stackNdx--
			st.cur = st.stack[st.stackNdx]
		case cfaDefCfa:
			st.cur.cfa.reg = r.uleb()
			st.cur.cfa.off = sleb128(r.uleb())
		case cfaDefCfaRegister:
			st.cur.cfa.reg = r.uleb()
		case cfaDefCfaOffset:
			st.cur.cfa.off = sleb128(r.uleb())
		case cfaDefCfaExpression:
			expr, err := r.expression()
			if err == nil {
				err = st.cur.cfa.expression(expr)
			}
			if err != nil {
				log.Debugf("DWARF expression error (CFA): %v", err)
			}
		case cfaExpression:
			reg := r.uleb()
			expr, err := r.expression()
			if vr := st.cur.reg(reg); err == nil && vr != nil {
				if err = vr.expression(expr); err != nil {
					log.Debugf("DWARF expression error (%s): %v",
						getRegName(st.cur.arch, reg), err)
				}
			}
		case cfaOffsetExtendedSf:
			st.rule(r.uleb(), regCFA, r.sleb())
		case cfaDefCfaSf:
			st.cur.cfa.reg = r.uleb()
			st.cur.cfa.off = r.sleb() * st.cie.dataAlign
		case cfaDefCfaOffsetSf:
			st.cur.cfa.off = r.sleb() * st.cie.dataAlign
		case cfaValOffset:
			st.rule(r.uleb(), regCFAVal, sleb128(r.uleb()))
		case cfaValOffsetSf:
			st.rule(r.uleb(), regCFAVal, r.sleb())
		case cfaValExpression:
			// Not really supported, just mark the register undefined
			st.rule(r.uleb(), regUndefined, 0)
			r.skip(uint64(r.uleb()))
		case cfaGNUWindowSave:
			// On arm64 this toggles return address signing, which the
			// walker handles by stripping PAC bits from every address.
		case cfaGNUArgsSize:
			// Callee removed arguments from the stack. The CFA is RBP
			// based in the functions using this, so it can be ignored.
			r.uleb()
		case cfaGNUNegOffsetExtended:
			st.rule(r.uleb(), regCFA, -r.sleb())
		case cfaAdvanceLoc:
			st.advance(uint64(operand))
			return nil
		case cfaOffset:
			st.rule(uleb128(operand), regCFA, sleb128(r.uleb()))
		case cfaRestore:
			st.restore(uleb128(operand))
		default:
			return fmt.Errorf("DWARF opcode %#02x not implemented", opcode)
		}
	}
	return nil
}

// parseHDR parses the common part of CIE and FDE blocks
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(r.u32())
	switch {
	case dlen == 0:
		return reader{}, 0, errEmptyEntry
	case dlen < 0xfffffff0:
		// Normal 32-bit dwarf
		idPos = uint64(r.pos)
		if dlen < 4 {
			r.pos = r.end + 1
			return reader{}, 0, fmt.Errorf("entry length %d too short", dlen)
		}
		ciePos = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	case dlen == 0xffffffff:
		// 64-bit dwarf
		dlen = r.u64()
		idPos = uint64(r.pos)
		if dlen < 8 {
			r.pos = r.end + 1
			return reader{}, 0, fmt.Errorf("entry length %d too short", dlen)
		}
		ciePos = r.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 8
	default:
		// Abort reading as sync is lost
		r.pos = r.end + 1
		return reader{}, 0, fmt.Errorf("unsupported initial length %#x", dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		return reader{}, 0, fmt.Errorf("CIE/FDE %#x: extends beyond section end", idPos)
	}
	if !r.debugFrame {
		// In .eh_frame's the CIE marker pointer value is zero
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if !isCIE {
		if !r.debugFrame {
			// In .eh_frame, the FDE pointer is relative to its header position,
			// not to the start of section.
			if ciePos > idPos-uint64(r.base) {
				return data, 0, fmt.Errorf("FDE CIE pointer %#x before section start", ciePos)
			}
			ciePos = idPos - uint64(r.base) - ciePos
		}
		if ciePos >= uint64(r.end-r.base) {
			return data, 0, fmt.Errorf("FDE CIE pointer beyond end at %#x", ciePos)
		}
	}
	return data, ciePos, nil
}

// parseCIE reads and processes one Common Information Entry
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseCIE(cie *cieInfo) (data reader, err error) {
	data, _, err = r.parseHDR(true)
	if err != nil {
		return reader{}, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return reader{}, fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = cieInfo{
		enc:     encFormatNative | encAdjustAbs,
		ldsaEnc: encFormatNative | encAdjustAbs,
	}

	augmentation := data.str()
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields
		data.skip(2)
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uleb128(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return reader{}, fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		data.uleb()
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.ldsaEnc = encoding(data.u8())
			case 'R':
				cie.enc = encoding(data.u8())
			case 'P':
				// The personality routine is not used. Drop the indirect
				// flag so its pointer can be skipped.
				enc := encoding(data.u8()) &^ encIndirect
				if _, err = data.ptr(enc); err != nil {
					return reader{}, err
				}
			case 'S':
				cie.isSignalHandler = true
			default:
				return reader{}, fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
	}

	if !data.isValid() {
		return reader{}, errors.New("CIE not valid after header")
	}
	return data, nil
}

// isSignalTrampoline matches a given FDE against well known signal return handler
// code sequence.
func isSignalTrampoline(ef codeReader, machine elf.Machine, fde *fdeInfo) bool {
	sigretCode, ok := sigretCodeMap[machine]
	if !ok || ef == nil {
		return false
	}
	if fde.ipLen != uint64(len(sigretCode)) {
		return false
	}
	fdeCode := make([]byte, len(sigretCode))
	if _, err := ef.ReadAt(fdeCode, int64(fde.ipStart)); err != nil {
		return false
	}
	return bytes.Equal(fdeCode, sigretCode)
}

// parseFDEHeader parses the first fields of an FDE, specifically PC Begin
// and PC Range, and looks up its CIE.
func parseFDEHeader(fdeReader *reader, machine elf.Machine,
	cieCache *lru.LRU[uint64, *cieInfo]) (r reader, fde fdeInfo, info *cieInfo, err error) {
	fdeID := fdeReader.pos
	r, fde.ciePos, err = fdeReader.parseHDR(false)
	if err != nil {
		// parseHDR consumed the entry. This lets walkFDEs skip CIEs.
		return r, fde, nil, err
	}

	// Calculate CIE location, and get and cache the CIE data
	cie, ok := cieCache.Get(fde.ciePos)
	if !ok {
		cie = &cieInfo{}
		cr := fdeReader.offset(fde.ciePos)
		cr, err = cr.parseCIE(cie)
		if err != nil {
			return r, fde, nil, fmt.Errorf("CIE %#x failed: %v", fde.ciePos, err)
		}

		// initialize vmRegs from initialState - these can be used by restore
		// opcode during initial CIE run
		cie.initialState = newVMRegs(machine)

		// Run CIE initial opcodes
		st := state{
			cie: cie,
			cur: newVMRegs(machine),
		}
		for cr.hasData() {
			if err = st.step(&cr); err != nil {
				return r, fde, nil, err
			}
		}
		if !cr.isValid() {
			return r, fde, nil, fmt.Errorf("CIE %#x parsing failed", fde.ciePos)
		}
		cie.initialState = st.cur
		cieCache.Add(fde.ciePos, cie)
	}

	// Parse rest of FDE structure (CIE dependent part)
	fde.ipStart, err = r.ptr(cie.enc)
	if err != nil {
		return r, fde, nil, err
	}
	// The range is never relative, only its format matters.
	fde.ipLen, err = r.ptr(cie.enc & (encFormatMask | encSignedMask))
	if err != nil {
		return r, fde, nil, err
	}

	if cie.hasAugmentation {
		r.skip(uint64(r.uleb()))
	}
	if !r.isValid() {
		return r, fde, nil, fmt.Errorf("FDE %#x not valid after header", fdeID)
	}
	return r, fde, cie, nil
}

// parseFDE reads and processes one Frame Description Entry from the reader 'r'.
// It reads the CIE/FDE entry, and amends the intervals to deltas table.
// The FDE format is described in:
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (ee *elfExtractor) parseFDE(fdeReader *reader, cieCache *lru.LRU[uint64, *cieInfo]) error {
	fdeID := fdeReader.pos
	r, fde, cie, err := parseFDEHeader(fdeReader, ee.machine, cieCache)
	if err != nil {
		return err
	}
	if fde.ipStart == 0 && fdeReader.debugFrame {
		// .debug_frame of relocatable leftovers often has FDEs for address zero
		return nil
	}
	if !ee.hooks.fdeHook(cie, &fde) {
		return nil
	}

	st := state{cie: cie, cur: cie.initialState, loc: fde.ipStart}
	sorted := false
	if cie.isSignalHandler || isSignalTrampoline(ee.code, ee.machine, &fde) {
		delta := sdtypes.StackDelta{
			Address: st.loc,
			Hints:   sdtypes.UnwindHintKeep,
			Info:    sdtypes.UnwindInfoSignal,
		}
		ee.hooks.deltaHook(st.loc, &st.cur, delta)
		ee.deltas.AddEx(delta, sorted)
		sorted = true
	} else {
		hint := sdtypes.UnwindHintKeep
		for r.hasData() {
			ip := st.loc
			if err := st.step(&r); err != nil {
				return err
			}
			if st.loc < ip {
				return fmt.Errorf("FDE %#x location moved backwards", fdeID)
			}
			delta := sdtypes.StackDelta{
				Address: ip,
				Hints:   hint,
				Info:    st.cur.getUnwindInfo(),
			}
			ee.hooks.deltaHook(ip, &st.cur, delta)
			ee.deltas.AddEx(delta, sorted)
			sorted = true
			hint = sdtypes.UnwindHintNone
		}

		delta := sdtypes.StackDelta{
			Address: st.loc,
			Hints:   hint,
			Info:    st.cur.getUnwindInfo(),
		}
		ee.hooks.deltaHook(st.loc, &st.cur, delta)
		ee.deltas.AddEx(delta, sorted)
		sorted = true

		if !r.isValid() {
			return fmt.Errorf("FDE %#x parsing failed", fdeID)
		}
	}

	// Add end-of-function marker. It is dropped later if another function
	// follows after only alignment padding.
	ee.deltas.AddEx(sdtypes.StackDelta{
		Address: fde.ipStart + fde.ipLen,
		Hints:   sdtypes.UnwindHintGap,
		Info:    sdtypes.UnwindInfoInvalid,
	}, sorted)

	return nil
}

// ehframeSections describes where the .eh_frame data and its FDE count
// were found.
type ehframeSections struct {
	frames   reader
	ehHdr    ehFrameHdr
	fdeCount uint64
}

// readEhHdr validates that the given `.eh_frame_hdr` is in a supported format
// and returns the address of .eh_frame and the FDE count announced in it.
func (es *ehframeSections) readEhHdr(r *reader) (ehFramePtr uint64, ok bool) {
	if !r.isValid() {
		return 0, false
	}
	es.ehHdr = ehFrameHdr{
		version:       r.u8(),
		ehFramePtrEnc: encoding(r.u8()),
		fdeCountEnc:   encoding(r.u8()),
		tableEnc:      encoding(r.u8()),
	}
	if es.ehHdr.version != 1 {
		return 0, false
	}
	// If the binary search table is in an unsupported format or omitted, the
	// header is ignored as if it was not present at all.
	if es.ehHdr.tableEnc != encAdjustDataRel+encSignedMask+encFormatData4 {
		return 0, false
	}

	ehFramePtr, err := r.ptr(es.ehHdr.ehFramePtrEnc)
	if err != nil {
		return 0, false
	}
	fdeCount, err := r.ptr(es.ehHdr.fdeCountEnc)
	if err != nil || !r.isValid() {
		return 0, false
	}
	es.fdeCount = fdeCount
	return ehFramePtr, true
}

// locateSections attempts multiple different methods of locating
// the .eh_frame_hdr and .eh_frame ELF sections.
func (es *ehframeSections) locateSections(ef elfSource) error {
	// Attempt to find .eh_frame{,_hdr} via their section header. This should work for the majority
	// of well-behaved ELF binaries.
	es.fdeCount = ^uint64(0)
	if sec := ef.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.SectionData()
		if err != nil {
			return fmt.Errorf("failed to read .eh_frame: %w", err)
		}
		es.frames = newReader(data, sec.Addr, false)
		return nil
	}

	// Attempt to locate the eh_frame section via the program headers. This is here to support
	// coredump binaries and other ELF files that have the section headers stripped.
	prog, err := ef.EHFrame()
	if err != nil {
		log.Debugf("No PT_GNU_EH_FRAME segment: %v", err)
		return nil
	}
	data, err := prog.SegmentData()
	if err != nil {
		return fmt.Errorf("failed to read PT_GNU_EH_FRAME: %w", err)
	}
	header := newReader(data, prog.Vaddr, false)
	ehFramePtr, ok := es.readEhHdr(&header)
	if !ok {
		// There is no program header for the eh_frame section, just for the header. If the
		// header is not in a suitable format, there is no way to know where the FDEs start.
		return errors.New("no suitable way to parse eh_frame found")
	}
	if ehFramePtr < prog.Vaddr || ehFramePtr-prog.Vaddr >= uint64(len(data)) {
		return fmt.Errorf("eh_frame pointer %#x outside its segment", ehFramePtr)
	}
	offs := ehFramePtr - prog.Vaddr
	es.frames = newReader(data[offs:], ehFramePtr, false)
	return nil
}

// walkFDEs walks .debug_frame or .eh_frame section, and processes it for stack deltas.
func (ee *elfExtractor) walkFDEs(frames *reader, numFDEs uint64) error {
	cieCache, err := lru.New[uint64, *cieInfo](cieCacheSize, hashUint64)
	if err != nil {
		return err
	}

	// Walk the section, and process each FDE it contains
	for frames.hasData() && numFDEs > 0 {
		pos := frames.pos
		err = ee.parseFDE(frames, cieCache)
		switch {
		case err == nil:
			numFDEs--
		case errors.Is(err, errEmptyEntry) && !frames.debugFrame:
			// The zero terminator of .eh_frame
			return nil
		case errors.Is(err, errUnexpectedType), errors.Is(err, errEmptyEntry):
		default:
			return fmt.Errorf("%w: FDE %#x: %v", ErrCorruptUnwindInfo, pos, err)
		}
	}
	if !frames.isValid() {
		return fmt.Errorf("%w: truncated section", ErrCorruptUnwindInfo)
	}
	return nil
}

func hashUint64(u uint64) uint32 {
	return uint32(hash.Uint64(u))
}

// parseEHFrame parses the .eh_frame DWARF info, extracting stack deltas.
func (ee *elfExtractor) parseEHFrame(ef elfSource) error {
	var es ehframeSections

	if err := es.locateSections(ef); err != nil {
		return fmt.Errorf("%w: failed to get EH sections: %v", ErrCorruptUnwindInfo, err)
	}
	if !es.frames.isValid() {
		// No eh_frame section being present at all is not an error -- there's simply no data for
		// us to parse present.
		return nil
	}
	return ee.walkFDEs(&es.frames, es.fdeCount)
}

// parseDebugFrame parses the .debug_frame DWARF info, extracting stack deltas.
func (ee *elfExtractor) parseDebugFrame(ef elfSource) error {
	sec := ef.Section(".debug_frame")
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil
	}
	data, err := sec.SectionData()
	if err != nil {
		return fmt.Errorf("failed to read .debug_frame: %w", err)
	}
	frames := newReader(data, sec.Addr, true)
	return ee.walkFDEs(&frames, ^uint64(0))
}
