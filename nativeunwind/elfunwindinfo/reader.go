// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"

import (
	"fmt"

	npsr "go.opentelemetry.io/crashunwind/nopanicslicereader"
)

// uleb128 is the data type for unsigned little endian base-128 encoded number
type uleb128 uint64

// sleb128 is the data type for signed little endian base-128 encoded number
type sleb128 int64

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustFuncRel encoding = 0x40
	encAdjustAligned encoding = 0x50
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// reader provides bounds checked sequential access to an unwind section
// image. Reads past the end return zero and leave the reader invalid, so
// callers check isValid once after a group of reads.
type reader struct {
	debugFrame bool

	data  []byte
	base  uint
	pos   uint
	end   uint
	vaddr uint64
}

// newReader returns a reader over data which is mapped at vaddr.
func newReader(data []byte, vaddr uint64, debugFrame bool) reader {
	return reader{
		debugFrame: debugFrame,
		data:       data,
		end:        uint(len(data)),
		vaddr:      vaddr,
	}
}

func (r *reader) setBase() {
	r.base = r.pos
}

// offset creates a "sub"-reader for the data starting from offset relative to base
func (r *reader) offset(offs uint64) reader {
	if r.base > r.end || offs > uint64(r.end-r.base) {
		return reader{}
	}
	sub := *r
	sub.pos = r.base + uint(offs)
	return sub
}

// hasData checks if there is unread data left
func (r *reader) hasData() bool {
	return r.pos < r.end
}

// isValid checks if the reader is still in valid state
func (r *reader) isValid() bool {
	return r.data != nil && r.pos <= r.end
}

func (r *reader) skip(num uint64) {
	if num > uint64(r.end) {
		r.pos = r.end + 1
		return
	}
	r.pos += uint(num)
}

// u8 reads one unsigned byte.
func (r *reader) u8() uint8 {
	v := npsr.Uint8(r.data[:r.end], r.pos)
	r.pos++
	return v
}

// u16 reads one unsigned word.
func (r *reader) u16() uint16 {
	v := npsr.Uint16(r.data[:r.end], r.pos)
	r.pos += 2
	return v
}

// u32 reads one unsigned double word.
func (r *reader) u32() uint32 {
	v := npsr.Uint32(r.data[:r.end], r.pos)
	r.pos += 4
	return v
}

// u64 reads one unsigned quad word.
func (r *reader) u64() uint64 {
	v := npsr.Uint64(r.data[:r.end], r.pos)
	r.pos += 8
	return v
}

// uleb reads one unsigned little endian base-128 encoded value
func (r *reader) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		val |= uleb128(b&0x7f) << shift
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value
func (r *reader) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		val |= sleb128(b&0x7f) << shift
	}
	if b&0x40 != 0 && shift < 64 {
		// Sign extend
		val |= sleb128(-1) << shift
	}
	return val
}

// str reads one zero-terminated string value. This is used for the
// augmentation string only, which is short.
func (r *reader) str() string {
	start := r.pos
	for r.hasData() {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++
			return s
		}
		r.pos++
	}
	r.pos = r.end + 1
	return ""
}

// bytes returns a reader for the next num bytes and skips over them
func (r *reader) bytes(num uint64) reader {
	pos := r.pos
	if pos > r.end || num > uint64(r.end-pos) {
		r.pos = r.end + 1
		return reader{}
	}
	r.pos = pos + uint(num)
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data,
		pos:        pos,
		end:        r.pos,
		vaddr:      r.vaddr,
	}
}

// ptr reads one pointer value encoded with enc encoding
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatNative, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatLeb128:
		val = uint64(r.uleb())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos + r.vaddr
	case encAdjustDataRel:
		val += r.vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}

	return val, nil
}

// DWARF Expression Opcodes
// http://dwarfstd.org/doc/DWARF5.pdf §2.5, §7.7.1
// The subset needed for normal .eh_frame handling
type expressionOpcode uint8

const (
	opDeref      expressionOpcode = 0x06
	opConstU     expressionOpcode = 0x10
	opConstS     expressionOpcode = 0x11
	opRot        expressionOpcode = 0x17
	opAnd        expressionOpcode = 0x1a
	opMul        expressionOpcode = 0x1e
	opPlus       expressionOpcode = 0x22
	opPlusUConst expressionOpcode = 0x23
	opShl        expressionOpcode = 0x24
	opGE         expressionOpcode = 0x2a
	opNE         expressionOpcode = 0x2e
	opLit0       expressionOpcode = 0x30
	opBReg0      expressionOpcode = 0x70
)

type dwarfExpression struct {
	opcode   expressionOpcode
	operand1 uleb128
	operand2 uleb128
}

// expression reads one DWARF expression, and normalizes it: opcodes are
// returned in an indexable slice and each opcode with an embedded operand is
// reduced to its base value with the operand separated. This allows pattern
// matching the expression against opcode sequences.
func (r *reader) expression() ([]dwarfExpression, error) {
	blen := uint64(r.uleb())
	ed := r.bytes(blen)
	if !ed.isValid() {
		return nil, fmt.Errorf("expression of length %d beyond entry end", blen)
	}
	expr := make([]dwarfExpression, 0, 8)
	for ed.hasData() {
		op := expressionOpcode(ed.u8())
		switch {
		case op >= opLit0 && op <= opLit0+31:
			expr = append(expr, dwarfExpression{
				opcode:   opLit0,
				operand1: uleb128(op - opLit0),
			})
		case op >= opBReg0 && op <= opBReg0+31:
			expr = append(expr, dwarfExpression{
				opcode:   opBReg0,
				operand1: uleb128(op - opBReg0),
				operand2: uleb128(ed.sleb()),
			})
		case op == opConstU, op == opPlusUConst:
			expr = append(expr, dwarfExpression{
				opcode:   op,
				operand1: ed.uleb(),
			})
		case op == opConstS:
			expr = append(expr, dwarfExpression{
				opcode:   op,
				operand1: uleb128(ed.sleb()),
			})
		case op == opDeref, op >= opRot && op <= opNE:
			expr = append(expr, dwarfExpression{opcode: op})
		default:
			return nil, fmt.Errorf("unsupported expression (length %v): op %#x", blen, op)
		}
	}
	return expr, nil
}

// matchExpression compares if the opcodes of expr match the template given
func matchExpression(expr []dwarfExpression, template []expressionOpcode) bool {
	if len(expr) != len(template) {
		return false
	}
	for i := range expr {
		if expr[i].opcode != template[i] {
			return false
		}
	}
	return true
}
