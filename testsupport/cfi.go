// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/crashunwind/testsupport"

import "encoding/binary"

// CFIBuilder assembles .eh_frame or .debug_frame section contents. Pointers
// are encoded as absolute 8-byte values so the output does not depend on
// where the section is placed.
type CFIBuilder struct {
	buf        []byte
	debugFrame bool
	ciePos     int
}

// NewEHFrame starts an .eh_frame image.
func NewEHFrame() *CFIBuilder {
	return &CFIBuilder{}
}

// NewDebugFrame starts a .debug_frame image.
func NewDebugFrame() *CFIBuilder {
	return &CFIBuilder{debugFrame: true}
}

// AddCIE appends a CIE and makes it the parent of subsequently added FDEs.
// A signal frame CIE carries the 'S' augmentation.
func (b *CFIBuilder) AddCIE(codeAlign uint64, dataAlign int64, raReg uint8,
	signalFrame bool, insns ...[]byte) *CFIBuilder {
	b.ciePos = len(b.buf)
	body := make([]byte, 0, 32)
	if b.debugFrame {
		body = binary.LittleEndian.AppendUint32(body, 0xffffffff)
		body = append(body, 1, 0)
	} else {
		body = binary.LittleEndian.AppendUint32(body, 0)
		aug := "zR"
		if signalFrame {
			aug = "zRS"
		}
		body = append(body, 1)
		body = append(body, aug...)
		body = append(body, 0)
	}
	body = binary.AppendUvarint(body, codeAlign)
	body = appendSleb(body, dataAlign)
	body = append(body, raReg)
	if !b.debugFrame {
		// augmentation data: length 1, pointer encoding udata8
		body = append(body, 1, 0x04)
	}
	for _, i := range insns {
		body = append(body, i...)
	}
	b.appendEntry(body)
	return b
}

// AddFDE appends an FDE covering [start, start+length) for the last CIE.
func (b *CFIBuilder) AddFDE(start, length uint64, insns ...[]byte) *CFIBuilder {
	pos := len(b.buf)
	body := make([]byte, 0, 32)
	if b.debugFrame {
		body = binary.LittleEndian.AppendUint32(body, uint32(b.ciePos))
	} else {
		// Distance from the CIE pointer field back to the CIE.
		body = binary.LittleEndian.AppendUint32(body, uint32(pos+4-b.ciePos))
	}
	body = binary.LittleEndian.AppendUint64(body, start)
	body = binary.LittleEndian.AppendUint64(body, length)
	if !b.debugFrame {
		body = append(body, 0)
	}
	for _, i := range insns {
		body = append(body, i...)
	}
	b.appendEntry(body)
	return b
}

// AppendRaw appends raw bytes, e.g. for corrupt records.
func (b *CFIBuilder) AppendRaw(data []byte) *CFIBuilder {
	b.buf = append(b.buf, data...)
	return b
}

func (b *CFIBuilder) appendEntry(body []byte) {
	for (len(body)+4)%8 != 0 {
		body = append(body, 0) // DW_CFA_nop
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(body)))
	b.buf = append(b.buf, body...)
}

// Bytes returns the section image. An .eh_frame gets its zero terminator.
func (b *CFIBuilder) Bytes() []byte {
	out := append([]byte(nil), b.buf...)
	if !b.debugFrame {
		out = append(out, 0, 0, 0, 0)
	}
	return out
}

func appendSleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// CFADefCFA encodes DW_CFA_def_cfa.
func CFADefCFA(reg uint8, offset uint64) []byte {
	return binary.AppendUvarint([]byte{0x0c, reg}, offset)
}

// CFADefCFAOffset encodes DW_CFA_def_cfa_offset.
func CFADefCFAOffset(offset uint64) []byte {
	return binary.AppendUvarint([]byte{0x0e}, offset)
}

// CFADefCFARegister encodes DW_CFA_def_cfa_register.
func CFADefCFARegister(reg uint8) []byte {
	return []byte{0x0d, reg}
}

// CFAOffset encodes DW_CFA_offset with a data-alignment factored offset.
func CFAOffset(reg uint8, factored uint64) []byte {
	return binary.AppendUvarint([]byte{0x80 | reg}, factored)
}

// CFAUndefined encodes DW_CFA_undefined.
func CFAUndefined(reg uint8) []byte {
	return []byte{0x07, reg}
}

// CFAAdvance encodes DW_CFA_advance_loc with a code-alignment factored delta.
func CFAAdvance(delta uint8) []byte {
	if delta < 0x40 {
		return []byte{0x40 | delta}
	}
	return []byte{0x02, delta}
}

// CFARememberState encodes DW_CFA_remember_state.
func CFARememberState() []byte { return []byte{0x0a} }

// CFARestoreState encodes DW_CFA_restore_state.
func CFARestoreState() []byte { return []byte{0x0b} }

// CFARestore encodes DW_CFA_restore.
func CFARestore(reg uint8) []byte { return []byte{0xc0 | reg} }

// CFADefCFAExpression encodes DW_CFA_def_cfa_expression.
func CFADefCFAExpression(expr ...byte) []byte {
	return append(binary.AppendUvarint([]byte{0x0f}, uint64(len(expr))), expr...)
}
