// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/crashunwind/testsupport"

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
)

// TextAddr is the file offset and virtual address of the .text section of
// ELF files produced by BuildELF.
const TextAddr = 0x1000

// ELFSymbol is a function symbol placed in .symtab.
type ELFSymbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// ELFSpec describes a synthetic 64-bit little endian shared object. All
// loadable data is mapped with virtual address equal to file offset.
type ELFSpec struct {
	Machine elf.Machine
	Text    []byte
	// EHFrame and DebugFrame become sections of the same name when set.
	EHFrame    []byte
	DebugFrame []byte
	// EHFrameHdrFDEs, when non-zero, adds an .eh_frame_hdr in front of
	// .eh_frame announcing that many FDEs, and a PT_GNU_EH_FRAME segment.
	EHFrameHdrFDEs uint32
	Symbols        []ELFSymbol
	// StripSections omits the section header table.
	StripSections bool
}

type elfSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	offset  uint64
	data    []byte
	link    uint32
	entsize uint64
}

func align(b []byte, to int) []byte {
	for len(b)%to != 0 {
		b = append(b, 0)
	}
	return b
}

// BuildELF lays out the described file as an ELF image.
func BuildELF(spec ELFSpec) []byte {
	const ehdrSize, phdrSize, shdrSize = 64, 56, 64

	numProgs := 1
	if spec.EHFrameHdrFDEs != 0 {
		numProgs++
	}

	out := make([]byte, TextAddr)
	var sections []elfSection

	sections = append(sections, elfSection{name: ".text", typ: elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: TextAddr, offset: TextAddr,
		data: spec.Text})
	out = append(out, spec.Text...)
	out = align(out, 8)

	var hdrAddr, hdrLen uint64
	if spec.EHFrameHdrFDEs != 0 {
		hdrAddr = uint64(len(out))
		hdr := []byte{1, 0x1b, 0x03, 0x3b}
		// eh_frame_ptr is pc relative to its own position.
		ehFrameAddr := hdrAddr + 16
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(ehFrameAddr-(hdrAddr+4)))
		hdr = binary.LittleEndian.AppendUint32(hdr, spec.EHFrameHdrFDEs)
		hdr = align(hdr, 16)
		hdrLen = uint64(len(hdr))
		sections = append(sections, elfSection{name: ".eh_frame_hdr", typ: elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC, addr: hdrAddr, offset: hdrAddr, data: hdr})
		out = append(out, hdr...)
	}
	if spec.EHFrame != nil {
		addr := uint64(len(out))
		sections = append(sections, elfSection{name: ".eh_frame", typ: elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC, addr: addr, offset: addr, data: spec.EHFrame})
		out = append(out, spec.EHFrame...)
		out = align(out, 8)
	}
	loadEnd := uint64(len(out))

	if spec.DebugFrame != nil {
		off := uint64(len(out))
		sections = append(sections, elfSection{name: ".debug_frame", typ: elf.SHT_PROGBITS,
			offset: off, data: spec.DebugFrame})
		out = append(out, spec.DebugFrame...)
		out = align(out, 8)
	}

	if len(spec.Symbols) != 0 {
		strtab := []byte{0}
		symtab := make([]byte, elf.Sym64Size)
		for _, s := range spec.Symbols {
			sym := make([]byte, 0, elf.Sym64Size)
			sym = binary.LittleEndian.AppendUint32(sym, uint32(len(strtab)))
			sym = append(sym, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 0)
			sym = binary.LittleEndian.AppendUint16(sym, 1) // .text
			sym = binary.LittleEndian.AppendUint64(sym, s.Address)
			sym = binary.LittleEndian.AppendUint64(sym, s.Size)
			symtab = append(symtab, sym...)
			strtab = append(strtab, s.Name...)
			strtab = append(strtab, 0)
		}
		symOff := uint64(len(out))
		out = append(out, symtab...)
		strOff := uint64(len(out))
		out = append(out, strtab...)
		out = align(out, 8)
		// .strtab follows .symtab; index 0 is the null section.
		strIndex := uint32(len(sections) + 2)
		sections = append(sections,
			elfSection{name: ".symtab", typ: elf.SHT_SYMTAB, offset: symOff, data: symtab,
				link: strIndex, entsize: elf.Sym64Size},
			elfSection{name: ".strtab", typ: elf.SHT_STRTAB, offset: strOff, data: strtab})
	}

	shstrtab := []byte{0}
	nameOffsets := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOffsets[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	shstrOff := uint64(len(out))
	out = append(out, shstrtab...)
	out = align(out, 8)
	sections = append(sections, elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB,
		offset: shstrOff, data: shstrtab})

	shoff := uint64(0)
	shnum := uint16(0)
	shstrndx := uint16(0)
	if !spec.StripSections {
		shoff = uint64(len(out))
		shnum = uint16(len(sections) + 1)
		shstrndx = uint16(len(sections))
		out = append(out, make([]byte, shdrSize)...)
		for i, s := range sections {
			sh := make([]byte, 0, shdrSize)
			sh = binary.LittleEndian.AppendUint32(sh, nameOffsets[i])
			sh = binary.LittleEndian.AppendUint32(sh, uint32(s.typ))
			sh = binary.LittleEndian.AppendUint64(sh, uint64(s.flags))
			sh = binary.LittleEndian.AppendUint64(sh, s.addr)
			sh = binary.LittleEndian.AppendUint64(sh, s.offset)
			sh = binary.LittleEndian.AppendUint64(sh, uint64(len(s.data)))
			sh = binary.LittleEndian.AppendUint32(sh, s.link)
			sh = binary.LittleEndian.AppendUint32(sh, 0)
			sh = binary.LittleEndian.AppendUint64(sh, 8)
			sh = binary.LittleEndian.AppendUint64(sh, s.entsize)
			out = append(out, sh...)
		}
	}

	// ELF header
	hdr := append(out[:0:ehdrSize], 0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB),
		byte(elf.EV_CURRENT), byte(elf.ELFOSABI_NONE))
	hdr = append(hdr, make([]byte, 8)...)
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(elf.ET_DYN))
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(spec.Machine))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(elf.EV_CURRENT))
	hdr = binary.LittleEndian.AppendUint64(hdr, TextAddr) // entry
	hdr = binary.LittleEndian.AppendUint64(hdr, ehdrSize) // phoff
	hdr = binary.LittleEndian.AppendUint64(hdr, shoff)
	hdr = binary.LittleEndian.AppendUint32(hdr, 0) // flags
	hdr = binary.LittleEndian.AppendUint16(hdr, ehdrSize)
	hdr = binary.LittleEndian.AppendUint16(hdr, phdrSize)
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(numProgs))
	hdr = binary.LittleEndian.AppendUint16(hdr, shdrSize)
	hdr = binary.LittleEndian.AppendUint16(hdr, shnum)
	hdr = binary.LittleEndian.AppendUint16(hdr, shstrndx)

	// Program headers are written in place behind the ELF header.
	ph := appendProg(out[ehdrSize:ehdrSize:ehdrSize+numProgs*phdrSize],
		elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, loadEnd, 0x1000)
	if spec.EHFrameHdrFDEs != 0 {
		appendProg(ph, elf.PT_GNU_EH_FRAME, elf.PF_R, hdrAddr, hdrLen, 4)
	}
	return out
}

func appendProg(b []byte, typ elf.ProgType, flags elf.ProgFlag, addr, size, alignment uint64) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(typ))
	b = binary.LittleEndian.AppendUint32(b, uint32(flags))
	b = binary.LittleEndian.AppendUint64(b, addr) // offset
	b = binary.LittleEndian.AppendUint64(b, addr) // vaddr
	b = binary.LittleEndian.AppendUint64(b, addr) // paddr
	b = binary.LittleEndian.AppendUint64(b, size) // filesz
	b = binary.LittleEndian.AppendUint64(b, size) // memsz
	b = binary.LittleEndian.AppendUint64(b, alignment)
	return b
}

// WriteELF writes BuildELF output to dir/name and returns the path.
func WriteELF(dir, name string, spec ELFSpec) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, BuildELF(spec), 0o644)
}
