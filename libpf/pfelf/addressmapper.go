// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "go.opentelemetry.io/crashunwind/libpf/pfelf"

import (
	"debug/elf"
	"os"
)

// addressMapperPHDR contains the Program Header fields we need to cache for mapping
// file offsets to virtual addresses.
type addressMapperPHDR struct {
	offset uint64
	vaddr  uint64
	filesz uint64
}

// AddressMapper converts offsets within the mapped file into ELF virtual
// addresses, using the executable PT_LOAD segments.
type AddressMapper struct {
	phdrs    []addressMapperPHDR
	pageMask uint64
}

var defaultPageSize = uint64(os.Getpagesize())

// FileOffsetToVirtualAddress attempts to convert an on-disk file offset to the
// ELF virtual address where it would be mapped by default.
func (am *AddressMapper) FileOffsetToVirtualAddress(fileOffset uint64) (uint64, bool) {
	for _, p := range am.phdrs {
		// The loader maps segments starting from the page containing
		// p_offset, so offsets in front of the segment start but on the
		// same page still belong to it. Both the kernel and glibc align
		// with the system page size.
		alignedOffset := p.offset &^ am.pageMask
		if fileOffset >= alignedOffset && fileOffset < p.offset+p.filesz {
			return p.vaddr - (p.offset - fileOffset), true
		}
	}
	return 0, false
}

// VirtualAddressToFileOffset converts an ELF virtual address in an executable
// segment back to its file offset.
func (am *AddressMapper) VirtualAddressToFileOffset(vaddr uint64) (uint64, bool) {
	for _, p := range am.phdrs {
		if vaddr >= p.vaddr && vaddr < p.vaddr+p.filesz {
			return vaddr - p.vaddr + p.offset, true
		}
	}
	return 0, false
}

// GetAddressMapper returns an address mapper for the executable segments of
// the ELF File, using the host page size.
func (f *File) GetAddressMapper() AddressMapper {
	return f.GetAddressMapperWithPageSize(defaultPageSize)
}

// GetAddressMapperWithPageSize returns an address mapper for the executable
// segments of the ELF File for a target with the given page size.
func (f *File) GetAddressMapperWithPageSize(pageSize uint64) AddressMapper {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		pageSize = defaultPageSize
	}
	phdrs := make([]addressMapperPHDR, 0, 1)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		phdrs = append(phdrs, addressMapperPHDR{
			offset: p.Off,
			vaddr:  p.Vaddr,
			filesz: p.Filesz,
		})
	}
	return AddressMapper{phdrs: phdrs, pageMask: pageSize - 1}
}
