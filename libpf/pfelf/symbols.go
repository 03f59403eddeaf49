// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "go.opentelemetry.io/crashunwind/libpf/pfelf"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

// Symbol is one function symbol of an ELF symbol table.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// SymbolMap is a table of function symbols sorted by address.
type SymbolMap struct {
	symbols []Symbol
}

// Add adds a symbol to the map. Finalize must be called before lookups.
func (m *SymbolMap) Add(s Symbol) {
	m.symbols = append(m.symbols, s)
}

// Finalize sorts the symbols by address.
func (m *SymbolMap) Finalize() {
	sort.SliceStable(m.symbols, func(i, j int) bool {
		return m.symbols[i].Address < m.symbols[j].Address
	})
}

// Len returns the number of symbols.
func (m *SymbolMap) Len() int {
	return len(m.symbols)
}

// LookupByAddress returns the symbol covering the virtual address and the
// offset of addr within it.
func (m *SymbolMap) LookupByAddress(addr uint64) (Symbol, uint64, bool) {
	i := sort.Search(len(m.symbols), func(i int) bool {
		return m.symbols[i].Address > addr
	})
	if i == 0 {
		return Symbol{}, 0, false
	}
	s := m.symbols[i-1]
	if s.Size == 0 || addr < s.Address+s.Size {
		return s, addr - s.Address, true
	}
	return Symbol{}, 0, false
}

// loadSymbolTable reads given symbol table, keeping only function symbols.
func (f *File) loadSymbolTable(name string) (*SymbolMap, error) {
	symTab := f.Section(name)
	if symTab == nil {
		return nil, fmt.Errorf("failed to read %v: section not present", name)
	}
	if symTab.Link >= uint32(len(f.Sections)) {
		return nil, fmt.Errorf("failed to read %v strtab: link %v out of range",
			name, symTab.Link)
	}
	strTab := f.Sections[symTab.Link]
	strs, err := strTab.SectionData()
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", strTab.Name, err)
	}
	syms, err := symTab.SectionData()
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", name, err)
	}

	symMap := &SymbolMap{}
	for i := 0; i+elf.Sym64Size <= len(syms); i += elf.Sym64Size {
		sym := syms[i : i+elf.Sym64Size]
		info := sym[4]
		if elf.ST_TYPE(info) != elf.STT_FUNC {
			continue
		}
		value := binary.LittleEndian.Uint64(sym[8:16])
		if value == 0 {
			continue
		}
		symName, ok := getString(strs, int(binary.LittleEndian.Uint32(sym[0:4])))
		if !ok || symName == "" {
			continue
		}
		symMap.Add(Symbol{
			Name:    symName,
			Address: value,
			Size:    binary.LittleEndian.Uint64(sym[16:24]),
		})
	}
	symMap.Finalize()

	return symMap, nil
}

// ReadSymbols reads the full symbol table from the ELF
func (f *File) ReadSymbols() (*SymbolMap, error) {
	return f.loadSymbolTable(".symtab")
}

// ReadDynamicSymbols reads the dynamic symbol table from the ELF
func (f *File) ReadDynamicSymbols() (*SymbolMap, error) {
	return f.loadSymbolTable(".dynsym")
}
