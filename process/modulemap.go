// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import (
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ErrNotMapped is returned for addresses outside of every module range.
var ErrNotMapped = errors.New("address not mapped")

// Module is one mapped range of a loaded library or executable.
type Module struct {
	Path string
	// Base is the load bias of the module: Vaddr - FileOffset of the
	// lowest mapping with the same path.
	Base       uint64
	Vaddr      uint64
	Length     uint64
	FileOffset uint64
	Flags      elf.ProgFlag
}

// End returns the first address past the module range.
func (m *Module) End() uint64 {
	return m.Vaddr + m.Length
}

// Contains reports whether addr is inside the module range.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Vaddr && addr < m.End()
}

// FileOffsetOf converts an address inside the range to an offset in the
// backing file.
func (m *Module) FileOffsetOf(addr uint64) uint64 {
	return addr - m.Vaddr + m.FileOffset
}

// Resolution is the result of resolving an address to a module.
type Resolution struct {
	Module *Module
	// Offset is the address relative to the module base.
	Offset uint64
	// Ambiguous is set when more than one module range contains the address.
	Ambiguous bool
}

// ModuleMap resolves addresses to modules. It is immutable after creation
// and safe for concurrent use.
type ModuleMap struct {
	// modules are sorted by start address, ties keep the insertion order
	modules []Module
	// maxEnd[i] is the highest end address of modules[:i+1]
	maxEnd []uint64
}

// NewModuleMap creates a module map with one entry per file backed mapping.
// Anonymous, memfd and empty mappings are skipped.
func NewModuleMap(mappings []Mapping) *ModuleMap {
	bases := make(map[string]*Mapping)
	for i := range mappings {
		m := &mappings[i]
		if m.IsAnonymous() || m.Length == 0 {
			continue
		}
		if lowest, ok := bases[m.Path]; !ok || m.Vaddr < lowest.Vaddr {
			bases[m.Path] = m
		}
	}

	mm := &ModuleMap{modules: make([]Module, 0, len(mappings))}
	for i := range mappings {
		m := &mappings[i]
		lowest, ok := bases[m.Path]
		if !ok || m.Length == 0 {
			continue
		}
		mm.modules = append(mm.modules, Module{
			Path:       m.Path,
			Base:       lowest.Vaddr - lowest.FileOffset,
			Vaddr:      m.Vaddr,
			Length:     m.Length,
			FileOffset: m.FileOffset,
			Flags:      m.Flags,
		})
	}
	slices.SortStableFunc(mm.modules, func(a, b Module) int {
		return cmp.Compare(a.Vaddr, b.Vaddr)
	})

	mm.maxEnd = make([]uint64, len(mm.modules))
	var maxEnd uint64
	for i := range mm.modules {
		maxEnd = max(maxEnd, mm.modules[i].End())
		mm.maxEnd[i] = maxEnd
	}
	return mm
}

// Len returns the number of module ranges.
func (mm *ModuleMap) Len() int {
	return len(mm.modules)
}

// Modules returns the module ranges sorted by start address. The result must
// not be modified.
func (mm *ModuleMap) Modules() []Module {
	return mm.modules
}

// Resolve finds the module range containing addr. When ranges overlap, the
// one with the lowest start address wins and the result is flagged ambiguous.
func (mm *ModuleMap) Resolve(addr uint64) (Resolution, error) {
	// Ranges starting at or below addr.
	k := sort.Search(len(mm.modules), func(i int) bool {
		return mm.modules[i].Vaddr > addr
	})
	// The first of them whose range reaches past addr.
	j := sort.Search(k, func(i int) bool {
		return mm.maxEnd[i] > addr
	})
	if j >= k {
		return Resolution{}, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
	}

	m := &mm.modules[j]
	res := Resolution{Module: m, Offset: addr - m.Base}
	for i := j + 1; i < k; i++ {
		if mm.modules[i].Contains(addr) {
			res.Ambiguous = true
			log.Debugf("Address %#x is mapped by %s and %s, using the former",
				addr, m.Path, mm.modules[i].Path)
			break
		}
	}
	return res, nil
}

// Override returns the file names to try, in order, when opening the
// library path. A non-empty dir names a sysroot which is searched first
// for the full path and then for the base name.
func Override(dir, path string) []string {
	if dir == "" {
		return []string{path}
	}
	candidates := []string{
		filepath.Join(dir, path),
		filepath.Join(dir, filepath.Base(path)),
		path,
	}
	return slices.Compact(candidates)
}
