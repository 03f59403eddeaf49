// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolizer resolves file offsets of ELF libraries to the names of
// the functions covering them, using the symbol tables of the files.
package symbolizer // import "go.opentelemetry.io/crashunwind/symbolizer"

import (
	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf/freelru"
	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	"go.opentelemetry.io/crashunwind/libpf/xsync"
	"go.opentelemetry.io/crashunwind/tracebuf"
)

// symbols holds the function symbols of one library. A nil map means the
// library could not be read.
type symbols struct {
	symbols *pfelf.SymbolMap
	mapper  pfelf.AddressMapper
}

// Symbolizer caches the symbol tables of recently used libraries. It is
// safe for concurrent use.
type Symbolizer struct {
	opener   pfelf.ELFOpener
	demangle bool

	cache xsync.RWMutex[*freelru.LRU[string, symbols]]
}

var _ tracebuf.Symbolizer = &Symbolizer{}

// New creates a Symbolizer keeping the symbols of up to size libraries.
func New(opener pfelf.ELFOpener, size uint32, demangleNames bool) (*Symbolizer, error) {
	cache, err := freelru.New[string, symbols](size, freelru.HashString)
	if err != nil {
		return nil, err
	}
	return &Symbolizer{
		opener:   opener,
		demangle: demangleNames,
		cache:    xsync.NewRWMutex(cache),
	}, nil
}

// load reads the symbol table of the library at path. The full symbol
// table is preferred over the dynamic one.
func (s *Symbolizer) load(path string) symbols {
	ef, err := s.opener.OpenELF(path)
	if err != nil {
		log.Debugf("Failed to open %s for symbols: %v", path, err)
		return symbols{}
	}
	defer ef.Close()

	symMap, err := ef.ReadSymbols()
	if err != nil || symMap.Len() == 0 {
		symMap, err = ef.ReadDynamicSymbols()
		if err != nil {
			log.Debugf("No symbols in %s: %v", path, err)
			return symbols{}
		}
	}
	return symbols{symbols: symMap, mapper: ef.GetAddressMapper()}
}

func (s *Symbolizer) get(path string) symbols {
	cache := s.cache.WLock()
	syms, ok := (*cache).Get(path)
	s.cache.WUnlock(&cache)
	if ok {
		return syms
	}

	syms = s.load(path)
	cache = s.cache.WLock()
	(*cache).Add(path, syms)
	s.cache.WUnlock(&cache)
	return syms
}

// Symbolize returns the function covering fileOffset in the library at
// path, and the offset of fileOffset within the function.
func (s *Symbolizer) Symbolize(path string, fileOffset uint64) (string, uint64, bool) {
	syms := s.get(path)
	if syms.symbols == nil {
		return "", 0, false
	}
	vaddr, ok := syms.mapper.FileOffsetToVirtualAddress(fileOffset)
	if !ok {
		return "", 0, false
	}
	sym, off, ok := syms.symbols.LookupByAddress(vaddr)
	if !ok {
		return "", 0, false
	}
	name := sym.Name
	if s.demangle {
		name = demangle.Filter(name)
	}
	return name, off, true
}

// Statistics returns the symbol table cache counters since the last call.
func (s *Symbolizer) Statistics() freelru.Statistics {
	cache := s.cache.RLock()
	defer s.cache.RUnlock(&cache)
	return (*cache).GetAndResetStatistics()
}
