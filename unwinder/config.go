// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/unwinder"

import (
	"debug/elf"
	"fmt"
	"runtime"
)

const (
	// DefaultMaxFrames is the frame limit used when Config.MaxFrames is zero.
	DefaultMaxFrames = 128

	// StepsPerFrame is the number of memory reads per frame allowed when
	// Config.MaxSteps is zero. A frame record costs two reads, a signal
	// frame four.
	StepsPerFrame = 8

	// DefaultCacheSize is the number of unwind tables kept in memory when
	// Config.CacheSize is zero.
	DefaultCacheSize = 256

	// DefaultPersistentCacheSize is the size limit in bytes of the
	// persistent unwind table cache when Config.PersistentCacheSize is zero.
	DefaultPersistentCacheSize = 256 << 20

	// maxFramesLimit bounds MaxFrames, a walk never needs more.
	maxFramesLimit = 4096
)

// Config holds the settings of an Unwinder.
type Config struct {
	// Machine selects the register layout and unwind rule semantics.
	// Zero selects the machine the program runs on.
	Machine elf.Machine
	// MaxFrames is the hard limit of frames produced by one walk.
	MaxFrames int
	// MaxSteps is the limit of stack memory reads of one walk. Zero
	// allows StepsPerFrame reads per frame of MaxFrames.
	MaxSteps int
	// CodePACMask holds the pointer authentication bits of code pointers.
	// They are cleared from return addresses read from the stack.
	CodePACMask uint64
	// LibraryDir, when set, is searched for library files before the
	// paths in the module map.
	LibraryDir string
	// Symbolize adds the covering function symbol to each frame.
	Symbolize bool
	// Demangle turns C++ and Rust symbol names into their readable form.
	Demangle bool
	// CacheSize is the number of unwind tables kept in memory.
	CacheSize uint32
	// PersistentCacheDir, when set, enables storing extracted unwind
	// tables below this directory.
	PersistentCacheDir string
	// PersistentCacheSize is the size limit of the persistent cache in bytes.
	PersistentCacheSize uint64
}

// defaultMachine returns the machine of the running program.
func defaultMachine() elf.Machine {
	if runtime.GOARCH == "amd64" {
		return elf.EM_X86_64
	}
	return elf.EM_AARCH64
}

// withDefaults returns a copy of the config with zero values replaced and
// checks the result.
func (c Config) withDefaults() (Config, error) {
	if c.Machine == elf.EM_NONE {
		c.Machine = defaultMachine()
	}
	if c.Machine != elf.EM_AARCH64 && c.Machine != elf.EM_X86_64 {
		return c, fmt.Errorf("machine %v: %w", c.Machine, ErrUnsupportedABI)
	}
	if c.MaxFrames == 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.MaxFrames < 0 || c.MaxFrames > maxFramesLimit {
		return c, fmt.Errorf("max frames %d not in [1, %d]", c.MaxFrames, maxFramesLimit)
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = StepsPerFrame * c.MaxFrames
	}
	if c.MaxSteps < 0 {
		return c, fmt.Errorf("negative max steps %d", c.MaxSteps)
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.PersistentCacheSize == 0 {
		c.PersistentCacheSize = DefaultPersistentCacheSize
	}
	return c, nil
}
