// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package regcontext decodes and exposes the register snapshot captured at a
// crash or diagnostic event.
//
// The snapshot blob has a fixed header followed by an optional trailing region:
//
//	abi      u64
//	regs     [33]u64
//	size     u64  valid bytes of the header, counted from its start
//	dyn_size u64  length of the trailing region
//	dynamic  [dyn_size]byte
//
// All values are little endian. The trailing region carries the captured
// user stack starting at the stack pointer.
package regcontext // import "go.opentelemetry.io/crashunwind/regcontext"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/crashunwind/nopanicslicereader"
)

const (
	// NumRegisters is the capacity of the register array.
	NumRegisters = 33

	// RegisterSize is the width of one register slot in bytes.
	RegisterSize = 8

	// HeaderSize is the size of the fixed snapshot header.
	HeaderSize = 8 + NumRegisters*RegisterSize + 8 + 8

	// MaskAll trusts every register slot.
	MaskAll uint64 = 1<<NumRegisters - 1

	regsOffset    = 8
	sizeOffset    = regsOffset + NumRegisters*RegisterSize
	dynSizeOffset = sizeOffset + 8
)

var (
	// ErrOutOfRange is returned for register indexes that are beyond the
	// array, beyond the populated part of it, or not trusted by the mask.
	ErrOutOfRange = errors.New("register out of range")

	// ErrCorruptContext is returned when the header sizes disagree with
	// the blob length.
	ErrCorruptContext = errors.New("corrupt register context")
)

// ABI identifies the register ABI of the snapshot, following the perf
// sample_regs_user convention.
type ABI uint64

const (
	ABINone ABI = 0
	ABI32   ABI = 1
	ABI64   ABI = 2
)

func (a ABI) String() string {
	switch a {
	case ABINone:
		return "none"
	case ABI32:
		return "32-bit"
	case ABI64:
		return "64-bit"
	default:
		return fmt.Sprintf("abi(%d)", uint64(a))
	}
}

// Context is an immutable register snapshot.
type Context struct {
	abi       ABI
	regs      [NumRegisters]uint64
	validSize uint32
	mask      uint64
	dynamic   []byte
}

// New creates a Context from already decoded values. validSize is clamped to
// the register array capacity. The dynamic region is referenced, not copied.
func New(abi ABI, regs [NumRegisters]uint64, validSize uint32, dynamic []byte,
	mask uint64) *Context {
	validSize = min(validSize, NumRegisters*RegisterSize)
	c := &Context{
		abi:       abi,
		validSize: validSize,
		mask:      mask & MaskAll,
		dynamic:   dynamic,
	}
	// Slots past the valid size are never exposed, keep them zero.
	copy(c.regs[:validSize/RegisterSize], regs[:validSize/RegisterSize])
	return c
}

// Decode parses a snapshot blob. Registers whose bit is clear in mask are
// treated as not captured.
func Decode(blob []byte, mask uint64) (*Context, error) {
	if len(blob) < HeaderSize {
		return nil, fmt.Errorf("snapshot of %d bytes is shorter than the %d byte header: %w",
			len(blob), HeaderSize, ErrCorruptContext)
	}
	size := nopanicslicereader.Uint64(blob, sizeOffset)
	dynSize := nopanicslicereader.Uint64(blob, dynSizeOffset)
	if dynSize > uint64(len(blob)-HeaderSize) {
		return nil, fmt.Errorf("dynamic region of %d bytes exceeds the %d available: %w",
			dynSize, len(blob)-HeaderSize, ErrCorruptContext)
	}

	// The size counts the abi field too. Producers that store the captured
	// stack size here declare the whole register area valid.
	var validSize uint64
	if size > regsOffset {
		validSize = min(size-regsOffset, NumRegisters*RegisterSize)
	}

	var regs [NumRegisters]uint64
	for i := range regs {
		regs[i] = nopanicslicereader.Uint64(blob, uint(regsOffset+i*RegisterSize))
	}
	abi := ABI(nopanicslicereader.Uint64(blob, 0))
	dynamic := blob[HeaderSize : HeaderSize+int(dynSize) : HeaderSize+int(dynSize)]
	return New(abi, regs, uint32(validSize), dynamic, mask), nil
}

// Encode renders a snapshot blob in the format read by Decode.
func Encode(abi ABI, regs [NumRegisters]uint64, size uint64, dynamic []byte) []byte {
	blob := make([]byte, HeaderSize, HeaderSize+len(dynamic))
	binary.LittleEndian.PutUint64(blob[0:], uint64(abi))
	for i, r := range regs {
		binary.LittleEndian.PutUint64(blob[regsOffset+i*RegisterSize:], r)
	}
	binary.LittleEndian.PutUint64(blob[sizeOffset:], size)
	binary.LittleEndian.PutUint64(blob[dynSizeOffset:], uint64(len(dynamic)))
	return append(blob, dynamic...)
}

// ABI returns the register ABI of the snapshot.
func (c *Context) ABI() ABI {
	return c.abi
}

// ValidSize returns the number of populated bytes of the register array.
func (c *Context) ValidSize() uint32 {
	return c.validSize
}

// Register returns the value of register slot i.
func (c *Context) Register(i int) (uint64, error) {
	if i < 0 || i >= NumRegisters || uint32(i+1)*RegisterSize > c.validSize ||
		c.mask&(1<<uint(i)) == 0 {
		return 0, ErrOutOfRange
	}
	return c.regs[i], nil
}

// Dynamic returns the opaque trailing region. Callers must not modify it.
func (c *Context) Dynamic() []byte {
	return c.dynamic
}
