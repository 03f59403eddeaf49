// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory provides access to the memory space of a process,
// either a captured stack snapshot or a live process. The ReaderAt interface
// is used for the basic access, and convenience functions are provided to
// read specific data types.
package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/crashunwind/libpf"
)

// ErrNotCaptured is returned for addresses outside of a stack snapshot.
var ErrNotCaptured = errors.New("address not in captured memory")

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
	// Bias is the adjustment for pointers read from memory
	Bias libpf.Address
}

// Valid determines if this RemoteMemory instance contains a valid reference to target process
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	if !rm.Valid() {
		return ErrNotCaptured
	}
	n, err := rm.ReadAt(p, int64(addr))
	if err == nil && n != len(p) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Ptr reads a native pointer from remote memory
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:])) - rm.Bias
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	v, _ := rm.Uint64Checked(addr)
	return v
}

// Uint64Checked reads a 64-bit unsigned integer from remote memory and reports
// failures, so that a zero in memory can be told apart from a failed read.
func (rm RemoteMemory) Uint64Checked(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// StackSnapshot is an io.ReaderAt over a copy of stack memory captured at a
// known base address. It never reads outside of the captured bytes.
type StackSnapshot struct {
	base uint64
	data []byte
}

// ReadAt reads captured memory at the virtual address addr.
func (s StackSnapshot) ReadAt(p []byte, addr int64) (int, error) {
	a := uint64(addr)
	if a < s.base || a-s.base >= uint64(len(s.data)) {
		return 0, fmt.Errorf("read of %d bytes at 0x%x: %w", len(p), a, ErrNotCaptured)
	}
	n := copy(p, s.data[a-s.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Contains reports whether size bytes at addr are fully captured.
func (s StackSnapshot) Contains(addr, size uint64) bool {
	return addr >= s.base && addr-s.base <= uint64(len(s.data)) &&
		size <= uint64(len(s.data))-(addr-s.base)
}

// NewStackSnapshot returns a RemoteMemory reading from a stack copy that
// starts at the virtual address base.
func NewStackSnapshot(base uint64, data []byte) RemoteMemory {
	return RemoteMemory{ReaderAt: StackSnapshot{base: base, data: data}}
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid int
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid int) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
