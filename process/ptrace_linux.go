//go:build linux && (amd64 || arm64)

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import (
	"debug/elf"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// Ptrace is a process stopped with ptrace. While attached, its registers and
// memory stay consistent, so it can be unwound like a captured snapshot.
type Ptrace struct {
	pid int
}

func ptraceGetRegset(tid, regset int, data []byte) error {
	iovec := unix.Iovec{
		Base: &data[0],
		Len:  uint64(len(data)),
	}
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), uintptr(regset), uintptr(unsafe.Pointer(&iovec)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace GETREGSET failed with errno %d", errno)
	}

	return nil
}

// Attach stops the target PID using the unix PTrace API. The goroutine is
// locked to its system thread until Close, as all ptrace requests must come
// from the attaching thread.
func Attach(pid int) (*Ptrace, error) {
	runtime.LockOSThread()

	// Per ptrace API, this will send a SIGSTOP to the process and suspend
	// it. The stopping happens asynchronously and needs to be waited for.
	if err := unix.PtraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("attach to %d: %w", pid, err)
	}
	status := unix.WaitStatus(0)
	_, _ = unix.Wait4(pid, &status, 0, nil)

	return &Ptrace{pid: pid}, nil
}

// PID returns the process identifier.
func (p *Ptrace) PID() int {
	return p.pid
}

// Mappings reads the memory mappings of the stopped process.
func (p *Ptrace) Mappings() ([]Mapping, uint32, error) {
	return ReadMappings(p.pid)
}

// RemoteMemory returns a reader for the memory of the stopped process.
func (p *Ptrace) RemoteMemory() remotememory.RemoteMemory {
	return remotememory.NewProcessVirtualMemory(p.pid)
}

// LibraryDir returns the directory through which the library files of the
// process are visible, which differs from / for processes in containers.
func (p *Ptrace) LibraryDir() string {
	return fmt.Sprintf("/proc/%d/root", p.pid)
}

// Registers returns the register snapshot of the main thread. The snapshot
// carries no stack copy, memory is read through RemoteMemory instead.
func (p *Ptrace) Registers() (*regcontext.Context, error) {
	md := p.MachineData()
	prStatus := make([]byte, 35*8)
	if err := ptraceGetRegset(p.pid, int(elf.NT_PRSTATUS), prStatus); err != nil {
		return nil, fmt.Errorf("failed to get LWP %d registers: %w", p.pid, err)
	}
	regs, validSize, err := registersFromPRStatus(md.Machine, prStatus)
	if err != nil {
		return nil, err
	}
	return regcontext.New(regcontext.ABI64, regs, validSize, nil, regcontext.MaskAll), nil
}

// Close detaches from the process and lets it continue.
func (p *Ptrace) Close() error {
	err := unix.PtraceDetach(p.pid)
	runtime.UnlockOSThread()
	return err
}
