//go:build !linux || !(amd64 || arm64)

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import (
	"fmt"
	"runtime"

	"go.opentelemetry.io/crashunwind/regcontext"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// Ptrace is the stub implementation, allowing to compile the process
// package on other systems, always failing at runtime with an error if used.
type Ptrace struct{}

// Attach always fails on this system.
func Attach(_ int) (*Ptrace, error) {
	return nil, fmt.Errorf("ptrace is unsupported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (p *Ptrace) PID() int {
	return 0
}

func (p *Ptrace) MachineData() MachineData {
	return MachineData{}
}

func (p *Ptrace) Mappings() ([]Mapping, uint32, error) {
	return nil, 0, fmt.Errorf("ptrace is unsupported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (p *Ptrace) RemoteMemory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{}
}

func (p *Ptrace) LibraryDir() string {
	return ""
}

func (p *Ptrace) Registers() (*regcontext.Context, error) {
	return nil, fmt.Errorf("ptrace is unsupported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (p *Ptrace) Close() error {
	return nil
}
