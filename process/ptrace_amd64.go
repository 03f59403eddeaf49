//go:build linux && amd64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import "debug/elf"

// MachineData returns the machine type of the process.
func (p *Ptrace) MachineData() MachineData {
	return MachineData{Machine: elf.EM_X86_64}
}
