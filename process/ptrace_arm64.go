//go:build linux && arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/crashunwind/process"

import (
	"debug/elf"
	"encoding/binary"
)

// ntARMPACMask is the regset with the pointer authentication masks.
const ntARMPACMask = 0x406

// MachineData reads the machine type and the pointer authentication masks.
func (p *Ptrace) MachineData() MachineData {
	pacMask := make([]byte, 16)
	_ = ptraceGetRegset(p.pid, ntARMPACMask, pacMask)

	return MachineData{
		Machine:     elf.EM_AARCH64,
		DataPACMask: binary.LittleEndian.Uint64(pacMask[0:8]),
		CodePACMask: binary.LittleEndian.Uint64(pacMask[8:16]),
	}
}
