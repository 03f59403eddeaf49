// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"fmt"
	"runtime"
)

// ReadAt always fails: live process memory is only readable on Linux.
func (vm ProcessVirtualMemory) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, fmt.Errorf("unsupported os %s", runtime.GOOS)
}
