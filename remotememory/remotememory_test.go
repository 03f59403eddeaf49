// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"errors"
	"os"
	"runtime"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/testsupport"
)

func TestStackSnapshot(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	rm := NewStackSnapshot(0x7ff000, data)

	assert.Equal(t, uint64(0x0807060504030201), rm.Uint64(0x7ff000))
	assert.Equal(t, libpf.Address(0x1817161514131211), rm.Ptr(0x7ff008))
	assert.Equal(t, uint32(0x14131211), rm.Uint32(0x7ff008))

	tests := map[string]libpf.Address{
		"below base":       0x7feff8,
		"past end":         0x7ff010,
		"straddles end":    0x7ff00c,
		"address overflow": ^libpf.Address(0),
	}
	for name, addr := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := rm.Uint64Checked(addr)
			assert.Error(t, err)
			assert.Zero(t, v)
		})
	}

	snap := rm.ReaderAt.(StackSnapshot)
	assert.True(t, snap.Contains(0x7ff000, 16))
	assert.True(t, snap.Contains(0x7ff008, 8))
	assert.False(t, snap.Contains(0x7ff00c, 8))
	assert.False(t, snap.Contains(0x7fe000, 8))
}

func TestStackSnapshotTransparency(t *testing.T) {
	data := testsupport.GenerateTestInputFile(251, 4096)
	snap := StackSnapshot{base: 0, data: data}
	testsupport.ValidateReadAtWrapperTransparency(t, 1000, data, snap)
}

func TestInvalidRemoteMemory(t *testing.T) {
	var rm RemoteMemory
	assert.False(t, rm.Valid())
	_, err := rm.Uint64Checked(0x1000)
	assert.ErrorIs(t, err, ErrNotCaptured)
}

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := libpf.Address(unsafe.Pointer(&data[0]))

	rm := NewProcessVirtualMemory(os.Getpid())
	v, err := rm.Uint64Checked(dataPtr)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), v)
	runtime.KeepAlive(data)
}
