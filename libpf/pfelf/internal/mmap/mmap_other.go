// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package mmap // import "go.opentelemetry.io/crashunwind/libpf/pfelf/internal/mmap"

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// ErrInvalRequest indicates that the requested data exceeds the available mapped data.
var ErrInvalRequest = errors.New("invalid request")

// ReaderAt holds the file contents in memory on platforms without mmap.
type ReaderAt struct {
	data []byte
	*bytes.Reader
}

// Close releases the file contents.
func (r *ReaderAt) Close() error {
	r.data = nil
	return nil
}

// Len returns the length of the file.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// Subslice returns a subset of the file data without copying.
func (r *ReaderAt) Subslice(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > r.Len() {
		return nil, fmt.Errorf("requested data %d at 0x%x exceeds %d: %w",
			length, offset, r.Len(), ErrInvalRequest)
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Open reads the named file into memory.
func Open(filename string) (*ReaderAt, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return &ReaderAt{data: data, Reader: bytes.NewReader(data)}, nil
}
