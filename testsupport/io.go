// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport holds helpers shared by the package tests: reader
// validation and builders for synthetic ELF files and unwind sections.
package testsupport // import "go.opentelemetry.io/crashunwind/testsupport"

import (
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// ValidateReadAtWrapperTransparency validates that a `ReadAt` implementation provides a
// transparent view into the given reference buffer.
func ValidateReadAtWrapperTransparency(
	t *testing.T, iterations uint, reference []byte, testee io.ReaderAt) {
	t.Helper()
	bufferSize := uint64(len(reference))

	r := rand.New(rand.NewPCG(0, 0)) //nolint:gosec
	for range iterations {
		// Slices may over-read the end of the buffer on purpose.
		length := r.Uint64() % bufferSize
		start := r.Uint64() % bufferSize

		readBuf := make([]byte, length)
		n, err := testee.ReadAt(readBuf, int64(start))

		truncReadLen := min(bufferSize-start, length)
		if truncReadLen != length {
			require.ErrorIs(t, err, io.EOF)
			require.Equal(t, truncReadLen, uint64(n))
		} else {
			require.NoError(t, err)
			require.Equal(t, length, uint64(n))
		}
		require.Equal(t, reference[start:][:truncReadLen], readBuf[:truncReadLen])
	}
}

// GenerateTestInputFile generates a test input file, repeating a number sequence over and over.
func GenerateTestInputFile(seqLen uint8, outputSize uint) []byte {
	out := make([]byte, 0, outputSize)
	for i := range outputSize {
		out = append(out, byte(i%uint(seqLen)))
	}
	return out
}
