// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/crashunwind/libpf"

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
)

// FileID identifies a library file independently of its path. It keys the
// persistent unwind table cache.
type FileID struct {
	hi, lo uint64
}

// NewFileID creates a FileID from its two halves.
func NewFileID(hi, lo uint64) FileID {
	return FileID{hi: hi, lo: lo}
}

// Hi returns the upper 64 bits.
func (f FileID) Hi() uint64 { return f.hi }

// Lo returns the lower 64 bits.
func (f FileID) Lo() uint64 { return f.lo }

// IsZero reports whether the FileID was never set.
func (f FileID) IsZero() bool {
	return f.hi == 0 && f.lo == 0
}

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (f FileID) Hash32() uint32 {
	return uint32(f.hi)
}

// StringNoQuotes returns the 32 character lower case hex representation.
func (f FileID) StringNoQuotes() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], f.hi)
	binary.BigEndian.PutUint64(b[8:16], f.lo)
	return hex.EncodeToString(b[:])
}

func (f FileID) String() string {
	return f.StringNoQuotes()
}

// FileIDFromString parses the hex representation produced by StringNoQuotes.
func FileIDFromString(s string) (FileID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return FileID{}, err
	}
	if len(b) != 16 {
		return FileID{}, fmt.Errorf("unexpected input size (expected 16 bytes): %d", len(b))
	}
	return NewFileID(binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16])), nil
}

// FileIDFromExecutableReader hashes portions of the contents of the reader in order to
// generate a system-independent identifier. The file is expected to be an ELF
// file where the header and footer has enough data to make the file unique.
//
// Changing the algorithm invalidates every persisted cache entry.
func FileIDFromExecutableReader(reader io.ReadSeeker) (FileID, error) {
	h := sha256.New()

	// Hash algorithm: SHA256 of the following:
	// 1) 4 KiB header: covers the program headers and usually the GNU build ID.
	// 2) 4 KiB trailer: in practice covers the ELF section headers.
	// 3) File length (8 bytes, big-endian).

	if _, err := io.Copy(h, io.LimitReader(reader, 4096)); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file header: %v", err)
	}

	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return FileID{}, fmt.Errorf("failed to seek end of file: %v", err)
	}

	tailBytes := min(size, 4096)
	if _, err = reader.Seek(-tailBytes, io.SeekEnd); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file trailer: %v", err)
	}
	if _, err = io.Copy(h, reader); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file trailer: %v", err)
	}

	lengthArray := make([]byte, 8)
	binary.BigEndian.PutUint64(lengthArray, uint64(size))
	if _, err = h.Write(lengthArray); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file length: %v", err)
	}

	sum := h.Sum(nil)
	return NewFileID(binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])), nil
}

// FileIDFromExecutableFile opens an executable file and calculates the FileID for it.
func FileIDFromExecutableFile(fileName string) (FileID, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return FileID{}, err
	}
	defer f.Close()

	return FileIDFromExecutableReader(f)
}
