// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeunwind provides the unwind tables of native libraries to the
// frame walker, loading them from disk on first use and caching the results.
package nativeunwind // import "go.opentelemetry.io/crashunwind/nativeunwind"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	"go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// Statistics holds the counters of a TableProvider since the last reset.
type Statistics struct {
	// Number of table requests answered from memory.
	Hit uint64
	// Number of table requests that needed a load.
	Miss uint64
	// Number of times extracting stack deltas failed.
	ExtractionErrors uint64
	// Number of loads answered by the persistent cache.
	IntervalCacheHit uint64
	// Number of loads the persistent cache could not answer.
	IntervalCacheMiss uint64
}

// TableProvider defines an interface for types that provide the unwind
// tables of libraries by their path.
type TableProvider interface {
	// GetTable returns the unwind table of the library at path.
	GetTable(path string) (*elfunwindinfo.Table, error)

	// GetAndResetStatistics returns the internal statistics for this provider and resets all
	// values to 0.
	GetAndResetStatistics() Statistics
}

// LibraryOpener opens library files by the path they were mapped from.
// Implementations must be safe for concurrent use.
type LibraryOpener interface {
	pfelf.ELFOpener

	// FileID returns the content based identifier of the library at path.
	FileID(path string) (libpf.FileID, error)
}

// IntervalCache defines an interface that allows one to save and load interval data for use in the
// unwinding of native stacks.
type IntervalCache interface {
	// HasIntervals returns true if interval data exists in the cache for a file with the provided
	// ID, or false otherwise.
	HasIntervals(fileID libpf.FileID) bool
	// GetIntervalData loads the interval data from the cache that is associated with fileID
	// into interval.
	GetIntervalData(fileID libpf.FileID, interval *sdtypes.IntervalData) error
	// SaveIntervalData stores the provided interval that is associated with fileID
	// in the cache.
	SaveIntervalData(fileID libpf.FileID, interval *sdtypes.IntervalData) error
	// GetCurrentCacheSize returns the current size of the cache in bytes. Or an error
	// otherwise.
	GetCurrentCacheSize() (uint64, error)
	// GetAndResetHitMissCounters returns the current hit and miss counters of the cache
	// and resets them to 0.
	GetAndResetHitMissCounters() (hit, miss uint64)
}
