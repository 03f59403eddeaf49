// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package localintervalcache persists extracted stack deltas on the local
// file system, so that a library only needs to be parsed the first time it
// is seen.
package localintervalcache // import "go.opentelemetry.io/crashunwind/nativeunwind/localintervalcache"

import (
	"container/list"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// cacheElementExtension defines the file extension used for elements in the cache.
const cacheElementExtension = "zst"

// errElementTooLarge indicates that the element is larger than the max cache size.
var errElementTooLarge = errors.New("element too large for cache")

// cacheDirPathSuffix returns the subdirectory of the base directory that is
// used as the data directory. It contains the ABI version of the cache.
func cacheDirPathSuffix() string {
	return filepath.Join("crashunwind", "interval_cache", strconv.Itoa(sdtypes.ABI))
}

// entryInfo holds the size and lru list entry for a cache element.
type entryInfo struct {
	size     uint64
	lruEntry *list.Element
}

// Cache implements the nativeunwind.IntervalCache interface. It stores its
// elements as zstd compressed gob files in a local directory.
// The cache evicts data based on a LRU policy, with usage order preserved across restarts.
// If the cache grows larger than maxSize bytes elements will be removed from the cache before
// adding new ones, starting by the element with the oldest modification time. Reading an
// element refreshes its modification time.
type Cache struct {
	hitCounter  atomic.Uint64
	missCounter atomic.Uint64

	cacheDir string
	// maxSize represents the configured maximum size of the cache.
	maxSize uint64

	// A mutex to synchronize access to internal fields entries and lru to avoid race conditions.
	mu sync.RWMutex
	// entries maps the name of elements in the cache to their size and element in the lru list.
	entries map[string]entryInfo
	// lru holds a list of elements in the cache ordered by their last access time.
	lru *list.List
}

// Compile time check that the Cache implements the IntervalCache interface
var _ nativeunwind.IntervalCache = &Cache{}

// The pools offload the GC from allocating zstd encoders and decoders, which
// carry large internal buffers.
var (
	compressors = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil)
			return enc
		},
	}

	decompressors = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
)

// elementData holds the modification time from the file system information
// and size information for an element.
type elementData struct {
	mtime time.Time
	name  string
	size  uint64
}

// New creates a new Cache below baseDir. The data directory is created if it
// does not exist, baseDir itself must already exist.
func New(baseDir string, maxSize uint64) (*Cache, error) {
	cacheDir := filepath.Join(baseDir, cacheDirPathSuffix())
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cacheDir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create interval cache directory (%s): %w",
				cacheDir, err)
		}
	}

	// Directory exists. Make sure we can read from and write to it.
	if err := unix.Access(cacheDir, unix.R_OK|unix.W_OK); err != nil {
		return nil, fmt.Errorf("interval cache directory (%s) exists but we can't read or write it",
			cacheDir)
	}

	// Delete cache entries from obsolete ABI versions.
	if err := deleteObsoletedABICaches(cacheDir); err != nil {
		return nil, err
	}

	var elements []elementData

	// Elements are persistent on the file system. Add the existing ones,
	// ordered by their modification time, to the LRU.
	err := filepath.WalkDir(cacheDir, func(path string, info fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		entry, errInfo := info.Info()
		if errInfo != nil {
			log.Debugf("Did not get file info from '%s': %v", path, errInfo)
			// Continue walking entries in cacheDir.
			return nil
		}
		elements = append(elements, elementData{
			name:  info.Name(),
			size:  uint64(entry.Size()),
			mtime: entry.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get preexisting cache elements: %w", err)
	}

	// Sort all elements based on their modification time from oldest to newest.
	slices.SortStableFunc(elements, func(a, b elementData) int {
		return a.mtime.Compare(b.mtime)
	})

	entries := make(map[string]entryInfo)
	lru := list.New()

	// elements is sorted from oldest to newest, so each element goes in front
	// of the previously added one.
	for _, e := range elements {
		lruEntry := lru.PushFront(e.name)
		entries[e.name] = entryInfo{
			size:     e.size,
			lruEntry: lruEntry,
		}
	}

	return &Cache{
		maxSize:  maxSize,
		cacheDir: cacheDir,
		entries:  entries,
		lru:      lru}, nil
}

// Dir returns the data directory of the cache.
func (c *Cache) Dir() string {
	return c.cacheDir
}

// GetCurrentCacheSize returns the current size of all elements in the cache.
func (c *Cache) GetCurrentCacheSize() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var size uint64
	for _, entry := range c.entries {
		size += entry.size
	}
	return size, nil
}

func elementName(fileID libpf.FileID) string {
	return fileID.StringNoQuotes() + "." + cacheElementExtension
}

// getPathForCacheFile constructs the path in the cache for the interval data associated
// with the provided file ID.
func (c *Cache) getPathForCacheFile(fileID libpf.FileID) string {
	return filepath.Join(c.cacheDir, elementName(fileID))
}

// HasIntervals returns true if interval data exists in the cache for a file with the provided
// ID, or false otherwise.
func (c *Cache) HasIntervals(fileID libpf.FileID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.entries[elementName(fileID)]; !ok {
		c.missCounter.Add(1)
		return false
	}
	c.hitCounter.Add(1)
	return true
}

// decompressAndDecode decodes data that has been written to a file with
// encodeAndCompress. The destination must be passed by reference.
func (c *Cache) decompressAndDecode(inPath string, destination any) error {
	reader, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", inPath, err)
	}
	defer reader.Close()

	zr := decompressors.Get().(*zstd.Decoder)
	defer decompressors.Put(zr)
	if err = zr.Reset(reader); err != nil {
		return fmt.Errorf("failed to reset zstd reader on %s: %w", inPath, err)
	}

	if err = gob.NewDecoder(zr).Decode(destination); err != nil {
		return fmt.Errorf("failed to decompress and decode data from %s: %w", inPath, err)
	}
	return nil
}

// encodeAndCompress encodes a generic data type, compresses it, and writes
// it to the provided output path.
func (c *Cache) encodeAndCompress(outPath string, source any) error {
	// Open a file, create it if not existent
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open local interval cache file at %s: %w", outPath, err)
	}
	defer out.Close()

	zw := compressors.Get().(*zstd.Encoder)
	defer compressors.Put(zw)
	zw.Reset(out)

	if err := gob.NewEncoder(zw).Encode(source); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to encode and compress data: %w", err)
	}
	// Close finishes the frame, the encoder stays reusable after Reset.
	return zw.Close()
}

// GetIntervalData loads the interval data from the cache that is associated with fileID
// into interval.
func (c *Cache) GetIntervalData(fileID libpf.FileID, interval *sdtypes.IntervalData) error {
	// Load the data and check for errors before updating the interval, to
	// avoid half-initializing it.
	var data sdtypes.IntervalData
	cacheElementPath := c.getPathForCacheFile(fileID)
	if err := c.decompressAndDecode(cacheElementPath, &data); err != nil {
		return fmt.Errorf("failed to load stack delta ranges: %w", err)
	}
	*interval = data

	c.mu.Lock()
	// Update the last access information for this element.
	if entry, ok := c.entries[elementName(fileID)]; ok {
		c.lru.MoveToFront(entry.lruEntry)
	}
	c.mu.Unlock()

	// Refresh the element on the file system, so that the order survives restarts.
	now := time.Now()
	if err := os.Chtimes(cacheElementPath, now, now); err != nil {
		// The interval data is available, a stale time only affects the
		// eviction order after a restart.
		log.Warnf("Failed to update access time for '%s': %v", cacheElementPath, err)
	}
	return nil
}

// SaveIntervalData stores the provided interval that is associated with fileID
// in the cache.
func (c *Cache) SaveIntervalData(fileID libpf.FileID, interval *sdtypes.IntervalData) error {
	cacheElement := c.getPathForCacheFile(fileID)
	if err := c.encodeAndCompress(cacheElement, interval); err != nil {
		return fmt.Errorf("failed to save stack delta ranges: %w", err)
	}
	info, err := os.Stat(cacheElement)
	if err != nil {
		return err
	}

	cacheElementSize := uint64(info.Size())
	if cacheElementSize > c.maxSize {
		if err = os.RemoveAll(cacheElement); err != nil {
			return fmt.Errorf("failed to delete '%s': %w", cacheElement, err)
		}
		return fmt.Errorf("too large interval data for %s (%d bytes): %w",
			fileID.StringNoQuotes(), cacheElementSize, errElementTooLarge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entryName := info.Name()
	// Replacing an element frees its old size.
	if old, ok := c.entries[entryName]; ok {
		c.lru.Remove(old.lruEntry)
		delete(c.entries, entryName)
	}
	var currentSize uint64
	for _, entry := range c.entries {
		currentSize += entry.size
	}
	if c.maxSize < currentSize+cacheElementSize {
		if err = c.evictEntries(currentSize + cacheElementSize - c.maxSize); err != nil {
			return err
		}
	}

	c.entries[entryName] = entryInfo{
		size:     cacheElementSize,
		lruEntry: c.lru.PushFront(entryName),
	}
	return nil
}

// GetAndResetHitMissCounters retrieves the current hit and miss counters and
// resets them to 0.
func (c *Cache) GetAndResetHitMissCounters() (hit, miss uint64) {
	hit = c.hitCounter.Swap(0)
	miss = c.missCounter.Swap(0)
	return hit, miss
}

// deleteObsoletedABICaches deletes all data that is related to obsolete ABI versions.
func deleteObsoletedABICaches(cacheDir string) error {
	cacheBase := filepath.Dir(cacheDir)

	for i := 0; i < sdtypes.ABI; i++ {
		oldABICachePath := filepath.Join(cacheBase, strconv.Itoa(i))
		if _, err := os.Stat(oldABICachePath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := os.RemoveAll(oldABICachePath); err != nil {
			return err
		}
	}
	return nil
}

// evictEntries deletes elements from the cache. It will delete elements with the oldest
// access until the sum of deleted bytes is at toBeDeletedBytes.
// The caller is responsible to hold the lock on the cache to avoid race conditions.
func (c *Cache) evictEntries(toBeDeletedBytes uint64) error {
	// sumDeletedBytes holds the number of bytes that are already deleted
	// from this cache.
	var sumDeletedBytes uint64

	for toBeDeletedBytes > sumDeletedBytes {
		oldestEntry := c.lru.Back()
		if oldestEntry == nil {
			return fmt.Errorf("cache is now empty - %d bytes were requested to be deleted, "+
				"but there were only %d bytes in the cache", toBeDeletedBytes, sumDeletedBytes)
		}
		entryName := oldestEntry.Value.(string)

		// Remove element from the filesystem.
		entryPath := filepath.Join(c.cacheDir, entryName)
		if err := os.RemoveAll(entryPath); err != nil {
			return fmt.Errorf("failed to delete %s: %w", entryPath, err)
		}

		// Remove information about the element from the cache.
		c.lru.Remove(oldestEntry)
		sumDeletedBytes += c.entries[entryName].size
		delete(c.entries, entryName)
	}
	return nil
}
