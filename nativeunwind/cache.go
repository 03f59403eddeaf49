// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind // import "go.opentelemetry.io/crashunwind/nativeunwind"

import (
	"debug/elf"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/libpf/freelru"
	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	"go.opentelemetry.io/crashunwind/libpf/xsync"
	"go.opentelemetry.io/crashunwind/metrics"
	"go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
)

// cacheEntry is the outcome of one table load. Failures are cached too, so
// that a broken library is not parsed again for every frame.
type cacheEntry struct {
	table *elfunwindinfo.Table
	err   error
}

// Cache is a TableProvider that keeps the most recently used tables in
// memory. It is safe for concurrent use. The lock is never held while a
// library is read, and concurrent loads of one path share a single parse.
type Cache struct {
	extractionErrors  atomic.Uint64
	intervalCacheHit  atomic.Uint64
	intervalCacheMiss atomic.Uint64

	opener LibraryOpener
	// intervals is the optional persistent layer
	intervals IntervalCache

	tables xsync.RWMutex[*freelru.LRU[string, cacheEntry]]
	loads  singleflight.Group
}

var _ TableProvider = &Cache{}

// NewCache creates a cache of up to size tables. intervals may be nil.
func NewCache(size uint32, opener LibraryOpener, intervals IntervalCache) (*Cache, error) {
	tables, err := freelru.New[string, cacheEntry](size, freelru.HashString)
	if err != nil {
		return nil, err
	}
	return &Cache{
		opener:    opener,
		intervals: intervals,
		tables:    xsync.NewRWMutex(tables),
	}, nil
}

// GetTable returns the unwind table of the library at path.
func (c *Cache) GetTable(path string) (*elfunwindinfo.Table, error) {
	// Get updates the recency order, so it needs the write lock.
	tables := c.tables.WLock()
	entry, ok := (*tables).Get(path)
	c.tables.WUnlock(&tables)
	if ok {
		return entry.table, entry.err
	}

	v, _, _ := c.loads.Do(path, func() (any, error) {
		entry := c.load(path)
		tables := c.tables.WLock()
		(*tables).Add(path, entry)
		c.tables.WUnlock(&tables)
		return entry, nil
	})
	entry = v.(cacheEntry)
	return entry.table, entry.err
}

// load reads the table of one library, from the persistent cache if
// possible.
func (c *Cache) load(path string) cacheEntry {
	ef, err := c.opener.OpenELF(path)
	if err != nil {
		return cacheEntry{err: fmt.Errorf("failed to open %s: %w", path, err)}
	}
	defer ef.Close()

	var fileID libpf.FileID
	persist := false
	if c.intervals != nil {
		fileID, err = c.opener.FileID(path)
		if err != nil {
			log.Debugf("Failed to identify %s, not using the interval cache: %v", path, err)
		} else {
			if table, ok := c.loadPersisted(fileID, ef.Machine, ef.GetAddressMapper()); ok {
				return cacheEntry{table: table}
			}
			persist = true
		}
	}

	var interval sdtypes.IntervalData
	if err = elfunwindinfo.Extract(ef, &interval); err != nil {
		c.extractionErrors.Add(1)
		return cacheEntry{err: fmt.Errorf("failed to extract stack deltas from %s: %w",
			path, err)}
	}
	log.Debugf("Extracted %d stack deltas from %s", len(interval.Deltas), path)

	if persist {
		if err = c.intervals.SaveIntervalData(fileID, &interval); err != nil {
			log.Warnf("Failed to store stack deltas of %s: %v", path, err)
		}
	}
	return cacheEntry{table: elfunwindinfo.NewTable(ef.Machine, interval.Deltas,
		ef.GetAddressMapper())}
}

// loadPersisted looks the file up in the persistent cache.
func (c *Cache) loadPersisted(fileID libpf.FileID, machine elf.Machine,
	mapper pfelf.AddressMapper) (*elfunwindinfo.Table, bool) {
	if c.intervals.HasIntervals(fileID) {
		var interval sdtypes.IntervalData
		err := c.intervals.GetIntervalData(fileID, &interval)
		if err == nil {
			c.intervalCacheHit.Add(1)
			return elfunwindinfo.NewTable(machine, interval.Deltas, mapper), true
		}
		log.Debugf("Failed to get stack deltas for %s from cache: %v", fileID, err)
	}
	c.intervalCacheMiss.Add(1)
	return nil, false
}

// Invalidate drops the cached outcome for path. A load of path that is in
// flight still stores its result.
func (c *Cache) Invalidate(path string) {
	tables := c.tables.WLock()
	(*tables).Remove(path)
	c.tables.WUnlock(&tables)
	c.loads.Forget(path)
}

// Purge drops all cached tables.
func (c *Cache) Purge() {
	tables := c.tables.WLock()
	(*tables).Purge()
	c.tables.WUnlock(&tables)
}

// Len returns the number of cached outcomes.
func (c *Cache) Len() int {
	tables := c.tables.RLock()
	defer c.tables.RUnlock(&tables)
	return (*tables).Len()
}

// GetAndResetStatistics returns the counters since the last call.
func (c *Cache) GetAndResetStatistics() Statistics {
	tables := c.tables.RLock()
	lruStats := (*tables).GetAndResetStatistics()
	c.tables.RUnlock(&tables)

	return Statistics{
		Hit:               lruStats.Hit,
		Miss:              lruStats.Miss,
		ExtractionErrors:  c.extractionErrors.Swap(0),
		IntervalCacheHit:  c.intervalCacheHit.Swap(0),
		IntervalCacheMiss: c.intervalCacheMiss.Swap(0),
	}
}

// ReportMetrics reports and resets the counters of the cache.
func (c *Cache) ReportMetrics() {
	stats := c.GetAndResetStatistics()
	m := []metrics.Metric{
		{ID: metrics.IDTableCacheHit, Value: metrics.MetricValue(stats.Hit)},
		{ID: metrics.IDTableCacheMiss, Value: metrics.MetricValue(stats.Miss)},
		{ID: metrics.IDTableExtractionErrors, Value: metrics.MetricValue(stats.ExtractionErrors)},
		{ID: metrics.IDIntervalCacheHit, Value: metrics.MetricValue(stats.IntervalCacheHit)},
		{ID: metrics.IDIntervalCacheMiss, Value: metrics.MetricValue(stats.IntervalCacheMiss)},
	}
	if c.intervals != nil {
		if size, err := c.intervals.GetCurrentCacheSize(); err == nil {
			m = append(m, metrics.Metric{ID: metrics.IDIntervalCacheSize,
				Value: metrics.MetricValue(size)})
		}
	}
	metrics.AddSlice(m)
}
