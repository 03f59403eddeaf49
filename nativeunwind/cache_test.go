// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/libpf/pfelf"
	"go.opentelemetry.io/crashunwind/nativeunwind/elfunwindinfo"
	sdtypes "go.opentelemetry.io/crashunwind/nativeunwind/stackdeltatypes"
	ts "go.opentelemetry.io/crashunwind/testsupport"
)

// memOpener serves ELF images from memory and counts the opens per path.
type memOpener struct {
	mu     sync.Mutex
	images map[string][]byte
	opens  map[string]int
	// gate, when set, blocks OpenELF until it is closed
	gate chan struct{}
}

func newMemOpener(images map[string][]byte) *memOpener {
	return &memOpener{images: images, opens: map[string]int{}}
}

func (o *memOpener) OpenELF(path string) (*pfelf.File, error) {
	if o.gate != nil {
		<-o.gate
	}
	o.mu.Lock()
	o.opens[path]++
	image, ok := o.images[path]
	o.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return pfelf.NewFile(bytes.NewReader(image))
}

func (o *memOpener) FileID(path string) (libpf.FileID, error) {
	o.mu.Lock()
	image, ok := o.images[path]
	o.mu.Unlock()
	if !ok {
		return libpf.FileID{}, os.ErrNotExist
	}
	return libpf.FileIDFromExecutableReader(bytes.NewReader(image))
}

func (o *memOpener) openCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

// memIntervals is an IntervalCache kept in a map.
type memIntervals struct {
	mu        sync.Mutex
	data      map[libpf.FileID]sdtypes.IntervalData
	hit, miss uint64
}

func newMemIntervals() *memIntervals {
	return &memIntervals{data: map[libpf.FileID]sdtypes.IntervalData{}}
}

func (m *memIntervals) HasIntervals(fileID libpf.FileID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[fileID]
	if ok {
		m.hit++
	} else {
		m.miss++
	}
	return ok
}

func (m *memIntervals) GetIntervalData(fileID libpf.FileID, interval *sdtypes.IntervalData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[fileID]
	if !ok {
		return errors.New("not cached")
	}
	*interval = data
	return nil
}

func (m *memIntervals) SaveIntervalData(fileID libpf.FileID, interval *sdtypes.IntervalData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[fileID] = *interval
	return nil
}

func (m *memIntervals) GetCurrentCacheSize() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.data)), nil
}

func (m *memIntervals) GetAndResetHitMissCounters() (hit, miss uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hit, miss = m.hit, m.miss
	m.hit, m.miss = 0, 0
	return hit, miss
}

// x86Library returns a shared object with one function at ts.TextAddr that
// sets up a frame pointer.
func x86Library() []byte {
	frames := ts.NewEHFrame().
		AddCIE(1, -8, 16, false, ts.CFADefCFA(7, 8), ts.CFAOffset(16, 1)).
		AddFDE(ts.TextAddr, 0x40,
			ts.CFAAdvance(1), ts.CFADefCFAOffset(16), ts.CFAOffset(6, 2),
			ts.CFAAdvance(3), ts.CFADefCFARegister(6))
	return ts.BuildELF(ts.ELFSpec{
		Machine: elf.EM_X86_64,
		Text:    bytes.Repeat([]byte{0x90}, 0x40),
		EHFrame: frames.Bytes(),
	})
}

func TestCacheGetTable(t *testing.T) {
	opener := newMemOpener(map[string][]byte{
		"/lib/libfoo.so": x86Library(),
		"/lib/i386.so": ts.BuildELF(ts.ELFSpec{
			Machine: elf.EM_386,
			Text:    []byte{0x90},
		}),
	})
	cache, err := NewCache(8, opener, nil)
	require.NoError(t, err)

	table, err := cache.GetTable("/lib/libfoo.so")
	require.NoError(t, err)
	assert.Equal(t, elf.EM_X86_64, table.Machine())
	info, err := table.Lookup(ts.TextAddr + 8)
	require.NoError(t, err)
	assert.Equal(t, sdtypes.UnwindOpcodeBaseFP, info.Opcode)

	again, err := cache.GetTable("/lib/libfoo.so")
	require.NoError(t, err)
	assert.Same(t, table, again)
	assert.Equal(t, 1, opener.openCount("/lib/libfoo.so"))

	// Failures are cached as well.
	for range 2 {
		_, err = cache.GetTable("/lib/missing.so")
		require.ErrorIs(t, err, os.ErrNotExist)
		_, err = cache.GetTable("/lib/i386.so")
		require.ErrorIs(t, err, elfunwindinfo.ErrUnsupportedMachine)
	}
	assert.Equal(t, 1, opener.openCount("/lib/missing.so"))
	assert.Equal(t, 1, opener.openCount("/lib/i386.so"))
	assert.Equal(t, 3, cache.Len())

	assert.Equal(t, Statistics{Hit: 3, Miss: 3, ExtractionErrors: 1},
		cache.GetAndResetStatistics())
	assert.Equal(t, Statistics{}, cache.GetAndResetStatistics())
}

func TestCacheInvalidate(t *testing.T) {
	opener := newMemOpener(map[string][]byte{
		"/lib/libfoo.so": x86Library(),
	})
	cache, err := NewCache(8, opener, nil)
	require.NoError(t, err)

	_, err = cache.GetTable("/lib/libfoo.so")
	require.NoError(t, err)
	cache.Invalidate("/lib/libfoo.so")
	assert.Equal(t, 0, cache.Len())
	_, err = cache.GetTable("/lib/libfoo.so")
	require.NoError(t, err)
	assert.Equal(t, 2, opener.openCount("/lib/libfoo.so"))

	cache.Purge()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheEviction(t *testing.T) {
	opener := newMemOpener(map[string][]byte{
		"/lib/a.so": x86Library(),
		"/lib/b.so": x86Library(),
		"/lib/c.so": x86Library(),
	})
	cache, err := NewCache(2, opener, nil)
	require.NoError(t, err)

	for _, path := range []string{"/lib/a.so", "/lib/b.so", "/lib/a.so", "/lib/c.so", "/lib/b.so"} {
		_, err = cache.GetTable(path)
		require.NoError(t, err)
	}
	// b.so was the least recently used when c.so was added.
	assert.Equal(t, 1, opener.openCount("/lib/a.so"))
	assert.Equal(t, 2, opener.openCount("/lib/b.so"))
	assert.Equal(t, 1, opener.openCount("/lib/c.so"))
}

func TestCacheConcurrentLoads(t *testing.T) {
	opener := newMemOpener(map[string][]byte{
		"/lib/libfoo.so": x86Library(),
	})
	opener.gate = make(chan struct{})
	cache, err := NewCache(8, opener, nil)
	require.NoError(t, err)

	const workers = 8
	tables := make([]*elfunwindinfo.Table, workers)
	var started, done sync.WaitGroup
	for i := range workers {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			table, err := cache.GetTable("/lib/libfoo.so")
			assert.NoError(t, err)
			tables[i] = table
		}()
	}
	started.Wait()
	close(opener.gate)
	done.Wait()

	for _, table := range tables {
		assert.Same(t, tables[0], table)
	}
	// Late starters may find the table already cached, but no second parse
	// is needed as long as the first load was in flight.
	assert.LessOrEqual(t, opener.openCount("/lib/libfoo.so"), workers)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheIntervals(t *testing.T) {
	opener := newMemOpener(map[string][]byte{
		"/lib/libfoo.so": x86Library(),
	})
	intervals := newMemIntervals()

	first, err := NewCache(8, opener, intervals)
	require.NoError(t, err)
	table, err := first.GetTable("/lib/libfoo.so")
	require.NoError(t, err)
	assert.Equal(t, Statistics{Miss: 1, IntervalCacheMiss: 1}, first.GetAndResetStatistics())

	size, err := intervals.GetCurrentCacheSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)

	second, err := NewCache(8, opener, intervals)
	require.NoError(t, err)
	persisted, err := second.GetTable("/lib/libfoo.so")
	require.NoError(t, err)
	assert.Equal(t, Statistics{Miss: 1, IntervalCacheHit: 1}, second.GetAndResetStatistics())
	assert.Equal(t, table.Deltas(), persisted.Deltas())

	hit, miss := intervals.GetAndResetHitMissCounters()
	assert.Equal(t, uint64(1), hit)
	assert.Equal(t, uint64(1), miss)
}
