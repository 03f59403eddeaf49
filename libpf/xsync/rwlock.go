// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/crashunwind/libpf/xsync"

import "sync"

// RWMutex wraps sync.RWMutex and hides the data it protects, so the data can
// only be reached through RLock or WLock.
//
//	type tableCache struct {
//		tables xsync.RWMutex[map[string]*Table]
//	}
//
//	func (c *tableCache) get(path string) *Table {
//		tables := c.tables.RLock()
//		defer c.tables.RUnlock(&tables)
//		return (*tables)[path]
//	}
//
// The unlock functions nil out the caller's pointer, so a use after unlock
// crashes in tests instead of racing silently.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex guarding the given value.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the protected data.
// The caller must not write through the pointer or keep it past RUnlock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected data.
// The caller must not keep the pointer past WUnlock.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
