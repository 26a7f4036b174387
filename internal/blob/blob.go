// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package blob

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Blob is a reference-counted, variable-length payload managed by a
// System; it lives either entirely in memory or entirely on disk, never
// both, and its size never exceeds allocSize.
type Blob struct {
	sys *System

	mu   sync.Mutex
	cond *sync.Cond

	size      int64
	allocSize int64

	data     []byte
	file     *os.File
	fileName string
	isInFile bool

	storageLocked bool
	mapped        bool
	mappedData    []byte
	mappedAt      int64

	allocReq int64
	approved bool
	replied  bool

	reqRd, reqWr     uint64
	bytesRd, bytesWr uint64
	swapCount        uint64
	allocCount       uint64

	created      time.Time
	lastAccessed time.Time

	refCount int32
	dying    bool
}

// New creates a blob registered with sys, requesting an initial allocation
// of size bytes. The returned blob starts in memory unless the system has
// no room, in which case the manager's check_alloc decision table may
// place it on disk (or on the waiting list) immediately.
func New(sys *System, size int64) (*Blob, error) {
	b := &Blob{
		sys:          sys,
		allocSize:    0,
		created:      time.Now(),
		lastAccessed: time.Now(),
		refCount:     1,
	}
	b.cond = sync.NewCond(&b.mu)

	target := nextAllocSize(1, size)
	b.data = make([]byte, 0, target)

	sys.register(b)
	if err := sys.enqueue(b, target); err != nil {
		sys.unregister(b)
		return nil, fmt.Errorf("blob: initial allocation of %d bytes: %w", size, err)
	}

	b.mu.Lock()
	b.size = size
	b.allocCount++
	if !b.isInFile {
		b.data = append(b.data[:0], make([]byte, target)...)
	}
	b.mu.Unlock()

	return b, nil
}

// Ref increments the blob's reference count.
func (b *Blob) Ref() *Blob {
	b.mu.Lock()
	b.refCount++
	b.mu.Unlock()
	return b
}

// Unref decrements the blob's reference count; at zero it releases the
// blob's charge against mem_used/disk_used (posting MEM_FREED so the
// manager reconsiders the waiting list and runs swap-in), unregisters from
// the system, and unlinks any spill file.
func (b *Blob) Unref() {
	b.mu.Lock()
	b.refCount--
	last := b.refCount <= 0
	if last {
		b.dying = true
	}
	b.mu.Unlock()
	if !last {
		return
	}

	b.mu.Lock()
	allocSize := b.allocSize
	b.mu.Unlock()
	if allocSize > 0 {
		// A dealloc request (delta <= 0) is always approved by
		// check_alloc, so this never actually waits on the manager.
		_ = b.sys.enqueue(b, -allocSize)
	}

	b.sys.unregister(b)
	b.destroyLocalFile()
}

func (b *Blob) destroyLocalFile() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		b.file.Close()
		os.Remove(b.fileName)
		b.file = nil
	}
	b.data = nil
}

// Size returns the blob's current logical size.
func (b *Blob) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsInFile reports whether the blob is currently backed by a spill file on
// disk rather than an in-memory buffer.
func (b *Blob) IsInFile() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isInFile
}

// StorageLock sets or clears the storage-locked flag, excluding the blob
// from swap-out and swap-in while set.
func (b *Blob) StorageLock(locked bool) {
	b.mu.Lock()
	b.storageLocked = locked
	b.mu.Unlock()
}

// Stats reports the blob's access counters for diagnostics and for the
// manager's swap-in scoring function.
func (b *Blob) Stats() (reqRd, reqWr, bytesRd, bytesWr, swapCount, allocCount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reqRd, b.reqWr, b.bytesRd, b.bytesWr, b.swapCount, b.allocCount
}

// nextAllocSize grows current by doubling until it reaches or exceeds
// requested, or halves it until it drops below requested before doubling
// back once — preserving the original's power-of-two bucketing that
// minimizes churn on monotonically growing writes but still allows
// shrinking.
func nextAllocSize(current, requested int64) int64 {
	if current <= 0 {
		current = 1
	}
	if requested <= 0 {
		return current
	}
	size := current
	if size < requested {
		for size < requested {
			size *= 2
		}
		return size
	}
	for size >= requested {
		size /= 2
		if size < 1 {
			size = 1
			break
		}
	}
	return size * 2
}

// growTo requests whatever allocation delta is needed so the blob's
// allocSize covers newSize, blocking the caller on the manager's decision.
func (b *Blob) growTo(newSize int64, timeout time.Duration) error {
	target := func() int64 {
		b.mu.Lock()
		defer b.mu.Unlock()
		return nextAllocSize(maxInt64(b.allocSize, 1), newSize)
	}()

	b.mu.Lock()
	delta := target - b.allocSize
	b.mu.Unlock()
	if delta == 0 {
		return nil
	}

	if err := b.sys.enqueue(b, delta); err != nil {
		return err
	}

	b.mu.Lock()
	if newSize > b.size {
		if !b.isInFile {
			if int64(len(b.data)) < target {
				grown := make([]byte, target)
				copy(grown, b.data)
				b.data = grown
			}
		}
		b.size = newSize
	}
	b.allocCount++
	b.mu.Unlock()
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
