// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrTimeout is returned when a blocking blob operation's lock could not be
// acquired within the caller's timeout.
var ErrTimeout = errors.New("blob: lock acquisition timed out")

// ErrOutOfRange is returned by operations that seek past the blob's current
// size.
var ErrOutOfRange = errors.New("blob: position out of range")

// lockTimeout acquires b.mu honoring the three-way timeout convention used
// throughout the blob access operations: negative blocks indefinitely, zero
// tries once, positive polls every millisecond up to the deadline, a Go
// re-expression of a try_lock-with-sleep loop.
func (b *Blob) lockTimeout(timeout time.Duration) error {
	if timeout < 0 {
		b.mu.Lock()
		return nil
	}
	if b.mu.TryLock() {
		return nil
	}
	if timeout == 0 {
		return ErrTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.mu.TryLock() {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return ErrTimeout
}

// GetCopy copies n bytes starting at pos into buf, locking the blob for the
// duration of the memcpy.
func (b *Blob) GetCopy(pos int64, buf []byte, n int, timeout time.Duration) (int, error) {
	if err := b.lockTimeout(timeout); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	if pos < 0 || pos > b.size {
		return 0, ErrOutOfRange
	}
	avail := int(b.size - pos)
	if n > avail {
		n = avail
	}
	if n > len(buf) {
		n = len(buf)
	}

	if b.isInFile {
		rn, err := b.file.ReadAt(buf[:n], pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return rn, fmt.Errorf("blob: get_copy read: %w", err)
		}
		n = rn
	} else {
		copy(buf[:n], b.data[pos:pos+int64(n)])
	}

	b.reqRd++
	b.bytesRd += uint64(n)
	b.lastAccessed = time.Now()
	return n, nil
}

// AddCopy writes n bytes from buf at pos, growing the blob via alloc if pos+n
// exceeds its current allocation.
func (b *Blob) AddCopy(pos int64, buf []byte, n int, timeout time.Duration) (int, error) {
	if n > len(buf) {
		n = len(buf)
	}
	needed := pos + int64(n)

	b.mu.Lock()
	mustGrow := needed > b.allocSize
	b.mu.Unlock()
	if mustGrow {
		if err := b.growTo(needed, timeout); err != nil {
			return 0, err
		}
	}

	if err := b.lockTimeout(timeout); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	if b.isInFile {
		wn, err := b.file.WriteAt(buf[:n], pos)
		if err != nil {
			return wn, fmt.Errorf("blob: add_copy write: %w", err)
		}
	} else {
		if int64(len(b.data)) < needed {
			grown := make([]byte, needed)
			copy(grown, b.data)
			b.data = grown
		}
		copy(b.data[pos:needed], buf[:n])
	}

	if needed > b.size {
		b.size = needed
	}
	b.reqWr++
	b.bytesWr += uint64(n)
	b.lastAccessed = time.Now()
	return n, nil
}

// Truncate resizes the blob to pos bytes, growing or shrinking its
// allocation by calling alloc(pos) internally.
func (b *Blob) Truncate(pos int64, timeout time.Duration) error {
	if pos < 0 {
		return ErrOutOfRange
	}

	b.mu.Lock()
	current := b.allocSize
	b.mu.Unlock()

	if pos != current {
		if err := b.growTo(pos, timeout); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.size = pos
	b.mu.Unlock()
	return nil
}

// GetFile forces the blob to disk, applies ownership and mode to the spill
// file, and returns its path. The blob remains locked (storage-locked)
// until ReleaseFile is called.
func (b *Blob) GetFile(uid, gid int, mode os.FileMode, timeout time.Duration) (string, error) {
	if err := b.lockTimeout(timeout); err != nil {
		return "", err
	}

	if !b.isInFile {
		b.sys.mu.Lock()
		err := b.sys.swapOutViaOps(b)
		b.sys.mu.Unlock()
		if err != nil {
			b.mu.Unlock()
			return "", err
		}
	}
	b.storageLocked = true
	path := b.fileName
	b.mu.Unlock()

	if err := os.Chmod(path, mode); err != nil {
		return "", fmt.Errorf("blob: chmod spill file: %w", err)
	}
	if uid >= 0 || gid >= 0 {
		if err := os.Chown(path, uid, gid); err != nil {
			return "", fmt.Errorf("blob: chown spill file: %w", err)
		}
	}
	return path, nil
}

// ReleaseFile restats the spill file to pick up out-of-process size
// changes and clears the storage lock GetFile set.
func (b *Blob) ReleaseFile() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		fi, err := b.file.Stat()
		if err != nil {
			return fmt.Errorf("blob: restat spill file: %w", err)
		}
		b.size = fi.Size()
	}
	b.storageLocked = false
	return nil
}

// GetPtr returns a pointer (byte slice) into the blob's memory — forcing a
// swap-in via Truncate-style re-materialization is not attempted; if the
// blob is on disk it is mapped read/write via an mmap-equivalent window
// implemented as a fully-read buffer flushed back on FreePtr. The blob is
// storage-locked while the pointer is held.
func (b *Blob) GetPtr(pos int64, n int, timeout time.Duration) ([]byte, error) {
	if err := b.lockTimeout(timeout); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	if pos < 0 || pos+int64(n) > b.size {
		return nil, ErrOutOfRange
	}

	if !b.isInFile {
		b.storageLocked = true
		b.mapped = true
		return b.data[pos : pos+int64(n)], nil
	}

	window := make([]byte, n)
	if _, err := b.file.ReadAt(window, pos); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("blob: mapping spill file: %w", err)
	}
	b.storageLocked = true
	b.mapped = true
	b.mappedData = window
	b.mappedAt = pos
	return window, nil
}

// FreePtr releases a window obtained from GetPtr, flushing any changes
// back to the spill file for disk-backed blobs, and clears the storage
// lock GetPtr set.
func (b *Blob) FreePtr() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isInFile && b.mappedData != nil {
		if _, err := b.file.WriteAt(b.mappedData, b.mappedAt); err != nil {
			return fmt.Errorf("blob: flushing mapped window: %w", err)
		}
	}
	b.mapped = false
	b.mappedData = nil
	b.storageLocked = false
	return nil
}
