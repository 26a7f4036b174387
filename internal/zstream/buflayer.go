// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"sync"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/pbuf"
)

// bufHighWater is the advisory headroom threshold below which the buf
// layer reports itself writable to its user (callers may still overrun it).
const bufHighWater = 64 * 1024

// BufLayer is a write-side buffering layer: Write always succeeds locally,
// copying into an internal FIFO of packets that a background flush (driven
// by the child's writability) drains to the child.
type BufLayer struct {
	child *Stream

	mu      sync.Mutex
	pending []*pbuf.Buf
	queued  int
	stickyErr error
}

// NewBufLayer wraps child with an output buffer.
func NewBufLayer(child *Stream) *BufLayer {
	return &BufLayer{child: child}
}

func (b *BufLayer) Name() string { return "buf" }

func (b *BufLayer) Read(buf []byte) (int, Status, error) {
	return b.child.Read(buf)
}

// Write copies p into the pending FIFO and then flushes what it can to the
// child, so it waits only as long as the child's Write does. If a prior
// flush failed, that sticky error is returned instead of silently accepting
// more data.
func (b *BufLayer) Write(p []byte) (int, Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stickyErr != nil {
		return 0, StatusError, b.stickyErr
	}

	b.pending = append(b.pending, pbuf.FromBytes(p))
	b.queued += len(p)

	b.flushLocked()
	return len(p), StatusOk, nil
}

// flushLocked writes the pending FIFO to the child until it is empty or the
// child reports StatusAgain, an error, or no progress; must be called with
// b.mu held.
func (b *BufLayer) flushLocked() {
	for len(b.pending) > 0 {
		head := b.pending[0]
		data, err := head.GetU8s(head.Len() - head.Pos())
		if err != nil {
			b.stickyErr = err
			return
		}
		n, status, err := b.child.Write(data)
		if n > 0 {
			b.queued -= n
			if n < len(data) {
				b.pending[0] = pbuf.FromBytes(data[n:])
			} else {
				b.pending = b.pending[1:]
			}
		}
		if status == StatusAgain {
			return
		}
		if status == StatusError {
			b.stickyErr = err
			return
		}
		if n == 0 {
			return
		}
	}
}

// Flush attempts to drain the pending FIFO now; call from a writability
// callback on the child.
func (b *BufLayer) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

func (b *BufLayer) Shutdown(mode ShutdownMode) error {
	b.Flush()
	return b.child.Shutdown(mode)
}

func (b *BufLayer) Close() error {
	b.Flush()
	return nil
}

func (b *BufLayer) Ctrl(code CtrlCode, value any) (any, bool, error) {
	return nil, false, nil
}

func (b *BufLayer) UmbrellaFlags() Direction { return DirWrite }

// WatchPrepare reports writable-for-the-user only while headroom remains;
// the threshold is advisory.
func (b *BufLayer) WatchPrepare() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return 0, b.queued < bufHighWater
}

func (b *BufLayer) WatchDispatch() bool {
	b.Flush()
	return true
}

func (b *BufLayer) ExtraSize() int        { return 0 }
func (b *BufLayer) ExtraSave() []byte     { return nil }
func (b *BufLayer) ExtraRestore(_ []byte) {}
