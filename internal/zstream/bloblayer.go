// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"io"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/blob"
)

// BlobLayer is a stream whose backing store is a blob: reads and writes
// seek within the blob rather than flowing to a child. Non-blocking mode
// maps to a zero timeout on the blob's per-operation wait, exactly as
// spec.md §4.3 describes for the blob layer.
type BlobLayer struct {
	b           *blob.Blob
	pos         int64
	nonBlocking bool
}

// NewBlobLayer wraps b, positioned at the start.
func NewBlobLayer(b *blob.Blob) *BlobLayer {
	return &BlobLayer{b: b}
}

func (l *BlobLayer) Name() string { return "blob" }

func (l *BlobLayer) timeout() time.Duration {
	if l.nonBlocking {
		return 0
	}
	return -1
}

func (l *BlobLayer) Read(buf []byte) (int, Status, error) {
	n, err := l.b.GetCopy(l.pos, buf, len(buf), l.timeout())
	l.pos += int64(n)
	if err == blob.ErrTimeout {
		return n, StatusAgain, ErrAgain
	}
	if err != nil {
		return n, StatusError, err
	}
	if n == 0 && len(buf) > 0 {
		return 0, StatusEof, io.EOF
	}
	return n, StatusOk, nil
}

func (l *BlobLayer) Write(buf []byte) (int, Status, error) {
	n, err := l.b.AddCopy(l.pos, buf, len(buf), l.timeout())
	l.pos += int64(n)
	if err == blob.ErrTimeout {
		return n, StatusAgain, ErrAgain
	}
	if err != nil {
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

// Seek repositions the layer's read/write cursor within the blob.
func (l *BlobLayer) Seek(pos int64) {
	l.pos = pos
}

func (l *BlobLayer) Shutdown(mode ShutdownMode) error { return nil }

func (l *BlobLayer) Close() error {
	l.b.Unref()
	return nil
}

func (l *BlobLayer) Ctrl(code CtrlCode, value any) (any, bool, error) {
	if code == CtrlSetNonBlocking {
		l.nonBlocking, _ = value.(bool)
		return nil, true, nil
	}
	return nil, false, nil
}

func (l *BlobLayer) UmbrellaFlags() Direction { return DirRead | DirWrite }

func (l *BlobLayer) WatchPrepare() (time.Duration, bool) { return 0, true }
func (l *BlobLayer) WatchDispatch() bool                 { return true }

func (l *BlobLayer) ExtraSize() int    { return 8 }
func (l *BlobLayer) ExtraSave() []byte {
	b := make([]byte, 8)
	v := uint64(l.pos)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
func (l *BlobLayer) ExtraRestore(b []byte) {
	if len(b) < 8 {
		return
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	l.pos = int64(v)
}
