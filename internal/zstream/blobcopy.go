// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"fmt"
	"io"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/kkovaacs/libzorpll-sub000/internal/blob"
)

// blobStreamCopyChunk is the fixed internal buffer size spec.md's
// read_from_stream/write_to_stream chunked copy uses.
const blobStreamCopyChunk = 32 * 1024

// ReadBlobFromStream copies n bytes from s into b starting at pos, using a
// fixed internal buffer — spec.md's read_from_stream.
func ReadBlobFromStream(b *blob.Blob, pos int64, s *Stream, n int64, timeout time.Duration) (int64, error) {
	buf := make([]byte, blobStreamCopyChunk)
	var total int64
	for total < n {
		want := int64(len(buf))
		if remain := n - total; remain < want {
			want = remain
		}
		rn, status, err := s.Read(buf[:want])
		if rn > 0 {
			wn, werr := b.AddCopy(pos+total, buf[:rn], rn, timeout)
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if status == StatusEof {
			break
		}
		if status == StatusError {
			return total, fmt.Errorf("zstream: read_blob_from_stream: %w", err)
		}
		if status == StatusAgain {
			return total, ErrAgain
		}
	}
	return total, nil
}

// ReadCompressedBlobFromStream is ReadBlobFromStream's counterpart for a
// caller that knows, out of band, that the n bytes on s are gzip-framed —
// e.g. a negotiated compression-mode byte on the wire, mirroring the
// teacher's explicit CompressionGzip frame flag (internal/protocol/frames.go)
// rather than sniffing content. It never guesses: an n-byte span that turns
// out not to be valid gzip framing is a hard error, same as any other
// malformed-input case, because the caller already asserted it was.
func ReadCompressedBlobFromStream(b *blob.Blob, pos int64, s *Stream, n int64, timeout time.Duration) (int64, error) {
	pr := &streamReaderAdapter{s: s, remaining: n}
	zr, err := pgzip.NewReader(pr)
	if err != nil {
		return 0, fmt.Errorf("zstream: read_compressed_blob_from_stream: %w", err)
	}
	defer zr.Close()
	zr.Multistream(false)

	buf := make([]byte, blobStreamCopyChunk)
	var total int64
	for {
		rn, rerr := zr.Read(buf)
		if rn > 0 {
			wn, werr := b.AddCopy(pos+total, buf[:rn], rn, timeout)
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, fmt.Errorf("zstream: read_compressed_blob_from_stream: %w", rerr)
		}
	}
	return total, nil
}

// WriteBlobToStream copies n bytes from b starting at pos out to s.
func WriteBlobToStream(b *blob.Blob, pos int64, s *Stream, n int64, timeout time.Duration) (int64, error) {
	buf := make([]byte, blobStreamCopyChunk)
	var total int64
	for total < n {
		want := int64(len(buf))
		if remain := n - total; remain < want {
			want = remain
		}
		rn, err := b.GetCopy(pos+total, buf[:want], int(want), timeout)
		if rn == 0 {
			break
		}
		wn, status, werr := s.WriteChunk(buf[:rn])
		total += int64(wn)
		if status != StatusOk {
			return total, werr
		}
		if err != nil {
			break
		}
	}
	return total, nil
}

// WriteCompressedBlobToStream is WriteBlobToStream's counterpart, gzip-
// framing the n bytes read from b before they reach s. Pairs with
// ReadCompressedBlobFromStream on the receiving side.
func WriteCompressedBlobToStream(b *blob.Blob, pos int64, s *Stream, n int64, timeout time.Duration) (int64, error) {
	zw := pgzip.NewWriter(&streamWriterAdapter{s: s})

	buf := make([]byte, blobStreamCopyChunk)
	var total int64
	for total < n {
		want := int64(len(buf))
		if remain := n - total; remain < want {
			want = remain
		}
		rn, err := b.GetCopy(pos+total, buf[:want], int(want), timeout)
		if rn == 0 {
			break
		}
		if _, werr := zw.Write(buf[:rn]); werr != nil {
			return total, fmt.Errorf("zstream: write_compressed_blob_to_stream: %w", werr)
		}
		total += int64(rn)
		if err != nil {
			break
		}
	}
	if err := zw.Close(); err != nil {
		return total, fmt.Errorf("zstream: write_compressed_blob_to_stream: flushing trailer: %w", err)
	}
	return total, nil
}

// streamReaderAdapter turns a *Stream into an io.Reader bounded to
// remaining bytes, for pgzip.NewReader's pull-based interface.
type streamReaderAdapter struct {
	s         *Stream
	remaining int64
}

func (a *streamReaderAdapter) Read(p []byte) (int, error) {
	if a.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > a.remaining {
		p = p[:a.remaining]
	}
	n, status, err := a.s.Read(p)
	a.remaining -= int64(n)
	if status == StatusEof {
		return n, io.EOF
	}
	if status == StatusError {
		return n, err
	}
	return n, nil
}

// streamWriterAdapter turns a *Stream into an io.Writer for pgzip.NewWriter's
// push-based interface.
type streamWriterAdapter struct {
	s *Stream
}

func (a *streamWriterAdapter) Write(p []byte) (int, error) {
	n, status, err := a.s.WriteChunk(p)
	if status != StatusOk {
		return n, err
	}
	return n, nil
}
