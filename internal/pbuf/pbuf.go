// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pbuf implements the packet buffer primitive: a reference-counted,
// heap-allocated byte sequence with a cursor and typed integer accessors,
// used throughout the stream stack for ungot data and wire framing.
package pbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Errors returned by packet buffer operations.
var (
	ErrOutOfRange    = errors.New("pbuf: access out of range")
	ErrBorrowedGrow  = errors.New("pbuf: cannot grow a borrowed buffer")
	ErrBadSeek       = errors.New("pbuf: seek target outside buffer bounds")
	ErrShortAccessor = errors.New("pbuf: not enough bytes remaining for typed access")
)

// Whence values for Seek, mirroring io.Seeker.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// Buf is a packet buffer: length <= capacity, position <= length always
// holds. A borrowed buffer points into memory it does not own (typically a
// subrange of a parent Buf produced by Part) and must never reallocate.
type Buf struct {
	data     []byte
	pos      int
	borrowed bool
	refs     int
}

// New allocates an owned, empty packet buffer with the given initial
// capacity hint.
func New(capHint int) *Buf {
	if capHint < 0 {
		capHint = 0
	}
	return &Buf{data: make([]byte, 0, capHint), refs: 1}
}

// FromBytes copies b into a new owned buffer.
func FromBytes(b []byte) *Buf {
	p := New(len(b))
	p.data = append(p.data[:0], b...)
	return p
}

// Part produces a new borrowed buffer viewing parent[offset:offset+length).
// The returned buffer shares the parent's backing array; its lifetime is
// bounded by the parent (callers must not let the part outlive the parent's
// last reference).
func (p *Buf) Part(offset, length int) (*Buf, error) {
	if offset < 0 || length < 0 || offset+length > len(p.data) {
		return nil, ErrOutOfRange
	}
	return &Buf{data: p.data[offset : offset+length : offset+length], borrowed: true, refs: 1}, nil
}

// Ref increments the reference count and returns the same buffer, mirroring
// the original's shared-ownership discipline.
func (p *Buf) Ref() *Buf {
	p.refs++
	return p
}

// Unref decrements the reference count; the buffer is considered dead once
// it reaches zero (callers must not use it afterward).
func (p *Buf) Unref() {
	p.refs--
}

// Len returns the current length (not capacity).
func (p *Buf) Len() int { return len(p.data) }

// Pos returns the current cursor position.
func (p *Buf) Pos() int { return p.pos }

// Bytes returns the buffer's full content. Callers must not retain it past
// the next mutating call.
func (p *Buf) Bytes() []byte { return p.data }

// Borrowed reports whether this buffer views foreign memory.
func (p *Buf) Borrowed() bool { return p.borrowed }

// Copy replaces the buffer's contents with b, reallocating if necessary.
// Fails on a borrowed buffer if b does not fit in the existing backing
// array.
func (p *Buf) Copy(b []byte) error {
	if p.borrowed {
		if len(b) > cap(p.data) {
			return ErrBorrowedGrow
		}
		p.data = p.data[:len(b)]
		copy(p.data, b)
		p.pos = 0
		return nil
	}
	if cap(p.data) < len(b) {
		p.data = make([]byte, len(b))
	} else {
		p.data = p.data[:len(b)]
	}
	copy(p.data, b)
	p.pos = 0
	return nil
}

// Relocate points the buffer at ptr. If borrowed is true the buffer takes
// no ownership and must never resize; otherwise it takes ownership of ptr
// as its backing array.
func (p *Buf) Relocate(ptr []byte, borrowed bool) {
	p.data = ptr
	p.borrowed = borrowed
	if p.pos > len(p.data) {
		p.pos = len(p.data)
	}
}

// Resize grows or shrinks the logical length to n. Fails with
// ErrBorrowedGrow if n exceeds capacity on a borrowed buffer.
func (p *Buf) Resize(n int) error {
	if n < 0 {
		return ErrOutOfRange
	}
	if n <= len(p.data) {
		p.data = p.data[:n]
		if p.pos > n {
			p.pos = n
		}
		return nil
	}
	if p.borrowed {
		if n > cap(p.data) {
			return ErrBorrowedGrow
		}
		p.data = p.data[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, p.data)
	p.data = grown
	return nil
}

// Append appends b to the end of the buffer, reallocating if necessary
// (fails on a borrowed buffer that has no headroom).
func (p *Buf) Append(b []byte) error {
	if p.borrowed && len(p.data)+len(b) > cap(p.data) {
		return ErrBorrowedGrow
	}
	p.data = append(p.data, b...)
	return nil
}

// Insert inserts b at pos, shifting trailing bytes right.
func (p *Buf) Insert(pos int, b []byte) error {
	if pos < 0 || pos > len(p.data) {
		return ErrOutOfRange
	}
	if p.borrowed && len(p.data)+len(b) > cap(p.data) {
		return ErrBorrowedGrow
	}
	grown := make([]byte, len(p.data)+len(b))
	copy(grown, p.data[:pos])
	copy(grown[pos:], b)
	copy(grown[pos+len(b):], p.data[pos:])
	if p.borrowed {
		p.data = p.data[:len(grown)]
		copy(p.data, grown)
	} else {
		p.data = grown
	}
	if p.pos >= pos {
		p.pos += len(b)
	}
	return nil
}

// Seek repositions the cursor. Fails if the resulting position would lie
// outside [0, Len()].
func (p *Buf) Seek(whence int, offset int64) (int, error) {
	var target int64
	switch whence {
	case SeekStart:
		target = offset
	case SeekCurrent:
		target = int64(p.pos) + offset
	case SeekEnd:
		target = int64(len(p.data)) + offset
	default:
		return 0, ErrBadSeek
	}
	if target < 0 || target > int64(len(p.data)) {
		return 0, ErrBadSeek
	}
	p.pos = int(target)
	return p.pos, nil
}

func byteOrder(littleEndian bool) binary.ByteOrder {
	if littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (p *Buf) checkRemaining(n int) error {
	if p.pos+n > len(p.data) {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortAccessor, n, len(p.data)-p.pos)
	}
	return nil
}

// GetU8 reads a byte at the cursor and advances it.
func (p *Buf) GetU8() (uint8, error) {
	if err := p.checkRemaining(1); err != nil {
		return 0, err
	}
	v := p.data[p.pos]
	p.pos++
	return v, nil
}

// PutU8 writes a byte at the cursor, growing the buffer if needed.
func (p *Buf) PutU8(v uint8) error {
	return p.putN(1, func(b []byte) { b[0] = v })
}

// GetU16 reads a 2-byte integer with the given endianness.
func (p *Buf) GetU16(littleEndian bool) (uint16, error) {
	if err := p.checkRemaining(2); err != nil {
		return 0, err
	}
	v := byteOrder(littleEndian).Uint16(p.data[p.pos:])
	p.pos += 2
	return v, nil
}

// PutU16 writes a 2-byte integer with the given endianness.
func (p *Buf) PutU16(v uint16, littleEndian bool) error {
	return p.putN(2, func(b []byte) { byteOrder(littleEndian).PutUint16(b, v) })
}

// GetU32 reads a 4-byte integer with the given endianness.
func (p *Buf) GetU32(littleEndian bool) (uint32, error) {
	if err := p.checkRemaining(4); err != nil {
		return 0, err
	}
	v := byteOrder(littleEndian).Uint32(p.data[p.pos:])
	p.pos += 4
	return v, nil
}

// PutU32 writes a 4-byte integer with the given endianness.
func (p *Buf) PutU32(v uint32, littleEndian bool) error {
	return p.putN(4, func(b []byte) { byteOrder(littleEndian).PutUint32(b, v) })
}

// GetU64 reads an 8-byte integer with the given endianness.
func (p *Buf) GetU64(littleEndian bool) (uint64, error) {
	if err := p.checkRemaining(8); err != nil {
		return 0, err
	}
	v := byteOrder(littleEndian).Uint64(p.data[p.pos:])
	p.pos += 8
	return v, nil
}

// PutU64 writes an 8-byte integer with the given endianness.
func (p *Buf) PutU64(v uint64, littleEndian bool) error {
	return p.putN(8, func(b []byte) { byteOrder(littleEndian).PutUint64(b, v) })
}

func (p *Buf) putN(n int, write func([]byte)) error {
	if p.pos+n > len(p.data) {
		if err := p.Resize(p.pos + n); err != nil {
			return err
		}
	}
	write(p.data[p.pos : p.pos+n])
	p.pos += n
	return nil
}

// GetU8s reads n bytes as a slice of uint8 (a plain byte copy).
func (p *Buf) GetU8s(n int) ([]byte, error) {
	if err := p.checkRemaining(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.data[p.pos:p.pos+n])
	p.pos += n
	return out, nil
}

// PutU8s writes a slice of bytes verbatim.
func (p *Buf) PutU8s(v []byte) error {
	return p.putN(len(v), func(b []byte) { copy(b, v) })
}

// GetU16s reads n uint16 values.
func (p *Buf) GetU16s(n int, littleEndian bool) ([]uint16, error) {
	if err := p.checkRemaining(n * 2); err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	bo := byteOrder(littleEndian)
	for i := 0; i < n; i++ {
		out[i] = bo.Uint16(p.data[p.pos+i*2:])
	}
	p.pos += n * 2
	return out, nil
}

// PutU16s writes a slice of uint16 values.
func (p *Buf) PutU16s(v []uint16, littleEndian bool) error {
	bo := byteOrder(littleEndian)
	return p.putN(len(v)*2, func(b []byte) {
		for i, x := range v {
			bo.PutUint16(b[i*2:], x)
		}
	})
}

// GetBoolean reads a single byte and interprets any non-zero value as true.
func (p *Buf) GetBoolean() (bool, error) {
	v, err := p.GetU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// GetBoolean16 reads a 2-byte value and interprets any non-zero value as
// true (some wire formats pad booleans to 16 bits for alignment).
func (p *Buf) GetBoolean16(littleEndian bool) (bool, error) {
	v, err := p.GetU16(littleEndian)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
