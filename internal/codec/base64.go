// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"errors"

	"github.com/kkovaacs/libzorpll-sub000/internal/zutil"
)

const stdAlphabet = zutil.Base64Alphabet

// decodeTable classifies each input byte: 0..63 is a data sextet, -1 is
// ignored whitespace, -2 marks the end-of-stream '=' pad, -3 is illegal.
var decodeTable = buildDecodeTable()

func buildDecodeTable() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -3
	}
	for i := 0; i < len(stdAlphabet); i++ {
		t[stdAlphabet[i]] = int8(i)
	}
	for _, ws := range []byte{' ', '\t', '\r', '\n'} {
		t[ws] = -1
	}
	t['='] = -2
	return t
}

// ErrIllegalByte is returned by the decoder on a non-alphabet,
// non-whitespace, non-'=' byte (unless the decoder is error-tolerant).
var ErrIllegalByte = errors.New("codec/base64: illegal byte")

// ErrMisplacedPad is returned when '=' appears in a phase where it is not
// legal (only phases 2 and 3 may end with padding), or when data follows a
// closing '='.
var ErrMisplacedPad = errors.New("codec/base64: '=' in illegal position")

// Encoder implements the three-phase base64 encode state machine. When
// LineLength is non-zero, a CRLF is inserted after every LineLength emitted
// characters.
type Encoder struct {
	base
	LineLength int

	phase    int
	pending  [3]byte
	lineCol  int
	finished bool
}

// NewEncoder creates a base64 encoder. lineLength of 0 disables line
// wrapping.
func NewEncoder(lineLength int) *Encoder {
	return &Encoder{LineLength: lineLength}
}

func (e *Encoder) emit(c byte) {
	e.emitChar(stdAlphabet[c])
}

// emitChar appends one output character (a sextet's letter or a '=' pad),
// inserting a CRLF once the current line reaches LineLength.
func (e *Encoder) emitChar(ch byte) {
	e.append([]byte{ch})
	if e.LineLength > 0 {
		e.lineCol++
		if e.lineCol == e.LineLength {
			e.append([]byte("\r\n"))
			e.lineCol = 0
		}
	}
}

// Transform appends input bytes, producing complete output sextets as soon
// as three input bytes have accumulated.
func (e *Encoder) Transform(input []byte) error {
	for _, b := range input {
		e.pending[e.phase] = b
		e.phase++
		if e.phase == 3 {
			e.emitGroup(e.pending[0], e.pending[1], e.pending[2], 3)
			e.phase = 0
		}
	}
	return nil
}

func (e *Encoder) emitGroup(b0, b1, b2 byte, n int) {
	e.emit(b0 >> 2)
	e.emit((b0&0x03)<<4 | b1>>4)
	if n >= 2 {
		e.emit((b1&0x0f)<<2 | b2>>6)
	}
	if n >= 3 {
		e.emit(b2 & 0x3f)
	}
}

// Finish writes the final partial group (with '=' padding) and, if the
// current line is non-empty, a terminating CRLF.
func (e *Encoder) Finish() error {
	if e.finished {
		return nil
	}
	e.finished = true

	switch e.phase {
	case 1:
		e.emit(e.pending[0] >> 2)
		e.emit((e.pending[0] & 0x03) << 4)
		e.emitChar('=')
		e.emitChar('=')
	case 2:
		e.emit(e.pending[0] >> 2)
		e.emit((e.pending[0]&0x03)<<4 | e.pending[1]>>4)
		e.emit((e.pending[1] & 0x0f) << 2)
		e.emitChar('=')
	}

	if e.LineLength > 0 && e.lineCol > 0 {
		e.append([]byte("\r\n"))
		e.lineCol = 0
	}
	return nil
}

// Decoder implements the four-phase base64 decode state machine.
// Tolerant, when true, makes illegal bytes and misplaced padding
// non-fatal: they are skipped rather than erroring.
type Decoder struct {
	base
	Tolerant bool

	phase   int
	pending [4]int8
	padded  bool
}

// NewDecoder creates a base64 decoder.
func NewDecoder(tolerant bool) *Decoder {
	return &Decoder{Tolerant: tolerant}
}

// Transform consumes encoded input a byte at a time, appending decoded
// bytes to the output buffer as each 4-sextet group completes.
func (d *Decoder) Transform(input []byte) error {
	for _, c := range input {
		class := decodeTable[c]
		switch class {
		case -1: // ignored whitespace
			continue
		case -2: // '=' end marker
			if d.phase != 2 && d.phase != 3 {
				d.errors++
				if !d.Tolerant {
					return ErrMisplacedPad
				}
				continue
			}
			if !d.padded {
				d.emitPartial()
			}
			d.padded = true
			d.phase++
			if d.phase == 4 {
				d.phase = 0
			}
			continue
		case -3: // illegal byte
			d.errors++
			if !d.Tolerant {
				return ErrIllegalByte
			}
			continue
		}

		if d.padded {
			// Data after a closing '=' is an error.
			d.errors++
			if !d.Tolerant {
				return ErrMisplacedPad
			}
			d.padded = false
		}

		d.pending[d.phase] = class
		d.phase++
		if d.phase == 4 {
			d.emitGroup()
			d.phase = 0
		}
	}
	return nil
}

func (d *Decoder) emitGroup() {
	p := d.pending
	out := []byte{
		byte(p[0])<<2 | byte(p[1])>>4,
		byte(p[1])<<4 | byte(p[2])>>2,
		byte(p[2])<<6 | byte(p[3]),
	}
	d.append(out)
}

// emitPartial flushes the bytes carried by a padded final group when its
// first '=' arrives: one byte after two sextets, two bytes after three.
func (d *Decoder) emitPartial() {
	p := d.pending
	out := []byte{byte(p[0])<<2 | byte(p[1])>>4}
	if d.phase == 3 {
		out = append(out, byte(p[1])<<4|byte(p[2])>>2)
	}
	d.append(out)
}

// Finish errors if the phase is not zero (a truncated group), unless the
// decoder is tolerant. It emits nothing itself: a padded final group's
// bytes are emitted when its '=' is read, and the sextets of an unpadded
// partial group are dropped.
func (d *Decoder) Finish() error {
	if d.phase != 0 {
		if !d.Tolerant {
			return ErrNotFinished
		}
		d.errors++
	}
	return nil
}

// DecodeBytes is a convenience one-shot decode used by tests and simple
// callers that do not need the streaming interface.
func DecodeBytes(input []byte, tolerant bool) ([]byte, error) {
	d := NewDecoder(tolerant)
	if err := d.Transform(input); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return d.Result(), nil
}

// EncodeBytes is a convenience one-shot encode with no line wrapping.
func EncodeBytes(input []byte) []byte {
	e := NewEncoder(0)
	_ = e.Transform(input)
	_ = e.Finish()
	return e.Result()
}
