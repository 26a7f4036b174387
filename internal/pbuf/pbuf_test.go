// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pbuf

import (
	"bytes"
	"testing"
)

func TestTypedRoundTrip(t *testing.T) {
	cases := []struct {
		name         string
		littleEndian bool
	}{
		{"big-endian", false},
		{"little-endian", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(16)
			if err := p.Resize(15); err != nil {
				t.Fatalf("Resize: %v", err)
			}
			if _, err := p.Seek(SeekStart, 0); err != nil {
				t.Fatalf("Seek: %v", err)
			}

			if err := p.PutU8(0x7f); err != nil {
				t.Fatalf("PutU8: %v", err)
			}
			if err := p.PutU16(0xbeef, tc.littleEndian); err != nil {
				t.Fatalf("PutU16: %v", err)
			}
			if err := p.PutU32(0xdeadbeef, tc.littleEndian); err != nil {
				t.Fatalf("PutU32: %v", err)
			}
			if err := p.PutU64(0x0102030405060708, tc.littleEndian); err != nil {
				t.Fatalf("PutU64: %v", err)
			}

			if _, err := p.Seek(SeekStart, 0); err != nil {
				t.Fatalf("Seek: %v", err)
			}
			u8, err := p.GetU8()
			if err != nil || u8 != 0x7f {
				t.Fatalf("GetU8 = %v, %v", u8, err)
			}
			u16, err := p.GetU16(tc.littleEndian)
			if err != nil || u16 != 0xbeef {
				t.Fatalf("GetU16 = %v, %v", u16, err)
			}
			u32, err := p.GetU32(tc.littleEndian)
			if err != nil || u32 != 0xdeadbeef {
				t.Fatalf("GetU32 = %v, %v", u32, err)
			}
			u64, err := p.GetU64(tc.littleEndian)
			if err != nil || u64 != 0x0102030405060708 {
				t.Fatalf("GetU64 = %v, %v", u64, err)
			}
		})
	}
}

func TestShortAccessorFails(t *testing.T) {
	p := FromBytes([]byte{0x01, 0x02})
	if _, err := p.GetU32(false); err == nil {
		t.Fatalf("expected short-accessor error")
	}
}

func TestSeekOutOfRangeFails(t *testing.T) {
	p := FromBytes([]byte{1, 2, 3})
	if _, err := p.Seek(SeekStart, 10); err == nil {
		t.Fatalf("expected seek out of range error")
	}
	if _, err := p.Seek(SeekStart, -1); err == nil {
		t.Fatalf("expected seek out of range error")
	}
}

func TestPartBorrowedCannotGrow(t *testing.T) {
	parent := FromBytes([]byte("ingyombingyom"))
	part, err := parent.Part(3, 4)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if !bytes.Equal(part.Bytes(), []byte("yomb")) {
		t.Fatalf("unexpected part content: %q", part.Bytes())
	}
	if err := part.Append([]byte("x")); err == nil {
		t.Fatalf("expected borrowed append to fail")
	}
}

func TestCopyReallocates(t *testing.T) {
	p := New(2)
	if err := p.Copy([]byte("a much longer string than the initial capacity")); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if p.Len() != len("a much longer string than the initial capacity") {
		t.Fatalf("unexpected length after copy: %d", p.Len())
	}
}

func TestInsert(t *testing.T) {
	p := FromBytes([]byte("helloworld"))
	if err := p.Insert(5, []byte(" ")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !bytes.Equal(p.Bytes(), []byte("hello world")) {
		t.Fatalf("unexpected content: %q", p.Bytes())
	}
}
