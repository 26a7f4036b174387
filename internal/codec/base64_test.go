// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"testing"
)

func TestBase64RoundTrip(t *testing.T) {
	input := []byte("ingyombingyom")
	encoded := EncodeBytes(input)
	if string(encoded) != "aW5neW9tYmluZ3lvbQ==" {
		t.Fatalf("encode = %q, want %q", encoded, "aW5neW9tYmluZ3lvbQ==")
	}
	decoded, err := DecodeBytes(encoded, false)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if !bytes.Equal(decoded, input) {
		t.Fatalf("decode = %q, want %q", decoded, input)
	}
}

func TestBase64EncoderPartialReadsWithLineLength(t *testing.T) {
	e := NewEncoder(20)
	if err := e.Transform([]byte("ingyombingyom")); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var got []byte
	for len(e.Result()) > 0 {
		got = append(got, e.Drain(4)...)
	}
	if string(got) != "aW5neW9tYmluZ3lvbQ==\r\n" {
		t.Fatalf("partial-read concatenation = %q, want %q", got, "aW5neW9tYmluZ3lvbQ==\r\n")
	}
}

func TestBase64DecodeSuccess(t *testing.T) {
	if _, err := DecodeBytes([]byte("AAA="), false); err != nil {
		t.Fatalf("DecodeBytes(AAA=): %v", err)
	}
}

func TestBase64DecodeErrorCases(t *testing.T) {
	cases := []string{"AA=A", "A===", "A!AA"}
	for _, c := range cases {
		if _, err := DecodeBytes([]byte(c), false); err == nil {
			t.Fatalf("DecodeBytes(%q): expected an error", c)
		}
	}

	d := NewDecoder(false)
	if err := d.Transform([]byte("AA==")); err != nil {
		t.Fatalf("Transform(AA==): %v", err)
	}
	if err := d.Transform([]byte("more")); err == nil {
		t.Fatal("expected an error for data following a closing '='")
	}
}

func TestBase64DecodeTolerantSkipsIllegalByte(t *testing.T) {
	// "ingyombingyom" encoded with one illegal byte (\xff) spliced into the
	// middle of the base64 text; a tolerant decoder must skip it and still
	// recover the original 13 bytes.
	input := []byte("aW5neW9tYm\xffluZ3lvbQ==")
	decoded, err := DecodeBytes(input, true)
	if err != nil {
		t.Fatalf("DecodeBytes (tolerant): %v", err)
	}
	if string(decoded) != "ingyombingyom" {
		t.Fatalf("decode (tolerant) = %q, want %q", decoded, "ingyombingyom")
	}
}

func TestBase64FinishRequiresZeroPhaseUnlessTolerant(t *testing.T) {
	d := NewDecoder(false)
	if err := d.Transform([]byte("AAA")); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if err := d.Finish(); err == nil {
		t.Fatal("expected Finish to fail on a truncated, unpadded group")
	}

	tolerant := NewDecoder(true)
	if err := tolerant.Transform([]byte("AAA")); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if err := tolerant.Finish(); err != nil {
		t.Fatalf("Finish (tolerant): %v", err)
	}
}
