// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"bytes"
	"net"
	"testing"
)

// TestGzipLayerRoundTrip exercises spec.md's gzip testable property:
// inflate(deflate(X)) == X, driven through the layer's own duplex
// Write/Read rather than the underlying library directly.
func TestGzipLayerRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	writerChild := New("fd:w", NewFDLayer(c1))
	readerChild := New("fd:r", NewFDLayer(c2))

	gw := NewGzipLayer(writerChild, false)
	gr := NewGzipLayer(readerChild, false)

	input := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 50)

	writeDone := make(chan error, 1)
	go func() {
		if _, _, err := gw.Write(input); err != nil {
			writeDone <- err
			return
		}
		writeDone <- gw.Shutdown(ShutdownWrite)
	}()

	var got []byte
	buf := make([]byte, 4096)
	for {
		n, status, err := gr.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if status == StatusEof {
			break
		}
		if status == StatusError {
			t.Fatalf("gr.Read: %v", err)
		}
	}

	if err := <-writeDone; err != nil {
		t.Fatalf("writer goroutine: %v", err)
	}
	if !bytes.Equal(got, input) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(input))
	}
}
