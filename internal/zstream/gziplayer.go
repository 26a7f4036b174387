// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"bytes"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// GzipLayer is a duplex gzip layer: a compressor on write, an inflater on
// read, over the standard RFC 1952 file format (header, raw deflate, CRC32
// + ISIZE trailer). It uses klauspost/compress's drop-in gzip implementation
// for throughput, same as the rest of this codebase leans on klauspost for
// compression-heavy paths.
type GzipLayer struct {
	child *Stream

	writeEmptyHeader bool
	header           gzip.Header

	zr         *gzip.Reader
	zw         *gzip.Writer
	headerSeen bool
	readBuf    bytes.Buffer
	childR     *childReader
	writeErr   error
}

// childReader adapts a *Stream to io.Reader for gzip.NewReader, which wants
// a pull-based interface rather than our Status-returning Read.
type childReader struct {
	s *Stream
}

func (c *childReader) Read(p []byte) (int, error) {
	n, status, err := c.s.Read(p)
	switch status {
	case StatusEof:
		return n, io.EOF
	case StatusAgain:
		if err == nil {
			err = ErrAgain
		}
		return n, err
	case StatusError:
		return n, err
	}
	return n, nil
}

// childWriter adapts a *Stream to io.Writer for gzip.NewWriter.
type childWriter struct {
	s *Stream
}

func (c *childWriter) Write(p []byte) (int, error) {
	n, status, err := c.s.WriteChunk(p)
	if status != StatusOk && err == nil {
		err = io.ErrShortWrite
	}
	return n, err
}

// NewGzipLayer wraps child with gzip framing. The first Write always emits
// the header; writeEmptyHeader makes Shutdown emit a header and trailer
// when nothing was ever written.
func NewGzipLayer(child *Stream, writeEmptyHeader bool) *GzipLayer {
	return &GzipLayer{child: child, writeEmptyHeader: writeEmptyHeader, childR: &childReader{s: child}}
}

// SetHeaderFields sets the name/comment/extra/modtime fields written into
// the gzip header on first write.
func (g *GzipLayer) SetHeaderFields(name, comment string, extra []byte, modTime time.Time) {
	g.header.Name = name
	g.header.Comment = comment
	g.header.Extra = extra
	g.header.ModTime = modTime
}

// FetchHeader explicitly parses the gzip header before any data has been
// consumed by Read, used by protocol sniffing that wants to inspect header
// fields without reading payload bytes yet.
func (g *GzipLayer) FetchHeader() (*gzip.Header, error) {
	if g.zr == nil {
		zr, err := gzip.NewReader(g.childR)
		if err != nil {
			return nil, err
		}
		zr.Multistream(false)
		g.zr = zr
		g.headerSeen = true
	}
	return &g.zr.Header, nil
}

func (g *GzipLayer) Name() string { return "gzip" }

func (g *GzipLayer) Read(buf []byte) (int, Status, error) {
	if g.zr == nil {
		zr, err := gzip.NewReader(g.childR)
		if err == io.EOF {
			return 0, StatusEof, nil
		}
		if err == ErrAgain {
			return 0, StatusAgain, ErrAgain
		}
		if err != nil {
			return 0, StatusError, err
		}
		// One gzip member per stream: EOF comes at its trailer.
		zr.Multistream(false)
		g.zr = zr
		g.headerSeen = true
	}
	n, err := g.zr.Read(buf)
	if err == io.EOF {
		if n > 0 {
			return n, StatusOk, nil
		}
		return 0, StatusEof, nil
	}
	if err == ErrAgain {
		return n, StatusAgain, ErrAgain
	}
	if err != nil {
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

func (g *GzipLayer) Write(buf []byte) (int, Status, error) {
	if g.zw == nil {
		g.zw = gzip.NewWriter(&childWriter{s: g.child})
		g.zw.Header = g.header
	}
	n, err := g.zw.Write(buf)
	if err != nil {
		g.writeErr = err
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

func (g *GzipLayer) Shutdown(mode ShutdownMode) error {
	if mode != ShutdownRead && g.zw == nil && g.writeEmptyHeader {
		g.zw = gzip.NewWriter(&childWriter{s: g.child})
		g.zw.Header = g.header
	}
	if g.zw != nil {
		if err := g.zw.Close(); err != nil {
			return err
		}
	}
	if g.zr != nil {
		g.zr.Close()
	}
	return g.child.Shutdown(mode)
}

func (g *GzipLayer) Close() error {
	if g.zw != nil {
		g.zw.Close()
	}
	if g.zr != nil {
		g.zr.Close()
	}
	return nil
}

func (g *GzipLayer) Ctrl(code CtrlCode, value any) (any, bool, error) {
	if code&^ForwardBit == CtrlFetchGzipHeader {
		hdr, err := g.FetchHeader()
		return hdr, true, err
	}
	return nil, false, nil
}

func (g *GzipLayer) UmbrellaFlags() Direction { return DirRead | DirWrite }

func (g *GzipLayer) WatchPrepare() (time.Duration, bool) { return 0, false }
func (g *GzipLayer) WatchDispatch() bool                 { return true }

func (g *GzipLayer) ExtraSize() int        { return 0 }
func (g *GzipLayer) ExtraSave() []byte     { return nil }
func (g *GzipLayer) ExtraRestore(_ []byte) {}
