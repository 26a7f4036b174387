// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"crypto/tls"
	"io"
	"net"
	"time"
)

// streamConn adapts a child *Stream to net.Conn so crypto/tls (which only
// speaks net.Conn, not the original's BIO-bridge abstraction) can sit on
// top of an arbitrary stream stack.
type streamConn struct {
	s          *Stream
	localAddr  net.Addr
	remoteAddr net.Addr
}

func (c *streamConn) Read(b []byte) (int, error) {
	n, status, err := c.s.Read(b)
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

func (c *streamConn) Write(b []byte) (int, error) {
	n, status, err := c.s.WriteChunk(b)
	if status != StatusOk && err == nil {
		err = io.ErrShortWrite
	}
	return n, err
}

func (c *streamConn) Close() error                       { return c.s.Close() }
func (c *streamConn) LocalAddr() net.Addr                 { return c.localAddr }
func (c *streamConn) RemoteAddr() net.Addr                { return c.remoteAddr }
func (c *streamConn) SetDeadline(t time.Time) error       { return nil }
func (c *streamConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *streamConn) SetWriteDeadline(t time.Time) error  { return nil }

// SSLShutdownTimeout is the hard-wired bound on the blocking TLS
// close_notify exchange. Exposed as a variable, per spec.md's design-notes
// open question, rather than compiled in.
var SSLShutdownTimeout = 1 * time.Second

// SSLLayer bridges a child stream to a crypto/tls session, reproducing the
// original's "retry read-as-write / write-as-read" dance for TLS's
// asymmetric renegotiation needs implicitly via Go's tls.Conn, which
// already performs that internally against the net.Conn interface.
type SSLLayer struct {
	child *Stream
	conn  *tls.Conn
	isServer bool
}

// NewSSLLayerClient wraps child as a TLS client using cfg.
func NewSSLLayerClient(child *Stream, cfg *tls.Config) *SSLLayer {
	adapter := &streamConn{s: child}
	return &SSLLayer{child: child, conn: tls.Client(adapter, cfg)}
}

// NewSSLLayerServer wraps child as a TLS server using cfg.
func NewSSLLayerServer(child *Stream, cfg *tls.Config) *SSLLayer {
	adapter := &streamConn{s: child}
	return &SSLLayer{child: child, conn: tls.Server(adapter, cfg), isServer: true}
}

func (l *SSLLayer) Name() string { return "ssl" }

func (l *SSLLayer) Handshake() error { return l.conn.Handshake() }

func (l *SSLLayer) Read(buf []byte) (int, Status, error) {
	n, err := l.conn.Read(buf)
	if err == io.EOF {
		return n, StatusEof, nil
	}
	if err == ErrAgain {
		return n, StatusAgain, ErrAgain
	}
	if err != nil {
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

func (l *SSLLayer) Write(buf []byte) (int, Status, error) {
	n, err := l.conn.Write(buf)
	if err != nil {
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

// Shutdown closes the TLS connection, which sends close_notify and closes
// the child through the adapter, waiting at most SSLShutdownTimeout for
// that; it then shuts down the child in mode. The child's blocking mode is
// not changed.
func (l *SSLLayer) Shutdown(mode ShutdownMode) error {
	done := make(chan error, 1)
	go func() { done <- l.conn.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(SSLShutdownTimeout):
		// Timed out waiting for close_notify; proceed with a plain
		// shutdown of the child so the fd is not leaked.
	}
	return l.child.Shutdown(mode)
}

func (l *SSLLayer) Close() error {
	return l.conn.Close()
}

func (l *SSLLayer) Ctrl(code CtrlCode, value any) (any, bool, error) {
	if code == CtrlGetFD {
		return l.conn.ConnectionState(), true, nil
	}
	return nil, false, nil
}

func (l *SSLLayer) UmbrellaFlags() Direction { return DirRead | DirWrite }

func (l *SSLLayer) WatchPrepare() (time.Duration, bool) { return 0, false }
func (l *SSLLayer) WatchDispatch() bool                 { return true }

func (l *SSLLayer) ExtraSize() int        { return 0 }
func (l *SSLLayer) ExtraSave() []byte     { return nil }
func (l *SSLLayer) ExtraRestore(_ []byte) {}
