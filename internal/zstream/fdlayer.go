// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/kkovaacs/libzorpll-sub000/internal/zsock"
)

// FDLayer wraps a raw net.Conn (or anything satisfying syscall.Conn) at the
// bottom of a stack. It is the only layer that talks to the OS directly;
// every layer above it is a pure transform.
type FDLayer struct {
	conn        net.Conn
	nonBlocking bool
	limiter     *rate.Limiter
	closed      bool
}

// NewFDLayer wraps conn as the bottom of a stream stack.
func NewFDLayer(conn net.Conn) *FDLayer {
	return &FDLayer{conn: conn}
}

func (f *FDLayer) Name() string { return "fd" }

// Read calls the OS read primitive. A zero-byte read that returns no error
// is treated as EOF; a read deadline that expires surfaces as StatusAgain.
func (f *FDLayer) Read(buf []byte) (int, Status, error) {
	n, err := f.conn.Read(buf)
	if n == 0 && err == nil {
		return 0, StatusEof, nil
	}
	if err != nil {
		if isAgain(err) {
			return n, StatusAgain, ErrAgain
		}
		if errors.Is(err, syscall.EINTR) {
			return f.Read(buf)
		}
		if isEOF(err) {
			return n, StatusEof, nil
		}
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

func (f *FDLayer) Write(buf []byte) (int, Status, error) {
	if f.limiter != nil {
		reservation := f.limiter.ReserveN(time.Now(), min(len(buf), f.limiter.Burst()))
		if !reservation.OK() {
			return 0, StatusAgain, ErrAgain
		}
		time.Sleep(reservation.Delay())
	}
	n, err := f.conn.Write(buf)
	if err != nil {
		if isAgain(err) {
			return n, StatusAgain, ErrAgain
		}
		if errors.Is(err, syscall.EINTR) {
			return f.Write(buf)
		}
		return n, StatusError, err
	}
	return n, StatusOk, nil
}

func (f *FDLayer) Shutdown(mode ShutdownMode) error {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	hc, ok := f.conn.(halfCloser)
	if !ok {
		if mode == ShutdownBoth {
			return f.conn.Close()
		}
		return nil
	}
	switch mode {
	case ShutdownRead:
		return hc.CloseRead()
	case ShutdownWrite:
		return hc.CloseWrite()
	default:
		if err := hc.CloseRead(); err != nil {
			return err
		}
		return hc.CloseWrite()
	}
}

func (f *FDLayer) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.conn.Close()
}

func (f *FDLayer) Ctrl(code CtrlCode, value any) (any, bool, error) {
	sc, isSyscallConn := f.conn.(syscall.Conn)
	switch code {
	case CtrlSetNonBlocking:
		nb, _ := value.(bool)
		f.nonBlocking = nb
		if isSyscallConn {
			return nil, true, zsock.SetNonBlocking(sc, nb)
		}
		return nil, true, nil
	case CtrlSetKeepAlive:
		ka, _ := value.(bool)
		if isSyscallConn {
			return nil, true, zsock.SetKeepAlive(sc, ka)
		}
		return nil, true, nil
	case CtrlGetFD:
		return f.conn, true, nil
	case CtrlSetRateLimit:
		bytesPerSec, _ := value.(int64)
		if bytesPerSec <= 0 {
			f.limiter = nil
			return nil, true, nil
		}
		burst := int(bytesPerSec)
		if burst > 256*1024 {
			burst = 256 * 1024
		}
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
		return nil, true, nil
	}
	return nil, false, nil
}

func (f *FDLayer) UmbrellaFlags() Direction { return DirRead | DirWrite }

func (f *FDLayer) WatchPrepare() (time.Duration, bool) { return 0, false }
func (f *FDLayer) WatchDispatch() bool                 { return true }

func (f *FDLayer) ExtraSize() int { return 1 }
func (f *FDLayer) ExtraSave() []byte {
	if f.nonBlocking {
		return []byte{1}
	}
	return []byte{0}
}
func (f *FDLayer) ExtraRestore(b []byte) {
	if len(b) > 0 {
		f.nonBlocking = b[0] != 0
	}
}

func isAgain(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isEOF(err error) bool {
	return err != nil && err.Error() == "EOF"
}
