// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
	"github.com/kkovaacs/libzorpll-sub000/internal/zsock"
)

// acceptBatchCap bounds how many connections a single readability dispatch
// will accept before yielding back to the loop, per spec.md §4.6.
const acceptBatchCap = 50

// ListenerCallback is invoked once per accepted connection. Returning false
// tells the accept loop to stop accepting further connections on this
// dispatch (and, since the listener only re-arms on the next readability
// event, effectively until the next one).
type ListenerCallback func(s *Stream, peer, localAddr *zaddr.Addr) bool

// Listener is an async accept helper: it binds, listens, and on every
// readability event accepts up to acceptBatchCap connections or until the
// wall-clock second changes, generalizing the teacher's backoff accept
// loop (internal/server/server.go's `for { conn, err := ln.Accept() ...}`)
// into a cancelable, batch-bounded primitive that hands the caller stream
// stacks instead of bare net.Conn.
type Listener struct {
	Addr  *zaddr.Addr
	Flags zaddr.BindFlags

	mu        sync.Mutex
	cond      *sync.Cond
	ln        net.Listener
	canceled  bool
	suspended bool

	wg sync.WaitGroup
}

// NewListener builds a Listener bound to addr; Start does the actual
// bind/listen.
func NewListener(addr *zaddr.Addr, flags zaddr.BindFlags) *Listener {
	l := &Listener{Addr: addr, Flags: flags}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// NewListenerFromFD wraps an externally-provided net.Listener (e.g. one
// inherited via systemd socket activation) instead of creating one.
func NewListenerFromFD(ln net.Listener) *Listener {
	l := &Listener{ln: ln}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Start binds (if not already wrapping an external listener) and begins
// the accept loop in a background goroutine, invoking cb for every accepted
// connection.
func (l *Listener) Start(cb ListenerCallback) error {
	l.mu.Lock()
	if l.ln == nil {
		ln, err := zsock.ListenTCP(l.Addr, l.Flags)
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("zstream: listener start: %w", err)
		}
		l.ln = ln
	}
	ln := l.ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln, cb)
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener, cb ListenerCallback) {
	defer l.wg.Done()

	consecutiveErrors := 0
	for {
		if l.waitWhileSuspended() {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			if l.isCanceled() {
				return
			}
			consecutiveErrors++
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			time.Sleep(delay)
			continue
		}
		consecutiveErrors = 0

		if l.isCanceled() {
			conn.Close()
			return
		}
		if l.isSuspended() {
			// Accepted while the suspend took effect; hold it undispatched
			// until Resume, or close it if the listener is canceled first.
			if l.waitWhileSuspended() {
				conn.Close()
				return
			}
		}

		l.acceptBatch(ln, conn, cb)
	}
}

// waitWhileSuspended blocks the accept loop while suspended is set,
// without closing the listener socket, so queued connections simply wait
// in the OS backlog until Resume re-arms it. It returns true if the
// listener was canceled instead of resumed.
func (l *Listener) waitWhileSuspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.suspended && !l.canceled {
		l.cond.Wait()
	}
	return l.canceled
}

// acceptBatch dispatches first and then further already-pending connections
// (non-blocking), acceptBatchCap in all, or stops early if the wall-clock
// second changes or cb returns false — the batching
// discipline spec.md §4.6 describes for a single readability dispatch.
func (l *Listener) acceptBatch(ln net.Listener, first net.Conn, cb ListenerCallback) {
	startSecond := time.Now().Second()
	conn := first
	for i := 0; i < acceptBatchCap; i++ {
		if l.isCanceled() {
			conn.Close()
			return
		}

		peer, local := addrsOf(conn)
		s := New("fd:accepted", NewFDLayer(conn))
		if !cb(s, peer, local) {
			return
		}

		if time.Now().Second() != startSecond {
			return
		}
		if i == acceptBatchCap-1 {
			return
		}

		// Try to pull one more already-queued connection without
		// blocking the readiness dispatch; anything not immediately
		// available is left for the next readability event.
		type deadliner interface {
			SetDeadline(time.Time) error
		}
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now())
		}
		next, err := ln.Accept()
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Time{})
		}
		if err != nil {
			return
		}
		conn = next
	}
}

func addrsOf(conn net.Conn) (peer, local *zaddr.Addr) {
	return addrFromNet(conn.RemoteAddr()), addrFromNet(conn.LocalAddr())
}

func addrFromNet(a net.Addr) *zaddr.Addr {
	switch v := a.(type) {
	case *net.TCPAddr:
		if v.IP.To4() != nil {
			return zaddr.NewIPv4(v.IP, v.Port)
		}
		return zaddr.NewIPv6(v.IP, v.Port)
	case *net.UnixAddr:
		return zaddr.NewUnix(v.Name)
	}
	return nil
}

func (l *Listener) isCanceled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canceled
}

func (l *Listener) isSuspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspended
}

// Suspend stops dispatching accepted connections to the callback without
// closing the listener socket: the accept loop blocks before its next
// Accept, leaving pending connections queued in the OS backlog until Resume
// re-arms it. A connection returned by an Accept already in progress is
// held, undispatched, until Resume.
func (l *Listener) Suspend() {
	l.mu.Lock()
	l.suspended = true
	l.mu.Unlock()
}

// Resume re-arms a suspended listener's accept loop without recreating the
// listener, per spec.md §4.6's suspend/resume requirement.
func (l *Listener) Resume() {
	l.mu.Lock()
	l.suspended = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Cancel takes the listener's mutex, marks it canceled so the accept loop
// exits at its next iteration, and closes the underlying socket. It
// guarantees no further user callbacks fire after it returns, mirroring
// the connector's cancellation contract.
func (l *Listener) Cancel() error {
	l.mu.Lock()
	if l.canceled {
		l.mu.Unlock()
		return nil
	}
	l.canceled = true
	ln := l.ln
	l.mu.Unlock()
	l.cond.Broadcast()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	l.wg.Wait()
	return err
}
