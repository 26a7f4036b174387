// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
)

func TestListenerAcceptsConnections(t *testing.T) {
	addr := zaddr.NewIPv4(net.ParseIP("127.0.0.1"), 0)
	l := NewListener(addr, 0)

	var mu sync.Mutex
	var accepted int

	done := make(chan struct{})
	err := l.Start(func(s *Stream, peer, local *zaddr.Addr) bool {
		defer s.Close()
		mu.Lock()
		accepted++
		n := accepted
		mu.Unlock()
		if n >= 3 {
			close(done)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Cancel()

	// Discover the actual bound port via the listener's Addr field isn't
	// populated (it only records the request), so redial through the
	// listener's underlying net.Listener address instead.
	boundAddr := l.ln.Addr().(*net.TCPAddr)

	for i := 0; i < 3; i++ {
		conn, dialErr := net.Dial("tcp4", boundAddr.String())
		if dialErr != nil {
			t.Fatalf("dial %d: %v", i, dialErr)
		}
		conn.Close()
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for 3 accepted connections")
	}
}

func TestListenerCancelStopsAcceptLoop(t *testing.T) {
	addr := zaddr.NewIPv4(net.ParseIP("127.0.0.1"), 0)
	l := NewListener(addr, 0)

	if err := l.Start(func(s *Stream, peer, local *zaddr.Addr) bool {
		s.Close()
		return true
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := l.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A second Cancel must be a safe no-op.
	if err := l.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

// TestListenerSuspendResume exercises spec.md §4.6's suspend/resume pair: a
// connection dialed while suspended must not reach the callback until
// Resume re-arms the accept loop, and the listener socket itself survives
// the suspension (no rebind/recreate needed).
func TestListenerSuspendResume(t *testing.T) {
	addr := zaddr.NewIPv4(net.ParseIP("127.0.0.1"), 0)
	l := NewListener(addr, 0)

	accepted := make(chan struct{}, 1)
	if err := l.Start(func(s *Stream, peer, local *zaddr.Addr) bool {
		defer s.Close()
		accepted <- struct{}{}
		return true
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Cancel()

	boundAddr := l.ln.Addr().(*net.TCPAddr)

	l.Suspend()
	// Give the accept loop a moment to reach waitWhileSuspended before
	// dialing, so this dial exercises the suspended path rather than racing
	// a connection that's already in flight through acceptBatch.
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp4", boundAddr.String())
	if err != nil {
		t.Fatalf("dial while suspended: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
		t.Fatal("callback fired for a connection accepted while suspended")
	case <-time.After(200 * time.Millisecond):
	}

	l.Resume()

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the callback after Resume")
	}
}
