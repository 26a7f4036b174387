// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"net"
	"testing"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
)

func TestConnectorStartBlockSuccess(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	remote := zaddr.NewIPv4(tcpAddr.IP, tcpAddr.Port)
	c := NewConnector(nil, remote, 2*time.Second)

	s, err := c.StartBlock()
	if err != nil {
		t.Fatalf("StartBlock: %v", err)
	}
	defer s.Close()
}

func TestConnectorStartCallback(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	remote := zaddr.NewIPv4(tcpAddr.IP, tcpAddr.Port)
	c := NewConnector(nil, remote, 2*time.Second)

	done := make(chan error, 1)
	c.Start(func(s *Stream, _ *zaddr.Addr, err error) {
		if s != nil {
			s.Close()
		}
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("callback error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connector callback")
	}
}

func TestConnectorRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens here now

	remote := zaddr.NewIPv4(tcpAddr.IP, tcpAddr.Port)
	c := NewConnector(nil, remote, 2*time.Second)

	_, err = c.StartBlock()
	if err == nil {
		t.Fatal("expected connection error, got nil")
	}
}

func TestConnectorCancelSuppressesCallback(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	remote := zaddr.NewIPv4(tcpAddr.IP, tcpAddr.Port)
	c := NewConnector(nil, remote, 2*time.Second)

	fired := make(chan struct{}, 1)
	c.Start(func(s *Stream, _ *zaddr.Addr, err error) {
		fired <- struct{}{}
	})
	c.Cancel()

	// Cancel joins the in-flight dial goroutine, so by the time it returns
	// the callback (reporting ErrCanceled) has already fired — this must
	// never block waiting for it.
	select {
	case <-fired:
	default:
		t.Fatal("expected Cancel to have already joined the callback invocation")
	}

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(time.Second):
	}
}
