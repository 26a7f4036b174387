// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zaddr

import (
	"errors"
	"net"
	"os"
	"testing"
)

func TestAddrEqual(t *testing.T) {
	a := NewIPv4(net.ParseIP("127.0.0.1"), 8080)
	b := NewIPv4(net.ParseIP("127.0.0.1"), 8080)
	c := NewIPv4(net.ParseIP("127.0.0.1"), 9090)
	if !a.Equal(b) {
		t.Fatal("expected identical IPv4 addrs to be equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different ports to be unequal")
	}

	u1 := NewUnix("/tmp/a.sock")
	u2 := NewUnix("/tmp/a.sock")
	u3 := NewUnix("/tmp/b.sock")
	if !u1.Equal(u2) || u1.Equal(u3) {
		t.Fatal("unix addr equality by path failed")
	}

	if a.Equal(u1) {
		t.Fatal("addrs of different families must never be equal")
	}
}

func TestAddrString(t *testing.T) {
	a := NewIPv4(net.ParseIP("10.0.0.1"), 53)
	if got, want := a.String(), "10.0.0.1:53"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	r := NewIPv4Range(net.ParseIP("10.0.0.1"), 2000, 2100)
	if got, want := r.String(), "10.0.0.1:2000-2100"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	u := NewUnix("/tmp/x.sock")
	if got, want := u.String(), "unix:/tmp/x.sock"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestBindPrepareRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.sock"

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	ln.Close() // leaves the socket file behind, as a crashed process would

	a := NewUnix(path)
	if err := a.BindPrepare(); err != nil {
		t.Fatalf("BindPrepare: %v", err)
	}
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Fatalf("expected stale socket file to be removed, stat err = %v", err)
	}
}

func TestBindPrepareNoOpForNonUnixFamily(t *testing.T) {
	a := NewIPv4(net.ParseIP("127.0.0.1"), 1234)
	if err := a.BindPrepare(); err != nil {
		t.Fatalf("BindPrepare on IPv4 addr should be a no-op, got %v", err)
	}
}

func TestBindFixedPort(t *testing.T) {
	a := NewIPv4(net.ParseIP("127.0.0.1"), 4242)
	var gotPort int
	err := a.Bind(0, func(addr *Addr, port int) error {
		gotPort = port
		return nil
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if gotPort != 4242 {
		t.Fatalf("Bind tried port %d, want 4242", gotPort)
	}
}

func TestBindRangeLinearScanSkipsInUsePorts(t *testing.T) {
	// The cursor (lastPort) starts at portMin itself, so the first
	// candidate tried is portMin+1, not portMin.
	r := NewIPv4Range(net.ParseIP("127.0.0.1"), 3000, 3005)
	var tried []int
	err := r.Bind(0, func(addr *Addr, port int) error {
		tried = append(tried, port)
		if port == 3003 {
			return nil
		}
		return errors.New("in use")
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(tried) != 3 || tried[0] != 3001 || tried[1] != 3002 || tried[2] != 3003 {
		t.Fatalf("Bind tried %v, want [3001 3002 3003]", tried)
	}
}

func TestBindRangeExhausted(t *testing.T) {
	r := NewIPv4Range(net.ParseIP("127.0.0.1"), 3000, 3002)
	err := r.Bind(0, func(addr *Addr, port int) error {
		return errors.New("in use")
	})
	if !errors.Is(err, ErrRangeExhausted) {
		t.Fatalf("Bind = %v, want ErrRangeExhausted", err)
	}
}

func TestBindRangeCursorAdvancesAcrossCalls(t *testing.T) {
	r := NewIPv4Range(net.ParseIP("127.0.0.1"), 3000, 3005)
	var tried []int
	try := func(addr *Addr, port int) error {
		tried = append(tried, port)
		return nil
	}
	if err := r.Bind(0, try); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if err := r.Bind(0, try); err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	if tried[0] != 3001 || tried[1] != 3002 {
		t.Fatalf("expected cursor to advance past last successful port, got %v", tried)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if IsAddrInUse(errors.New("some other error")) {
		t.Fatal("unrelated error must not be reported as EADDRINUSE")
	}
}
