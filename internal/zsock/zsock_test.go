// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zsock

import (
	"net"
	"testing"

	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
)

func TestListenTCPLoopback(t *testing.T) {
	addr := zaddr.NewIPv4(net.ParseIP("127.0.0.1"), 0)
	ln, err := ListenTCP(addr, zaddr.BindLoose)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	if ln.Addr() == nil {
		t.Fatalf("expected bound address")
	}
}

func TestListenUnixRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.sock"

	addr := zaddr.NewUnix(path)
	ln, err := ListenTCP(addr, 0)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	// Keep the socket file on Close so the second listen meets a stale one.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	// Re-listening on the same path must succeed because BindPrepare
	// unlinks the stale socket file left behind by the first listener.
	ln2, err := ListenTCP(addr, 0)
	if err != nil {
		t.Fatalf("ListenTCP (second): %v", err)
	}
	ln2.Close()
}
