// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package zsock wraps bind/connect/listen/accept with the capability- and
// policy-lifting the stream stack needs: SO_REUSEADDR for strict (non-loose) binds, a
// DSCP/TOS marking hook for outbound connections, and a single dial/listen
// entry point shared by the connector and listener.
package zsock

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
)

// SocketType selects the transport.
type SocketType int

const (
	SocketStream SocketType = iota
	SocketDgram
)

// ListenTCP binds and listens on addr, applying the address's bind-prepare
// hook and retry policy. For a Unix address the bind-prepare hook removes a
// stale socket file first; for other families it does nothing.
func ListenTCP(addr *zaddr.Addr, flags zaddr.BindFlags) (net.Listener, error) {
	if err := addr.BindPrepare(); err != nil {
		return nil, err
	}

	var ln net.Listener
	bindErr := addr.Bind(flags, func(a *zaddr.Addr, port int) error {
		network, laddr := networkAndAddrString(a, port)
		lc := net.ListenConfig{Control: controlFor(flags)}
		l, err := lc.Listen(context.Background(), network, laddr)
		if err != nil {
			return err
		}
		ln = l
		return nil
	})
	if bindErr != nil {
		return nil, fmt.Errorf("zsock: listen on %s: %w", addr, bindErr)
	}
	return ln, nil
}

// Dial connects to addr without applying any bind policy (bind policy is
// for listening sockets only).
func Dial(addr *zaddr.Addr) (net.Conn, error) {
	network, raddr := networkAndAddrString(addr, addr.Port())
	return net.Dial(network, raddr)
}

func networkAndAddrString(a *zaddr.Addr, port int) (network, addrStr string) {
	switch a.Family() {
	case zaddr.FamilyUnix:
		return "unix", a.String()[len("unix:"):]
	case zaddr.FamilyIPv6:
		return "tcp6", fmt.Sprintf("[%s]:%d", ipOf(a), port)
	default:
		return "tcp4", fmt.Sprintf("%s:%d", ipOf(a), port)
	}
}

func ipOf(a *zaddr.Addr) string {
	s := a.String()
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i]
		}
	}
	return s
}

// SetNonBlocking toggles O_NONBLOCK on the fd underlying conn, the same
// control the stream fd layer exposes via its ctrl() interface.
func SetNonBlocking(conn syscall.Conn, nonBlocking bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetNonblock(int(fd), nonBlocking)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetKeepAlive toggles SO_KEEPALIVE, mirroring the fd layer's "read TCP
// keep-alive" ctrl code.
func SetKeepAlive(conn syscall.Conn, enabled bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		v := 0
		if enabled {
			v = 1
		}
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, v)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetTOS sets the IP_TOS byte, the mechanism DSCP marking rides on. dscp is
// the 6-bit DSCP code point; it is shifted into the TOS byte's high bits.
func SetTOS(conn syscall.Conn, dscp int) error {
	if dscp == 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := dscp << 2
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	})
	if err != nil {
		return err
	}
	return opErr
}

func controlFor(flags zaddr.BindFlags) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			reuse := 0
			if flags&zaddr.BindLoose == 0 {
				// The strict policy enables address reuse; a loose bind
				// leaves it off (for an IPv4Range, zaddr.Addr.Bind also
				// widens the requested port to its whole group).
				reuse = 1
			}
			opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, reuse)
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
