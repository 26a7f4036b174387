// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/zaddr"
)

// ErrCanceled is passed to a Connector's pending callback when Cancel wins
// the race against an in-flight dial. StartBlock does not observe Cancel.
var ErrCanceled = errors.New("zstream: connector canceled")

// ConnectorCallback receives the dialed stream (as an fd-layer Stream) on
// success, or a nil stream and non-nil err on failure. It is never invoked
// after Cancel has returned.
type ConnectorCallback func(s *Stream, remote *zaddr.Addr, err error)

// Connector is an async dial helper: given a remote (and optionally a
// local) address it opens a non-blocking socket, initiates connect(2), and
// invokes a user callback once the result is known — either because the
// connect succeeded, failed, or the configured timeout elapsed. This
// generalizes the teacher's dialWithContext/net.Dialer call sites
// (internal/agent/backup.go, internal/agent/control_channel.go) into a
// reusable, cancelable primitive that hands back a stream stack instead of
// a bare net.Conn.
type Connector struct {
	Local   *zaddr.Addr
	Remote  *zaddr.Addr
	Timeout time.Duration

	mu        sync.Mutex
	canceled  bool
	completed bool

	wg sync.WaitGroup
}

// NewConnector builds a Connector targeting remote, optionally binding
// local first. A zero Timeout means no deadline.
func NewConnector(local, remote *zaddr.Addr, timeout time.Duration) *Connector {
	return &Connector{Local: local, Remote: remote, Timeout: timeout}
}

// Start dials asynchronously and invokes cb exactly once, from a background
// goroutine standing in for the event loop's writability watch the
// original registers on the connecting fd. Start returns immediately.
func (c *Connector) Start(cb ConnectorCallback) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s, err := c.dial()
		c.mu.Lock()
		canceled := c.canceled
		c.completed = true
		c.mu.Unlock()
		if canceled {
			if s != nil {
				s.Close()
			}
			cb(nil, c.Remote, ErrCanceled)
			return
		}
		cb(s, c.Remote, err)
	}()
}

// StartBlock runs the dial synchronously, bounded by c.Timeout, mirroring
// the original's poll/select-bounded synchronous variant.
func (c *Connector) StartBlock() (*Stream, error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.dialContext(ctx)
}

// Cancel guarantees that cb will not be invoked after Cancel returns: it
// marks the connector canceled so an in-flight dial's result is discarded
// (and any opened fd closed) rather than delivered, then joins the dial
// goroutine so a cb(nil, _, ErrCanceled) already underway is guaranteed to
// complete before Cancel returns, mirroring Listener.Cancel's wg.Wait join.
func (c *Connector) Cancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Connector) dial() (*Stream, error) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.dialContext(ctx)
}

func (c *Connector) dialContext(ctx context.Context) (*Stream, error) {
	network, addr, err := networkAddrOf(c.Remote)
	if err != nil {
		return nil, err
	}

	d := &net.Dialer{}
	if c.Local != nil {
		if la, err := localTCPAddr(c.Local); err == nil {
			d.LocalAddr = la
		}
	}

	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("zstream: connect to %s: %w", c.Remote, err)
	}
	return New("fd:connector", NewFDLayer(conn)), nil
}

func networkAddrOf(a *zaddr.Addr) (network, addr string, err error) {
	switch a.Family() {
	case zaddr.FamilyUnix:
		return "unix", a.String()[len("unix:"):], nil
	case zaddr.FamilyIPv6:
		return "tcp6", a.String(), nil
	case zaddr.FamilyIPv4, zaddr.FamilyIPv4Range:
		return "tcp4", a.String(), nil
	}
	return "", "", fmt.Errorf("zstream: unsupported remote address family for %s", a)
}

func localTCPAddr(a *zaddr.Addr) (*net.TCPAddr, error) {
	switch a.Family() {
	case zaddr.FamilyIPv4, zaddr.FamilyIPv6:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return nil, err
		}
		return &net.TCPAddr{IP: net.ParseIP(host), Port: a.Port()}, nil
	}
	return nil, fmt.Errorf("zstream: unsupported local address family for %s", a)
}
