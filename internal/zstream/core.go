// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package zstream implements the composable, reference-counted duplex-I/O
// stream stack: a chain of layers (fd, buf, line, ssl, gzip, blob, tee)
// sharing a uniform read/write/shutdown/poll contract, plus the connector
// and listener helpers that create the bottom of the stack from a dialed or
// accepted socket.
package zstream

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/pbuf"
)

// Status is the outcome of a single Read/Write call on a layer.
type Status int

const (
	StatusOk Status = iota
	StatusAgain
	StatusEof
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusAgain:
		return "again"
	case StatusEof:
		return "eof"
	default:
		return "error"
	}
}

// ErrAgain is returned alongside StatusAgain from non-blocking operations
// that would otherwise block.
var ErrAgain = errors.New("zstream: operation would block")

// ShutdownMode selects which half of the duplex connection to shut down.
type ShutdownMode int

const (
	ShutdownRead ShutdownMode = iota
	ShutdownWrite
	ShutdownBoth
)

// Direction is a bitmask over the two data directions a layer can claim as
// its "umbrella": the direction it fully absorbs, shielding layers below it
// from that direction's callers.
type Direction int

const (
	DirRead Direction = 1 << iota
	DirWrite
)

// CtrlCode identifies a generic, typed stream control message. Codes with
// the Forward bit set are applied at the layer that receives them AND
// propagated to the child; codes without it are local-only (unless the
// layer does not recognize the code at all, in which case it is always
// forwarded).
type CtrlCode int

// ForwardBit, when set in a CtrlCode's high bit position, marks the code
// as "apply locally then forward to child".
const ForwardBit CtrlCode = 1 << 30

const (
	CtrlSetNonBlocking CtrlCode = iota
	CtrlSetCloseOnExec
	CtrlSetKeepAlive
	CtrlGetFD
	CtrlSetRateLimit
	CtrlFetchGzipHeader

	CtrlGetLineEOL CtrlCode = 100 | ForwardBit
	CtrlSetLineEOL CtrlCode = 101 | ForwardBit
)

// Layer is the contract every concrete stream layer implements. A Stream
// wraps exactly one Layer and, optionally, one child Stream beneath it.
type Layer interface {
	Name() string
	Read(buf []byte) (int, Status, error)
	Write(buf []byte) (int, Status, error)
	Shutdown(mode ShutdownMode) error
	Close() error

	// Ctrl handles a code this layer recognizes locally. ok is false if the
	// layer has no handler for code, in which case the core forwards the
	// request to the child unconditionally.
	Ctrl(code CtrlCode, value any) (result any, ok bool, err error)

	// UmbrellaFlags reports which directions this layer fully absorbs.
	UmbrellaFlags() Direction

	// WatchPrepare reports whether the layer is already ready without
	// polling, and the longest the caller should wait otherwise.
	WatchPrepare() (timeout time.Duration, ready bool)
	// WatchDispatch runs after the child's poll source fires; it returns
	// false when the layer wants to stop being watched (e.g. on EOF).
	WatchDispatch() (keepWatching bool)

	// ExtraSize/ExtraSave/ExtraRestore serialize layer-private state across
	// a context save/restore cycle (e.g. a line framer's partial buffer, an
	// fd layer's non-blocking flag).
	ExtraSize() int
	ExtraSave() []byte
	ExtraRestore([]byte)
}

// eventWant bundles a single direction's registered callback.
type eventWant struct {
	callback func(s *Stream)
	userData any
	destroy  func(any)
	active   bool
}

func (w *eventWant) clear() {
	if w.active && w.destroy != nil {
		w.destroy(w.userData)
	}
	*w = eventWant{}
}

// Stream is a node in the duplex pipe: it owns exactly one Layer and has at
// most one child Stream. Structural references (structRefs) are distinct
// from ordinary references (objRefs) so that an event source and the
// application can each drop their handle independently without freeing
// state the other still uses.
type Stream struct {
	mu sync.Mutex

	name     string
	layer    Layer
	child    *Stream
	parent   *Stream
	openTime time.Time

	sent     uint64
	received uint64
	timeout  time.Duration

	wantRead  eventWant
	wantWrite eventWant
	wantPri   eventWant

	ungot []*pbuf.Buf

	objRefs   int32
	structRef int32

	attached bool
}

// New wraps layer as a fresh, unattached, single-node stream.
func New(name string, layer Layer) *Stream {
	return &Stream{
		name:     name,
		layer:    layer,
		openTime: time.Now(),
		objRefs:  1,
	}
}

// Name returns the stream's diagnostic name (typically "<layer>:<child>").
func (s *Stream) Name() string { return s.name }

// Layer exposes the concrete layer backing this node, for layer-specific
// accessors (e.g. the line layer's GetLine).
func (s *Stream) Layer() Layer { return s.layer }

// Child returns the stream directly beneath this one, or nil at the bottom
// of the stack.
func (s *Stream) Child() *Stream { return s.child }

// Ref increments the object reference count and returns the same stream.
func (s *Stream) Ref() *Stream {
	s.mu.Lock()
	s.objRefs++
	s.mu.Unlock()
	return s
}

// Unref decrements the object reference count. It does not release the
// child; that only happens when the structural refcount reaches zero via
// Close.
func (s *Stream) Unref() {
	s.mu.Lock()
	s.objRefs--
	s.mu.Unlock()
}

// Push makes newTop the new top of the stack, consuming one reference to
// the previous top (top) and returning one reference to newTop.
func Push(top *Stream, newTop *Stream) *Stream {
	newTop.child = top
	top.parent = newTop
	newTop.structRef++
	return newTop
}

// Pop removes the current top of the stack and returns what is now on top
// (possibly nil if top had no child).
func Pop(top *Stream) *Stream {
	child := top.child
	top.child = nil
	if child != nil {
		child.parent = nil
	}
	return child
}

// SetTimeout records the timeout for blocking operations on this layer (-1
// infinite, 0 non-blocking, >0 bounded). It is kept with the stream and
// saved/restored with its context; Stream's own Read and Write do not
// apply it.
func (s *Stream) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Timeout returns the configured timeout.
func (s *Stream) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Counters returns bytes sent and received so far.
func (s *Stream) Counters() (sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.received
}

// UmbrellaState reports, for a given direction, whether this layer is the
// umbrella (the topmost layer claiming that direction): umbrella_flags of
// this layer minus whatever directions a layer above already shadows.
func (s *Stream) UmbrellaState(dir Direction) bool {
	if s.layer.UmbrellaFlags()&dir == 0 {
		return false
	}
	for p := s.parent; p != nil; p = p.parent {
		if p.layer.UmbrellaFlags()&dir != 0 {
			return false
		}
	}
	return true
}

// Unget pushes bytes back onto the read side; the next Read drains ungot
// data first, most recently ungot packet first, splitting a packet if only
// part of it is needed.
func (s *Stream) Unget(b []byte) {
	s.UngetPacket(pbuf.FromBytes(b))
}

// UngetPacket pushes an already-allocated packet buffer back onto the read
// side.
func (s *Stream) UngetPacket(p *pbuf.Buf) {
	s.mu.Lock()
	s.ungot = append([]*pbuf.Buf{p}, s.ungot...)
	s.mu.Unlock()
}

// Read drains ungot data first, then delegates to the layer.
func (s *Stream) Read(buf []byte) (int, Status, error) {
	s.mu.Lock()
	if len(s.ungot) > 0 {
		p := s.ungot[0]
		avail := p.Len() - p.Pos()
		n := len(buf)
		if n > avail {
			n = avail
		}
		data, err := p.GetU8s(n)
		if err != nil {
			s.mu.Unlock()
			return 0, StatusError, err
		}
		copy(buf, data)
		if p.Pos() >= p.Len() {
			s.ungot = s.ungot[1:]
		}
		s.received += uint64(n)
		s.mu.Unlock()
		return n, StatusOk, nil
	}
	s.mu.Unlock()

	n, status, err := s.layer.Read(buf)
	if n > 0 {
		s.mu.Lock()
		s.received += uint64(n)
		s.mu.Unlock()
	}
	return n, status, err
}

// Write delegates to the layer and tallies bytes sent on success.
func (s *Stream) Write(buf []byte) (int, Status, error) {
	n, status, err := s.layer.Write(buf)
	if n > 0 {
		s.mu.Lock()
		s.sent += uint64(n)
		s.mu.Unlock()
	}
	return n, status, err
}

// ReadChunk retries Read until n bytes have been read, EOF, or an error.
func (s *Stream) ReadChunk(buf []byte) (int, Status, error) {
	total := 0
	for total < len(buf) {
		n, status, err := s.Read(buf[total:])
		total += n
		if status == StatusAgain {
			return total, StatusAgain, err
		}
		if status == StatusEof {
			return total, StatusEof, err
		}
		if status == StatusError {
			return total, StatusError, err
		}
		if n == 0 {
			return total, StatusEof, io.EOF
		}
	}
	return total, StatusOk, nil
}

// WriteChunk retries Write until all of buf has been written or an error
// occurs.
func (s *Stream) WriteChunk(buf []byte) (int, Status, error) {
	total := 0
	for total < len(buf) {
		n, status, err := s.Write(buf[total:])
		total += n
		if status != StatusOk {
			return total, status, err
		}
		if n == 0 {
			return total, StatusError, errors.New("zstream: write made no progress")
		}
	}
	return total, StatusOk, nil
}

// Shutdown initiates a directional (or full) shutdown on the layer.
func (s *Stream) Shutdown(mode ShutdownMode) error {
	return s.layer.Shutdown(mode)
}

// Close tears down the structural chain: it releases this node's structural
// reference, and once it reaches zero, closes the layer and recurses into
// the child.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.structRef--
	release := s.structRef <= 0
	s.mu.Unlock()

	if !release {
		return nil
	}

	err := s.layer.Close()
	s.wantRead.clear()
	s.wantWrite.clear()
	s.wantPri.clear()

	if s.child != nil {
		if cerr := s.child.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Ctrl dispatches a generic control message. If the layer does not
// recognize code, or code carries ForwardBit, the request also propagates
// to the child.
func (s *Stream) Ctrl(code CtrlCode, value any) (any, error) {
	result, ok, err := s.layer.Ctrl(code, value)
	if err != nil {
		return nil, err
	}

	forward := code&ForwardBit != 0 || !ok
	if forward && s.child != nil {
		childResult, childErr := s.child.Ctrl(code&^ForwardBit, value)
		if !ok {
			return childResult, childErr
		}
		if childErr != nil {
			return result, childErr
		}
	}
	return result, nil
}

// AttachedSource reports whether this stack is attached to a poll loop.
func (s *Stream) AttachedSource() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// markAttached is used by AttachSource and the detach function it returns.
func (s *Stream) markAttached(v bool) {
	s.mu.Lock()
	if v {
		s.structRef++
	} else if s.structRef > 0 {
		s.structRef--
	}
	s.attached = v
	s.mu.Unlock()
}

// MarkAttached is the exported form of markAttached; it is equivalent to
// calling attach_source/detach_source in the original.
func (s *Stream) MarkAttached(v bool) { s.markAttached(v) }

// SavedContext captures everything Context save/restore needs: the three
// callback registrations, the timeout, and the layer's private extra state.
type SavedContext struct {
	wantRead  eventWant
	wantWrite eventWant
	wantPri   eventWant
	timeout   time.Duration
	extra     []byte
}

// SaveContext detaches the stream's own callbacks (nulling them so a racing
// dispatch cannot fire into a stale owner) and returns a snapshot for later
// RestoreContext.
func (s *Stream) SaveContext() *SavedContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := &SavedContext{
		wantRead:  s.wantRead,
		wantWrite: s.wantWrite,
		wantPri:   s.wantPri,
		timeout:   s.timeout,
		extra:     s.layer.ExtraSave(),
	}
	s.wantRead = eventWant{}
	s.wantWrite = eventWant{}
	s.wantPri = eventWant{}
	return ctx
}

// RestoreContext re-establishes a snapshot taken by SaveContext.
func (s *Stream) RestoreContext(ctx *SavedContext) {
	s.mu.Lock()
	s.wantRead = ctx.wantRead
	s.wantWrite = ctx.wantWrite
	s.wantPri = ctx.wantPri
	s.timeout = ctx.timeout
	s.mu.Unlock()
	s.layer.ExtraRestore(ctx.extra)
}

// SetWantRead registers (or clears, if cb is nil) the read-readiness
// callback.
func (s *Stream) SetWantRead(cb func(*Stream), userData any, destroy func(any)) {
	s.mu.Lock()
	s.wantRead.clear()
	s.wantRead = eventWant{callback: cb, userData: userData, destroy: destroy, active: cb != nil}
	s.mu.Unlock()
}

// SetWantWrite registers (or clears) the write-readiness callback.
func (s *Stream) SetWantWrite(cb func(*Stream), userData any, destroy func(any)) {
	s.mu.Lock()
	s.wantWrite.clear()
	s.wantWrite = eventWant{callback: cb, userData: userData, destroy: destroy, active: cb != nil}
	s.mu.Unlock()
}

// fireRead and fireWrite are invoked by WatchDispatch.
func (s *Stream) fireRead() {
	s.mu.Lock()
	w := s.wantRead
	s.mu.Unlock()
	if w.active && w.callback != nil {
		w.callback(s)
	}
}

func (s *Stream) fireWrite() {
	s.mu.Lock()
	w := s.wantWrite
	s.mu.Unlock()
	if w.active && w.callback != nil {
		w.callback(s)
	}
}

// WatchPrepare forwards to the layer's WatchPrepare; used by poll.Loop
// through AttachSource.
func (s *Stream) WatchPrepare() (time.Duration, bool) {
	return s.layer.WatchPrepare()
}

// WatchDispatch runs the layer's dispatch hook and then fires the registered
// read and write callbacks; the poll loop calls it only after WatchPrepare
// reported the stream ready. It returns false when the poll loop should
// stop watching this stream (layer requested it, e.g. on a fatal error).
func (s *Stream) WatchDispatch() bool {
	keep := s.layer.WatchDispatch()
	s.fireRead()
	s.fireWrite()
	return keep
}
