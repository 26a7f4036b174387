// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package poll is a thin wrapper over a cooperative event loop, exposing
// the attach/remove/quit/wakeup surface the stream stack, connector, and
// listener need without committing to a specific reactor implementation.
// Go's runtime scheduler already multiplexes blocking I/O across
// goroutines, so Loop's job is narrower than a libevent-style multiplexer:
// it gives every attached source a single place to register its
// prepare/dispatch cycle and gives the host a single place to quit them
// all, generalizing a "close channel + WaitGroup" shutdown pattern into a
// reusable registry.
package poll

import (
	"sync"
	"time"
)

// Source mirrors the three-call poll contract every stream layer
// implements: Prepare reports whether the source is already ready and, if
// not, the longest the loop should wait before checking again; Dispatch
// runs the source's work and reports whether the loop should keep
// watching it.
type Source interface {
	Prepare() (timeout time.Duration, ready bool)
	Dispatch() (keepWatching bool)
}

// defaultPollInterval bounds how long Attach's goroutine sleeps between
// Prepare calls when a source reports no readiness and either no timeout
// (e.g. an idle listener) or one longer than this.
const defaultPollInterval = 200 * time.Millisecond

// Loop owns a set of attached sources and a single goroutine per source
// that loops Prepare/Dispatch until the source detaches itself, the loop
// is told to Quit, or the individual detach function is called.
type Loop struct {
	mu      sync.Mutex
	sources map[*attachment]struct{}
	quit    chan struct{}
	woken   chan struct{}
	closed  bool
}

type attachment struct {
	src    Source
	cancel chan struct{}
}

// NewLoop constructs an empty, running Loop.
func NewLoop() *Loop {
	return &Loop{
		sources: make(map[*attachment]struct{}),
		quit:    make(chan struct{}),
		woken:   make(chan struct{}),
	}
}

// Attach registers src and starts its prepare/dispatch cycle on a dedicated
// goroutine. The returned detach function is equivalent to the original's
// z_stream_detach_source for this one source; it is safe to call more than
// once.
func (l *Loop) Attach(src Source) (detach func()) {
	a := &attachment{src: src, cancel: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() {}
	}
	l.sources[a] = struct{}{}
	l.mu.Unlock()

	go l.run(a)

	var once sync.Once
	return func() {
		once.Do(func() { close(a.cancel) })
		l.remove(a)
	}
}

func (l *Loop) run(a *attachment) {
	defer l.remove(a)
	for {
		timeout, ready := a.src.Prepare()
		if !ready {
			wait := timeout
			if wait <= 0 || wait > defaultPollInterval {
				wait = defaultPollInterval
			}
			l.mu.Lock()
			woken := l.woken
			l.mu.Unlock()
			select {
			case <-l.quit:
				return
			case <-a.cancel:
				return
			case <-woken:
			case <-time.After(wait):
			}
			continue
		}

		select {
		case <-l.quit:
			return
		case <-a.cancel:
			return
		default:
		}

		if !a.src.Dispatch() {
			return
		}
	}
}

func (l *Loop) remove(a *attachment) {
	l.mu.Lock()
	delete(l.sources, a)
	l.mu.Unlock()
}

// Wakeup immediately re-evaluates every source currently blocked in its
// Prepare wait, the cooperative-loop equivalent of the original's
// z_poll_wakeup interrupting a blocking poll(2). It broadcasts by closing
// the current generation's channel (waking every waiter at once) and
// swapping in a fresh one.
func (l *Loop) Wakeup() {
	l.mu.Lock()
	close(l.woken)
	l.woken = make(chan struct{})
	l.mu.Unlock()
}

// Quit stops dispatching every attached source. It does not block waiting
// for in-flight Dispatch calls to finish; callers needing that guarantee
// should use their own WaitGroup (as the stream stack's Close chain and the
// connector/listener Cancel methods already do).
func (l *Loop) Quit() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.quit)
}

// Count reports how many sources are currently attached, for diagnostics.
func (l *Loop) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
