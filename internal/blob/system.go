// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blob implements the memory/disk hybrid blob store: a pool of
// arbitrarily-sized byte payloads that live in memory while there is room
// and spill to disk under pressure, arbitrated by a single manager
// goroutine so allocation, swap-out, and swap-in decisions never race
// against each other.
//
// The manager/request-channel/per-blob-condvar design follows a
// backpressure pattern of a single owning goroutine serializing access to
// shared counters, with callers blocking on a condition variable rather
// than polling, generalized from a single ring buffer to an arbitrary pool
// of independently sized blobs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrResourceDenied is returned when an allocation cannot be satisfied even
// after waiting — by policy this is treated as fatal by callers, matching
// spec's ResourceDenied classification.
var ErrResourceDenied = errors.New("blob: resource denied")

// ErrSystemClosed is returned by any operation attempted after the system
// has been torn down.
var ErrSystemClosed = errors.New("blob: system closed")

// Config configures a System's capacity and swap-out pacing.
type Config struct {
	TmpDir string

	MemMax    int64
	DiskMax   int64
	Lowat     int64
	Hiwat     int64
	NoswapMax int64

	// SwapRateLimitBytesPerSec paces disk spill I/O; zero disables
	// limiting. Generalizes a throttled-writer pattern to the blob
	// system's swap-out path.
	SwapRateLimitBytesPerSec float64

	Logger *slog.Logger
}

// reqMsg is either an ordinary blob pointer or one of the two sentinels
// below, distinguished by pointer identity.
type reqMsg = *Blob

var (
	killSentinel     = &Blob{}
	memFreedSentinel = &Blob{}
)

// System is the manager and resource pool for a set of blobs.
type System struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	blobs    map[*Blob]struct{}
	waiting  []*Blob
	diskUsed int64
	memUsed  int64
	closed   bool

	reqCh   chan reqMsg
	started chan struct{}
	stopped chan struct{}

	limiter *rate.Limiter

	refMu    sync.Mutex
	refCount int32

	// inflight counts operations in progress, so Unref's teardown can wait
	// for racing alloc/get_file/new calls to settle first.
	inflight sync.WaitGroup
}

// New constructs a System, spawning its manager goroutine and blocking
// until the manager announces it is running.
func New(cfg Config) (*System, error) {
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o700); err != nil {
		return nil, fmt.Errorf("blob: creating tmp dir: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.SwapRateLimitBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SwapRateLimitBytesPerSec), int(cfg.SwapRateLimitBytesPerSec))
	}

	s := &System{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "blob"),
		blobs:    map[*Blob]struct{}{},
		reqCh:    make(chan reqMsg, 64),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		limiter:  limiter,
		refCount: 1,
	}
	go s.run()
	<-s.started
	return s, nil
}

// Ref increments the system's reference count.
func (s *System) Ref() *System {
	s.refMu.Lock()
	s.refCount++
	s.refMu.Unlock()
	return s
}

// Unref decrements the reference count; at zero it sends KILL, joins the
// manager, denies every waiter, and drops every remaining blob.
func (s *System) Unref() {
	s.refMu.Lock()
	s.refCount--
	last := s.refCount <= 0
	s.refMu.Unlock()
	if !last {
		return
	}

	s.inflight.Wait()
	s.reqCh <- killSentinel
	<-s.stopped
}

func (s *System) run() {
	close(s.started)
	for msg := range s.reqCh {
		switch msg {
		case killSentinel:
			s.handleKill()
			close(s.stopped)
			return
		case memFreedSentinel:
			s.processWaitingList()
			s.swapIn()
		default:
			s.dispatch(msg)
		}
	}
}

func (s *System) handleKill() {
	s.mu.Lock()
	s.closed = true
	for _, b := range s.waiting {
		b.mu.Lock()
		b.approved = false
		b.replied = true
		b.cond.Signal()
		b.mu.Unlock()
	}
	s.waiting = nil
	blobs := make([]*Blob, 0, len(s.blobs))
	for b := range s.blobs {
		blobs = append(blobs, b)
	}
	s.blobs = map[*Blob]struct{}{}
	s.mu.Unlock()

	for _, b := range blobs {
		b.destroyLocalFile()
	}
}

// enqueue hands a blob to the manager, queueing the client on its own
// reply condition variable under the blob's mutex before sending so no
// signal can be lost to a race with the manager's dispatch.
func (s *System) enqueue(b *Blob, delta int64) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSystemClosed
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	b.mu.Lock()
	b.allocReq = delta
	b.replied = false
	b.mu.Unlock()

	s.reqCh <- b

	b.mu.Lock()
	for !b.replied {
		b.cond.Wait()
	}
	approved := b.approved
	b.mu.Unlock()

	if !approved {
		return ErrResourceDenied
	}
	return nil
}

// dispatch runs check_alloc for a single blob request, queueing it on the
// waiting list when it cannot be satisfied immediately.
func (s *System) dispatch(b *Blob) {
	s.mu.Lock()
	decision := s.checkAllocLocked(b)
	switch decision {
	case decisionApprove:
		s.mu.Unlock()
		s.replyApprove(b)
	case decisionDeny:
		s.mu.Unlock()
		s.replyDeny(b)
	case decisionWait:
		s.waiting = append(s.waiting, b)
		s.mu.Unlock()
	}
}

func (s *System) replyApprove(b *Blob) {
	b.mu.Lock()
	delta := b.allocReq
	b.approved = true
	b.replied = true
	b.cond.Signal()
	b.mu.Unlock()

	if delta < 0 {
		s.reqCh <- memFreedSentinel
	}
}

func (s *System) replyDeny(b *Blob) {
	b.mu.Lock()
	b.approved = false
	b.replied = true
	b.cond.Signal()
	b.mu.Unlock()
}

func (s *System) processWaitingList() {
	s.mu.Lock()
	remaining := s.waiting[:0]
	toSignal := []*Blob(nil)
	approvals := []bool(nil)
	for _, b := range s.waiting {
		switch s.checkAllocLocked(b) {
		case decisionApprove:
			toSignal = append(toSignal, b)
			approvals = append(approvals, true)
		case decisionDeny:
			toSignal = append(toSignal, b)
			approvals = append(approvals, false)
		default:
			remaining = append(remaining, b)
		}
	}
	s.waiting = remaining
	s.mu.Unlock()

	for i, b := range toSignal {
		b.mu.Lock()
		b.approved = approvals[i]
		b.replied = true
		b.cond.Signal()
		b.mu.Unlock()
	}
}

type decision int

const (
	decisionApprove decision = iota
	decisionDeny
	decisionWait
)

// checkAllocLocked implements spec's check_alloc decision table. Callers
// hold s.mu; delta (b.allocReq) and the blob's in-file/locked/alloc_size
// fields are read without the blob's own mutex because only the manager
// goroutine ever mutates them after creation.
func (s *System) checkAllocLocked(b *Blob) decision {
	delta := b.allocReq
	memFree := s.cfg.MemMax - s.memUsed
	diskFree := s.cfg.DiskMax - s.diskUsed
	req := b.allocSize + delta

	switch {
	case b.isInFile && diskFree >= delta:
		s.diskUsed += delta
		b.allocSize += delta
		return decisionApprove

	case !b.isInFile && delta <= 0:
		s.memUsed += delta
		b.allocSize += delta
		return decisionApprove

	case !b.isInFile && delta > 0 && delta <= memFree:
		s.memUsed += delta
		b.allocSize += delta
		return decisionApprove

	case !b.isInFile && delta > 0 && req <= diskFree && !b.storageLocked:
		b.mu.Lock()
		err := s.swapOutBothLocked(b)
		b.mu.Unlock()
		if err != nil {
			s.log.Error("swap-out failed during growth, aborting process", "error", err)
			panic(fmt.Sprintf("blob: catastrophic swap-out failure: %v", err))
		}
		// swapOutBothLocked already charged mem_used down by the blob's
		// pre-growth alloc_size; disk_used must absorb that same amount
		// plus the new delta so the in-memory/on-disk sums stay exact.
		s.diskUsed += req
		b.allocSize += delta
		return decisionApprove

	case !b.isInFile && delta > 0 && req > memFree+diskFree:
		return decisionDeny

	default:
		return decisionWait
	}
}

// swapOutBothLocked moves b's in-memory buffer to a spill file. Caller
// holds both s.mu and b.mu. A write or seek failure aborts the process —
// the payload has been lost mid-flight and the proxy session cannot
// continue coherently, per spec's catastrophic I/O handling.
func (s *System) swapOutBothLocked(b *Blob) error {
	f, err := os.CreateTemp(s.cfg.TmpDir, "blob_*")
	if err != nil {
		return fmt.Errorf("blob: creating spill file: %w", err)
	}

	data := b.data
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), clampBurst(len(data), s.limiter.Burst())); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("blob: rate limiter: %w", err)
		}
	}

	written := 0
	for written < len(data) {
		n, err := f.Write(data[written:])
		written += n
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("blob: writing spill file: %w", err)
		}
	}

	b.file = f
	b.fileName = f.Name()
	b.isInFile = true
	b.data = nil
	b.swapCount++

	s.memUsed -= b.allocSize
	s.log.Debug("blob swapped out", "blob", b.fileName, "size", b.allocSize)
	return nil
}

// swapOutViaOps forces an out-of-band swap-out (GetFile's "forces
// swap-out" requirement), outside the alloc/growth path. Caller holds s.mu
// and b.mu.
func (s *System) swapOutViaOps(b *Blob) error {
	if b.isInFile {
		return nil
	}
	if err := s.swapOutBothLocked(b); err != nil {
		return err
	}
	s.diskUsed += b.allocSize
	return nil
}

func clampBurst(n, burst int) int {
	if burst <= 0 {
		return n
	}
	if n > burst {
		return burst
	}
	return n
}

// swapIn runs the manager's fetch-in scan: only while mem_used < lowat and
// disk_used >= hiwat, repeatedly picking the on-disk, unlocked blob with
// the highest access-frequency score that fits in the freed headroom.
func (s *System) swapIn() {
	for {
		s.mu.Lock()
		if s.memUsed >= s.cfg.Lowat || s.diskUsed < s.cfg.Hiwat {
			s.mu.Unlock()
			return
		}
		headroom := s.cfg.Hiwat - s.memUsed

		var best *Blob
		var bestScore float64
		now := time.Now()
		for b := range s.blobs {
			b.mu.Lock()
			eligible := b.isInFile && !b.storageLocked && b.allocSize <= headroom
			var score float64
			if eligible {
				elapsed := now.Sub(b.lastAccessed).Seconds()
				if elapsed < 1 {
					elapsed = 1
				}
				score = float64(b.reqRd+b.reqWr) / elapsed
			}
			b.mu.Unlock()
			if eligible && (best == nil || score > bestScore) {
				best = b
				bestScore = score
			}
		}
		if best == nil {
			s.mu.Unlock()
			return
		}

		if err := s.swapInOneLocked(best); err != nil {
			s.log.Error("swap-in failed, aborting process", "error", err)
			s.mu.Unlock()
			panic(fmt.Sprintf("blob: catastrophic swap-in failure: %v", err))
		}
		s.mu.Unlock()
	}
}

func (s *System) swapInOneLocked(b *Blob) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := make([]byte, b.allocSize)
	if _, err := b.file.ReadAt(data[:b.size], 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading spill file for swap-in: %w", err)
	}
	if err := b.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating spill file: %w", err)
	}
	b.file.Close()
	os.Remove(b.fileName)

	b.data = data
	b.file = nil
	b.fileName = ""
	b.isInFile = false
	b.swapCount++

	s.diskUsed -= b.allocSize
	s.memUsed += b.allocSize
	s.log.Debug("blob swapped in", "size", b.allocSize)
	return nil
}

// register/unregister add and drop a blob from the system's live-blob list.
func (s *System) register(b *Blob) {
	s.mu.Lock()
	s.blobs[b] = struct{}{}
	s.mu.Unlock()
}

func (s *System) unregister(b *Blob) {
	s.mu.Lock()
	delete(s.blobs, b)
	s.mu.Unlock()
}

// Stats reports the system-wide memory/disk usage: sum(alloc_size) over
// in-memory/on-disk blobs.
func (s *System) Stats() (memUsed, diskUsed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memUsed, s.diskUsed
}
