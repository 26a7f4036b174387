// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import (
	"time"

	"github.com/kkovaacs/libzorpll-sub000/internal/poll"
)

// pollAdapter satisfies poll.Source purely in terms of the Stream's own
// WatchPrepare/WatchDispatch methods, so the stream stack and the poll
// loop stay decoupled (zstream never imports poll except here, and poll
// never imports zstream at all).
type pollAdapter struct{ s *Stream }

func (p pollAdapter) Prepare() (timeout time.Duration, ready bool) { return p.s.WatchPrepare() }
func (p pollAdapter) Dispatch() bool                               { return p.s.WatchDispatch() }

// AttachSource attaches the top of the stack to loop, marking it
// structurally referenced until the returned detach function runs — the Go
// analogue of z_stream_attach_source/z_stream_detach_source.
func (s *Stream) AttachSource(loop *poll.Loop) (detach func()) {
	s.markAttached(true)
	loopDetach := loop.Attach(pollAdapter{s})
	return func() {
		loopDetach()
		s.markAttached(false)
	}
}
