// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zstream

import "time"

// TeeDirection selects which direction a TeeLayer duplicates into its fork.
type TeeDirection int

const (
	TeeRead TeeDirection = iota
	TeeWrite
)

// TeeLayer duplicates one direction of traffic into a secondary stream
// (the "fork"), typically a blob-backed stream used for proxy content
// inspection.
type TeeLayer struct {
	child *Stream
	fork  *Stream
	dir   TeeDirection
}

// NewTeeLayer wraps child, duplicating dir into fork.
func NewTeeLayer(child, fork *Stream, dir TeeDirection) *TeeLayer {
	return &TeeLayer{child: child, fork: fork, dir: dir}
}

func (t *TeeLayer) Name() string { return "tee" }

func (t *TeeLayer) Read(buf []byte) (int, Status, error) {
	n, status, err := t.child.Read(buf)
	if n > 0 && t.dir == TeeRead {
		t.fork.WriteChunk(buf[:n])
	}
	return n, status, err
}

func (t *TeeLayer) Write(buf []byte) (int, Status, error) {
	n, status, err := t.child.Write(buf)
	if n > 0 && t.dir == TeeWrite {
		t.fork.WriteChunk(buf[:n])
	}
	return n, status, err
}

// Shutdown shuts down the child normally; if mode matches the duplicated
// direction, the fork is shut down too.
func (t *TeeLayer) Shutdown(mode ShutdownMode) error {
	err := t.child.Shutdown(mode)
	dupMode := ShutdownRead
	if t.dir == TeeWrite {
		dupMode = ShutdownWrite
	}
	if mode == dupMode || mode == ShutdownBoth {
		if ferr := t.fork.Shutdown(ShutdownBoth); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

func (t *TeeLayer) Close() error { return nil }

func (t *TeeLayer) Ctrl(code CtrlCode, value any) (any, bool, error) {
	return nil, false, nil
}

func (t *TeeLayer) UmbrellaFlags() Direction { return 0 }

func (t *TeeLayer) WatchPrepare() (time.Duration, bool) { return 0, false }
func (t *TeeLayer) WatchDispatch() bool                 { return true }

func (t *TeeLayer) ExtraSize() int        { return 0 }
func (t *TeeLayer) ExtraSave() []byte     { return nil }
func (t *TeeLayer) ExtraRestore(_ []byte) {}
