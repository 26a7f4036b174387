// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zlog

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Facility/severity numbers from RFC 3164, the wire format spec.md §6
// names: "<PRI>Mon DD HH:MM:SS tag[pid]: message".
const (
	facilityDaemon = 3
	severityInfo   = 6
	severityErr    = 3
	severityDebug  = 7
)

// SyslogWriter writes directly to /dev/log, bypassing libc's syslog(3) —
// the workaround path spec.md §4.10/§6 describes for a libc bug in the
// native path. It supports both SOCK_STREAM and SOCK_DGRAM /dev/log
// implementations, trying datagram first (the common case on Linux) and
// falling back to stream.
type SyslogWriter struct {
	tag  string
	pid  int
	conn net.Conn
}

// NewSyslogWriter dials path (normally "/dev/log") as a Unix socket,
// preferring datagram mode and falling back to stream mode.
func NewSyslogWriter(path, tag string) (*SyslogWriter, error) {
	conn, err := net.Dial("unixgram", path)
	if err != nil {
		conn, err = net.Dial("unix", path)
		if err != nil {
			return nil, fmt.Errorf("zlog: dialing syslog socket %s: %w", path, err)
		}
	}
	return &SyslogWriter{tag: tag, pid: os.Getpid(), conn: conn}, nil
}

// Close releases the underlying socket.
func (w *SyslogWriter) Close() error { return w.conn.Close() }

// Write formats and sends one syslog record at the given zlog Level.
func (w *SyslogWriter) Write(level Level, message string) error {
	severity := severityInfo
	switch {
	case level <= 1:
		severity = severityErr
	case level >= 6:
		severity = severityDebug
	}
	pri := facilityDaemon*8 + severity
	line := fmt.Sprintf("<%d>%s %s[%d]: %s", pri, time.Now().Format(time.Stamp), w.tag, w.pid, message)
	_, err := w.conn.Write([]byte(line))
	return err
}
