// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zlog

import (
	"context"
	"log/slog"
)

// fanOutHandler dispatches every record to two handlers, checking each
// one's Enabled() independently so a DEBUG record is not sent to a handler
// that only accepts INFO and above. Adapted directly from the teacher's
// internal/logging.fanOutHandler (used there to tee a session's records to
// both the global log and a per-session file); here it backs
// NewTeeHandler, which lets a host combine, e.g., a stderr handler and a
// syslog-backed handler under a single zlog.Logger.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

// NewTeeHandler returns an slog.Handler that fans every record out to both
// primary and secondary.
func NewTeeHandler(primary, secondary slog.Handler) slog.Handler {
	return &fanOutHandler{primary: primary, secondary: secondary}
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}
