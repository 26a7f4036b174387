// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package zlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ThreadCache is a worker-scoped verbosity cache: resolving a tag's
// threshold on a hot logging path should not contend the shared map every
// call. NewThreadCache and Release fit threadpool.Pool's OnStart/OnStop
// hooks; the pool itself does not create or release caches. It stands in
// for the per-OS-thread cache the original keeps since Go goroutines are
// not a stable unit to key a cache by.
type ThreadCache struct {
	mu         sync.Mutex
	generation int64
	cache      map[string]Level
}

// NewThreadCache allocates an empty per-worker cache tagged with the
// logger's current spec generation.
func (l *Logger) NewThreadCache() *ThreadCache {
	return &ThreadCache{
		generation: atomic.LoadInt64(&l.generation),
		cache:      make(map[string]Level),
	}
}

// Release drops a worker's cache.
func (l *Logger) Release(c *ThreadCache) {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// LogCached behaves like Log but resolves tag's verbosity through c instead
// of the shared cache. If c predates the logger's current spec generation
// (a SetSpec/SetGlobal happened since c was last used), it is cleared
// before the lookup, matching "caches are cleared on every spec change".
func (l *Logger) LogCached(ctx context.Context, c *ThreadCache, tag string, level Level, format string, args ...any) {
	gen := atomic.LoadInt64(&l.generation)

	c.mu.Lock()
	if c.generation != gen {
		c.cache = make(map[string]Level)
		c.generation = gen
	}
	v, ok := c.cache[tag]
	c.mu.Unlock()

	if !ok {
		v = l.match(tag)
		c.mu.Lock()
		c.cache[tag] = v
		c.mu.Unlock()
	}
	if level > v {
		return
	}
	l.Logger.LogAttrs(ctx, slogLevelFor(level), fmt.Sprintf(format, args...), slog.String("tag", tag))
}
