// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// Child is the supervised unit: Run blocks until ctx is canceled or the
// child exits; Reload applies a configuration change signaled by SIGHUP
// without restarting the process.
type Child interface {
	Run(ctx context.Context) error
	Reload() error
}

// RestartPolicy bounds how a Supervisor restarts a crashed child: at most
// Max restarts (0 = unlimited), each preceded by Interval.
type RestartPolicy struct {
	Max      int
	Interval time.Duration
}

// Supervisor runs a Child under a restart policy, writes/removes a pidfile
// around its lifetime, and emits a heartbeat on a cron schedule —
// generalized from a signal loop that reacts to SIGTERM/SIGINT/SIGHUP and
// periodically reports via a ticker.
type Supervisor struct {
	Logger         *slog.Logger
	PIDFile        string
	Restart        RestartPolicy
	NotifyInterval time.Duration

	mu        sync.Mutex
	restarts  int
	windowEnd time.Time
}

// Run starts child, restarting it per Restart until the process receives
// SIGTERM/SIGINT or the restart budget is exhausted. SIGHUP calls
// child.Reload instead of restarting.
func (s *Supervisor) Run(child Child) error {
	if s.PIDFile != "" {
		if err := WritePIDFile(s.PIDFile); err != nil {
			return err
		}
		defer RemovePIDFile(s.PIDFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var heartbeat *cron.Cron
	if s.NotifyInterval > 0 {
		heartbeat = cron.New()
		spec := fmt.Sprintf("@every %s", s.NotifyInterval)
		if _, err := heartbeat.AddFunc(spec, func() {
			fields := []any{"pid", os.Getpid()}
			if usage, err := CollectFDUsage(); err == nil {
				fields = append(fields, "fds_open", usage.Open, "fds_limit", usage.Limit)
			}
			s.Logger.Info("supervisor heartbeat", fields...)
		}); err != nil {
			return fmt.Errorf("process: scheduling notify-interval heartbeat: %w", err)
		}
		heartbeat.Start()
		defer heartbeat.Stop()
	}

	done := make(chan error, 1)
	go func() { done <- child.Run(ctx) }()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.Logger.Info("received SIGHUP, reloading")
				if err := child.Reload(); err != nil {
					s.Logger.Error("reload failed", "error", err)
				}
			default:
				s.Logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				<-done
				return nil
			}

		case err := <-done:
			if err == nil {
				return nil
			}
			if !s.allowRestart() {
				return fmt.Errorf("process: child exited and restart budget exhausted: %w", err)
			}
			s.Logger.Warn("child exited, restarting", "error", err, "restart_interval", s.Restart.Interval)
			time.Sleep(s.Restart.Interval)
			go func() { done <- child.Run(ctx) }()
		}
	}
}

// allowRestart enforces Max restarts within a window the length of
// Interval*(Max+1), opened by the first restart after the previous window
// ended — once the window elapses without hitting Max, the counter
// resets, matching a supervisor that forgives old failures over time.
func (s *Supervisor) allowRestart() bool {
	if s.Restart.Max <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.After(s.windowEnd) {
		s.restarts = 0
		s.windowEnd = now.Add(s.Restart.Interval * time.Duration(s.Restart.Max+1))
	}
	if s.restarts >= s.Restart.Max {
		return false
	}
	s.restarts++
	return true
}
