// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package process

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile on an already-removed file should be a no-op, got: %v", err)
	}
}

func TestPIDFilePathLayout(t *testing.T) {
	got := PIDFilePath("/var/run/zorp", "zorp-proxy")
	want := "/var/run/zorp" + string(os.PathSeparator) + "zorp-proxy.pid"
	if got != want {
		t.Fatalf("PIDFilePath = %q, want %q", got, want)
	}
}

func TestCollectFDUsage(t *testing.T) {
	usage, err := CollectFDUsage()
	if err != nil {
		t.Fatalf("CollectFDUsage: %v", err)
	}
	if usage.Open <= 0 {
		t.Fatalf("expected at least one open fd for the running process, got %d", usage.Open)
	}
}

type countingChild struct {
	runs    int32
	fail    bool
	reloads int32
}

func (c *countingChild) Run(ctx context.Context) error {
	atomic.AddInt32(&c.runs, 1)
	<-ctx.Done()
	return nil
}

func (c *countingChild) Reload() error {
	atomic.AddInt32(&c.reloads, 1)
	return nil
}

func TestSupervisorRunWritesAndRemovesPIDFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	pidPath := filepath.Join(t.TempDir(), "supervisor.pid")

	s := &Supervisor{Logger: logger, PIDFile: pidPath}
	child := &countingChild{}

	done := make(chan error, 1)
	go func() { done <- s.Run(child) }()

	waitForFile(t, pidPath)
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		t.Fatalf("ReadPIDFile while running: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pidfile contains %d, want %d", pid, os.Getpid())
	}

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Supervisor.Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor.Run did not return after a termination signal")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pidfile to be removed after shutdown, stat err = %v", err)
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s was not created in time", path)
}

func TestRestartPolicyExhaustsBudget(t *testing.T) {
	s := &Supervisor{Restart: RestartPolicy{Max: 2, Interval: time.Millisecond}}
	for i := 0; i < 2; i++ {
		if !s.allowRestart() {
			t.Fatalf("expected restart %d to be allowed within budget", i)
		}
	}
	if s.allowRestart() {
		t.Fatal("expected the third restart to exceed the budget of 2")
	}
}
