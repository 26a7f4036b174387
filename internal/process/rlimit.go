// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package process

import (
	"fmt"
	"syscall"
)

// EnsureFDLimit raises RLIMIT_NOFILE's soft limit to at least min, never
// lowering an already-higher limit and never exceeding the hard limit.
func EnsureFDLimit(min int) error {
	if min <= 0 {
		return nil
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("process: getrlimit NOFILE: %w", err)
	}
	want := uint64(min)
	if rl.Cur >= want {
		return nil
	}
	if want > rl.Max {
		want = rl.Max
	}
	rl.Cur = want
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return fmt.Errorf("process: setrlimit NOFILE to %d: %w", want, err)
	}
	return nil
}

// SetCoreDumps enables or disables core dumps by adjusting RLIMIT_CORE's
// soft limit.
func SetCoreDumps(enable bool) error {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		return fmt.Errorf("process: getrlimit CORE: %w", err)
	}
	if enable {
		rl.Cur = rl.Max
	} else {
		rl.Cur = 0
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		return fmt.Errorf("process: setrlimit CORE: %w", err)
	}
	return nil
}
