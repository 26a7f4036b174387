// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package process

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// FDUsage reports how many file descriptors the current process holds
// open against its enforced RLIMIT_NOFILE, letting a heartbeat log catch a
// leak before EnsureFDLimit's ceiling is hit. Uses the same periodic
// gopsutil-based collection shape a host-stats monitor would use, scoped
// to one process's fd count instead of host CPU/mem/disk/load.
type FDUsage struct {
	Open  int32
	Limit uint64
}

// CollectFDUsage reads the current process's open fd count via gopsutil
// and compares it against the RLIMIT_NOFILE soft limit.
func CollectFDUsage() (FDUsage, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return FDUsage{}, fmt.Errorf("process: opening self via gopsutil: %w", err)
	}
	open, err := proc.NumFDs()
	if err != nil {
		return FDUsage{}, fmt.Errorf("process: reading fd count: %w", err)
	}

	var limit uint64
	if rlimits, err := proc.RlimitUsage(false); err == nil {
		for _, rl := range rlimits {
			if rl.Resource == process.RLIMIT_NOFILE {
				limit = rl.Soft
				break
			}
		}
	}

	return FDUsage{Open: open, Limit: limit}, nil
}
