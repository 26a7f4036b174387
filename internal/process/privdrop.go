// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package process

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// PrivDrop describes the user/group/chroot privilege-drop settings a
// supervised process applies before running its child.
type PrivDrop struct {
	User   string
	Group  string
	Chroot string
}

// Apply resolves User/Group to numeric IDs, chroots if Chroot is set, and
// drops privileges across every OS thread via AllThreadsSyscall — plain
// syscall.Setuid only changes the calling thread's credentials on Linux
// and returns EOPNOTSUPP for that reason since Go 1.16. Chroot must happen
// before the UID drop, since entering a chroot typically requires
// CAP_SYS_CHROOT, which an unprivileged UID won't have.
func (p PrivDrop) Apply() error {
	if p.Chroot != "" {
		if err := syscall.Chroot(p.Chroot); err != nil {
			return fmt.Errorf("process: chroot %s: %w", p.Chroot, err)
		}
		if err := syscall.Chdir("/"); err != nil {
			return fmt.Errorf("process: chdir after chroot: %w", err)
		}
	}

	var gid int = -1
	if p.Group != "" {
		g, err := lookupGID(p.Group)
		if err != nil {
			return err
		}
		gid = g
	}
	var uid int = -1
	if p.User != "" {
		u, err := lookupUID(p.User)
		if err != nil {
			return err
		}
		uid = u
	}

	if gid >= 0 {
		if _, _, errno := syscall.AllThreadsSyscall(unix.SYS_SETRESGID, uintptr(gid), uintptr(gid), uintptr(gid)); errno != 0 {
			return fmt.Errorf("process: setresgid(%d): %w", gid, errno)
		}
	}
	if uid >= 0 {
		if _, _, errno := syscall.AllThreadsSyscall(unix.SYS_SETRESUID, uintptr(uid), uintptr(uid), uintptr(uid)); errno != 0 {
			return fmt.Errorf("process: setresuid(%d): %w", uid, errno)
		}
	}
	return nil
}

func lookupUID(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("process: looking up user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("process: user %q has non-numeric uid %q", name, u.Uid)
	}
	return uid, nil
}

func lookupGID(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("process: looking up group %q: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("process: group %q has non-numeric gid %q", name, g.Gid)
	}
	return gid, nil
}
