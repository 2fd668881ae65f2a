//go:build !windows

package mcp

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcGroup places the child in its own process group so the whole
// group can be signalled at shutdown.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGKILL to the child's process group, falling
// back to killing just the child when the group signal fails.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err == nil {
		if err := unix.Kill(-pgid, unix.SIGKILL); err == nil || err == unix.ESRCH {
			return nil
		}
	}
	return cmd.Process.Kill()
}
