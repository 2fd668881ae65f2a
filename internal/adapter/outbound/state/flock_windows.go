//go:build windows

package state

import "golang.org/x/sys/windows"

// flockLock takes an exclusive lock on the handle via LockFileEx,
// blocking until granted so the semantics match flock on Unix.
func flockLock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

// flockUnlock releases the LockFileEx lock.
func flockUnlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
