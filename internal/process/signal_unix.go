//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminate asks pid to shut down gracefully.
func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// pidExists returns true if a process with pid exists (EPERM counts: it
// exists but belongs to another user).
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
