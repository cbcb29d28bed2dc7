//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// detach starts the child in a new session so it has no controlling terminal
// and outlives this process.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
