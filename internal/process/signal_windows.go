//go:build windows

package process

import (
	"errors"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// terminate ends pid through TerminateProcess. Windows has no SIGTERM for
// detached console-less processes, so this is the closest request available.
func terminate(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}

// pidExists opens pid for query and checks that it has not exited yet.
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
