package process

import (
	"os"
	"strconv"
)

// ManagedBySystemd reports whether this process was started by systemd.
// systemd sets INVOCATION_ID for every unit it runs.
func ManagedBySystemd() bool {
	return os.Getenv("INVOCATION_ID") != ""
}

// SocketActivated reports whether systemd handed this process listening
// sockets, meaning systemd starts the agent on demand and the controller must
// never launch one itself.
func SocketActivated() bool {
	if !ManagedBySystemd() {
		return false
	}
	n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || n <= 0 {
		return false
	}
	pid := os.Getenv("LISTEN_PID")
	return pid == "" || pid == strconv.Itoa(os.Getpid())
}
