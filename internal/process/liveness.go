package process

import (
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

// startTolerance absorbs the gap between spawning a child and stamping its
// record, plus the one-second resolution of the OS start time.
const startTolerance = 2 * time.Second

// alive reports whether rec still refers to a running process. A process whose
// OS start time is later than the record's start is a recycled PID.
func alive(rec runtimeinfo.ProcessRecord, startTime func(int) time.Time) bool {
	if rec.PID <= 0 {
		return false
	}
	if !pidExists(rec.PID) {
		return false
	}
	if isZombie(rec.PID) {
		return false
	}
	if rec.StartedAt.IsZero() || startTime == nil {
		return true
	}
	st := startTime(rec.PID)
	if st.IsZero() {
		return true
	}
	return !st.After(rec.StartedAt.Add(startTolerance))
}

// isZombie reports an exited but unreaped process. Platforms where the status
// is unavailable report false.
func isZombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115 pid fits in int32
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}
