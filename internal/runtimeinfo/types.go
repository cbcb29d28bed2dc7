package runtimeinfo

import (
	"slices"
	"time"
)

// Role is the part a supervised process plays on the host.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleController Role = "controller"
)

// State is the lifecycle state shared by every cooperating process.
type State string

const (
	StateDefault  State = "default"
	StateUpdating State = "updating"
)

// ProcessRecord describes one supervised OS process. PIDs are recycled by the
// OS, so a record is identified by PID only while it is known to be alive.
type ProcessRecord struct {
	PID       int       `json:"process_id"`
	Role      Role      `json:"role"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// RuntimeInfo is the persisted aggregate shared across processes.
type RuntimeInfo struct {
	State     State           `json:"state"`
	Processes []ProcessRecord `json:"processes"`
}

// Default returns the state used when nothing valid is persisted.
func Default() RuntimeInfo {
	return RuntimeInfo{State: StateDefault, Processes: []ProcessRecord{}}
}

// Add appends rec, preserving insertion order.
func (ri *RuntimeInfo) Add(rec ProcessRecord) {
	ri.Processes = append(ri.Processes, rec)
}

// Remove drops every record with the given pid and reports how many were removed.
func (ri *RuntimeInfo) Remove(pid int) int {
	before := len(ri.Processes)
	ri.Processes = slices.DeleteFunc(ri.Processes, func(p ProcessRecord) bool {
		return p.PID == pid
	})
	return before - len(ri.Processes)
}

// RemoveRecord drops records identical to rec in pid, role and start time,
// leaving any newer record that happens to reuse the pid.
func (ri *RuntimeInfo) RemoveRecord(rec ProcessRecord) int {
	before := len(ri.Processes)
	ri.Processes = slices.DeleteFunc(ri.Processes, func(p ProcessRecord) bool {
		return p.PID == rec.PID && p.Role == rec.Role && p.StartedAt.Equal(rec.StartedAt)
	})
	return before - len(ri.Processes)
}

// ByRole returns a copy of the records having role, in insertion order.
func (ri RuntimeInfo) ByRole(role Role) []ProcessRecord {
	out := make([]ProcessRecord, 0, len(ri.Processes))
	for _, p := range ri.Processes {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy.
func (ri RuntimeInfo) Clone() RuntimeInfo {
	c := RuntimeInfo{State: ri.State, Processes: make([]ProcessRecord, len(ri.Processes))}
	copy(c.Processes, ri.Processes)
	return c
}

// normalize fills zero values left by older or hand-edited files.
func (ri *RuntimeInfo) normalize() {
	if ri.State == "" {
		ri.State = StateDefault
	}
	if ri.Processes == nil {
		ri.Processes = []ProcessRecord{}
	}
}

func (s State) Valid() bool { return s == StateDefault || s == StateUpdating }

func (r Role) Valid() bool { return r == RoleAgent || r == RoleController }
