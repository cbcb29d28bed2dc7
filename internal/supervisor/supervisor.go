package supervisor

import (
	"log/slog"

	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/metrics"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

// Prober reports OS-level liveness of a process record.
type Prober interface {
	IsAlive(rec runtimeinfo.ProcessRecord) bool
}

type Options struct {
	History *history.Recorder
	Logger  *slog.Logger
}

// Supervisor reconciles recorded processes against the OS. Every mutation
// goes through the store and is persisted before the method returns.
type Supervisor struct {
	store   *runtimeinfo.Store
	probe   Prober
	history *history.Recorder
	logger  *slog.Logger
}

func New(store *runtimeinfo.Store, probe Prober, opts Options) *Supervisor {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Supervisor{
		store:   store,
		probe:   probe,
		history: opts.History,
		logger:  lg.With("component", "supervisor"),
	}
}

func (s *Supervisor) AddProcess(rec runtimeinfo.ProcessRecord) error {
	_, err := s.store.Update(func(ri *runtimeinfo.RuntimeInfo) error {
		ri.Add(rec)
		return nil
	})
	return err
}

// Register adds rec unless a record with the same pid and role exists and
// reports whether it was added.
func (s *Supervisor) Register(rec runtimeinfo.ProcessRecord) (bool, error) {
	added := false
	_, err := s.store.Update(func(ri *runtimeinfo.RuntimeInfo) error {
		for _, p := range ri.Processes {
			if p.PID == rec.PID && p.Role == rec.Role {
				return nil
			}
		}
		ri.Add(rec)
		added = true
		return nil
	})
	return added, err
}

// RemoveProcess drops every record with pid and reports how many were removed.
func (s *Supervisor) RemoveProcess(pid int) (int, error) {
	var n int
	_, err := s.store.Update(func(ri *runtimeinfo.RuntimeInfo) error {
		n = ri.Remove(pid)
		return nil
	})
	return n, err
}

// RemoveRecord drops rec only, leaving a newer record that reuses its pid.
func (s *Supervisor) RemoveRecord(rec runtimeinfo.ProcessRecord) (int, error) {
	var n int
	_, err := s.store.Update(func(ri *runtimeinfo.RuntimeInfo) error {
		n = ri.RemoveRecord(rec)
		return nil
	})
	return n, err
}

func (s *Supervisor) FilterByRole(role runtimeinfo.Role) ([]runtimeinfo.ProcessRecord, error) {
	ri, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return ri.ByRole(role), nil
}

// IsAlive probes rec. A dead record is removed from the store before
// returning false; removal failures are logged and retried on a later call.
func (s *Supervisor) IsAlive(rec runtimeinfo.ProcessRecord) bool {
	if s.probe.IsAlive(rec) {
		return true
	}
	n, err := s.RemoveRecord(rec)
	if err != nil {
		s.logger.Error("failed to remove dead process record", "pid", rec.PID, "role", string(rec.Role), "error", err)
		return false
	}
	if n > 0 {
		s.logger.Info("pruned dead process record", "pid", rec.PID, "role", string(rec.Role))
		metrics.AddPruned(string(rec.Role), n)
		s.history.Record(history.Event{Type: history.EventPrune, Record: rec})
	}
	return false
}

// LiveByRole returns the records of role that are alive, pruning the rest.
func (s *Supervisor) LiveByRole(role runtimeinfo.Role) ([]runtimeinfo.ProcessRecord, error) {
	recs, err := s.FilterByRole(role)
	if err != nil {
		return nil, err
	}
	live := recs[:0]
	for _, r := range recs {
		if s.IsAlive(r) {
			live = append(live, r)
		}
	}
	return live, nil
}

func (s *Supervisor) State() (runtimeinfo.State, error) {
	ri, err := s.store.Load()
	if err != nil {
		return "", err
	}
	return ri.State, nil
}

// SetState persists state and returns the previous one.
func (s *Supervisor) SetState(state runtimeinfo.State) (runtimeinfo.State, error) {
	var prev runtimeinfo.State
	_, err := s.store.Update(func(ri *runtimeinfo.RuntimeInfo) error {
		prev = ri.State
		ri.State = state
		return nil
	})
	if err != nil {
		return prev, err
	}
	if prev != state {
		s.logger.Info("lifecycle state changed", "from", string(prev), "to", string(state))
		metrics.RecordStateTransition(string(prev), string(state))
		s.history.Record(history.Event{Type: history.EventState, State: state, Detail: "from " + string(prev)})
	}
	metrics.SetCurrentState(string(state), string(runtimeinfo.StateDefault), string(runtimeinfo.StateUpdating))
	return prev, nil
}

func (s *Supervisor) Snapshot() (runtimeinfo.RuntimeInfo, error) {
	return s.store.Load()
}
