// Package controller runs the lifecycle state machine of the controller role.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/metrics"
	"github.com/nodecross/nodex-agent/internal/process"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
	"github.com/nodecross/nodex-agent/internal/supervisor"
	"github.com/nodecross/nodex-agent/internal/version"
)

const DefaultInterval = 5 * time.Second

type Options struct {
	Interval time.Duration
	// Version is the version of this controller; agents of any other
	// version are replaced while updating.
	Version string
	History *history.Recorder
	Logger  *slog.Logger
}

// StateMachine evaluates the persisted lifecycle state on every tick and
// applies that state's policy. It has no terminal state.
type StateMachine struct {
	sup      *supervisor.Supervisor
	launcher process.Launcher
	interval time.Duration
	version  string
	self     runtimeinfo.ProcessRecord
	history  *history.Recorder
	logger   *slog.Logger
	trigger  chan struct{}
}

func New(sup *supervisor.Supervisor, launcher process.Launcher, opts Options) *StateMachine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Version == "" {
		opts.Version = version.Version
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &StateMachine{
		sup:      sup,
		launcher: launcher,
		interval: opts.Interval,
		version:  opts.Version,
		self: runtimeinfo.ProcessRecord{
			PID:       os.Getpid(),
			Role:      runtimeinfo.RoleController,
			StartedAt: time.Now().UTC(),
			Version:   opts.Version,
		},
		history: opts.History,
		logger:  lg.With("component", "controller"),
		trigger: make(chan struct{}, 1),
	}
}

// Self returns the record this controller registers for itself.
func (m *StateMachine) Self() runtimeinfo.ProcessRecord { return m.self }

// Register prunes dead controller records and records this process.
func (m *StateMachine) Register() error {
	if _, err := m.sup.LiveByRole(runtimeinfo.RoleController); err != nil {
		return err
	}
	if _, err := m.sup.Register(m.self); err != nil {
		return err
	}
	m.history.Record(history.Event{Type: history.EventRegister, Record: m.self})
	return nil
}

func (m *StateMachine) Unregister() error {
	if _, err := m.sup.RemoveRecord(m.self); err != nil {
		return err
	}
	m.history.Record(history.Event{Type: history.EventUnregister, Record: m.self})
	return nil
}

// Trigger requests an evaluation ahead of the next tick.
func (m *StateMachine) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run registers the controller, ticks until ctx is done and unregisters.
func (m *StateMachine) Run(ctx context.Context) error {
	if err := m.Register(); err != nil {
		return err
	}
	defer func() {
		if err := m.Unregister(); err != nil {
			m.logger.Error("failed to unregister controller", "error", err)
		}
	}()
	m.logger.Info("controller started", "pid", m.self.PID, "version", m.version, "interval", m.interval.String())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		_ = m.Tick(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("controller stopping")
			return nil
		case <-ticker.C:
		case <-m.trigger:
		}
	}
}

// Tick runs one evaluation. Errors are logged and returned; the next tick retries.
func (m *StateMachine) Tick(ctx context.Context) error {
	state, err := m.sup.State()
	if err != nil {
		m.logger.Error("failed to load lifecycle state", "error", err)
		return err
	}
	metrics.IncTick(string(state))

	switch state {
	case runtimeinfo.StateUpdating:
		err = m.updating(ctx)
	default:
		err = m.defaultPolicy(ctx)
	}
	if err != nil {
		m.logger.Error("supervision cycle failed", "state", string(state), "error", err)
	}
	return err
}

func (m *StateMachine) defaultPolicy(ctx context.Context) error {
	live, err := m.sup.LiveByRole(runtimeinfo.RoleAgent)
	if err != nil {
		return err
	}
	metrics.SetLive(string(runtimeinfo.RoleAgent), len(live))

	switch {
	case len(live) == 1:
		return nil
	case len(live) > 1:
		pids := make([]int, 0, len(live))
		for _, r := range live {
			pids = append(pids, r.PID)
		}
		m.logger.Error("multiple agents alive; not launching", "pids", pids)
		return nil
	}

	rec, err := m.launcher.Launch(ctx)
	if errors.Is(err, process.ErrExternallyManaged) {
		return nil
	}
	if err != nil {
		metrics.IncLaunch(false)
		return err
	}
	metrics.IncLaunch(true)
	// The agent registers itself on start and may win the lock first.
	if _, err := m.sup.Register(rec); err != nil {
		return err
	}
	m.history.Record(history.Event{Type: history.EventLaunch, Record: rec})
	m.logger.Info("agent launched", "pid", rec.PID, "version", rec.Version)
	return nil
}

// updating replaces agents of other versions, then returns to default once
// this controller is registered and alive and an agent of its version runs.
// Re-running it on a healthy pair only performs the transition.
func (m *StateMachine) updating(ctx context.Context) error {
	live, err := m.sup.LiveByRole(runtimeinfo.RoleAgent)
	if err != nil {
		return err
	}
	for _, rec := range live {
		if rec.Version == m.version {
			continue
		}
		if err := m.launcher.Terminate(rec); err != nil {
			m.logger.Warn("failed to terminate outdated agent", "pid", rec.PID, "version", rec.Version, "error", err)
			continue
		}
		if _, err := m.sup.RemoveRecord(rec); err != nil {
			return err
		}
		m.history.Record(history.Event{Type: history.EventTerminate, Record: rec, State: runtimeinfo.StateUpdating})
	}

	if err := m.defaultPolicy(ctx); err != nil {
		return err
	}

	healthy, err := m.healthy()
	if err != nil || !healthy {
		return err
	}
	_, err = m.sup.SetState(runtimeinfo.StateDefault)
	return err
}

func (m *StateMachine) healthy() (bool, error) {
	ctrls, err := m.sup.LiveByRole(runtimeinfo.RoleController)
	if err != nil {
		return false, err
	}
	registered := false
	for _, c := range ctrls {
		if c.PID == m.self.PID {
			registered = true
			break
		}
	}
	if !registered {
		return false, nil
	}
	agents, err := m.sup.LiveByRole(runtimeinfo.RoleAgent)
	if err != nil {
		return false, err
	}
	for _, a := range agents {
		if a.Version == m.version {
			return true, nil
		}
	}
	return false, nil
}
