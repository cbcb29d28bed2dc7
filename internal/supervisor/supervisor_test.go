package supervisor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/process"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

type fakeProber struct {
	mu    sync.Mutex
	alive map[int]bool
	calls map[int]int
}

func newFakeProber(alive ...int) *fakeProber {
	p := &fakeProber{alive: map[int]bool{}, calls: map[int]int{}}
	for _, pid := range alive {
		p.alive[pid] = true
	}
	return p
}

func (p *fakeProber) IsAlive(rec runtimeinfo.ProcessRecord) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[rec.PID]++
	return p.alive[rec.PID]
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) count(t history.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, p Prober) (*Supervisor, *runtimeinfo.Store, *captureSink) {
	t.Helper()
	store := runtimeinfo.NewStore(runtimeinfo.Config{Dir: t.TempDir()})
	sink := &captureSink{}
	return New(store, p, Options{History: history.NewRecorder(nil, sink)}), store, sink
}

func rec(pid int, role runtimeinfo.Role) runtimeinfo.ProcessRecord {
	return runtimeinfo.ProcessRecord{PID: pid, Role: role, StartedAt: time.Now().UTC().Truncate(time.Second), Version: "1.0.0"}
}

func TestAddFilterRemove(t *testing.T) {
	s, _, _ := newTestSupervisor(t, newFakeProber())
	require.NoError(t, s.AddProcess(rec(10, runtimeinfo.RoleAgent)))
	require.NoError(t, s.AddProcess(rec(11, runtimeinfo.RoleController)))
	require.NoError(t, s.AddProcess(rec(12, runtimeinfo.RoleAgent)))

	agents, err := s.FilterByRole(runtimeinfo.RoleAgent)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, 10, agents[0].PID)
	assert.Equal(t, 12, agents[1].PID)

	n, err := s.RemoveProcess(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RemoveProcess(10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Processes, 2)
}

func TestIsAliveRemovesDeadRecordExactlyOnce(t *testing.T) {
	s, store, sink := newTestSupervisor(t, newFakeProber())
	dead := rec(4242, runtimeinfo.RoleAgent)
	require.NoError(t, s.AddProcess(dead))

	assert.False(t, s.IsAlive(dead))
	assert.False(t, s.IsAlive(dead))

	ri, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, ri.Processes)
	assert.Equal(t, 1, sink.count(history.EventPrune))
}

func TestIsAliveKeepsNewerRecordWithSamePID(t *testing.T) {
	s, store, _ := newTestSupervisor(t, newFakeProber())
	old := rec(77, runtimeinfo.RoleAgent)
	old.StartedAt = old.StartedAt.Add(-time.Hour)
	fresh := rec(77, runtimeinfo.RoleAgent)
	require.NoError(t, s.AddProcess(old))
	require.NoError(t, s.AddProcess(fresh))

	assert.False(t, s.IsAlive(old))

	ri, err := store.Load()
	require.NoError(t, err)
	require.Len(t, ri.Processes, 1)
	assert.True(t, ri.Processes[0].StartedAt.Equal(fresh.StartedAt))
}

func TestIsAliveWithRealProbe(t *testing.T) {
	s, store, _ := newTestSupervisor(t, process.NewLauncher(process.Spec{}, process.Options{}))
	self := runtimeinfo.ProcessRecord{PID: os.Getpid(), Role: runtimeinfo.RoleController, StartedAt: time.Now()}
	gone := runtimeinfo.ProcessRecord{PID: 1 << 30, Role: runtimeinfo.RoleAgent, StartedAt: time.Now()}
	require.NoError(t, s.AddProcess(self))
	require.NoError(t, s.AddProcess(gone))

	assert.True(t, s.IsAlive(self))
	assert.False(t, s.IsAlive(gone))

	ri, err := store.Load()
	require.NoError(t, err)
	require.Len(t, ri.Processes, 1)
	assert.Equal(t, os.Getpid(), ri.Processes[0].PID)
}

func TestLiveByRolePrunes(t *testing.T) {
	p := newFakeProber(1, 3)
	s, _, _ := newTestSupervisor(t, p)
	for _, pid := range []int{1, 2, 3} {
		require.NoError(t, s.AddProcess(rec(pid, runtimeinfo.RoleAgent)))
	}
	require.NoError(t, s.AddProcess(rec(9, runtimeinfo.RoleController)))

	live, err := s.LiveByRole(runtimeinfo.RoleAgent)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, 1, live[0].PID)
	assert.Equal(t, 3, live[1].PID)

	all, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, all.Processes, 3)
	assert.Zero(t, p.calls[9])
}

func TestSetStateRecordsTransition(t *testing.T) {
	s, _, sink := newTestSupervisor(t, newFakeProber())
	st, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, runtimeinfo.StateDefault, st)

	prev, err := s.SetState(runtimeinfo.StateUpdating)
	require.NoError(t, err)
	assert.Equal(t, runtimeinfo.StateDefault, prev)

	prev, err = s.SetState(runtimeinfo.StateUpdating)
	require.NoError(t, err)
	assert.Equal(t, runtimeinfo.StateUpdating, prev)

	st, err = s.State()
	require.NoError(t, err)
	assert.Equal(t, runtimeinfo.StateUpdating, st)
	assert.Equal(t, 1, sink.count(history.EventState))
}

func TestRegisterSkipsExistingPID(t *testing.T) {
	s, store, _ := newTestSupervisor(t, newFakeProber())
	added, err := s.Register(rec(30, runtimeinfo.RoleAgent))
	require.NoError(t, err)
	assert.True(t, added)

	again := rec(30, runtimeinfo.RoleAgent)
	again.StartedAt = again.StartedAt.Add(time.Second)
	added, err = s.Register(again)
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.Register(rec(30, runtimeinfo.RoleController))
	require.NoError(t, err)
	assert.True(t, added)

	ri, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, ri.Processes, 2)
}
