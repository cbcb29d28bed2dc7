package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

func TestSQLiteSinkSend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	rec := runtimeinfo.ProcessRecord{PID: 1234, Role: runtimeinfo.RoleAgent, StartedAt: time.Now(), Version: "1.2.3"}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventLaunch, OccurredAt: time.Now(), Record: rec}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventUpdateError, OccurredAt: time.Now(), Session: "s1", Step: "download", Error: "boom",
	}))

	n, err := sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sink.Count(ctx, history.EventLaunch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var role, version string
	var errText *string
	row := sink.db.QueryRowContext(ctx, `SELECT role, version, error FROM supervision_history WHERE pid = 1234`)
	require.NoError(t, row.Scan(&role, &version, &errText))
	assert.Equal(t, "agent", role)
	assert.Equal(t, "1.2.3", version)
	assert.Nil(t, errText)
}

func TestSQLiteSinkMemoryAndReopen(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventState, State: runtimeinfo.StateUpdating}))
	require.NoError(t, sink.Close())

	path := filepath.Join(t.TempDir(), "plain.db")
	s1, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s1.Send(context.Background(), history.Event{Type: history.EventPrune}))
	require.NoError(t, s1.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	n, err := s2.Count(context.Background(), history.EventPrune)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
