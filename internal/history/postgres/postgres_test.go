package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nodecross/nodex-agent/internal/history"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Errorf("terminate container: %v", err)
		}
	}()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := runtimeinfo.ProcessRecord{PID: 4321, Role: runtimeinfo.RoleController, StartedAt: time.Now(), Version: "2.0.0"}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventRegister, OccurredAt: time.Now(), Record: rec}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventUpdateError, OccurredAt: time.Now(), Step: "extract", Error: "bad zip"}))

	var n int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM supervision_history`).Scan(&n))
	assert.Equal(t, 2, n)

	var role string
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT role FROM supervision_history WHERE pid = $1`, 4321).Scan(&role))
	assert.Equal(t, "controller", role)
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
