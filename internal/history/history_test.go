package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestRecorderFansOutAndStamps(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder(nil, a, b)
	r.Record(Event{Type: EventLaunch, Record: runtimeinfo.ProcessRecord{PID: 7, Role: runtimeinfo.RoleAgent}})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, 7, a.events[0].Record.PID)
	assert.False(t, a.events[0].OccurredAt.IsZero())
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() { r.Record(Event{Type: EventPrune}) })
}
