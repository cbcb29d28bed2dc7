package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventLaunch      EventType = "launch"
	EventRegister    EventType = "register"
	EventUnregister  EventType = "unregister"
	EventPrune       EventType = "prune"
	EventTerminate   EventType = "terminate"
	EventState       EventType = "state"
	EventUpdateStep  EventType = "update_step"
	EventUpdateDone  EventType = "update_done"
	EventUpdateError EventType = "update_error"
)

// Event is a supervision or update event exported to external systems.
type Event struct {
	Type       EventType                 `json:"type"`
	OccurredAt time.Time                 `json:"occurred_at"`
	Record     runtimeinfo.ProcessRecord `json:"record"`
	State      runtimeinfo.State         `json:"state,omitempty"`
	Session    string                    `json:"session,omitempty"`
	Step       string                    `json:"step,omitempty"`
	Detail     string                    `json:"detail,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const defaultSendTimeout = 3 * time.Second

// Recorder fans events out to sinks. Sink failures are logged and never
// propagate to the caller. A nil *Recorder discards everything.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: defaultSendTimeout}
}

func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "type", string(e.Type), "error", err)
		}
		cancel()
	}
}
