package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of supervisor lifecycle event.
type EventType string

const (
	EventPreflightFailed EventType = "preflight_failed"
	EventStaleReaped     EventType = "stale_reaped"
	EventSpawnFailed     EventType = "spawn_failed"
	EventSpawned         EventType = "spawned"
	EventReady           EventType = "ready"
	EventExited          EventType = "exited"
	EventShutdown        EventType = "shutdown"
)

// Event is one lifecycle fact about the supervised daemon, exported to
// external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Daemon     string    `json:"daemon"`
	Session    string    `json:"session"`
	PID        int       `json:"pid"`
	Target     string    `json:"target,omitempty"` // os/arch -> path
	Code       int       `json:"code"`             // outcome code; 0 unless a failure
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds each sink write.
const DefaultSendTimeout = 2 * time.Second

// Recorder fans events out to sinks. Sink failures are logged, never
// returned, so a broken analytics backend cannot affect supervision.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a recorder. A nil logger uses slog.Default.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, logger: logger}
}

// WithTimeout overrides the per-sink send bound.
func (r *Recorder) WithTimeout(d time.Duration) *Recorder {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Record sends e to every sink. It is safe on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			r.logger.Warn("history sink send failed", "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
