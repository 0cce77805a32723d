package supervisor

import (
	"context"
	"errors"

	"github.com/loykin/nodewarden/internal/history"
	"github.com/loykin/nodewarden/internal/metrics"
	"github.com/loykin/nodewarden/internal/process"
)

// Stale reap results, also used as the metrics label.
const (
	reapTerminated = "terminated"
	reapNotRunning = "not_running"
	reapReused     = "reused"
	reapError      = "error"
)

// reapStale terminates the daemon recorded by a previous session, then clears
// the record whatever happened. Every failure here is logged and absorbed.
func (s *Supervisor) reapStale(ctx context.Context) {
	st := s.opts.Store
	if st == nil {
		return
	}
	rec, ok, err := st.Load(ctx)
	if err != nil {
		s.log.Warn("failed to load pid record, assuming none", "error", err)
		return
	}
	if !ok {
		return
	}

	result := s.terminateStale(rec.PID, rec.StartUnix)
	if err := st.Clear(ctx); err != nil {
		s.log.Warn("failed to clear pid record", "pid", rec.PID, "error", err)
	}
	metrics.IncStaleReap(result)
	s.record(ctx, history.Event{Type: history.EventStaleReaped, PID: rec.PID, Detail: result})
}

func (s *Supervisor) terminateStale(pid int, startUnix int64) string {
	if startUnix != 0 {
		if cur := s.opts.Killer.StartUnix(pid); cur != 0 && cur != startUnix {
			s.log.Info("recorded pid now belongs to another process, not killing",
				"pid", pid, "recorded_start", startUnix, "current_start", cur)
			return reapReused
		}
	}
	err := s.opts.Killer.Terminate(pid)
	switch {
	case err == nil:
		s.log.Info("terminated stale daemon", "pid", pid)
		return reapTerminated
	case errors.Is(err, process.ErrNotRunning):
		s.log.Info("stale daemon already gone", "pid", pid)
		return reapNotRunning
	default:
		s.log.Warn("failed to terminate stale daemon", "pid", pid, "error", err)
		return reapError
	}
}
