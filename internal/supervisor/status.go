package supervisor

import (
	"time"

	"github.com/loykin/nodewarden/internal/outcome"
	"github.com/loykin/nodewarden/internal/platform"
)

// Status is a point-in-time snapshot for the status API and CLI.
type Status struct {
	Name      string           `json:"name"`
	Session   string           `json:"session"`
	Host      string           `json:"host"`
	State     State            `json:"state"`
	Target    platform.Target  `json:"target"`
	PID       int              `json:"pid,omitempty"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	ExitState ExitState        `json:"exit_state,omitempty"`
	ExitError string           `json:"exit_error,omitempty"`
	Ready     *outcome.Outcome `json:"ready,omitempty"` // nil until readiness resolves
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Name:      s.opts.Name,
		Session:   s.opts.Session,
		Host:      s.opts.Host.String(),
		State:     s.state,
		Target:    s.target,
		PID:       s.pid,
		StartedAt: s.startedAt,
		ExitState: s.exitState,
		ExitError: errString(s.exitErr),
	}
	s.mu.Unlock()
	if o, ok := s.ready.Result(); ok {
		st.Ready = &o
	}
	return st
}
