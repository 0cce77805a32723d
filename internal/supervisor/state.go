package supervisor

import "fmt"

// State is the supervisor lifecycle position.
type State int

const (
	StateIdle State = iota
	StatePreflightFailed
	StatePreflighted
	StateSpawning
	StateRunning
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreflightFailed:
		return "preflight_failed"
	case StatePreflighted:
		return "preflighted"
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ExitState describes the daemon process itself.
type ExitState string

const (
	ExitNone    ExitState = ""
	ExitRunning ExitState = "running"
	ExitExited  ExitState = "exited"
	ExitKilled  ExitState = "killed"
)

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateExited; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown supervisor state %q", b)
}
