package process

import (
	"errors"
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned when a pid no longer maps to a live process.
var ErrNotRunning = errors.New("process not running")

// System inspects and signals arbitrary host pids, such as a daemon left
// behind by a previous session.
type System struct{}

// Alive reports whether pid exists.
func (System) Alive(pid int) bool { return pidAlive(pid) }

// StartUnix returns the start time of pid in Unix seconds, 0 when unknown.
func (System) StartUnix(pid int) int64 { return startUnix(pid) }

// Name returns the executable name of pid, or "" when unavailable.
func (System) Name(pid int) string {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	n, err := p.Name()
	if err != nil {
		return ""
	}
	return n
}

// Terminate sends a graceful termination request to pid.
func (System) Terminate(pid int) error {
	if !pidAlive(pid) {
		return fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	if err := terminatePID(pid); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}
