package supervisor

import (
	"context"
	"io/fs"
	"os"

	"github.com/loykin/nodewarden/internal/platform"
)

// FS is the slice of the filesystem the supervisor touches.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Chmod(name string, mode fs.FileMode) error
}

// OSFS is FS backed by package os.
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error)     { return os.Stat(name) }
func (OSFS) Chmod(name string, mode fs.FileMode) error { return os.Chmod(name, mode) }

// Killer signals host pids that this session did not spawn. process.System
// implements it.
type Killer interface {
	// Terminate asks pid to exit; it wraps process.ErrNotRunning when pid is gone.
	Terminate(pid int) error
	// StartUnix reports pid's start time in Unix seconds, 0 when unknown.
	StartUnix(pid int) int64
}

// Probe checks that a freshly spawned daemon is usable. It runs once when the
// grace period ends; a non-nil error fails readiness with a probe failure.
type Probe func(ctx context.Context, target platform.Target, pid int) error
