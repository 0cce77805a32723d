package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Spec describes how to launch the daemon executable.
type Spec struct {
	Path    string   `json:"path"`
	Args    []string `json:"args"`     // pass-through launch arguments (notification hooks etc.)
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional full environment; inherits when empty
}

// Handle is a launched process. Stdout and Stderr must be drained before Wait
// is called, matching os/exec pipe semantics.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forces the process down.
	Kill() error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// Exec launches real OS processes via os/exec.
type Exec struct{}

// Launch starts spec in its own process group with piped stdout/stderr.
// ctx only bounds the launch itself; the daemon outlives it.
func (Exec) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G204 -- path comes from the resolved platform table
	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &proc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type proc struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (p *proc) PID() int          { return p.cmd.Process.Pid }
func (p *proc) Stdout() io.Reader { return p.stdout }
func (p *proc) Stderr() io.Reader { return p.stderr }

// Wait reaps the process once; later calls return the first result.
func (p *proc) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *proc) Terminate() error { return terminateGroup(p.PID()) }

func (p *proc) Kill() error { return killGroup(p.PID()) }
