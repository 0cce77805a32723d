package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"

	"github.com/loykin/nodewarden/internal/history"
	"github.com/loykin/nodewarden/internal/metrics"
	"github.com/loykin/nodewarden/internal/process"
	"github.com/loykin/nodewarden/internal/readiness"
)

const maxStderrLine = 64 * 1024

// watch drains both output streams and then reaps the process. Streams must be
// fully read before Wait, as with os/exec pipes.
func (s *Supervisor) watch(h process.Handle) {
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.pumpStdout(h.Stdout())
	}()
	go func() {
		defer readers.Done()
		s.pumpStderr(h.Stderr())
	}()
	go func() {
		readers.Wait()
		s.onExit(h.Wait())
	}()
}

// pumpStdout treats every chunk of output as daemon activity. The content is
// not parsed.
func (s *Supervisor) pumpStdout(r io.Reader) {
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if w := s.opts.Stdout; w != nil {
				_, _ = w.Write(buf[:n])
			}
			s.publish(readiness.SourceOutput, s.clock.Now())
		}
		if err != nil {
			return
		}
	}
}

// pumpStderr logs stderr line by line.
func (s *Supervisor) pumpStderr(r io.Reader) {
	if r == nil {
		return
	}
	if w := s.opts.Stderr; w != nil {
		r = io.TeeReader(r, w)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for sc.Scan() {
		s.log.Warn("daemon stderr", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		s.log.Debug("stderr scan stopped", "error", err)
		// keep the pipe drained so the daemon never blocks on a full buffer
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) onExit(err error) {
	s.mu.Lock()
	pid := s.pid
	killed := s.killed
	s.state = StateExited
	s.exitErr = err
	if killed {
		s.exitState = ExitKilled
	} else {
		s.exitState = ExitExited
	}
	s.mu.Unlock()
	close(s.exited)

	metrics.IncExit()
	metrics.SetRunning(false)

	code := 0
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	if err != nil {
		s.log.Warn("daemon exited", "pid", pid, "exit_code", code, "killed", killed, "error", err)
	} else {
		s.log.Info("daemon exited", "pid", pid, "killed", killed)
	}
	s.record(context.Background(), history.Event{Type: history.EventExited, PID: pid, Code: code, Detail: errString(err)})
}
