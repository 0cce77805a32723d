package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/nodewarden/internal/clock"
	"github.com/loykin/nodewarden/internal/history"
	"github.com/loykin/nodewarden/internal/metrics"
	"github.com/loykin/nodewarden/internal/outcome"
	"github.com/loykin/nodewarden/internal/pidstore"
	"github.com/loykin/nodewarden/internal/platform"
	"github.com/loykin/nodewarden/internal/process"
	"github.com/loykin/nodewarden/internal/readiness"
)

const (
	DefaultGracePeriod      = 1500 * time.Millisecond
	DefaultActivityInterval = 15 * time.Second
	DefaultStopTimeout      = 10 * time.Second
	DefaultProbeTimeout     = 5 * time.Second

	// time allowed for the daemon to be reaped after a forced kill
	killWait = 2 * time.Second
)

// ErrAlreadyStarted is returned by a second Start on the same Supervisor.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Options wires a Supervisor. Resolver and Launcher are required; everything
// else has a working default.
type Options struct {
	Name     string // daemon name used in logs and history
	Host     platform.Host
	Resolver *platform.Resolver
	FS       FS
	Launcher process.Launcher
	Killer   Killer
	Store    pidstore.Store // nil disables stale reaping and PID persistence
	Clock    clock.Clock
	Logger   *slog.Logger
	History  *history.Recorder

	Probe        Probe
	ProbeTimeout time.Duration

	Args    []string // pass-through notification hooks
	WorkDir string
	Env     []string

	GracePeriod      time.Duration
	ActivityInterval time.Duration
	StopTimeout      time.Duration

	// Optional copies of the daemon's output streams.
	Stdout io.Writer
	Stderr io.Writer

	Session string // defaults to a random uuid
}

// Supervisor owns one daemon process for the lifetime of a session.
type Supervisor struct {
	opts   Options
	log    *slog.Logger
	clock  clock.Clock
	ready  *readiness.Signal
	events *readiness.Broadcaster

	mu        sync.Mutex
	started   bool
	stopReq   bool          // Shutdown arrived while Start was in flight
	launched  chan struct{} // closed when Start returns
	state     State
	target    platform.Target
	handle    process.Handle
	pid       int
	startedAt time.Time
	exitState ExitState
	exitErr   error
	killed    bool
	exited    chan struct{}
	ticker    *clock.Ticker
	stopTick  chan struct{}
	stopOnce  sync.Once
}

// New validates opts and fills defaults.
func New(opts Options) (*Supervisor, error) {
	if opts.Resolver == nil {
		return nil, errors.New("supervisor: resolver is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if opts.Name == "" {
		opts.Name = "daemon"
	}
	if opts.Host.OS == "" {
		opts.Host = platform.HostFromRuntime()
	}
	if opts.FS == nil {
		opts.FS = OSFS{}
	}
	if opts.Killer == nil {
		opts.Killer = process.System{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ActivityInterval <= 0 {
		opts.ActivityInterval = DefaultActivityInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	return &Supervisor{
		opts:     opts,
		log:      opts.Logger.With("daemon", opts.Name, "session", opts.Session),
		clock:    opts.Clock,
		ready:    readiness.NewSignal(),
		events:   readiness.NewBroadcaster(),
		exited:   make(chan struct{}),
		launched: make(chan struct{}),
		stopTick: make(chan struct{}),
	}, nil
}

// Start runs pre-flight, reaps any stale daemon, spawns a new one and arms the
// grace timer and activity ticker. It returns once the spawn call returns;
// readiness is reported through Ready. A failure is returned as an
// outcome.Outcome and also rejects the readiness signal.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.launched)

	target, err := s.preflight()
	if err != nil {
		o := outcome.From(err)
		s.setState(StatePreflightFailed)
		s.reject(ctx, o, history.EventPreflightFailed)
		metrics.IncPreflightFailure(o.Code.String())
		s.log.Error("pre-flight failed", "code", int(o.Code), "detail", o.Detail)
		return o
	}

	s.mu.Lock()
	s.target = target
	s.state = StatePreflighted
	s.mu.Unlock()
	s.log.Debug("pre-flight passed", "target", target.Describe(), "path", target.Path)
	s.setState(StateSpawning)

	s.prepare(target)
	s.reapStale(ctx)

	h, err := s.opts.Launcher.Launch(ctx, process.Spec{
		Path:    target.Path,
		Args:    s.opts.Args,
		WorkDir: s.opts.WorkDir,
		Env:     s.opts.Env,
	})
	if err != nil {
		o := outcome.Failf(outcome.CodeSpawnFailure, "%s: %v", target.Path, err)
		s.mu.Lock()
		s.state = StateExited
		s.exitErr = err
		s.mu.Unlock()
		s.reject(ctx, o, history.EventSpawnFailed)
		s.log.Error("daemon spawn failed", "path", target.Path, "error", err)
		return o
	}

	pid := h.PID()
	s.mu.Lock()
	s.handle = h
	s.pid = pid
	s.startedAt = s.clock.Now()
	s.exitState = ExitRunning
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info("daemon spawned", "pid", pid, "path", target.Path, "target", target.Describe())
	metrics.IncSpawn()
	metrics.SetRunning(true)
	s.persist(ctx, pid)
	s.record(ctx, history.Event{Type: history.EventSpawned, PID: pid})

	s.watch(h)
	s.clock.AfterFunc(s.opts.GracePeriod, s.onGrace)
	s.startTicker()

	s.mu.Lock()
	stop := s.stopReq
	s.mu.Unlock()
	if stop {
		s.log.Info("shutdown requested during spawn, terminating", "pid", pid)
		go func() { _ = s.Shutdown(context.WithoutCancel(ctx)) }()
	}
	return nil
}

// preflight checks platform support, resolves the path and confirms the file
// exists, in that order.
func (s *Supervisor) preflight() (platform.Target, error) {
	host := s.opts.Host
	if !s.opts.Resolver.Supported(host.OS) {
		return platform.Target{}, outcome.Failf(outcome.CodeUnsupportedPlatform, "%s is not supported", host)
	}
	target, err := s.opts.Resolver.Resolve(host.OS, host.Arch)
	if err != nil {
		return platform.Target{}, err
	}
	fi, err := s.opts.FS.Stat(target.Path)
	if err != nil {
		return platform.Target{}, outcome.Failf(outcome.CodeExecutableNotFound, "%s: %s: %v", target.Describe(), target.Path, err)
	}
	if fi.IsDir() {
		return platform.Target{}, outcome.Failf(outcome.CodeExecutableNotFound, "%s: %s is a directory", target.Describe(), target.Path)
	}
	return target, nil
}

// prepare makes the executable runnable on non-Windows hosts. Best effort.
func (s *Supervisor) prepare(target platform.Target) {
	if target.OS == platform.OSWindows {
		return
	}
	fi, err := s.opts.FS.Stat(target.Path)
	if err != nil {
		s.log.Warn("stat before chmod failed", "path", target.Path, "error", err)
		return
	}
	mode := fi.Mode().Perm()
	if mode&0o111 == 0o111 {
		return
	}
	if err := s.opts.FS.Chmod(target.Path, mode|0o111); err != nil {
		s.log.Warn("chmod +x failed", "path", target.Path, "error", err)
	}
}

// persist saves the new pid. Store failures are logged only.
func (s *Supervisor) persist(ctx context.Context, pid int) {
	if s.opts.Store == nil {
		return
	}
	rec := pidstore.Record{
		Kind:      pidstore.KindDaemon,
		PID:       pid,
		StartUnix: s.opts.Killer.StartUnix(pid),
		Session:   s.opts.Session,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if err := s.opts.Store.Save(ctx, rec); err != nil {
		s.log.Warn("failed to persist daemon pid", "pid", pid, "error", err)
	}
}

func (s *Supervisor) onGrace() {
	o := outcome.OK("grace period elapsed")
	if s.opts.Probe != nil {
		target, pid := s.Target(), s.PID()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
		err := s.opts.Probe(ctx, target, pid)
		cancel()
		if err != nil {
			o = outcome.Failf(outcome.CodeProbeFailure, "%v", err)
		} else {
			o = outcome.OK("probe succeeded")
		}
	}
	if !s.ready.Resolve(o) {
		return
	}
	metrics.SetReady(o.Succeeded)
	if o.Succeeded {
		s.log.Info("daemon ready", "pid", s.PID())
		s.record(context.Background(), history.Event{Type: history.EventReady, PID: s.PID()})
		return
	}
	s.log.Error("daemon readiness probe failed", "pid", s.PID(), "detail", o.Detail)
	s.record(context.Background(), history.Event{Type: history.EventReady, PID: s.PID(), Code: int(o.Code), Detail: o.Detail})
}

func (s *Supervisor) startTicker() {
	t := s.clock.NewTicker(s.opts.ActivityInterval)
	s.mu.Lock()
	s.ticker = t
	s.mu.Unlock()
	go func() {
		for {
			select {
			case <-s.stopTick:
				return
			case at := <-t.C:
				s.publish(readiness.SourceTick, at)
			}
		}
	}()
}

func (s *Supervisor) stopTicker() {
	s.stopOnce.Do(func() {
		close(s.stopTick)
		s.mu.Lock()
		t := s.ticker
		s.mu.Unlock()
		if t != nil {
			t.Stop()
		}
	})
}

func (s *Supervisor) publish(src readiness.Source, at time.Time) {
	s.events.Publish(readiness.Activity{Source: src, At: at})
	metrics.IncActivity(string(src))
}

// reject resolves readiness with a failure and records it.
func (s *Supervisor) reject(ctx context.Context, o outcome.Outcome, typ history.EventType) {
	s.ready.Resolve(o)
	metrics.SetReady(false)
	s.record(ctx, history.Event{Type: typ, Code: int(o.Code), Detail: o.Detail})
}

func (s *Supervisor) record(ctx context.Context, e history.Event) {
	if s.opts.History == nil {
		return
	}
	e.OccurredAt = s.clock.Now().UTC()
	e.Daemon = s.opts.Name
	e.Session = s.opts.Session
	if t := s.Target(); t.Path != "" {
		e.Target = t.Describe() + " -> " + t.Path
	}
	s.opts.History.Record(ctx, e)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Shutdown asks the daemon to terminate and waits for it to exit. If it is
// still alive after StopTimeout it is killed. Shutdown is safe to call in any
// state and more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.started && (s.state == StateIdle || s.state == StatePreflighted || s.state == StateSpawning) {
		// Start is still in flight. If ctx ends first, Start terminates the
		// daemon itself once the launch returns.
		s.stopReq = true
		s.mu.Unlock()
		select {
		case <-s.launched:
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.Shutdown(ctx)
	}
	s.mu.Unlock()

	defer s.stopTicker()

	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		if st == StateTerminating {
			return s.waitExit(ctx)
		}
		return nil
	}
	s.state = StateTerminating
	h, pid := s.handle, s.pid
	s.mu.Unlock()

	s.log.Info("terminating daemon", "pid", pid)
	if err := h.Terminate(); err != nil {
		s.log.Warn("terminate signal failed", "pid", pid, "error", err)
	}

	var err error
	select {
	case <-s.exited:
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.clock.After(s.opts.StopTimeout):
		s.log.Warn("daemon did not exit in time, killing", "pid", pid, "timeout", s.opts.StopTimeout)
		s.mu.Lock()
		s.killed = true
		s.mu.Unlock()
		if kerr := h.Kill(); kerr != nil {
			s.log.Error("kill failed", "pid", pid, "error", kerr)
		}
		select {
		case <-s.exited:
		case <-ctx.Done():
			err = ctx.Err()
		case <-s.clock.After(killWait):
			err = fmt.Errorf("daemon pid %d did not exit after kill", pid)
		}
	}
	s.record(context.WithoutCancel(ctx), history.Event{Type: history.EventShutdown, PID: pid, Detail: errString(err)})
	return err
}

func (s *Supervisor) waitExit(ctx context.Context) error {
	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready returns the one-shot readiness signal.
func (s *Supervisor) Ready() *readiness.Signal { return s.ready }

// Activity returns the activity broadcaster.
func (s *Supervisor) Activity() *readiness.Broadcaster { return s.events }

// Exited is closed once the spawned daemon has been reaped.
func (s *Supervisor) Exited() <-chan struct{} { return s.exited }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the spawned daemon's pid, 0 before spawn.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// RunningPID returns the pid only while the daemon is alive.
func (s *Supervisor) RunningPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitState != ExitRunning {
		return 0
	}
	return s.pid
}

func (s *Supervisor) Target() platform.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Supervisor) Session() string { return s.opts.Session }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
