package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodewarden/internal/history"
	"github.com/loykin/nodewarden/internal/outcome"
	"github.com/loykin/nodewarden/internal/pidstore/sqlite"
	"github.com/loykin/nodewarden/internal/platform"
	"github.com/loykin/nodewarden/internal/process"
	"github.com/loykin/nodewarden/internal/readiness"
)

const waitFor = 2 * time.Second

func readyNow(t *testing.T, s *Supervisor) outcome.Outcome {
	t.Helper()
	o, ok := s.Ready().Result()
	require.True(t, ok, "readiness should be resolved")
	return o
}

func recv(t *testing.T, ch <-chan readiness.Activity) readiness.Activity {
	t.Helper()
	select {
	case a, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return a
	case <-time.After(waitFor):
		t.Fatal("no activity received")
	}
	return readiness.Activity{}
}

func TestNewRequiresResolverAndLauncher(t *testing.T) {
	_, err := New(Options{Launcher: &fakeLauncher{}})
	require.Error(t, err)
	r, _ := platform.NewResolver(platform.DefaultTable("/bin", "d"))
	_, err = New(Options{Resolver: r})
	require.Error(t, err)

	s, err := New(Options{Resolver: r, Launcher: &fakeLauncher{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultGracePeriod, s.opts.GracePeriod)
	assert.Equal(t, DefaultActivityInterval, s.opts.ActivityInterval)
	assert.NotEmpty(t, s.Session())
	assert.Equal(t, StateIdle, s.State())
}

func TestStartLinuxX64(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, linuxPath, s.Target().Path)
	assert.Equal(t, linuxPath, h.launcher.spec.Path)
	assert.Equal(t, h.opts.Args, h.launcher.spec.Args, "notification hooks pass through untouched")
	assert.Equal(t, 4242, s.PID())

	_, resolved := s.Ready().Result()
	assert.False(t, resolved, "readiness waits for the grace period")

	h.clock.Advance(DefaultGracePeriod - time.Millisecond)
	_, resolved = s.Ready().Result()
	assert.False(t, resolved)

	h.clock.Advance(time.Millisecond)
	o := readyNow(t, s)
	assert.True(t, o.Succeeded)
	assert.Equal(t, outcome.CodeOK, o.Code)
}

func TestStartUnsupportedPlatform(t *testing.T) {
	h := newHarness(t)
	h.opts.Host = platform.Host{OS: "plan9", Arch: platform.ArchX64}
	s := h.build(t)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, outcome.ErrUnsupportedPlatform)
	assert.Equal(t, StatePreflightFailed, s.State())

	o := readyNow(t, s)
	assert.False(t, o.Succeeded)
	assert.Equal(t, outcome.CodeUnsupportedPlatform, o.Code)
	assert.Zero(t, h.launcher.calls.Load(), "never spawned")
	assert.Empty(t, h.j.list(), "no store or kill activity")
}

func TestStartArchFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	h.opts.Host = platform.Host{OS: platform.OSDarwin, Arch: platform.ArchARM64}
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, darwinDef, s.Target().Path)
	assert.Equal(t, platform.ArchARM64, s.Target().Arch)
	assert.Equal(t, darwinDef, h.launcher.spec.Path)
}

func TestStartExecutableNotFound(t *testing.T) {
	h := newHarness(t)
	delete(h.fs.files, linuxPath)
	h.store.rec = nil
	s := h.build(t)

	err := s.Start(context.Background())
	require.ErrorIs(t, err, outcome.ErrExecutableNotFound)
	assert.Contains(t, err.Error(), "linux/x64")

	o := readyNow(t, s)
	assert.Equal(t, outcome.CodeExecutableNotFound, o.Code)
	assert.Empty(t, h.j.list(), "no PID store mutation and no launch")
	assert.Nil(t, h.store.current())
}

func TestStartDirectoryIsNotExecutable(t *testing.T) {
	h := newHarness(t)
	h.fs.files[linuxPath] = fs.ModeDir | 0o755
	s := h.build(t)

	err := s.Start(context.Background())
	require.ErrorIs(t, err, outcome.ErrExecutableNotFound)
}

func TestSpawnPersistsSingleRecord(t *testing.T) {
	h := newHarness(t)
	h.killer.startUnix[4242] = 1700000000
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	rec := h.store.current()
	require.NotNil(t, rec)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, int64(1700000000), rec.StartUnix)
	assert.Equal(t, "test-session", rec.Session)
	assert.Equal(t, []string{"load", "launch:" + linuxPath, "save:4242"}, h.j.list())
}

func TestSpawnWithSQLiteStoreKeepsOneRecord(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "pid.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))

	// the previous session's record is replaced, never duplicated
	require.NoError(t, st.Save(ctx, pidRecord(1234)))

	h := newHarness(t)
	h.opts.Store = st
	h.killer.err = process.ErrNotRunning
	s := h.build(t)
	require.NoError(t, s.Start(ctx))

	rec, ok, err := st.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4242, rec.PID)
}

func TestReapStaleBeforeSpawn(t *testing.T) {
	h := newHarness(t)
	h.store.rec = ptrRecord(1234)
	h.killer.err = errors.New("pid 1234: process not running")
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{
		"load",
		"terminate:1234",
		"clear",
		"launch:" + linuxPath,
		"save:4242",
	}, h.j.list())
	assert.Equal(t, 4242, h.store.current().PID)
}

func TestReapStaleNotRunningStillClears(t *testing.T) {
	h := newHarness(t)
	h.store.rec = ptrRecord(1234)
	h.killer.err = process.ErrNotRunning
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Contains(t, h.j.list(), "clear")
	assert.Contains(t, h.logs.String(), "stale daemon already gone")
	assert.Equal(t, StateRunning, s.State())
}

func TestReapSkipsReusedPID(t *testing.T) {
	h := newHarness(t)
	rec := ptrRecord(1234)
	rec.StartUnix = 1000
	h.store.rec = rec
	h.killer.startUnix[1234] = 2000
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	ops := h.j.list()
	assert.NotContains(t, ops, "terminate:1234", "a reused pid must not be signalled")
	assert.Contains(t, ops, "clear")
}

func TestReapMatchingStartTimeTerminates(t *testing.T) {
	h := newHarness(t)
	rec := ptrRecord(1234)
	rec.StartUnix = 1000
	h.store.rec = rec
	h.killer.startUnix[1234] = 1000
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Contains(t, h.j.list(), "terminate:1234")
}

func TestStoreFailuresDoNotBlockStartup(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		h := newHarness(t)
		h.store.loadErr = errors.New("disk on fire")
		s := h.build(t)
		require.NoError(t, s.Start(context.Background()))
		assert.Equal(t, []string{"load", "launch:" + linuxPath, "save:4242"}, h.j.list())
	})
	t.Run("clear", func(t *testing.T) {
		h := newHarness(t)
		h.store.rec = ptrRecord(1234)
		h.store.clearErr = errors.New("read-only")
		s := h.build(t)
		require.NoError(t, s.Start(context.Background()))
		assert.Contains(t, h.logs.String(), "failed to clear pid record")
	})
	t.Run("save", func(t *testing.T) {
		h := newHarness(t)
		h.store.saveErr = errors.New("read-only")
		s := h.build(t)
		require.NoError(t, s.Start(context.Background()))
		assert.Contains(t, h.logs.String(), "failed to persist daemon pid")
		assert.Equal(t, StateRunning, s.State())
	})
}

func TestNilStoreSkipsPersistence(t *testing.T) {
	h := newHarness(t)
	h.opts.Store = nil
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"launch:" + linuxPath}, h.j.list())
}

func TestChmodOnUnixHosts(t *testing.T) {
	h := newHarness(t)
	h.fs.files[linuxPath] = 0o644
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))
	require.Len(t, h.fs.chmods, 1)
	assert.Equal(t, "-rwxr-xr-x", h.fs.chmods[0].String())
}

func TestChmodFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.fs.files[linuxPath] = 0o644
	h.fs.chmodErr = errors.New("operation not permitted")
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))
	assert.Contains(t, h.logs.String(), "chmod +x failed")
}

func TestNoChmodOnWindows(t *testing.T) {
	h := newHarness(t)
	h.opts.Host = platform.Host{OS: platform.OSWindows, Arch: platform.ArchX64}
	for p := range h.fs.files {
		h.fs.files[p] = 0o644
	}
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, h.fs.chmods)
	assert.True(t, strings.HasSuffix(h.launcher.spec.Path, ".exe"))
}

func TestSpawnFailureRejectsReadiness(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = errors.New("exec format error")
	s := h.build(t)

	err := s.Start(context.Background())
	require.ErrorIs(t, err, outcome.ErrSpawnFailure)
	o := readyNow(t, s)
	assert.Equal(t, outcome.CodeSpawnFailure, o.Code)
	assert.Contains(t, o.Detail, "exec format error")
	assert.Nil(t, h.store.current(), "nothing to persist")
	assert.Equal(t, StateExited, s.State())
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, int32(1), h.launcher.calls.Load())
}

func TestReadinessIsMonotonicAndShared(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)

	var wg sync.WaitGroup
	results := make([]outcome.Outcome, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := s.Ready().Wait(context.Background())
			assert.NoError(t, err)
			results[i] = o
		}(i)
	}
	require.NoError(t, s.Start(context.Background()))
	h.clock.Advance(DefaultGracePeriod)
	wg.Wait()
	for _, o := range results {
		assert.Equal(t, outcome.OK("grace period elapsed"), o)
	}

	// a late waiter and a later exit see the same value
	h.handle.exit(errors.New("exit status 1"))
	<-s.Exited()
	o, err := s.Ready().Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, o.Succeeded)
}

func TestProbe(t *testing.T) {
	t.Run("failure", func(t *testing.T) {
		h := newHarness(t)
		h.opts.Probe = func(ctx context.Context, target platform.Target, pid int) error {
			assert.Equal(t, 4242, pid)
			assert.Equal(t, linuxPath, target.Path)
			return errors.New("rpc: connection refused")
		}
		s := h.build(t)
		require.NoError(t, s.Start(context.Background()))
		h.clock.Advance(DefaultGracePeriod)
		o := readyNow(t, s)
		assert.False(t, o.Succeeded)
		assert.Equal(t, outcome.CodeProbeFailure, o.Code)
		assert.Contains(t, o.Detail, "connection refused")
	})
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.opts.Probe = func(context.Context, platform.Target, int) error { return nil }
		s := h.build(t)
		require.NoError(t, s.Start(context.Background()))
		h.clock.Advance(DefaultGracePeriod)
		assert.True(t, readyNow(t, s).Succeeded)
	})
}

func TestActivityOnOutput(t *testing.T) {
	h := newHarness(t)
	var copyBuf syncBuffer
	h.opts.Stdout = &copyBuf
	s := h.build(t)
	ch, cancel := s.Activity().Subscribe()
	defer cancel()

	require.NoError(t, s.Start(context.Background()))
	_, err := h.handle.outW.Write([]byte("UpdateTip: new best=000000abc height=1\n"))
	require.NoError(t, err)

	a := recv(t, ch)
	assert.Equal(t, readiness.SourceOutput, a.Source)
	require.Eventually(t, func() bool { return strings.Contains(copyBuf.String(), "UpdateTip") },
		waitFor, 10*time.Millisecond)
}

func TestActivityTickerWithoutOutput(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)
	ch, cancel := s.Activity().Subscribe()
	defer cancel()

	require.NoError(t, s.Start(context.Background()))
	h.clock.Advance(DefaultActivityInterval)
	assert.Equal(t, readiness.SourceTick, recv(t, ch).Source)
	h.clock.Advance(DefaultActivityInterval)
	assert.Equal(t, readiness.SourceTick, recv(t, ch).Source)
}

func TestStderrIsLoggedOnly(t *testing.T) {
	h := newHarness(t)
	var errCopy bytes.Buffer
	var mu sync.Mutex
	h.opts.Stderr = writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return errCopy.Write(p)
	})
	s := h.build(t)
	ch, cancel := s.Activity().Subscribe()
	defer cancel()

	require.NoError(t, s.Start(context.Background()))
	_, err := h.handle.errW.Write([]byte("Error: wallet locked\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return strings.Contains(h.logs.String(), "wallet locked") },
		waitFor, 10*time.Millisecond)
	select {
	case a := <-ch:
		t.Fatalf("stderr must not publish activity, got %+v", a)
	default:
	}
	assert.Equal(t, StateRunning, s.State())
	mu.Lock()
	assert.Equal(t, "Error: wallet locked\n", errCopy.String())
	mu.Unlock()
}

func TestDaemonExitIsRecordedWithoutRestart(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))

	h.handle.exit(errors.New("exit status 2"))
	select {
	case <-s.Exited():
	case <-time.After(waitFor):
		t.Fatal("exit not observed")
	}
	st := s.Status()
	assert.Equal(t, StateExited, st.State)
	assert.Equal(t, ExitExited, st.ExitState)
	assert.Equal(t, "exit status 2", st.ExitError)
	assert.Zero(t, s.RunningPID())
	assert.Equal(t, int32(1), h.launcher.calls.Load(), "no auto restart")
}

func TestShutdownGraceful(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(1), h.handle.terminated.Load())
	assert.Zero(t, h.handle.killed.Load())
	assert.Equal(t, StateExited, s.State())
	assert.Equal(t, ExitExited, s.Status().ExitState)

	// idempotent
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(1), h.handle.terminated.Load())
}

func TestShutdownForcesKillAfterTimeout(t *testing.T) {
	h := newHarness(t)
	h.handle.stubborn = true
	h.opts.StopTimeout = 3 * time.Second
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))
	base := h.clock.Pending() // grace timer and ticker

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()
	h.clock.WaitForTimers(base + 1)
	h.clock.Advance(3 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, int32(1), h.handle.terminated.Load())
	assert.Equal(t, int32(1), h.handle.killed.Load())
	assert.Equal(t, ExitKilled, s.Status().ExitState)
}

func TestShutdownHonoursContext(t *testing.T) {
	h := newHarness(t)
	h.handle.stubborn = true
	s := h.build(t)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Shutdown(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateTerminating, s.State())
}

func TestShutdownBeforeStart(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateIdle, s.State())
}

func TestShutdownWaitsForInFlightSpawn(t *testing.T) {
	h := newHarness(t)
	h.launcher.entered = make(chan struct{})
	h.launcher.release = make(chan struct{})
	s := h.build(t)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-h.launcher.entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Shutdown(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("shutdown returned while the launch was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.launcher.release)
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("start did not return")
	}
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, int32(1), h.handle.terminated.Load())
	assert.Equal(t, StateExited, s.State())
}

func TestAbandonedShutdownStillTerminatesSpawnedDaemon(t *testing.T) {
	h := newHarness(t)
	h.launcher.entered = make(chan struct{})
	h.launcher.release = make(chan struct{})
	s := h.build(t)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-h.launcher.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.Canceled)

	close(h.launcher.release)
	require.NoError(t, <-started)
	select {
	case <-s.Exited():
	case <-time.After(waitFor):
		t.Fatal("daemon left running after shutdown was requested")
	}
	assert.Equal(t, int32(1), h.handle.terminated.Load())
}

func TestHistoryEvents(t *testing.T) {
	sink := &memSink{}
	h := newHarness(t)
	h.opts.History = history.NewRecorder(nil, sink)
	h.store.rec = ptrRecord(1234)
	h.killer.err = process.ErrNotRunning
	s := h.build(t)

	require.NoError(t, s.Start(context.Background()))
	h.clock.Advance(DefaultGracePeriod)
	require.NoError(t, s.Shutdown(context.Background()))

	require.Eventually(t, func() bool { return len(sink.types()) >= 5 }, waitFor, 10*time.Millisecond)
	types := sink.types()
	assert.Equal(t, []history.EventType{
		history.EventStaleReaped,
		history.EventSpawned,
		history.EventReady,
	}, types[:3])
	assert.ElementsMatch(t, []history.EventType{history.EventExited, history.EventShutdown}, types[3:5])
	for _, e := range sink.all() {
		assert.Equal(t, "walletd", e.Daemon)
		assert.Equal(t, "test-session", e.Session)
	}
}

func TestHistoryPreflightFailure(t *testing.T) {
	sink := &memSink{}
	h := newHarness(t)
	h.opts.History = history.NewRecorder(nil, sink)
	h.opts.Host = platform.Host{OS: "plan9", Arch: "x64"}
	s := h.build(t)

	require.Error(t, s.Start(context.Background()))
	all := sink.all()
	require.Len(t, all, 1)
	assert.Equal(t, history.EventPreflightFailed, all[0].Type)
	assert.Equal(t, int(outcome.CodeUnsupportedPlatform), all[0].Code)
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t)
	s := h.build(t)
	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.Ready)

	require.NoError(t, s.Start(context.Background()))
	h.clock.Advance(DefaultGracePeriod)
	st = s.Status()
	assert.Equal(t, "linux/x64", st.Host)
	assert.Equal(t, 4242, st.PID)
	assert.Equal(t, ExitRunning, st.ExitState)
	require.NotNil(t, st.Ready)
	assert.True(t, st.Ready.Succeeded)
	assert.Equal(t, 4242, s.RunningPID())
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) all() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Event(nil), m.events...)
}

func (m *memSink) types() []history.EventType {
	var out []history.EventType
	for _, e := range m.all() {
		out = append(out, e.Type)
	}
	return out
}
