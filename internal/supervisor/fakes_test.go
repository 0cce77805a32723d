package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/nodewarden/internal/clock"
	"github.com/loykin/nodewarden/internal/pidstore"
	"github.com/loykin/nodewarden/internal/platform"
	"github.com/loykin/nodewarden/internal/process"
)

// journal records cross-fake call order.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

type fakeHandle struct {
	pid        int
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	done       chan struct{}
	once       sync.Once
	exitErr    error
	stubborn   bool // ignores Terminate
	terminated atomic.Int32
	killed     atomic.Int32
}

func newFakeHandle(pid int) *fakeHandle {
	h := &fakeHandle{pid: pid, done: make(chan struct{})}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	return h
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.exitErr = err
		_ = h.outW.Close()
		_ = h.errW.Close()
		close(h.done)
	})
}

func (h *fakeHandle) PID() int          { return h.pid }
func (h *fakeHandle) Stdout() io.Reader { return h.outR }
func (h *fakeHandle) Stderr() io.Reader { return h.errR }

func (h *fakeHandle) Wait() error {
	<-h.done
	return h.exitErr
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Add(1)
	if !h.stubborn {
		h.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Add(1)
	h.exit(errors.New("signal: killed"))
	return nil
}

type fakeLauncher struct {
	j      *journal
	handle *fakeHandle
	err    error
	calls  atomic.Int32
	spec   process.Spec

	// when set, Launch closes entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}
}

func (l *fakeLauncher) Launch(_ context.Context, spec process.Spec) (process.Handle, error) {
	l.calls.Add(1)
	l.spec = spec
	l.j.add("launch:%s", spec.Path)
	if l.release != nil {
		close(l.entered)
		<-l.release
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.handle, nil
}

type fakeStore struct {
	j        *journal
	mu       sync.Mutex
	rec      *pidstore.Record
	loadErr  error
	saveErr  error
	clearErr error
}

func (s *fakeStore) EnsureSchema(context.Context) error { return nil }

func (s *fakeStore) Load(context.Context) (pidstore.Record, bool, error) {
	s.j.add("load")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return pidstore.Record{}, false, s.loadErr
	}
	if s.rec == nil {
		return pidstore.Record{}, false, nil
	}
	return *s.rec, true, nil
}

func (s *fakeStore) Save(_ context.Context, rec pidstore.Record) error {
	s.j.add("save:%d", rec.PID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rec = &rec
	return nil
}

func (s *fakeStore) Clear(context.Context) error {
	s.j.add("clear")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return s.clearErr
	}
	s.rec = nil
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) current() *pidstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

type fakeKiller struct {
	j         *journal
	err       error
	startUnix map[int]int64
}

func (k *fakeKiller) Terminate(pid int) error {
	k.j.add("terminate:%d", pid)
	return k.err
}

func (k *fakeKiller) StartUnix(pid int) int64 { return k.startUnix[pid] }

type fakeInfo struct {
	name string
	mode fs.FileMode
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return 0 }
func (i fakeInfo) Mode() fs.FileMode  { return i.mode }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.mode.IsDir() }
func (i fakeInfo) Sys() any           { return nil }

type fakeFS struct {
	mu       sync.Mutex
	files    map[string]fs.FileMode
	chmods   []fs.FileMode
	chmodErr error
}

func (f *fakeFS) Stat(name string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return fakeInfo{name: filepath.Base(name), mode: m}, nil
}

func (f *fakeFS) Chmod(name string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chmods = append(f.chmods, mode)
	if f.chmodErr != nil {
		return f.chmodErr
	}
	f.files[name] = mode
	return nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const (
	binDir    = "/opt/nodewarden/bin"
	linuxPath = binDir + "/linux/x64/walletd"
	darwinDef = binDir + "/darwin/x64/walletd"
)

// harness bundles a supervisor with its fakes. Every executable in the
// default table exists with mode 0755 unless a test changes fs.files.
type harness struct {
	j        *journal
	clock    *clock.FakeClock
	fs       *fakeFS
	launcher *fakeLauncher
	store    *fakeStore
	killer   *fakeKiller
	handle   *fakeHandle
	logs     *syncBuffer
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	table := platform.DefaultTable(binDir, "walletd")
	files := map[string]fs.FileMode{}
	for _, arches := range table {
		for _, p := range arches {
			files[p] = 0o755
		}
	}
	resolver, err := platform.NewResolver(table)
	require.NoError(t, err)

	h := &harness{
		j:      j,
		clock:  clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		fs:     &fakeFS{files: files},
		store:  &fakeStore{j: j},
		killer: &fakeKiller{j: j, startUnix: map[int]int64{}},
		handle: newFakeHandle(4242),
		logs:   &syncBuffer{},
	}
	h.launcher = &fakeLauncher{j: j, handle: h.handle}
	h.opts = Options{
		Name:     "walletd",
		Host:     platform.Host{OS: platform.OSLinux, Arch: platform.ArchX64},
		Resolver: resolver,
		FS:       h.fs,
		Launcher: h.launcher,
		Killer:   h.killer,
		Store:    h.store,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Args:     []string{"-alertnotify=notify %s", "-walletnotify=notify %s"},
		Session:  "test-session",
	}
	return h
}

func (h *harness) build(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(h.opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.handle.exit(nil)
		_ = s.Shutdown(context.Background())
	})
	return s
}

func pidRecord(pid int) pidstore.Record {
	return pidstore.Record{Kind: pidstore.KindDaemon, PID: pid, Session: "previous", UpdatedAt: time.Now().UTC()}
}

func ptrRecord(pid int) *pidstore.Record {
	r := pidRecord(pid)
	return &r
}
