package nodewarden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/nodewarden/internal/config"
	"github.com/loykin/nodewarden/internal/history"
	hfactory "github.com/loykin/nodewarden/internal/history/factory"
	"github.com/loykin/nodewarden/internal/logger"
	"github.com/loykin/nodewarden/internal/metrics"
	"github.com/loykin/nodewarden/internal/outcome"
	"github.com/loykin/nodewarden/internal/pidstore"
	pfactory "github.com/loykin/nodewarden/internal/pidstore/factory"
	"github.com/loykin/nodewarden/internal/platform"
	"github.com/loykin/nodewarden/internal/process"
	"github.com/loykin/nodewarden/internal/readiness"
	"github.com/loykin/nodewarden/internal/server"
	"github.com/loykin/nodewarden/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Status = supervisor.Status

type State = supervisor.State

type Outcome = outcome.Outcome

type Target = platform.Target

type Host = platform.Host

type Activity = readiness.Activity

type Probe = supervisor.Probe

type PIDRecord = pidstore.Record

type ResourceSample = metrics.ResourceSample

// LoadConfig reads a TOML config file with NODEWARDEN_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// schemaTimeout bounds store/table creation at construction.
const schemaTimeout = 10 * time.Second

type daemonOpts struct {
	logger   *slog.Logger
	probe    Probe
	host     Host
	registry *prometheus.Registry
}

type Option func(*daemonOpts)

// WithLogger replaces the logger built from [log].
func WithLogger(l *slog.Logger) Option { return func(o *daemonOpts) { o.logger = l } }

// WithProbe makes readiness depend on p succeeding after the grace period.
func WithProbe(p Probe) Option { return func(o *daemonOpts) { o.probe = p } }

// WithHost overrides the detected os/arch.
func WithHost(h Host) Option { return func(o *daemonOpts) { o.host = h } }

// WithRegistry registers metrics on r instead of the default registry.
func WithRegistry(r *prometheus.Registry) Option { return func(o *daemonOpts) { o.registry = r } }

// Daemon is a configured supervisor together with the resources it owns:
// PID store, history sinks, output files and resource sampler.
type Daemon struct {
	cfg     *Config
	log     *slog.Logger
	sup     *supervisor.Supervisor
	store   pidstore.Store
	hist    *history.Recorder
	sampler *metrics.ResourceSampler
	gather  prometheus.Gatherer
	closers []io.Closer

	stopSampling context.CancelFunc
}

// NewDaemon builds a Daemon from cfg. Nothing is spawned until Start.
func NewDaemon(cfg *Config, opts ...Option) (_ *Daemon, err error) {
	if cfg == nil {
		return nil, errors.New("nodewarden: nil config")
	}
	var o daemonOpts
	for _, fn := range opts {
		fn(&o)
	}
	d := &Daemon{cfg: cfg, log: o.logger}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.log == nil {
		l, c, lerr := logger.New(cfg.Log)
		if lerr != nil {
			return nil, lerr
		}
		d.log, d.closers = l, append(d.closers, c)
	}

	resolver, err := platform.NewResolver(cfg.Daemon.Table())
	if err != nil {
		return nil, fmt.Errorf("platform table: %w", err)
	}
	environ, err := cfg.Daemon.Environment()
	if err != nil {
		return nil, fmt.Errorf("daemon environment: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	// Persistence and history are best effort: a broken backend is logged and
	// disabled for this session, the daemon still starts.
	if cfg.Store.DSN != "" {
		d.store = openStore(ctx, d.log, cfg.Store.DSN)
	}
	if cfg.History.DSN != "" {
		d.hist = openHistory(ctx, d.log, cfg.History)
	}

	stdout, stderr, err := cfg.Log.ProcessWriters(cfg.Daemon.Name)
	if err != nil {
		return nil, err
	}
	sopts := supervisor.Options{
		Name:             cfg.Daemon.Name,
		Host:             o.host,
		Resolver:         resolver,
		Launcher:         process.Exec{},
		Logger:           d.log,
		History:          d.hist,
		Probe:            o.probe,
		Args:             cfg.Daemon.Args,
		WorkDir:          cfg.Daemon.WorkDir,
		Env:              environ,
		GracePeriod:      cfg.Daemon.GracePeriod,
		ActivityInterval: cfg.Daemon.ActivityInterval,
		StopTimeout:      cfg.Daemon.StopTimeout,
	}
	if d.store != nil {
		sopts.Store = d.store
	}
	if stdout != nil {
		sopts.Stdout = stdout
		d.closers = append(d.closers, stdout)
	}
	if stderr != nil {
		sopts.Stderr = stderr
		d.closers = append(d.closers, stderr)
	}

	if cfg.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		d.gather = prometheus.DefaultGatherer
		if o.registry != nil {
			reg, d.gather = o.registry, o.registry
		}
		if merr := metrics.Register(reg); merr != nil {
			return nil, fmt.Errorf("register metrics: %w", merr)
		}
		if cfg.Metrics.Resource.Enabled {
			d.sampler = metrics.NewResourceSampler(cfg.Metrics.Resource, d.log)
			if merr := d.sampler.Register(reg); merr != nil {
				return nil, fmt.Errorf("register resource metrics: %w", merr)
			}
		}
	}

	d.sup, err = supervisor.New(sopts)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openStore(ctx context.Context, log *slog.Logger, dsn string) pidstore.Store {
	st, err := pfactory.NewFromDSN(dsn)
	if err != nil {
		log.Warn("pid store unavailable, persistence disabled", "error", err)
		return nil
	}
	if err := st.EnsureSchema(ctx); err != nil {
		log.Warn("pid store schema failed, persistence disabled", "error", err)
		_ = st.Close()
		return nil
	}
	return st
}

func openHistory(ctx context.Context, log *slog.Logger, cfg config.HistoryConfig) *history.Recorder {
	sink, err := hfactory.NewSinkFromDSN(cfg.DSN)
	if err != nil {
		log.Warn("history sink unavailable, history disabled", "error", err)
		return nil
	}
	if t, ok := sink.(interface{ EnsureTable(context.Context) error }); ok {
		if err := t.EnsureTable(ctx); err != nil {
			log.Warn("history table setup failed, history disabled", "error", err)
			if c, ok := sink.(interface{ Close() error }); ok {
				_ = c.Close()
			}
			return nil
		}
	}
	return history.NewRecorder(log, sink).WithTimeout(cfg.Timeout)
}

// Start runs pre-flight, reaps a stale daemon and spawns a new one. A failure
// is an Outcome carrying its code; readiness has already been rejected.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.sup.Start(ctx); err != nil {
		return err
	}
	if d.sampler != nil && d.sampler.Enabled() {
		sctx, cancel := context.WithCancel(context.Background())
		d.stopSampling = cancel
		d.sampler.Start(sctx, d.sup.RunningPID)
	}
	return nil
}

// Shutdown terminates the daemon, escalating to a kill after the stop timeout.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.stopSampling != nil {
		d.stopSampling()
		d.sampler.Stop()
	}
	return d.sup.Shutdown(ctx)
}

// Close releases stores, sinks and log files. Call after Shutdown.
func (d *Daemon) Close() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.hist != nil {
		errs = append(errs, d.hist.Close())
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	return errors.Join(errs...)
}

// WaitReady blocks until readiness resolves or ctx ends.
func (d *Daemon) WaitReady(ctx context.Context) (Outcome, error) { return d.sup.Ready().Wait(ctx) }

// Ready is the one-shot readiness signal.
func (d *Daemon) Ready() *readiness.Signal { return d.sup.Ready() }

// Subscribe returns a stream of activity events and its cancel func.
func (d *Daemon) Subscribe() (<-chan Activity, func()) { return d.sup.Activity().Subscribe() }

// Exited closes when the daemon process has exited.
func (d *Daemon) Exited() <-chan struct{} { return d.sup.Exited() }

func (d *Daemon) Status() Status { return d.sup.Status() }

func (d *Daemon) State() State { return d.sup.State() }

func (d *Daemon) Session() string { return d.sup.Session() }

func (d *Daemon) Logger() *slog.Logger { return d.log }

// StopTimeout is the configured grace before a forced kill.
func (d *Daemon) StopTimeout() time.Duration { return d.cfg.Daemon.StopTimeout }

// Handler returns the status API mounted under basePath, with /metrics when
// metrics are enabled.
func (d *Daemon) Handler(basePath string) http.Handler {
	var opts []server.Option
	if d.sampler != nil {
		opts = append(opts, server.WithResourceSampler(d.sampler))
	}
	if d.gather != nil {
		opts = append(opts, server.WithMetrics(metrics.HandlerFor(d.gather)))
	}
	return server.NewRouter(d.sup, basePath, opts...).Handler()
}

// Resolve reports which executable cfg selects for host, applying the same
// support check as pre-flight. It does not touch the filesystem.
func Resolve(cfg *Config, host Host) (Target, error) {
	r, err := platform.NewResolver(cfg.Daemon.Table())
	if err != nil {
		return Target{}, err
	}
	if !r.Supported(host.OS) {
		return Target{}, outcome.Failf(outcome.CodeUnsupportedPlatform, "%s is not supported", host)
	}
	return r.Resolve(host.OS, host.Arch)
}

// DetectHost returns the normalized os/arch of this machine.
func DetectHost() Host { return platform.HostFromRuntime() }

// OpenPIDStore opens the configured PID store for inspection, e.g. by the CLI.
func OpenPIDStore(cfg *Config) (pidstore.Store, error) {
	if cfg.Store.DSN == "" {
		return nil, errors.New("store.dsn is empty; PID persistence is disabled")
	}
	st, err := pfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
