package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of the daemon process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures periodic sampling of the supervised daemon.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler polls the daemon pid with gopsutil and keeps a bounded
// history of readings.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration

	mu      sync.RWMutex
	ring    []ResourceSample
	start   int
	count   int
	logger  *slog.Logger
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewResourceSampler applies defaults (5s interval, 100 samples).
func NewResourceSampler(cfg ResourceConfig, logger *slog.Logger) *ResourceSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		ring:       make([]ResourceSample, cfg.MaxHistory),
		logger:     logger,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the daemon."),
		memoryMB:   gauge("memory_mb", "Resident memory of the daemon in MB."),
		numThreads: gauge("num_threads", "Thread count of the daemon."),
		numFDs:     gauge("num_fds", "Open file descriptors of the daemon (Unix only)."),
	}
}

// Register adds the resource gauges to r. Disabled samplers register nothing.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx ends or Stop is called.
// A pid of 0 means no daemon is running and the tick is skipped.
func (s *ResourceSampler) Start(ctx context.Context, pid func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				p := pid()
				if p <= 0 {
					continue
				}
				if _, err := s.SampleOnce(int32(p)); err != nil {
					s.logger.Debug("resource sample failed", "pid", p, "error", err)
				}
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to return.
func (s *ResourceSampler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce reads pid now, updates the gauges and appends to history.
func (s *ResourceSampler) SampleOnce(pid int32) (ResourceSample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("open pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := p.NumThreads()
	if err != nil {
		threads = 0
	}
	rs := ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDs(); err == nil {
			rs.NumFDs = fds
		}
	}

	s.cpuPercent.Set(rs.CPUPercent)
	s.memoryMB.Set(rs.MemoryMB)
	s.numThreads.Set(float64(rs.NumThreads))
	if rs.NumFDs > 0 {
		s.numFDs.Set(float64(rs.NumFDs))
	}
	s.add(rs)
	return rs, nil
}

func (s *ResourceSampler) add(rs ResourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.ring)
	if s.count < n {
		s.ring[(s.start+s.count)%n] = rs
		s.count++
		return
	}
	s.ring[s.start] = rs
	s.start = (s.start + 1) % n
}

// Latest returns the most recent sample.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	return s.ring[(s.start+s.count-1)%len(s.ring)], true
}

// History returns samples oldest first.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.start+i)%len(s.ring)])
	}
	return out
}

// Enabled reports whether sampling is configured.
func (s *ResourceSampler) Enabled() bool { return s.enabled }
