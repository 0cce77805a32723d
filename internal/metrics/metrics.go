package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "nodewarden"
	subsystem = "daemon"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawns_total",
			Help:      "Number of successful daemon spawns.",
		},
	)
	preflightFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "preflight_failures_total",
			Help:      "Start attempts rejected before spawn, by outcome code.",
		}, []string{"code"},
	)
	activityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "activity_events_total",
			Help:      "Activity notifications published, by source (output or tick).",
		}, []string{"source"},
	)
	staleReaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_reaps_total",
			Help:      "Recorded PIDs from previous sessions handled at startup, by result.",
		}, []string{"result"},
	)
	exits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exits_total",
			Help:      "Number of observed daemon exits.",
		},
	)
	ready = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ready",
			Help:      "1 once readiness resolved successfully, 0 otherwise.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running",
			Help:      "1 while a daemon process is alive, 0 otherwise.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, preflightFailures, activityEvents, staleReaps, exits, ready, running}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registry is fine
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncSpawn() {
	if regOK.Load() {
		spawns.Inc()
	}
}

func IncPreflightFailure(code string) {
	if regOK.Load() {
		preflightFailures.WithLabelValues(code).Inc()
	}
}

func IncActivity(source string) {
	if regOK.Load() {
		activityEvents.WithLabelValues(source).Inc()
	}
}

// IncStaleReap records how a stale pid was handled: "terminated",
// "not_running", "reused" or "error".
func IncStaleReap(result string) {
	if regOK.Load() {
		staleReaps.WithLabelValues(result).Inc()
	}
}

func IncExit() {
	if regOK.Load() {
		exits.Inc()
	}
}

func SetReady(ok bool) {
	if regOK.Load() {
		ready.Set(boolGauge(ok))
	}
}

func SetRunning(ok bool) {
	if regOK.Load() {
		running.Set(boolGauge(ok))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
