package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodewarden/internal/metrics"
	"github.com/loykin/nodewarden/internal/readiness"
	"github.com/loykin/nodewarden/internal/supervisor"
)

// maxReadyWait caps the ?wait= long-poll on /ready.
const maxReadyWait = time.Minute

// Daemon is the part of the supervisor the HTTP API reads from.
type Daemon interface {
	Status() supervisor.Status
	Ready() *readiness.Signal
}

// Router provides embeddable HTTP handlers for inspecting a supervised daemon.
// Endpoints:
//
//	GET {basePath}/status             supervisor snapshot plus latest resource sample
//	GET {basePath}/ready?wait=5s      200 when ready, 503 when failed or still pending
//	GET {basePath}/resources          resource sample history (404 when sampling is off)
//	GET /metrics                      prometheus exposition, when a handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	daemon   Daemon
	basePath string
	sampler  *metrics.ResourceSampler
	metrics  http.Handler
}

type Option func(*Router)

// WithResourceSampler exposes the sampler's readings on /status and /resources.
func WithResourceSampler(s *metrics.ResourceSampler) Option {
	return func(r *Router) { r.sampler = s }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/ready.
func NewRouter(d Daemon, basePath string, opts ...Option) *Router {
	r := &Router{daemon: d, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/ready", r.handleReady)
	group.GET("/resources", r.handleResources)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer binds addr and serves h in the background, over TLS when tlsCfg
// is non-nil. Bind errors are returned directly; the caller owns Shutdown.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      maxReadyWait + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		go func() { _ = server.ServeTLS(ln, "", "") }()
		return server, nil
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	supervisor.Status
	Resource *metrics.ResourceSample `json:"resource,omitempty"`
}

type readyResp struct {
	Ready   bool   `json:"ready"`
	Pending bool   `json:"pending,omitempty"`
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Status: r.daemon.Status()}
	if r.sampler != nil {
		if s, ok := r.sampler.Latest(); ok {
			resp.Resource = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleReady(c *gin.Context) {
	var wait time.Duration
	if ws := c.Query("wait"); ws != "" {
		d, err := time.ParseDuration(ws)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration: " + ws})
			return
		}
		wait = min(d, maxReadyWait)
	}

	sig := r.daemon.Ready()
	o, resolved := sig.Result()
	if !resolved && wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		var err error
		o, err = sig.Wait(ctx)
		resolved = err == nil
	}
	if !resolved {
		writeJSON(c, http.StatusServiceUnavailable, readyResp{Pending: true})
		return
	}
	resp := readyResp{Ready: o.Succeeded, Code: int(o.Code), Detail: o.Detail}
	if !o.Succeeded {
		resp.Reason = o.Code.String()
		writeJSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.sampler == nil || !r.sampler.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.sampler.History())
}
