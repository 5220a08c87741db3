// Package server implements the HTTP transport layer for the proxy: the
// public JSON-RPC surface, system endpoints, and the admin API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/cache"
	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/internal/router"
	"github.com/rpcgate/rpcgate/internal/storage"
	"github.com/rpcgate/rpcgate/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           rpcgate.Authenticator
	Router         *router.Router // dispatches a decoded JSON-RPC request end to end
	Pool           *pool.Pool     // backs /status and /health
	Store          storage.Store  // nil = no admin CRUD (for tests)
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler // nil = no /metrics endpoint
	Tracer         trace.Tracer // nil = no distributed tracing
	ReadyCheck     ReadyChecker // nil = always ready (for tests)
	MaxHeadAge     time.Duration
	Upgrader       WebSocketUpgrader // nil = WebSocket routes return 501
	AdminKey       string            // shared secret gating /admin/v1; empty disables it
	Cache          *cache.Coalescer  // nil = cache purge endpoint is a no-op
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Public JSON-RPC surface: anonymous (IP-scoped) and authenticated
	// (opaque key) both funnel through the same dispatch path -- the
	// difference is only whether an AuthKey is resolved before dispatch.
	r.Post("/", s.handleRPC)
	r.Get("/", s.handleWebSocket)
	r.Post("/u/{key}", s.handleRPCKeyed)
	r.Get("/u/{key}", s.handleWebSocketKeyed)

	// Admin API (shared admin secret required)
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/upstreams", s.handleListUpstreams)
			r.Post("/upstreams", s.handleCreateUpstream)
			r.Put("/upstreams/{id}", s.handleUpdateUpstream)
			r.Delete("/upstreams/{id}", s.handleDeleteUpstream)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Put("/keys/{id}", s.handleUpdateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)

			r.Post("/cache/purge", s.handleCachePurge)

			r.Get("/usage", s.handleQueryUsage)
		})
	}

	return r
}

type server struct {
	deps Deps
}
