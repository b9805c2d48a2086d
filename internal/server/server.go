// Package server implements the HTTP transport layer for the gateway: model
// endpoints, management endpoints, and the web-auth session surface, wired
// together the way the reference service's server package composes its own
// route groups and middleware stack.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
	"github.com/chenpu17/cc-gw-sub003/internal/app"
	"github.com/chenpu17/cc-gw-sub003/internal/auth"
	"github.com/chenpu17/cc-gw-sub003/internal/circuitbreaker"
	"github.com/chenpu17/cc-gw-sub003/internal/config"
	"github.com/chenpu17/cc-gw-sub003/internal/provider"
	"github.com/chenpu17/cc-gw-sub003/internal/storage"
	"github.com/chenpu17/cc-gw-sub003/internal/telemetry"
	"github.com/chenpu17/cc-gw-sub003/internal/vault"
	"github.com/chenpu17/cc-gw-sub003/internal/webauth"
	"github.com/chenpu17/cc-gw-sub003/internal/worker"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator resolves a bearer credential from an inbound request. The
// sole implementation is *auth.Registry; the interface exists so tests can
// supply a fake.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.APIKey, error)
}

// SessionVerifier resolves an admin session cookie to its username. The
// sole implementation is *webauth.Sessions.
type SessionVerifier interface {
	Verify(token string) (string, error)
	Create(username string) (string, error)
	Revoke(token string)
}

// UsageRecorder records completed requests asynchronously.
type UsageRecorder interface {
	Record(gateway.RequestLog)
}

// Deps holds every dependency the HTTP surface needs. Fields documented as
// optional may be left nil in tests that only exercise a subset of routes.
type Deps struct {
	Config      *config.Store
	Router      *app.Router
	Providers   *provider.Registry
	Auth        Authenticator
	Keys        *auth.Registry
	Sessions    SessionVerifier
	Store       storage.Store // nil = no admin CRUD (for tests)
	Vault       *vault.Vault
	Breakers    *circuitbreaker.Registry
	Maintenance *worker.Maintenance
	Usage       UsageRecorder // nil = no usage recording

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)

	ActiveRequests func() int64 // nil = omitted from /api/status body
}

// sessionCookieName is the cookie holding the admin session token.
const sessionCookieName = "cc_gw_session"

// New creates an http.Handler with every route and middleware wired. Model
// endpoints are registered dynamically from the live config document's
// Endpoints list, so a config reload that adds or renames an alias takes
// effect on the next process restart (route tables are not re-mounted
// mid-process, same as the reference service).
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

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

	// System endpoints, always reachable.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Model endpoints: bearer-key auth, one handler per configured protocol.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		for _, ep := range deps.Config.Get().Endpoints {
			r.Post(ep.Path, s.handleModelRequest(ep.Protocol))
		}
	})

	// /auth/* is always reachable: login must work before a session exists.
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.With(s.requireSession).Get("/session", s.handleSession)
	})

	// /api/* management surface, gated on a valid admin session whenever
	// web-auth is configured; otherwise reachable the same as the model
	// endpoints would be without an AdminAuth block (local/dev mode).
	r.Route("/api", func(r chi.Router) {
		if deps.Config.Get().AdminAuth.Enabled {
			r.Use(s.requireSession)
		}
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Get("/status", s.handleStatus)
		r.Get("/stats/overview", s.handleStatsOverview)
		r.Get("/stats/daily", s.handleStatsDaily)
		r.Get("/stats/model", s.handleStatsModel)
		r.Get("/logs", s.handleListLogs)
		r.Get("/logs/{id}", s.handleGetLog)
		r.Post("/logs/cleanup", s.handleLogsCleanup)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleCreateKey)
		r.Delete("/keys/{id}", s.handleDeleteKey)
		r.Get("/events", s.handleListEvents)
		r.Get("/db/info", s.handleDBInfo)
		r.Post("/db/compact", s.handleDBCompact)
	})

	return r
}

type server struct {
	deps Deps
}
