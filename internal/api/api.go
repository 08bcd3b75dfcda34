// SPDX-License-Identifier: MIT

// Package api serves the status surface: health probes, runner status and
// progress, the recent-activity ring, and the trigger/stop/repair verbs the
// dashboard and CLI use. Everything is JSON over a small chi router; the
// engine itself never depends on this package.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/runner"
	"github.com/StudioNirin/plexcache-r/internal/telemetry"
)

// OperationController is the slice of the operation runner the API needs.
type OperationController interface {
	Trigger(ctx context.Context, dryRun bool) error
	Stop()
	Dismiss() error
	Status() runner.Status
}

// MaintenanceController is the slice of the maintenance runner the API
// needs.
type MaintenanceController interface {
	Run(ctx context.Context, action runner.Action) error
	Stop()
	Dismiss() error
	Status() runner.Status
}

// Deps wires the server to the rest of the process.
type Deps struct {
	// Settings is read per request so a config reload shows up without a
	// restart.
	Settings func() config.Settings

	Operation   OperationController
	Maintenance MaintenanceController

	// RunContext bounds triggered runs. Pass the daemon's lifecycle
	// context: a run must outlive the HTTP request that started it.
	RunContext context.Context

	Clock   clock.Clock
	Version string
}

// Server is the status API. Construct with New, mount Routes.
type Server struct {
	deps   Deps
	start  time.Time
	logger zerolog.Logger
}

// New builds the server. RunContext defaults to context.Background.
func New(deps Deps) *Server {
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Server{
		deps:   deps,
		start:  time.Now(),
		logger: log.WithComponent("api"),
	}
}

// Routes assembles the router: public probes, then the token-guarded,
// rate-limited v1 surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if s.deps.Settings().Telemetry.Enabled {
		r.Use(telemetry.HTTPMiddleware("plexcache.api"))
	}
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	if s.deps.Settings().MetricsOnAPIListener() {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit())
		r.Use(s.requireToken)

		r.Get("/status", s.handleStatus)
		r.Get("/activity", s.handleActivity)
		r.Post("/run", s.handleRun)
		r.Post("/stop", s.handleStop)
		r.Post("/dismiss", s.handleDismiss)
		r.Post("/maintenance/{action}", s.handleMaintenance)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", "1")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, map[string]string{"error": kind, "detail": detail})
}
