// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/runner"
)

// statusResponse is the GET /api/v1/status body: both runners side by
// side so one poll drives the whole dashboard.
type statusResponse struct {
	Operation     runner.Status `json:"operation"`
	Maintenance   runner.Status `json:"maintenance"`
	Version       string        `json:"version,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

type probeResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz is the liveness probe: 200 whenever the process answers.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.deps.Version,
		"timestamp": s.deps.Clock.Now().UTC(),
	})
}

// handleReadyz is the readiness probe: the data directory must be
// writable and at least one path mapping enabled before runs can work.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Settings()
	checks := map[string]probeResult{}
	ready := true

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		checks["data_dir"] = probeResult{Status: "unhealthy", Error: err.Error()}
		ready = false
	} else {
		checks["data_dir"] = probeResult{Status: "healthy"}
	}

	enabled := 0
	for _, m := range cfg.PathMappings {
		if m.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		checks["mappings"] = probeResult{Status: "unhealthy", Error: "no enabled path mappings"}
		ready = false
	} else {
		checks["mappings"] = probeResult{Status: "healthy"}
	}

	status := "healthy"
	code := http.StatusOK
	if !ready {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Warn().
			Str("event", "api.not_ready").
			Int("enabled_mappings", enabled).
			Msg("readiness probe failed")
	}
	writeJSON(w, code, map[string]any{
		"ready":     ready,
		"status":    status,
		"timestamp": s.deps.Clock.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Operation:     s.deps.Operation.Status(),
		Maintenance:   s.deps.Maintenance.Status(),
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
	})
}

// handleActivity returns the recent-activity ring, newest first.
// ?limit=N trims the page; 0 means everything retention kept.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	cfg := s.deps.Settings()
	ring := activity.Open(filepath.Join(cfg.DataDir, activity.FileName), cfg.ActivityRetention(), s.deps.Clock)
	events := ring.Recent(limit)
	if events == nil {
		events = []activity.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleRun starts a caching run. The run is bound to the daemon's
// lifecycle context, not the request's, so disconnecting the client
// does not cancel it.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad_request", "dry_run must be a boolean")
			return
		}
		dryRun = v
	}

	if err := s.deps.Operation.Trigger(s.deps.RunContext, dryRun); err != nil {
		if errors.Is(err, runner.ErrBusy) {
			s.conflict(w, r, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	l := log.WithComponentFromContext(r.Context(), "api")
	l.Info().
		Str("event", "api.run.triggered").
		Bool("dry_run", dryRun).
		Msg("caching run triggered")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "started",
		"dry_run": dryRun,
	})
}

// handleStop requests cooperative cancellation of whatever is in
// flight. Always 202: stop is a request, status reports the outcome.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Operation.Stop()
	s.deps.Maintenance.Stop()
	l := log.WithComponentFromContext(r.Context(), "api")
	l.Info().
		Str("event", "api.stop.requested").
		Msg("stop requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// handleDismiss clears finished outcomes back to idle. Refused with 409
// while a run is active.
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Operation.Dismiss(); err != nil {
		s.conflict(w, r, err)
		return
	}
	if err := s.deps.Maintenance.Dismiss(); err != nil {
		s.conflict(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	action := runner.Action(chi.URLParam(r, "action"))
	if err := s.deps.Maintenance.Run(s.deps.RunContext, action); err != nil {
		switch {
		case errors.Is(err, runner.ErrUnknownAction):
			writeErr(w, http.StatusBadRequest, "unknown_action", err.Error())
		case errors.Is(err, runner.ErrBusy):
			s.conflict(w, r, err)
		default:
			writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	l := log.WithComponentFromContext(r.Context(), "api")
	l.Info().
		Str("event", "api.maintenance.triggered").
		Str("action", string(action)).
		Msg("maintenance action triggered")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"action": string(action),
	})
}

// conflict answers 409 with the shared error shape and a retry hint.
func (s *Server) conflict(w http.ResponseWriter, r *http.Request, err error) {
	l := log.WithComponentFromContext(r.Context(), "api")
	l.Warn().
		Str("event", "api.conflict").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg(err.Error())
	w.Header().Set("Retry-After", "30")
	writeErr(w, http.StatusConflict, "conflict", err.Error())
}
