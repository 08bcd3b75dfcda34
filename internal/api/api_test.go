// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/runner"
)

// fakeOperation records triggers and serves a canned status.
type fakeOperation struct {
	mu         sync.Mutex
	st         runner.Status
	triggerErr error
	dismissErr error
	triggered  []bool
	stopped    bool
}

func (f *fakeOperation) Trigger(_ context.Context, dryRun bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggerErr != nil {
		return f.triggerErr
	}
	f.triggered = append(f.triggered, dryRun)
	return nil
}

func (f *fakeOperation) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeOperation) Dismiss() error { return f.dismissErr }

func (f *fakeOperation) Status() runner.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

// fakeMaintenance mirrors fakeOperation for the maintenance slot.
type fakeMaintenance struct {
	mu         sync.Mutex
	st         runner.Status
	runErr     error
	dismissErr error
	actions    []runner.Action
	stopped    bool
}

func (f *fakeMaintenance) Run(_ context.Context, action runner.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeMaintenance) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeMaintenance) Dismiss() error { return f.dismissErr }

func (f *fakeMaintenance) Status() runner.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

type apiEnv struct {
	cfg     config.Settings
	clk     *clock.MockClock
	op      *fakeOperation
	mnt     *fakeMaintenance
	handler http.Handler
}

func newAPIEnv(t *testing.T, mutate func(*config.Settings)) *apiEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.PathMappings = []config.PathMapping{{
		Name:      "media",
		PlexPath:  "/data/media",
		RealPath:  "/mnt/user/media",
		CachePath: "/mnt/cache/media",
		Cacheable: true,
		Enabled:   true,
	}}
	if mutate != nil {
		mutate(&cfg)
	}

	e := &apiEnv{
		cfg: cfg,
		clk: clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		op:  &fakeOperation{st: runner.Status{State: runner.StateIdle}},
		mnt: &fakeMaintenance{st: runner.Status{State: runner.StateIdle}},
	}
	srv := New(Deps{
		Settings:    func() config.Settings { return e.cfg },
		Operation:   e.op,
		Maintenance: e.mnt,
		Clock:       e.clk,
		Version:     "test",
	})
	e.handler = srv.Routes()
	return e
}

func (e *apiEnv) request(t *testing.T, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.10:51234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "test", body["version"])
}

func TestReadyzReportsMissingMappings(t *testing.T) {
	e := newAPIEnv(t, func(cfg *config.Settings) {
		cfg.PathMappings = nil
	})

	rec := e.request(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, false, body["ready"])
	checks := body["checks"].(map[string]any)
	mappings := checks["mappings"].(map[string]any)
	require.Equal(t, "unhealthy", mappings["status"])

	// A disabled mapping does not count either.
	e.cfg.PathMappings = []config.PathMapping{{Name: "m", PlexPath: "/p", RealPath: "/r", CachePath: "/c"}}
	rec = e.request(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzHealthy(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["ready"])
	require.Equal(t, "healthy", body["status"])
}

func TestStatusAggregatesBothRunners(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.op.st = runner.Status{
		State:      runner.StateRunning,
		DryRun:     true,
		FilesDone:  3,
		FilesTotal: 10,
		Percent:    30,
	}
	e.mnt.st = runner.Status{
		State:  runner.StateCompleted,
		Action: string(runner.ActionBackupProtect),
		Note:   "examined 4, created 2, existing 2, failed 0",
	}

	rec := e.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-API-Version"))

	var body struct {
		Operation     runner.Status `json:"operation"`
		Maintenance   runner.Status `json:"maintenance"`
		Version       string        `json:"version"`
		UptimeSeconds int64         `json:"uptime_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, runner.StateRunning, body.Operation.State)
	require.True(t, body.Operation.DryRun)
	require.Equal(t, 3, body.Operation.FilesDone)
	require.Equal(t, runner.StateCompleted, body.Maintenance.State)
	require.Equal(t, string(runner.ActionBackupProtect), body.Maintenance.Action)
	require.Equal(t, "test", body.Version)
}

func TestRunTriggersOperation(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodPost, "/api/v1/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "started", body["status"])
	require.Equal(t, false, body["dry_run"])

	rec = e.request(t, http.MethodPost, "/api/v1/run?dry_run=true", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["dry_run"])

	require.Equal(t, []bool{false, true}, e.op.triggered)

	rec = e.request(t, http.MethodPost, "/api/v1/run?dry_run=maybe", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, e.op.triggered, 2)
}

func TestRunConflictAnswers409(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.op.triggerErr = fmt.Errorf("caching run is running: %w", runner.ErrBusy)

	rec := e.request(t, http.MethodPost, "/api/v1/run", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	require.Equal(t, "conflict", body["error"])
	require.Contains(t, body["detail"], "caching run is running")
}

func TestMaintenanceRouting(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodPost, "/api/v1/maintenance/fix-with-backup", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "started", body["status"])
	require.Equal(t, "fix-with-backup", body["action"])
	require.Equal(t, []runner.Action{runner.ActionFixWithBackup}, e.mnt.actions)
}

func TestMaintenanceUnknownActionIs400(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.mnt.runErr = fmt.Errorf("%q: %w", "defrag", runner.ErrUnknownAction)

	rec := e.request(t, http.MethodPost, "/api/v1/maintenance/defrag", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "unknown_action", decodeBody(t, rec)["error"])
}

func TestMaintenanceBusyIs409(t *testing.T) {
	e := newAPIEnv(t, nil)
	e.mnt.runErr = fmt.Errorf("maintenance is running: %w", runner.ErrBusy)

	rec := e.request(t, http.MethodPost, "/api/v1/maintenance/backup-protect", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", decodeBody(t, rec)["error"])
}

func TestStopHitsBothRunners(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodPost, "/api/v1/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, e.op.stopped)
	require.True(t, e.mnt.stopped)
}

func TestDismissClearsOrConflicts(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodPost, "/api/v1/dismiss", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "idle", decodeBody(t, rec)["status"])

	e.mnt.dismissErr = fmt.Errorf("dismiss while running: %w", runner.ErrBusy)
	rec = e.request(t, http.MethodPost, "/api/v1/dismiss", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestTokenGuardsV1Surface(t *testing.T) {
	e := newAPIEnv(t, func(cfg *config.Settings) {
		cfg.API.Token = "sekrit"
	})

	rec := e.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decodeBody(t, rec)["error"])

	rec = e.request(t, http.MethodGet, "/api/v1/status", map[string]string{TokenHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.request(t, http.MethodGet, "/api/v1/status", map[string]string{TokenHeader: "sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Health probes stay public.
	rec = e.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.request(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenReloadsPerRequest(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Enabling auth in config takes effect without a router rebuild.
	e.cfg.API.Token = "sekrit"
	rec = e.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.request(t, http.MethodGet, "/api/v1/status", map[string]string{TokenHeader: "sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestActivityEndpoint(t *testing.T) {
	e := newAPIEnv(t, nil)

	ring := activity.Open(filepath.Join(e.cfg.DataDir, activity.FileName), e.cfg.ActivityRetention(), e.clk)
	require.NoError(t, ring.Append(activity.Event{Action: activity.ActionCached, Filename: "alpha.mkv", SizeBytes: 100}))
	e.clk.Advance(time.Minute)
	require.NoError(t, ring.Append(activity.Event{Action: activity.ActionRestored, Filename: "beta.mkv", SizeBytes: 100}))
	e.clk.Advance(time.Minute)
	require.NoError(t, ring.Append(activity.Event{Action: activity.ActionEvicted, Filename: "gamma.mkv", SizeBytes: 100}))

	rec := e.request(t, http.MethodGet, "/api/v1/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []activity.Event `json:"events"`
		Count  int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)
	require.Equal(t, "gamma.mkv", body.Events[0].Filename)

	rec = e.request(t, http.MethodGet, "/api/v1/activity?limit=2", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	require.Equal(t, "gamma.mkv", body.Events[0].Filename)
	require.Equal(t, "beta.mkv", body.Events[1].Filename)

	rec = e.request(t, http.MethodGet, "/api/v1/activity?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivityEmptyRingIsEmptyArray(t *testing.T) {
	e := newAPIEnv(t, nil)

	rec := e.request(t, http.MethodGet, "/api/v1/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"events":[],"count":0}`, rec.Body.String())
}

func TestRateLimitTrips(t *testing.T) {
	e := newAPIEnv(t, func(cfg *config.Settings) {
		cfg.API.RateLimit = 2
	})

	for i := 0; i < 2; i++ {
		rec := e.request(t, http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := e.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, "rate_limit_exceeded", decodeBody(t, rec)["error"])

	// Probes sit outside the limited group.
	rec = e.request(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsMountOnlyWhenRequested(t *testing.T) {
	e := newAPIEnv(t, nil)
	rec := e.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	enabled := true
	e2 := newAPIEnv(t, func(cfg *config.Settings) {
		cfg.Metrics.Enabled = &enabled
		cfg.Metrics.ListenAddr = ""
	})
	rec = e2.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
