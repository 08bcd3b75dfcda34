// SPDX-License-Identifier: MIT

// Package daemon runs plexcache in serve mode: the scheduler that
// triggers caching runs on an interval, the status API listener, the
// optional metrics listener, and an orderly shutdown path. One-shot CLI
// runs never touch this package.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/log"
)

// ErrNotStarted is returned by Shutdown before Start has run.
var ErrNotStarted = errors.New("daemon manager not started")

// ErrAlreadyStarted rejects a second Start on the same manager.
var ErrAlreadyStarted = errors.New("daemon manager already started")

// shutdownTimeout bounds how long Shutdown waits for listeners and hooks
// once the stop signal arrives.
const shutdownTimeout = 30 * time.Second

// ShutdownHook is one cleanup step. Hooks run in reverse registration
// order, so later-constructed components stop first.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Deps are the pieces the manager supervises. APIHandler and
// MetricsHandler may be nil when the corresponding listener is off;
// Scheduler may be nil for an API-only process.
type Deps struct {
	// Settings is read at Start; listener addresses do not hot-reload.
	Settings func() config.Settings

	APIHandler     http.Handler
	MetricsHandler http.Handler
	Scheduler      *Scheduler
}

// Manager owns the serve-mode lifecycle. Construct with NewManager, add
// hooks, then Start blocks until the context is cancelled or a listener
// fails.
type Manager struct {
	deps Deps

	apiServer     *http.Server
	metricsServer *http.Server

	mu       sync.Mutex
	started  bool
	stopping bool
	hooks    []namedHook

	logger zerolog.Logger
}

// NewManager builds a manager around deps.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Settings == nil {
		return nil, fmt.Errorf("daemon: Settings is required")
	}
	return &Manager{
		deps:   deps,
		logger: log.WithComponent("daemon"),
	}, nil
}

// RegisterShutdownHook queues a cleanup step. LIFO order.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// Start brings up the listeners and the scheduler and blocks until ctx
// is cancelled or a listener fails, then shuts everything down. The
// returned error is nil on a clean signal-driven exit.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("daemon: start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	s := m.deps.Settings()
	errChan := make(chan error, 2)

	if m.deps.MetricsHandler != nil && s.MetricsEnabled() && !s.MetricsOnAPIListener() {
		m.startMetricsServer(s.Metrics.ListenAddr, errChan)
	}
	if m.deps.APIHandler != nil && s.API.ListenAddr != "" {
		m.startAPIServer(s.API.ListenAddr, errChan)
	}

	var sched sync.WaitGroup
	if m.deps.Scheduler != nil {
		sched.Add(1)
		go func() {
			defer sched.Done()
			m.deps.Scheduler.Run(ctx)
		}()
	}

	m.logger.Info().
		Str("event", "daemon.started").
		Str("api_addr", s.API.ListenAddr).
		Str("metrics_addr", s.Metrics.ListenAddr).
		Str("interval", s.Interval().String()).
		Msg("daemon running")

	var cause error
	select {
	case err := <-errChan:
		m.logger.Error().Err(err).
			Str("event", "daemon.listener_failed").
			Msg("listener failed, shutting down")
		cause = err
	case <-ctx.Done():
		m.logger.Info().
			Str("event", "daemon.stop_signal").
			Msg("shutdown signal received")
	}

	// The shutdown context is detached from ctx: cancellation is what
	// got us here, and the drain still needs time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	sched.Wait()
	if err := m.Shutdown(shutdownCtx); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	return cause
}

// Shutdown stops the listeners and runs the hooks in reverse order. Safe
// to call once; subsequent calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().
		Str("event", "daemon.stopped").
		Msg("daemon stopped cleanly")
	return nil
}

func (m *Manager) startAPIServer(addr string, errChan chan<- error) {
	m.apiServer = &http.Server{
		Addr:              addr,
		Handler:           m.deps.APIHandler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		m.logger.Info().Str("addr", addr).Msg("status API listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(addr string, errChan chan<- error) {
	m.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           m.deps.MetricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		m.logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}
