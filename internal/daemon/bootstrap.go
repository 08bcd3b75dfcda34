// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StudioNirin/plexcache-r/internal/api"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/jobs"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/notify"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/plex"
	"github.com/StudioNirin/plexcache-r/internal/runner"
	"github.com/StudioNirin/plexcache-r/internal/telemetry"
)

// Build assembles serve mode around the config holder: platform adapter,
// the two runners behind one gate, the loop factory the scheduler and
// API share, the status API, and the telemetry provider. ctx is the
// process lifecycle; triggered runs are bound to it, not to any request.
func Build(ctx context.Context, holder *config.Holder, version string) (*Manager, error) {
	host := platform.NewHost()
	gate := runner.NewGate()

	op := runner.NewOperation(LoopFactory(holder.Current, host), gate, nil)
	maint := runner.NewMaintenance(runner.MaintenanceDeps{
		Settings: holder.Current,
		Platform: host,
	}, gate)

	apiServer := api.New(api.Deps{
		Settings:    holder.Current,
		Operation:   op,
		Maintenance: maint,
		RunContext:  ctx,
		Version:     version,
	})

	sched := NewScheduler(op, func() time.Duration { return holder.Current().Interval() }, nil)

	mgr, err := NewManager(Deps{
		Settings:       holder.Current,
		APIHandler:     apiServer.Routes(),
		MetricsHandler: promhttp.Handler(),
		Scheduler:      sched,
	})
	if err != nil {
		return nil, err
	}

	s := holder.Current()
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        s.Telemetry.Enabled,
		ServiceName:    "plexcache",
		ServiceVersion: version,
		Environment:    s.Telemetry.Environment,
		ExporterType:   s.Telemetry.ExporterType,
		Endpoint:       s.Telemetry.Endpoint,
		SamplingRate:   s.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := holder.StartWatcher(ctx); err != nil {
		// Hot reload is a convenience; serve mode still works without it.
		l := log.WithComponent("daemon")
		l.Warn().Err(err).
			Str("event", "daemon.watcher_failed").
			Msg("config file watcher unavailable, hot reload disabled")
	}

	// LIFO: runners drain first, then the watcher, telemetry last so the
	// drain still traces.
	mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	mgr.RegisterShutdownHook("config-watcher", func(context.Context) error {
		holder.Stop()
		return nil
	})
	mgr.RegisterShutdownHook("maintenance-runner", func(ctx context.Context) error {
		maint.Stop()
		return maint.WaitIdle(ctx)
	})
	mgr.RegisterShutdownHook("operation-runner", func(ctx context.Context) error {
		op.Stop()
		return op.WaitIdle(ctx)
	})

	return mgr, nil
}

// LoopFactory binds a settings source and platform adapter into the
// closure the operation runner calls per trigger. Reading settings here,
// not at build time, is what makes a config reload take effect on the
// next run.
func LoopFactory(settings func() config.Settings, host platform.Adapter) runner.LoopFactory {
	return func(dryRun bool, sink jobs.Sink) *jobs.Loop {
		s := settings()
		return jobs.New(
			jobs.Config{Settings: s, DryRun: dryRun},
			jobs.Deps{
				Source:   NewSource(s),
				Platform: host,
				Sink:     sink,
				Notifier: notify.FromSettings(&s),
			},
		)
	}
}

// NewSource builds the media-server adapter for one run. The token store
// is best-effort here: when it cannot be opened the client still works
// with the owner token, and the run degrades the way a fetch failure
// does.
func NewSource(s config.Settings) plex.Source {
	var tokens *plex.TokenStore
	if err := os.MkdirAll(s.DataDir, 0o755); err == nil {
		ts, err := plex.OpenTokens(s.DataDir)
		if err == nil {
			tokens = ts
		} else {
			l := log.WithComponent("daemon")
			l.Warn().Err(err).
				Str("event", "daemon.tokens_unavailable").
				Msg("token store unavailable, owner-only queries")
		}
	}
	return plex.NewClient(plex.Options{
		ServerURL:     s.PlexURL,
		Token:         s.PlexToken,
		Tokens:        tokens,
		ValidSections: s.ValidSections,
		DaysToMonitor: s.DaysToMonitor,
		DataDir:       s.DataDir,
	})
}
