// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/runner"
)

// RunTrigger is the slice of the operation runner the scheduler drives.
type RunTrigger interface {
	Trigger(ctx context.Context, dryRun bool) error
}

// Scheduler fires caching runs on the configured interval. Each wait is
// jittered by up to a tenth of the interval so a fleet of instances
// sharing one media server does not thunder at it together. A busy
// runner (manual trigger, maintenance action) just costs the tick.
type Scheduler struct {
	trigger  RunTrigger
	interval func() time.Duration
	clk      clock.Clock
	rng      *rand.Rand
	logger   zerolog.Logger
}

// NewScheduler builds a scheduler. interval is read before every wait,
// so a config reload changes the cadence from the next tick on.
func NewScheduler(trigger RunTrigger, interval func() time.Duration, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Scheduler{
		trigger:  trigger,
		interval: interval,
		clk:      c,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   log.WithComponent("scheduler"),
	}
}

// Run blocks until ctx is cancelled, triggering a run each tick.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.jittered(s.interval())
		s.logger.Debug().
			Str("event", "scheduler.waiting").
			Dur("wait", wait).
			Msg("next caching run scheduled")

		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(wait):
		}

		err := s.trigger.Trigger(ctx, false)
		switch {
		case err == nil:
			s.logger.Info().
				Str("event", "scheduler.triggered").
				Msg("scheduled caching run started")
		case errors.Is(err, runner.ErrBusy):
			s.logger.Info().
				Str("event", "scheduler.skipped").
				Msg("runner busy, skipping this tick")
		default:
			s.logger.Error().Err(err).
				Str("event", "scheduler.trigger_failed").
				Msg("could not start scheduled run")
		}
	}
}

// jittered stretches d by up to 10%. Sub-second intervals (tests) pass
// through untouched.
func (s *Scheduler) jittered(d time.Duration) time.Duration {
	if d < time.Second {
		return d
	}
	return d + time.Duration(s.rng.Int63n(int64(d/10)+1))
}
