// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/daemon"
	"github.com/StudioNirin/plexcache-r/internal/jobs"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/version"
)

// loadSettings reads and validates the settings file for a command that
// needs a working configuration.
func loadSettings(path string) (config.Settings, error) {
	s, err := config.Load(path)
	if errors.Is(err, config.ErrNoSettingsFile) {
		return s, fmt.Errorf("no settings file at %s (start from the example in the README, or point --config at yours)", path)
	}
	if err != nil {
		return s, err
	}
	if err := config.Validate(s); err != nil {
		return s, err
	}
	return s, nil
}

// runOnce executes a single caching pass and prints its summary. Skips
// return nil: stepping aside for the bulk mover or another instance is
// correct behavior, not a failure.
func runOnce(ctx context.Context, opts *rootOptions) error {
	s, err := loadSettings(opts.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := daemon.LoopFactory(func() config.Settings { return s }, platform.NewHost())
	loop := factory(opts.dryRun, stageSink{})

	// A second signal after the cooperative stop kills the process the
	// usual way; the first one drains the current copy.
	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	sum, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(sum, opts.dryRun)
	return nil
}

func printSummary(sum *jobs.Summary, dryRun bool) {
	switch sum.Outcome {
	case jobs.OutcomeSkipped:
		fmt.Printf("run skipped: %s\n", sum.Note)
		return
	case jobs.OutcomeFailed:
		fmt.Printf("run failed: %s\n", sum.Note)
		return
	}

	label := "run completed"
	if dryRun {
		label = "dry run completed"
	}
	fmt.Printf("%s in %s\n", label, sum.Finished.Sub(sum.Started).Round(time.Second))
	fmt.Printf("  cached    %4d  (%s)\n", sum.Cached, humanize.IBytes(sum.CachedBytes))
	fmt.Printf("  restored  %4d  (%s)\n", sum.Restored, humanize.IBytes(sum.RestoredBytes))
	fmt.Printf("  evicted   %4d  (%s freed)\n", sum.Evicted, humanize.IBytes(sum.FreedBytes))
	fmt.Printf("  held      %4d\n", sum.Held)
	if sum.DroppedByBudget > 0 {
		fmt.Printf("  deferred  %4d  (cache-size limit)\n", sum.DroppedByBudget)
	}
	if sum.Failed > 0 {
		fmt.Printf("  failed    %4d\n", sum.Failed)
	}
	if sum.Incomplete {
		fmt.Println("  note: media-server data was incomplete; restores were suppressed")
	}
	if sum.Note != "" {
		fmt.Printf("  note: %s\n", sum.Note)
	}
}

// stageSink logs phase transitions so a terminal user sees the run move.
// Per-chunk progress stays off the console; serve mode's API carries it.
type stageSink struct{}

func (stageSink) Stage(stage jobs.Stage) {
	l := log.WithComponent("run")
	l.Info().
		Str("event", "run.stage").
		Str("stage", string(stage)).
		Msg("phase")
}

func (stageSink) Batch(dest mover.Direction, files int, bytes uint64) {
	l := log.WithComponent("run")
	l.Info().
		Str("event", "run.batch").
		Str("direction", string(dest)).
		Int("files", files).
		Str("size", humanize.IBytes(bytes)).
		Msg("move batch starting")
}

func (stageSink) Progress(string, uint64, uint64) {}

func (stageSink) FileDone(res mover.Result) {
	if res.Outcome != mover.OutcomeMoved {
		return
	}
	l := log.WithComponent("run")
	l.Info().
		Str("event", "run.file_done").
		Str(log.FieldPath, string(res.Request.Cache)).
		Str("size", humanize.IBytes(res.Bytes)).
		Msg("moved")
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and status API as a daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(opts.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			holder := config.NewHolder(s, opts.configPath)
			mgr, err := daemon.Build(ctx, holder, version.Version)
			if err != nil {
				return err
			}
			return mgr.Start(ctx)
		},
	}
}
