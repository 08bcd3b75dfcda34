// SPDX-License-Identifier: MIT

package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/jobs"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/mover"
)

// LoopFactory builds a fresh caching run around the given progress sink.
// The daemon wires this to its config holder, so a hot reload takes
// effect on the next trigger, not mid-run.
type LoopFactory func(dryRun bool, sink jobs.Sink) *jobs.Loop

// OperationRunner hosts at most one caching run at a time in a
// background goroutine and turns the run's progress events into a
// pollable Status.
type OperationRunner struct {
	factory LoopFactory
	gate    *Gate
	clk     clock.Clock
	logger  zerolog.Logger

	mu   sync.Mutex
	st   Status
	prog *progress
	loop *jobs.Loop
	done chan struct{}
}

// NewOperation builds the runner. The gate must be shared with the
// maintenance runner.
func NewOperation(factory LoopFactory, gate *Gate, c clock.Clock) *OperationRunner {
	if c == nil {
		c = clock.RealClock{}
	}
	return &OperationRunner{
		factory: factory,
		gate:    gate,
		clk:     c,
		logger:  log.WithComponent("runner"),
		st:      Status{State: StateIdle},
		prog:    newProgress(),
	}
}

// Trigger starts a run in the background. ctx bounds the whole run, not
// this call: pass the daemon's lifecycle context, never a request's.
// Returns ErrBusy while either runner is active.
func (r *OperationRunner) Trigger(ctx context.Context, dryRun bool) error {
	if err := r.gate.TryAcquire(ownerOperation); err != nil {
		return err
	}

	r.mu.Lock()
	loop := r.factory(dryRun, opSink{r})
	r.loop = loop
	r.prog = newProgress()
	r.st = Status{
		State:     StateRunning,
		Action:    ownerOperation,
		DryRun:    dryRun,
		StartedAt: r.clk.Now().UTC(),
	}
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	r.logger.Info().
		Str("event", "runner.operation.triggered").
		Bool("dry_run", dryRun).
		Msg("caching run started")

	go r.execute(ctx, loop, done)
	return nil
}

func (r *OperationRunner) execute(ctx context.Context, loop *jobs.Loop, done chan struct{}) {
	defer close(done)
	defer r.gate.Release()

	sum, err := loop.Run(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop = nil
	r.st.FinishedAt = r.clk.Now().UTC()
	r.st.Stage = ""
	r.prog.current = ""
	if err != nil {
		r.st.State = StateFailed
		r.st.Note = err.Error()
		r.logger.Error().Err(err).
			Str("event", "runner.operation.failed").
			Msg("caching run failed")
		return
	}
	r.st.State = StateCompleted
	r.st.Note = sum.Note
	r.st.Summary = sum
	r.logger.Info().
		Str("event", "runner.operation.done").
		Str("outcome", string(sum.Outcome)).
		Msg("caching run finished")
}

// Stop requests cooperative cancellation of the run in flight; a no-op
// when idle. The run still ends in Completed, with a stopped-early note.
func (r *OperationRunner) Stop() {
	r.mu.Lock()
	loop := r.loop
	r.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// Dismiss returns a finished runner to Idle so the UI clears the last
// outcome. Refused while running.
func (r *OperationRunner) Dismiss() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st.State == StateRunning {
		return fmt.Errorf("dismiss while running: %w", ErrBusy)
	}
	r.st = Status{State: StateIdle}
	r.prog = newProgress()
	return nil
}

// Status snapshots the runner. Percent and ETA are derived at call time.
func (r *OperationRunner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.st
	r.prog.fill(&st, r.clk.Now())
	return st
}

// WaitIdle blocks until no run is in flight or ctx expires. Shutdown
// calls Stop first so the wait is one chunk long at most.
func (r *OperationRunner) WaitIdle(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// opSink adapts the runner to the jobs progress interface. All methods
// are called from the run's goroutines and only touch guarded state.
type opSink struct {
	r *OperationRunner
}

func (s opSink) Stage(stage jobs.Stage) {
	s.r.mu.Lock()
	s.r.st.Stage = stage
	s.r.mu.Unlock()
}

func (s opSink) Batch(_ mover.Direction, files int, bytes uint64) {
	s.r.mu.Lock()
	s.r.prog.addBatch(files, bytes)
	s.r.mu.Unlock()
}

func (s opSink) Progress(path string, copied, _ uint64) {
	s.r.mu.Lock()
	s.r.prog.chunk(path, copied, s.r.clk.Now())
	s.r.mu.Unlock()
}

func (s opSink) FileDone(res mover.Result) {
	s.r.mu.Lock()
	s.r.prog.fileDone(string(res.Request.Real), string(res.Request.Cache))
	s.r.mu.Unlock()
}
