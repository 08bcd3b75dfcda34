// SPDX-License-Identifier: MIT

// Package mover executes the physical tier moves: chunked cancellable
// copies, backup-sidecar renames, hardlink handling, and the bookkeeping
// that keeps the exclude list and trackers honest. One Move call schedules a
// batch through a bounded worker pool; per-file failures never abort the
// batch.
package mover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// Direction selects which tier a batch moves toward.
type Direction string

const (
	// ToCache copies array files onto the fast tier.
	ToCache Direction = "cache"
	// ToArray restores cache files back to the bulk tier.
	ToArray Direction = "array"
)

// Outcome classifies one file's result.
type Outcome string

const (
	OutcomeMoved     Outcome = "moved"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrStopped reports a cooperative cancellation observed mid-batch.
var ErrStopped = errors.New("mover: stopped")

// File pairs one file's two tier locations.
type File struct {
	Real  pathmap.RealPath
	Cache pathmap.CachePath
}

// Request is one file to move, with the metadata the trackers and the
// activity log want. Subtitles ride along in the same worker task, after
// the video.
type Request struct {
	File

	Source    string // tracker.SourceOnDeck etc; cache moves only
	RatingKey string
	MediaType string
	Episode   *media.EpisodeInfo
	Users     []string
	Subtitles []File

	// Label overrides the activity action; empty picks the default for the
	// direction (Cached, and Restored/Moved depending on the restore path).
	Label activity.Action
}

// Result is one file's outcome. Bytes counts physically copied bytes, so a
// pure sidecar rename reports zero.
type Result struct {
	Request Request
	Outcome Outcome
	Bytes   uint64
	Reason  string
	Err     error
}

// Events carries the optional runner callbacks. Progress fires per chunk
// with absolute copied bytes; Done fires once per request.
type Events struct {
	Progress func(path string, copied, total uint64)
	Done     func(res Result)
}

// Config tunes the mover.
type Config struct {
	// CreateBackups renames array originals to .plexcached sidecars instead
	// of unlinking them after a cache copy.
	CreateBackups bool
	// HardlinkPolicy is config.HardlinkSkip or config.HardlinkMove.
	HardlinkPolicy string
	// UseSymlinks leaves a symlink at the original array path after caching.
	UseSymlinks bool
	// CleanupEmptyDirs removes empty parent directories after restores.
	CleanupEmptyDirs bool
	// DryRun logs every decision and touches nothing.
	DryRun bool
	// ChunkSize for streamed copies; <= 0 selects 8 MiB.
	ChunkSize int64
}

// DefaultChunkSize is the copy granularity, and therefore the cancellation
// latency bound: a stop lands within one chunk.
const DefaultChunkSize int64 = 8 << 20

// Deps wires the mover to the rest of the engine.
type Deps struct {
	Router    *pathmap.Router
	Exclude   *exclude.List
	Cache     *tracker.CacheTracker
	OnDeck    *tracker.OnDeckTracker
	Watchlist *tracker.WatchlistTracker
	Activity  *activity.Log
	Platform  platform.Adapter
	Clock     clock.Clock
	Events    Events
}

// Mover is the tier-movement executor. One instance serves a whole run; the
// stop flag and the inflight set span both direction passes.
type Mover struct {
	cfg  Config
	deps Deps

	stop atomic.Bool

	inflightMu sync.Mutex
	inflight   map[pathmap.CachePath]struct{}
}

// New builds a mover. Chunk size and clock get defaults when unset.
func New(cfg Config, deps Deps) *Mover {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Mover{
		cfg:      cfg,
		deps:     deps,
		inflight: map[pathmap.CachePath]struct{}{},
	}
}

// Stop requests cooperative cancellation: unstarted tasks are dropped,
// running copies cut out at the next chunk boundary and clean up their
// partial target.
func (m *Mover) Stop() { m.stop.Store(true) }

// Stopped reports whether a stop has been requested.
func (m *Mover) Stopped() bool { return m.stop.Load() }

// ResetStop clears the stop flag at the start of a new run.
func (m *Mover) ResetStop() { m.stop.Store(false) }

// Move schedules all files through a pool of maxConcurrent workers and
// blocks until every task finished or was cancelled. Results come back in
// input order. Submission is throttled to the pool size so a stop request
// observed between submissions cancels the remaining work without starting
// it.
func (m *Mover) Move(ctx context.Context, files []Request, dest Direction, maxConcurrent int) []Result {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	logger := log.WithComponentFromContext(ctx, "mover")
	logger.Info().
		Str("event", "mover.batch.start").
		Str("direction", string(dest)).
		Int(log.FieldFiles, len(files)).
		Int("workers", maxConcurrent).
		Msg("tier move batch starting")

	results := make([]Result, len(files))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i := range files {
		if m.stop.Load() || ctx.Err() != nil {
			m.finish(&results[i], Result{
				Request: files[i],
				Outcome: OutcomeCancelled,
				Reason:  "stopped before start",
			}, dest)
			continue
		}

		sem <- struct{}{}

		// Stop may have landed while we waited for a worker slot.
		if m.stop.Load() || ctx.Err() != nil {
			<-sem
			m.finish(&results[i], Result{
				Request: files[i],
				Outcome: OutcomeCancelled,
				Reason:  "stopped before start",
			}, dest)
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			m.finish(&results[i], m.moveOne(ctx, files[i], dest), dest)
		}(i)
	}
	wg.Wait()

	var moved, failed, cancelled int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeMoved:
			moved++
		case OutcomeFailed:
			failed++
		case OutcomeCancelled:
			cancelled++
		}
	}
	logger.Info().
		Str("event", "mover.batch.done").
		Str("direction", string(dest)).
		Int("moved", moved).
		Int("failed", failed).
		Int("cancelled", cancelled).
		Msg("tier move batch finished")
	return results
}

// moveOne dispatches a single request, deduplicating by cache path so the
// same file is never inflight twice.
func (m *Mover) moveOne(ctx context.Context, req Request, dest Direction) Result {
	if !m.acquire(req.Cache) {
		return Result{Request: req, Outcome: OutcomeSkipped, Reason: "duplicate request"}
	}
	defer m.release(req.Cache)

	if m.cfg.DryRun {
		l := log.WithComponentFromContext(ctx, "mover")
		l.Info().
			Str("event", "mover.dry_run").
			Str("direction", string(dest)).
			Str(log.FieldPath, string(req.Real)).
			Msg("dry run, not moving")
		return Result{Request: req, Outcome: OutcomeSkipped, Reason: "dry run"}
	}

	start := m.deps.Clock.Now()
	var res Result
	switch dest {
	case ToCache:
		res = m.moveToCache(ctx, req)
	case ToArray:
		res = m.moveToArray(ctx, req)
	default:
		res = Result{Request: req, Outcome: OutcomeFailed, Err: errors.New("unknown direction")}
	}
	if res.Outcome == OutcomeMoved {
		metrics.ObserveMoveDuration(string(dest), m.deps.Clock.Now().Sub(start).Seconds())
	}
	return res
}

// finish records the result, metrics, and the Done callback.
func (m *Mover) finish(slot *Result, res Result, dest Direction) {
	*slot = res
	switch res.Outcome {
	case OutcomeMoved:
		metrics.IncMove(string(dest), metrics.OutcomeSuccess)
		metrics.AddBytesMoved(string(dest), res.Bytes)
	case OutcomeFailed:
		metrics.IncMove(string(dest), metrics.OutcomeFailure)
	case OutcomeSkipped:
		metrics.IncMove(string(dest), metrics.OutcomeSkipped)
	case OutcomeCancelled:
		metrics.IncMove(string(dest), metrics.OutcomeCancelled)
	}
	if m.deps.Events.Done != nil {
		m.deps.Events.Done(res)
	}
}

func (m *Mover) acquire(cache pathmap.CachePath) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, busy := m.inflight[cache]; busy {
		return false
	}
	m.inflight[cache] = struct{}{}
	return true
}

func (m *Mover) release(cache pathmap.CachePath) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, cache)
}

// stopRequested folds the mover flag and context cancellation into one
// check for copy loops.
func (m *Mover) stopRequested(ctx context.Context) bool {
	return m.stop.Load() || ctx.Err() != nil
}
