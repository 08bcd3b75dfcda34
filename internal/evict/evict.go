// SPDX-License-Identifier: MIT

// Package evict frees fast-tier space before the to-cache pass. It measures
// what plexcache holds on the cache (the exclude list is the authoritative
// set), decides how much must go, picks victims by score or by age, and
// restores them through the mover so every eviction is a full, reversible
// move-back with all its bookkeeping.
package evict

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/filter"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/score"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// Config tunes the engine.
type Config struct {
	// Mode is config.EvictionSmart, EvictionFIFO, or EvictionNone.
	Mode string
	// Watermark is the percentage of the cache-size limit at which eviction
	// starts; 90 when unset.
	Watermark int
	// MaxConcurrent sizes the restore worker pool.
	MaxConcurrent int
}

// Deps wires the engine to the rest of the run.
type Deps struct {
	Router  *pathmap.Router
	Exclude *exclude.List
	Cache   *tracker.CacheTracker
	Scorer  *score.Scorer
	Filter  *filter.Filter
	Mover   *mover.Mover
	Clock   clock.Clock
}

// Engine is the eviction engine.
type Engine struct {
	cfg  Config
	deps Deps
}

// New builds an engine. Watermark and clock get defaults when unset.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Watermark <= 0 || cfg.Watermark > 100 {
		cfg.Watermark = 90
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Engine{cfg: cfg, deps: deps}
}

// Enabled reports whether eviction runs at all.
func (e *Engine) Enabled() bool {
	return e.cfg.Mode == config.EvictionSmart || e.cfg.Mode == config.EvictionFIFO
}

// Result summarizes one eviction pass.
type Result struct {
	// Triggered is false when usage stayed below the watermark and no
	// explicit space was requested.
	Triggered bool
	// Used is the cache occupancy measured at the start, in bytes.
	Used uint64
	// Target is how many bytes the pass set out to free.
	Target uint64
	// Evicted counts files restored to the array.
	Evicted int
	// FreedBytes sums the cache sizes of the evicted files.
	FreedBytes uint64
	// Failed counts victims whose restore did not go through.
	Failed int
}

// Usage measures the cache occupancy: file count and summed sizes of the
// exclude-listed paths that still exist. Tracker entries without a listed
// file occupy nothing.
func (e *Engine) Usage() (int, uint64, error) {
	entries, err := e.deps.Exclude.Paths()
	if err != nil {
		return 0, 0, fmt.Errorf("read exclude list: %w", err)
	}
	files := 0
	var total uint64
	for _, hostPath := range entries {
		cache := e.deps.Router.HostToContainer(pathmap.CachePath(hostPath))
		if size, ok := fileSize(string(cache)); ok {
			files++
			total += size
		}
	}
	return files, total, nil
}

// Run frees space on the fast tier. limit is the effective cache-size limit
// for this run; neededSpace is an explicit request on top of the watermark
// math (0 means watermark only). active is the retention-gated OnDeck set
// the scorer wants; sessions pins files being streamed so neither mode
// offers them.
func (e *Engine) Run(ctx context.Context, limit, neededSpace uint64, active score.ActiveSet, sessions filter.SessionSet) (Result, error) {
	logger := log.WithComponentFromContext(ctx, "evict")
	if !e.Enabled() {
		return Result{}, nil
	}

	files, used, err := e.Usage()
	if err != nil {
		return Result{}, err
	}
	metrics.RecordCacheOccupancy(files, used)

	var watermark uint64
	if limit > 0 {
		watermark = limit * uint64(e.cfg.Watermark) / 100
	}
	if neededSpace == 0 && (limit == 0 || used < watermark) {
		logger.Debug().
			Str("event", "evict.below_watermark").
			Uint64("used", used).
			Uint64("watermark", watermark).
			Msg("cache occupancy below watermark; nothing to evict")
		return Result{Used: used}, nil
	}

	var target uint64
	if limit > 0 && used > watermark {
		target = used - watermark
	}
	if neededSpace > target {
		target = neededSpace
	}
	if target == 0 {
		return Result{Used: used}, nil
	}

	res := Result{Triggered: true, Used: used, Target: target}
	victims := e.pick(target, active, sessions)
	if len(victims) == 0 {
		logger.Warn().
			Str("event", "evict.no_candidates").
			Uint64("target", target).
			Msg("space needed but nothing is evictable")
		return res, nil
	}

	logger.Info().
		Str("event", "evict.start").
		Str("mode", e.cfg.Mode).
		Uint64("used", used).
		Uint64("target", target).
		Int(log.FieldFiles, len(victims)).
		Msg("evicting to free cache space")

	sizes := make(map[string]uint64, len(victims))
	reqs := make([]mover.Request, 0, len(victims))
	for _, v := range victims {
		req, ok := e.deps.Filter.RestoreRequest(pathmap.CachePath(v.Path))
		if !ok {
			res.Failed++
			logger.Warn().
				Str("event", "evict.unmapped").
				Str(log.FieldCachePath, v.Path).
				Msg("victim outside every mapping; cannot restore")
			continue
		}
		req.Label = activity.ActionEvicted
		sizes[v.Path] = v.Size
		reqs = append(reqs, req)
	}

	for _, r := range e.deps.Mover.Move(ctx, reqs, mover.ToArray, e.cfg.MaxConcurrent) {
		switch r.Outcome {
		case mover.OutcomeMoved:
			res.Evicted++
			res.FreedBytes += sizes[string(r.Request.Cache)]
			metrics.IncEviction(e.cfg.Mode, metrics.OutcomeSuccess)
		case mover.OutcomeFailed:
			res.Failed++
			metrics.IncEviction(e.cfg.Mode, metrics.OutcomeFailure)
		case mover.OutcomeCancelled:
			metrics.IncEviction(e.cfg.Mode, metrics.OutcomeCancelled)
		default:
			metrics.IncEviction(e.cfg.Mode, metrics.OutcomeSkipped)
		}
	}
	metrics.AddEvictionBytesFreed(res.FreedBytes)

	logger.Info().
		Str("event", "evict.done").
		Int("evicted", res.Evicted).
		Int("failed", res.Failed).
		Uint64("freed", res.FreedBytes).
		Uint64("target", target).
		Msg("eviction pass finished")
	return res, nil
}

// pick selects victims for the target. Session-pinned files are invisible
// to both modes.
func (e *Engine) pick(target uint64, active score.ActiveSet, sessions filter.SessionSet) []score.Candidate {
	sizeOf := func(path string) (uint64, bool) {
		if sessions.Contains(path) {
			return 0, false
		}
		return fileSize(path)
	}
	switch e.cfg.Mode {
	case config.EvictionSmart:
		return e.deps.Scorer.EvictionCandidates(target, sizeOf, active)
	case config.EvictionFIFO:
		return e.fifoCandidates(target, sizeOf)
	}
	return nil
}

// fifoCandidates ranks by age, oldest cached_at first, and accumulates
// sizes until the target is covered. Age is the only criterion; the
// min-priority floor belongs to smart mode.
func (e *Engine) fifoCandidates(target uint64, sizeOf score.SizeFunc) []score.Candidate {
	type aged struct {
		c  score.Candidate
		at time.Time
	}
	var all []aged
	for path, entry := range e.deps.Cache.Snapshot() {
		size, ok := sizeOf(path)
		if !ok {
			continue
		}
		all = append(all, aged{c: score.Candidate{Path: path, Size: size}, at: entry.CachedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].c.Path < all[j].c.Path
	})

	var chosen []score.Candidate
	var accumulated uint64
	for _, a := range all {
		if accumulated >= target {
			break
		}
		chosen = append(chosen, a.c)
		accumulated += a.c.Size
	}
	return chosen
}

// fileSize reports a regular file's size; symlinks and directories do not
// count.
func fileSize(path string) (uint64, bool) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return uint64(info.Size()), true
}
