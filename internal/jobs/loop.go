// SPDX-License-Identifier: MIT

// Package jobs drives one complete caching pass: fetch what the media
// server wants on the fast tier, reconcile the exclude list against it,
// move files in both directions, evict under pressure, and hand the bulk
// mover its updated exclude file. The runner package wraps Run with state
// and progress reporting; everything here is a plain synchronous call.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/evict"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/filter"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
	"github.com/StudioNirin/plexcache-r/internal/migration"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/notify"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/plex"
	"github.com/StudioNirin/plexcache-r/internal/score"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// LockFileName is the single-instance lock, kept next to the data
// directory so scheduled and manual runs exclude each other.
const LockFileName = "plexcache.lock"

// Config carries the settings snapshot for one run.
type Config struct {
	Settings config.Settings
	// DryRun logs every decision and mutates nothing: no moves, no
	// tracker writes, no exclude-file rewrite.
	DryRun bool
}

// Deps are the run's external edges. Source and Platform are the two the
// tests fake; everything else is built per run from Settings.
type Deps struct {
	Source   plex.Source
	Platform platform.Adapter
	Clock    clock.Clock
	Sink     Sink
	Notifier *notify.Notifier
}

// Loop executes caching runs one at a time.
type Loop struct {
	cfg  Config
	deps Deps

	stopFlag atomic.Bool
	mov      atomic.Pointer[mover.Mover]
}

// New builds a loop. Clock, Sink, and Notifier get defaults when unset.
func New(cfg Config, deps Deps) *Loop {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New()
	}
	return &Loop{cfg: cfg, deps: deps}
}

// Stop requests cooperative cancellation of the run in flight. Running
// copies drain at the next chunk boundary; the loop skips its remaining
// move batches and goes straight to bookkeeping.
func (l *Loop) Stop() {
	l.stopFlag.Store(true)
	if m := l.mov.Load(); m != nil {
		m.Stop()
	}
}

// Run executes one full pass. Skips return a Summary with OutcomeSkipped
// and a nil error; callers treat them as success.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	l.stopFlag.Store(false)
	defer l.mov.Store(nil)

	runID := uuid.NewString()
	ctx = log.ContextWithRunID(ctx, runID)

	r := &run{
		cfg:    l.cfg,
		deps:   l.deps,
		loop:   l,
		logger: log.WithComponentFromContext(ctx, "jobs"),
		sum:    &Summary{RunID: runID, Started: l.deps.Clock.Now().UTC()},
	}
	return r.execute(ctx)
}

// run is the per-pass state. A fresh one is built for every Run call so a
// stopped or failed pass leaves nothing behind on the Loop.
type run struct {
	cfg    Config
	deps   Deps
	loop   *Loop
	logger zerolog.Logger
	sum    *Summary

	router   *pathmap.Router
	excl     *exclude.List
	cache    *tracker.CacheTracker
	ondeck   *tracker.OnDeckTracker
	watch    *tracker.WatchlistTracker
	act      *activity.Log
	tokens   *plex.TokenStore
	scorer   *score.Scorer
	filt     *filter.Filter
	mov      *mover.Mover
	evictor  *evict.Engine
	backfill *migration.Backfill

	users      []string
	candidates []filter.Candidate
	sessions   filter.SessionSet
	active     score.ActiveSet
	incomplete bool

	stage Stage
}

func (r *run) execute(ctx context.Context) (*Summary, error) {
	s := r.cfg.Settings
	r.setStage(StageStarting)
	r.logger.Info().
		Str("event", "jobs.run.start").
		Bool("dry_run", r.cfg.DryRun).
		Msg("starting caching run")

	// Phase 1: single-instance lock, non-blocking.
	lock, err := platform.AcquireLock(filepath.Join(filepath.Dir(filepath.Clean(s.DataDir)), LockFileName))
	if errors.Is(err, platform.ErrLockBusy) {
		return r.skip(ctx, "another instance holds the lock"), nil
	}
	if err != nil {
		return r.fail(ctx, "acquire lock", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn().Err(err).
				Str("event", "jobs.lock.release_failed").
				Msg("could not release instance lock")
		}
	}()

	// Phase 2: never race the external bulk mover. A freshly-cached file
	// could be moved back before the rewritten exclude file lands.
	if r.deps.Platform.IsMoverRunning() {
		return r.skip(ctx, "bulk mover is running"), nil
	}

	// Phase 3: data directory and components.
	if err := r.initComponents(); err != nil {
		return r.fail(ctx, "init components", err)
	}

	// Phase 4: drop exclude entries whose cache file is gone.
	if !r.cfg.DryRun {
		if _, err := r.filt.SweepStaleExcludes(ctx); err != nil {
			return r.fail(ctx, "sweep stale excludes", err)
		}
	}

	// Phase 5: one-time sidecar backfill for installs that predate the
	// sidecar protocol.
	if !r.cfg.DryRun {
		if _, err := r.backfill.Run(ctx); err != nil {
			return r.fail(ctx, "sidecar backfill", err)
		}
	}

	// Phases 6-9: everything the media server knows. Subtitle sidecars
	// (phase 10) are resolved during partitioning below.
	r.setStage(StageFetching)
	r.fetchUsers(ctx)
	if r.fetchSessions(ctx) {
		return r.skip(ctx, "active session"), nil
	}
	if err := r.fetchOnDeck(ctx); err != nil {
		return r.fail(ctx, "ondeck fetch", err)
	}
	if err := r.fetchWatchlists(ctx); err != nil {
		return r.fail(ctx, "watchlist fetch", err)
	}

	// Phases 11 and 12: both direction plans, then the size budget.
	r.setStage(StageAnalyzing)
	r.active = r.activeOnDeck()

	arrayPlan, err := r.planToArray(ctx)
	if err != nil {
		return r.fail(ctx, "to-array planning", err)
	}
	cachePlan := r.filt.PartitionToCache(ctx, r.candidates)
	r.sum.AlreadyCached = cachePlan.AlreadyCached
	r.sum.Held = len(arrayPlan.Holds)

	_, tracked, err := r.evictor.Usage()
	if err != nil {
		return r.fail(ctx, "cache usage", err)
	}
	bud, err := r.resolveBudget(tracked, outgoingBytes(arrayPlan.Moves))
	if err != nil {
		return r.fail(ctx, "size budget", err)
	}
	toCache, deferred, left, shortfall := prefixFit(cachePlan.Moves, bud.prefixRemaining())
	if len(deferred) > 0 {
		r.logger.Info().
			Str("event", "jobs.budget.deferred").
			Int("deferred", len(deferred)).
			Uint64("shortfall", shortfall).
			Msg("candidates beyond the cache-size limit; eviction may reopen the budget")
	}

	// Phase 13: restores first; they free space the cache batch may need.
	r.setStage(StageMoving)
	if len(arrayPlan.Moves) > 0 && !r.stopRequested(ctx) {
		r.setStage(StageRestoring)
		r.deps.Sink.Batch(mover.ToArray, len(arrayPlan.Moves), outgoingBytes(arrayPlan.Moves))
		for _, res := range r.mov.Move(ctx, arrayPlan.Moves, mover.ToArray, s.MaxConcurrentMovesArray) {
			switch res.Outcome {
			case mover.OutcomeMoved:
				r.sum.Restored++
				r.sum.RestoredBytes += res.Bytes
			case mover.OutcomeFailed:
				r.sum.Failed++
			}
		}
	}

	// Phase 14: eviction, between the restores and the cache batch.
	if r.evictor.Enabled() && !r.stopRequested(ctx) {
		r.setStage(StageEvicting)
		evres, err := r.evictor.Run(ctx, bud.cap, shortfall, r.active, r.sessions)
		if err != nil {
			return r.fail(ctx, "eviction", err)
		}
		r.sum.Evicted = evres.Evicted
		r.sum.FreedBytes = evres.FreedBytes
		r.sum.Failed += evres.Failed
		if evres.FreedBytes > 0 && len(deferred) > 0 {
			// Freed bytes reopen the budget for the deferred tail.
			more, rest, nleft, _ := prefixFit(deferred, left+int64(evres.FreedBytes))
			toCache = append(toCache, more...)
			deferred, left = rest, nleft
		}
	}
	r.sum.DroppedByBudget = len(deferred)

	// Phase 15: the cache batch, inside the free-space floor.
	toCache = r.applyMinFree(toCache, bud.minFree)
	if len(toCache) > 0 && !r.stopRequested(ctx) {
		r.setStage(StageCaching)
		r.deps.Sink.Batch(mover.ToCache, len(toCache), incomingBytes(toCache))
		for _, res := range r.mov.Move(ctx, toCache, mover.ToCache, s.MaxConcurrentMovesCache) {
			switch res.Outcome {
			case mover.OutcomeMoved:
				r.sum.Cached++
				r.sum.CachedBytes += res.Bytes
			case mover.OutcomeFailed:
				r.sum.Failed++
			}
		}
	}

	// Phase 16: hand the bulk mover its updated exclusions.
	if s.MoverExcludeFile != "" && !r.cfg.DryRun {
		if err := r.excl.SyncMoverFile(s.MoverExcludeFile); err != nil {
			// The moves already happened; surface loudly, finish the run.
			r.logger.Error().Err(err).
				Str("event", "jobs.mover_file.sync_failed").
				Str(log.FieldPath, s.MoverExcludeFile).
				Msg("bulk mover exclude file not updated; cached files are unprotected")
			r.sum.Failed++
		}
	}

	// Phase 17: bookkeeping.
	r.setStage(StageResults)
	r.cleanup()
	return r.complete(ctx)
}

// initComponents ensures the data directory, relocates state files from
// installs that predate it, and builds the run's engine around them.
func (r *run) initComponents() error {
	s := r.cfg.Settings

	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	relocateLegacyState(s.DataDir, r.logger)

	r.router = pathmap.NewRouter(s.PathMappings)
	r.excl = exclude.NewList(filepath.Join(s.DataDir, exclude.ListFileName))

	var err error
	if r.cache, err = tracker.OpenCacheTracker(s.DataDir, r.deps.Clock); err != nil {
		return err
	}
	if r.ondeck, err = tracker.OpenOnDeckTracker(s.DataDir, r.deps.Clock); err != nil {
		return err
	}
	if r.watch, err = tracker.OpenWatchlistTracker(s.DataDir, r.deps.Clock); err != nil {
		return err
	}
	if r.tokens, err = plex.OpenTokens(s.DataDir); err != nil {
		return err
	}
	if err := r.tokens.Seed(s.UserTokens); err != nil {
		return err
	}

	r.act = activity.Open(filepath.Join(s.DataDir, activity.FileName), s.ActivityRetention(), r.deps.Clock)

	r.scorer = score.New(r.cache, r.ondeck, r.watch, r.deps.Clock, score.Config{
		NumberEpisodes: s.NumberEpisodes,
		MinPriority:    s.EvictionMinPriority,
	})
	r.filt = filter.New(filter.Config{
		CacheRetention:     s.CacheRetention(),
		OnDeckRetention:    s.OnDeckRetention(),
		WatchlistRetention: s.WatchlistRetention(),
		DryRun:             r.cfg.DryRun,
	}, filter.Deps{
		Router:    r.router,
		Exclude:   r.excl,
		Cache:     r.cache,
		OnDeck:    r.ondeck,
		Watchlist: r.watch,
		Platform:  r.deps.Platform,
		Clock:     r.deps.Clock,
	})
	r.mov = mover.New(mover.Config{
		CreateBackups:    s.CreatePlexcachedBackups,
		HardlinkPolicy:   s.HardlinkedFiles,
		UseSymlinks:      s.UseSymlinks,
		CleanupEmptyDirs: s.CleanupEmptyFolders,
		DryRun:           r.cfg.DryRun,
	}, mover.Deps{
		Router:    r.router,
		Exclude:   r.excl,
		Cache:     r.cache,
		OnDeck:    r.ondeck,
		Watchlist: r.watch,
		Activity:  r.act,
		Platform:  r.deps.Platform,
		Clock:     r.deps.Clock,
		Events: mover.Events{
			Progress: r.deps.Sink.Progress,
			Done:     r.deps.Sink.FileDone,
		},
	})
	r.loop.mov.Store(r.mov)
	if r.loop.stopFlag.Load() {
		// A Stop raced component construction; honor it.
		r.mov.Stop()
	}

	r.evictor = evict.New(evict.Config{
		Mode:          s.CacheEvictionMode,
		Watermark:     s.CacheEvictionThresholdPercent,
		MaxConcurrent: s.MaxConcurrentMovesArray,
	}, evict.Deps{
		Router:  r.router,
		Exclude: r.excl,
		Cache:   r.cache,
		Scorer:  r.scorer,
		Filter:  r.filt,
		Mover:   r.mov,
		Clock:   r.deps.Clock,
	})
	r.backfill = migration.New(migration.Config{
		DataDir:       s.DataDir,
		MaxConcurrent: s.MaxConcurrentMovesCache,
	}, migration.Deps{
		Router:   r.router,
		Exclude:  r.excl,
		Platform: r.deps.Platform,
		Clock:    r.deps.Clock,
	})
	return nil
}

// legacyStateFiles lived next to the settings file before the data
// directory existed.
var legacyStateFiles = []string{
	tracker.TimestampsFileName,
	tracker.OnDeckFileName,
	tracker.WatchlistFileName,
	plex.TokensFileName,
	plex.RSSCacheFileName,
	exclude.ListFileName,
	activity.FileName,
}

// relocateLegacyState moves state files from the project root into the
// data directory so old installs converge on the data/ layout. A file
// already present in data/ wins.
func relocateLegacyState(dataDir string, logger zerolog.Logger) {
	root := filepath.Dir(filepath.Clean(dataDir))
	if root == filepath.Clean(dataDir) {
		return
	}
	for _, name := range legacyStateFiles {
		old := filepath.Join(root, name)
		if _, err := os.Lstat(old); err != nil {
			continue
		}
		dst := filepath.Join(dataDir, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Rename(old, dst); err != nil {
			logger.Warn().Err(err).
				Str("event", "jobs.legacy.relocate_failed").
				Str(log.FieldPath, old).
				Msg("could not move legacy state file into the data directory")
			continue
		}
		logger.Info().
			Str("event", "jobs.legacy.relocated").
			Str(log.FieldPath, dst).
			Msg("moved legacy state file into the data directory")
	}
}

// fetchUsers asks the server who to query. When the server is unreachable
// the run continues with the users whose tokens are already stored, and
// every restore decision downstream is suppressed.
func (r *run) fetchUsers(ctx context.Context) {
	users, err := r.deps.Source.Users(ctx)
	if err != nil {
		r.markIncomplete("user list", err)
		users = r.tokens.Users()
	}
	r.users = permittedUsers(r.cfg.Settings, users)
	r.sum.Users = len(r.users)
	r.logger.Info().
		Str("event", "jobs.fetch.users").
		Int("users", len(r.users)).
		Msg("resolved users to query")
}

// permittedUsers applies users_toggle and skip_users. The owner comes
// first in the server's answer and is always kept.
func permittedUsers(s config.Settings, users []string) []string {
	if len(users) == 0 {
		return nil
	}
	if !s.UsersToggle {
		users = users[:1]
	}
	if len(s.SkipUsers) == 0 {
		return users
	}
	skip := make(map[string]struct{}, len(s.SkipUsers))
	for _, u := range s.SkipUsers {
		skip[u] = struct{}{}
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := skip[u]; ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

// fetchSessions pins currently streaming files for the rest of the run.
// With exit_if_active_session the whole run steps aside instead.
func (r *run) fetchSessions(ctx context.Context) (abort bool) {
	sessions, err := r.deps.Source.ActiveSessions(ctx)
	if err != nil {
		r.markIncomplete("active sessions", err)
		return false
	}
	r.sum.Sessions = len(sessions)
	if len(sessions) == 0 {
		return false
	}
	if r.cfg.Settings.ExitIfActiveSession {
		return true
	}
	paths := make([]string, 0, len(sessions))
	for _, ses := range sessions {
		paths = append(paths, ses.Path)
	}
	r.sessions = filter.NewSessionSet(paths)
	r.logger.Info().
		Str("event", "jobs.fetch.sessions").
		Int("sessions", len(sessions)).
		Msg("active sessions pinned for this run")
	return false
}

// fetchOnDeck walks every user's queue plus the prefetch window behind
// it, refreshing the tracker and collecting cache candidates in priority
// order.
func (r *run) fetchOnDeck(ctx context.Context) error {
	s := r.cfg.Settings
	if !r.cfg.DryRun {
		if err := r.ondeck.PrepareForRun(); err != nil {
			return err
		}
	}
	for _, user := range r.users {
		items, err := r.deps.Source.OnDeck(ctx, user)
		if err != nil {
			r.fetchFailed(user, "ondeck", err)
			continue
		}
		for _, item := range items {
			r.addCandidate(item, tracker.SourceOnDeck)
			r.sum.OnDeckItems++
			if item.MediaType != media.TypeEpisode || s.NumberEpisodes <= 0 {
				continue
			}
			next, err := r.deps.Source.NextEpisodes(ctx, item, s.NumberEpisodes)
			if err != nil {
				r.fetchFailed(user, "next episodes", err)
				continue
			}
			for _, ep := range next {
				r.addCandidate(ep, tracker.SourceOnDeck)
				r.sum.OnDeckItems++
			}
		}
	}
	if r.cfg.DryRun {
		return nil
	}
	if r.incomplete {
		// A user we could not see may still hold entries; keep them all.
		r.logger.Warn().
			Str("event", "jobs.ondeck.cleanup_skipped").
			Msg("unseen-entry cleanup skipped on incomplete data")
		return nil
	}
	_, err := r.ondeck.CleanupUnseen()
	return err
}

// fetchWatchlists merges the local watchlists and the remote RSS feed.
// Entries keep accumulating users across runs; expiry is judged at plan
// time from watchlisted_at.
func (r *run) fetchWatchlists(ctx context.Context) error {
	s := r.cfg.Settings
	if s.WatchlistToggle {
		for _, user := range r.users {
			items, err := r.deps.Source.Watchlist(ctx, user, s.WatchlistEpisodes)
			if err != nil {
				r.fetchFailed(user, "watchlist", err)
				continue
			}
			for _, item := range items {
				r.addCandidate(item, tracker.SourceWatchlist)
				r.sum.WatchlistItems++
			}
		}
	}
	if s.RemoteWatchlistToggle && s.RemoteWatchlistRSSURL != "" {
		items, err := r.deps.Source.RemoteWatchlist(ctx, s.RemoteWatchlistRSSURL, s.WatchlistEpisodes)
		if err != nil {
			r.markIncomplete("remote watchlist", err)
		}
		for _, item := range items {
			r.addCandidate(item, tracker.SourceWatchlist)
			r.sum.WatchlistItems++
		}
	}
	if r.cfg.DryRun || r.incomplete {
		return nil
	}
	_, err := r.watch.CleanupStale()
	return err
}

// fetchFailed degrades one user's fetch. An auth rejection also drops the
// stored token so the next run does not retry a dead credential.
func (r *run) fetchFailed(user, what string, err error) {
	if errors.Is(err, plex.ErrUnauthorized) {
		if ierr := r.tokens.Invalidate(user); ierr != nil {
			r.logger.Warn().Err(ierr).
				Str("event", "jobs.token.invalidate_failed").
				Str(log.FieldUser, user).
				Msg("could not drop rejected token")
		}
	}
	r.markIncomplete(what+" for "+user, err)
}

// markIncomplete records a degraded fetch. Incomplete data only ever adds
// protection: the run still caches what it saw but never schedules
// restores, so a missing watchlist cannot push someone's show off the
// fast tier.
func (r *run) markIncomplete(what string, err error) {
	r.incomplete = true
	r.sum.Incomplete = true
	r.logger.Warn().Err(err).
		Str("event", "jobs.fetch.incomplete").
		Str(log.FieldReason, what).
		Msg("media-server data incomplete; restore decisions suppressed this run")
}

// addCandidate records the item in its source tracker and queues it for
// the to-cache partitioning. Unmapped paths still become candidates; the
// filter counts them.
func (r *run) addCandidate(item plex.Item, source string) {
	r.candidates = append(r.candidates, filter.Candidate{Item: item, Source: source})
	if r.cfg.DryRun {
		return
	}

	host, _, outcome := r.router.PlexToReal(pathmap.PlexPath(item.Path))
	if outcome != pathmap.OutcomeMapped {
		return
	}

	var err error
	switch source {
	case tracker.SourceOnDeck:
		err = r.ondeck.UpdateEntry(string(host), item.User, item.Episode, item.IsCurrentOnDeck)
	case tracker.SourceWatchlist:
		err = r.watch.UpdateEntry(string(host), item.User, item.WatchlistedAt)
	}
	if err != nil {
		r.logger.Warn().Err(err).
			Str("event", "jobs.tracker.update_failed").
			Str(log.FieldPath, string(host)).
			Msg("tracker update failed")
	}
}

// planToArray decides the restores. Suppressed wholesale when
// watched_move is off or this run's server data is incomplete.
func (r *run) planToArray(ctx context.Context) (filter.ArrayPlan, error) {
	if !r.cfg.Settings.WatchedMove {
		return filter.ArrayPlan{}, nil
	}
	if r.incomplete {
		r.logger.Warn().
			Str("event", "jobs.restore.suppressed").
			Msg("restores suppressed; server data incomplete")
		return filter.ArrayPlan{}, nil
	}
	return r.filt.PlanToArray(ctx, r.candidates, r.sessions)
}

// activeOnDeck is the retention-gated OnDeck set the scorer consumes. A
// nil set disables the gate entirely.
func (r *run) activeOnDeck() score.ActiveSet {
	window := r.cfg.Settings.OnDeckRetention()
	if window <= 0 {
		return nil
	}
	var paths []string
	for _, path := range r.ondeck.Keys() {
		if !r.ondeck.IsExpired(path, window) {
			paths = append(paths, path)
		}
	}
	return score.NewActiveSet(paths)
}

// cleanup trims cache-tracker entries whose file left the tier behind our
// back and refreshes the occupancy gauges.
func (r *run) cleanup() {
	if !r.cfg.DryRun {
		removed := 0
		for _, key := range r.cache.Keys() {
			if _, ok := regularFileSize(key); ok {
				continue
			}
			if err := r.cache.Remove(key); err != nil {
				r.logger.Warn().Err(err).
					Str("event", "jobs.cleanup.remove_failed").
					Str(log.FieldCachePath, key).
					Msg("could not drop stale timestamp entry")
				continue
			}
			removed++
		}
		if removed > 0 {
			r.logger.Info().
				Str("event", "jobs.cleanup.stale_timestamps").
				Int("removed", removed).
				Msg("dropped timestamps for files no longer on the cache tier")
		}
	}

	metrics.RecordTrackerSize("timestamps", r.cache.Len())
	metrics.RecordTrackerSize("ondeck", len(r.ondeck.Keys()))
	metrics.RecordTrackerSize("watchlist", len(r.watch.Keys()))
	if files, bytes, err := r.evictor.Usage(); err == nil {
		metrics.RecordCacheOccupancy(files, bytes)
	}
	if paths, err := r.excl.Paths(); err == nil {
		metrics.RecordExcludeEntries(len(paths))
	}
}

// setStage publishes a phase transition to the sink and the phase gauge.
func (r *run) setStage(next Stage) {
	metrics.SetRunPhase(string(r.stage), string(next))
	r.stage = next
	r.deps.Sink.Stage(next)
}

// stopRequested reports a stop or context cancellation. The loop polls it
// between move batches so a stop skips straight to bookkeeping.
func (r *run) stopRequested(ctx context.Context) bool {
	return r.loop.stopFlag.Load() || ctx.Err() != nil
}

// skip ends a run that stepped aside cleanly before moving anything.
func (r *run) skip(ctx context.Context, reason string) *Summary {
	r.sum.Outcome = OutcomeSkipped
	r.sum.Note = reason
	r.sum.Finished = r.deps.Clock.Now().UTC()
	metrics.SetRunPhase(string(r.stage), "")
	metrics.IncRun(string(OutcomeSkipped))
	r.deps.Notifier.Send(ctx, r.sum.notification())
	r.logger.Info().
		Str("event", "jobs.run.skipped").
		Str(log.FieldReason, reason).
		Msg("run skipped")
	return r.sum
}

// fail ends a run on a phase-fatal error.
func (r *run) fail(ctx context.Context, what string, err error) (*Summary, error) {
	r.sum.Outcome = OutcomeFailed
	r.sum.Note = what
	r.sum.Finished = r.deps.Clock.Now().UTC()
	metrics.SetRunPhase(string(r.stage), "")
	metrics.IncRun(string(OutcomeFailed))
	metrics.ObserveRunDuration(r.sum.Finished.Sub(r.sum.Started).Seconds())
	if r.act != nil && !r.cfg.DryRun {
		if werr := writeLastRun(r.cfg.Settings.DataDir, r.sum); werr != nil {
			r.logger.Warn().Err(werr).
				Str("event", "jobs.summary.write_failed").
				Msg("could not write last_run.txt")
		}
	}
	r.deps.Notifier.Send(ctx, r.sum.notification())
	r.logger.Error().Err(err).
		Str("event", "jobs.run.failed").
		Str(log.FieldReason, what).
		Msg("run failed")
	return r.sum, fmt.Errorf("%s: %w", what, err)
}

// complete finalizes a run that made it to the end, stopped early or not.
func (r *run) complete(ctx context.Context) (*Summary, error) {
	r.sum.Outcome = OutcomeCompleted
	if r.loop.stopFlag.Load() {
		r.sum.Note = "stopped early"
	}
	r.sum.Finished = r.deps.Clock.Now().UTC()

	if !r.cfg.DryRun {
		if err := r.act.Append(activity.Event{
			Action:    activity.ActionSummary,
			Filename:  r.sum.counts(),
			SizeBytes: r.sum.CachedBytes + r.sum.RestoredBytes,
		}); err != nil {
			r.logger.Warn().Err(err).
				Str("event", "jobs.summary.append_failed").
				Msg("could not record run summary in the activity log")
		}
		if err := writeLastRun(r.cfg.Settings.DataDir, r.sum); err != nil {
			r.logger.Warn().Err(err).
				Str("event", "jobs.summary.write_failed").
				Msg("could not write last_run.txt")
		}
	}

	metrics.SetRunPhase(string(r.stage), "")
	metrics.IncRun(string(OutcomeCompleted))
	metrics.ObserveRunDuration(r.sum.Finished.Sub(r.sum.Started).Seconds())
	r.deps.Notifier.Send(ctx, r.sum.notification())

	r.logger.Info().
		Str("event", "jobs.run.done").
		Int("cached", r.sum.Cached).
		Int("restored", r.sum.Restored).
		Int("evicted", r.sum.Evicted).
		Int("held", r.sum.Held).
		Int("failed", r.sum.Failed).
		Bool("incomplete", r.sum.Incomplete).
		Msg("caching run finished")
	return r.sum, nil
}
