// SPDX-License-Identifier: MIT

// Package filter decides which files move between the tiers. It partitions
// media-server candidates into already-cached and to-cache sets, walks the
// exclude list to find cached files whose hold has lapsed, and sweeps stale
// exclude entries at the start of every run. The mover executes what the
// filter decides; the filter itself renames at most one thing, the leftover
// array original of a file found already cached.
package filter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/plex"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// Candidate is one media-server item headed for the fast tier, tagged with
// the tracker source that produced it. OnDeck candidates should precede
// watchlist candidates in a batch; on duplicates the first source wins.
type Candidate struct {
	Item   plex.Item
	Source string // tracker.SourceOnDeck or tracker.SourceWatchlist
}

// Config tunes the retention decisions.
type Config struct {
	// CacheRetention is the minimum stay on the fast tier once cached,
	// regardless of need.
	CacheRetention time.Duration
	// OnDeckRetention bounds how long an OnDeck appearance pins a file.
	OnDeckRetention time.Duration
	// WatchlistRetention bounds how long a watchlist appearance pins a file.
	WatchlistRetention time.Duration
	// DryRun keeps protection passive: decisions are logged but the exclude
	// list, the trackers, and the array originals stay untouched.
	DryRun bool
}

// Deps wires the filter to the trackers and the filesystem views.
type Deps struct {
	Router    *pathmap.Router
	Exclude   *exclude.List
	Cache     *tracker.CacheTracker
	OnDeck    *tracker.OnDeckTracker
	Watchlist *tracker.WatchlistTracker
	Platform  platform.Adapter
	Clock     clock.Clock
}

// Filter implements the two partitioning directions.
type Filter struct {
	cfg  Config
	deps Deps
}

// New builds a filter. The clock gets a default when unset.
func New(cfg Config, deps Deps) *Filter {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Filter{cfg: cfg, deps: deps}
}

// SessionSet pins files that are being streamed right now. Matching is by
// basename: the session report speaks the media server's namespace and the
// filter speaks host paths, and the basename is the part both share.
type SessionSet map[string]struct{}

// NewSessionSet builds a set from session paths in any namespace.
func NewSessionSet(paths []string) SessionSet {
	s := make(SessionSet, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		s[filepath.Base(p)] = struct{}{}
	}
	return s
}

// Contains reports whether the path's basename belongs to an active session.
func (s SessionSet) Contains(path string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[filepath.Base(path)]
	return ok
}

// CachePlan is the to-cache partitioning outcome.
type CachePlan struct {
	// Moves are the files that need a physical copy, in candidate order.
	Moves []mover.Request
	// AlreadyCached counts files found at their cache path and protected
	// in place.
	AlreadyCached int
	// Missing counts candidates whose source file does not exist on the
	// array, typically watchlist items resolved against a stale library.
	Missing int
	// Unmapped counts candidates no enabled, cacheable mapping covers.
	Unmapped int
}

// ArrayPlan is the to-array determination outcome.
type ArrayPlan struct {
	// Moves are the restores to schedule.
	Moves []mover.Request
	// Kept counts entries still pinned by need or an active session.
	Kept int
	// Upgrades counts moves scheduled because a different file with the
	// same identity is required now.
	Upgrades int
	// Holds are entries past their need but inside cache retention.
	Holds []Hold
}

// Hold is one unneeded-but-retained cache entry.
type Hold struct {
	Cache pathmap.CachePath
	Show  string // empty for movies
	Until time.Time
}

// PartitionToCache resolves candidates onto the host filesystem, merges
// duplicates across users, protects files already sitting at their cache
// path, and returns the rest as move requests in first-seen order.
func (f *Filter) PartitionToCache(ctx context.Context, candidates []Candidate) CachePlan {
	logger := log.WithComponentFromContext(ctx, "filter")

	var plan CachePlan
	merged := map[pathmap.CachePath]*mover.Request{}
	var order []pathmap.CachePath

	for _, c := range candidates {
		real, cache, ok := f.resolve(logger, c.Item.Path, &plan)
		if !ok {
			continue
		}

		if req, dup := merged[cache]; dup {
			req.Users = mergeUsers(req.Users, c.Item.User)
			if req.Episode != nil && c.Item.IsCurrentOnDeck {
				req.Episode.IsCurrentOnDeck = true
			}
			continue
		}

		req := &mover.Request{
			File:      mover.File{Real: real, Cache: cache},
			Source:    c.Source,
			RatingKey: c.Item.RatingKey,
			MediaType: c.Item.MediaType,
			Episode:   cloneEpisode(c.Item.Episode),
			Users:     mergeUsers(nil, c.Item.User),
		}
		if req.Episode != nil && c.Item.IsCurrentOnDeck {
			req.Episode.IsCurrentOnDeck = true
		}
		merged[cache] = req
		order = append(order, cache)
	}

	for _, cache := range order {
		req := merged[cache]

		if fileExists(string(cache)) {
			f.protect(ctx, req)
			plan.AlreadyCached++
			continue
		}
		if !fileExists(string(req.Real)) {
			plan.Missing++
			logger.Debug().
				Str("event", "filter.cache.source_missing").
				Str(log.FieldPath, string(req.Real)).
				Msg("candidate has no file on the array yet")
			continue
		}

		req.Subtitles = f.subtitlesFor(req.Real)
		plan.Moves = append(plan.Moves, *req)
	}

	logger.Info().
		Str("event", "filter.cache.partitioned").
		Int("moves", len(plan.Moves)).
		Int("already_cached", plan.AlreadyCached).
		Int("missing", plan.Missing).
		Int("unmapped", plan.Unmapped).
		Msg("to-cache partitioning finished")
	return plan
}

// resolve maps a media-server path to its host and cache locations,
// counting the candidates that fall outside every cacheable mapping.
func (f *Filter) resolve(logger zerolog.Logger, plexPath string, plan *CachePlan) (pathmap.RealPath, pathmap.CachePath, bool) {
	real, _, outcome := f.deps.Router.PlexToReal(pathmap.PlexPath(plexPath))
	switch outcome {
	case pathmap.OutcomeDisabled, pathmap.OutcomeNone:
		if plan != nil {
			plan.Unmapped++
		}
		logger.Debug().
			Str("event", "filter.resolve.unmapped").
			Str(log.FieldPath, plexPath).
			Str("outcome", string(outcome)).
			Msg("no enabled mapping covers candidate")
		return "", "", false
	}
	cache, mapping := f.deps.Router.RealToCache(real)
	if mapping == nil || cache == "" {
		if plan != nil {
			plan.Unmapped++
		}
		logger.Debug().
			Str("event", "filter.resolve.not_cacheable").
			Str(log.FieldPath, string(real)).
			Msg("mapping has no cache tier")
		return "", "", false
	}
	return real, cache, true
}

// protect pins an already-cached file without moving anything: exclude
// entry ensured, timestamp recorded if missing, classification backfilled,
// and a leftover array original parked as its sidecar. The array-side check
// goes through the direct path first, because a FUSE union can mirror the
// cache copy at the array name and a rename there would eat the only copy.
func (f *Filter) protect(ctx context.Context, req *mover.Request) {
	logger := log.WithComponentFromContext(ctx, "filter")
	if f.cfg.DryRun {
		logger.Info().
			Str("event", "filter.protect.dry_run").
			Str(log.FieldCachePath, string(req.Cache)).
			Msg("would protect already-cached file")
		return
	}

	host := f.deps.Router.ContainerToHost(req.Cache)
	if err := f.deps.Exclude.Add(string(host)); err != nil {
		logger.Warn().Err(err).
			Str("event", "filter.protect.exclude_failed").
			Str(log.FieldCachePath, string(req.Cache)).
			Msg("could not pin already-cached file in exclude list")
	}

	inserted, err := f.deps.Cache.Record(string(req.Cache), tracker.RecordInfo{
		Source:      req.Source,
		RatingKey:   req.RatingKey,
		MediaType:   req.MediaType,
		EpisodeInfo: req.Episode,
	})
	if err != nil {
		logger.Warn().Err(err).
			Str("event", "filter.protect.record_failed").
			Str(log.FieldCachePath, string(req.Cache)).
			Msg("could not record cache timestamp")
	}
	if err == nil && !inserted {
		// Entry predates this run; keep its cached_at, fill what it lacks.
		if err := f.deps.Cache.EnrichMedia(string(req.Cache), req.MediaType, req.Episode); err != nil {
			logger.Warn().Err(err).
				Str("event", "filter.protect.enrich_failed").
				Str(log.FieldCachePath, string(req.Cache)).
				Msg("could not backfill media classification")
		}
	}

	now := f.deps.Clock.Now()
	switch req.Source {
	case tracker.SourceOnDeck:
		if err := f.deps.OnDeck.MarkCached(string(req.Real), req.Source, now); err != nil {
			logger.Warn().Err(err).
				Str("event", "filter.protect.mark_failed").
				Str(log.FieldPath, string(req.Real)).
				Msg("could not mark ondeck entry cached")
		}
	case tracker.SourceWatchlist:
		if err := f.deps.Watchlist.MarkCached(string(req.Real), req.Source, now); err != nil {
			logger.Warn().Err(err).
				Str("event", "filter.protect.mark_failed").
				Str(log.FieldPath, string(req.Real)).
				Msg("could not mark watchlist entry cached")
		}
	}

	f.parkArrayOriginal(logger, string(req.Real))

	logger.Debug().
		Str("event", "filter.protect.done").
		Str(log.FieldCachePath, string(req.Cache)).
		Msg("already cached; protected in place")
}

// parkArrayOriginal renames a genuine array-side duplicate of a cached file
// to its sidecar. The direct array path decides genuineness: when the union
// view shows the file but the direct view does not, the array name is just
// the cache copy shining through, and there is nothing to park.
func (f *Filter) parkArrayOriginal(logger zerolog.Logger, arrayPath string) {
	if !fileExists(arrayPath) {
		return
	}
	direct := f.deps.Platform.ArrayDirectPath(arrayPath)
	if direct != arrayPath && !fileExists(direct) {
		logger.Debug().
			Str("event", "filter.protect.union_echo").
			Str(log.FieldPath, arrayPath).
			Msg("array name is the union echoing the cache copy; leaving it")
		return
	}

	sidecar := mover.SidecarPath(arrayPath)
	if err := os.Rename(arrayPath, sidecar); err != nil {
		logger.Warn().Err(err).
			Str("event", "filter.protect.park_failed").
			Str(log.FieldPath, arrayPath).
			Msg("could not park array original as sidecar")
		return
	}
	if !fileExists(sidecar) {
		logger.Warn().
			Str("event", "filter.protect.park_unverified").
			Str(log.FieldPath, sidecar).
			Msg("sidecar missing after rename")
		return
	}
	logger.Info().
		Str("event", "filter.protect.original_parked").
		Str(log.FieldPath, arrayPath).
		Msg("array original parked as sidecar")
}

// subtitlesFor finds the video's subtitle sidecars next to it on the array
// and pairs each with its cache destination.
func (f *Filter) subtitlesFor(real pathmap.RealPath) []mover.File {
	dir := filepath.Dir(string(real))
	base := filepath.Base(string(real))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var subs []mover.File
	for _, e := range entries {
		if e.IsDir() || !media.SidecarsFor(base, e.Name()) {
			continue
		}
		subReal := pathmap.RealPath(filepath.Join(dir, e.Name()))
		subCache, mapping := f.deps.Router.RealToCache(subReal)
		if mapping == nil || subCache == "" {
			continue
		}
		subs = append(subs, mover.File{Real: subReal, Cache: subCache})
	}
	return subs
}

// PlanToArray walks the exclude list and decides per cached file: keep it
// (still needed or being streamed), restore it because the library upgraded
// the file, hold it (cache retention has not lapsed), or move it back.
func (f *Filter) PlanToArray(ctx context.Context, candidates []Candidate, sessions SessionSet) (ArrayPlan, error) {
	logger := log.WithComponentFromContext(ctx, "filter")

	entries, err := f.deps.Exclude.Paths()
	if err != nil {
		return ArrayPlan{}, fmt.Errorf("read exclude list: %w", err)
	}

	needed, seen := f.indexCandidates(candidates)

	var plan ArrayPlan
	for _, hostPath := range entries {
		cache := f.deps.Router.HostToContainer(pathmap.CachePath(hostPath))
		if !fileExists(string(cache)) {
			// The sweep at run start owns stale lines; a mid-run vanish
			// just means nothing to move.
			continue
		}
		if media.IsSubtitle(string(cache)) {
			// Subtitles ride with their parent video's restore.
			continue
		}
		real, mapping := f.deps.Router.CacheToReal(cache)
		if mapping == nil {
			plan.Kept++
			logger.Warn().
				Str("event", "filter.array.unmapped").
				Str(log.FieldCachePath, string(cache)).
				Msg("exclude entry outside every mapping; leaving it")
			continue
		}

		if sessions.Contains(string(cache)) {
			plan.Kept++
			logger.Debug().
				Str("event", "filter.array.session_pinned").
				Str(log.FieldCachePath, string(cache)).
				Msg("file is being streamed; keeping on cache")
			continue
		}

		entry, _ := f.deps.Cache.Entry(string(cache))
		mediaType, episode := f.classify(real, cache, seen)
		base := filepath.Base(string(cache))

		n, exact, found := needed.match(base, entry.RatingKey, mediaType, episode)
		if found && exact && f.sourceHoldActive(real) {
			plan.Kept++
			continue
		}
		if found && !exact && filepath.Dir(string(n.Cache)) == filepath.Dir(string(cache)) {
			// Same identity, different file, same cache home: the library
			// upgraded the file. Restore the stale copy so its sidecar
			// stops shadowing the replacement's array slot.
			plan.Moves = append(plan.Moves, f.restoreRequest(cache, real, mediaType, episode, entry))
			plan.Upgrades++
			logger.Info().
				Str("event", "filter.array.upgrade").
				Str(log.FieldCachePath, string(cache)).
				Str("replacement", n.Base).
				Msg("file was upgraded; restoring the stale copy")
			continue
		}

		// No live need, or a need past its retention. Cache retention is
		// the final hold.
		if f.deps.Cache.WithinRetention(string(cache), f.cfg.CacheRetention) {
			hold := Hold{Cache: cache}
			if episode != nil {
				hold.Show = episode.Show
			}
			if cachedAt, ok := f.deps.Cache.CachedAt(string(cache)); ok {
				hold.Until = cachedAt.Add(f.cfg.CacheRetention)
			}
			plan.Holds = append(plan.Holds, hold)
			continue
		}

		plan.Moves = append(plan.Moves, f.restoreRequest(cache, real, mediaType, episode, entry))
	}

	logHolds(logger, plan.Holds)
	logger.Info().
		Str("event", "filter.array.planned").
		Int("moves", len(plan.Moves)).
		Int("kept", plan.Kept).
		Int("held", len(plan.Holds)).
		Int("upgrades", plan.Upgrades).
		Msg("to-array determination finished")
	return plan, nil
}

// sourceHoldActive reports whether a queue appearance still pins the file.
// Each tracker that knows the file gets a vote; a file known to neither is
// kept, because the exact file was requested this run and the trackers will
// learn it by the next.
func (f *Filter) sourceHoldActive(real pathmap.RealPath) bool {
	p := string(real)
	_, onDeck := f.deps.OnDeck.Entry(p)
	if onDeck && !f.deps.OnDeck.IsExpired(p, f.cfg.OnDeckRetention) {
		return true
	}
	_, watched := f.deps.Watchlist.Entry(p)
	if watched && !f.deps.Watchlist.IsExpired(p, f.cfg.WatchlistRetention) {
		return true
	}
	return !onDeck && !watched
}

// RestoreRequest builds the move-back request for one cached path, for
// callers outside the run partitioning. Eviction picks its own victims and
// comes through here.
func (f *Filter) RestoreRequest(cache pathmap.CachePath) (mover.Request, bool) {
	real, mapping := f.deps.Router.CacheToReal(cache)
	if mapping == nil {
		return mover.Request{}, false
	}
	entry, _ := f.deps.Cache.Entry(string(cache))
	mediaType, episode := f.classify(real, cache, nil)
	return f.restoreRequest(cache, real, mediaType, episode, entry), true
}

// restoreRequest assembles a mover request for putting one cached file
// back, subtitles included: the tracker's delegated list first, then
// whatever sidecar files actually sit next to the cache copy.
func (f *Filter) restoreRequest(cache pathmap.CachePath, real pathmap.RealPath, mediaType string, episode *media.EpisodeInfo, entry tracker.CacheEntry) mover.Request {
	req := mover.Request{
		File:      mover.File{Real: real, Cache: cache},
		Source:    entry.Source,
		RatingKey: entry.RatingKey,
		MediaType: mediaType,
		Episode:   episode,
		Users:     f.usersFor(string(real)),
	}

	seen := map[string]struct{}{}
	add := func(sub string) {
		if _, dup := seen[sub]; dup {
			return
		}
		seen[sub] = struct{}{}
		subReal, mapping := f.deps.Router.CacheToReal(pathmap.CachePath(sub))
		if mapping == nil {
			return
		}
		req.Subtitles = append(req.Subtitles, mover.File{Real: subReal, Cache: pathmap.CachePath(sub)})
	}
	for _, sub := range f.deps.Cache.Subtitles(string(cache)) {
		add(sub)
	}
	dir := filepath.Dir(string(cache))
	if entries, err := os.ReadDir(dir); err == nil {
		base := filepath.Base(string(cache))
		for _, e := range entries {
			if !e.IsDir() && media.SidecarsFor(base, e.Name()) {
				add(filepath.Join(dir, e.Name()))
			}
		}
	}
	return req
}

// usersFor collects everyone holding the file in a queue, for the activity
// log on restores.
func (f *Filter) usersFor(real string) []string {
	var users []string
	if e, ok := f.deps.OnDeck.Entry(real); ok {
		for _, u := range e.Users {
			users = mergeUsers(users, u)
		}
	}
	if e, ok := f.deps.Watchlist.Entry(real); ok {
		for _, u := range e.Users {
			users = mergeUsers(users, u)
		}
	}
	return users
}

// classify resolves a cached file's media type, consulting the most
// authoritative source first: the live OnDeck record, then the candidates
// seen this run, then the persisted cache entry, then the path itself.
func (f *Filter) classify(real pathmap.RealPath, cache pathmap.CachePath, seen map[string]plex.Item) (string, *media.EpisodeInfo) {
	if e, ok := f.deps.OnDeck.Entry(string(real)); ok && e.EpisodeInfo != nil {
		return media.TypeEpisode, cloneEpisode(e.EpisodeInfo)
	}
	if item, ok := seen[filepath.Base(string(real))]; ok && item.MediaType != "" {
		if item.MediaType == media.TypeEpisode && item.Episode == nil {
			if parsed, ok := media.ParseEpisodePath(string(real)); ok {
				return media.TypeEpisode, &parsed
			}
		}
		return item.MediaType, cloneEpisode(item.Episode)
	}
	if e, ok := f.deps.Cache.Entry(string(cache)); ok && e.MediaType != "" {
		return e.MediaType, cloneEpisode(e.EpisodeInfo)
	}
	if parsed, ok := media.ParseEpisodePath(string(real)); ok {
		return media.TypeEpisode, &parsed
	}
	if media.IsTVPath(string(real)) {
		return media.TypeEpisode, nil
	}
	return media.TypeMovie, nil
}

// SweepStaleExcludes drops exclude entries whose cache file no longer
// exists, along with their tracker records. Runs at the start of every run,
// before any decision reads the list.
func (f *Filter) SweepStaleExcludes(ctx context.Context) ([]string, error) {
	logger := log.WithComponentFromContext(ctx, "filter")

	removed, err := f.deps.Exclude.Prune(func(hostPath string) bool {
		cache := f.deps.Router.HostToContainer(pathmap.CachePath(hostPath))
		return fileExists(string(cache))
	})
	if err != nil {
		return nil, fmt.Errorf("sweep stale exclude entries: %w", err)
	}

	for _, hostPath := range removed {
		cache := f.deps.Router.HostToContainer(pathmap.CachePath(hostPath))
		if err := f.deps.Cache.Remove(string(cache)); err != nil {
			logger.Warn().Err(err).
				Str("event", "filter.sweep.tracker_failed").
				Str(log.FieldCachePath, string(cache)).
				Msg("could not drop tracker record for vanished file")
		}
	}
	if len(removed) > 0 {
		logger.Info().
			Str("event", "filter.sweep.done").
			Int(log.FieldFiles, len(removed)).
			Msg("stale exclude entries swept")
	}
	return removed, nil
}

// need locates the current candidate that requires a piece of media.
type need struct {
	Base  string
	Cache pathmap.CachePath
}

type episodeNeed struct {
	info media.EpisodeInfo
	need need
}

// neededSet indexes what this run's candidates require, for deciding
// whether a cached file still earns its place.
type neededSet struct {
	byBase    map[string]need
	byKey     map[string]need // plex rating key
	byEpisode map[string][]episodeNeed
	byMovie   map[string]need // media.MovieIdentity of the basename
}

// indexCandidates resolves the run's candidates into the identity indexes
// the to-array pass matches against, plus a basename-keyed media-info view
// for classification.
func (f *Filter) indexCandidates(candidates []Candidate) (*neededSet, map[string]plex.Item) {
	s := &neededSet{
		byBase:    map[string]need{},
		byKey:     map[string]need{},
		byEpisode: map[string][]episodeNeed{},
		byMovie:   map[string]need{},
	}
	seen := map[string]plex.Item{}

	logger := log.WithComponent("filter")
	for _, c := range candidates {
		real, cache, ok := f.resolve(logger, c.Item.Path, nil)
		if !ok {
			continue
		}
		base := filepath.Base(string(real))
		if _, dup := seen[base]; !dup {
			seen[base] = c.Item
		}

		n := need{Base: base, Cache: cache}
		s.byBase[base] = n
		if c.Item.RatingKey != "" {
			s.byKey[c.Item.RatingKey] = n
		}

		info := cloneEpisode(c.Item.Episode)
		if info == nil && c.Item.MediaType != media.TypeMovie {
			if parsed, ok := media.ParseEpisodePath(string(real)); ok {
				info = &parsed
			}
		}
		if info != nil {
			s.byEpisode[info.Show] = append(s.byEpisode[info.Show], episodeNeed{info: *info, need: n})
		} else {
			s.byMovie[media.MovieIdentity(base)] = n
		}
	}
	return s, seen
}

// match finds the current candidate requiring this cached file, if any.
// Exact means the same file; a match under a different name is the upgrade
// signature. The rating key settles episode equality when both sides carry
// one; parsed position and cleaned movie title are the fallbacks.
func (s *neededSet) match(base, ratingKey, mediaType string, episode *media.EpisodeInfo) (need, bool, bool) {
	if n, ok := s.byBase[base]; ok {
		return n, true, true
	}
	if ratingKey != "" {
		if n, ok := s.byKey[ratingKey]; ok {
			return n, false, true
		}
	}
	if mediaType == media.TypeEpisode && episode != nil {
		for _, en := range s.byEpisode[episode.Show] {
			if en.info.SameEpisode(*episode) {
				return en.need, false, true
			}
		}
	}
	if mediaType == media.TypeMovie {
		if n, ok := s.byMovie[media.MovieIdentity(base)]; ok {
			return n, false, true
		}
	}
	return need{}, false, false
}

// logHolds summarizes unneeded-but-retained files grouped by show, so a
// binge in progress reads as one line.
func logHolds(logger zerolog.Logger, holds []Hold) {
	if len(holds) == 0 {
		return
	}
	groups := map[string]int{}
	for _, h := range holds {
		key := h.Show
		if key == "" {
			key = "movies"
		}
		groups[key]++
	}
	for show, count := range groups {
		logger.Info().
			Str("event", "filter.array.retention_hold").
			Str("show", show).
			Int(log.FieldFiles, count).
			Msg("past need but inside cache retention; holding")
	}
}

// fileExists reports a regular file at path; symlinks do not count, the
// same rule the mover applies.
func fileExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func cloneEpisode(info *media.EpisodeInfo) *media.EpisodeInfo {
	if info == nil {
		return nil
	}
	c := *info
	return &c
}

func mergeUsers(users []string, user string) []string {
	if user == "" {
		return users
	}
	for _, u := range users {
		if u == user {
			return users
		}
	}
	return append(users, user)
}
