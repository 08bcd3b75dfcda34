// SPDX-License-Identifier: MIT

// Package score computes cache priorities. Every tracked file gets a value
// in [0,100] derived from tracker state; eviction walks the low end of the
// ranking first.
package score

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// Contribution table. The final score is clamped to [0,100].
const (
	baseScore = 50

	sourceOnDeckBonus = 15

	perUserBonus = 5
	maxUserBonus = 15

	cachedRecentBonus   = 5 // cached within the last 24h
	cachedRecent72Bonus = 3 // cached within 72h but not 24h

	watchlistFreshBonus   = 10  // watchlisted less than 7 days ago
	watchlistStalePenalty = -10 // watchlisted more than 60 days ago

	ondeckFreshBonus   = 5   // first seen on deck under 7 days ago
	ondeckAgingPenalty = -5  // first seen 14-30 days ago
	ondeckStalePenalty = -10 // first seen 30+ days ago

	currentEpisodeBonus = 15
	nextEpisodesBonus   = 10

	// episodesPerSeason is the prior used to estimate distance when the
	// candidate sits in a later season than the OnDeck position. A
	// media-server-aware episode count would do better; this matches
	// observed library shapes well enough to split "next few" from "far
	// ahead".
	episodesPerSeason = 13
)

// DefaultMinPriority protects entries at or above this score from eviction.
const DefaultMinPriority = 60

// ActiveSet holds the OnDeck paths that survived retention filtering for
// the current run. A nil set means retention is disabled and every OnDeck
// episode keeps its position bonus. Membership is tested by basename:
// callers hold host-side paths while the scorer works on cache paths.
type ActiveSet map[string]struct{}

// NewActiveSet builds a set from host paths.
func NewActiveSet(paths []string) ActiveSet {
	s := make(ActiveSet, len(paths))
	for _, p := range paths {
		s[filepath.Base(p)] = struct{}{}
	}
	return s
}

// Contains reports membership by basename. A nil set contains everything.
func (a ActiveSet) Contains(path string) bool {
	if a == nil {
		return true
	}
	_, ok := a[filepath.Base(path)]
	return ok
}

// Config tunes the scorer.
type Config struct {
	// NumberEpisodes is the configured prefetch depth; the position bonus
	// reaches ceil(NumberEpisodes/2) episodes past the current OnDeck.
	NumberEpisodes int

	// MinPriority is the eviction floor: entries scoring at or above it
	// are never offered as eviction candidates.
	MinPriority int
}

// Scorer ranks cached files from tracker state.
type Scorer struct {
	cache     *tracker.CacheTracker
	ondeck    *tracker.OnDeckTracker
	watchlist *tracker.WatchlistTracker
	clock     clock.Clock
	cfg       Config
}

// New builds a scorer over the three trackers.
func New(cache *tracker.CacheTracker, ondeck *tracker.OnDeckTracker, watchlist *tracker.WatchlistTracker, c clock.Clock, cfg Config) *Scorer {
	if cfg.MinPriority <= 0 {
		cfg.MinPriority = DefaultMinPriority
	}
	return &Scorer{cache: cache, ondeck: ondeck, watchlist: watchlist, clock: c, cfg: cfg}
}

// Score computes the priority of a cached path. Subtitles score as their
// parent video. active gates the episode-position bonus; see ActiveSet.
func (s *Scorer) Score(cachePath string, active ActiveSet) int {
	if parent, ok := s.cache.ParentOf(cachePath); ok {
		cachePath = parent
	}

	now := s.clock.Now()
	total := baseScore

	entry, tracked := s.cache.Entry(cachePath)
	if tracked {
		if entry.Source == tracker.SourceOnDeck {
			total += sourceOnDeckBonus
		}
		age := now.Sub(entry.CachedAt)
		switch {
		case age < 24*time.Hour:
			total += cachedRecentBonus
		case age < 72*time.Hour:
			total += cachedRecent72Bonus
		}
	}

	od, onDeck := s.ondeck.Entry(cachePath)
	wl, watchlisted := s.watchlist.Entry(cachePath)

	total += userBonus(od, onDeck, wl, watchlisted)

	if watchlisted {
		age := now.Sub(wl.WatchlistedAt)
		switch {
		case age < 7*24*time.Hour:
			total += watchlistFreshBonus
		case age > 60*24*time.Hour:
			total += watchlistStalePenalty
		}
	}

	if onDeck {
		age := now.Sub(od.FirstSeen)
		switch {
		case age < 7*24*time.Hour:
			total += ondeckFreshBonus
		case age >= 30*24*time.Hour:
			total += ondeckStalePenalty
		case age >= 14*24*time.Hour:
			total += ondeckAgingPenalty
		}
	}

	total += s.episodeBonus(cachePath, entry, od, onDeck, active)

	return clamp(total)
}

// userBonus counts distinct users across both trackers, clamped to three.
func userBonus(od tracker.OnDeckEntry, onDeck bool, wl tracker.WatchlistEntry, watchlisted bool) int {
	users := map[string]struct{}{}
	if onDeck {
		for _, u := range od.Users {
			users[u] = struct{}{}
		}
	}
	if watchlisted {
		for _, u := range wl.Users {
			users[u] = struct{}{}
		}
	}
	n := len(users)
	if n > 3 {
		n = 3
	}
	bonus := n * perUserBonus
	if bonus > maxUserBonus {
		bonus = maxUserBonus
	}
	return bonus
}

// episodeBonus rewards proximity to the current OnDeck position. A TV
// episode that fell out of the active set (retention expired, no longer on
// deck) gets nothing, however close it sits.
func (s *Scorer) episodeBonus(cachePath string, entry tracker.CacheEntry, od tracker.OnDeckEntry, onDeck bool, active ActiveSet) int {
	info := episodeInfoFor(cachePath, entry, od, onDeck)
	if info == nil {
		return 0
	}
	if !active.Contains(cachePath) {
		return 0
	}

	current, ok := s.ondeck.EarliestOnDeckPosition(info.Show)
	if !ok {
		return 0
	}
	if current.SameEpisode(*info) {
		return currentEpisodeBonus
	}

	ahead := episodesAhead(current, *info)
	if ahead >= 1 && ahead <= ceilHalf(s.cfg.NumberEpisodes) {
		return nextEpisodesBonus
	}
	return 0
}

// episodeInfoFor resolves the candidate's position, most current source
// first: this run's OnDeck record, then the persisted cache entry, then the
// path itself.
func episodeInfoFor(cachePath string, entry tracker.CacheEntry, od tracker.OnDeckEntry, onDeck bool) *media.EpisodeInfo {
	if onDeck && od.EpisodeInfo != nil {
		return od.EpisodeInfo
	}
	if entry.EpisodeInfo != nil {
		return entry.EpisodeInfo
	}
	if info, ok := media.ParseEpisodePath(cachePath); ok {
		return &info
	}
	return nil
}

// episodesAhead estimates how many episodes separate candidate from
// current. Negative means the candidate is behind. Later seasons are
// bridged with the episodesPerSeason prior.
func episodesAhead(current, candidate media.EpisodeInfo) int {
	if candidate.Season == current.Season {
		return candidate.Episode - current.Episode
	}
	if candidate.Season > current.Season {
		ahead := episodesPerSeason - current.Episode
		ahead += (candidate.Season - current.Season - 1) * episodesPerSeason
		ahead += candidate.Episode
		return ahead
	}
	behind := current.Episode
	behind += (current.Season - candidate.Season - 1) * episodesPerSeason
	behind += episodesPerSeason - candidate.Episode
	return -behind
}

func ceilHalf(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 1) / 2
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Candidate is one eviction offer: a cached path, its score, and its
// current size on disk.
type Candidate struct {
	Path  string
	Score int
	Size  uint64
}

// SizeFunc reports the on-disk size of a cached path. Vanished files
// return false and are skipped.
type SizeFunc func(path string) (uint64, bool)

// EvictionCandidates ranks all tracked cache paths ascending by score and
// returns the cheapest victims whose sizes sum to at least target. Entries
// scoring at or above MinPriority are never offered. The returned order is
// the eviction order.
func (s *Scorer) EvictionCandidates(target uint64, sizeOf SizeFunc, active ActiveSet) []Candidate {
	if target == 0 {
		return nil
	}

	paths := s.cache.Keys()
	scored := make([]Candidate, 0, len(paths))
	for _, p := range paths {
		size, ok := sizeOf(p)
		if !ok {
			continue
		}
		scored = append(scored, Candidate{Path: p, Score: s.Score(p, active), Size: size})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score < scored[j].Score
		}
		return scored[i].Path < scored[j].Path
	})

	var chosen []Candidate
	var accumulated uint64
	for _, c := range scored {
		if accumulated >= target {
			break
		}
		if c.Score >= s.cfg.MinPriority {
			// Ascending order: everything after this is protected too.
			break
		}
		chosen = append(chosen, c)
		accumulated += c.Size
	}
	return chosen
}
