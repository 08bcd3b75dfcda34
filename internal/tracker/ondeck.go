// SPDX-License-Identifier: MIT

package tracker

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/media"
)

// OnDeckFileName is the tracker's file name under data/.
const OnDeckFileName = "ondeck_tracker.json"

// OnDeckEntry tracks one file's presence in users' queues, keyed by its
// host-side absolute path. Users holds everyone who has the file on deck
// or in a prefetch window behind it; OnDeckUsers is the strict subset whose
// *current* position this file is. FirstSeen never resets; per-user
// retention reads UserFirstSeen.
type OnDeckEntry struct {
	Users         []string             `json:"users"`
	OnDeckUsers   []string             `json:"ondeck_users"`
	FirstSeen     time.Time            `json:"first_seen"`
	LastSeen      time.Time            `json:"last_seen"`
	UserFirstSeen map[string]time.Time `json:"user_first_seen,omitempty"`
	EpisodeInfo   *media.EpisodeInfo   `json:"episode_info,omitempty"`
	IsCached      bool                 `json:"is_cached"`
	CacheSource   string               `json:"cache_source,omitempty"`
	CachedAt      *time.Time           `json:"cached_at,omitempty"`
}

// OnDeckTracker has a per-run lifecycle: PrepareForRun clears the volatile
// membership fields, UpdateEntry repopulates them from the media server,
// CleanupUnseen drops entries the run never touched.
type OnDeckTracker struct {
	store *Store[OnDeckEntry]
	clock clock.Clock

	seenMu sync.Mutex
	seen   map[string]bool
}

// OpenOnDeckTracker loads data/ondeck_tracker.json.
func OpenOnDeckTracker(dataDir string, c clock.Clock) (*OnDeckTracker, error) {
	store, err := Open[OnDeckEntry](filepath.Join(dataDir, OnDeckFileName), "tracker.ondeck", nil)
	if err != nil {
		return nil, err
	}
	return &OnDeckTracker{store: store, clock: c, seen: map[string]bool{}}, nil
}

// PrepareForRun resets volatile membership on every entry and starts a
// fresh seen set. FirstSeen, UserFirstSeen, and LastSeen survive; they are
// what retention is computed from.
func (t *OnDeckTracker) PrepareForRun() error {
	t.seenMu.Lock()
	t.seen = map[string]bool{}
	t.seenMu.Unlock()

	return t.store.Mutate(func(entries map[string]OnDeckEntry) bool {
		changed := false
		for k, e := range entries {
			if len(e.Users) == 0 && len(e.OnDeckUsers) == 0 && e.EpisodeInfo == nil {
				continue
			}
			e.Users = nil
			e.OnDeckUsers = nil
			e.EpisodeInfo = nil
			entries[k] = e
			changed = true
		}
		return changed
	})
}

// UpdateEntry inserts or refreshes an entry for one user's observation.
// FirstSeen is only set on insertion; UserFirstSeen[user] on the user's
// first observation ever; OnDeckUsers accumulates only for the current
// OnDeck position, not prefetched successors.
func (t *OnDeckTracker) UpdateEntry(path, user string, info *media.EpisodeInfo, isCurrentOnDeck bool) error {
	now := t.clock.Now().UTC()

	err := t.store.Mutate(func(entries map[string]OnDeckEntry) bool {
		key := path
		if _, ok := entries[key]; !ok {
			// Same aliasing rule as lookups: an existing entry under a
			// different spelling of the same file wins over a new insert.
			base := filepath.Base(path)
			for k := range entries {
				if filepath.Base(k) == base {
					key = k
					break
				}
			}
		}

		e, existed := entries[key]
		if !existed {
			e.FirstSeen = now
		}
		e.LastSeen = now
		e.Users = addString(e.Users, user)
		if isCurrentOnDeck {
			e.OnDeckUsers = addString(e.OnDeckUsers, user)
		}
		if e.UserFirstSeen == nil {
			e.UserFirstSeen = map[string]time.Time{}
		}
		if _, ok := e.UserFirstSeen[user]; !ok {
			e.UserFirstSeen[user] = now
		}
		if info != nil {
			merged := *info
			merged.IsCurrentOnDeck = info.IsCurrentOnDeck || isCurrentOnDeck
			if e.EpisodeInfo != nil && e.EpisodeInfo.IsCurrentOnDeck {
				merged.IsCurrentOnDeck = true
			}
			e.EpisodeInfo = &merged
		}
		entries[key] = e

		t.seenMu.Lock()
		t.seen[key] = true
		t.seenMu.Unlock()
		return true
	})
	return err
}

// CleanupUnseen deletes entries the current run never refreshed and trims
// UserFirstSeen on survivors down to current users. Returns how many
// entries were dropped.
func (t *OnDeckTracker) CleanupUnseen() (int, error) {
	t.seenMu.Lock()
	seen := t.seen
	t.seenMu.Unlock()

	removed := 0
	err := t.store.Mutate(func(entries map[string]OnDeckEntry) bool {
		changed := false
		for k, e := range entries {
			if !seen[k] {
				delete(entries, k)
				removed++
				changed = true
				continue
			}
			for user := range e.UserFirstSeen {
				if !containsString(e.Users, user) {
					delete(e.UserFirstSeen, user)
					changed = true
				}
			}
		}
		return changed
	})
	return removed, err
}

// IsExpired reports whether retention has run out: true only when every
// current user first saw the file longer than window ago. No users means
// not expired (conservative); a user without a per-user timestamp falls
// back to the entry's FirstSeen; an unknown path has nothing holding it and
// reports expired.
func (t *OnDeckTracker) IsExpired(path string, window time.Duration) bool {
	_, e, ok := t.store.Lookup(path)
	if !ok {
		return true
	}
	if len(e.Users) == 0 {
		return false
	}
	now := t.clock.Now()
	for _, user := range e.Users {
		firstSeen, ok := e.UserFirstSeen[user]
		if !ok {
			firstSeen = e.FirstSeen
		}
		if now.Sub(firstSeen) <= window {
			return false
		}
	}
	return true
}

// MarkCached notes on the entry that its file now lives on the cache tier.
func (t *OnDeckTracker) MarkCached(path, source string, at time.Time) error {
	_, err := t.store.Update(path, func(e *OnDeckEntry) {
		e.IsCached = true
		e.CacheSource = source
		cachedAt := at.UTC()
		e.CachedAt = &cachedAt
	})
	return err
}

// MarkRestored clears the cached flags after a move back to the array.
func (t *OnDeckTracker) MarkRestored(path string) error {
	_, err := t.store.Update(path, func(e *OnDeckEntry) {
		e.IsCached = false
		e.CacheSource = ""
		e.CachedAt = nil
	})
	return err
}

// EarliestOnDeckPosition returns the minimum (season, episode) among
// current-OnDeck entries of a show. The scorer anchors the episode-distance
// bonus here.
func (t *OnDeckTracker) EarliestOnDeckPosition(show string) (media.EpisodeInfo, bool) {
	var best media.EpisodeInfo
	found := false
	for _, e := range t.store.Snapshot() {
		info := e.EpisodeInfo
		if info == nil || !info.IsCurrentOnDeck || info.Show != show {
			continue
		}
		if !found || info.Season < best.Season ||
			(info.Season == best.Season && info.Episode < best.Episode) {
			best = *info
			found = true
		}
	}
	return best, found
}

// Entry looks up a record with the basename fallback.
func (t *OnDeckTracker) Entry(path string) (OnDeckEntry, bool) {
	_, e, ok := t.store.Lookup(path)
	return e, ok
}

// Snapshot returns a copy of all entries.
func (t *OnDeckTracker) Snapshot() map[string]OnDeckEntry {
	return t.store.Snapshot()
}

// Keys returns the tracked host paths, sorted.
func (t *OnDeckTracker) Keys() []string {
	return t.store.Keys()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
