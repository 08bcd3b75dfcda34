// SPDX-License-Identifier: MIT

package tracker

import (
	"path/filepath"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/clock"
)

// WatchlistFileName is the tracker's file name under data/.
const WatchlistFileName = "watchlist_tracker.json"

// staleAfter is how long a watchlist entry survives without being seen in
// any user's watchlist before the cleanup sweep drops it.
const staleAfter = 7 * 24 * time.Hour

// WatchlistEntry tracks one watchlisted file, keyed by its host-side
// absolute path. WatchlistedAt keeps the earliest observation across users,
// so the most aggressive retention clock wins.
type WatchlistEntry struct {
	WatchlistedAt time.Time  `json:"watchlisted_at"`
	Users         []string   `json:"users"`
	LastSeen      time.Time  `json:"last_seen"`
	IsCached      bool       `json:"is_cached"`
	CacheSource   string     `json:"cache_source,omitempty"`
	CachedAt      *time.Time `json:"cached_at,omitempty"`
}

// WatchlistTracker is the watchlist store.
type WatchlistTracker struct {
	store *Store[WatchlistEntry]
	clock clock.Clock
}

// OpenWatchlistTracker loads data/watchlist_tracker.json.
func OpenWatchlistTracker(dataDir string, c clock.Clock) (*WatchlistTracker, error) {
	store, err := Open[WatchlistEntry](filepath.Join(dataDir, WatchlistFileName), "tracker.watchlist", nil)
	if err != nil {
		return nil, err
	}
	return &WatchlistTracker{store: store, clock: c}, nil
}

// UpdateEntry inserts or refreshes an entry for one user's watchlist hit.
// watchlistedAt comes from the media server when it reports one; pass the
// zero time to fall back to now. Across users the earliest timestamp is
// kept.
func (t *WatchlistTracker) UpdateEntry(path, user string, watchlistedAt time.Time) error {
	now := t.clock.Now().UTC()
	if watchlistedAt.IsZero() {
		watchlistedAt = now
	} else {
		watchlistedAt = watchlistedAt.UTC()
	}

	return t.store.Mutate(func(entries map[string]WatchlistEntry) bool {
		key := path
		if _, ok := entries[key]; !ok {
			base := filepath.Base(path)
			for k := range entries {
				if filepath.Base(k) == base {
					key = k
					break
				}
			}
		}

		e, existed := entries[key]
		if !existed || watchlistedAt.Before(e.WatchlistedAt) {
			e.WatchlistedAt = watchlistedAt
		}
		e.Users = addString(e.Users, user)
		e.LastSeen = now
		entries[key] = e
		return true
	})
}

// IsExpired reports whether the watchlist retention window has passed for
// the entry as a whole. Unknown paths report expired.
func (t *WatchlistTracker) IsExpired(path string, window time.Duration) bool {
	_, e, ok := t.store.Lookup(path)
	if !ok {
		return true
	}
	return t.clock.Now().Sub(e.WatchlistedAt) > window
}

// CleanupStale removes entries not seen in any watchlist for a week.
// Returns how many were dropped.
func (t *WatchlistTracker) CleanupStale() (int, error) {
	now := t.clock.Now()
	removed := 0
	err := t.store.Mutate(func(entries map[string]WatchlistEntry) bool {
		for k, e := range entries {
			if now.Sub(e.LastSeen) > staleAfter {
				delete(entries, k)
				removed++
			}
		}
		return removed > 0
	})
	return removed, err
}

// MarkCached notes on the entry that its file now lives on the cache tier.
func (t *WatchlistTracker) MarkCached(path, source string, at time.Time) error {
	_, err := t.store.Update(path, func(e *WatchlistEntry) {
		e.IsCached = true
		e.CacheSource = source
		cachedAt := at.UTC()
		e.CachedAt = &cachedAt
	})
	return err
}

// MarkRestored clears the cached flags after a move back to the array.
func (t *WatchlistTracker) MarkRestored(path string) error {
	_, err := t.store.Update(path, func(e *WatchlistEntry) {
		e.IsCached = false
		e.CacheSource = ""
		e.CachedAt = nil
	})
	return err
}

// Entry looks up a record with the basename fallback.
func (t *WatchlistTracker) Entry(path string) (WatchlistEntry, bool) {
	_, e, ok := t.store.Lookup(path)
	return e, ok
}

// Snapshot returns a copy of all entries.
func (t *WatchlistTracker) Snapshot() map[string]WatchlistEntry {
	return t.store.Snapshot()
}

// Keys returns the tracked host paths, sorted.
func (t *WatchlistTracker) Keys() []string {
	return t.store.Keys()
}
