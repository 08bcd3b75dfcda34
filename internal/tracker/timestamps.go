// SPDX-License-Identifier: MIT

package tracker

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/media"
)

// Where a cached file came from.
const (
	SourceOnDeck      = "ondeck"
	SourceWatchlist   = "watchlist"
	SourcePreExisting = "pre-existing"
	SourceUnknown     = "unknown"
)

// TimestampsFileName is the tracker's file name under data/.
const TimestampsFileName = "timestamps.json"

// CacheEntry records one file's life on the cache tier, keyed by its
// cache-side absolute path. CachedAt marks the initial caching moment and
// never changes afterwards.
type CacheEntry struct {
	CachedAt      time.Time          `json:"cached_at"`
	Source        string             `json:"source"`
	OriginalInode uint64             `json:"original_inode,omitempty"`
	RatingKey     string             `json:"rating_key,omitempty"`
	MediaType     string             `json:"media_type,omitempty"`
	EpisodeInfo   *media.EpisodeInfo `json:"episode_info,omitempty"`
	Subtitles     []string           `json:"subtitles,omitempty"`
}

// RecordInfo carries the metadata known at caching time.
type RecordInfo struct {
	Source        string
	OriginalInode uint64
	RatingKey     string
	MediaType     string
	EpisodeInfo   *media.EpisodeInfo
}

// CacheTracker is the timestamps store. Subtitle files never carry their
// own top-level entry when their parent video is tracked; the parent's
// Subtitles list carries them, and an in-memory reverse index (rebuilt on
// load, never persisted) answers subtitle-to-parent queries.
type CacheTracker struct {
	store *Store[CacheEntry]
	clock clock.Clock

	idxMu    sync.RWMutex
	subIndex map[string]string // subtitle path -> parent path
}

// OpenCacheTracker loads data/timestamps.json.
func OpenCacheTracker(dataDir string, c clock.Clock) (*CacheTracker, error) {
	t := &CacheTracker{
		clock:    c,
		subIndex: map[string]string{},
	}
	store, err := Open(filepath.Join(dataDir, TimestampsFileName), "tracker.timestamps", t.postLoad)
	if err != nil {
		return nil, err
	}
	t.store = store
	return t, nil
}

// postLoad migrates stray top-level subtitle entries under their parent
// video and rebuilds the reverse index. Runs with the store lock held.
func (t *CacheTracker) postLoad(entries map[string]CacheEntry) bool {
	changed := false

	for key := range entries {
		if !media.IsSubtitle(key) {
			continue
		}
		parent, ok := media.ParentVideo(key, func(candidate string) bool {
			_, tracked := entries[candidate]
			return tracked
		})
		if !ok {
			continue // orphan subtitle keeps its own entry
		}
		pe := entries[parent]
		pe.Subtitles = addString(pe.Subtitles, key)
		entries[parent] = pe
		delete(entries, key)
		changed = true
	}

	index := map[string]string{}
	for parent, e := range entries {
		for _, sub := range e.Subtitles {
			index[sub] = parent
		}
	}
	t.idxMu.Lock()
	t.subIndex = index
	t.idxMu.Unlock()

	return changed
}

// Record notes that a file reached the cache tier. The call is set-once: an
// existing entry is left untouched and false is returned. Subtitles whose
// parent is tracked delegate to the parent's list instead of getting an
// entry of their own.
func (t *CacheTracker) Record(cachePath string, info RecordInfo) (bool, error) {
	if media.IsSubtitle(cachePath) {
		if parent, ok := t.parentFor(cachePath); ok {
			return t.associate(parent, cachePath)
		}
	}

	if info.Source == "" {
		info.Source = SourceUnknown
	}
	inserted, err := t.store.SetIfAbsent(cachePath, CacheEntry{
		CachedAt:      t.clock.Now().UTC(),
		Source:        info.Source,
		OriginalInode: info.OriginalInode,
		RatingKey:     info.RatingKey,
		MediaType:     info.MediaType,
		EpisodeInfo:   info.EpisodeInfo,
	})
	return inserted, err
}

// parentFor resolves a subtitle's parent: the reverse index first, then a
// candidate scan against tracked keys.
func (t *CacheTracker) parentFor(sub string) (string, bool) {
	t.idxMu.RLock()
	parent, ok := t.subIndex[sub]
	t.idxMu.RUnlock()
	if ok {
		return parent, true
	}
	return media.ParentVideo(sub, func(candidate string) bool {
		_, tracked := t.store.Get(candidate)
		return tracked
	})
}

func (t *CacheTracker) associate(parent, sub string) (bool, error) {
	added := false
	err := t.store.Mutate(func(entries map[string]CacheEntry) bool {
		pe, ok := entries[parent]
		if !ok {
			return false
		}
		var changed bool
		pe.Subtitles, changed = addStringReport(pe.Subtitles, sub)
		if !changed {
			return false
		}
		entries[parent] = pe
		// A stray top-level entry for the subtitle loses to delegation.
		delete(entries, sub)
		added = true
		return true
	})
	if err != nil {
		return false, err
	}
	if added {
		t.idxMu.Lock()
		t.subIndex[sub] = parent
		t.idxMu.Unlock()
	}
	return added, nil
}

// AssociateSubtitles attaches discovered sidecars to their parent video.
func (t *CacheTracker) AssociateSubtitles(parent string, subs []string) error {
	for _, sub := range subs {
		if _, err := t.associate(parent, sub); err != nil {
			return err
		}
	}
	return nil
}

// EnrichMedia fills media classification onto an existing entry without
// touching CachedAt. Unknown paths are ignored.
func (t *CacheTracker) EnrichMedia(cachePath, mediaType string, info *media.EpisodeInfo) error {
	_, err := t.store.Update(cachePath, func(e *CacheEntry) {
		if mediaType != "" {
			e.MediaType = mediaType
		}
		if info != nil {
			e.EpisodeInfo = info
		}
	})
	return err
}

// Entry returns the record for a path, resolving subtitles to their parent
// and falling back to basename matching.
func (t *CacheTracker) Entry(cachePath string) (CacheEntry, bool) {
	if parent, ok := t.parentFor(cachePath); ok {
		cachePath = parent
	}
	_, e, ok := t.store.Lookup(cachePath)
	return e, ok
}

// CachedAt returns the initial caching time for a path (or its parent
// video, for subtitles).
func (t *CacheTracker) CachedAt(cachePath string) (time.Time, bool) {
	e, ok := t.Entry(cachePath)
	if !ok {
		return time.Time{}, false
	}
	return e.CachedAt, true
}

// WithinRetention reports whether the file was cached less than window ago.
// Unknown files report false: nothing holds them on the cache tier.
func (t *CacheTracker) WithinRetention(cachePath string, window time.Duration) bool {
	cachedAt, ok := t.CachedAt(cachePath)
	if !ok {
		return false
	}
	return t.clock.Now().Sub(cachedAt) < window
}

// Remove deletes a file's record. Removing a parent video also forgets its
// subtitles; removing a subtitle only trims the parent's list.
func (t *CacheTracker) Remove(cachePath string) error {
	if media.IsSubtitle(cachePath) {
		if parent, ok := t.parentFor(cachePath); ok {
			err := t.store.Mutate(func(entries map[string]CacheEntry) bool {
				pe, ok := entries[parent]
				if !ok {
					return false
				}
				var changed bool
				pe.Subtitles, changed = removeString(pe.Subtitles, cachePath)
				if changed {
					entries[parent] = pe
				}
				return changed
			})
			if err != nil {
				return err
			}
			t.idxMu.Lock()
			delete(t.subIndex, cachePath)
			t.idxMu.Unlock()
			return nil
		}
	}

	resolved, removed, err := t.store.Delete(cachePath)
	if err != nil || !removed {
		return err
	}
	// Forget delegated subtitles along with their parent.
	t.idxMu.Lock()
	for sub, parent := range t.subIndex {
		if parent == resolved {
			delete(t.subIndex, sub)
		}
	}
	t.idxMu.Unlock()
	return nil
}

// ParentOf answers the reverse index: which video owns this subtitle.
func (t *CacheTracker) ParentOf(sub string) (string, bool) {
	t.idxMu.RLock()
	defer t.idxMu.RUnlock()
	parent, ok := t.subIndex[sub]
	return parent, ok
}

// Subtitles returns the delegated subtitle paths for a parent video.
func (t *CacheTracker) Subtitles(parent string) []string {
	e, ok := t.Entry(parent)
	if !ok {
		return nil
	}
	out := make([]string, len(e.Subtitles))
	copy(out, e.Subtitles)
	return out
}

// Snapshot returns a copy of all entries.
func (t *CacheTracker) Snapshot() map[string]CacheEntry {
	return t.store.Snapshot()
}

// Keys returns the tracked cache paths, sorted.
func (t *CacheTracker) Keys() []string {
	return t.store.Keys()
}

// Len returns the number of tracked files (subtitles excluded).
func (t *CacheTracker) Len() int {
	return t.store.Len()
}

func addString(list []string, v string) []string {
	out, _ := addStringReport(list, v)
	return out
}

func addStringReport(list []string, v string) ([]string, bool) {
	for _, s := range list {
		if s == v {
			return list, false
		}
	}
	return append(list, v), true
}

func removeString(list []string, v string) ([]string, bool) {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
