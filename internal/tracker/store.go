// SPDX-License-Identifier: MIT

// Package tracker holds the persistent run-to-run memory of the caching
// engine: when each file reached the cache tier, who has it on deck, and
// who watchlisted it. Every store is a single JSON file under data/,
// rewritten atomically after each mutation.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/log"
)

// PostLoad runs after the file is parsed, before the store is usable. It
// migrates legacy shapes and rebuilds derived indexes; returning true
// persists the migrated map back to disk.
type PostLoad[R any] func(entries map[string]R) (changed bool)

// Store is a mutex-serialized map of string key to record, backed by one
// JSON file. A missing, empty, or corrupt file loads as an empty store: the
// file on disk is always the result of some prior successful write, and
// anything else is treated as no data rather than a fatal state.
type Store[R any] struct {
	mu       sync.Mutex
	filePath string
	entries  map[string]R
	postLoad PostLoad[R]
	logger   zerolog.Logger
}

// Open loads the store at filePath. The component name labels log lines.
func Open[R any](filePath, component string, postLoad PostLoad[R]) (*Store[R], error) {
	s := &Store[R]{
		filePath: filePath,
		entries:  map[string]R{},
		postLoad: postLoad,
		logger:   log.WithComponent(component),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store[R]) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.runPostLoad()
			return nil
		}
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}

	if len(raw) == 0 {
		s.logger.Warn().
			Str("event", "tracker.empty_file").
			Str(log.FieldPath, s.filePath).
			Msg("store file is empty, starting fresh")
		s.runPostLoad()
		return nil
	}

	entries := map[string]R{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn().Err(err).
			Str("event", "tracker.corrupt_file").
			Str(log.FieldPath, s.filePath).
			Msg("store file is corrupt, starting fresh")
		s.runPostLoad()
		return nil
	}
	s.entries = entries
	s.runPostLoad()
	return nil
}

func (s *Store[R]) runPostLoad() {
	if s.postLoad == nil {
		return
	}
	if s.postLoad(s.entries) {
		if err := s.save(); err != nil {
			s.logger.Warn().Err(err).
				Str("event", "tracker.migrate_save_failed").
				Msg("could not persist migrated store")
		}
	}
}

// save rewrites the file atomically. Callers hold the mutex.
func (s *Store[R]) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.filePath, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(path.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(s.filePath, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file for %s: %w", s.filePath, err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", s.filePath, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", s.filePath, err)
	}
	return nil
}

// Get returns the record for an exact key.
func (s *Store[R]) Get(key string) (R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	return r, ok
}

// Lookup finds a record by exact key, then falls back to scanning for an
// entry whose basename matches the query's basename. The fallback is what
// lets one file be addressed by its host path in one call and a
// container-translated path in the next. The resolved key is returned so
// mutations hit the stored entry, not the alias.
func (s *Store[R]) Lookup(key string) (string, R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key)
}

func (s *Store[R]) lookupLocked(key string) (string, R, bool) {
	if r, ok := s.entries[key]; ok {
		return key, r, true
	}
	base := path.Base(key)
	// Sorted scan keeps the fallback deterministic when several entries
	// share a basename.
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if path.Base(k) == base {
			return k, s.entries[k], true
		}
	}
	var zero R
	return "", zero, false
}

// Set inserts or replaces a record and persists.
func (s *Store[R]) Set(key string, r R) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = r
	return s.save()
}

// SetIfAbsent inserts only when the key has no record yet. Returns whether
// the insert happened.
func (s *Store[R]) SetIfAbsent(key string, r R) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = r
	return true, s.save()
}

// Update applies fn to the record under key (resolved with the basename
// fallback) and persists. Returns false when no record matched.
func (s *Store[R]) Update(key string, fn func(*R)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved, r, ok := s.lookupLocked(key)
	if !ok {
		return false, nil
	}
	fn(&r)
	s.entries[resolved] = r
	return true, s.save()
}

// Delete removes the record under key (resolved with the basename
// fallback) and persists. Returns the resolved key when a record was
// removed.
func (s *Store[R]) Delete(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved, _, ok := s.lookupLocked(key)
	if !ok {
		return "", false, nil
	}
	delete(s.entries, resolved)
	return resolved, true, s.save()
}

// Mutate runs fn against the whole map under the lock; fn returns whether
// anything changed and therefore needs persisting. Bulk per-run lifecycle
// operations go through here so they cost one write, not hundreds.
func (s *Store[R]) Mutate(fn func(entries map[string]R) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn(s.entries) {
		return s.save()
	}
	return nil
}

// Snapshot returns a copy of the current entries.
func (s *Store[R]) Snapshot() map[string]R {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]R, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Keys returns the sorted key set.
func (s *Store[R]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of records.
func (s *Store[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Path returns the backing file path.
func (s *Store[R]) Path() string {
	return s.filePath
}
