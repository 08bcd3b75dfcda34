// SPDX-License-Identifier: MIT

// Package activity keeps the ring of recent per-file operations shown to
// the user. Both runners append to the same file; every append re-reads
// from disk first so neither loses the other's entries. That is safe only
// because the runners are in-process singletons under mutual exclusion;
// moving maintenance into its own process would need OS-level locking here.
package activity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/log"
)

// Action labels what happened to a file.
type Action string

const (
	ActionCached    Action = "Cached"
	ActionRestored  Action = "Restored"
	ActionMoved     Action = "Moved"
	ActionProtected Action = "Protected"
	ActionEvicted   Action = "Evicted"

	// ActionSummary is the end-of-run line; Filename carries the counts.
	ActionSummary Action = "Summary"
)

// FileName is the log's file name under data/.
const FileName = "recent_activity.json"

// maxEntries caps the ring; the newest entry sits at index zero.
const maxEntries = 500

// Event is one recorded file operation.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Filename  string    `json:"filename"`
	SizeBytes uint64    `json:"size_bytes"`
	Users     []string  `json:"users,omitempty"`
}

// Log is the persistent activity ring.
type Log struct {
	mu        sync.Mutex
	path      string
	retention time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
}

// Open manages the activity log at path. Events older than retention are
// dropped whenever the file is read; retention <= 0 keeps everything the
// cap allows.
func Open(path string, retention time.Duration, c clock.Clock) *Log {
	return &Log{
		path:      path,
		retention: retention,
		clock:     c,
		logger:    log.WithComponent("activity"),
	}
}

// Append prepends an event and persists. A zero timestamp is filled from
// the clock.
func (l *Log) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now().UTC()
	}

	events := l.read()
	events = append([]Event{e}, events...)
	if len(events) > maxEntries {
		events = events[:maxEntries]
	}
	return l.write(events)
}

// Recent returns up to limit events, newest first. limit <= 0 returns all
// retained events.
func (l *Log) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.read()
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// read loads the retained events from disk. Corrupt and missing files are
// an empty ring. Callers hold the mutex.
func (l *Log) read() []Event {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).
				Str("event", "activity.read_failed").
				Str(log.FieldPath, l.path).
				Msg("could not read activity log")
		}
		return nil
	}

	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		l.logger.Warn().Err(err).
			Str("event", "activity.corrupt_file").
			Str(log.FieldPath, l.path).
			Msg("activity log is corrupt, starting fresh")
		return nil
	}

	if l.retention <= 0 {
		return events
	}
	cutoff := l.clock.Now().Add(-l.retention)
	kept := events[:0]
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// write persists the ring atomically. Callers hold the mutex.
func (l *Log) write(events []Event) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode activity log: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create activity log dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(l.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending activity log: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write activity log: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace activity log: %w", err)
	}
	return nil
}
