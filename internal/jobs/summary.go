// SPDX-License-Identifier: MIT

package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/StudioNirin/plexcache-r/internal/notify"
)

// LastRunFileName is the one-line run record under data/.
const LastRunFileName = "last_run.txt"

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeCompleted covers full runs, including ones stopped early on
	// request.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkipped means the run stepped aside before touching any
	// state: lock busy, bulk mover active, or an active session with
	// exit_if_active_session. Skips are not failures.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means a phase hit a fatal error.
	OutcomeFailed Outcome = "failed"
)

// Summary is the run's account of itself.
type Summary struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Outcome  Outcome   `json:"outcome"`
	// Note explains skips, early stops, and failures.
	Note string `json:"note,omitempty"`

	Users          int `json:"users"`
	Sessions       int `json:"sessions"`
	OnDeckItems    int `json:"ondeck_items"`
	WatchlistItems int `json:"watchlist_items"`

	Cached        int    `json:"cached"`
	CachedBytes   uint64 `json:"cached_bytes"`
	AlreadyCached int    `json:"already_cached"`
	Restored      int    `json:"restored"`
	RestoredBytes uint64 `json:"restored_bytes"`
	Held          int    `json:"held"`
	Evicted       int    `json:"evicted"`
	FreedBytes    uint64 `json:"freed_bytes"`

	// DroppedByBudget counts candidates the cache-size limit turned away.
	DroppedByBudget int `json:"dropped_by_budget"`
	Failed          int `json:"failed"`

	// Incomplete is set when a media-server fetch failed and the run
	// suppressed restore decisions to stay safe.
	Incomplete bool `json:"incomplete,omitempty"`
}

// line renders the single-line form stored in last_run.txt.
func (s *Summary) line() string {
	return fmt.Sprintf("%s %s %s cached=%d restored=%d evicted=%d held=%d failed=%d\n",
		s.Started.Format(time.RFC3339), s.Finished.Format(time.RFC3339), s.Outcome,
		s.Cached, s.Restored, s.Evicted, s.Held, s.Failed)
}

// counts renders the count list shared by the activity entry and the
// notification body.
func (s *Summary) counts() string {
	return fmt.Sprintf("cached %d, restored %d, evicted %d, held %d, failed %d",
		s.Cached, s.Restored, s.Evicted, s.Held, s.Failed)
}

// notification maps the summary to a message and its severity level.
func (s *Summary) notification() notify.Message {
	level := notify.LevelSummary
	switch {
	case s.Outcome == OutcomeFailed:
		level = notify.LevelError
	case s.Outcome == OutcomeSkipped:
		level = notify.LevelActivity
	case s.Failed > 0 || s.Incomplete:
		level = notify.LevelWarning
	}
	body := s.counts()
	if s.Note != "" {
		body = s.Note + "; " + body
	}
	return notify.Message{
		Level: level,
		Title: "PlexCache run " + string(s.Outcome),
		Body:  body,
	}
}

// writeLastRun persists the one-line record atomically.
func writeLastRun(dataDir string, s *Summary) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dataDir, LastRunFileName), []byte(s.line()), 0o644)
}
