// SPDX-License-Identifier: MIT

// Package exclude owns the contract with the external bulk mover: a list of
// absolute host-side cache paths the mover must not migrate off the fast
// tier. The list plexcache manages lives under data/; SyncMoverFile splices
// it into the mover's own exclude file below a sentinel line, leaving
// whatever the user keeps above it untouched.
package exclude

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
)

// Sentinel separates user-managed content (above, preserved verbatim) from
// plexcache-managed content (below, rewritten every run) in the external
// mover's exclude file.
const Sentinel = "### Plexcache exclusions below this line"

// ListFileName is the managed list's file name under data/.
const ListFileName = "exclude_list.txt"

// List is the plexcache-managed exclude list: one absolute host-side cache
// path per line, LF-terminated, deduplicated on every rewrite. All access
// is serialized by one mutex; every rewrite is atomic.
type List struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// NewList manages the exclude list at path.
func NewList(path string) *List {
	return &List{path: path, logger: log.WithComponent("exclude")}
}

// Path returns the backing file path.
func (l *List) Path() string { return l.path }

// Paths returns the current entries in file order, deduplicated.
func (l *List) Paths() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// Contains reports whether path is listed.
func (l *List) Contains(path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.read()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e == path {
			return true, nil
		}
	}
	return false, nil
}

// Add appends a path unless already listed.
func (l *List) Add(path string) error {
	if path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e == path {
			return nil
		}
	}
	return l.write(append(entries, path))
}

// Remove drops a path from the list. Removing an unlisted path is a no-op.
func (l *List) Remove(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e == path {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return nil
	}
	return l.write(kept)
}

// Replace swaps oldPath for newPath in one rewrite, covering upgrade
// renames. A missing oldPath degrades to Add.
func (l *List) Replace(oldPath, newPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	out := make([]string, 0, len(entries)+1)
	added := false
	for _, e := range entries {
		if e == oldPath {
			if !added {
				out = append(out, newPath)
				added = true
			}
			continue
		}
		if e == newPath {
			added = true
		}
		out = append(out, e)
	}
	if !added {
		out = append(out, newPath)
	}
	return l.write(out)
}

// Prune keeps only the entries keep approves and returns what was dropped.
// The stale-entry sweeper runs through here at the start of every run.
func (l *List) Prune(keep func(string) bool) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return nil, err
	}
	kept := make([]string, 0, len(entries))
	var removed []string
	for _, e := range entries {
		if keep(e) {
			kept = append(kept, e)
		} else {
			removed = append(removed, e)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := l.write(kept); err != nil {
		return nil, err
	}
	l.logger.Info().
		Str("event", "exclude.pruned").
		Int(log.FieldFiles, len(removed)).
		Msg("stale exclude entries removed")
	return removed, nil
}

// read returns the deduplicated entries. A missing file is an empty list.
// Callers hold the mutex.
func (l *List) read() ([]string, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read exclude list: %w", err)
	}
	return dedupLines(raw), nil
}

// write rewrites the list atomically. Callers hold the mutex.
func (l *List) write(entries []string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create exclude list dir: %w", err)
	}

	var b strings.Builder
	seen := map[string]struct{}{}
	count := 0
	for _, e := range entries {
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		b.WriteString(e)
		b.WriteByte('\n')
		count++
	}

	if err := atomicWrite(l.path, []byte(b.String())); err != nil {
		return fmt.Errorf("rewrite exclude list: %w", err)
	}
	metrics.RecordExcludeEntries(count)
	return nil
}

// SyncMoverFile rewrites the external mover's exclude file: content above
// the sentinel survives verbatim, everything below is replaced by the
// managed list. A file without the sentinel gets it appended; a missing
// file is created fresh.
func (l *List) SyncMoverFile(moverPath string) error {
	if moverPath == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}

	var head []string
	raw, err := os.ReadFile(moverPath)
	switch {
	case err == nil:
		for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
			if strings.TrimSpace(line) == Sentinel {
				break
			}
			head = append(head, line)
		}
		// A single empty line means the file was empty, not one blank line.
		if len(head) == 1 && head[0] == "" {
			head = nil
		}
	case os.IsNotExist(err):
		// Fresh file: sentinel goes first.
	default:
		return fmt.Errorf("read mover exclude file: %w", err)
	}

	var b strings.Builder
	for _, line := range head {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(Sentinel)
	b.WriteByte('\n')
	for _, e := range entries {
		b.WriteString(e)
		b.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(moverPath), 0o755); err != nil {
		return fmt.Errorf("create mover exclude dir: %w", err)
	}
	if err := atomicWrite(moverPath, []byte(b.String())); err != nil {
		return fmt.Errorf("rewrite mover exclude file: %w", err)
	}

	l.logger.Debug().
		Str("event", "exclude.mover_synced").
		Str(log.FieldPath, moverPath).
		Int(log.FieldFiles, len(entries)).
		Msg("mover exclude file rewritten")
	return nil
}

func atomicWrite(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if _, err := pending.Write(data); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

func dedupLines(raw []byte) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
