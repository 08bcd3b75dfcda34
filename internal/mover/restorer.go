// SPDX-License-Identifier: MIT

package mover

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/log"
)

// RestoreMode selects what the restorer does with each sidecar it finds.
type RestoreMode string

const (
	// RestoreModeRename puts sidecars back under their original names.
	RestoreModeRename RestoreMode = "rename"
	// RestoreModeDelete drops sidecars whose file is otherwise present.
	RestoreModeDelete RestoreMode = "delete"
)

// RestoreStats summarizes one restorer sweep.
type RestoreStats struct {
	Scanned  int
	Restored int
	Deleted  int
	Skipped  int
	Failed   int
}

// PlexcachedRestorer is the emergency path out of a half-moved library: it
// walks the array subtrees and renames every .plexcached sidecar back,
// independent of trackers, exclude list, or the media server. It exists for
// the day the rest of the tool is broken, so it depends on nothing but the
// filesystem.
type PlexcachedRestorer struct {
	roots    []string
	excluded []string
	dryRun   bool
	logger   zerolog.Logger
}

// NewPlexcachedRestorer sweeps the given roots. excluded lists directory
// names or doublestar patterns (not paths) to skip wholesale.
func NewPlexcachedRestorer(roots, excluded []string, dryRun bool) *PlexcachedRestorer {
	return &PlexcachedRestorer{
		roots:    roots,
		excluded: excluded,
		dryRun:   dryRun,
		logger:   log.WithComponent("restorer"),
	}
}

// Run sweeps every root. Per-file failures are counted and logged, never
// fatal; the sweep always covers everything it can reach.
func (r *PlexcachedRestorer) Run(ctx context.Context, mode RestoreMode) (RestoreStats, error) {
	var stats RestoreStats
	for _, root := range r.roots {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		r.sweep(ctx, root, mode, &stats)
	}
	r.logger.Info().
		Str("event", "restorer.done").
		Str("mode", string(mode)).
		Int("scanned", stats.Scanned).
		Int("restored", stats.Restored).
		Int("deleted", stats.Deleted).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("sidecar sweep finished")
	return stats, ctx.Err()
}

func (r *PlexcachedRestorer) sweep(ctx context.Context, root string, mode RestoreMode, stats *RestoreStats) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if err != nil {
			r.logger.Warn().Err(err).
				Str("event", "restorer.walk_error").
				Str(log.FieldPath, path).
				Msg("unreadable entry skipped")
			return nil
		}
		if d.IsDir() {
			if r.skipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !IsSidecar(d.Name()) {
			return nil
		}
		stats.Scanned++
		switch mode {
		case RestoreModeDelete:
			r.deleteOne(path, stats)
		default:
			r.restoreOne(path, stats)
		}
		return nil
	})
}

// skipDir hides dotted directories (recycle bins, snapshot dirs) and the
// configured exclusions from the sweep. Exclusions are directory names or
// doublestar patterns ("*.tmp", "Season [0]").
func (r *PlexcachedRestorer) skipDir(name string) bool {
	if len(name) > 1 && strings.HasPrefix(name, ".") {
		return true
	}
	for _, ex := range r.excluded {
		if strings.EqualFold(name, ex) {
			return true
		}
		if ok, err := doublestar.Match(ex, name); err == nil && ok {
			return true
		}
	}
	return false
}

// restoreOne renames a sidecar back to its original name. A regular file
// already sitting at the original name wins: the restorer never overwrites
// real data. A symlink there is the cache pointer and gets dropped first.
func (r *PlexcachedRestorer) restoreOne(sidecar string, stats *RestoreStats) {
	original := TrimSidecar(sidecar)

	if info, err := os.Lstat(original); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			r.logger.Warn().
				Str("event", "restorer.original_present").
				Str(log.FieldPath, original).
				Msg("original exists, refusing to overwrite it with the sidecar")
			stats.Skipped++
			return
		}
		if r.dryRun {
			r.logger.Info().
				Str("event", "restorer.dry_run").
				Str(log.FieldPath, sidecar).
				Msg("would drop symlink and rename sidecar back")
			stats.Skipped++
			return
		}
		if err := os.Remove(original); err != nil {
			r.logger.Error().Err(err).
				Str("event", "restorer.symlink_remove_failed").
				Str(log.FieldPath, original).
				Msg("could not drop symlink before rename")
			stats.Failed++
			return
		}
	} else if r.dryRun {
		r.logger.Info().
			Str("event", "restorer.dry_run").
			Str(log.FieldPath, sidecar).
			Msg("would rename sidecar back")
		stats.Skipped++
		return
	}

	if err := RenameVerified(sidecar, original, ""); err != nil {
		r.logger.Error().Err(err).
			Str("event", "restorer.rename_failed").
			Str(log.FieldPath, sidecar).
			Msg("could not rename sidecar back")
		stats.Failed++
		return
	}
	r.logger.Info().
		Str("event", "restorer.restored").
		Str(log.FieldPath, original).
		Msg("sidecar renamed back to original")
	stats.Restored++
}

// deleteOne removes a sidecar, but only when its file still exists under
// the original name (as a real file or the cache symlink). A sidecar that
// is the last remaining copy stays.
func (r *PlexcachedRestorer) deleteOne(sidecar string, stats *RestoreStats) {
	original := TrimSidecar(sidecar)
	if _, err := os.Lstat(original); err != nil {
		r.logger.Warn().
			Str("event", "restorer.last_copy").
			Str(log.FieldPath, sidecar).
			Msg("sidecar is the only remaining copy, refusing to delete it")
		stats.Skipped++
		return
	}
	if r.dryRun {
		r.logger.Info().
			Str("event", "restorer.dry_run").
			Str(log.FieldPath, sidecar).
			Msg("would delete sidecar")
		stats.Skipped++
		return
	}
	if err := os.Remove(sidecar); err != nil {
		r.logger.Error().Err(err).
			Str("event", "restorer.delete_failed").
			Str(log.FieldPath, sidecar).
			Msg("could not delete sidecar")
		stats.Failed++
		return
	}
	r.logger.Info().
		Str("event", "restorer.deleted").
		Str(log.FieldPath, sidecar).
		Msg("sidecar deleted")
	stats.Deleted++
}
