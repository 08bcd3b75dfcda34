// SPDX-License-Identifier: MIT

package mover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
)

// restoreHeadroom is the metadata allowance the space precheck adds on top
// of the payload bytes a restore will write.
const restoreHeadroom uint64 = 16 << 20

// hardlinkSearchBudget caps the inode walk that reconstructs a broken
// hard-link pair. Past it the restore degrades to a plain copy.
const hardlinkSearchBudget = 30 * time.Second

// moveToArray brings one cached file back to the bulk tier. Restores are
// the operation most able to destroy data, so every path through here
// either completes fully or leaves both tiers as they were: the cache copy
// is only deleted after a verified array-side outcome.
func (m *Mover) moveToArray(ctx context.Context, req Request) Result {
	logger := log.WithComponentFromContext(ctx, "mover")
	arrayPath := string(req.Real)
	cachePath := string(req.Cache)
	sidecar := SidecarPath(arrayPath)
	direct := m.deps.Platform.ArrayDirectPath(arrayPath)

	cacheSize, cacheOK := regularFileSize(cachePath)
	if !cacheOK {
		if fileExists(arrayPath) {
			return Result{Request: req, Outcome: OutcomeSkipped, Reason: "already on array"}
		}
		logger.Debug().
			Str("event", "mover.array.cache_copy_missing").
			Str(log.FieldCachePath, cachePath).
			Msg("cache copy gone before restore")
		return Result{Request: req, Outcome: OutcomeSkipped, Reason: "cache copy vanished"}
	}

	// A symlink left at the array name would swallow the restore: writing
	// through it lands in the cache copy we are about to delete.
	clearSymlink(arrayPath)
	if direct != arrayPath {
		clearSymlink(direct)
	}

	sidecarSize, sidecarExists := regularFileSize(sidecar)

	// Space precheck against the member disk, not the union: the union
	// reports aggregate free space while the allocator may pin this
	// directory to one nearly-full disk.
	needed := restoreHeadroom
	switch {
	case sidecarExists && sidecarSize == cacheSize:
		// Pure rename, metadata only.
	case sidecarExists:
		if cacheSize > sidecarSize {
			needed += cacheSize - sidecarSize
		}
	default:
		needed += cacheSize
	}
	targetDisk := m.deps.Platform.ResolveUser0(filepath.Dir(direct))
	if free, err := m.deps.Platform.DiskFreeBytes(targetDisk); err == nil && free < needed {
		logger.Warn().
			Str("event", "mover.array.insufficient_space").
			Str(log.FieldArrayPath, arrayPath).
			Str("disk", targetDisk).
			Uint64(log.FieldFreeBytes, free).
			Uint64("needed_bytes", needed).
			Msg("target disk too full to restore, skipping")
		return Result{Request: req, Outcome: OutcomeSkipped, Reason: "insufficient space"}
	}

	// Hard-link restore: the cache entry remembers the inode the original
	// shared with another name. Linking against the surviving pair member
	// restores both names without copying a byte.
	if entry, ok := m.deps.Cache.Entry(cachePath); ok && entry.OriginalInode != 0 {
		if found, ok := m.findHardlinkPair(ctx, arrayPath, entry.OriginalInode); ok {
			if err := os.Link(found, arrayPath); err != nil {
				logger.Warn().Err(err).
					Str("event", "mover.array.hardlink_failed").
					Str(log.FieldSource, found).
					Str(log.FieldTarget, arrayPath).
					Msg("could not relink hard-link pair, copying instead")
			} else {
				logger.Info().
					Str("event", "mover.array.hardlink_restored").
					Str(log.FieldSource, found).
					Str(log.FieldTarget, arrayPath).
					Msg("hard-link pair reconstructed")
				return m.finishRestore(ctx, req, cacheSize, 0, activity.ActionRestored)
			}
		} else {
			logger.Warn().
				Str("event", "mover.array.hardlink_pair_missing").
				Str(log.FieldArrayPath, arrayPath).
				Uint64("inode", entry.OriginalInode).
				Msg("no surviving hard-link pair found, copying instead")
		}
	}

	// Sidecar rename, the fast path: same bytes already on the array disk.
	if sidecarExists && sidecarSize == cacheSize {
		if err := RenameVerified(sidecar, arrayPath, direct); err != nil {
			return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("rename sidecar back: %w", err)}
		}
		return m.finishRestore(ctx, req, cacheSize, 0, activity.ActionRestored)
	}

	// The sizes differ (in-place upgrade) or the upgrade changed the file
	// name: either way the sidecar holds a superseded version and the cache
	// copy is authoritative.
	if sidecarExists {
		if err := os.Remove(sidecar); err != nil {
			return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("remove superseded sidecar: %w", err)}
		}
		logger.Info().
			Str("event", "mover.array.upgrade_in_place").
			Str(log.FieldArrayPath, arrayPath).
			Uint64("old_bytes", sidecarSize).
			Uint64("new_bytes", cacheSize).
			Msg("stale sidecar dropped, restoring upgraded copy")
	} else if oldSidecar, ok := findUpgradeSidecar(filepath.Dir(arrayPath), filepath.Base(arrayPath)); ok {
		if err := os.Remove(oldSidecar); err != nil {
			return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("remove renamed sidecar: %w", err)}
		}
		logger.Info().
			Str("event", "mover.array.upgrade_renamed").
			Str(log.FieldPath, oldSidecar).
			Str(log.FieldTarget, arrayPath).
			Msg("superseded sidecar under old name dropped")
	}

	// Full copy, straight to the direct path so the bytes land on an array
	// member instead of wherever the union allocator feels like.
	copied, err := m.copyFile(ctx, cachePath, direct, func(done uint64) {
		if m.deps.Events.Progress != nil {
			m.deps.Events.Progress(cachePath, done, cacheSize)
		}
	})
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return Result{Request: req, Outcome: OutcomeCancelled, Bytes: copied, Reason: "stopped mid-copy"}
		}
		return Result{Request: req, Outcome: OutcomeFailed, Bytes: copied, Err: fmt.Errorf("copy to array: %w", err)}
	}
	return m.finishRestore(ctx, req, cacheSize, copied, activity.ActionMoved)
}

// finishRestore runs the shared tail of every successful restore: subtitles
// follow their video, the cache copy and its bookkeeping go away, and the
// activity event lands. Cleanup failures are logged, never fatal; the file
// is already safe on the array.
func (m *Mover) finishRestore(ctx context.Context, req Request, size, bytes uint64, defaultLabel activity.Action) Result {
	logger := log.WithComponentFromContext(ctx, "mover")
	arrayPath := string(req.Real)
	cachePath := string(req.Cache)

	for _, sub := range req.Subtitles {
		if err := m.restoreSubtitle(ctx, sub); err != nil && !errors.Is(err, ErrStopped) {
			logger.Warn().Err(err).
				Str("event", "mover.array.subtitle_failed").
				Str(log.FieldPath, string(sub.Real)).
				Msg("subtitle did not follow its video back to the array")
		}
	}

	if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).
			Str("event", "mover.array.cache_remove_failed").
			Str(log.FieldCachePath, cachePath).
			Msg("could not delete cache copy after restore")
	}
	if m.cfg.CleanupEmptyDirs {
		if _, mapping := m.deps.Router.RealToCache(req.Real); mapping != nil {
			cleanupEmptyDirs(cachePath, mapping.CachePath)
		}
	}

	hostCache := string(m.deps.Router.ContainerToHost(req.Cache))
	if err := m.deps.Exclude.Remove(hostCache); err != nil {
		logger.Warn().Err(err).
			Str("event", "mover.array.exclude_remove_failed").
			Str(log.FieldCachePath, hostCache).
			Msg("could not drop exclude entry after restore")
	}

	// Removing the parent record forgets delegated subtitles with it.
	if err := m.deps.Cache.Remove(cachePath); err != nil {
		logger.Warn().Err(err).
			Str("event", "mover.array.tracker_remove_failed").
			Str(log.FieldCachePath, cachePath).
			Msg("could not drop tracker entry after restore")
	}
	if err := m.deps.OnDeck.MarkRestored(arrayPath); err != nil {
		logger.Warn().Err(err).
			Str("event", "mover.array.mark_failed").
			Str(log.FieldPath, arrayPath).
			Msg("could not mark ondeck entry restored")
	}
	if err := m.deps.Watchlist.MarkRestored(arrayPath); err != nil {
		logger.Warn().Err(err).
			Str("event", "mover.array.mark_failed").
			Str(log.FieldPath, arrayPath).
			Msg("could not mark watchlist entry restored")
	}

	label := req.Label
	if label == "" {
		label = defaultLabel
	}
	m.logActivity(label, filepath.Base(arrayPath), size, req.Users)

	logger.Info().
		Str("event", "mover.array.done").
		Str(log.FieldCachePath, cachePath).
		Str(log.FieldArrayPath, arrayPath).
		Uint64(log.FieldBytes, size).
		Str(log.FieldAction, string(label)).
		Msg("file restored to array")
	return Result{Request: req, Outcome: OutcomeMoved, Bytes: bytes}
}

// restoreSubtitle carries one subtitle back to the array beside its video:
// sidecar rename when the backup survives, copy otherwise.
func (m *Mover) restoreSubtitle(ctx context.Context, sub File) error {
	arrayPath := string(sub.Real)
	cachePath := string(sub.Cache)
	direct := m.deps.Platform.ArrayDirectPath(arrayPath)

	defer func() {
		host := string(m.deps.Router.ContainerToHost(sub.Cache))
		_ = m.deps.Exclude.Remove(host)
	}()

	cacheSize, cacheOK := regularFileSize(cachePath)
	if !cacheOK {
		return nil
	}
	clearSymlink(arrayPath)

	sidecar := SidecarPath(arrayPath)
	if sidecarSize, ok := regularFileSize(sidecar); ok && sidecarSize == cacheSize {
		if err := RenameVerified(sidecar, arrayPath, direct); err != nil {
			return err
		}
	} else if !fileExists(arrayPath) {
		if _, err := m.copyFile(ctx, cachePath, direct, nil); err != nil {
			return err
		}
	}
	return os.Remove(cachePath)
}

// findHardlinkPair walks the array file's library subtree looking for the
// surviving member of a hard-link pair. The walk skips dotted directories
// and gives up once the time budget is spent.
func (m *Mover) findHardlinkPair(ctx context.Context, arrayPath string, inode uint64) (string, bool) {
	root := filepath.Dir(arrayPath)
	if _, mapping := m.deps.Router.RealToCache(pathmap.RealPath(arrayPath)); mapping != nil {
		root = mapping.RealPath
	}

	deadline := m.deps.Clock.Now().Add(hardlinkSearchBudget)
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if m.deps.Clock.Now().After(deadline) || ctx.Err() != nil {
			return fs.SkipAll
		}
		if d.IsDir() {
			if name := d.Name(); len(name) > 1 && name[0] == '.' {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || path == arrayPath || IsSidecar(path) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if candidate, _, ok := inodeOf(info); ok && candidate == inode {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// clearSymlink removes path when it is a symlink, leaving real files alone.
func clearSymlink(path string) {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	_ = os.Remove(path)
}
