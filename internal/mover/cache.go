// SPDX-License-Identifier: MIT

package mover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// moveToCache copies one file onto the fast tier and transitions the array
// side to its backup sidecar. The order is copy, verify, rename: the
// original is never touched until a verified cache copy exists, and every
// failure after the rename undoes it.
func (m *Mover) moveToCache(ctx context.Context, req Request) Result {
	logger := log.WithComponentFromContext(ctx, "mover")
	arrayPath := string(req.Real)
	cachePath := string(req.Cache)
	sidecar := SidecarPath(arrayPath)

	// Idempotence: a finished move needs nothing. The sidecar alone also
	// counts as finished: it only ever appears after a verified copy, and a
	// stale FUSE entry can make the cache-side stat lie.
	if fileExists(cachePath) {
		return Result{Request: req, Outcome: OutcomeSkipped, Reason: "already cached"}
	}
	if fileExists(sidecar) {
		logger.Debug().
			Str("event", "mover.cache.sidecar_present").
			Str(log.FieldArrayPath, arrayPath).
			Msg("sidecar already present, treating move as done")
		return Result{Request: req, Outcome: OutcomeSkipped, Reason: "sidecar present"}
	}

	srcInfo, err := os.Lstat(arrayPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Vanished between scan and move; common with arr-managed
			// libraries.
			logger.Debug().
				Str("event", "mover.cache.source_vanished").
				Str(log.FieldArrayPath, arrayPath).
				Msg("source disappeared before move")
			return Result{Request: req, Outcome: OutcomeSkipped, Reason: "source vanished"}
		}
		return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("stat source: %w", err)}
	}
	size := uint64(srcInfo.Size())

	// Hard-link probe: nlink > 1 means another name shares the inode
	// (a seeding torrent, usually).
	var originalInode uint64
	hardlinked := false
	if inode, nlink, ok := inodeOf(srcInfo); ok && nlink > 1 {
		hardlinked = true
		if m.cfg.HardlinkPolicy != config.HardlinkMove {
			logger.Warn().
				Str("event", "mover.cache.hardlink_skipped").
				Str(log.FieldArrayPath, arrayPath).
				Uint64("nlink", nlink).
				Msg("file is hard-linked elsewhere, skipping per policy")
			return Result{Request: req, Outcome: OutcomeSkipped, Reason: "hardlinked"}
		}
		originalInode = inode
	}

	// Upgrade cleanup: a sidecar for the same title under an older name
	// means this file replaced it. The old sidecar goes now; the old cache
	// copy and exclude entry go after the new copy is safe.
	var staleCache string
	if oldSidecar, ok := findUpgradeSidecar(filepath.Dir(arrayPath), filepath.Base(arrayPath)); ok {
		oldArray := TrimSidecar(oldSidecar)
		if oldCache, mapping := m.deps.Router.RealToCache(pathmap.RealPath(oldArray)); mapping != nil && oldCache != "" {
			staleCache = string(oldCache)
		}
		if err := os.Remove(oldSidecar); err != nil {
			logger.Warn().Err(err).
				Str("event", "mover.cache.upgrade_sidecar_remove_failed").
				Str(log.FieldPath, oldSidecar).
				Msg("could not remove superseded sidecar")
		} else {
			logger.Info().
				Str("event", "mover.cache.upgrade_detected").
				Str(log.FieldPath, oldSidecar).
				Str(log.FieldTarget, arrayPath).
				Msg("superseded sidecar removed for upgraded file")
		}
	}

	copied, err := m.copyFile(ctx, arrayPath, cachePath, func(done uint64) {
		if m.deps.Events.Progress != nil {
			m.deps.Events.Progress(arrayPath, done, size)
		}
	})
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return Result{Request: req, Outcome: OutcomeCancelled, Bytes: copied, Reason: "stopped mid-copy"}
		}
		return Result{Request: req, Outcome: OutcomeFailed, Bytes: copied, Err: fmt.Errorf("copy to cache: %w", err)}
	}

	// Array-side transition. Hard-linked files are never renamed: the
	// sidecar would break the link pair, and the recorded inode already
	// carries the recovery path.
	renamed := false
	if m.cfg.CreateBackups && !hardlinked {
		if err := RenameVerified(arrayPath, sidecar, m.deps.Platform.ArrayDirectPath(sidecar)); err != nil {
			_ = os.Remove(cachePath)
			return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("rename to sidecar: %w", err)}
		}
		renamed = true
	} else {
		if err := os.Remove(arrayPath); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(cachePath)
			return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("remove original: %w", err)}
		}
	}

	undo := func() {
		_ = os.Remove(cachePath)
		if renamed {
			_ = os.Rename(sidecar, arrayPath)
		}
	}

	if m.cfg.UseSymlinks {
		if err := os.Symlink(cachePath, arrayPath); err != nil && !os.IsExist(err) {
			undo()
			return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("create symlink: %w", err)}
		}
	}

	hostCache := string(m.deps.Router.ContainerToHost(req.Cache))
	if err := m.deps.Exclude.Add(hostCache); err != nil {
		if m.cfg.UseSymlinks {
			_ = os.Remove(arrayPath)
		}
		undo()
		return Result{Request: req, Outcome: OutcomeFailed, Err: fmt.Errorf("update exclude list: %w", err)}
	}

	// The new copy is durable; the superseded version can go.
	if staleCache != "" && staleCache != cachePath {
		if fileExists(staleCache) {
			if err := os.Remove(staleCache); err != nil {
				logger.Warn().Err(err).
					Str("event", "mover.cache.stale_copy_remove_failed").
					Str(log.FieldCachePath, staleCache).
					Msg("could not remove superseded cache copy")
			}
		}
		staleHost := string(m.deps.Router.ContainerToHost(pathmap.CachePath(staleCache)))
		if err := m.deps.Exclude.Remove(staleHost); err != nil {
			logger.Warn().Err(err).
				Str("event", "mover.cache.stale_exclude_remove_failed").
				Str(log.FieldCachePath, staleHost).
				Msg("could not drop superseded exclude entry")
		}
		if err := m.deps.Cache.Remove(staleCache); err != nil {
			logger.Warn().Err(err).
				Str("event", "mover.cache.stale_tracker_remove_failed").
				Str(log.FieldCachePath, staleCache).
				Msg("could not drop superseded tracker entry")
		}
	}

	m.recordCached(ctx, req, cachePath, originalInode)

	totalBytes := copied
	for _, sub := range req.Subtitles {
		subBytes, subErr := m.cacheSubtitle(ctx, cachePath, sub)
		totalBytes += subBytes
		if subErr != nil && !errors.Is(subErr, ErrStopped) {
			logger.Warn().Err(subErr).
				Str("event", "mover.cache.subtitle_failed").
				Str(log.FieldPath, string(sub.Real)).
				Msg("subtitle did not follow its video to cache")
		}
	}

	label := req.Label
	if label == "" {
		label = activity.ActionCached
	}
	m.logActivity(label, filepath.Base(cachePath), size, req.Users)

	logger.Info().
		Str("event", "mover.cache.done").
		Str(log.FieldArrayPath, arrayPath).
		Str(log.FieldCachePath, cachePath).
		Uint64(log.FieldBytes, size).
		Bool("backup", renamed).
		Msg("file moved to cache")
	return Result{Request: req, Outcome: OutcomeMoved, Bytes: totalBytes}
}

// cacheSubtitle carries one subtitle sidecar to the cache tier after its
// video. Subtitles delegate their tracker record to the parent video and
// share its activity event.
func (m *Mover) cacheSubtitle(ctx context.Context, parentCache string, sub File) (uint64, error) {
	arrayPath := string(sub.Real)
	cachePath := string(sub.Cache)

	if fileExists(cachePath) || !fileExists(arrayPath) {
		return 0, nil
	}

	copied, err := m.copyFile(ctx, arrayPath, cachePath, nil)
	if err != nil {
		return copied, err
	}

	if m.cfg.CreateBackups {
		if err := RenameVerified(arrayPath, SidecarPath(arrayPath), m.deps.Platform.ArrayDirectPath(SidecarPath(arrayPath))); err != nil {
			_ = os.Remove(cachePath)
			return copied, err
		}
	} else {
		if err := os.Remove(arrayPath); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(cachePath)
			return copied, err
		}
	}

	if err := m.deps.Exclude.Add(string(m.deps.Router.ContainerToHost(sub.Cache))); err != nil {
		return copied, err
	}
	if err := m.deps.Cache.AssociateSubtitles(parentCache, []string{cachePath}); err != nil {
		return copied, err
	}
	return copied, nil
}

// recordCached writes the tracker state for a fresh cache move. Failures
// are logged, not fatal: the file is already moved and the next run's
// pre-existing scan will pick the record up.
func (m *Mover) recordCached(ctx context.Context, req Request, cachePath string, originalInode uint64) {
	logger := log.WithComponentFromContext(ctx, "mover")

	_, err := m.deps.Cache.Record(cachePath, tracker.RecordInfo{
		Source:        req.Source,
		OriginalInode: originalInode,
		RatingKey:     req.RatingKey,
		MediaType:     req.MediaType,
		EpisodeInfo:   req.Episode,
	})
	if err != nil {
		logger.Warn().Err(err).
			Str("event", "mover.cache.record_failed").
			Str(log.FieldCachePath, cachePath).
			Msg("could not record cache timestamp")
	}

	now := m.deps.Clock.Now()
	if req.Source == tracker.SourceOnDeck {
		if err := m.deps.OnDeck.MarkCached(string(req.Real), req.Source, now); err != nil {
			logger.Warn().Err(err).
				Str("event", "mover.cache.mark_failed").
				Str(log.FieldPath, string(req.Real)).
				Msg("could not mark ondeck entry cached")
		}
	}
	if req.Source == tracker.SourceWatchlist {
		if err := m.deps.Watchlist.MarkCached(string(req.Real), req.Source, now); err != nil {
			logger.Warn().Err(err).
				Str("event", "mover.cache.mark_failed").
				Str(log.FieldPath, string(req.Real)).
				Msg("could not mark watchlist entry cached")
		}
	}
}

func (m *Mover) logActivity(action activity.Action, filename string, size uint64, users []string) {
	if m.deps.Activity == nil {
		return
	}
	if err := m.deps.Activity.Append(activity.Event{
		Action:    action,
		Filename:  filename,
		SizeBytes: size,
		Users:     users,
	}); err != nil {
		l := log.WithComponent("mover")
		l.Warn().Err(err).
			Str("event", "mover.activity_failed").
			Str(log.FieldPath, filename).
			Msg("could not append activity event")
	}
}
