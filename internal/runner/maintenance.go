// SPDX-License-Identifier: MIT

package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/jobs"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/migration"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// Action names one maintenance operation.
type Action string

const (
	// ActionBackupProtect recreates missing array-side sidecars for every
	// exclude-listed cache file, regardless of the migration marker.
	ActionBackupProtect Action = "backup-protect"
	// ActionSyncOrphans moves cache-tier files that plexcache does not
	// manage back to the array.
	ActionSyncOrphans Action = "sync-orphans-to-array"
	// ActionFixWithBackup repairs half-finished tier transitions using
	// the sidecars, and drops bookkeeping whose cache file is gone.
	ActionFixWithBackup Action = "fix-with-backup"
	// ActionRestorePlexcached renames every sidecar in the array trees
	// back to its original name. The emergency exit.
	ActionRestorePlexcached Action = "restore-plexcached"
	// ActionDeletePlexcached removes every sidecar whose original still
	// exists, surrendering the rollback path to reclaim array space.
	ActionDeletePlexcached Action = "delete-plexcached"
)

// Actions lists every maintenance action, in menu order.
func Actions() []Action {
	return []Action{
		ActionBackupProtect,
		ActionSyncOrphans,
		ActionFixWithBackup,
		ActionRestorePlexcached,
		ActionDeletePlexcached,
	}
}

// ErrUnknownAction rejects action names outside the fixed set.
var ErrUnknownAction = errors.New("unknown maintenance action")

// MaintenanceDeps are the maintenance runner's external edges. Settings
// is called per action so a config reload applies to the next one.
type MaintenanceDeps struct {
	Settings func() config.Settings
	Platform platform.Adapter
	Clock    clock.Clock
}

// MaintenanceRunner executes one repair action at a time, mutually
// exclusive with caching runs through the shared gate and with other
// processes through the same file lock the caching run takes.
type MaintenanceRunner struct {
	gate   *Gate
	deps   MaintenanceDeps
	logger zerolog.Logger

	stopFlag atomic.Bool

	mu   sync.Mutex
	st   Status
	prog *progress
	mov  *mover.Mover
	done chan struct{}
}

// NewMaintenance builds the runner around the shared gate.
func NewMaintenance(deps MaintenanceDeps, gate *Gate) *MaintenanceRunner {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &MaintenanceRunner{
		gate:   gate,
		deps:   deps,
		logger: log.WithComponent("maintenance"),
		st:     Status{State: StateIdle},
		prog:   newProgress(),
	}
}

// Run starts action in the background. ctx bounds the whole action.
// Returns ErrBusy while either runner is active or another process
// holds the instance lock, ErrUnknownAction for names outside the set.
func (m *MaintenanceRunner) Run(ctx context.Context, action Action) error {
	switch action {
	case ActionBackupProtect, ActionSyncOrphans, ActionFixWithBackup,
		ActionRestorePlexcached, ActionDeletePlexcached:
	default:
		return fmt.Errorf("%q: %w", action, ErrUnknownAction)
	}
	if err := m.gate.TryAcquire(ownerMaintenance); err != nil {
		return err
	}

	s := m.deps.Settings()
	lockPath := filepath.Join(filepath.Dir(filepath.Clean(s.DataDir)), jobs.LockFileName)
	lock, err := platform.AcquireLock(lockPath)
	if err != nil {
		m.gate.Release()
		if errors.Is(err, platform.ErrLockBusy) {
			return fmt.Errorf("another process holds %s: %w", lockPath, ErrBusy)
		}
		return err
	}

	m.stopFlag.Store(false)
	m.mu.Lock()
	m.prog = newProgress()
	m.st = Status{
		State:     StateRunning,
		Action:    string(action),
		StartedAt: m.deps.Clock.Now().UTC(),
	}
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	m.logger.Info().
		Str("event", "runner.maintenance.triggered").
		Str("action", string(action)).
		Msg("maintenance action started")

	go m.execute(ctx, action, s, lock, done)
	return nil
}

// Stop requests cooperative cancellation of the action in flight.
func (m *MaintenanceRunner) Stop() {
	m.stopFlag.Store(true)
	m.mu.Lock()
	mov := m.mov
	m.mu.Unlock()
	if mov != nil {
		mov.Stop()
	}
}

// Dismiss returns a finished runner to Idle. Refused while running.
func (m *MaintenanceRunner) Dismiss() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.State == StateRunning {
		return fmt.Errorf("dismiss while running: %w", ErrBusy)
	}
	m.st = Status{State: StateIdle}
	m.prog = newProgress()
	return nil
}

// Status snapshots the runner; same shape as the operation runner's.
func (m *MaintenanceRunner) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	m.prog.fill(&st, m.deps.Clock.Now())
	return st
}

// WaitIdle blocks until no action is in flight or ctx expires.
func (m *MaintenanceRunner) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MaintenanceRunner) stopped(ctx context.Context) bool {
	return m.stopFlag.Load() || ctx.Err() != nil
}

func (m *MaintenanceRunner) execute(ctx context.Context, action Action, s config.Settings, lock *platform.Lock, done chan struct{}) {
	defer close(done)
	defer m.gate.Release()
	defer func() {
		if err := lock.Release(); err != nil {
			m.logger.Warn().Err(err).
				Str("event", "runner.maintenance.lock_release_failed").
				Msg("could not release instance lock")
		}
	}()

	kit, err := m.buildKit(s)
	if err != nil {
		m.finish(action, nil, "", err)
		return
	}

	var note string
	switch action {
	case ActionBackupProtect:
		note, err = m.backupProtect(ctx, s, kit)
	case ActionSyncOrphans:
		note, err = m.syncOrphans(ctx, s, kit)
	case ActionFixWithBackup:
		note, err = m.fixWithBackup(ctx, kit)
	case ActionRestorePlexcached:
		note, err = m.sidecarSweep(ctx, s, kit, mover.RestoreModeRename)
	case ActionDeletePlexcached:
		note, err = m.sidecarSweep(ctx, s, kit, mover.RestoreModeDelete)
	}
	m.finish(action, kit, note, err)
}

// finish closes the action out: state, note, and the activity entry.
func (m *MaintenanceRunner) finish(action Action, kit *maintenanceKit, note string, err error) {
	m.mu.Lock()
	m.mov = nil
	m.st.FinishedAt = m.deps.Clock.Now().UTC()
	m.prog.current = ""
	if err != nil {
		m.st.State = StateFailed
		m.st.Note = err.Error()
	} else {
		m.st.State = StateCompleted
		m.st.Note = note
		if m.stopFlag.Load() {
			m.st.Note = "stopped early; " + note
		}
	}
	st := m.st
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).
			Str("event", "runner.maintenance.failed").
			Str("action", string(action)).
			Msg("maintenance action failed")
		return
	}
	if kit != nil {
		if aerr := kit.act.Append(activity.Event{
			Action:   actionLabel(action),
			Filename: string(action) + ": " + st.Note,
		}); aerr != nil {
			m.logger.Warn().Err(aerr).
				Str("event", "runner.maintenance.activity_failed").
				Msg("could not record maintenance activity")
		}
	}
	m.logger.Info().
		Str("event", "runner.maintenance.done").
		Str("action", string(action)).
		Str("note", st.Note).
		Msg("maintenance action finished")
}

// actionLabel picks the activity label users see for an action's
// completion entry. Per-file entries come from the mover where one is
// involved.
func actionLabel(action Action) activity.Action {
	switch action {
	case ActionBackupProtect, ActionFixWithBackup:
		return activity.ActionProtected
	case ActionRestorePlexcached:
		return activity.ActionRestored
	default:
		return activity.ActionSummary
	}
}

// maintenanceKit is the component subset maintenance actions share. It
// mirrors the caching run's construction over the same data files.
type maintenanceKit struct {
	router *pathmap.Router
	excl   *exclude.List
	cache  *tracker.CacheTracker
	ondeck *tracker.OnDeckTracker
	watch  *tracker.WatchlistTracker
	act    *activity.Log
	mov    *mover.Mover
}

func (m *MaintenanceRunner) buildKit(s config.Settings) (*maintenanceKit, error) {
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	kit := &maintenanceKit{
		router: pathmap.NewRouter(s.PathMappings),
		excl:   exclude.NewList(filepath.Join(s.DataDir, exclude.ListFileName)),
	}
	var err error
	if kit.cache, err = tracker.OpenCacheTracker(s.DataDir, m.deps.Clock); err != nil {
		return nil, err
	}
	if kit.ondeck, err = tracker.OpenOnDeckTracker(s.DataDir, m.deps.Clock); err != nil {
		return nil, err
	}
	if kit.watch, err = tracker.OpenWatchlistTracker(s.DataDir, m.deps.Clock); err != nil {
		return nil, err
	}
	kit.act = activity.Open(filepath.Join(s.DataDir, activity.FileName), s.ActivityRetention(), m.deps.Clock)
	kit.mov = mover.New(mover.Config{
		CreateBackups:    s.CreatePlexcachedBackups,
		HardlinkPolicy:   s.HardlinkedFiles,
		UseSymlinks:      s.UseSymlinks,
		CleanupEmptyDirs: s.CleanupEmptyFolders,
	}, mover.Deps{
		Router:    kit.router,
		Exclude:   kit.excl,
		Cache:     kit.cache,
		OnDeck:    kit.ondeck,
		Watchlist: kit.watch,
		Activity:  kit.act,
		Platform:  m.deps.Platform,
		Clock:     m.deps.Clock,
		Events: mover.Events{
			Progress: m.progressChunk,
			Done:     m.progressDone,
		},
	})

	m.mu.Lock()
	m.mov = kit.mov
	m.mu.Unlock()
	if m.stopFlag.Load() {
		kit.mov.Stop()
	}
	return kit, nil
}

func (m *MaintenanceRunner) progressChunk(path string, copied, _ uint64) {
	m.mu.Lock()
	m.prog.chunk(path, copied, m.deps.Clock.Now())
	m.mu.Unlock()
}

func (m *MaintenanceRunner) progressDone(res mover.Result) {
	m.mu.Lock()
	m.prog.fileDone(string(res.Request.Real), string(res.Request.Cache))
	m.mu.Unlock()
}

func (m *MaintenanceRunner) addBatch(files int, bytes uint64) {
	m.mu.Lock()
	m.prog.addBatch(files, bytes)
	m.mu.Unlock()
}

// backupProtect forces the sidecar backfill over every exclude entry.
func (m *MaintenanceRunner) backupProtect(ctx context.Context, s config.Settings, kit *maintenanceKit) (string, error) {
	backfill := migration.New(migration.Config{
		DataDir:       s.DataDir,
		MaxConcurrent: s.MaxConcurrentMovesCache,
	}, migration.Deps{
		Router:   kit.router,
		Exclude:  kit.excl,
		Platform: m.deps.Platform,
		Clock:    m.deps.Clock,
	})
	res, err := backfill.Force(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("examined %d, created %d, existing %d, failed %d",
		res.Examined, res.Created, res.Existing, res.Failed), nil
}

// syncOrphans finds cache-tier video files outside the exclude list and
// moves them back to the array. Files whose array original still exists
// are left alone: same-size pairs just lose the redundant cache copy,
// size mismatches are ambiguous and only logged.
func (m *MaintenanceRunner) syncOrphans(ctx context.Context, s config.Settings, kit *maintenanceKit) (string, error) {
	managed, err := excludeSet(kit.excl)
	if err != nil {
		return "", err
	}

	var reqs []mover.Request
	var deduped, ambiguous int
	for _, mapping := range s.PathMappings {
		if !mapping.Enabled || mapping.CachePath == "" {
			continue
		}
		if m.stopped(ctx) {
			break
		}
		root := mapping.CachePath
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if m.stopped(ctx) {
				return fs.SkipAll
			}
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if name := d.Name(); len(name) > 1 && name[0] == '.' {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || mover.IsSidecar(path) || media.IsSubtitle(path) {
				return nil
			}
			host := string(kit.router.ContainerToHost(pathmap.CachePath(path)))
			if _, ok := managed[host]; ok {
				return nil
			}
			real, mp := kit.router.CacheToReal(pathmap.CachePath(path))
			if mp == nil || real == "" {
				return nil
			}
			cacheSize, ok := regularSize(path)
			if !ok {
				return nil
			}
			if arraySize, exists := regularSize(string(real)); exists {
				if arraySize == cacheSize {
					// The array never lost this file; the cache copy is
					// a leftover duplicate.
					if err := os.Remove(path); err != nil {
						m.logger.Warn().Err(err).
							Str("event", "runner.orphans.dedupe_failed").
							Str(log.FieldCachePath, path).
							Msg("could not remove duplicate cache copy")
					} else {
						deduped++
					}
					return nil
				}
				ambiguous++
				m.logger.Warn().
					Str("event", "runner.orphans.size_mismatch").
					Str(log.FieldCachePath, path).
					Str(log.FieldPath, string(real)).
					Uint64("cache_bytes", cacheSize).
					Uint64("array_bytes", arraySize).
					Msg("both tiers hold different bytes, not touching either")
				return nil
			}
			reqs = append(reqs, mover.Request{
				File:      mover.File{Real: real, Cache: pathmap.CachePath(path)},
				Subtitles: orphanSubtitles(kit.router, path),
				Label:     activity.ActionMoved,
			})
			return nil
		})
		if walkErr != nil {
			return "", walkErr
		}
	}

	var moved, failed int
	var movedBytes uint64
	if len(reqs) > 0 && !m.stopped(ctx) {
		m.addBatch(len(reqs), sourceBytes(reqs))
		for _, res := range kit.mov.Move(ctx, reqs, mover.ToArray, s.MaxConcurrentMovesArray) {
			switch res.Outcome {
			case mover.OutcomeMoved:
				moved++
				movedBytes += res.Bytes
			case mover.OutcomeFailed:
				failed++
			}
		}
	}
	return fmt.Sprintf("moved %d (%s), deduplicated %d, ambiguous %d, failed %d",
		moved, config.FormatSize(movedBytes), deduped, ambiguous, failed), nil
}

// orphanSubtitles lists the subtitle files riding next to an orphan video
// on the cache tier.
func orphanSubtitles(router *pathmap.Router, cachePath string) []mover.File {
	dir := filepath.Dir(cachePath)
	base := filepath.Base(cachePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var subs []mover.File
	for _, e := range entries {
		if e.IsDir() || !media.SidecarsFor(base, e.Name()) {
			continue
		}
		subCache := pathmap.CachePath(filepath.Join(dir, e.Name()))
		subReal, mapping := router.CacheToReal(subCache)
		if mapping == nil || subReal == "" {
			continue
		}
		subs = append(subs, mover.File{Real: subReal, Cache: subCache})
	}
	return subs
}

// fixWithBackup walks the exclude list and repairs what it finds: an
// interrupted cache move (original and cache copy both present) becomes
// the durable sidecar state, a lost cache copy is restored from its
// sidecar, and bookkeeping without a file behind it is dropped.
func (m *MaintenanceRunner) fixWithBackup(ctx context.Context, kit *maintenanceKit) (string, error) {
	hosts, err := kit.excl.Paths()
	if err != nil {
		return "", err
	}
	m.addBatch(len(hosts), 0)

	var fixed, restored, cleaned, healthy, skipped, failed int
	for _, host := range hosts {
		if m.stopped(ctx) {
			break
		}
		cachePath := string(kit.router.HostToContainer(pathmap.CachePath(host)))
		real, mapping := kit.router.CacheToReal(pathmap.CachePath(cachePath))
		m.progressDone(mover.Result{Request: mover.Request{File: mover.File{Cache: pathmap.CachePath(cachePath)}}})
		if mapping == nil || real == "" {
			skipped++
			continue
		}
		arrayPath := string(real)
		sidecar := mover.SidecarPath(arrayPath)
		cacheSize, cacheOK := regularSize(cachePath)
		arraySize, arrayOK := regularSize(arrayPath)
		_, sidecarOK := regularSize(sidecar)

		switch {
		case cacheOK && arrayOK:
			// Interrupted cache move: the original should have become
			// the sidecar.
			if sidecarOK {
				skipped++
				m.logger.Warn().
					Str("event", "runner.fix.three_copies").
					Str(log.FieldPath, arrayPath).
					Msg("original, sidecar, and cache copy all present, not touching anything")
				continue
			}
			if arraySize != cacheSize {
				skipped++
				m.logger.Warn().
					Str("event", "runner.fix.size_mismatch").
					Str(log.FieldPath, arrayPath).
					Msg("original and cache copy differ, not touching either")
				continue
			}
			if err := mover.RenameVerified(arrayPath, sidecar, m.deps.Platform.ArrayDirectPath(sidecar)); err != nil {
				failed++
				m.logger.Error().Err(err).
					Str("event", "runner.fix.rename_failed").
					Str(log.FieldPath, arrayPath).
					Msg("could not turn original into sidecar")
				continue
			}
			fixed++

		case !cacheOK && sidecarOK && !arrayOK:
			// The cache copy is gone; bring the sidecar back.
			if err := mover.RenameVerified(sidecar, arrayPath, m.deps.Platform.ArrayDirectPath(arrayPath)); err != nil {
				failed++
				m.logger.Error().Err(err).
					Str("event", "runner.fix.restore_failed").
					Str(log.FieldPath, sidecar).
					Msg("could not rename sidecar back")
				continue
			}
			m.dropEntry(kit, host, cachePath)
			restored++

		case !cacheOK:
			// Nothing on the cache tier; whatever the array holds, the
			// exclude entry is stale.
			m.dropEntry(kit, host, cachePath)
			cleaned++

		default:
			// Cache copy present, no conflicting original. Nothing to
			// repair.
			healthy++
		}
	}
	return fmt.Sprintf("fixed %d, restored %d, cleaned %d, healthy %d, skipped %d, failed %d",
		fixed, restored, cleaned, healthy, skipped, failed), nil
}

func (m *MaintenanceRunner) dropEntry(kit *maintenanceKit, host, cachePath string) {
	if err := kit.excl.Remove(host); err != nil {
		m.logger.Warn().Err(err).
			Str("event", "runner.fix.exclude_remove_failed").
			Str(log.FieldCachePath, host).
			Msg("could not drop exclude entry")
	}
	if err := kit.cache.Remove(cachePath); err != nil {
		m.logger.Warn().Err(err).
			Str("event", "runner.fix.tracker_remove_failed").
			Str(log.FieldCachePath, cachePath).
			Msg("could not drop tracker entry")
	}
}

// sidecarSweep runs the emergency restorer over every enabled mapping's
// array tree.
func (m *MaintenanceRunner) sidecarSweep(ctx context.Context, s config.Settings, kit *maintenanceKit, mode mover.RestoreMode) (string, error) {
	var roots []string
	for _, mapping := range s.PathMappings {
		if mapping.Enabled && mapping.RealPath != "" {
			roots = append(roots, mapping.RealPath)
		}
	}
	restorer := mover.NewPlexcachedRestorer(roots, s.ExcludedFolders, false)
	stats, err := restorer.Run(ctx, mode)
	if err != nil {
		return "", err
	}

	if mode == mover.RestoreModeRename && stats.Restored > 0 {
		// Renamed originals supersede their cache bookkeeping.
		m.sweepStaleEntries(kit)
	}
	return fmt.Sprintf("scanned %d, restored %d, deleted %d, skipped %d, failed %d",
		stats.Scanned, stats.Restored, stats.Deleted, stats.Skipped, stats.Failed), nil
}

// sweepStaleEntries drops exclude and tracker entries whose array
// original exists again after an emergency restore.
func (m *MaintenanceRunner) sweepStaleEntries(kit *maintenanceKit) {
	hosts, err := kit.excl.Paths()
	if err != nil {
		return
	}
	for _, host := range hosts {
		cachePath := string(kit.router.HostToContainer(pathmap.CachePath(host)))
		real, mapping := kit.router.CacheToReal(pathmap.CachePath(cachePath))
		if mapping == nil {
			continue
		}
		if _, arrayOK := regularSize(string(real)); arrayOK {
			m.dropEntry(kit, host, cachePath)
		}
	}
}

func excludeSet(excl *exclude.List) (map[string]struct{}, error) {
	paths, err := excl.Paths()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set, nil
}

func sourceBytes(reqs []mover.Request) uint64 {
	var total uint64
	for _, req := range reqs {
		if size, ok := regularSize(string(req.Cache)); ok {
			total += size
		}
	}
	return total
}

func regularSize(path string) (uint64, bool) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return uint64(info.Size()), true
}
