// SPDX-License-Identifier: MIT

// Package migration backfills array-side backup sidecars for files cached
// before the sidecar convention existed. Such files have a cache copy and
// an exclude entry but no array artifact, so restoring them means copying
// every byte back. The backfill walks the exclude list once, creates the
// missing sidecars in parallel, and drops a marker file so later runs skip
// the walk. The marker is only written when every entry succeeded; a
// partial pass retries on the next run and already-created sidecars are
// found in place.
package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
)

// MarkerName is the completion marker's file name under the data directory.
const MarkerName = "plexcache_migration_v2.complete"

// Config tunes the backfill.
type Config struct {
	// DataDir holds the completion marker.
	DataDir string

	// MaxConcurrent bounds the parallel sidecar copies.
	MaxConcurrent int
}

// Deps are the backfill's collaborators.
type Deps struct {
	Router   *pathmap.Router
	Exclude  *exclude.List
	Platform platform.Adapter
	Clock    clock.Clock
}

// Backfill is the one-time sidecar migration.
type Backfill struct {
	cfg  Config
	deps Deps
}

// New builds a backfill. MaxConcurrent defaults to 2.
func New(cfg Config, deps Deps) *Backfill {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Backfill{cfg: cfg, deps: deps}
}

// Result summarizes one backfill pass.
type Result struct {
	// AlreadyDone means the marker was present and nothing was examined.
	AlreadyDone bool

	// Examined counts the exclude entries considered.
	Examined int

	// Created counts sidecars written by this pass.
	Created int

	// Existing counts entries whose array side was already covered, by a
	// sidecar or by the original itself.
	Existing int

	// Skipped counts entries that cannot be backfilled: the cache copy is
	// gone or the path lies outside every mapping.
	Skipped int

	// Failed counts copy errors. Any failure withholds the marker.
	Failed int
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeExisting
	outcomeSkipped
	outcomeFailed
)

// Done reports whether the backfill has already completed.
func (b *Backfill) Done() bool {
	_, err := os.Stat(filepath.Join(b.cfg.DataDir, MarkerName))
	return err == nil
}

// Run performs the backfill unless the marker says it already happened.
// Per-entry failures are collected, not propagated; the error return is
// reserved for setup-scale problems like an unreadable exclude list.
func (b *Backfill) Run(ctx context.Context) (Result, error) {
	if b.Done() {
		return Result{AlreadyDone: true}, nil
	}
	return b.sweep(ctx)
}

// Force sweeps regardless of the marker. The backup-protect maintenance
// action uses it to recreate sidecars deleted after the first run.
func (b *Backfill) Force(ctx context.Context) (Result, error) {
	return b.sweep(ctx)
}

func (b *Backfill) sweep(ctx context.Context) (Result, error) {
	logger := log.WithComponentFromContext(ctx, "migration")

	hosts, err := b.deps.Exclude.Paths()
	if err != nil {
		return Result{}, fmt.Errorf("read exclude list: %w", err)
	}

	res := Result{Examined: len(hosts)}
	if len(hosts) > 0 {
		logger.Info().
			Str("event", "migration.start").
			Int(log.FieldFiles, len(hosts)).
			Msg("backfilling backup sidecars for pre-existing cached files")

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.cfg.MaxConcurrent)
		for _, host := range hosts {
			g.Go(func() error {
				o := b.backfillOne(gctx, logger, host)
				mu.Lock()
				switch o {
				case outcomeCreated:
					res.Created++
				case outcomeExisting:
					res.Existing++
				case outcomeSkipped:
					res.Skipped++
				case outcomeFailed:
					res.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	if res.Failed > 0 {
		logger.Warn().
			Str("event", "migration.incomplete").
			Int("created", res.Created).
			Int("failed", res.Failed).
			Msg("backfill incomplete; marker withheld so the next run retries")
		return res, nil
	}

	if err := b.writeMarker(); err != nil {
		return res, fmt.Errorf("write migration marker: %w", err)
	}
	logger.Info().
		Str("event", "migration.done").
		Int("created", res.Created).
		Int("existing", res.Existing).
		Int("skipped", res.Skipped).
		Msg("sidecar backfill complete")
	return res, nil
}

// backfillOne ensures the array side of one exclude entry holds a restore
// source.
func (b *Backfill) backfillOne(ctx context.Context, logger zerolog.Logger, host string) outcome {
	cache := b.deps.Router.HostToContainer(pathmap.CachePath(host))
	cachePath := string(cache)

	size, ok := regularFileSize(cachePath)
	if !ok {
		logger.Debug().
			Str("event", "migration.cache_missing").
			Str(log.FieldCachePath, cachePath).
			Msg("exclude entry without a cache copy; the stale sweep will drop it")
		return outcomeSkipped
	}

	real, mapping := b.deps.Router.CacheToReal(cache)
	if mapping == nil {
		logger.Warn().
			Str("event", "migration.unmapped").
			Str(log.FieldCachePath, cachePath).
			Msg("exclude entry outside every mapping; no array location for a sidecar")
		return outcomeSkipped
	}
	arrayPath := string(real)
	sidecar := mover.SidecarPath(arrayPath)

	if fileExists(sidecar) {
		return outcomeExisting
	}

	// A surviving array original is itself the restore source; the next
	// protect pass parks it as the sidecar without copying a byte. The
	// direct-path probe keeps a union echo of the cache copy from counting.
	direct := b.deps.Platform.ArrayDirectPath(arrayPath)
	if fileExists(arrayPath) && (direct == arrayPath || fileExists(direct)) {
		return outcomeExisting
	}

	if err := b.copySidecar(ctx, cachePath, sidecar, size); err != nil {
		logger.Error().Err(err).
			Str("event", "migration.copy_failed").
			Str(log.FieldCachePath, cachePath).
			Str(log.FieldPath, sidecar).
			Msg("could not create backup sidecar")
		return outcomeFailed
	}
	logger.Info().
		Str("event", "migration.sidecar_created").
		Str(log.FieldCachePath, cachePath).
		Str(log.FieldPath, sidecar).
		Uint64(log.FieldBytes, size).
		Msg("backup sidecar backfilled")
	return outcomeCreated
}

// copySidecar streams the cache copy into a pending file beside the array
// location and publishes it atomically: a crash mid-copy must not leave a
// short sidecar that a later restore would mistake for a superseded
// version.
func (b *Backfill) copySidecar(ctx context.Context, src, dst string, want uint64) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat cache copy: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open cache copy: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(info.Mode().Perm()))
	if err != nil {
		return fmt.Errorf("create pending sidecar: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	var copied uint64
	buf := make([]byte, mover.DefaultChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := pending.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write sidecar: %w", writeErr)
			}
			copied += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read cache copy: %w", readErr)
		}
	}
	if copied != want {
		return fmt.Errorf("cache copy changed size during backfill: got %d, want %d", copied, want)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publish sidecar: %w", err)
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return nil
}

func (b *Backfill) writeMarker() error {
	if err := os.MkdirAll(b.cfg.DataDir, 0o755); err != nil {
		return err
	}
	stamp := b.deps.Clock.Now().UTC().Format(time.RFC3339) + "\n"
	return renameio.WriteFile(filepath.Join(b.cfg.DataDir, MarkerName), []byte(stamp), 0o644)
}

// fileExists reports whether path is a regular file. Symlinks do not
// count; one left at the array location points at the cache copy.
func fileExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}

func regularFileSize(path string) (uint64, bool) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return uint64(info.Size()), true
}
