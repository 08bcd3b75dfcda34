// SPDX-License-Identifier: MIT

package jobs

import (
	"fmt"
	"math"
	"os"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/mover"
)

// sizeBudget is the resolved byte arithmetic of the cache-size limit
// pass. remaining can run negative when the tier is already over its cap;
// the overage then feeds the eviction target instead.
type sizeBudget struct {
	// cap is the stricter of cache_limit and plexcache_quota; 0 means
	// unlimited.
	cap uint64
	// minFree is the free-bytes floor on the cache drive; 0 disables it.
	minFree uint64
	// remaining is cap minus tracked occupancy, credited with the bytes
	// the scheduled restores will free.
	remaining int64
}

// prefixRemaining is the byte allowance handed to the candidate-order
// pass.
func (b *sizeBudget) prefixRemaining() int64 {
	if b.cap == 0 {
		return math.MaxInt64
	}
	return b.remaining
}

// resolveBudget turns the configured size expressions into bytes. tracked
// is the current plexcache-managed occupancy; outgoing the cache-side
// bytes leaving the tier through the scheduled restores.
func (r *run) resolveBudget(tracked, outgoing uint64) (*sizeBudget, error) {
	s := r.cfg.Settings

	driveTotal, err := r.driveTotal()
	if err != nil {
		return nil, err
	}

	limit, err := config.ParseSize(s.CacheLimit, driveTotal)
	if err != nil {
		return nil, fmt.Errorf("cache_limit: %w", err)
	}
	quota, err := config.ParseSize(s.PlexcacheQuota, driveTotal)
	if err != nil {
		return nil, fmt.Errorf("plexcache_quota: %w", err)
	}
	minFree, err := config.ParseSize(s.MinFreeSpace, driveTotal)
	if err != nil {
		return nil, fmt.Errorf("min_free_space: %w", err)
	}

	b := &sizeBudget{cap: stricter(limit, quota), minFree: minFree}
	if b.cap > 0 {
		b.remaining = int64(b.cap) - int64(tracked) + int64(outgoing)
	}
	return b, nil
}

// driveTotal resolves the cache drive's total size for percentage
// expressions: a configured cache_drive_size wins, then the platform
// probe. Zero means unknown, which only matters if a percentage form
// actually needs it.
func (r *run) driveTotal() (uint64, error) {
	s := r.cfg.Settings
	if s.CacheDriveSize != "" {
		total, err := config.ParseSize(s.CacheDriveSize, 0)
		if err != nil {
			return 0, fmt.Errorf("cache_drive_size: %w", err)
		}
		return total, nil
	}
	usage, err := r.deps.Platform.DiskUsage(s.CacheDrivePath)
	if err != nil {
		return 0, nil
	}
	return usage.Total, nil
}

// stricter returns the smaller of two limits, treating zero as absent.
func stricter(a, b uint64) uint64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// prefixFit accepts the longest prefix of reqs whose summed source sizes
// fit in remaining, so the selection honors the caller's priority order:
// a later candidate never displaces an earlier one. shortfall is how many
// bytes the first rejected file was short; it seeds the eviction target.
func prefixFit(reqs []mover.Request, remaining int64) (accepted, rest []mover.Request, left int64, shortfall uint64) {
	left = remaining
	for i, req := range reqs {
		size, ok := regularFileSize(string(req.Real))
		if !ok {
			// Vanished source; the mover will skip it for free.
			accepted = append(accepted, req)
			continue
		}
		if int64(size) > left {
			shortfall = uint64(int64(size) - max(left, 0))
			return accepted, reqs[i:], left, shortfall
		}
		left -= int64(size)
		accepted = append(accepted, req)
	}
	return accepted, nil, left, 0
}

// applyMinFree truncates reqs at the point where caching one more file
// would push the drive's free space under the floor. Measured right
// before the cache batch, after restores and evictions freed their bytes.
func (r *run) applyMinFree(reqs []mover.Request, minFree uint64) []mover.Request {
	if minFree == 0 || len(reqs) == 0 {
		return reqs
	}
	free, err := r.deps.Platform.DiskFreeBytes(r.cfg.Settings.CacheDrivePath)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("event", "jobs.budget.free_probe_failed").
			Msg("cannot enforce min_free_space without a free-space reading")
		return reqs
	}
	for i, req := range reqs {
		size, _ := regularFileSize(string(req.Real))
		if free < minFree+size {
			r.logger.Info().
				Str("event", "jobs.budget.min_free_floor").
				Int("dropped", len(reqs)-i).
				Uint64("free", free).
				Uint64("floor", minFree).
				Msg("free-space floor reached; truncating cache batch")
			return reqs[:i]
		}
		free -= size
	}
	return reqs
}

// incomingBytes sums the array-side sizes a cache batch will copy.
func incomingBytes(reqs []mover.Request) uint64 {
	var total uint64
	for _, req := range reqs {
		if size, ok := regularFileSize(string(req.Real)); ok {
			total += size
		}
	}
	return total
}

// outgoingBytes sums the cache-side sizes the scheduled restores free.
func outgoingBytes(reqs []mover.Request) uint64 {
	var total uint64
	for _, req := range reqs {
		if size, ok := regularFileSize(string(req.Cache)); ok {
			total += size
		}
	}
	return total
}

func regularFileSize(path string) (uint64, bool) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return uint64(info.Size()), true
}
