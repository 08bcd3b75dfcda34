// SPDX-License-Identifier: MIT

package jobs

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
)

func sizedRequest(t *testing.T, dir, name string, size int) mover.Request {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{0x5C}, size), 0o644))
	return mover.Request{File: mover.File{Real: pathmap.RealPath(p)}}
}

func TestPrefixFitHonorsPriorityOrder(t *testing.T) {
	dir := t.TempDir()
	reqs := []mover.Request{
		sizedRequest(t, dir, "a.mkv", 400),
		sizedRequest(t, dir, "b.mkv", 300),
		sizedRequest(t, dir, "c.mkv", 200),
	}

	accepted, rest, left, shortfall := prefixFit(reqs, 750)

	require.Len(t, accepted, 2)
	require.Equal(t, reqs[0].Real, accepted[0].Real)
	require.Equal(t, reqs[1].Real, accepted[1].Real)
	require.Len(t, rest, 1)
	require.Equal(t, reqs[2].Real, rest[0].Real)
	require.Equal(t, int64(50), left)
	require.Equal(t, uint64(150), shortfall)
}

func TestPrefixFitAcceptsVanishedSourcesForFree(t *testing.T) {
	dir := t.TempDir()
	reqs := []mover.Request{
		{File: mover.File{Real: pathmap.RealPath(filepath.Join(dir, "gone.mkv"))}},
		sizedRequest(t, dir, "b.mkv", 300),
	}

	accepted, rest, left, shortfall := prefixFit(reqs, 300)

	require.Len(t, accepted, 2)
	require.Empty(t, rest)
	require.Zero(t, left)
	require.Zero(t, shortfall)
}

func TestPrefixFitNegativeRemaining(t *testing.T) {
	dir := t.TempDir()
	reqs := []mover.Request{sizedRequest(t, dir, "a.mkv", 100)}

	// The tier is already over its cap; the shortfall is the whole file.
	accepted, rest, left, shortfall := prefixFit(reqs, -50)

	require.Empty(t, accepted)
	require.Len(t, rest, 1)
	require.Equal(t, int64(-50), left)
	require.Equal(t, uint64(100), shortfall)
}

func TestStricter(t *testing.T) {
	cases := []struct {
		a, b, want uint64
	}{
		{0, 0, 0},
		{5, 0, 5},
		{0, 7, 7},
		{5, 7, 5},
		{7, 5, 5},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, stricter(tc.a, tc.b))
	}
}

func budgetRun(s config.Settings, plat platform.Adapter) *run {
	return &run{cfg: Config{Settings: s}, deps: Deps{Platform: plat}}
}

func TestResolveBudgetPercentOfDrive(t *testing.T) {
	s := config.Default()
	s.CacheLimit = "50%"
	plat := platform.NewMock()
	plat.Usages[s.CacheDrivePath] = platform.DiskUsage{Total: 10000, Used: 4000, Free: 6000}

	bud, err := budgetRun(s, plat).resolveBudget(1000, 500)
	require.NoError(t, err)

	require.Equal(t, uint64(5000), bud.cap)
	require.Equal(t, int64(4500), bud.remaining)
	require.Equal(t, int64(4500), bud.prefixRemaining())
}

func TestResolveBudgetStricterOfLimitAndQuota(t *testing.T) {
	s := config.Default()
	s.CacheLimit = "8000"
	s.PlexcacheQuota = "6000"

	bud, err := budgetRun(s, platform.NewMock()).resolveBudget(0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(6000), bud.cap)
}

func TestResolveBudgetUnlimitedWithoutExpressions(t *testing.T) {
	bud, err := budgetRun(config.Default(), platform.NewMock()).resolveBudget(123456, 0)
	require.NoError(t, err)

	require.Zero(t, bud.cap)
	require.Equal(t, int64(math.MaxInt64), bud.prefixRemaining())
}

func TestResolveBudgetConfiguredDriveSizeBeatsProbe(t *testing.T) {
	s := config.Default()
	s.CacheDriveSize = "20000"
	s.CacheLimit = "25%"

	// No usage entry for the cache path: the probe would fail, but the
	// configured drive size answers the percentage.
	bud, err := budgetRun(s, platform.NewMock()).resolveBudget(0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), bud.cap)
}

func TestResolveBudgetPercentNeedsDriveSize(t *testing.T) {
	s := config.Default()
	s.CacheLimit = "50%"

	_, err := budgetRun(s, platform.NewMock()).resolveBudget(0, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cache_limit")
}

func TestResolveBudgetCreditsOutgoingRestores(t *testing.T) {
	s := config.Default()
	s.CacheLimit = "1000"

	// Tracked occupancy already exceeds the cap; the scheduled restores
	// swing remaining back above zero.
	bud, err := budgetRun(s, platform.NewMock()).resolveBudget(1500, 800)
	require.NoError(t, err)
	require.Equal(t, int64(300), bud.remaining)
}
