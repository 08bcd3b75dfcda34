// SPDX-License-Identifier: MIT

package evict

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/exclude"
	"github.com/StudioNirin/plexcache-r/internal/filter"
	"github.com/StudioNirin/plexcache-r/internal/mover"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/score"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

// evictEnv is a two-tier filesystem under t.TempDir with everything the
// engine depends on: trackers, exclude list, a real scorer, a real filter
// and a real mover, so evictions run end to end through the restore path.
type evictEnv struct {
	t         *testing.T
	clk       *clock.MockClock
	router    *pathmap.Router
	excl      *exclude.List
	cache     *tracker.CacheTracker
	ondeck    *tracker.OnDeckTracker
	watch     *tracker.WatchlistTracker
	act       *activity.Log
	plat      *platform.Mock
	arrayRoot string
	cacheRoot string
}

func newEvictEnv(t *testing.T) *evictEnv {
	t.Helper()
	dir := t.TempDir()
	arrayRoot := filepath.Join(dir, "array", "media")
	cacheRoot := filepath.Join(dir, "cache", "media")
	require.NoError(t, os.MkdirAll(arrayRoot, 0o755))
	require.NoError(t, os.MkdirAll(cacheRoot, 0o755))

	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	router := pathmap.NewRouter([]config.PathMapping{{
		Name:      "media",
		PlexPath:  "/data/media",
		RealPath:  arrayRoot,
		CachePath: cacheRoot,
		Cacheable: true,
		Enabled:   true,
	}})

	dataDir := filepath.Join(dir, "data")
	cacheTr, err := tracker.OpenCacheTracker(dataDir, clk)
	require.NoError(t, err)
	ondeck, err := tracker.OpenOnDeckTracker(dataDir, clk)
	require.NoError(t, err)
	watch, err := tracker.OpenWatchlistTracker(dataDir, clk)
	require.NoError(t, err)

	return &evictEnv{
		t:         t,
		clk:       clk,
		router:    router,
		excl:      exclude.NewList(filepath.Join(dataDir, exclude.ListFileName)),
		cache:     cacheTr,
		ondeck:    ondeck,
		watch:     watch,
		act:       activity.Open(filepath.Join(dataDir, activity.FileName), 0, clk),
		plat:      platform.NewMock(),
		arrayRoot: arrayRoot,
		cacheRoot: cacheRoot,
	}
}

// engine wires a full stack for the given eviction mode.
func (e *evictEnv) engine(mode string) *Engine {
	scorer := score.New(e.cache, e.ondeck, e.watch, e.clk, score.Config{
		NumberEpisodes: 5,
		MinPriority:    60,
	})
	flt := filter.New(filter.Config{
		CacheRetention:     6 * time.Hour,
		OnDeckRetention:    30 * 24 * time.Hour,
		WatchlistRetention: 30 * 24 * time.Hour,
	}, filter.Deps{
		Router:    e.router,
		Exclude:   e.excl,
		Cache:     e.cache,
		OnDeck:    e.ondeck,
		Watchlist: e.watch,
		Platform:  e.plat,
		Clock:     e.clk,
	})
	mv := mover.New(mover.Config{CreateBackups: true}, mover.Deps{
		Router:    e.router,
		Exclude:   e.excl,
		Cache:     e.cache,
		OnDeck:    e.ondeck,
		Watchlist: e.watch,
		Activity:  e.act,
		Platform:  e.plat,
		Clock:     e.clk,
	})
	return New(Config{Mode: mode, Watermark: 90, MaxConcurrent: 1}, Deps{
		Router:  e.router,
		Exclude: e.excl,
		Cache:   e.cache,
		Scorer:  scorer,
		Filter:  flt,
		Mover:   mv,
		Clock:   e.clk,
	})
}

type steadyFile struct {
	real  string
	cache string
	host  string
}

// cached builds the state a finished cache move leaves behind: cache copy,
// array sidecar of equal size, exclude entry, tracker record.
func (e *evictEnv) cached(rel string, size int, source string) steadyFile {
	e.t.Helper()
	real := filepath.Join(e.arrayRoot, rel)
	cachePath := filepath.Join(e.cacheRoot, rel)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(real), 0o755))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(cachePath), 0o755))
	payload := bytes.Repeat([]byte{0x5C}, size)
	require.NoError(e.t, os.WriteFile(cachePath, payload, 0o644))
	require.NoError(e.t, os.WriteFile(mover.SidecarPath(real), payload, 0o644))

	host := string(e.router.ContainerToHost(pathmap.CachePath(cachePath)))
	require.NoError(e.t, e.excl.Add(host))
	_, err := e.cache.Record(cachePath, tracker.RecordInfo{Source: source})
	require.NoError(e.t, err)
	return steadyFile{real: real, cache: cachePath, host: host}
}

func (e *evictEnv) stillCached(f steadyFile) {
	e.t.Helper()
	require.FileExists(e.t, f.cache)
	require.FileExists(e.t, mover.SidecarPath(f.real))
	listed, err := e.excl.Contains(f.host)
	require.NoError(e.t, err)
	require.True(e.t, listed)
	_, tracked := e.cache.Entry(f.cache)
	require.True(e.t, tracked)
}

func (e *evictEnv) restored(f steadyFile) {
	e.t.Helper()
	require.FileExists(e.t, f.real)
	require.NoFileExists(e.t, mover.SidecarPath(f.real))
	require.NoFileExists(e.t, f.cache)
	listed, err := e.excl.Contains(f.host)
	require.NoError(e.t, err)
	require.False(e.t, listed)
	_, tracked := e.cache.Entry(f.cache)
	require.False(e.t, tracked)
}

func TestSmartEvictionFreesNeededSpace(t *testing.T) {
	env := newEvictEnv(t)

	// An ondeck-sourced entry scores above the floor; the two
	// watchlist-sourced ones tie below it and sort by path.
	matrix := env.cached("Movies/Matrix (1999)/Matrix.mkv", 5000, tracker.SourceOnDeck)
	heat := env.cached("Movies/Heat (1995)/Heat.mkv", 3000, tracker.SourceWatchlist)
	ronin := env.cached("Movies/Ronin (1998)/Ronin.mkv", 1500, tracker.SourceWatchlist)

	eng := env.engine(config.EvictionSmart)
	res, err := eng.Run(context.Background(), 10_000, 2000, nil, nil)
	require.NoError(t, err)

	require.True(t, res.Triggered)
	require.Equal(t, uint64(9500), res.Used)
	require.Equal(t, uint64(2000), res.Target)
	require.Equal(t, 1, res.Evicted)
	require.Equal(t, uint64(3000), res.FreedBytes)
	require.Zero(t, res.Failed)

	// Heat alone covers the target; its sidecar came back as the real file.
	env.restored(heat)
	env.stillCached(matrix)
	env.stillCached(ronin)

	events := env.act.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, activity.ActionEvicted, events[0].Action)
	require.Equal(t, "Heat.mkv", events[0].Filename)
}

func TestSmartEvictionRespectsPriorityFloor(t *testing.T) {
	env := newEvictEnv(t)

	// Everything ondeck-sourced and freshly cached scores 70.
	a := env.cached("Movies/Alien (1979)/Alien.mkv", 4000, tracker.SourceOnDeck)
	b := env.cached("Movies/Contact (1997)/Contact.mkv", 4000, tracker.SourceOnDeck)

	eng := env.engine(config.EvictionSmart)
	res, err := eng.Run(context.Background(), 0, 2000, nil, nil)
	require.NoError(t, err)

	require.True(t, res.Triggered)
	require.Zero(t, res.Evicted)
	require.Zero(t, res.FreedBytes)
	env.stillCached(a)
	env.stillCached(b)
}

func TestFifoEvictionPicksOldestFirst(t *testing.T) {
	env := newEvictEnv(t)

	// Oldest entry sorts last by path and scores above the smart floor;
	// fifo must take it anyway.
	contact := env.cached("Movies/Contact (1997)/Contact.mkv", 1000, tracker.SourceOnDeck)
	env.clk.Advance(2 * time.Hour)
	blade := env.cached("Movies/Blade Runner (1982)/Blade Runner.mkv", 1000, tracker.SourceWatchlist)
	env.clk.Advance(2 * time.Hour)
	alien := env.cached("Movies/Alien (1979)/Alien.mkv", 1000, tracker.SourceWatchlist)

	eng := env.engine(config.EvictionFIFO)
	res, err := eng.Run(context.Background(), 0, 1500, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 2, res.Evicted)
	require.Equal(t, uint64(2000), res.FreedBytes)
	env.restored(contact)
	env.restored(blade)
	env.stillCached(alien)
}

func TestRunBelowWatermarkDoesNothing(t *testing.T) {
	env := newEvictEnv(t)
	f := env.cached("Movies/Heat (1995)/Heat.mkv", 800, tracker.SourceWatchlist)

	eng := env.engine(config.EvictionSmart)
	res, err := eng.Run(context.Background(), 1000, 0, nil, nil)
	require.NoError(t, err)

	require.False(t, res.Triggered)
	require.Equal(t, uint64(800), res.Used)
	env.stillCached(f)
}

func TestRunWatermarkOverageSetsTarget(t *testing.T) {
	env := newEvictEnv(t)
	f := env.cached("Movies/Heat (1995)/Heat.mkv", 950, tracker.SourceWatchlist)

	eng := env.engine(config.EvictionSmart)
	res, err := eng.Run(context.Background(), 1000, 0, nil, nil)
	require.NoError(t, err)

	require.True(t, res.Triggered)
	require.Equal(t, uint64(50), res.Target)
	require.Equal(t, 1, res.Evicted)
	require.Equal(t, uint64(950), res.FreedBytes)
	env.restored(f)
}

func TestRunSkipsSessionPinnedFiles(t *testing.T) {
	env := newEvictEnv(t)

	// Heat would sort first among the tied scores; a live stream pins it.
	heat := env.cached("Movies/Heat (1995)/Heat.mkv", 2000, tracker.SourceWatchlist)
	ronin := env.cached("Movies/Ronin (1998)/Ronin.mkv", 2000, tracker.SourceWatchlist)
	sessions := filter.NewSessionSet([]string{"/data/media/Movies/Heat (1995)/Heat.mkv"})

	eng := env.engine(config.EvictionSmart)
	res, err := eng.Run(context.Background(), 0, 1000, nil, sessions)
	require.NoError(t, err)

	require.Equal(t, 1, res.Evicted)
	env.stillCached(heat)
	env.restored(ronin)
}

func TestRunDisabledModeIsNoop(t *testing.T) {
	env := newEvictEnv(t)
	f := env.cached("Movies/Heat (1995)/Heat.mkv", 2000, tracker.SourceWatchlist)

	eng := env.engine(config.EvictionNone)
	require.False(t, eng.Enabled())
	res, err := eng.Run(context.Background(), 10, 1_000_000, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	env.stillCached(f)

	require.True(t, env.engine(config.EvictionSmart).Enabled())
	require.True(t, env.engine(config.EvictionFIFO).Enabled())
}

func TestUsageCountsOnlyPresentFiles(t *testing.T) {
	env := newEvictEnv(t)
	env.cached("Movies/Heat (1995)/Heat.mkv", 1200, tracker.SourceWatchlist)
	env.cached("Movies/Ronin (1998)/Ronin.mkv", 800, tracker.SourceWatchlist)

	// A stale entry whose file is gone must not count.
	ghost := filepath.Join(env.cacheRoot, "Movies/Gone (2012)/Gone.mkv")
	require.NoError(t, env.excl.Add(string(env.router.ContainerToHost(pathmap.CachePath(ghost)))))

	eng := env.engine(config.EvictionSmart)
	files, used, err := eng.Usage()
	require.NoError(t, err)
	require.Equal(t, 2, files)
	require.Equal(t, uint64(2000), used)
}

func TestRunCountsUnmappedVictimAsFailed(t *testing.T) {
	env := newEvictEnv(t)

	// A tracked file outside every mapping can be picked but not restored.
	stray := filepath.Join(t.TempDir(), "Stray.mkv")
	require.NoError(t, os.WriteFile(stray, bytes.Repeat([]byte{0x5C}, 500), 0o644))
	_, err := env.cache.Record(stray, tracker.RecordInfo{Source: tracker.SourceWatchlist})
	require.NoError(t, err)

	eng := env.engine(config.EvictionSmart)
	res, err := eng.Run(context.Background(), 0, 100, nil, nil)
	require.NoError(t, err)

	require.True(t, res.Triggered)
	require.Equal(t, 1, res.Failed)
	require.Zero(t, res.Evicted)
	require.FileExists(t, stray)
}
