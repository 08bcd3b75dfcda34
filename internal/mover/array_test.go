// SPDX-License-Identifier: MIT

package mover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/activity"
	"github.com/StudioNirin/plexcache-r/internal/platform"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

func TestRestoreSidecarRenameFastPath(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	req := env.cachedFile("Movies/Heat (1995)/Heat (1995).mkv", 8192)
	res := env.moveOneFile(m, req, ToArray)

	require.Equal(t, OutcomeMoved, res.Outcome)
	require.NoError(t, res.Err)
	// A rename moves no bytes.
	require.Zero(t, res.Bytes)

	require.FileExists(t, string(req.Real))
	require.NoFileExists(t, SidecarPath(string(req.Real)))
	require.NoFileExists(t, string(req.Cache))
	require.False(t, env.excluded(req.Cache))
	_, tracked := env.cache.CachedAt(string(req.Cache))
	require.False(t, tracked)

	events := env.act.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, activity.ActionRestored, events[0].Action)
	require.Equal(t, uint64(8192), events[0].SizeBytes)
}

func TestRestoreWithoutSidecarCopiesBack(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{}, Events{})

	req := env.cachedFile("Movies/Ronin (1998)/Ronin (1998).mkv", 8192)
	require.NoError(t, os.Remove(SidecarPath(string(req.Real))))

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)
	require.Equal(t, uint64(8192), res.Bytes)

	got, err := os.ReadFile(string(req.Real))
	require.NoError(t, err)
	require.Len(t, got, 8192)
	require.NoFileExists(t, string(req.Cache))

	events := env.act.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, activity.ActionMoved, events[0].Action)
}

func TestRestoreInPlaceUpgrade(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	req := env.cachedFile("Movies/Alien (1979)/Alien (1979).mkv", 2048)
	// The cache copy was replaced by a bigger version after caching.
	require.NoError(t, os.WriteFile(string(req.Cache), make([]byte, 6144), 0o644))

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)
	require.Equal(t, uint64(6144), res.Bytes)

	got, err := os.ReadFile(string(req.Real))
	require.NoError(t, err)
	require.Len(t, got, 6144)
	require.NoFileExists(t, SidecarPath(string(req.Real)))
	require.NoFileExists(t, string(req.Cache))
}

func TestRestoreFilenameChangeUpgrade(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	// Sidecar of the 720p version sits under the old name; the cached file
	// to restore carries the 1080p name.
	old := env.cachedFile("TV/Show/Season 01/Show - S01E05 [720p].mkv", 2048)
	req := env.arrayFile("TV/Show/Season 01/Show - S01E05 [1080p].mkv", 6144)
	data, err := os.ReadFile(string(req.Real))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(string(req.Cache)), 0o755))
	require.NoError(t, os.WriteFile(string(req.Cache), data, 0o644))
	require.NoError(t, os.Remove(string(req.Real)))

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)

	require.FileExists(t, string(req.Real))
	require.NoFileExists(t, SidecarPath(string(old.Real)))
	require.NoFileExists(t, string(req.Cache))
}

func TestRestoreSkipsWhenCacheCopyGone(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	// Array file present, cache copy gone: nothing to do.
	onArray := env.arrayFile("Movies/Back (2010)/Back (2010).mkv", 1024)
	res := env.moveOneFile(m, onArray, ToArray)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Equal(t, "already on array", res.Reason)

	// Neither side has the file.
	gone := Request{File: File{
		Real:  onArray.Real + ".missing",
		Cache: onArray.Cache + ".missing",
	}}
	res = env.moveOneFile(m, gone, ToArray)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Equal(t, "cache copy vanished", res.Reason)
}

func TestRestoreInsufficientSpaceSkips(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{}, Events{})

	req := env.cachedFile("Movies/Big (2022)/Big (2022).mkv", 8192)
	require.NoError(t, os.Remove(SidecarPath(string(req.Real))))

	// A full copy needs the payload plus headroom; one MiB free is not it.
	env.plat.Usages[env.arrayRoot] = platform.DiskUsage{Total: 1 << 30, Used: 1<<30 - 1<<20, Free: 1 << 20}

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Equal(t, "insufficient space", res.Reason)
	// Nothing was touched.
	require.FileExists(t, string(req.Cache))
	require.True(t, env.excluded(req.Cache))
}

func TestRestoreRenameNeedsOnlyHeadroom(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	req := env.cachedFile("Movies/Tight (2023)/Tight (2023).mkv", 8192)

	// Far too little space for a copy, plenty for a rename.
	env.plat.Usages[env.arrayRoot] = platform.DiskUsage{Total: 1 << 30, Used: 1<<30 - 32<<20, Free: 32 << 20}

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)
	require.FileExists(t, string(req.Real))
}

func TestRestoreDropsSymlinkFirst(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true, UseSymlinks: true}, Events{})

	req := env.cachedFile("Movies/Linked (2015)/Linked (2015).mkv", 4096)
	// use_symlinks leaves a pointer at the original name after caching.
	require.NoError(t, os.Symlink(string(req.Cache), string(req.Real)))

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)

	info, err := os.Lstat(string(req.Real))
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular())
	require.Equal(t, int64(4096), info.Size())
}

func TestRestoreReconstructsHardlinkPair(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{HardlinkPolicy: "move"}, Events{})

	// The surviving pair member lives elsewhere in the library subtree.
	pair := env.arrayFile("Movies/Seeded (2020)/pair-copy.bin", 4096)
	info, err := os.Stat(string(pair.Real))
	require.NoError(t, err)
	inode, _, ok := inodeOf(info)
	require.True(t, ok)

	// Cached state of the moved-away original: cache copy + tracker entry
	// with the recorded inode, no sidecar (hardlink moves never rename).
	real := filepath.Join(env.arrayRoot, "Movies/Seeded (2020)/Seeded (2020).mkv")
	req := env.arrayFile("Movies/Seeded (2020)/Seeded (2020).mkv", 4096)
	data, err := os.ReadFile(real)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(string(req.Cache)), 0o755))
	require.NoError(t, os.WriteFile(string(req.Cache), data, 0o644))
	require.NoError(t, os.Remove(real))
	_, err = env.cache.Record(string(req.Cache), tracker.RecordInfo{
		Source:        tracker.SourceOnDeck,
		OriginalInode: inode,
	})
	require.NoError(t, err)

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)
	// Linked, not copied.
	require.Zero(t, res.Bytes)

	restored, err := os.Stat(string(req.Real))
	require.NoError(t, err)
	pairInfo, err := os.Stat(string(pair.Real))
	require.NoError(t, err)
	require.True(t, os.SameFile(restored, pairInfo))
	require.NoFileExists(t, string(req.Cache))
}

func TestRestoreSubtitlesFollowVideo(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	video := env.cachedFile("Movies/Alien (1979)/Alien (1979).mkv", 8192)
	sub := env.cachedFile("Movies/Alien (1979)/Alien (1979).en.srt", 512)
	video.Subtitles = []File{sub.File}

	res := env.moveOneFile(m, video, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)

	require.FileExists(t, string(sub.Real))
	require.NoFileExists(t, SidecarPath(string(sub.Real)))
	require.NoFileExists(t, string(sub.Cache))
	require.False(t, env.excluded(sub.Cache))
}

func TestRestoreCleansEmptyCacheDirs(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true, CleanupEmptyDirs: true}, Events{})

	req := env.cachedFile("Movies/Deep/Nested/Film (2020)/Film (2020).mkv", 2048)
	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)

	require.NoDirExists(t, filepath.Join(env.cacheRoot, "Movies", "Deep"))
	require.DirExists(t, env.cacheRoot)
}

func TestRestoreCopyFailureKeepsCacheCopy(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{}, Events{})

	req := env.cachedFile("Movies/Blocked (2021)/Blocked (2021).mkv", 4096)
	require.NoError(t, os.Remove(SidecarPath(string(req.Real))))
	// A directory squatting on the array name makes the copy fail.
	require.NoError(t, os.MkdirAll(string(req.Real), 0o755))

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)

	// Failure leaves the cache side fully intact.
	require.FileExists(t, string(req.Cache))
	require.True(t, env.excluded(req.Cache))
	_, tracked := env.cache.CachedAt(string(req.Cache))
	require.True(t, tracked)
}

func TestRestoreLabelOverride(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	req := env.cachedFile("Movies/Evicted (2018)/Evicted (2018).mkv", 2048)
	req.Label = activity.ActionEvicted

	res := env.moveOneFile(m, req, ToArray)
	require.Equal(t, OutcomeMoved, res.Outcome)

	events := env.act.Recent(1)
	require.Len(t, events, 1)
	require.Equal(t, activity.ActionEvicted, events[0].Action)
}
