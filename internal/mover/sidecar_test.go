// SPDX-License-Identifier: MIT

package mover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSidecarNaming(t *testing.T) {
	require.Equal(t, "/mnt/user/media/a.mkv.plexcached", SidecarPath("/mnt/user/media/a.mkv"))
	require.True(t, IsSidecar("a.mkv.plexcached"))
	require.False(t, IsSidecar("a.mkv"))
	require.Equal(t, "a.mkv", TrimSidecar("a.mkv.plexcached"))
	require.Equal(t, "a.mkv", TrimSidecar("a.mkv"))
}

func TestRenameVerified(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "a.mkv")
	to := filepath.Join(dir, "a.mkv.plexcached")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0o644))

	require.NoError(t, RenameVerified(from, to, ""))
	require.FileExists(t, to)
	require.NoFileExists(t, from)

	// Renaming a missing source fails without inventing a target.
	require.Error(t, RenameVerified(filepath.Join(dir, "missing"), filepath.Join(dir, "missing2"), ""))
	require.NoFileExists(t, filepath.Join(dir, "missing2"))
}

func TestFindUpgradeSidecarEpisode(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "Show - S01E02 [720p].mkv.plexcached")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	found, ok := findUpgradeSidecar(dir, "Show - S01E02 [1080p WEB-DL].mkv")
	require.True(t, ok)
	require.Equal(t, old, found)

	// A different episode is not an upgrade of this one.
	_, ok = findUpgradeSidecar(dir, "Show - S01E03 [1080p].mkv")
	require.False(t, ok)

	// The file's own sidecar never counts as an upgrade leftover.
	_, ok = findUpgradeSidecar(dir, "Show - S01E02 [720p].mkv")
	require.False(t, ok)
}

func TestFindUpgradeSidecarMovie(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "Blade Runner (1982) [720p].mkv.plexcached")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	found, ok := findUpgradeSidecar(dir, "Blade Runner (1982) [2160p Remux].mkv")
	require.True(t, ok)
	require.Equal(t, old, found)

	_, ok = findUpgradeSidecar(dir, "Blade Runner 2049 (2017) [2160p].mkv")
	require.False(t, ok)
}

func TestFindUpgradeSidecarEmptyDir(t *testing.T) {
	_, ok := findUpgradeSidecar(t.TempDir(), "Anything (2020).mkv")
	require.False(t, ok)
}
