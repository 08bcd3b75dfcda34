// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/config"
)

// writeSettings drops a valid settings file into a temp dir and returns
// its path. The mapping roots live under the same dir so commands can
// touch them.
func writeSettings(t *testing.T, mutate func(*config.Settings)) (string, config.Settings) {
	t.Helper()
	dir := t.TempDir()

	s := config.Default()
	s.PlexURL = "http://plex.local:32400"
	s.PlexToken = "token"
	s.DataDir = filepath.Join(dir, "data")
	s.PathMappings = []config.PathMapping{{
		Name:      "movies",
		PlexPath:  "/data/Movies",
		RealPath:  filepath.Join(dir, "array", "Movies"),
		CachePath: filepath.Join(dir, "cache", "Movies"),
		Cacheable: true,
		Enabled:   true,
	}}
	if mutate != nil {
		mutate(&s)
	}

	raw, err := json.MarshalIndent(s, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "plexcache_settings.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path, s
}

// captureStdout runs fn with os.Stdout redirected into a buffer.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "restore-plexcached")
	assert.Contains(t, names, "priorities")
	assert.Contains(t, names, "mappings")

	for _, flag := range []string{"config", "verbose", "quiet"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
	assert.NotNil(t, root.Flags().Lookup("dry-run"))
}

func TestLoadSettings_MissingFile(t *testing.T) {
	_, err := loadSettings(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no settings file")
}

func TestLoadSettings_InvalidRejected(t *testing.T) {
	path, _ := writeSettings(t, func(s *config.Settings) {
		s.PlexToken = ""
	})
	_, err := loadSettings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLEX_TOKEN")
}

func TestMappingsCmd_PrintsTable(t *testing.T) {
	path, s := writeSettings(t, nil)

	root := newRootCmd()
	root.SetArgs([]string{"mappings", "--config", path})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Contains(t, out, "movies")
	assert.Contains(t, out, s.PathMappings[0].RealPath)
	assert.Contains(t, out, "enabled")
}

func TestPrioritiesCmd_EmptyTrackers(t *testing.T) {
	path, _ := writeSettings(t, nil)

	root := newRootCmd()
	root.SetArgs([]string{"priorities", "--config", path})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Contains(t, out, "no cached files tracked")
}

func TestRestoreCmd_RenamesSidecars(t *testing.T) {
	path, s := writeSettings(t, nil)

	root := s.PathMappings[0].RealPath
	movieDir := filepath.Join(root, "Matrix (1999)")
	require.NoError(t, os.MkdirAll(movieDir, 0o755))
	sidecar := filepath.Join(movieDir, "Matrix.mkv.plexcached")
	require.NoError(t, os.WriteFile(sidecar, []byte("video"), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"restore-plexcached", "--config", path})
	out := captureStdout(t, func() {
		require.NoError(t, cmd.Execute())
	})

	assert.Contains(t, out, "restored 1")
	assert.NoFileExists(t, sidecar)
	assert.FileExists(t, filepath.Join(movieDir, "Matrix.mkv"))
}

func TestRestoreCmd_DryRunTouchesNothing(t *testing.T) {
	path, s := writeSettings(t, nil)

	root := s.PathMappings[0].RealPath
	require.NoError(t, os.MkdirAll(root, 0o755))
	sidecar := filepath.Join(root, "Matrix.mkv.plexcached")
	require.NoError(t, os.WriteFile(sidecar, []byte("video"), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"restore-plexcached", "--config", path, "--dry-run"})
	captureStdout(t, func() {
		require.NoError(t, cmd.Execute())
	})

	assert.FileExists(t, sidecar)
	assert.NoFileExists(t, filepath.Join(root, "Matrix.mkv"))
}

func TestRestoreCmd_NoMappings(t *testing.T) {
	path, _ := writeSettings(t, func(s *config.Settings) {
		s.PathMappings = nil
	})

	cmd := newRootCmd()
	cmd.SetArgs([]string{"restore-plexcached", "--config", path})
	require.Error(t, cmd.Execute())
}
