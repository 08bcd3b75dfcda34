// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/jobs"
)

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s := config.Default()
	s.DataDir = filepath.Join(t.TempDir(), "data")
	s.API.ListenAddr = ""
	s.Metrics.ListenAddr = ""
	return s
}

func TestBuild_StartsAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := testSettings(t)
	holder := config.NewHolder(s, filepath.Join(t.TempDir(), "settings.json"))

	ctx, cancel := context.WithCancel(context.Background())
	mgr, err := Build(ctx, holder, "test")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mgr.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestBuild_TelemetryMisconfigRejected(t *testing.T) {
	s := testSettings(t)
	s.Telemetry.Enabled = true
	s.Telemetry.ExporterType = "carrier-pigeon"
	holder := config.NewHolder(s, filepath.Join(t.TempDir(), "settings.json"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := Build(ctx, holder, "test")
	require.Error(t, err)
	holder.Stop()
}

func TestLoopFactory_ReadsSettingsPerTrigger(t *testing.T) {
	s := testSettings(t)
	current := s
	factory := LoopFactory(func() config.Settings { return current }, nil)

	loop := factory(true, jobs.NopSink{})
	require.NotNil(t, loop)

	// A settings change must show up in the next loop, not the last one.
	current.MaxConcurrentMovesCache = 9
	loop2 := factory(false, jobs.NopSink{})
	require.NotNil(t, loop2)
}

func TestNewSource_SurvivesUnwritableDataDir(t *testing.T) {
	s := testSettings(t)
	// A file where the data dir should be makes MkdirAll fail.
	s.DataDir = filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(s.DataDir, []byte("not a directory"), 0o644))

	src := NewSource(s)
	assert.NotNil(t, src)
}
