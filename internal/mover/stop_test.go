// SPDX-License-Identifier: MIT

package mover

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStopCancelsUnstartedTasks(t *testing.T) {
	env := newMoverEnv(t)

	var mu sync.Mutex
	stopped := false
	var m *Mover
	m = env.mover(Config{CreateBackups: true}, Events{
		Done: func(res Result) {
			mu.Lock()
			defer mu.Unlock()
			if res.Outcome == OutcomeMoved && !stopped {
				stopped = true
				m.Stop()
			}
		},
	})

	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = env.arrayFile(fmt.Sprintf("Movies/M%d (2020)/M%d (2020).mkv", i, i), 2048)
	}

	// One worker: the first file completes, its Done callback raises the
	// stop flag, everything still queued must never start.
	results := m.Move(context.Background(), reqs, ToCache, 1)

	require.Equal(t, OutcomeMoved, results[0].Outcome)
	for i := 1; i < len(results); i++ {
		require.Equal(t, OutcomeCancelled, results[i].Outcome, "file %d", i)
		require.Equal(t, "stopped before start", results[i].Reason)
		// Untouched on both tiers.
		require.FileExists(t, string(reqs[i].Real))
		require.NoFileExists(t, string(reqs[i].Cache))
	}
}

func TestStopMidCopyRemovesPartialTarget(t *testing.T) {
	env := newMoverEnv(t)

	var m *Mover
	m = env.mover(Config{CreateBackups: true, ChunkSize: 32 << 10}, Events{
		Progress: func(path string, copied, total uint64) {
			if copied >= 64<<10 {
				m.Stop()
			}
		},
	})

	req := env.arrayFile("Movies/Partial (2020)/Partial (2020).mkv", 256<<10)
	res := env.moveOneFile(m, req, ToCache)

	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Equal(t, "stopped mid-copy", res.Reason)

	// The partial target is cleaned up and the original never touched.
	require.NoFileExists(t, string(req.Cache))
	require.FileExists(t, string(req.Real))
	require.NoFileExists(t, SidecarPath(string(req.Real)))
	require.False(t, env.excluded(req.Cache))
	_, tracked := env.cache.CachedAt(string(req.Cache))
	require.False(t, tracked)
}

func TestResetStopAllowsNextRun(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	m.Stop()
	require.True(t, m.Stopped())

	first := env.arrayFile("Movies/First (2020)/First (2020).mkv", 1024)
	res := env.moveOneFile(m, first, ToCache)
	require.Equal(t, OutcomeCancelled, res.Outcome)

	m.ResetStop()
	require.False(t, m.Stopped())
	res = env.moveOneFile(m, first, ToCache)
	require.Equal(t, OutcomeMoved, res.Outcome)
}

func TestMoveHonorsCancelledContext(t *testing.T) {
	env := newMoverEnv(t)
	m := env.mover(Config{CreateBackups: true}, Events{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := env.arrayFile("Movies/Ctx (2020)/Ctx (2020).mkv", 1024)
	results := m.Move(ctx, []Request{req}, ToCache, 2)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeCancelled, results[0].Outcome)
	require.FileExists(t, string(req.Real))
}
