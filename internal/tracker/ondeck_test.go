// SPDX-License-Identifier: MIT

package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/media"
)

func newOnDeckTracker(t *testing.T, clk clock.Clock) *OnDeckTracker {
	t.Helper()
	tr, err := OpenOnDeckTracker(t.TempDir(), clk)
	require.NoError(t, err)
	return tr
}

func TestOnDeckRunLifecycle(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)

	a := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"
	b := "/mnt/user/TV/Show/Season 1/Show S01E02.mkv"

	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(a, "alice", &media.EpisodeInfo{Show: "Show", Season: 1, Episode: 1, IsCurrentOnDeck: true}, true))
	require.NoError(t, tr.UpdateEntry(b, "alice", &media.EpisodeInfo{Show: "Show", Season: 1, Episode: 2}, false))
	_, err := tr.CleanupUnseen()
	require.NoError(t, err)

	ea, ok := tr.Entry(a)
	require.True(t, ok)
	require.Equal(t, []string{"alice"}, ea.Users)
	require.Equal(t, []string{"alice"}, ea.OnDeckUsers)

	eb, ok := tr.Entry(b)
	require.True(t, ok)
	require.Equal(t, []string{"alice"}, eb.Users)
	require.Empty(t, eb.OnDeckUsers, "prefetched successors are not the current position")

	// Next run: alice advanced to episode 2; episode 1 was never refreshed.
	clk.Advance(time.Hour)
	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(b, "alice", &media.EpisodeInfo{Show: "Show", Season: 1, Episode: 2, IsCurrentOnDeck: true}, true))
	removed, err := tr.CleanupUnseen()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok = tr.Entry(a)
	require.False(t, ok)
	eb, ok = tr.Entry(b)
	require.True(t, ok)
	require.Equal(t, []string{"alice"}, eb.OnDeckUsers)
}

func TestOnDeckFirstSeenSurvivesRuns(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)
	p := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"

	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))
	e, _ := tr.Entry(p)
	firstSeen := e.FirstSeen
	firstSeenAlice := e.UserFirstSeen["alice"]

	clk.Advance(48 * time.Hour)
	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))
	_, err := tr.CleanupUnseen()
	require.NoError(t, err)

	e, _ = tr.Entry(p)
	require.Equal(t, firstSeen, e.FirstSeen, "FirstSeen never resets")
	require.Equal(t, firstSeenAlice, e.UserFirstSeen["alice"])
	require.Equal(t, clk.Now().UTC(), e.LastSeen)
}

func TestOnDeckExpiryNeedsEveryUserExpired(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)
	p := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"
	window := 7 * 24 * time.Hour

	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))

	// Bob discovers the file five days later.
	clk.Advance(5 * 24 * time.Hour)
	require.NoError(t, tr.UpdateEntry(p, "bob", nil, true))

	// Day 8: alice is past the window, bob is not.
	clk.Advance(3 * 24 * time.Hour)
	require.False(t, tr.IsExpired(p, window))

	// Day 13: both past the window.
	clk.Advance(5 * 24 * time.Hour)
	require.True(t, tr.IsExpired(p, window))
}

func TestOnDeckExpiryEdgeCases(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)
	window := 24 * time.Hour

	// Unknown paths have nothing holding them.
	require.True(t, tr.IsExpired("/mnt/user/TV/Unknown.mkv", window))

	// An entry with no current users never expires (conservative).
	p := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"
	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))
	require.NoError(t, tr.PrepareForRun()) // clears Users without cleanup
	clk.Advance(48 * time.Hour)
	require.False(t, tr.IsExpired(p, window))
}

func TestOnDeckExpiryLegacyFallback(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)
	p := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"

	// Hand-craft a legacy entry: users listed but no per-user timestamps.
	require.NoError(t, tr.store.Set(p, OnDeckEntry{
		Users:     []string{"alice"},
		FirstSeen: clk.Now().Add(-48 * time.Hour),
		LastSeen:  clk.Now(),
	}))

	require.True(t, tr.IsExpired(p, 24*time.Hour))
	require.False(t, tr.IsExpired(p, 72*time.Hour))
}

func TestOnDeckCleanupTrimsUserFirstSeen(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)
	p := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"

	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))
	require.NoError(t, tr.UpdateEntry(p, "bob", nil, false))
	_, err := tr.CleanupUnseen()
	require.NoError(t, err)

	// Bob dropped the show; his timestamp must not keep retention alive.
	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))
	_, err = tr.CleanupUnseen()
	require.NoError(t, err)

	e, _ := tr.Entry(p)
	require.Equal(t, []string{"alice"}, e.Users)
	_, hasBob := e.UserFirstSeen["bob"]
	require.False(t, hasBob)
	_, hasAlice := e.UserFirstSeen["alice"]
	require.True(t, hasAlice)
}

func TestEarliestOnDeckPosition(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)

	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry("/mnt/user/TV/Show/Season 2/Show S02E05.mkv", "bob",
		&media.EpisodeInfo{Show: "Show", Season: 2, Episode: 5, IsCurrentOnDeck: true}, true))
	require.NoError(t, tr.UpdateEntry("/mnt/user/TV/Show/Season 1/Show S01E03.mkv", "alice",
		&media.EpisodeInfo{Show: "Show", Season: 1, Episode: 3, IsCurrentOnDeck: true}, true))
	// Prefetched episodes do not anchor the position.
	require.NoError(t, tr.UpdateEntry("/mnt/user/TV/Show/Season 1/Show S01E01.mkv", "alice",
		&media.EpisodeInfo{Show: "Show", Season: 1, Episode: 1}, false))

	pos, ok := tr.EarliestOnDeckPosition("Show")
	require.True(t, ok)
	require.Equal(t, 1, pos.Season)
	require.Equal(t, 3, pos.Episode)

	_, ok = tr.EarliestOnDeckPosition("Other Show")
	require.False(t, ok)
}

func TestOnDeckMarkCachedAndRestored(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := newOnDeckTracker(t, clk)
	p := "/mnt/user/TV/Show/Season 1/Show S01E01.mkv"

	require.NoError(t, tr.PrepareForRun())
	require.NoError(t, tr.UpdateEntry(p, "alice", nil, true))

	require.NoError(t, tr.MarkCached(p, SourceOnDeck, clk.Now()))
	e, _ := tr.Entry(p)
	require.True(t, e.IsCached)
	require.Equal(t, SourceOnDeck, e.CacheSource)
	require.NotNil(t, e.CachedAt)

	require.NoError(t, tr.MarkRestored(p))
	e, _ = tr.Entry(p)
	require.False(t, e.IsCached)
	require.Empty(t, e.CacheSource)
	require.Nil(t, e.CachedAt)
}
