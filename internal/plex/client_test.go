// SPDX-License-Identifier: MIT

package plex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/ratelimit"
)

// instantClock never actually sleeps, so backoff paths run at full speed.
type instantClock struct {
	clock.RealClock
}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func serveOwner(mux *http.ServeMux, username string) {
	mux.HandleFunc("/api/v2/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"username":%q}`, username)
	})
}

func newTestClient(t *testing.T, mux *http.ServeMux, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	opts := Options{
		ServerURL: srv.URL,
		Token:     "owner-token",
		PlexTV:    srv.URL,
		Discover:  srv.URL,
		Timeout:   5 * time.Second,
		Clock:     instantClock{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := NewClient(opts)
	// Tests hammer one local server; the plex.tv budget does not apply.
	c.limiter = ratelimit.NewUpstream("test", rate.Inf, 1)
	return c
}

const onDeckBody = `{"MediaContainer":{"size":2,"Metadata":[
  {"ratingKey":"201","grandparentRatingKey":"100","type":"episode",
   "title":"Ozymandias","grandparentTitle":"Breaking Bad",
   "parentIndex":5,"index":14,"viewOffset":125000,"lastViewedAt":%d,
   "librarySectionID":2,
   "Media":[{"Part":[{"file":"/media/tv/Breaking Bad/S05E14.mkv"}]}]},
  {"ratingKey":"301","type":"movie","title":"Heat","year":1995,
   "lastViewedAt":%d,"librarySectionID":1,
   "Media":[{"Part":[{"file":"/media/movies/Heat (1995)/Heat.mkv"}]}]}
]}}`

func TestOnDeckParsesEpisodesAndMovies(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).Unix()
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/library/onDeck", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "owner-token", r.Header.Get("X-Plex-Token"))
		fmt.Fprintf(w, onDeckBody, recent, recent)
	})
	c := newTestClient(t, mux, nil)

	items, err := c.OnDeck(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, items, 2)

	ep := items[0]
	assert.Equal(t, "/media/tv/Breaking Bad/S05E14.mkv", ep.Path)
	assert.Equal(t, "201", ep.RatingKey)
	assert.Equal(t, "100", ep.ShowRatingKey)
	assert.Equal(t, media.TypeEpisode, ep.MediaType)
	assert.Equal(t, 125*time.Second, ep.ViewOffset)
	assert.True(t, ep.IsCurrentOnDeck)
	require.NotNil(t, ep.Episode)
	assert.Equal(t, "Breaking Bad", ep.Episode.Show)
	assert.Equal(t, 5, ep.Episode.Season)
	assert.Equal(t, 14, ep.Episode.Episode)
	assert.True(t, ep.Episode.IsCurrentOnDeck)

	mv := items[1]
	assert.Equal(t, media.TypeMovie, mv.MediaType)
	assert.Nil(t, mv.Episode)
	assert.False(t, mv.IsCurrentOnDeck)
	assert.Equal(t, "alice", mv.User)
}

func TestOnDeckDropsIdleItems(t *testing.T) {
	fresh := time.Now().Add(-2 * 24 * time.Hour).Unix()
	stale := time.Now().Add(-40 * 24 * time.Hour).Unix()
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/library/onDeck", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, onDeckBody, fresh, stale)
	})
	c := newTestClient(t, mux, func(o *Options) { o.DaysToMonitor = 30 })

	items, err := c.OnDeck(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "201", items[0].RatingKey)
}

func TestOnDeckHonorsValidSections(t *testing.T) {
	recent := time.Now().Add(-time.Hour).Unix()
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/library/onDeck", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, onDeckBody, recent, recent)
	})
	c := newTestClient(t, mux, func(o *Options) { o.ValidSections = []int{2} })

	items, err := c.OnDeck(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, media.TypeEpisode, items[0].MediaType)
}

func TestNextEpisodesWalksTheShow(t *testing.T) {
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/library/metadata/100/allLeaves", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"MediaContainer":{"Metadata":[
		  {"ratingKey":"201","type":"episode","grandparentTitle":"Show","parentIndex":1,"index":1,"Media":[{"Part":[{"file":"/tv/s01e01.mkv"}]}]},
		  {"ratingKey":"202","type":"episode","grandparentTitle":"Show","parentIndex":1,"index":2,"Media":[{"Part":[{"file":"/tv/s01e02.mkv"}]}]},
		  {"ratingKey":"203","type":"episode","grandparentTitle":"Show","parentIndex":1,"index":3,"Media":[{"Part":[{"file":"/tv/s01e03.mkv"}]}]},
		  {"ratingKey":"204","type":"episode","grandparentTitle":"Show","parentIndex":2,"index":1,"Media":[{"Part":[{"file":"/tv/s02e01.mkv"}]}]}
		]}}`)
	})
	c := newTestClient(t, mux, nil)

	current := Item{
		Path:          "/tv/s01e02.mkv",
		RatingKey:     "202",
		ShowRatingKey: "100",
		MediaType:     media.TypeEpisode,
		User:          "alice",
		Episode:       &media.EpisodeInfo{Show: "Show", Season: 1, Episode: 2, IsCurrentOnDeck: true},
	}
	items, err := c.NextEpisodes(context.Background(), current, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "/tv/s01e03.mkv", items[0].Path)
	assert.Equal(t, "/tv/s02e01.mkv", items[1].Path)
	assert.False(t, items[0].IsCurrentOnDeck)
	assert.False(t, items[0].Episode.IsCurrentOnDeck)
}

func TestNextEpisodesFallsBackToSeasonEpisodeMatch(t *testing.T) {
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/library/metadata/100/allLeaves", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"MediaContainer":{"Metadata":[
		  {"ratingKey":"901","type":"episode","grandparentTitle":"Show","parentIndex":3,"index":7,"Media":[{"Part":[{"file":"/tv/s03e07.mkv"}]}]},
		  {"ratingKey":"902","type":"episode","grandparentTitle":"Show","parentIndex":3,"index":8,"Media":[{"Part":[{"file":"/tv/s03e08.mkv"}]}]}
		]}}`)
	})
	c := newTestClient(t, mux, nil)

	// Rating key diverged (library refresh); season/episode still anchor.
	current := Item{
		RatingKey:     "stale-key",
		ShowRatingKey: "100",
		MediaType:     media.TypeEpisode,
		User:          "alice",
		Episode:       &media.EpisodeInfo{Show: "Show", Season: 3, Episode: 7},
	}
	items, err := c.NextEpisodes(context.Background(), current, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/tv/s03e08.mkv", items[0].Path)
}

func TestActiveSessions(t *testing.T) {
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/status/sessions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"MediaContainer":{"size":1,"Metadata":[
		  {"type":"episode","User":{"title":"bob"},
		   "Media":[{"Part":[{"file":"/tv/now-playing.mkv"}]}]}
		]}}`)
	})
	c := newTestClient(t, mux, nil)

	sessions, err := c.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/tv/now-playing.mkv", sessions[0].Path)
	assert.Equal(t, "bob", sessions[0].User)
}

func TestUnauthorizedInvalidatesSharedToken(t *testing.T) {
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/library/onDeck", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") == "bob-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"MediaContainer":{"size":0}}`)
	})

	tokens, err := OpenTokens(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tokens.Set("bob", "bob-token"))

	c := newTestClient(t, mux, func(o *Options) { o.Tokens = tokens })

	_, err = c.OnDeck(context.Background(), "bob")
	require.ErrorIs(t, err, ErrUnauthorized)

	// The rejected token is gone; the next fetch degrades to ErrNoToken.
	_, err = tokens.Token("bob")
	assert.ErrorIs(t, err, ErrNoToken)

	// The owner keeps working.
	items, err := c.OnDeck(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRateLimitedRequestRetriesOnce(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/status/sessions", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"MediaContainer":{"size":0}}`)
	})
	c := newTestClient(t, mux, nil)

	sessions, err := c.ActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, int32(2), hits.Load())
}

func TestUsersDegradeWhenPlexTVUnreachable(t *testing.T) {
	plextv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(plextv.Close)

	tokens, err := OpenTokens(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tokens.Set("bob", "bob-token"))

	mux := http.NewServeMux()
	c := newTestClient(t, mux, func(o *Options) {
		o.PlexTV = plextv.URL
		o.Tokens = tokens
	})

	users, err := c.Users(context.Background())
	require.ErrorIs(t, err, ErrServerError)
	// Degraded but usable: fallback owner plus stored users.
	assert.Equal(t, []string{"owner", "bob"}, users)
}

func TestBreakerShortCircuitsAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	serveOwner(mux, "alice")
	mux.HandleFunc("/status/sessions", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux, nil)

	for i := 0; i < 5; i++ {
		_, err := c.ActiveSessions(context.Background())
		require.ErrorIs(t, err, ErrServerError)
	}
	require.Equal(t, int32(5), hits.Load())

	_, err := c.ActiveSessions(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), hits.Load(), "open breaker must not reach the server")
}

func TestTokenStoreSeedDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	tokens, err := OpenTokens(dir)
	require.NoError(t, err)
	require.NoError(t, tokens.Set("bob", "learned-token"))

	require.NoError(t, tokens.Seed(map[string]string{
		"bob":   "seed-token",
		"carol": "carol-token",
		"":      "ignored",
	}))

	got, err := tokens.Token("bob")
	require.NoError(t, err)
	assert.Equal(t, "learned-token", got)

	got, err = tokens.Token("carol")
	require.NoError(t, err)
	assert.Equal(t, "carol-token", got)

	// Reopen from disk: tokens persist.
	reopened, err := OpenTokens(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, reopened.Users())
}

func TestNewClientStartsNoBackgroundGoroutines(t *testing.T) {
	// Clients are rebuilt for every caching run; any goroutine a
	// constructor starts with no stop path accumulates in serve mode.
	defer goleak.VerifyNone(t)

	for i := 0; i < 3; i++ {
		c := NewClient(Options{ServerURL: "http://plex.local:32400", Token: "t"})
		c.memo.Set("probe", i, gocache.DefaultExpiration)
	}
}
