// SPDX-License-Identifier: MIT

// Package plex adapts the media server to the caching core. The core only
// sees the Source interface: per-user OnDeck queues, watchlists resolved to
// local files, and active sessions. The HTTP implementation lives in
// client.go and watchlist.go.
package plex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/media"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrUnauthorized = errors.New("plex: token rejected")
	ErrRateLimited  = errors.New("plex: rate limited")
	ErrUnavailable  = errors.New("plex: server unreachable or transport failure")
	ErrServerError  = errors.New("plex: upstream internal error (5xx)")
	ErrBadResponse  = errors.New("plex: invalid response format")
	ErrTimeout      = errors.New("plex: request timed out")
	ErrNoToken      = errors.New("plex: no token for user")
)

// APIError wraps the sentinels with request context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Err       error

	// RetryAfter carries the server's 429 backoff hint when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("plex: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Sentinel }

// Item is one playable file the media server would like on the fast tier.
// Path is in the media server's namespace; PathRouter turns it into a host
// path.
type Item struct {
	Path      string
	RatingKey string
	MediaType string // media.TypeEpisode or media.TypeMovie
	Episode   *media.EpisodeInfo
	User      string

	// ShowRatingKey identifies the containing show for episodes; empty for
	// movies. NextEpisodes walks the show through it.
	ShowRatingKey string

	// ViewOffset is the resume position for partially watched items.
	ViewOffset time.Duration

	// WatchlistedAt is the server-side watchlist timestamp; zero for
	// OnDeck items and for servers that do not report one.
	WatchlistedAt time.Time

	// IsCurrentOnDeck distinguishes the user's actual queue position from
	// episodes prefetched behind it.
	IsCurrentOnDeck bool
}

// Session is one active playback.
type Session struct {
	Path string
	User string
}

// Source is the capability set the caching core consumes.
type Source interface {
	// Users returns the usernames plexcache may query, server owner first.
	Users(ctx context.Context) ([]string, error)

	// OnDeck returns the user's current up-next queue.
	OnDeck(ctx context.Context, user string) ([]Item, error)

	// NextEpisodes returns up to count episodes following item within its
	// show, in playback order.
	NextEpisodes(ctx context.Context, item Item, count int) ([]Item, error)

	// Watchlist returns the user's watchlist resolved to local files.
	// episodeLimit caps how many episodes of a watchlisted show count.
	Watchlist(ctx context.Context, user string, episodeLimit int) ([]Item, error)

	// RemoteWatchlist resolves a shared RSS feed to local files, for
	// friends whose watchlists are not readable by the owner token.
	RemoteWatchlist(ctx context.Context, feedURL string, episodeLimit int) ([]Item, error)

	// ActiveSessions returns the playbacks in flight right now.
	ActiveSessions(ctx context.Context) ([]Session, error)
}
