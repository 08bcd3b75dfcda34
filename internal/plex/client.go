// SPDX-License-Identifier: MIT

package plex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/media"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
	"github.com/StudioNirin/plexcache-r/internal/platform/httpx"
	"github.com/StudioNirin/plexcache-r/internal/ratelimit"
	"github.com/StudioNirin/plexcache-r/internal/resilience"
)

const (
	clientIdentifier = "plexcache-r"
	productName      = "PlexCache-R"

	defaultPlexTV   = "https://plex.tv"
	defaultDiscover = "https://discover.provider.plex.tv"

	// ownerFallback labels the server owner when plex.tv cannot tell us the
	// real username. Tracker entries keyed by it stay consistent across
	// degraded runs.
	ownerFallback = "owner"

	memoTTL      = 30 * time.Second
	memoOwnerKey = "owner"

	// plex.tv throttles hard; one request per second is the polite ceiling.
	plexTVRate = rate.Limit(1)

	maxRateLimitWait = 30 * time.Second
)

// Options configures the HTTP client.
type Options struct {
	ServerURL string
	Token     string // owner token

	// Tokens supplies per-user tokens; nil restricts queries to the owner.
	Tokens *TokenStore

	// ValidSections limits fetches to these library section IDs; empty
	// means all.
	ValidSections []int

	// DaysToMonitor drops OnDeck items idle longer than this; 0 disables
	// the filter.
	DaysToMonitor int

	Timeout time.Duration

	// PlexTV and Discover override the public endpoints, for tests.
	PlexTV   string
	Discover string

	// DataDir is where the RSS fallback cache lives.
	DataDir string

	Clock clock.Clock
}

// Client talks to one Plex server plus the plex.tv metadata services. It
// implements Source.
type Client struct {
	server   string
	plextv   string
	discover string
	token    string
	tokens   *TokenStore

	http    *http.Client
	breaker *resilience.CircuitBreaker
	limiter *ratelimit.Upstream
	memo    *gocache.Cache
	sf      singleflight.Group

	sections      map[int]struct{}
	daysToMonitor int
	dataDir       string
	clk           clock.Clock
	logger        zerolog.Logger
}

// NewClient builds a client from Options. Missing endpoints and timeouts
// get defaults; the breaker and limiter are always on.
func NewClient(opts Options) *Client {
	c := &Client{
		server:        strings.TrimRight(opts.ServerURL, "/"),
		plextv:        strings.TrimRight(opts.PlexTV, "/"),
		discover:      strings.TrimRight(opts.Discover, "/"),
		token:         opts.Token,
		tokens:        opts.Tokens,
		http:          httpx.NewClient(opts.Timeout),
		breaker:       resilience.NewCircuitBreaker("plex_server", 5, time.Minute),
		limiter:       ratelimit.NewUpstream("plextv", plexTVRate, 1),
		// Cleanup interval 0: no janitor goroutine, expired entries fall
		// out lazily. The memo holds a handful of keys for 30s; clients
		// are rebuilt on every run and would leak a janitor each time.
		memo:          gocache.New(memoTTL, 0),
		daysToMonitor: opts.DaysToMonitor,
		dataDir:       opts.DataDir,
		clk:           opts.Clock,
		logger:        log.WithComponent("plex"),
	}
	if c.plextv == "" {
		c.plextv = defaultPlexTV
	}
	if c.discover == "" {
		c.discover = defaultDiscover
	}
	if c.clk == nil {
		c.clk = clock.RealClock{}
	}
	if len(opts.ValidSections) > 0 {
		c.sections = make(map[int]struct{}, len(opts.ValidSections))
		for _, id := range opts.ValidSections {
			c.sections[id] = struct{}{}
		}
	}
	return c
}

// Wire shapes. Plex returns everything under a MediaContainer envelope when
// asked for JSON.
type metadataItem struct {
	RatingKey            string `json:"ratingKey"`
	GrandparentRatingKey string `json:"grandparentRatingKey"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	GrandparentTitle     string `json:"grandparentTitle"`
	ParentIndex          int    `json:"parentIndex"`
	Index                int    `json:"index"`
	Year                 int    `json:"year"`
	ViewOffset           int64  `json:"viewOffset"`
	ViewCount            int    `json:"viewCount"`
	LastViewedAt         int64  `json:"lastViewedAt"`
	AddedAt              int64  `json:"addedAt"`
	WatchlistedAt        int64  `json:"watchlistedAt"`
	LibrarySectionID     int    `json:"librarySectionID"`

	User *struct {
		Title string `json:"title"`
	} `json:"User,omitempty"`

	Media []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
}

type mediaContainer struct {
	MediaContainer struct {
		Size     int            `json:"size"`
		Metadata []metadataItem `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Client-Identifier", clientIdentifier)
	req.Header.Set("X-Plex-Product", productName)
	if token != "" {
		req.Header.Set("X-Plex-Token", token)
	}
}

// get fetches rawURL through the breaker, retrying once on a 429. Auth
// rejections pass through without counting against the breaker: a bad user
// token says nothing about server health.
func (c *Client) get(ctx context.Context, endpoint, rawURL, token string, out any) error {
	var reqErr error
	for attempt := 0; attempt < 2; attempt++ {
		brkErr := c.breaker.Execute(func() error {
			reqErr = c.doJSON(ctx, endpoint, rawURL, token, out)
			if reqErr == nil {
				return nil
			}
			if errors.Is(reqErr, ErrUnauthorized) || errors.Is(reqErr, ErrRateLimited) {
				return nil
			}
			return reqErr
		})
		if errors.Is(brkErr, resilience.ErrCircuitOpen) {
			metrics.IncPlexRequest(endpoint, "error")
			return &APIError{Sentinel: ErrUnavailable, Operation: endpoint, Err: brkErr}
		}
		if reqErr == nil {
			return nil
		}
		if errors.Is(reqErr, ErrRateLimited) && attempt == 0 {
			if err := c.sleep(ctx, retryAfter(reqErr)); err != nil {
				return reqErr
			}
			continue
		}
		return reqErr
	}
	return reqErr
}

func (c *Client) doJSON(ctx context.Context, endpoint, rawURL, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: endpoint, Err: err}
	}
	c.setHeaders(req, token)

	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			metrics.IncPlexRequest(endpoint, "timeout")
			return &APIError{Sentinel: ErrTimeout, Operation: endpoint, Err: err}
		}
		metrics.IncPlexRequest(endpoint, "error")
		return &APIError{Sentinel: ErrUnavailable, Operation: endpoint, Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if apiErr := classifyStatus(endpoint, res); apiErr != nil {
		switch {
		case errors.Is(apiErr, ErrUnauthorized):
			metrics.IncPlexRequest(endpoint, "unauthorized")
		default:
			metrics.IncPlexRequest(endpoint, "error")
		}
		return apiErr
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		metrics.IncPlexRequest(endpoint, "error")
		return &APIError{Sentinel: ErrBadResponse, Operation: endpoint, Err: err}
	}
	metrics.IncPlexRequest(endpoint, "success")
	return nil
}

// classifyStatus maps an HTTP status to a sentinel, or nil for 2xx.
func classifyStatus(endpoint string, res *http.Response) *APIError {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return &APIError{Sentinel: ErrUnauthorized, Operation: endpoint, Status: res.StatusCode}
	case res.StatusCode == http.StatusTooManyRequests:
		apiErr := &APIError{Sentinel: ErrRateLimited, Operation: endpoint, Status: res.StatusCode}
		if s := res.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	case res.StatusCode >= 500:
		return &APIError{Sentinel: ErrServerError, Operation: endpoint, Status: res.StatusCode}
	default:
		return &APIError{Sentinel: ErrBadResponse, Operation: endpoint, Status: res.StatusCode}
	}
}

func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > maxRateLimitWait {
			return maxRateLimitWait
		}
		return apiErr.RetryAfter
	}
	return 2 * time.Second
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(d):
		return nil
	}
}

// tokenFor resolves the token to use for a user's queries. The owner (and
// the fallback name for a degraded owner lookup) uses the configured token;
// everyone else needs a stored one.
func (c *Client) tokenFor(ctx context.Context, user string) (string, error) {
	owner, _ := c.ownerName(ctx)
	if user == "" || user == owner || user == ownerFallback {
		return c.token, nil
	}
	if c.tokens == nil {
		return "", fmt.Errorf("%w: %s", ErrNoToken, user)
	}
	return c.tokens.Token(user)
}

// ownerName resolves the server owner's username via plex.tv, cached for
// the process lifetime. On failure it returns the fallback name and the
// error so callers can degrade without losing the ability to proceed.
func (c *Client) ownerName(ctx context.Context) (string, error) {
	if v, ok := c.memo.Get(memoOwnerKey); ok {
		return v.(string), nil
	}
	v, err, _ := c.sf.Do(memoOwnerKey, func() (any, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var p struct {
			Username string `json:"username"`
			Title    string `json:"title"`
		}
		if err := c.get(ctx, "user", c.plextv+"/api/v2/user", c.token, &p); err != nil {
			return nil, err
		}
		name := p.Username
		if name == "" {
			name = p.Title
		}
		if name == "" {
			return nil, &APIError{Sentinel: ErrBadResponse, Operation: "user"}
		}
		c.memo.Set(memoOwnerKey, name, gocache.NoExpiration)
		return name, nil
	})
	if err != nil {
		return ownerFallback, err
	}
	return v.(string), nil
}

// Users returns the queryable usernames, owner first. On a degraded owner
// lookup the returned slice is still usable (fallback owner plus stored
// users) alongside the error, so a run can continue with incomplete data.
func (c *Client) Users(ctx context.Context) ([]string, error) {
	owner, err := c.ownerName(ctx)
	users := []string{owner}
	if c.tokens != nil {
		for _, u := range c.tokens.Users() {
			if u != owner {
				users = append(users, u)
			}
		}
	}
	return users, err
}

// OnDeck fetches the user's up-next queue from the server.
func (c *Client) OnDeck(ctx context.Context, user string) ([]Item, error) {
	token, err := c.tokenFor(ctx, user)
	if err != nil {
		return nil, err
	}

	var p mediaContainer
	if err := c.get(ctx, "ondeck", c.server+"/library/onDeck", token, &p); err != nil {
		c.handleAuthFailure(ctx, user, err)
		return nil, err
	}

	var cutoff time.Time
	if c.daysToMonitor > 0 {
		cutoff = c.clk.Now().AddDate(0, 0, -c.daysToMonitor)
	}

	var items []Item
	for _, md := range p.MediaContainer.Metadata {
		if !c.sectionAllowed(md.LibrarySectionID) {
			continue
		}
		if !cutoff.IsZero() {
			if idle := md.idleSince(); !idle.IsZero() && idle.Before(cutoff) {
				continue
			}
		}
		items = append(items, itemsFrom(md, user, true)...)
	}
	return items, nil
}

// NextEpisodes returns up to count episodes following item in its show.
func (c *Client) NextEpisodes(ctx context.Context, item Item, count int) ([]Item, error) {
	if count <= 0 || item.MediaType != media.TypeEpisode || item.ShowRatingKey == "" {
		return nil, nil
	}
	token, err := c.tokenFor(ctx, item.User)
	if err != nil {
		return nil, err
	}

	leaves, err := c.allLeaves(ctx, item.ShowRatingKey, token)
	if err != nil {
		return nil, err
	}

	start := -1
	for i, md := range leaves {
		if md.RatingKey == item.RatingKey {
			start = i
			break
		}
	}
	if start < 0 && item.Episode != nil {
		for i, md := range leaves {
			if md.ParentIndex == item.Episode.Season && md.Index == item.Episode.Episode {
				start = i
				break
			}
		}
	}
	if start < 0 {
		return nil, nil
	}

	var items []Item
	for _, md := range leaves[start+1:] {
		if len(items) >= count {
			break
		}
		items = append(items, itemsFrom(md, item.User, false)...)
	}
	if len(items) > count {
		items = items[:count]
	}
	return items, nil
}

// ActiveSessions lists playbacks in flight, queried with the owner token.
func (c *Client) ActiveSessions(ctx context.Context) ([]Session, error) {
	var p mediaContainer
	if err := c.get(ctx, "sessions", c.server+"/status/sessions", c.token, &p); err != nil {
		return nil, err
	}

	var sessions []Session
	for _, md := range p.MediaContainer.Metadata {
		user := ""
		if md.User != nil {
			user = md.User.Title
		}
		for _, m := range md.Media {
			for _, part := range m.Part {
				if part.File == "" {
					continue
				}
				sessions = append(sessions, Session{Path: part.File, User: user})
			}
		}
	}
	return sessions, nil
}

// allLeaves fetches every episode of a show in playback order, memoized per
// show so prefetch windows across users cost one request.
func (c *Client) allLeaves(ctx context.Context, showKey, token string) ([]metadataItem, error) {
	memoKey := "leaves:" + showKey
	if v, ok := c.memo.Get(memoKey); ok {
		return v.([]metadataItem), nil
	}
	v, err, _ := c.sf.Do(memoKey, func() (any, error) {
		var p mediaContainer
		u := c.server + "/library/metadata/" + url.PathEscape(showKey) + "/allLeaves"
		if err := c.get(ctx, "all_leaves", u, token, &p); err != nil {
			return nil, err
		}
		c.memo.Set(memoKey, p.MediaContainer.Metadata, gocache.DefaultExpiration)
		return p.MediaContainer.Metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]metadataItem), nil
}

// handleAuthFailure drops a shared user's stored token on 401/403. The
// owner token is configuration, never invalidated here.
func (c *Client) handleAuthFailure(ctx context.Context, user string, err error) {
	if !errors.Is(err, ErrUnauthorized) || c.tokens == nil {
		return
	}
	owner, _ := c.ownerName(ctx)
	if user == "" || user == owner || user == ownerFallback {
		return
	}
	if invErr := c.tokens.Invalidate(user); invErr != nil {
		c.logger.Warn().Err(invErr).
			Str("event", "plex.token_invalidate_failed").
			Str(log.FieldUser, user).
			Msg("could not persist token invalidation")
	}
}

func (c *Client) sectionAllowed(id int) bool {
	if c.sections == nil || id == 0 {
		return true
	}
	_, ok := c.sections[id]
	return ok
}

// idleSince reports when the user last interacted with the item: previous
// episode watch time, else library add time. Zero when the server reports
// neither.
func (md metadataItem) idleSince() time.Time {
	if md.LastViewedAt > 0 {
		return time.Unix(md.LastViewedAt, 0)
	}
	if md.AddedAt > 0 {
		return time.Unix(md.AddedAt, 0)
	}
	return time.Time{}
}

// itemsFrom expands one metadata entry into Items, one per file part.
func itemsFrom(md metadataItem, user string, currentOnDeck bool) []Item {
	var ep *media.EpisodeInfo
	mediaType := ""
	switch md.Type {
	case "episode":
		mediaType = media.TypeEpisode
		ep = &media.EpisodeInfo{
			Show:            md.GrandparentTitle,
			Season:          md.ParentIndex,
			Episode:         md.Index,
			IsCurrentOnDeck: currentOnDeck,
		}
	case "movie":
		mediaType = media.TypeMovie
	default:
		return nil
	}

	var items []Item
	for _, m := range md.Media {
		for _, part := range m.Part {
			if part.File == "" {
				continue
			}
			item := Item{
				Path:            part.File,
				RatingKey:       md.RatingKey,
				MediaType:       mediaType,
				User:            user,
				ShowRatingKey:   md.GrandparentRatingKey,
				ViewOffset:      time.Duration(md.ViewOffset) * time.Millisecond,
				IsCurrentOnDeck: currentOnDeck && md.Type == "episode",
			}
			if ep != nil {
				epCopy := *ep
				item.Episode = &epCopy
			}
			items = append(items, item)
		}
	}
	return items
}
