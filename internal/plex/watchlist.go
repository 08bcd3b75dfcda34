// SPDX-License-Identifier: MIT

package plex

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/metrics"
)

// RSSCacheFileName is the stale-feed fallback under the data directory.
const RSSCacheFileName = "rss_cache.json"

// rssUser attributes remote-feed items in trackers and activity events.
// Feed URLs do not reveal which friend watchlisted what.
const rssUser = "rss"

const rssAttempts = 3

var titleYearRe = regexp.MustCompile(`\s*\((\d{4})\)\s*$`)

// Watchlist returns the user's watchlist resolved to local library files.
func (c *Client) Watchlist(ctx context.Context, user string, episodeLimit int) ([]Item, error) {
	token, err := c.tokenFor(ctx, user)
	if err != nil {
		return nil, err
	}

	entries, err := c.fetchWatchlist(ctx, user, token)
	if err != nil {
		c.handleAuthFailure(ctx, user, err)
		return nil, err
	}

	var items []Item
	for _, entry := range entries {
		var watchlistedAt time.Time
		if entry.WatchlistedAt > 0 {
			watchlistedAt = time.Unix(entry.WatchlistedAt, 0)
		}
		title, year := splitTitleYear(entry.Title)
		if entry.Year != 0 {
			year = entry.Year
		}
		items = append(items, c.resolveTitle(ctx, title, year, entry.Type, watchlistedAt, user, token, episodeLimit)...)
	}
	return items, nil
}

// RemoteWatchlist resolves a shared RSS feed to local files. Fetches retry
// with exponential backoff; when every attempt fails the last successful
// feed content is served from the on-disk cache.
func (c *Client) RemoteWatchlist(ctx context.Context, feedURL string, episodeLimit int) ([]Item, error) {
	titles, err := c.fetchRSS(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, t := range titles {
		title, year := splitTitleYear(t.Title)
		items = append(items, c.resolveTitle(ctx, title, year, t.Category, t.PubDate, rssUser, c.token, episodeLimit)...)
	}
	return items, nil
}

// fetchWatchlist pulls the raw watchlist from the discover service, rate
// limited, deduped, and memoized: the runner and the status API may ask for
// the same user within one window.
func (c *Client) fetchWatchlist(ctx context.Context, user, token string) ([]metadataItem, error) {
	memoKey := "watchlist:" + user
	if v, ok := c.memo.Get(memoKey); ok {
		return v.([]metadataItem), nil
	}
	v, err, _ := c.sf.Do(memoKey, func() (any, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var p mediaContainer
		u := c.discover + "/library/sections/watchlist/all"
		if err := c.get(ctx, "watchlist", u, token, &p); err != nil {
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

// resolveTitle finds local files for one watchlisted title. kind is
// "movie", "show", or empty when the source (RSS) did not say.
func (c *Client) resolveTitle(ctx context.Context, title string, year int, kind string, watchlistedAt time.Time, user, token string, episodeLimit int) []Item {
	if title == "" {
		return nil
	}
	if episodeLimit <= 0 {
		episodeLimit = 1
	}

	results, err := c.searchLibrary(ctx, title, token)
	if err != nil {
		c.logger.Debug().Err(err).
			Str("event", "plex.watchlist_resolve_failed").
			Str("title", title).
			Msg("library search failed, skipping title")
		return nil
	}

	for _, md := range results {
		if !titleMatch(md.Title, title) || !c.sectionAllowed(md.LibrarySectionID) {
			continue
		}
		switch md.Type {
		case "movie":
			if kind != "" && kind != "movie" {
				continue
			}
			if year != 0 && md.Year != 0 && md.Year != year {
				continue
			}
			items := itemsFrom(md, user, false)
			for i := range items {
				items[i].WatchlistedAt = watchlistedAt
			}
			return items
		case "show":
			if kind != "" && kind != "show" {
				continue
			}
			return c.unwatchedEpisodes(ctx, md.RatingKey, token, user, watchlistedAt, episodeLimit)
		}
	}
	return nil
}

// unwatchedEpisodes returns the first few unwatched episodes of a show, in
// playback order.
func (c *Client) unwatchedEpisodes(ctx context.Context, showKey, token, user string, watchlistedAt time.Time, limit int) []Item {
	leaves, err := c.allLeaves(ctx, showKey, token)
	if err != nil {
		c.logger.Debug().Err(err).
			Str("event", "plex.watchlist_leaves_failed").
			Str("show", showKey).
			Msg("episode listing failed, skipping show")
		return nil
	}

	var items []Item
	episodes := 0
	for _, leaf := range leaves {
		if leaf.ViewCount > 0 {
			continue
		}
		eps := itemsFrom(leaf, user, false)
		if len(eps) == 0 {
			continue
		}
		for i := range eps {
			eps[i].WatchlistedAt = watchlistedAt
		}
		items = append(items, eps...)
		episodes++
		if episodes >= limit {
			break
		}
	}
	return items
}

// searchLibrary queries the server's search endpoint, memoized per title.
func (c *Client) searchLibrary(ctx context.Context, title, token string) ([]metadataItem, error) {
	memoKey := "search:" + strings.ToLower(title)
	if v, ok := c.memo.Get(memoKey); ok {
		return v.([]metadataItem), nil
	}
	v, err, _ := c.sf.Do(memoKey, func() (any, error) {
		var p mediaContainer
		u := c.server + "/search?query=" + url.QueryEscape(title)
		if err := c.get(ctx, "search", u, token, &p); err != nil {
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

type rssTitle struct {
	Title    string    `json:"title"`
	Category string    `json:"category,omitempty"`
	PubDate  time.Time `json:"pub_date,omitempty"`
}

type rssCacheEntry struct {
	FetchedAt time.Time  `json:"fetched_at"`
	Titles    []rssTitle `json:"titles"`
}

type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []struct {
			Title    string `xml:"title"`
			Category string `xml:"category"`
			PubDate  string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

func (c *Client) fetchRSS(ctx context.Context, feedURL string) ([]rssTitle, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < rssAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		titles, err := c.fetchRSSOnce(ctx, feedURL)
		if err == nil {
			c.storeRSSCache(feedURL, titles)
			return titles, nil
		}
		lastErr = err
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadResponse) {
			break
		}
	}

	if titles, ok := c.readRSSCache(feedURL); ok {
		c.logger.Warn().Err(lastErr).
			Str("event", "plex.rss_stale").
			Str("url", feedURL).
			Msg("feed unreachable, using last cached titles")
		return titles, nil
	}
	return nil, lastErr
}

func (c *Client) fetchRSSOnce(ctx context.Context, feedURL string) ([]rssTitle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "rss", Err: err}
	}
	c.setHeaders(req, "")

	res, err := c.http.Do(req)
	if err != nil {
		metrics.IncPlexRequest("rss", "error")
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: "rss", Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if apiErr := classifyStatus("rss", res); apiErr != nil {
		metrics.IncPlexRequest("rss", "error")
		return nil, apiErr
	}

	var feed rssFeed
	if err := xml.NewDecoder(res.Body).Decode(&feed); err != nil {
		metrics.IncPlexRequest("rss", "error")
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "rss", Err: err}
	}
	metrics.IncPlexRequest("rss", "success")

	titles := make([]rssTitle, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		t := rssTitle{Title: item.Title, Category: strings.ToLower(item.Category)}
		if item.PubDate != "" {
			if at, perr := time.Parse(time.RFC1123Z, item.PubDate); perr == nil {
				t.PubDate = at
			}
		}
		titles = append(titles, t)
	}
	return titles, nil
}

func (c *Client) rssCachePath() string {
	if c.dataDir == "" {
		return ""
	}
	return filepath.Join(c.dataDir, RSSCacheFileName)
}

func (c *Client) storeRSSCache(feedURL string, titles []rssTitle) {
	path := c.rssCachePath()
	if path == "" {
		return
	}

	cache := map[string]rssCacheEntry{}
	if raw, err := os.ReadFile(path); err == nil {
		// A corrupt cache is rebuilt from this write.
		_ = json.Unmarshal(raw, &cache)
	}
	cache[feedURL] = rssCacheEntry{FetchedAt: c.clk.Now().UTC(), Titles: titles}

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		c.logger.Warn().Err(err).
			Str("event", "plex.rss_cache_write_failed").
			Str(log.FieldPath, path).
			Msg("could not persist feed cache")
	}
}

func (c *Client) readRSSCache(feedURL string) ([]rssTitle, bool) {
	path := c.rssCachePath()
	if path == "" {
		return nil, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	cache := map[string]rssCacheEntry{}
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, false
	}
	entry, ok := cache[feedURL]
	if !ok || len(entry.Titles) == 0 {
		return nil, false
	}
	return entry.Titles, true
}

func titleMatch(a, b string) bool {
	stripped, _ := splitTitleYear(a)
	return strings.EqualFold(strings.TrimSpace(stripped), strings.TrimSpace(b))
}

// splitTitleYear peels a trailing "(1999)" off a display title.
func splitTitleYear(s string) (string, int) {
	m := titleYearRe.FindStringSubmatch(s)
	if m == nil {
		return strings.TrimSpace(s), 0
	}
	year := 0
	_, _ = fmt.Sscanf(m[1], "%d", &year)
	return strings.TrimSpace(strings.TrimSuffix(s, m[0])), year
}
