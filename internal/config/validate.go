// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate checks the settings for a normal caching run. It returns the
// first hard error; soft problems are left to the components that own them.
func Validate(s Settings) error {
	if strings.TrimSpace(s.PlexURL) == "" {
		return fmt.Errorf("PLEX_URL is empty")
	}
	u, err := url.Parse(s.PlexURL)
	if err != nil {
		return fmt.Errorf("invalid PLEX_URL %q: %w", s.PlexURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported PLEX_URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("PLEX_URL %q is missing host", s.PlexURL)
	}
	if strings.TrimSpace(s.PlexToken) == "" {
		return fmt.Errorf("PLEX_TOKEN is empty")
	}

	enabled := 0
	for i, m := range s.PathMappings {
		if !m.Enabled {
			continue
		}
		enabled++
		if !filepath.IsAbs(m.PlexPath) || !filepath.IsAbs(m.RealPath) {
			return fmt.Errorf("path_mappings[%d] (%s): plex_path and real_path must be absolute", i, m.Name)
		}
		if m.Cacheable && !filepath.IsAbs(m.CachePath) {
			return fmt.Errorf("path_mappings[%d] (%s): cacheable mapping needs an absolute cache_path", i, m.Name)
		}
		if m.HostCachePath != "" && !filepath.IsAbs(m.HostCachePath) {
			return fmt.Errorf("path_mappings[%d] (%s): host_cache_path must be absolute", i, m.Name)
		}
	}
	if enabled == 0 {
		return ErrNoMappings
	}

	switch s.CacheEvictionMode {
	case EvictionSmart, EvictionFIFO, EvictionNone:
	default:
		return fmt.Errorf("cache_eviction_mode %q is not one of smart, fifo, none", s.CacheEvictionMode)
	}
	if s.CacheEvictionThresholdPercent < 1 || s.CacheEvictionThresholdPercent > 100 {
		return fmt.Errorf("cache_eviction_threshold_percent %d out of range [1,100]", s.CacheEvictionThresholdPercent)
	}
	if s.EvictionMinPriority < 0 || s.EvictionMinPriority > 100 {
		return fmt.Errorf("eviction_min_priority %d out of range [0,100]", s.EvictionMinPriority)
	}

	switch s.HardlinkedFiles {
	case HardlinkSkip, HardlinkMove:
	default:
		return fmt.Errorf("hardlinked_files %q is not one of skip, move", s.HardlinkedFiles)
	}

	switch s.NotificationType {
	case NotifyNone, NotifySystem, NotifyWebhook, NotifyBoth:
	default:
		return fmt.Errorf("notification_type %q is not one of none, system, webhook, both", s.NotificationType)
	}
	if (s.NotificationType == NotifyWebhook || s.NotificationType == NotifyBoth) && s.WebhookURL == "" {
		return fmt.Errorf("notification_type %q requires webhook_url", s.NotificationType)
	}

	for _, expr := range []string{s.CacheDriveSize, s.CacheLimit, s.MinFreeSpace, s.PlexcacheQuota} {
		if expr == "" {
			continue
		}
		// A trial total keeps percent forms checkable without a real drive.
		if _, err := ParseSize(expr, 1<<40); err != nil {
			return err
		}
	}

	if s.NumberEpisodes < 0 {
		return fmt.Errorf("number_episodes must be >= 0")
	}
	if s.DaysToMonitor <= 0 {
		return fmt.Errorf("days_to_monitor must be > 0")
	}

	return nil
}
