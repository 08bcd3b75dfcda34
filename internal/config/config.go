// SPDX-License-Identifier: MIT

// Package config provides configuration management for plexcache.
//
// The settings file is JSON (the historical format); files with a .yml or
// .yaml extension parse into the same shape. Key names mirror the legacy
// settings file, so PLEX_URL and PLEX_TOKEN keep their original spelling
// while everything newer is snake_case.
package config

import (
	"time"
)

// Eviction modes for the cache eviction engine.
const (
	EvictionSmart = "smart"
	EvictionFIFO  = "fifo"
	EvictionNone  = "none"
)

// Hard-link handling policies for the tier mover.
const (
	HardlinkSkip = "skip"
	HardlinkMove = "move"
)

// Notification backends.
const (
	NotifyNone    = "none"
	NotifySystem  = "system"
	NotifyWebhook = "webhook"
	NotifyBoth    = "both"
)

// PathMapping describes one library location across the three path
// namespaces. PlexPath is the prefix as the media server reports it,
// RealPath the same location on the host filesystem, CachePath the
// fast-tier destination. HostCachePath differs from CachePath only when
// plexcache runs inside a container with remapped volumes; the bulk mover
// outside the container needs the host-side view.
type PathMapping struct {
	Name          string `json:"name" yaml:"name"`
	PlexPath      string `json:"plex_path" yaml:"plex_path"`
	RealPath      string `json:"real_path" yaml:"real_path"`
	CachePath     string `json:"cache_path,omitempty" yaml:"cache_path,omitempty"`
	HostCachePath string `json:"host_cache_path,omitempty" yaml:"host_cache_path,omitempty"`
	Cacheable     bool   `json:"cacheable" yaml:"cacheable"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// APIConfig holds the status API listener settings.
type APIConfig struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	RateLimit  int    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // requests/min per IP
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Enabled    *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ExporterType string  `json:"exporter_type,omitempty" yaml:"exporter_type,omitempty"` // "grpc" or "http"
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
	Environment  string  `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Settings is the full settings-file shape.
type Settings struct {
	PlexURL   string `json:"PLEX_URL" yaml:"PLEX_URL"`
	PlexToken string `json:"PLEX_TOKEN" yaml:"PLEX_TOKEN"`

	// UserTokens seeds the persistent token store; tokens learned at runtime
	// survive in data/user_tokens.json even when removed here.
	UserTokens  map[string]string `json:"user_tokens,omitempty" yaml:"user_tokens,omitempty"`
	UsersToggle bool              `json:"users_toggle" yaml:"users_toggle"`
	SkipUsers   []string          `json:"skip_users,omitempty" yaml:"skip_users,omitempty"`

	PathMappings  []PathMapping `json:"path_mappings" yaml:"path_mappings"`
	ValidSections []int         `json:"valid_sections,omitempty" yaml:"valid_sections,omitempty"`

	NumberEpisodes int `json:"number_episodes" yaml:"number_episodes"`
	DaysToMonitor  int `json:"days_to_monitor" yaml:"days_to_monitor"`

	WatchlistToggle       bool   `json:"watchlist_toggle" yaml:"watchlist_toggle"`
	WatchlistEpisodes     int    `json:"watchlist_episodes" yaml:"watchlist_episodes"`
	RemoteWatchlistToggle bool   `json:"remote_watchlist_toggle" yaml:"remote_watchlist_toggle"`
	RemoteWatchlistRSSURL string `json:"remote_watchlist_rss_url,omitempty" yaml:"remote_watchlist_rss_url,omitempty"`

	WatchedMove            bool    `json:"watched_move" yaml:"watched_move"`
	CacheRetentionHours    float64 `json:"cache_retention_hours" yaml:"cache_retention_hours"`
	WatchlistRetentionDays float64 `json:"watchlist_retention_days" yaml:"watchlist_retention_days"`
	OnDeckRetentionDays    float64 `json:"ondeck_retention_days" yaml:"ondeck_retention_days"`

	// Size expressions: plain bytes, humanized ("200GB", "1.5TiB"), or "N%"
	// of the cache drive total. Resolved at runtime.
	CacheDriveSize string `json:"cache_drive_size,omitempty" yaml:"cache_drive_size,omitempty"`
	CacheLimit     string `json:"cache_limit,omitempty" yaml:"cache_limit,omitempty"`
	MinFreeSpace   string `json:"min_free_space,omitempty" yaml:"min_free_space,omitempty"`
	PlexcacheQuota string `json:"plexcache_quota,omitempty" yaml:"plexcache_quota,omitempty"`

	CacheEvictionMode             string `json:"cache_eviction_mode" yaml:"cache_eviction_mode"`
	CacheEvictionThresholdPercent int    `json:"cache_eviction_threshold_percent" yaml:"cache_eviction_threshold_percent"`
	EvictionMinPriority           int    `json:"eviction_min_priority" yaml:"eviction_min_priority"`

	CreatePlexcachedBackups bool   `json:"create_plexcached_backups" yaml:"create_plexcached_backups"`
	HardlinkedFiles         string `json:"hardlinked_files" yaml:"hardlinked_files"`
	CleanupEmptyFolders     bool   `json:"cleanup_empty_folders" yaml:"cleanup_empty_folders"`
	UseSymlinks             bool   `json:"use_symlinks" yaml:"use_symlinks"`
	ExitIfActiveSession     bool   `json:"exit_if_active_session" yaml:"exit_if_active_session"`

	MaxConcurrentMovesCache int `json:"max_concurrent_moves_cache" yaml:"max_concurrent_moves_cache"`
	MaxConcurrentMovesArray int `json:"max_concurrent_moves_array" yaml:"max_concurrent_moves_array"`

	// Literal directory names or doublestar globs skipped during recursive
	// scans, in addition to the always-skipped dot directories.
	ExcludedFolders []string `json:"excluded_folders,omitempty" yaml:"excluded_folders,omitempty"`

	ActivityRetentionHours int `json:"activity_retention_hours" yaml:"activity_retention_hours"`

	NotificationType string   `json:"notification_type,omitempty" yaml:"notification_type,omitempty"`
	UnraidLevels     []string `json:"unraid_levels,omitempty" yaml:"unraid_levels,omitempty"`
	WebhookLevels    []string `json:"webhook_levels,omitempty" yaml:"webhook_levels,omitempty"`
	WebhookURL       string   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`

	// Ambient daemon settings.
	DataDir          string          `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	LogLevel         string          `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	CacheDrivePath   string          `json:"cache_drive_path,omitempty" yaml:"cache_drive_path,omitempty"`
	MoverExcludeFile string          `json:"mover_exclude_file,omitempty" yaml:"mover_exclude_file,omitempty"`
	ScheduleInterval string          `json:"schedule_interval,omitempty" yaml:"schedule_interval,omitempty"`
	API              APIConfig       `json:"api,omitempty" yaml:"api,omitempty"`
	Metrics          MetricsConfig   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Telemetry        TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// Default returns the settings applied before the file and environment are read.
func Default() Settings {
	return Settings{
		NumberEpisodes:                5,
		DaysToMonitor:                 99,
		UsersToggle:                   true,
		WatchlistToggle:               true,
		WatchlistEpisodes:             1,
		WatchedMove:                   true,
		CacheRetentionHours:           24,
		WatchlistRetentionDays:        30,
		OnDeckRetentionDays:           30,
		CacheEvictionMode:             EvictionSmart,
		CacheEvictionThresholdPercent: 90,
		EvictionMinPriority:           60,
		CreatePlexcachedBackups:       true,
		HardlinkedFiles:               HardlinkSkip,
		CleanupEmptyFolders:           true,
		MaxConcurrentMovesCache:       3,
		MaxConcurrentMovesArray:       2,
		ActivityRetentionHours:        72,
		NotificationType:              NotifyNone,
		DataDir:                       "data",
		CacheDrivePath:                "/mnt/cache",
		ScheduleInterval:              "1h",
		API:                           APIConfig{ListenAddr: ":9480", RateLimit: 120},
		Metrics:                       MetricsConfig{ListenAddr: ":9481"},
		Telemetry:                     TelemetryConfig{ExporterType: "grpc", SamplingRate: 1.0},
	}
}

// Interval parses ScheduleInterval, falling back to one hour.
func (s Settings) Interval() time.Duration {
	d, err := time.ParseDuration(s.ScheduleInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// MetricsEnabled reports whether the metrics listener should start.
func (s Settings) MetricsEnabled() bool {
	if s.Metrics.Enabled != nil {
		return *s.Metrics.Enabled
	}
	return s.Metrics.ListenAddr != ""
}

// MetricsOnAPIListener reports whether /metrics should be mounted on the
// status API router instead of its own listener: metrics explicitly on,
// no dedicated address configured.
func (s Settings) MetricsOnAPIListener() bool {
	return s.Metrics.Enabled != nil && *s.Metrics.Enabled && s.Metrics.ListenAddr == ""
}

// CacheRetention returns the cache retention window as a duration.
func (s Settings) CacheRetention() time.Duration {
	return time.Duration(s.CacheRetentionHours * float64(time.Hour))
}

// OnDeckRetention returns the per-user OnDeck expiry as a duration.
func (s Settings) OnDeckRetention() time.Duration {
	return time.Duration(s.OnDeckRetentionDays * 24 * float64(time.Hour))
}

// WatchlistRetention returns the watchlist expiry as a duration. Fractional
// days are accepted (useful in tests).
func (s Settings) WatchlistRetention() time.Duration {
	return time.Duration(s.WatchlistRetentionDays * 24 * float64(time.Hour))
}

// ActivityRetention returns the activity-log horizon as a duration.
func (s Settings) ActivityRetention() time.Duration {
	return time.Duration(s.ActivityRetentionHours) * time.Hour
}
