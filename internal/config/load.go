// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/StudioNirin/plexcache-r/internal/log"
)

// Load reads, migrates, and validates the settings file at path. The file is
// JSON unless its extension is .yml/.yaml. Environment variables under
// PLEXCACHE_* override file values. A missing file yields defaults (the
// caller decides whether that is acceptable).
func Load(path string) (Settings, error) {
	s := Default()

	expanded, err := homedir.Expand(path)
	if err != nil {
		return s, fmt.Errorf("expand config path: %w", err)
	}
	path = expanded

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&s)
			return s, ErrNoSettingsFile
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	migrated, changed, err := migrateLegacy(raw, isYAML(path))
	if err != nil {
		return s, err
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(migrated, &s); err != nil {
			return s, fmt.Errorf("parse settings (yaml): %w", err)
		}
	} else {
		if err := json.Unmarshal(migrated, &s); err != nil {
			return s, fmt.Errorf("parse settings (json): %w", err)
		}
	}

	if changed {
		l := log.WithComponent("config")
		l.Info().
			Str("event", "config.migrated").
			Str(log.FieldPath, path).
			Msg("legacy settings keys migrated")
		if err := Save(path, s); err != nil {
			// Migration still applied in memory; persisting it is best effort.
			l.Warn().Err(err).
				Str("event", "config.migrate_save_failed").
				Msg("could not rewrite migrated settings")
		}
	}

	applyEnvOverrides(&s)
	normalize(&s)
	return s, nil
}

// Save atomically rewrites the settings file. JSON files keep two-space
// indentation so the file stays hand-editable.
func Save(path string, s Settings) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(s)
	} else {
		data, err = json.MarshalIndent(s, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// normalize trims trailing slashes off mapping prefixes and fills derived
// fields so the rest of the program never re-checks them.
func normalize(s *Settings) {
	for i := range s.PathMappings {
		m := &s.PathMappings[i]
		m.PlexPath = trimPrefixSlash(m.PlexPath)
		m.RealPath = trimPrefixSlash(m.RealPath)
		m.CachePath = trimPrefixSlash(m.CachePath)
		m.HostCachePath = trimPrefixSlash(m.HostCachePath)
		if m.HostCachePath == "" {
			m.HostCachePath = m.CachePath
		}
	}
	if s.HardlinkedFiles == "" {
		s.HardlinkedFiles = HardlinkSkip
	}
	if s.CacheEvictionMode == "" {
		s.CacheEvictionMode = EvictionNone
	}
	if s.NotificationType == "" {
		s.NotificationType = NotifyNone
	}
	if s.MaxConcurrentMovesCache <= 0 {
		s.MaxConcurrentMovesCache = 1
	}
	if s.MaxConcurrentMovesArray <= 0 {
		s.MaxConcurrentMovesArray = 1
	}
}

func trimPrefixSlash(p string) string {
	if p == "" || p == "/" {
		return p
	}
	return strings.TrimRight(p, "/")
}

func applyEnvOverrides(s *Settings) {
	if v, ok := envString("PLEXCACHE_PLEX_URL"); ok {
		s.PlexURL = v
	}
	if v, ok := envString("PLEXCACHE_PLEX_TOKEN"); ok {
		s.PlexToken = v
	}
	if v, ok := envString("PLEXCACHE_DATA_DIR"); ok {
		s.DataDir = v
	}
	if v, ok := envString("PLEXCACHE_LOG_LEVEL"); ok {
		s.LogLevel = v
	}
	if v, ok := envString("PLEXCACHE_CACHE_DRIVE"); ok {
		s.CacheDrivePath = v
	}
	if v, ok := envString("PLEXCACHE_MOVER_EXCLUDE_FILE"); ok {
		s.MoverExcludeFile = v
	}
	if v, ok := envString("PLEXCACHE_LISTEN"); ok {
		s.API.ListenAddr = v
	}
	if v, ok := envString("PLEXCACHE_API_TOKEN"); ok {
		s.API.Token = v
	}
	if v, ok := envString("PLEXCACHE_METRICS_LISTEN"); ok {
		s.Metrics.ListenAddr = v
	}
	if v, ok := envString("PLEXCACHE_SCHEDULE"); ok {
		s.ScheduleInterval = v
	}
	if v, ok := envInt("PLEXCACHE_MAX_MOVES_CACHE"); ok {
		s.MaxConcurrentMovesCache = v
	}
	if v, ok := envInt("PLEXCACHE_MAX_MOVES_ARRAY"); ok {
		s.MaxConcurrentMovesArray = v
	}
}

func envString(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	v, ok := envString(key)
	if !ok {
		return 0, false
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return out, true
}
