// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Legacy settings keys from the v1 script era. plex_source / real_source /
// cache_dir plus the two parallel *_library_folders lists described one
// mapping per folder; watched_cache_expiry was counted in days.
const (
	legacyPlexSource     = "plex_source"
	legacyRealSource     = "real_source"
	legacyCacheDir       = "cache_dir"
	legacyPlexLibraries  = "plex_library_folders"
	legacyNASLibraries   = "nas_library_folders"
	legacyWatchedExpiry  = "watched_cache_expiry"
	legacyFirstStart     = "firststart"
	legacySkipOnDeck     = "skip_ondeck"
	legacySkipWatchlist  = "skip_watchlist"
	legacyUnraidMoverBin = "unraid"
)

// migrateLegacy rewrites v1-era keys into the current shape. It operates on
// the raw document so unknown keys survive untouched. The boolean result
// reports whether anything changed (the caller persists the rewrite).
func migrateLegacy(raw []byte, asYAML bool) ([]byte, bool, error) {
	doc := map[string]any{}
	if asYAML {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, false, fmt.Errorf("parse settings (yaml): %w", err)
		}
	} else {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, false, fmt.Errorf("parse settings (json): %w", err)
		}
	}

	changed := false

	// watched_cache_expiry (days) -> cache_retention_hours.
	if v, ok := doc[legacyWatchedExpiry]; ok {
		if _, exists := doc["cache_retention_hours"]; !exists {
			if days, ok := toFloat(v); ok {
				doc["cache_retention_hours"] = days * 24
			}
		}
		delete(doc, legacyWatchedExpiry)
		changed = true
	}

	// plex_source/real_source/cache_dir + library folder lists -> path_mappings.
	if _, exists := doc["path_mappings"]; !exists {
		if mappings := synthesizeMappings(doc); len(mappings) > 0 {
			doc["path_mappings"] = mappings
			changed = true
		}
	}
	for _, k := range []string{legacyPlexSource, legacyRealSource, legacyCacheDir, legacyPlexLibraries, legacyNASLibraries} {
		if _, ok := doc[k]; ok {
			delete(doc, k)
			changed = true
		}
	}

	// Obsolete toggles with no modern equivalent.
	for _, k := range []string{legacyFirstStart, legacySkipOnDeck, legacySkipWatchlist, legacyUnraidMoverBin} {
		if _, ok := doc[k]; ok {
			delete(doc, k)
			changed = true
		}
	}

	if !changed {
		return raw, false, nil
	}

	var (
		out []byte
		err error
	)
	if asYAML {
		out, err = yaml.Marshal(doc)
	} else {
		out, err = json.Marshal(doc)
	}
	if err != nil {
		return nil, false, fmt.Errorf("re-encode migrated settings: %w", err)
	}
	return out, true, nil
}

// synthesizeMappings builds path_mappings from the v1 triple. The two
// library-folder lists are parallel; when they disagree in length the NAS
// name doubles as the plex name.
func synthesizeMappings(doc map[string]any) []map[string]any {
	plexSource, _ := doc[legacyPlexSource].(string)
	realSource, _ := doc[legacyRealSource].(string)
	cacheDir, _ := doc[legacyCacheDir].(string)
	if plexSource == "" || realSource == "" {
		return nil
	}

	plexLibs := toStrings(doc[legacyPlexLibraries])
	nasLibs := toStrings(doc[legacyNASLibraries])
	if len(nasLibs) == 0 {
		nasLibs = plexLibs
	}
	if len(nasLibs) == 0 {
		// A sourced pair with no folder lists still describes one mapping.
		m := map[string]any{
			"name":      "library",
			"plex_path": strings.TrimRight(plexSource, "/"),
			"real_path": strings.TrimRight(realSource, "/"),
			"cacheable": cacheDir != "",
			"enabled":   true,
		}
		if cacheDir != "" {
			m["cache_path"] = strings.TrimRight(cacheDir, "/")
		}
		return []map[string]any{m}
	}

	out := make([]map[string]any, 0, len(nasLibs))
	for i, nas := range nasLibs {
		plexName := nas
		if i < len(plexLibs) {
			plexName = plexLibs[i]
		}
		m := map[string]any{
			"name":      nas,
			"plex_path": joinPrefix(plexSource, plexName),
			"real_path": joinPrefix(realSource, nas),
			"cacheable": cacheDir != "",
			"enabled":   true,
		}
		if cacheDir != "" {
			m["cache_path"] = joinPrefix(cacheDir, nas)
		}
		out = append(out, m)
	}
	return out
}

func joinPrefix(root, name string) string {
	return strings.TrimRight(root, "/") + "/" + strings.Trim(name, "/")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
