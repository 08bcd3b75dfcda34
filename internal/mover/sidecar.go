// SPDX-License-Identifier: MIT

package mover

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/StudioNirin/plexcache-r/internal/media"
)

// SidecarSuffix marks the array-side backup of a cached file. Renaming the
// sidecar back to its original name is what makes caching reversible.
const SidecarSuffix = ".plexcached"

// SidecarPath returns the backup location for an array file.
func SidecarPath(arrayPath string) string { return arrayPath + SidecarSuffix }

// IsSidecar reports whether name carries the backup suffix.
func IsSidecar(name string) bool { return strings.HasSuffix(name, SidecarSuffix) }

// TrimSidecar strips the backup suffix, returning the original file name.
func TrimSidecar(name string) string { return strings.TrimSuffix(name, SidecarSuffix) }

// RenameVerified renames from → to and then verifies the result the way a
// FUSE overlay demands: stat the new name, and confirm it in the parent's
// directory listing. Unraid's user-space overlay has been seen reporting a
// successful rename while a stale cache entry still answers for the old
// name, so the old name is never consulted for truth here. directProbe, when
// not empty, is the union-bypassing view of the new name and is checked too.
func RenameVerified(from, to, directProbe string) error {
	if err := os.Rename(from, to); err != nil {
		return err
	}

	if _, err := os.Lstat(to); err != nil {
		return fmt.Errorf("rename verification failed for %s: %w", to, err)
	}

	entries, err := os.ReadDir(filepath.Dir(to))
	if err == nil {
		found := false
		base := filepath.Base(to)
		for _, e := range entries {
			if e.Name() == base {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("rename verification failed: %s missing from directory listing", to)
		}
	}

	if directProbe != "" && directProbe != to {
		if _, err := os.Lstat(directProbe); err != nil {
			return fmt.Errorf("rename verification failed on direct path %s: %w", directProbe, err)
		}
	}
	return nil
}

// findUpgradeSidecar scans dir for a sidecar belonging to a different file
// with the same media identity as newName: the leftover of a quality
// upgrade that changed the file name. Episodes match by parsed position,
// movies by cleaned title.
func findUpgradeSidecar(dir, newName string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	newEpisode, newIsEpisode := media.ParseEpisodePath(newName)
	newIdentity := media.MovieIdentity(newName)

	for _, e := range entries {
		name := e.Name()
		if !IsSidecar(name) {
			continue
		}
		original := TrimSidecar(name)
		if original == newName {
			continue
		}
		if newIsEpisode {
			if oldEpisode, ok := media.ParseEpisodePath(original); ok && oldEpisode.Season == newEpisode.Season && oldEpisode.Episode == newEpisode.Episode {
				return filepath.Join(dir, name), true
			}
			continue
		}
		if media.MovieIdentity(original) == newIdentity {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}
