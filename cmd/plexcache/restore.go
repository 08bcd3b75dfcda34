// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/StudioNirin/plexcache-r/internal/config"
	"github.com/StudioNirin/plexcache-r/internal/mover"
)

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "restore-plexcached",
		Short: "Rename every .plexcached sidecar back to its original name",
		Long: "Walks the array trees of every enabled path mapping and renames each .plexcached backup back, dropping symlinks that point at the doomed cache copies first. This is the emergency exit: it needs nothing but the filesystem, so it works when the trackers, the exclude list, or the media server do not.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Validation is deliberately skipped: the emergency path must
			// work on a half-broken config as long as mappings exist.
			s, err := config.Load(opts.configPath)
			if err != nil && !errors.Is(err, config.ErrNoSettingsFile) {
				return err
			}

			var roots []string
			for _, m := range s.PathMappings {
				if m.Enabled && m.RealPath != "" {
					roots = append(roots, m.RealPath)
				}
			}
			if len(roots) == 0 {
				return fmt.Errorf("no enabled path mappings in %s; nothing to sweep", opts.configPath)
			}

			r := mover.NewPlexcachedRestorer(roots, s.ExcludedFolders, dryRun)
			stats, err := r.Run(cmd.Context(), mover.RestoreModeRename)
			if err != nil {
				return err
			}

			fmt.Printf("scanned %d sidecars: restored %d, skipped %d, failed %d\n",
				stats.Scanned, stats.Restored, stats.Skipped, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d sidecars could not be restored", stats.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be restored, rename nothing")
	return cmd
}
