// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/pathmap"
	"github.com/StudioNirin/plexcache-r/internal/score"
	"github.com/StudioNirin/plexcache-r/internal/tracker"
)

func newPrioritiesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "priorities",
		Short: "Show the eviction priority of every tracked cache file",
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := loadSettings(opts.configPath)
			if err != nil {
				return err
			}

			clk := clock.RealClock{}
			cache, err := tracker.OpenCacheTracker(s.DataDir, clk)
			if err != nil {
				return err
			}
			ondeck, err := tracker.OpenOnDeckTracker(s.DataDir, clk)
			if err != nil {
				return err
			}
			watch, err := tracker.OpenWatchlistTracker(s.DataDir, clk)
			if err != nil {
				return err
			}

			if cache.Len() == 0 {
				fmt.Println("no cached files tracked")
				return nil
			}

			scorer := score.New(cache, ondeck, watch, clk, score.Config{
				NumberEpisodes: s.NumberEpisodes,
				MinPriority:    s.EvictionMinPriority,
			})

			type row struct {
				path     string
				priority int
				entry    tracker.CacheEntry
			}
			var rows []row
			for path, entry := range cache.Snapshot() {
				// A nil active set scores as if retention were off, the
				// same view a smart eviction outside a run would take.
				rows = append(rows, row{path, scorer.Score(path, nil), entry})
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].priority != rows[j].priority {
					return rows[i].priority > rows[j].priority
				}
				return rows[i].path < rows[j].path
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tSOURCE\tCACHED\tPATH")
			now := clk.Now()
			for _, r := range rows {
				marker := ""
				if r.priority < s.EvictionMinPriority {
					marker = " *"
				}
				fmt.Fprintf(w, "%d%s\t%s\t%s\t%s\n",
					r.priority, marker,
					r.entry.Source,
					humanize.RelTime(r.entry.CachedAt, now, "ago", "from now"),
					r.path)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d files; * = below the eviction floor (%d)\n", len(rows), s.EvictionMinPriority)
			return nil
		},
	}
}

func newMappingsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mappings",
		Short: "Show the configured path mappings as the router resolves them",
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := loadSettings(opts.configPath)
			if err != nil {
				return err
			}

			router := pathmap.NewRouter(s.PathMappings)
			mappings := router.Mappings()
			if len(mappings) == 0 {
				fmt.Println("no usable path mappings configured")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPLEX\tREAL\tCACHE\tSTATE")
			for _, m := range mappings {
				state := "enabled"
				if !m.Enabled {
					state = "disabled"
				}
				if !m.Cacheable {
					state += ", not cacheable"
				}
				cache := m.CachePath
				if cache == "" {
					cache = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.PlexPath, m.RealPath, cache, state)
			}
			return w.Flush()
		},
	}
}
