// SPDX-License-Identifier: MIT

// Command plexcache is the caching controller CLI. The bare command
// executes one caching run and exits; serve mode keeps a scheduler and
// the status API running. Skips (bulk mover active, another instance
// holds the lock) are clean exits, not failures.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/StudioNirin/plexcache-r/internal/log"
	"github.com/StudioNirin/plexcache-r/internal/version"
)

// defaultSettingsFile is looked for in the working directory when
// --config is not given.
const defaultSettingsFile = "plexcache_settings.json"

type rootOptions struct {
	configPath string
	dryRun     bool
	verbose    bool
	quiet      bool
}

func main() {
	// A .env next to the binary is a convenience for docker-compose
	// setups; absence is the normal case.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:     "plexcache",
		Short:   "Keep the media the server will play next on the fast tier",
		Long:    "plexcache moves OnDeck and watchlisted media between the bulk array and the cache drive, keeps .plexcached backup sidecars on the array, and maintains the bulk mover's exclude file.",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.Date),

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := "info"
			switch {
			case opts.quiet:
				level = "warn"
			case opts.verbose:
				level = "debug"
			}
			log.Configure(log.Config{
				Level:   level,
				Service: "plexcache",
				Console: true,
			})
		},

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), opts)
		},
	}

	addGlobalFlags(root.PersistentFlags(), opts)
	root.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log decisions, move nothing")

	root.AddCommand(
		newServeCmd(opts),
		newRestoreCmd(opts),
		newPrioritiesCmd(opts),
		newMappingsCmd(opts),
	)
	return root
}

// addGlobalFlags binds the flags every subcommand shares.
func addGlobalFlags(fs *pflag.FlagSet, opts *rootOptions) {
	fs.StringVar(&opts.configPath, "config", defaultSettingsFile, "path to the settings file")
	fs.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	fs.BoolVar(&opts.quiet, "quiet", false, "warnings and errors only")
}
