// answercachectl inspects and maintains an answer cache directory from the
// command line. Configuration comes from a YAML file, the AI_CACHE_*
// environment variables, or flags, in that order of precedence (flags win).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/answercache"
	"github.com/blueberrycongee/answercache/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	dir        string
	ttl        time.Duration
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "answercachectl",
		Short:         "Inspect and maintain an answer cache directory",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVarP(&flags.dir, "dir", "d", "", "cache directory (overrides config)")
	root.PersistentFlags().DurationVar(&flags.ttl, "ttl", 0, "entry TTL (overrides config)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newStatsCmd(flags),
		newGetCmd(flags),
		newSetCmd(flags),
		newInvalidateCmd(flags),
		newSweepCmd(flags),
		newClearCmd(flags),
		newBenchCmd(flags),
	)
	return root
}

// openCache builds a Manager from the resolved configuration.
func openCache(flags *rootFlags) (*answercache.Manager, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromFile(flags.configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}

	if flags.dir != "" {
		cfg.Cache.Dir = flags.dir
	}
	if flags.ttl > 0 {
		cfg.Cache.TTL = flags.ttl
	}

	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return answercache.New(
		answercache.WithConfig(cfg),
		answercache.WithLogger(logger),
	)
}

// buildDescriptor assembles the lookup identity from a query and optional
// model, matching how the answer pipeline keys its requests.
func buildDescriptor(query, model string) answercache.Descriptor {
	if model == "" {
		return answercache.TextDescriptor(query)
	}
	return answercache.NewDescriptor(
		answercache.F("query", answercache.String(query)),
		answercache.F("model", answercache.String(model)),
	)
}
