package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			stats := cache.Stats(cmd.Context())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Entries:\t%d\n", stats.Entries)
			fmt.Fprintf(w, "Size:\t%d bytes\n", stats.SizeBytes)
			fmt.Fprintf(w, "Exact hits:\t%d\n", stats.Hits)
			fmt.Fprintf(w, "Memory hits:\t%d\n", stats.MemoryHits)
			fmt.Fprintf(w, "Similarity hits:\t%d\n", stats.SimilarityHits)
			fmt.Fprintf(w, "Misses:\t%d\n", stats.Misses)
			fmt.Fprintf(w, "Hit ratio:\t%.2f\n", stats.HitRatio)
			fmt.Fprintf(w, "Evictions:\t%d\n", stats.Evictions)
			fmt.Fprintf(w, "Index size:\t%d\n", stats.IndexSize)
			fmt.Fprintf(w, "Fallback embeddings:\t%v\n", stats.FallbackActive)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func newGetCmd(flags *rootFlags) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "get <query>",
		Short: "Look up a cached answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			res, ok := cache.Get(cmd.Context(), buildDescriptor(args[0], model))
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "miss")
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model field of the descriptor")
	return cmd
}

func newSetCmd(flags *rootFlags) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "set <query> [payload]",
		Short: "Store an answer (payload argument or stdin, JSON)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			} else {
				var err error
				payload, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if !json.Valid(payload) {
				// Bare text still caches; wrap it into a JSON string.
				quoted, err := json.Marshal(string(payload))
				if err != nil {
					return err
				}
				payload = quoted
			}

			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			d := buildDescriptor(args[0], model)
			if err := cache.Set(cmd.Context(), d, payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model field of the descriptor")
	return cmd
}

func newInvalidateCmd(flags *rootFlags) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "invalidate <query>",
		Short: "Remove a cached answer from every tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			if cache.Invalidate(cmd.Context(), buildDescriptor(args[0], model)) {
				fmt.Fprintln(cmd.OutOrStdout(), "removed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "not found")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model field of the descriptor")
	return cmd
}

func newSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired entries from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			removed := cache.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
			return nil
		},
	}
}

func newClearCmd(flags *rootFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry and both side indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			if err := cache.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the clear")
	return cmd
}

func newBenchCmd(flags *rootFlags) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time N set+get round trips against the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			ctx := cmd.Context()
			payload := json.RawMessage(`{"answer":"benchmark payload"}`)

			start := time.Now()
			for i := 0; i < n; i++ {
				d := buildDescriptor(fmt.Sprintf("bench query %d", i), "bench")
				if err := cache.Set(ctx, d, payload); err != nil {
					return err
				}
				if _, ok := cache.Get(ctx, d); !ok {
					return fmt.Errorf("round trip %d missed", i)
				}
			}
			elapsed := time.Since(start)

			fmt.Fprintf(cmd.OutOrStdout(), "%d round trips in %s (%.0f ops/s)\n",
				n, elapsed.Round(time.Millisecond), float64(2*n)/elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 100, "number of round trips")
	return cmd
}
