package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/cache"
	"github.com/spf13/cobra"
)

var (
	cacheMaxAge time.Duration
	cacheForce  bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the reference-data cache",
	Long:  "Inspect, preload, and evict cached assignments and points. The mutation queue is never touched.",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached record counts",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict cache records older than the retention",
	Args:  cobra.NoArgs,
	RunE:  runCacheEvict,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached record",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cachePreloadCmd = &cobra.Command{
	Use:   "preload <expediente-id>",
	Short: "Replace cached assignments and points for an expediente",
	Args:  cobra.ExactArgs(1),
	RunE:  runCachePreload,
}

var cacheExpedientesCmd = &cobra.Command{
	Use:   "expedientes",
	Short: "List expedientes available for preload",
	Args:  cobra.NoArgs,
	RunE:  runCacheExpedientes,
}

func init() {
	addLocalFlags(cacheCmd)

	cacheEvictCmd.Flags().DurationVar(&cacheMaxAge, "max-age", 0,
		"Evict records cached longer ago than this (default: configured retention)")
	cacheClearCmd.Flags().BoolVar(&cacheForce, "force", false,
		"Skip confirmation prompt")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePreloadCmd)
	cacheCmd.AddCommand(cacheExpedientesCmd)
}

// openCacheManager opens the local store and wraps it in a cache manager.
func openCacheManager(cmd *cobra.Command) (*cache.Manager, func() error, error) {
	cfg, db, err := openLocalStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	cm := cache.NewManager(db, referenceSource(cfg), time.Duration(cfg.Cache.Retention))
	return cm, db.Close, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cm, closeStore, err := openCacheManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := cm.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"assignments":       stats.Assignments,
			"points":            stats.Points,
			"total":             stats.CacheTotal(),
			"retention_seconds": int64(cm.Retention().Seconds()),
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Assignments:\t%d\n", stats.Assignments)
	fmt.Fprintf(w, "Points:\t%d\n", stats.Points)
	fmt.Fprintf(w, "Total:\t%d\n", stats.CacheTotal())
	fmt.Fprintf(w, "Retention:\t%s\n", cm.Retention())
	w.Flush()
	return nil
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if cacheMaxAge < 0 {
		return errors.New("--max-age must not be negative")
	}

	cm, closeStore, err := openCacheManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	maxAge := cacheMaxAge
	if maxAge == 0 {
		maxAge = cm.Retention()
	}
	evicted, err := cm.EvictExpired(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("evict cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"evicted":         evicted,
			"max_age_seconds": int64(maxAge.Seconds()),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d records older than %s\n", evicted, maxAge)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if !cacheForce {
		if !confirm(cmd, "This removes every cached assignment and point. Queued mutations are kept.", "clear") {
			return nil
		}
	}

	cm, closeStore, err := openCacheManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	removed, err := cm.ClearAll(ctx)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached records\n", removed)
	return nil
}

func runCachePreload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cm, closeStore, err := openCacheManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := cm.Preload(ctx, args[0])
	if errors.Is(err, cache.ErrNoSource) {
		return errors.New("reference.base_url (FIELDSYNC_REFERENCE_URL) is required to preload")
	}
	if err != nil {
		return fmt.Errorf("preload: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Preloaded expediente %s: %d assignments, %d points (%d expired records evicted)\n",
		result.ExpedienteID, result.Assignments, result.Points, result.Evicted)
	return nil
}

func runCacheExpedientes(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cm, closeStore, err := openCacheManager(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	expedientes, err := cm.Expedientes(ctx)
	if errors.Is(err, cache.ErrNoSource) {
		return errors.New("reference.base_url (FIELDSYNC_REFERENCE_URL) is required to list expedientes")
	}
	if err != nil {
		return fmt.Errorf("list expedientes: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"expedientes": expedientes,
			"total":       len(expedientes),
		})
	}

	if len(expedientes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No expedientes found.")
		return nil
	}
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tCODE\tNAME")
	for _, e := range expedientes {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Codigo, e.Nombre)
	}
	w.Flush()
	return nil
}
