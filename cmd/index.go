package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/database"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect or rebuild the in-memory HNSW index",
	Long: `The memory backend always serves queries from an HNSW index; the postgres
backend does so when STORE_HNSW_ACCELERATION is set.`,
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show identity and index statistics",
	Args:  cobra.NoArgs,
	RunE:  runIndexStats,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the HNSW index from the stored identities",
	Args:  cobra.NoArgs,
	RunE:  runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexStatsCmd)
	indexCmd.AddCommand(indexRebuildCmd)
}

func runIndexStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	dim, err := store.Dimension(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Backend:    %s\n", cfg.Store.Backend)
	fmt.Printf("Identities: %d\n", count)
	fmt.Printf("Dimension:  %d\n", dim)

	rebuilder, ok := store.(database.IndexRebuilder)
	if !ok {
		fmt.Println("HNSW index: not available for this backend")
		return nil
	}
	stats := rebuilder.IndexStats()
	fmt.Printf("HNSW live:  %d\n", stats.Live)
	fmt.Printf("HNSW stale: %d\n", stats.Stale)
	fmt.Printf("Owners:     %d\n", stats.Owners)
	if stats.Path != "" {
		fmt.Printf("Snapshot:   %s\n", stats.Path)
	}
	return nil
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rebuilder, ok := store.(database.IndexRebuilder)
	if !ok {
		return fmt.Errorf("backend %s has no HNSW index", cfg.Store.Backend)
	}

	start := time.Now()
	if err := rebuilder.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("failed to rebuild index: %w", err)
	}
	stats := rebuilder.IndexStats()
	fmt.Printf("Rebuilt index with %d identities in %s\n", stats.Live, time.Since(start).Round(time.Millisecond))
	return nil
}
