package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/database/redisindex"
	"github.com/kozaktomas/face-engine/internal/facesync"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embedding index maintenance",
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show point counts of the index collections",
	Args:  cobra.NoArgs,
	RunE:  runIndexStats,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index structure and repair payloads from the store",
	Long: `Rebuild the search structure of the embedding index and then rewrite every
face payload that disagrees with the store.

For the hnsw backend the graph is compacted, dropping nodes of replaced and
deleted points. For the redis backend --recreate drops the search index
(keeping the stored points) and creates it again.

Vectors are never read from the store: faces without an index point are only
reported.`,
	Args: cobra.NoArgs,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexStatsCmd, indexRebuildCmd)

	indexRebuildCmd.Flags().Bool("recreate", false, "Drop and recreate the redis search index")
}

func runIndexStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	faces, err := a.faces.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting face points: %w", err)
	}
	centroids, err := a.centroids.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting centroid points: %w", err)
	}
	if jsonOutput(cmd) {
		return outputJSON(map[string]any{
			"backend":   a.cfg.Index.Backend,
			"faces":     faces,
			"centroids": centroids,
		})
	}
	fmt.Printf("Backend:   %s\n", a.cfg.Index.Backend)
	fmt.Printf("Faces:     %d\n", faces)
	fmt.Printf("Centroids: %d\n", centroids)
	return nil
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	switch {
	case a.hnswFaces != nil:
		a.hnswFaces.Rebuild()
		a.hnswCentroids.Rebuild()
		a.logger.Info("compacted hnsw graphs")
	case a.redisFaces != nil && mustGetBool(cmd, "recreate"):
		for _, idx := range []*redisindex.Index{a.redisFaces, a.redisCentroid} {
			if err := idx.Drop(ctx, false); err != nil {
				return fmt.Errorf("dropping redis index %s: %w", idx.Name(), err)
			}
			if err := idx.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("recreating redis index %s: %w", idx.Name(), err)
			}
		}
		a.logger.Info("recreated redis search indexes")
	}

	report, err := runReconcilePass(ctx, cmd, a, facesync.ReconcileOptions{Repair: true})
	if err != nil {
		return err
	}
	if err := a.saveIndex(); err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return outputJSON(report)
	}
	printReconcileReport(report)
	return nil
}
