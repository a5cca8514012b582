package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/clustering"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster [face-id...]",
	Short: "Assign faces to known people and group the rest",
	Long: `Run dual-mode clustering. Faces close enough to a known person's
centroid are assigned to that person; the remaining faces are grouped into
provisional clusters, and faces in no cluster are reported as noise.

Without face ids, a batch of unassigned faces is loaded from the store.
When the backlog is larger than the batch, the run prints the face id the
next batch starts after; pass it with --after to continue.

Examples:
  # Cluster unassigned faces with configured thresholds
  face-engine cluster

  # Preview without writing anything
  face-engine cluster --dry-run --min-size 3

  # Threshold grouping for specific faces
  face-engine cluster --algorithm threshold 5b1f... 9c2e...`,
	RunE: runCluster,
}

var clusterPromoteCmd = &cobra.Command{
	Use:   "promote <cluster-id> [name]",
	Short: "Turn a provisional cluster into a person",
	Long: `Promote a cluster to a person. When the name matches an existing person
(case and accent insensitive) the faces join that person; otherwise a new
person is created. Without a name an unnamed group is created.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runClusterPromote,
}

func init() {
	rootCmd.AddCommand(clusterCmd)
	clusterCmd.AddCommand(clusterPromoteCmd)

	clusterCmd.Flags().String("algorithm", "", "Grouping algorithm: dbscan or threshold (default from config)")
	clusterCmd.Flags().Float64("assign-threshold", 0, "Min similarity to a person centroid (default from config)")
	clusterCmd.Flags().Float64("cluster-threshold", 0, "Min similarity inside a cluster (default from config)")
	clusterCmd.Flags().Int("min-size", 0, "Minimum cluster size (default from config)")
	clusterCmd.Flags().Bool("dry-run", false, "Compute without persisting")
	clusterCmd.Flags().String("after", "", "Start the unassigned batch after this face id")
}

func runCluster(cmd *cobra.Command, args []string) error {
	faceIDs, err := parseUUIDs(args)
	if err != nil {
		return err
	}

	var after *uuid.UUID
	if v := mustGetString(cmd, "after"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid --after id: %w", err)
		}
		after = &id
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.clusterer.Cluster(ctx, clustering.Request{
		FaceIDs: faceIDs,
		AfterID: after,
		DryRun:  mustGetBool(cmd, "dry-run"),
		Options: clustering.Options{
			Algorithm:        clustering.Algorithm(mustGetString(cmd, "algorithm")),
			AssignThreshold:  mustGetFloat64(cmd, "assign-threshold"),
			ClusterThreshold: mustGetFloat64(cmd, "cluster-threshold"),
			MinClusterSize:   mustGetInt(cmd, "min-size"),
		},
	})
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}

	if jsonOutput(cmd) {
		return outputJSON(res)
	}
	if res.Insufficient && res.Stats.Assigned == 0 {
		fmt.Printf("Only %d candidate faces, fewer than the minimum cluster size. Nothing to do.\n", res.Stats.Candidates)
		return nil
	}

	s := res.Stats
	fmt.Printf("Candidates:    %d (%d without embedding, %d already owned)\n", s.Candidates, s.NoEmbedding, s.AlreadyOwned)
	fmt.Printf("Known people:  %d\n", s.Identities)
	fmt.Printf("Assigned:      %d\n", s.Assigned)
	fmt.Printf("Clustered:     %d in %d clusters\n", s.Clustered, len(res.Clusters))
	fmt.Printf("Noise:         %d\n", s.Noise)
	fmt.Printf("Duration:      %s\n", s.Duration)

	labels := make([]string, 0, len(res.Clusters))
	for label := range res.Clusters {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Printf("  cluster %s: %d faces\n", label, len(res.Clusters[label]))
	}
	if res.NextAfterID != nil {
		fmt.Printf("More unassigned faces remain, continue with --after %s\n", res.NextAfterID)
	}
	return nil
}

func runClusterPromote(cmd *cobra.Command, args []string) error {
	var name string
	if len(args) == 2 {
		name = args[1]
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.clusterer.PromoteCluster(ctx, args[0], name)
	if err != nil {
		return fmt.Errorf("promoting cluster: %w", err)
	}
	if jsonOutput(cmd) {
		return outputJSON(res)
	}

	verb := "Joined"
	if res.Created {
		verb = "Created"
	}
	label := res.Person.Name
	if label == "" {
		label = "(unnamed)"
	}
	fmt.Printf("%s person %s %s with %d faces\n", verb, res.Person.ID, label, len(res.Faces))
	return nil
}
