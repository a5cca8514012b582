package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/centroid"
	"github.com/kozaktomas/face-engine/internal/database"
)

var centroidCmd = &cobra.Command{
	Use:   "centroid",
	Short: "Person centroid commands",
	Long:  `Commands for building and inspecting per-person centroids.`,
}

var centroidBuildCmd = &cobra.Command{
	Use:   "build [person-id]",
	Short: "Build and promote person centroids",
	Long: `Build a centroid from a person's assigned faces and promote it to active.

The new centroid is written to the index before promotion; a failed build
leaves the previous active centroid untouched. A build is skipped when the
active centroid was computed from the same faces, unless --force is given.

Without a person id every named person is rebuilt.

Examples:
  # Rebuild all named people
  face-engine centroid build

  # Force a rebuild for one person
  face-engine centroid build 5b1f... --force

  # Centroid of one cluster of a person's faces
  face-engine centroid build 5b1f... --type cluster --cluster-label c-1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCentroidBuild,
}

var centroidListCmd = &cobra.Command{
	Use:   "list <person-id>",
	Short: "List a person's centroids, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runCentroidList,
}

func init() {
	rootCmd.AddCommand(centroidCmd)
	centroidCmd.AddCommand(centroidBuildCmd)
	centroidCmd.AddCommand(centroidListCmd)

	centroidBuildCmd.Flags().Bool("force", false, "Rebuild even when the source faces are unchanged")
	centroidBuildCmd.Flags().String("type", string(database.CentroidGlobal), "Centroid type: global or cluster")
	centroidBuildCmd.Flags().String("cluster-label", "", "Cluster label for cluster centroids")
}

func runCentroidBuild(cmd *cobra.Command, args []string) error {
	bo := centroid.BuildOptions{
		Force:        mustGetBool(cmd, "force"),
		Type:         database.CentroidType(mustGetString(cmd, "type")),
		ClusterLabel: mustGetString(cmd, "cluster-label"),
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		personID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid person id: %w", err)
		}
		res, err := a.centroidMg.Build(ctx, personID, bo)
		if err != nil {
			return fmt.Errorf("building centroid: %w", err)
		}
		if jsonOutput(cmd) {
			return outputJSON(res)
		}
		fmt.Printf("Outcome:      %s\n", res.Outcome)
		fmt.Printf("Source faces: %d (%d trimmed)\n", res.SourceFaces, res.Trimmed)
		if res.Centroid != nil {
			fmt.Printf("Active:       %s (revision %d)\n", res.Centroid.ID, res.Centroid.Revision)
		}
		for _, id := range res.Superseded {
			fmt.Printf("Superseded:   %s\n", id)
		}
		return nil
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if jsonOutput(cmd) {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Building centroids"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("people"),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionFullWidth(),
			)
		}
		_ = bar.Set(done)
	}

	res, err := a.centroidMg.BuildAll(ctx, bo, progress)
	if err != nil {
		return fmt.Errorf("building centroids: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if jsonOutput(cmd) {
		return outputJSON(res)
	}
	fmt.Printf("Promoted: %d\nSkipped:  %d\nFailed:   %d\n", res.Created, res.Skipped, res.Failed)
	for _, e := range res.Errors {
		fmt.Printf("  %s\n", e)
	}
	return nil
}

func runCentroidList(cmd *cobra.Command, args []string) error {
	personID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid person id: %w", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.ListCentroids(ctx, personID)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No centroids.")
		return nil
	}
	for _, c := range list {
		fmt.Printf("%s  %-10s %-7s faces=%-4d rev=%d  %s\n",
			c.ID, c.State, c.Type, c.SourceFaceCount, c.Revision, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
