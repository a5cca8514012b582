package cmd

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/constants"
	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facesync"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare index payloads with the committed face rows",
	Long: `Check that every face point in the embedding index carries the payload its
committed row implies (person, cluster, prototype flag, asset).

With --repair divergent payloads are rewritten from the store. With --replay
queued index side effects left behind by earlier failures are retried first.

Examples:
  # Check a random sample of 1000 faces
  face-engine reconcile --sample 1000

  # Retry queued work, then check and repair everything
  face-engine reconcile --replay --repair`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().Int("sample", 0, "Check a random sample of this many faces (0 checks all)")
	reconcileCmd.Flags().Bool("repair", false, "Rewrite divergent payloads")
	reconcileCmd.Flags().Bool("replay", false, "Retry pending reconcile tasks before checking")
	reconcileCmd.Flags().Int("replay-limit", constants.DefaultReplayLimit, "Maximum reconcile tasks to retry")
	reconcileCmd.Flags().Bool("replay-only", false, "Only retry pending reconcile tasks")
}

type reconcileOutput struct {
	Replay *facesync.ReplayResult `json:"replay,omitempty"`
	Report *facesync.Report       `json:"report,omitempty"`
}

func runReconcile(cmd *cobra.Command, args []string) error {
	replay := mustGetBool(cmd, "replay")
	replayOnly := mustGetBool(cmd, "replay-only")

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	out := reconcileOutput{}
	if replay || replayOnly {
		out.Replay, err = a.syncer.ReplayPending(ctx, mustGetInt(cmd, "replay-limit"))
		if err != nil {
			return fmt.Errorf("replaying reconcile tasks: %w", err)
		}
		if !jsonOutput(cmd) {
			fmt.Printf("Replayed reconcile tasks: %d done, %d failed\n", out.Replay.Done, out.Replay.Failed)
		}
		if replayOnly {
			if jsonOutput(cmd) {
				return outputJSON(out)
			}
			return nil
		}
	}

	out.Report, err = runReconcilePass(ctx, cmd, a, facesync.ReconcileOptions{
		Sample: mustGetInt(cmd, "sample"),
		Repair: mustGetBool(cmd, "repair"),
	})
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return outputJSON(out)
	}
	printReconcileReport(out.Report)
	return nil
}

// runReconcilePass runs one reconciliation with a progress bar sized to the
// number of faces it will check.
func runReconcilePass(
	ctx context.Context, cmd *cobra.Command, a *app, opts facesync.ReconcileOptions,
) (*facesync.Report, error) {
	if !jsonOutput(cmd) {
		total := opts.Sample
		if total <= 0 {
			n, err := a.store.CountFaces(ctx, database.FaceFilter{})
			if err != nil {
				return nil, fmt.Errorf("counting faces: %w", err)
			}
			total = n
		}
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Checking faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("faces"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
		opts.Progress = func(checked int) { _ = bar.Set(checked) }
		defer func() {
			_ = bar.Finish()
			fmt.Println()
		}()
	}

	report, err := a.syncer.Reconcile(ctx, opts)
	if err != nil {
		return report, fmt.Errorf("reconciling: %w", err)
	}
	return report, nil
}

func printReconcileReport(r *facesync.Report) {
	fmt.Printf("Checked: %d  Divergent fields: %d  Missing points: %d  Repaired: %d\n",
		r.Checked, len(r.Divergences), len(r.Missing), r.Repaired)
	const maxShown = 20
	for i, d := range r.Divergences {
		if i == maxShown {
			fmt.Printf("  ... and %d more\n", len(r.Divergences)-maxShown)
			break
		}
		fmt.Printf("  face %s  %s: expected %q, index has %q\n", d.FaceID, d.Field, d.Expected, d.Actual)
	}
	for i, id := range r.Missing {
		if i == maxShown {
			fmt.Printf("  ... and %d more missing\n", len(r.Missing)-maxShown)
			break
		}
		fmt.Printf("  face %s has no index point\n", id)
	}
}
