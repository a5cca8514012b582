package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/constants"
	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/suggestion"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Face suggestion commands",
	Long:  `Commands for generating and reviewing face-to-person suggestions.`,
}

var suggestGenerateCmd = &cobra.Command{
	Use:   "generate <person-id>",
	Short: "Suggest unassigned faces for a person",
	Long: `Search the unassigned faces closest to a person's prototypes (or active
centroid) and record the best matches as pending suggestions.

Examples:
  # Use the person's prototypes, max aggregation
  face-engine suggest generate 5b1f...

  # Search with the active centroid and a stricter threshold
  face-engine suggest generate 5b1f... --use-centroid --min-confidence 0.8`,
	Args: cobra.ExactArgs(1),
	RunE: runSuggestGenerate,
}

var suggestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suggestions",
	Args:  cobra.NoArgs,
	RunE:  runSuggestList,
}

var suggestAcceptCmd = &cobra.Command{
	Use:   "accept <suggestion-id>",
	Short: "Accept a suggestion, assigning the face to the person",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuggestReview(suggestion.ActionAccept),
}

var suggestRejectCmd = &cobra.Command{
	Use:   "reject <suggestion-id>",
	Short: "Reject a suggestion",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuggestReview(suggestion.ActionReject),
}

var suggestBulkCmd = &cobra.Command{
	Use:   "bulk <accept|reject> <suggestion-id>...",
	Short: "Accept or reject many suggestions",
	Long: `Review many suggestions at once. Each suggestion is handled on its own:
a conflict or a missing suggestion is reported for that item and the rest
continue.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSuggestBulk,
}

var suggestExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire stale pending suggestions",
	Long: `Expire pending suggestions whose face has since been assigned, and
those older than --older-than.`,
	Args: cobra.NoArgs,
	RunE: runSuggestExpire,
}

func init() {
	rootCmd.AddCommand(suggestCmd)
	suggestCmd.AddCommand(suggestGenerateCmd, suggestListCmd, suggestAcceptCmd, suggestRejectCmd,
		suggestBulkCmd, suggestExpireCmd)

	suggestGenerateCmd.Flags().Bool("use-centroid", false, "Search with the active centroid instead of prototypes")
	suggestGenerateCmd.Flags().String("aggregation", "", "Score aggregation: max or weighted_mean (default from config)")
	suggestGenerateCmd.Flags().Float64("min-confidence", 0, "Minimum confidence (default from config)")
	suggestGenerateCmd.Flags().Int("limit", 0, "Suggestions to keep (default from config)")

	suggestListCmd.Flags().String("person", "", "Only suggestions for this person id")
	suggestListCmd.Flags().String("status", string(database.SuggestionPending), "Status filter")
	suggestListCmd.Flags().Int("limit", constants.DefaultListLimit, "Maximum rows")

	suggestAcceptCmd.Flags().Int64("revision", 0, "Face revision you reviewed (0 uses the current one)")
	suggestRejectCmd.Flags().Int64("revision", 0, "Suggestion revision you reviewed (0 uses the current one)")

	suggestExpireCmd.Flags().Duration("older-than", constants.DefaultSuggestionTTL, "Expire suggestions pending longer than this (0 disables)")
}

func runSuggestGenerate(cmd *cobra.Command, args []string) error {
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

	res, err := a.suggester.Generate(ctx, personID, suggestion.SearchParams{
		UseCentroid:   mustGetBool(cmd, "use-centroid"),
		Aggregation:   suggestion.Aggregation(mustGetString(cmd, "aggregation")),
		MinConfidence: mustGetFloat64(cmd, "min-confidence"),
		Limit:         mustGetInt(cmd, "limit"),
	})
	if err != nil {
		return fmt.Errorf("generating suggestions: %w", err)
	}
	if jsonOutput(cmd) {
		return outputJSON(res)
	}
	if res.Insufficient {
		fmt.Println("Person has no prototypes or active centroid to search with.")
		return nil
	}
	fmt.Printf("Created %d suggestions (%d already pending)\n", res.Created, res.Skipped)
	for _, c := range res.Candidates {
		fmt.Printf("  %s  %.3f  (%d matches)\n", c.FaceID, c.Confidence, len(c.Matches))
	}
	return nil
}

func runSuggestList(cmd *cobra.Command, args []string) error {
	filter := database.SuggestionFilter{
		Status: database.SuggestionStatus(mustGetString(cmd, "status")),
		Limit:  mustGetInt(cmd, "limit"),
	}
	if !filter.Status.Valid() {
		return fmt.Errorf("invalid status %q", filter.Status)
	}
	if p := mustGetString(cmd, "person"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			return fmt.Errorf("invalid person id: %w", err)
		}
		filter.PersonID = &id
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.ListSuggestions(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No suggestions.")
		return nil
	}
	for _, s := range list {
		fmt.Printf("%s  face=%s person=%s  %.3f  %s rev=%d\n",
			s.ID, s.FaceID, s.PersonID, s.Confidence, s.Status, s.Revision)
	}
	return nil
}

func runSuggestReview(action suggestion.Action) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid suggestion id: %w", err)
		}
		revision := mustGetInt64(cmd, "revision")

		ctx := context.Background()
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		var outcome suggestion.Outcome
		if action == suggestion.ActionAccept {
			outcome, _, err = a.suggester.Accept(ctx, id, revision)
		} else {
			outcome, err = a.suggester.Reject(ctx, id, revision)
		}
		if jsonOutput(cmd) {
			item := suggestion.ItemResult{SuggestionID: id, Outcome: outcome}
			if err != nil {
				item.Error = err.Error()
			}
			if jerr := outputJSON(item); jerr != nil {
				return jerr
			}
			return err
		}
		if err != nil {
			return err
		}
		fmt.Printf("Suggestion %s %s\n", id, outcome)
		return nil
	}
}

func runSuggestBulk(cmd *cobra.Command, args []string) error {
	action := suggestion.Action(args[0])
	ids, err := parseUUIDs(args[1:])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.suggester.BulkAct(ctx, ids, action)
	if err != nil && len(results) == 0 {
		return err
	}
	if jsonOutput(cmd) {
		return outputJSON(results)
	}

	counts := make(map[suggestion.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
		if r.Error != "" {
			fmt.Printf("  %s  %s: %s\n", r.SuggestionID, r.Outcome, r.Error)
		}
	}
	fmt.Printf("Accepted: %d  Rejected: %d  Conflicts: %d  Not found: %d  Failed: %d\n",
		counts[suggestion.OutcomeAccepted], counts[suggestion.OutcomeRejected], counts[suggestion.OutcomeConflict],
		counts[suggestion.OutcomeNotFound], counts[suggestion.OutcomeFailed])
	return err
}

func runSuggestExpire(cmd *cobra.Command, args []string) error {
	olderThan, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	n, err := a.suggester.ExpireStale(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("expiring suggestions: %w", err)
	}
	if jsonOutput(cmd) {
		return outputJSON(map[string]any{"expired": n, "duration_ms": time.Since(start).Milliseconds()})
	}
	fmt.Printf("Expired %d suggestions\n", n)
	return nil
}
