package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/internal/store"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Review queued import candidates",
	Long:  "Commands for listing, approving, and rejecting import candidates.",
}

// -- candidates list --

var candidatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import candidates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.CandidateFilter{
			Status: model.CandidateStatus(status),
			Limit:  limit,
			Offset: offset,
		}
		if cmd.Flags().Changed("duplicates") {
			dup, _ := cmd.Flags().GetBool("duplicates")
			filter.IsDuplicate = &dup
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		candidates, total, err := env.Store.ListCandidates(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "candidates list")
		}
		if len(candidates) == 0 {
			fmt.Fprintln(os.Stderr, "No candidates found.")
			return nil
		}

		formatCandidatesList(os.Stdout, candidates)
		fmt.Printf("\n%d of %d candidates\n", len(candidates), total)
		return nil
	},
}

// -- candidates show --

var candidatesShowCmd = &cobra.Command{
	Use:   "show <candidate-id>",
	Short: "Show full details of a candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Store.GetCandidate(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "candidates show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

// -- candidates approve --

var candidatesApproveCmd = &cobra.Command{
	Use:   "approve <candidate-id>",
	Short: "Approve a candidate and import it as a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		decidedBy, _ := cmd.Flags().GetString("by")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Store.DecideCandidate(ctx, args[0], model.CandidateStatusApproved, decidedBy, ""); err != nil {
			// A candidate stuck in approved after a failed import may be
			// retried; anything else is a real conflict.
			c, gerr := env.Store.GetCandidate(ctx, args[0])
			if gerr != nil || !eris.Is(err, store.ErrConflictAlreadyDecided) || c.Status != model.CandidateStatusApproved {
				return eris.Wrap(err, "candidates approve")
			}
		}

		imported, err := env.Importer.Import(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "candidates approve")
		}
		fmt.Printf("candidate %s imported as listing %s\n", imported.ID, *imported.ImportedListingID)
		return nil
	},
}

// -- candidates reject --

var candidatesRejectCmd = &cobra.Command{
	Use:   "reject <candidate-id>",
	Short: "Reject a candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		decidedBy, _ := cmd.Flags().GetString("by")
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Store.DecideCandidate(ctx, args[0], model.CandidateStatusRejected, decidedBy, reason)
		if err != nil {
			return eris.Wrap(err, "candidates reject")
		}
		fmt.Printf("candidate %s rejected: %s\n", c.ID, c.RejectionReason)
		return nil
	},
}

func init() {
	candidatesListCmd.Flags().String("status", "", "filter by status (pending, approved, rejected, imported)")
	candidatesListCmd.Flags().Bool("duplicates", false, "filter by duplicate flag")
	candidatesListCmd.Flags().Int("limit", 50, "max number of candidates to display")
	candidatesListCmd.Flags().Int("offset", 0, "number of candidates to skip")

	candidatesApproveCmd.Flags().String("by", "cli", "reviewer identity recorded with the decision")

	candidatesRejectCmd.Flags().String("by", "cli", "reviewer identity recorded with the decision")
	candidatesRejectCmd.Flags().String("reason", "", "rejection reason (required)")

	candidatesCmd.AddCommand(candidatesListCmd)
	candidatesCmd.AddCommand(candidatesShowCmd)
	candidatesCmd.AddCommand(candidatesApproveCmd)
	candidatesCmd.AddCommand(candidatesRejectCmd)
	rootCmd.AddCommand(candidatesCmd)
}

// formatCandidatesList writes a tabular list of candidates to w.
func formatCandidatesList(out io.Writer, candidates []model.ImportCandidate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSCORE\tDUP\tSTATUS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t---\t------\t-------")

	for _, c := range candidates {
		name := c.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		dup := ""
		if c.IsDuplicate {
			dup = "yes"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			truncateID(c.ID),
			name,
			c.ConfidenceScore,
			dup,
			c.Status,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
