package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campora/places-sync/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect ingestion jobs",
	Long:  "Commands for triggering, cancelling, and inspecting directory ingestion runs.",
}

// -- sync trigger --

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start an ingestion run for one or more scopes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		scopes, _ := cmd.Flags().GetStringSlice("scope")
		syncType, _ := cmd.Flags().GetString("type")
		maxPlaces, _ := cmd.Flags().GetInt("max-places")

		if len(scopes) == 0 {
			return eris.New("at least one --scope is required")
		}
		switch model.SyncType(syncType) {
		case model.SyncTypeFull, model.SyncTypeIncremental:
		default:
			return eris.Errorf("invalid sync type %q (full or incremental)", syncType)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Scopes run concurrently; each owns its own job.
		g, gctx := errgroup.WithContext(ctx)
		for _, scope := range scopes {
			g.Go(func() error {
				job, err := env.Orchestrator.Trigger(gctx, scope, model.SyncType(syncType), maxPlaces)
				if err != nil {
					return eris.Wrapf(err, "trigger %s", scope)
				}
				fmt.Printf("started job %s for scope %s\n", job.ID, scope)
				env.Orchestrator.Wait(scope)

				done, err := env.Store.GetJob(gctx, job.ID)
				if err != nil {
					return err
				}
				zap.L().Info("sync finished",
					zap.String("scope", scope),
					zap.String("status", string(done.Status)),
					zap.Int("places_found", done.PlacesFound),
					zap.Float64("estimated_cost_usd", done.EstimatedCostUSD),
				)
				if done.Status == model.SyncJobStatusFailed {
					return eris.Errorf("scope %s failed: %s", scope, done.ErrorMessage)
				}
				return nil
			})
		}
		return g.Wait()
	},
}

// -- sync cancel --

var syncCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orchestrator.Cancel(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sync cancel")
		}
		fmt.Printf("job %s is %s\n", job.ID, job.Status)
		return nil
	},
}

// -- sync status --

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active job for a scope",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		scope, _ := cmd.Flags().GetString("scope")
		if scope == "" {
			return eris.New("--scope is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orchestrator.Status(ctx, scope)
		if err != nil {
			return eris.Wrap(err, "sync status")
		}
		if job == nil {
			fmt.Fprintf(os.Stderr, "No active job for scope %s.\n", scope)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- sync logs --

var syncLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Orchestrator.Logs(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "sync logs")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

func init() {
	syncTriggerCmd.Flags().StringSlice("scope", nil, "scope slug to ingest (repeatable)")
	syncTriggerCmd.Flags().String("type", "full", "sync type (full or incremental)")
	syncTriggerCmd.Flags().Int("max-places", 0, "stop after this many places (default from config)")

	syncStatusCmd.Flags().String("scope", "", "scope slug")

	syncLogsCmd.Flags().Int("limit", 20, "max number of jobs to display")

	syncCmd.AddCommand(syncTriggerCmd)
	syncCmd.AddCommand(syncCancelCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncLogsCmd)
	rootCmd.AddCommand(syncCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.SyncJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSCOPE\tTYPE\tSTATUS\tFOUND\tUPDATED\tCOST\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t-----\t-------\t----\t-------\t--------")

	for _, j := range jobs {
		dur := ""
		if j.FinishedAt != nil {
			dur = j.FinishedAt.Sub(j.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t$%.3f\t%s\t%s\n",
			truncateID(j.ID),
			j.Scope,
			j.SyncType,
			j.Status,
			j.PlacesFound,
			j.PlacesUpdated,
			j.EstimatedCostUSD,
			j.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
