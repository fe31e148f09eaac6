package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/mealplan-billing/internal/store"
)

var cleanupOlderThan time.Duration

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain the deferred job queue",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(db *sql.DB) error {
			jobs, err := store.NewJobStore(db)
			if err != nil {
				return err
			}
			stats, err := jobs.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		})
	},
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed and failed jobs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withDatabase(cmd, func(db *sql.DB) error {
			jobs, err := store.NewJobStore(db)
			if err != nil {
				return err
			}
			n, err := jobs.CleanupOldJobs(cmd.Context(), cleanupOlderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
			return nil
		})
	},
}

func init() {
	jobsCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 7*24*time.Hour, "minimum age of finished jobs to delete")
	jobsCmd.AddCommand(jobsStatsCmd, jobsCleanupCmd)
}
