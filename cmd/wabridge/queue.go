package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the job queue",
	}

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			st, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(st, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "backend\t%s\n", st.Backend)
			fmt.Fprintf(tw, "pending\t%d\n", st.Pending)
			fmt.Fprintf(tw, "running\t%d\n", st.Running)
			fmt.Fprintf(tw, "done\t%d\n", st.Done)
			fmt.Fprintf(tw, "dead\t%d\n", st.Dead)
			return tw.Flush()
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print as JSON")

	var limit int
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			letters, err := q.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Println("No dead-lettered jobs.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMESSAGE\tTYPE\tFROM\tATTEMPTS\tFAILED\tERROR")
			for _, dl := range letters {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					dl.ID, dl.Job.MessageID, dl.Job.MessageType, dl.Job.Sender,
					dl.Attempts, dl.FailedAt.Format(time.RFC3339), truncate(dl.LastError, 80))
			}
			return tw.Flush()
		},
	}
	dead.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of jobs to list")

	requeue := &cobra.Command{
		Use:   "requeue [job-id...]",
		Short: "Move dead-lettered jobs back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			for _, id := range args {
				if err := q.Requeue(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				log.Info("job requeued", "job_id", id)
			}
			return nil
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			n, err := q.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d completed job(s) older than %s.\n", n, olderThan)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of completed jobs to delete")

	cmd.AddCommand(stats, dead, requeue, purge)
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
