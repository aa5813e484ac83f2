package cli

import (
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			resp, err := client.Get("/api/v1/jobs/" + url.PathEscape(id))
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			job, err := decodeData[model.Job](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job: %s\n", job.ID)
			fmt.Fprintf(out, "  Process:  %s@%s\n", job.ProcessID, job.ProcessVersion)
			fmt.Fprintf(out, "  Status:   %s\n", job.Status)
			fmt.Fprintf(out, "  Progress: %d%%\n", job.Progress)
			if job.Message != "" {
				fmt.Fprintf(out, "  Message:  %s\n", job.Message)
			}
			if job.WorkerID != "" {
				fmt.Fprintf(out, "  Worker:   %s\n", job.WorkerID)
			}
			fmt.Fprintf(out, "  Created:  %s\n", humanize.Time(job.CreatedAt))
			if job.FinishedAt != nil {
				fmt.Fprintf(out, "  Finished: %s\n", humanize.Time(*job.FinishedAt))
			}

			if !history {
				return nil
			}
			resp, err = client.Get("/api/v1/jobs/" + url.PathEscape(id) + "/history")
			if err != nil {
				return fmt.Errorf("get history: %w", err)
			}
			events, err := decodeData[[]model.StatusEvent](resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "  History:")
			for _, e := range events {
				from := string(e.From)
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(out, "    %s  %s -> %s (%s)\n", e.Timestamp.Format("15:04:05"), from, e.To, e.Actor)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Show status transitions")
	return cmd
}

func newDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "dismiss <job_id>",
		Aliases: []string{"cancel"},
		Short:   "Dismiss a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Delete("/api/v1/jobs/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("dismiss job: %w", err)
			}
			job, err := decodeData[model.Job](resp)
			if err != nil {
				return err
			}
			if job.Status != model.JobStatusDismissed && job.DismissRequested {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s: dismissal requested (status: %s)\n", job.ID, job.Status)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", job.ID, job.Status)
			return nil
		},
	}
}
