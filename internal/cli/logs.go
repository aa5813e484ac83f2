package cli

import (
	"fmt"
	"net/url"
	"time"

	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var after int64
	var limit int
	var follow bool
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "logs <job_id>",
		Short: "View the execution log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			for {
				lines, err := fetchLogs(id, after, limit)
				if err != nil {
					return err
				}
				for _, l := range lines {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", l.Stream, l.Line)
					after = l.Seq
				}
				if !follow {
					return nil
				}
				if len(lines) > 0 {
					continue
				}
				job, err := fetchJob(id)
				if err != nil {
					return err
				}
				if job.Status.IsTerminal() {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(poll):
				}
			}
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Only lines after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of lines per request")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until the job finishes")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "Polling interval for --follow")
	return cmd
}

func fetchLogs(id string, after int64, limit int) ([]model.LogLine, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprint(after))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	resp, err := client.Get("/api/v1/jobs/" + url.PathEscape(id) + "/logs?" + q.Encode())
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	return decodeData[[]model.LogLine](resp)
}

func fetchJob(id string) (model.Job, error) {
	resp, err := client.Get("/api/v1/jobs/" + url.PathEscape(id))
	if err != nil {
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}
	return decodeData[model.Job](resp)
}
