package cli

import (
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var status, process string
	var limit, offset int

	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"list"},
		Short:   "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if process != "" {
				q.Set("process", process)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			if offset > 0 {
				q.Set("offset", fmt.Sprint(offset))
			}
			resp, err := client.Get("/api/v1/jobs?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			jobs, err := decodeData[[]model.Job](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			fmt.Fprintf(out, "%-40s  %-10s  %-24s  %s\n", "ID", "STATUS", "PROCESS", "CREATED")
			fmt.Fprintf(out, "%-40s  %-10s  %-24s  %s\n", "--", "------", "-------", "-------")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-40s  %-10s  %-24s  %s\n", j.ID, j.Status,
					j.ProcessID+"@"+j.ProcessVersion, humanize.Time(j.CreatedAt))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&process, "process", "", "Filter by process id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many jobs")
	return cmd
}
