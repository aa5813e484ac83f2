package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
)

func newProcessesCmd() *cobra.Command {
	var query string
	var limit int

	cmd := &cobra.Command{
		Use:     "processes",
		Aliases: []string{"ps"},
		Short:   "List deployed processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if query != "" {
				q.Set("q", query)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			resp, err := client.Get("/api/v1/processes?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list processes: %w", err)
			}
			procs, err := decodeData[[]model.Process](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(procs) == 0 {
				fmt.Fprintln(out, "No processes found.")
				return nil
			}
			fmt.Fprintf(out, "%-30s  %-8s  %-7s  %-10s  %s\n", "PROCESS ID", "VERSION", "BACKEND", "VISIBILITY", "TITLE")
			fmt.Fprintf(out, "%-30s  %-8s  %-7s  %-10s  %s\n", "----------", "-------", "-------", "----------", "-----")
			for _, p := range procs {
				fmt.Fprintf(out, "%-30s  %-8s  %-7s  %-10s  %s\n", p.ID, p.Version, p.Backend, p.Visibility, p.Title)
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(procs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter by keyword")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of processes")
	return cmd
}

func newDescribeCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "describe <process_id>",
		Short: "Show a process description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/processes/" + url.PathEscape(args[0])
			if version != "" {
				path += "?version=" + url.QueryEscape(version)
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("describe process: %w", err)
			}
			p, err := decodeData[model.Process](resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Process: %s (version %s)\n", p.ID, p.Version)
			if p.Title != "" {
				fmt.Fprintf(out, "  Title:      %s\n", p.Title)
			}
			if p.Abstract != "" {
				fmt.Fprintf(out, "  Abstract:   %s\n", p.Abstract)
			}
			fmt.Fprintf(out, "  Backend:    %s\n", p.Backend)
			fmt.Fprintf(out, "  Visibility: %s\n", p.Visibility)
			fmt.Fprintf(out, "  Updated:    %s\n", humanize.Time(p.UpdatedAt))
			printParams(cmd, "Inputs", p.Inputs)
			printParams(cmd, "Outputs", p.Outputs)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Process version (default: latest)")
	return cmd
}

func printParams(cmd *cobra.Command, title string, params []model.Parameter) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  %s:\n", title)
	for _, p := range params {
		fmt.Fprintf(out, "    - %s: %s %s", p.ID, p.Type, occurs(p))
		if len(p.Formats) > 0 {
			types := make([]string, len(p.Formats))
			for i, f := range p.Formats {
				types[i] = f.MediaType
			}
			fmt.Fprintf(out, " [%s]", strings.Join(types, ", "))
		}
		if len(p.AllowedValues) > 0 {
			fmt.Fprintf(out, " {%s}", strings.Join(p.AllowedValues, "|"))
		}
		fmt.Fprintln(out)
	}
}

func occurs(p model.Parameter) string {
	upper := fmt.Sprint(p.MaxOccurs)
	if p.MaxOccurs == model.Unbounded {
		upper = "*"
	}
	return fmt.Sprintf("(%d..%s)", p.MinOccurs, upper)
}

func newUndeployCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "undeploy <process_id>",
		Short: "Remove a deployed process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/processes/" + url.PathEscape(args[0])
			if force {
				path += "?force=true"
			}
			if _, err := client.Delete(path); err != nil {
				return fmt.Errorf("undeploy process: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Process %s undeployed\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Dismiss the process's active jobs")
	return cmd
}
