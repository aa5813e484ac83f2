package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
)

func newResultsCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "results <job_id>",
		Short: "Show the outputs of a succeeded job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResults(cmd, args[0], outDir)
		},
	}

	cmd.Flags().StringVarP(&outDir, "download", "d", "", "Download referenced outputs served by GoWPS into this directory")
	return cmd
}

func printResults(cmd *cobra.Command, id, outDir string) error {
	resp, err := client.Get("/api/v1/jobs/" + url.PathEscape(id) + "/results")
	if err != nil {
		return fmt.Errorf("get results: %w", err)
	}
	refs, err := decodeData[[]model.OutputReference](resp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range refs {
		switch {
		case r.Href != "":
			size := ""
			if r.Size > 0 {
				size = " (" + humanize.IBytes(uint64(r.Size)) + ")"
			}
			fmt.Fprintf(out, "%s: %s%s\n", r.ID, r.Href, size)
		default:
			v, err := json.Marshal(r.Value)
			if err != nil {
				return fmt.Errorf("output %s: %w", r.ID, err)
			}
			fmt.Fprintf(out, "%s = %s\n", r.ID, v)
		}
	}

	if outDir == "" {
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, r := range refs {
		href := strings.TrimPrefix(r.Href, client.BaseURL)
		if !strings.HasPrefix(href, "/api/v1/jobs/") {
			continue
		}
		dest := filepath.Join(outDir, r.ID+"_"+path.Base(href))
		if err := download(href, dest); err != nil {
			return err
		}
		fmt.Fprintf(out, "Downloaded %s\n", dest)
	}
	return nil
}

func download(href, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := client.Download(href, f); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("download %s: %w", href, err)
	}
	return f.Close()
}

func printExceptions(cmd *cobra.Command, id string) error {
	resp, err := client.Get("/api/v1/jobs/" + url.PathEscape(id) + "/exceptions")
	if err != nil {
		return fmt.Errorf("get exceptions: %w", err)
	}
	details, err := decodeData[[]model.ErrorDetail](resp)
	if err != nil {
		return err
	}
	for _, d := range details {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", d.Code, d.Message)
	}
	return nil
}
