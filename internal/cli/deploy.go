package cli

import (
	"fmt"
	"net/url"
	"os"

	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
)

func newDeployCmd() *cobra.Command {
	var (
		wpsFile    string
		visibility string
		update     string
		replace    string
	)

	cmd := &cobra.Command{
		Use:   "deploy <package.cwl>",
		Short: "Deploy a CWL package as a process",
		Long: `Deploy a CWL CommandLineTool or Workflow as a process. An optional WPS
description (--wps) supplies titles, formats and occurrence bounds.

Use --update <id> to add a minor version to an existing process or
--replace <id> for a new major version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwlDoc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read package: %w", err)
			}
			body := map[string]any{"cwl": string(cwlDoc)}
			if wpsFile != "" {
				wpsDoc, err := os.ReadFile(wpsFile)
				if err != nil {
					return fmt.Errorf("read description: %w", err)
				}
				body["wps"] = string(wpsDoc)
			}
			if visibility != "" {
				body["visibility"] = visibility
			}

			var resp *apiResponse
			switch {
			case update != "" && replace != "":
				return fmt.Errorf("--update and --replace are mutually exclusive")
			case update != "":
				resp, err = client.Put("/api/v1/processes/"+url.PathEscape(update), body)
			case replace != "":
				resp, err = client.Put("/api/v1/processes/"+url.PathEscape(replace)+"?mode=replace", body)
			default:
				resp, err = client.Post("/api/v1/processes", body)
			}
			if err != nil {
				return fmt.Errorf("deploy: %w", err)
			}
			p, err := decodeData[model.Process](resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Process deployed: %s (version %s, backend %s)\n", p.ID, p.Version, p.Backend)
			return nil
		},
	}

	cmd.Flags().StringVar(&wpsFile, "wps", "", "WPS process description (YAML/JSON)")
	cmd.Flags().StringVar(&visibility, "visibility", "", "public or private")
	cmd.Flags().StringVar(&update, "update", "", "Update this process (minor version)")
	cmd.Flags().StringVar(&replace, "replace", "", "Replace this process (major version)")
	return cmd
}
