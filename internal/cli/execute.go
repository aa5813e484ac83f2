package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/me/gowps/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newExecuteCmd() *cobra.Command {
	var (
		inputsFile string
		version    string
		wait       time.Duration
		watch      bool
		poll       time.Duration
		private    bool
	)

	cmd := &cobra.Command{
		Use:   "execute <process_id>",
		Short: "Execute a process",
		Long: `Execute a process with inputs read from a YAML or JSON file.

Input values are literals, {href: ...} references, or CWL File objects
({class: File, path: ...}). Local files are uploaded to the vault first.
Relative paths resolve against the inputs file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			processID := args[0]

			inputs := map[string]any{}
			if inputsFile != "" {
				data, err := os.ReadFile(inputsFile)
				if err != nil {
					return fmt.Errorf("read inputs: %w", err)
				}
				if err := yaml.Unmarshal(data, &inputs); err != nil {
					return fmt.Errorf("parse inputs: %w", err)
				}
				baseDir, err := filepath.Abs(filepath.Dir(inputsFile))
				if err != nil {
					return fmt.Errorf("get inputs directory: %w", err)
				}
				for id, v := range inputs {
					resolved, err := uploadLocalFiles(v, baseDir)
					if err != nil {
						return fmt.Errorf("input %s: %w", id, err)
					}
					inputs[id] = resolved
				}
			}

			body := map[string]any{"inputs": inputs}
			if version != "" {
				body["version"] = version
			}
			if private {
				body["visibility"] = model.VisibilityPrivate
			}
			prefer := "respond-async"
			if wait > 0 {
				prefer = fmt.Sprintf("wait=%d", int(wait.Seconds()))
			}

			resp, err := client.do("POST", "/api/v1/processes/"+url.PathEscape(processID)+"/execution", body,
				map[string]string{"Prefer": prefer})
			if err != nil {
				return fmt.Errorf("execute: %w", err)
			}
			job, err := decodeData[model.Job](resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job created: %s (status: %s)\n", job.ID, job.Status)

			if watch && !job.Status.IsTerminal() {
				final, err := waitForJob(cmd, job.ID, poll)
				if err != nil {
					return err
				}
				job = *final
				fmt.Fprintf(out, "Job %s: %s\n", job.ID, job.Status)
			}
			if job.Status == model.JobStatusSucceeded {
				return printResults(cmd, job.ID, "")
			}
			if job.Status == model.JobStatusFailed {
				return printExceptions(cmd, job.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputsFile, "inputs", "i", "", "Input values file (YAML/JSON)")
	cmd.Flags().StringVar(&version, "version", "", "Process version (default: latest)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Execute synchronously, waiting up to this long")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job finishes")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "Polling interval for --watch")
	cmd.Flags().BoolVar(&private, "private", false, "Make the job visible to its owner only")
	return cmd
}

// uploadLocalFiles replaces CWL File objects that point at local paths with
// vault references.
func uploadLocalFiles(v any, baseDir string) (any, error) {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := uploadLocalFiles(item, baseDir)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		if val["class"] != "File" {
			return val, nil
		}
		p, _ := val["path"].(string)
		if p == "" {
			if loc, _ := val["location"].(string); loc != "" {
				return map[string]any{"href": loc}, nil
			}
			return nil, fmt.Errorf("file object without path or location")
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		up, err := uploadFile(p, "")
		if err != nil {
			return nil, err
		}
		ref := map[string]any{"href": up.Href, "token": up.Token}
		if up.MediaType != "" {
			ref["type"] = up.MediaType
		}
		return ref, nil
	}
	return v, nil
}

func waitForJob(cmd *cobra.Command, id string, poll time.Duration) (*model.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
		resp, err := client.Get("/api/v1/jobs/" + url.PathEscape(id))
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		job, err := decodeData[model.Job](resp)
		if err != nil {
			return nil, err
		}
		logger.Debug("job status", "id", id, "status", job.Status, "progress", job.Progress)
		if job.Status.IsTerminal() {
			return &job, nil
		}
	}
}
