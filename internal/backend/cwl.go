package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
)

// CWLRunner hands the whole package to an external CWL runner such as
// cwltool. The runner prints the output object on stdout and its log on
// stderr.
type CWLRunner struct {
	binary    string
	extraArgs []string
	runner    CommandRunner
	logger    *slog.Logger
}

// NewCWLRunner creates a CWL backend invoking binary (default "cwltool").
func NewCWLRunner(binary string, extraArgs []string, logger *slog.Logger) *CWLRunner {
	return newCWLRunnerWithRunner(binary, extraArgs, logger, osCommandRunner{})
}

func newCWLRunnerWithRunner(binary string, extraArgs []string, logger *slog.Logger, runner CommandRunner) *CWLRunner {
	if binary == "" {
		binary = "cwltool"
	}
	return &CWLRunner{
		binary:    binary,
		extraArgs: extraArgs,
		runner:    runner,
		logger:    logging.OrDiscard(logger).With("component", "cwl-backend"),
	}
}

func (b *CWLRunner) Kind() model.BackendKind { return model.BackendCWL }

func (b *CWLRunner) Run(ctx context.Context, unit *model.ExecutionUnit, sink Sink) (*Outcome, error) {
	if unit.CWL == "" {
		return nil, fmt.Errorf("job %s: execution unit has no CWL package", unit.JobID)
	}
	tmpDir := filepath.Join(unit.WorkDir, "tmp")
	for _, dir := range []string{unit.OutputDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("job %s: create %s: %w", unit.JobID, dir, err)
		}
	}

	pkgPath := filepath.Join(unit.WorkDir, "package.cwl")
	if err := os.WriteFile(pkgPath, []byte(unit.CWL), 0o644); err != nil {
		return nil, fmt.Errorf("job %s: write package: %w", unit.JobID, err)
	}
	order, err := cwl.MarshalJobOrder(unit.JobOrder)
	if err != nil {
		return nil, fmt.Errorf("job %s: encode job order: %w", unit.JobID, err)
	}
	orderPath := filepath.Join(unit.WorkDir, "job.json")
	if err := os.WriteFile(orderPath, order, 0o644); err != nil {
		return nil, fmt.Errorf("job %s: write job order: %w", unit.JobID, err)
	}

	args := append([]string(nil), b.extraArgs...)
	args = append(args,
		"--outdir", unit.OutputDir,
		"--tmpdir-prefix", tmpDir+string(filepath.Separator),
		pkgPath, orderPath,
	)
	var stdout bytes.Buffer
	b.logger.Debug("starting cwl runner", "job_id", unit.JobID, "binary", b.binary, "args", args)
	exitCode, err := b.runner.Run(ctx, Command{
		Name:   b.binary,
		Args:   args,
		Dir:    unit.WorkDir,
		Stdout: &stdout,
		Stderr: sink.stderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("job %s: %s: %w", unit.JobID, b.binary, err)
	}
	if exitCode != 0 {
		out := failed(ErrorExecutionFailed, "%s exited with code %d", b.binary, exitCode)
		out.ExitCode = exitCode
		return out, nil
	}

	var outputs map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &outputs); err != nil {
		return failed(ErrorExecutionFailed, "%s printed no output object: %v", b.binary, err), nil
	}
	b.logger.Info("cwl runner finished", "job_id", unit.JobID, "outputs", len(outputs))
	return &Outcome{Outputs: outputs}, nil
}
