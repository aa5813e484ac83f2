package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/me/gowps/internal/cmdline"
	"github.com/me/gowps/internal/cwlexpr"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
)

const loadContentsLimit = 64 << 10

// DockerConfig configures the docker backend.
type DockerConfig struct {
	Binary string // default "docker"
	Cores  int
	RAM    int64 // MiB
	// Network disables container networking when false.
	Network bool
	// RemoveTimeout bounds the cleanup of a container left by a cancelled
	// run. Default 30s.
	RemoveTimeout time.Duration
}

// Docker runs a single CommandLineTool in one container via the Docker
// CLI. The job work directory is mounted at the same path, so staged
// input paths are valid inside the container.
type Docker struct {
	cfg    DockerConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewDocker creates a docker backend.
func NewDocker(cfg DockerConfig, logger *slog.Logger) *Docker {
	return newDockerWithRunner(cfg, logger, osCommandRunner{})
}

func newDockerWithRunner(cfg DockerConfig, logger *slog.Logger, runner CommandRunner) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.RAM <= 0 {
		cfg.RAM = 1024
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = 30 * time.Second
	}
	return &Docker{cfg: cfg, runner: runner, logger: logging.OrDiscard(logger).With("component", "docker-backend")}
}

func (d *Docker) Kind() model.BackendKind { return model.BackendDocker }

// remove force-removes the container of jobID. docker run --rm does not
// stop the container when the CLI dies.
func (d *Docker) remove(ctx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RemoveTimeout)
	defer cancel()
	name := "gowps-" + jobID
	if _, err := d.runner.Run(ctx, Command{Name: d.cfg.Binary, Args: []string{"rm", "-f", name}}); err != nil {
		d.logger.Warn("remove container", "container", name, "error", err)
	}
}

func (d *Docker) Run(ctx context.Context, unit *model.ExecutionUnit, sink Sink) (*Outcome, error) {
	doc, err := cwl.Parse([]byte(unit.CWL))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", unit.JobID, err)
	}
	if doc.Class != "CommandLineTool" {
		return nil, fmt.Errorf("job %s: docker backend runs CommandLineTool packages, got %s", unit.JobID, doc.Class)
	}
	image := unit.DockerImage
	if image == "" {
		image = doc.DockerPull()
	}
	if image == "" {
		return nil, fmt.Errorf("job %s: no docker image", unit.JobID)
	}
	if err := os.MkdirAll(unit.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("job %s: create output dir: %w", unit.JobID, err)
	}

	inputs := withDefaults(doc, unit.JobOrder)
	cwlexpr.Enrich(inputs)
	rt := &cwlexpr.Runtime{OutDir: unit.OutputDir, TmpDir: "/tmp", Cores: d.cfg.Cores, RAM: d.cfg.RAM}
	built, err := cmdline.NewBuilder(doc.ExpressionLib()).Build(doc, inputs, rt)
	if err != nil {
		return failed(ErrorExecutionFailed, "build command line: %v", err), nil
	}
	if len(built.Command) == 0 {
		return failed(ErrorExecutionFailed, "empty command line"), nil
	}
	redirectStreams(doc, built)

	cmd := Command{Name: d.cfg.Binary, Stdout: sink.stdout(), Stderr: sink.stderr()}
	args := []string{
		"run", "--rm",
		"--name", "gowps-" + unit.JobID,
		"-v", unit.WorkDir + ":" + unit.WorkDir,
		"-w", unit.OutputDir,
		"-e", "HOME=" + unit.OutputDir,
		"-e", "TMPDIR=/tmp",
	}
	if !d.cfg.Network {
		args = append(args, "--network", "none")
	}
	if built.Stdin != "" {
		f, err := os.Open(built.Stdin)
		if err != nil {
			return failed(ErrorExecutionFailed, "stdin: %v", err), nil
		}
		defer f.Close()
		cmd.Stdin = f
		args = append(args, "-i")
	}
	var closers []io.Closer
	for _, r := range []struct {
		name string
		dst  *io.Writer
	}{{built.Stdout, &cmd.Stdout}, {built.Stderr, &cmd.Stderr}} {
		if r.name == "" {
			continue
		}
		f, err := os.Create(filepath.Join(unit.OutputDir, r.name))
		if err != nil {
			return failed(ErrorExecutionFailed, "redirect: %v", err), nil
		}
		closers = append(closers, f)
		*r.dst = f
	}
	cmd.Args = append(append(args, image), built.Command...)

	d.logger.Debug("docker run", "job_id", unit.JobID, "image", image, "command", built.Command)
	exitCode, runErr := d.runner.Run(ctx, cmd)
	for _, c := range closers {
		c.Close()
	}
	if runErr != nil {
		if ctx.Err() != nil {
			d.remove(context.WithoutCancel(ctx), unit.JobID)
		}
		return nil, fmt.Errorf("job %s: docker run: %w", unit.JobID, runErr)
	}
	if !successCode(doc, exitCode) {
		out := failed(ErrorExecutionFailed, "command exited with code %d", exitCode)
		out.ExitCode = exitCode
		return out, nil
	}

	rt.ExitCode = &exitCode
	outputs, err := collectOutputs(doc, inputs, rt, built)
	if err != nil {
		out := failed(ErrorOutputMissing, "%v", err)
		out.ExitCode = exitCode
		return out, nil
	}
	return &Outcome{Outputs: outputs, ExitCode: exitCode}, nil
}

func withDefaults(doc *cwl.Document, order map[string]any) map[string]any {
	inputs := maps.Clone(order)
	if inputs == nil {
		inputs = make(map[string]any)
	}
	for _, in := range doc.Inputs {
		if _, ok := inputs[in.ID]; !ok && in.HasDefault {
			inputs[in.ID] = in.Default
		}
	}
	return inputs
}

// redirectStreams names the capture files of stdout/stderr typed outputs
// when the tool does not.
func redirectStreams(doc *cwl.Document, built *cmdline.BuildResult) {
	for _, out := range doc.Outputs {
		switch {
		case out.Type.Base == "stdout" && built.Stdout == "":
			built.Stdout = out.ID + ".stdout"
		case out.Type.Base == "stderr" && built.Stderr == "":
			built.Stderr = out.ID + ".stderr"
		}
	}
}

func successCode(doc *cwl.Document, code int) bool {
	if len(doc.SuccessCodes) == 0 {
		return code == 0
	}
	for _, c := range doc.SuccessCodes {
		if c == code {
			return true
		}
	}
	return false
}

// collectOutputs builds the CWL output object. A cwl.output.json written
// by the tool replaces glob collection.
func collectOutputs(doc *cwl.Document, inputs map[string]any, rt *cwlexpr.Runtime, built *cmdline.BuildResult) (map[string]any, error) {
	if data, err := os.ReadFile(filepath.Join(rt.OutDir, "cwl.output.json")); err == nil {
		var outputs map[string]any
		if err := json.Unmarshal(data, &outputs); err != nil {
			return nil, fmt.Errorf("cwl.output.json: %w", err)
		}
		return outputs, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	eval := cwlexpr.NewEvaluator(doc.ExpressionLib())
	ctx := cwlexpr.NewContext(inputs, rt)
	outputs := make(map[string]any, len(doc.Outputs))
	for _, out := range doc.Outputs {
		var patterns []string
		switch {
		case out.Type.Base == "stdout":
			patterns = []string{built.Stdout}
		case out.Type.Base == "stderr":
			patterns = []string{built.Stderr}
		case out.OutputBinding != nil:
			for _, g := range out.OutputBinding.Glob {
				p, err := eval.EvaluateString(g, ctx)
				if err != nil {
					return nil, fmt.Errorf("output %q glob: %w", out.ID, err)
				}
				patterns = append(patterns, p)
			}
		}

		files, err := globFiles(rt.OutDir, patterns, out)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out.ID, err)
		}

		var value any
		switch {
		case out.OutputBinding != nil && out.OutputBinding.OutputEval != "":
			self := make([]any, len(files))
			for i, f := range files {
				self[i] = f
			}
			v, err := eval.Evaluate(out.OutputBinding.OutputEval, ctx.WithSelf(self))
			if err != nil {
				return nil, fmt.Errorf("output %q outputEval: %w", out.ID, err)
			}
			value = v
		case out.Type.Array:
			list := make([]any, len(files))
			for i, f := range files {
				list[i] = f
			}
			value = list
		case len(files) > 0:
			value = files[0]
		}

		if value == nil && !out.Type.Optional {
			return nil, fmt.Errorf("output %q: nothing matched %v", out.ID, patterns)
		}
		outputs[out.ID] = value
	}
	return outputs, nil
}

func globFiles(outDir string, patterns []string, out cwl.Param) ([]map[string]any, error) {
	class := "File"
	if out.Type.Base == "Directory" {
		class = "Directory"
	}
	format := ""
	if len(out.Format) == 1 {
		format = out.Format[0]
	}
	loadContents := out.LoadContents || (out.OutputBinding != nil && out.OutputBinding.LoadContents)

	var files []map[string]any
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(outDir, pattern)
		}
		if rel, err := filepath.Rel(outDir, pattern); err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("glob %q escapes the output directory", pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || seen[m] || info.IsDir() != (class == "Directory") {
				continue
			}
			seen[m] = true
			obj := cwl.FileObject(class, m, info.Size(), format)
			if loadContents && class == "File" {
				contents, err := readHead(m, loadContentsLimit)
				if err != nil {
					return nil, err
				}
				obj["contents"] = contents
			}
			files = append(files, cwlexpr.Enrich(obj).(map[string]any))
		}
	}
	return files, nil
}

func readHead(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit))
	return string(data), err
}
