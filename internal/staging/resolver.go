// Package staging resolves job input references into job-scoped local copies.
//
// Layout under the work root:
//
//	{root}/{jobID}/inputs/{inputID}/{n}/{basename}
//	{root}/{jobID}/outputs/
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Options configures a Resolver.
type Options struct {
	Root        string
	Timeout     time.Duration // whole-submission staging deadline
	Parallelism int
}

// Resolver stages inputs through per-scheme fetchers.
type Resolver struct {
	opts     Options
	fetchers map[string]Fetcher
	logger   *slog.Logger
}

// New creates a Resolver with no fetchers registered.
func New(opts Options, logger *slog.Logger) *Resolver {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Resolver{
		opts:     opts,
		fetchers: make(map[string]Fetcher),
		logger:   logging.OrDiscard(logger).With("component", "staging"),
	}
}

// Register routes references with the given scheme to f. Registering the
// file scheme also serves bare absolute paths.
func (r *Resolver) Register(scheme string, f Fetcher) {
	r.fetchers[scheme] = f
	if scheme == cwl.SchemeFile {
		r.fetchers[""] = f
	}
}

// Request lists the inputs of one job.
type Request struct {
	JobID  string
	Params []model.Parameter
	Inputs map[string]model.InputList
}

// Result is the staged form of a job's inputs.
type Result struct {
	WorkDir   string
	InputDir  string
	OutputDir string
	Inputs    map[string][]model.InputValue
	JobOrder  map[string]any
	// VaultFiles lists the vault files copied for the job.
	VaultFiles []VaultRef
}

// VaultRef identifies a vault file and the token that opened it.
type VaultRef struct {
	ID    string
	Token string
}

// WorkDir returns the directory owned by jobID.
func (r *Resolver) WorkDir(jobID string) string {
	return filepath.Join(r.opts.Root, jobID)
}

// Cleanup removes everything staged for jobID.
func (r *Resolver) Cleanup(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(r.WorkDir(jobID))
}

// Stage copies every referenced input into the job's input area, verifies
// declared formats and builds the CWL job order. Literal values are passed
// through unchanged. On error nothing is left on disk.
func (r *Resolver) Stage(ctx context.Context, req Request) (*Result, error) {
	workDir := r.WorkDir(req.JobID)
	res := &Result{
		WorkDir:   workDir,
		InputDir:  filepath.Join(workDir, "inputs"),
		OutputDir: filepath.Join(workDir, "outputs"),
		Inputs:    make(map[string][]model.InputValue),
	}
	for _, dir := range []string{res.InputDir, res.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job dir: %w", err)
		}
	}

	stageCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(r.opts.Parallelism)
	staged := 0
	for _, p := range req.Params {
		refs := req.Inputs[p.ID]
		if len(refs) == 0 {
			continue
		}
		values := make([]model.InputValue, len(refs))
		res.Inputs[p.ID] = values
		if !p.Type.IsComplex() {
			for i, ref := range refs {
				values[i] = model.InputValue{Value: ref.Value}
			}
			continue
		}
		for i, ref := range refs {
			staged++
			g.Go(func() error {
				v, err := r.stageOne(gctx, req, res.InputDir, p, i, ref)
				if err != nil {
					return r.inputError(ctx, stageCtx, p.ID, i, err)
				}
				values[i] = v
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if cerr := r.Cleanup(req.JobID); cerr != nil {
			r.logger.Warn("cleanup after failed staging", "job_id", req.JobID, "error", cerr)
		}
		return nil, err
	}

	res.JobOrder = JobOrder(req.Params, res.Inputs)
	res.VaultFiles = vaultRefs(req)
	r.logger.Info("inputs staged", "job_id", req.JobID, "files", staged, "duration", time.Since(start))
	return res, nil
}

func (r *Resolver) stageOne(ctx context.Context, req Request, inputDir string, p model.Parameter, idx int, ref model.InputRef) (model.InputValue, error) {
	dir := filepath.Join(inputDir, p.ID, strconv.Itoa(idx))

	var fetched Fetched
	var err error
	if ref.IsReference() {
		scheme, path := cwl.ParseLocationScheme(ref.Href)
		f, ok := r.fetchers[scheme]
		if !ok {
			return model.InputValue{}, fmt.Errorf("unsupported reference scheme %q", scheme)
		}
		if p.Type == model.TypeDirectory && scheme != "" && scheme != cwl.SchemeFile {
			return model.InputValue{}, errors.New("directory inputs must be local paths")
		}
		fetched, err = f.Fetch(ctx, Source{
			Location: ref.Href,
			Scheme:   scheme,
			Path:     path,
			Token:    ref.Token,
			JobID:    req.JobID,
		}, dir)
	} else {
		if p.Type == model.TypeDirectory {
			return model.InputValue{}, errors.New("directory inputs must be given by reference")
		}
		fetched, err = writeInline(dir, p, ref)
	}
	if err != nil {
		return model.InputValue{}, err
	}

	switch {
	case p.Type == model.TypeDirectory && !fetched.Dir:
		return model.InputValue{}, errors.New("reference is a file, a directory is expected")
	case p.Type == model.TypeFile && fetched.Dir:
		return model.InputValue{}, errors.New("reference is a directory, a file is expected")
	}

	v := model.InputValue{Source: ref.Href, Location: fetched.Path}
	if fetched.Dir {
		return v, nil
	}
	v.MediaType = resolveMediaType(ref.MediaType, fetched)
	if !p.AcceptsMediaType(v.MediaType) {
		return model.InputValue{}, fmt.Errorf("media type %s is not accepted (expected one of %s)",
			v.MediaType, formatList(p.Formats))
	}
	info, err := os.Stat(fetched.Path)
	if err != nil {
		return model.InputValue{}, err
	}
	v.Size = info.Size()
	r.logger.Debug("input staged", "job_id", req.JobID, "input", p.ID, "index", idx, "path", fetched.Path, "size", v.Size)
	return v, nil
}

func vaultRefs(req Request) []VaultRef {
	var refs []VaultRef
	for _, p := range req.Params {
		if !p.Type.IsComplex() {
			continue
		}
		for _, ref := range req.Inputs[p.ID] {
			if !ref.IsReference() {
				continue
			}
			if scheme, id := cwl.ParseLocationScheme(ref.Href); scheme == cwl.SchemeVault {
				refs = append(refs, VaultRef{ID: id, Token: ref.Token})
			}
		}
	}
	return refs
}

// inputError turns a staging failure into the caller-visible error. APIErrors
// from the vault keep their code; everything else is a validation error on
// the input.
func (r *Resolver) inputError(parent, stageCtx context.Context, id string, idx int, err error) error {
	field := fmt.Sprintf("inputs.%s[%d]", id, idx)
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return model.NewValidationError("input staging timed out", model.FieldError{
			Field:   field,
			Message: fmt.Sprintf("staging did not finish within %s", r.opts.Timeout),
		})
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return model.NewValidationError("input staging failed", model.FieldError{Field: field, Message: err.Error()})
}

// writeInline stores an embedded complex value as a file.
func writeInline(dir string, p model.Parameter, ref model.InputRef) (Fetched, error) {
	mediaType := ref.MediaType
	if mediaType == "" && len(p.Formats) > 0 {
		mediaType = p.Formats[0].MediaType
	}

	var data []byte
	switch v := ref.Value.(type) {
	case string:
		data = []byte(v)
		if mediaType == "" {
			mediaType = "text/plain"
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Fetched{}, fmt.Errorf("encode inline value: %w", err)
		}
		data = b
		if mediaType == "" {
			mediaType = "application/json"
		}
	}

	dest := filepath.Join(dir, "value"+extensionFor(mediaType))
	if err := writeAtomic(dest, strings.NewReader(string(data))); err != nil {
		return Fetched{}, err
	}
	return Fetched{Path: dest, MediaType: mediaType}, nil
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	}
	for ext, mt := range extensionTypes {
		if mt == mediaType && ext != ".tiff" && ext != ".yml" {
			return ext
		}
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// resolveMediaType prefers the client's declaration, then the source's
// report, then the file extension. Generic binary types count as unknown.
func resolveMediaType(declared string, f Fetched) string {
	for _, mt := range []string{declared, f.MediaType} {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(mt, ";", 2)[0]))
		if mt != "" && mt != "application/octet-stream" && mt != "binary/octet-stream" {
			return mt
		}
	}
	ext := strings.ToLower(filepath.Ext(f.Path))
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return strings.SplitN(mt, ";", 2)[0]
	}
	return "application/octet-stream"
}

// DetectMediaType guesses a file's media type from its extension.
func DetectMediaType(path string) string {
	return resolveMediaType("", Fetched{Path: path})
}

// extensionTypes covers data formats missing from the platform mime tables.
var extensionTypes = map[string]string{
	".tif":     "image/tiff",
	".tiff":    "image/tiff",
	".csv":     "text/csv",
	".txt":     "text/plain",
	".geojson": "application/geo+json",
	".nc":      "application/x-netcdf",
	".zip":     "application/zip",
	".yaml":    "application/yaml",
	".yml":     "application/yaml",
}

func formatList(formats []model.Format) string {
	types := make([]string, len(formats))
	for i, f := range formats {
		types[i] = f.MediaType
	}
	return strings.Join(types, ", ")
}

// JobOrder builds the CWL job order from resolved input values. Array
// parameters always get a list.
func JobOrder(params []model.Parameter, inputs map[string][]model.InputValue) map[string]any {
	order := make(map[string]any, len(inputs))
	for _, p := range params {
		values, ok := inputs[p.ID]
		if !ok || len(values) == 0 {
			continue
		}
		items := make([]any, len(values))
		for i, v := range values {
			switch p.Type {
			case model.TypeFile:
				items[i] = cwl.FileObject("File", v.Location, v.Size, "")
			case model.TypeDirectory:
				items[i] = cwl.FileObject("Directory", v.Location, 0, "")
			default:
				items[i] = v.Value
			}
		}
		if p.IsArray() {
			order[p.ID] = items
		} else {
			order[p.ID] = items[0]
		}
	}
	return order
}
