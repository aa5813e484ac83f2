// Package results publishes what a job produced and serves it back: output
// references, execution logs and failure details.
package results

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/staging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
)

// DefaultInlineLimit is the largest text output embedded in value mode.
const DefaultInlineLimit = 64 * 1024

const (
	defaultLogLimit = 1000
	maxLogLimit     = 10000
)

// JobReader looks up jobs. *jobs.Manager satisfies it.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

// LogAppender appends job log lines.
type LogAppender interface {
	AppendLogs(ctx context.Context, jobID string, lines []model.LogLine) error
}

// LogStore appends and pages job logs.
type LogStore interface {
	LogAppender
	ListLogs(ctx context.Context, jobID string, after int64, limit int) ([]model.LogLine, error)
}

var _ LogStore = (store.Store)(nil)

// Aggregator is the read side of finished jobs and the publisher of their
// outputs.
type Aggregator struct {
	jobs        JobReader
	logs        LogStore
	outputs     OutputStore
	inlineLimit int64
	logger      *slog.Logger
}

// New creates an Aggregator.
func New(jobs JobReader, logs LogStore, outputs OutputStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		jobs:        jobs,
		logs:        logs,
		outputs:     outputs,
		inlineLimit: DefaultInlineLimit,
		logger:      logging.OrDiscard(logger).With("component", "results"),
	}
}

// Results returns the outputs of a succeeded job. Running and dismissed
// jobs report NotReady; failed jobs report a conflict.
func (a *Aggregator) Results(ctx context.Context, id string, caller model.Caller) ([]model.OutputReference, error) {
	job, err := a.visibleJob(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.JobStatusSucceeded:
	case model.JobStatusDismissed:
		return nil, &model.APIError{Code: model.ErrNotReady, Message: "job dismissed"}
	case model.JobStatusFailed:
		// Terminal; the outcome is in the exceptions.
		return nil, model.NewConflictError("job '%s' failed, see its exceptions", id)
	default:
		return nil, model.NewNotReadyError(id, job.Status)
	}

	refs := make([]model.OutputReference, len(job.Results))
	copy(refs, job.Results)
	for i := range refs {
		if refs[i].Key == "" {
			continue
		}
		href, err := a.outputs.Href(ctx, refs[i].Key)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", refs[i].ID, err)
		}
		refs[i].Href = href
	}
	return refs, nil
}

// Logs pages through a job's log lines with seq greater than after.
func (a *Aggregator) Logs(ctx context.Context, id string, after int64, limit int, caller model.Caller) ([]model.LogLine, error) {
	if _, err := a.visibleJob(ctx, id, caller); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	lines, err := a.logs.ListLogs(ctx, id, after, limit)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []model.LogLine{}
	}
	return lines, nil
}

// Exceptions returns the error details of a failed job, and an empty list
// for any other state.
func (a *Aggregator) Exceptions(ctx context.Context, id string, caller model.Caller) ([]model.ErrorDetail, error) {
	job, err := a.visibleJob(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed || job.Errors == nil {
		return []model.ErrorDetail{}, nil
	}
	return job.Errors, nil
}

// OpenOutput opens one published file of a succeeded job.
func (a *Aggregator) OpenOutput(ctx context.Context, jobID, outputID, name string, caller model.Caller) (io.ReadCloser, *model.OutputReference, error) {
	job, err := a.visibleJob(ctx, jobID, caller)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != model.JobStatusSucceeded {
		return nil, nil, model.NewNotReadyError(jobID, job.Status)
	}
	key := OutputKey(jobID, outputID, name)
	for i := range job.Results {
		if job.Results[i].Key != key {
			continue
		}
		rc, err := a.outputs.Open(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		return rc, &job.Results[i], nil
	}
	return nil, nil, model.NewNotFoundError("Output", outputID+"/"+name)
}

// Cleanup removes a job's published outputs.
func (a *Aggregator) Cleanup(ctx context.Context, jobID string) error {
	return a.outputs.DeleteJob(ctx, jobID)
}

func (a *Aggregator) visibleJob(ctx context.Context, id string, caller model.Caller) (*model.Job, error) {
	job, err := a.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.VisibleTo(caller.User, caller.Admin) {
		return nil, model.NewNotFoundError("Job", id)
	}
	return job, nil
}

// Publish turns the CWL output object of a finished run into output
// references. Only requested outputs are kept. Files are moved into the
// output store unless value transmission allows embedding them.
func (a *Aggregator) Publish(ctx context.Context, unit *model.ExecutionUnit, produced map[string]any) ([]model.OutputReference, error) {
	params := make(map[string]model.Parameter, len(unit.OutputParams))
	for _, p := range unit.OutputParams {
		params[p.ID] = p
	}

	var refs []model.OutputReference
	for _, req := range unit.Outputs {
		v, ok := produced[req.ID]
		if !ok || v == nil {
			continue
		}
		p := &publisher{
			agg:   a,
			jobID: unit.JobID,
			req:   req,
			param: params[req.ID],
			names: make(map[string]int),
		}
		if err := p.walk(ctx, v); err != nil {
			return nil, fmt.Errorf("publish output %s: %w", req.ID, err)
		}
		refs = append(refs, p.refs...)
	}
	a.logger.Info("outputs published", "job_id", unit.JobID, "references", len(refs))
	return refs, nil
}

type publisher struct {
	agg   *Aggregator
	jobID string
	req   model.OutputRequest
	param model.Parameter
	names map[string]int
	refs  []model.OutputReference
}

func (p *publisher) walk(ctx context.Context, v any) error {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if err := p.walk(ctx, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		switch val["class"] {
		case "File":
			if loc := remoteLocation(val); loc != "" {
				p.refs = append(p.refs, model.OutputReference{ID: p.req.ID, Href: loc})
				return nil
			}
			return p.file(ctx, filePath(val), formatString(val["format"]))
		case "Directory":
			return p.directory(ctx, filePath(val))
		}
		// Outputs of remote jobs stay where the remote service put them.
		if href, ok := val["href"].(string); ok && href != "" {
			mt, _ := val["type"].(string)
			p.refs = append(p.refs, model.OutputReference{ID: p.req.ID, Href: href, MediaType: mt})
			return nil
		}
	}
	p.refs = append(p.refs, model.OutputReference{ID: p.req.ID, Value: v})
	return nil
}

func (p *publisher) file(ctx context.Context, path, format string) error {
	if path == "" {
		return fmt.Errorf("file output without a path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	mediaType := p.mediaType(path, format)

	if p.req.Transmission == model.TransmissionValue && isText(mediaType) && info.Size() <= p.agg.inlineLimit {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		p.refs = append(p.refs, model.OutputReference{
			ID: p.req.ID, Value: string(data), MediaType: mediaType, Size: info.Size(),
		})
		return nil
	}

	key := OutputKey(p.jobID, p.req.ID, p.uniqueName(filepath.Base(path)))
	if err := p.agg.outputs.Put(ctx, key, path, mediaType); err != nil {
		return err
	}
	p.agg.logger.Debug("output stored", "job_id", p.jobID, "key", key, "size", humanize.IBytes(uint64(info.Size())))
	p.refs = append(p.refs, model.OutputReference{
		ID: p.req.ID, Key: key, MediaType: mediaType, Size: info.Size(),
	})
	return nil
}

// directory publishes each regular file below root, flattening the
// relative path into the file name.
func (p *publisher) directory(ctx context.Context, root string) error {
	if root == "" {
		return fmt.Errorf("directory output without a path")
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mediaType := staging.DetectMediaType(path)
		key := OutputKey(p.jobID, p.req.ID, p.uniqueName(strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")))
		if err := p.agg.outputs.Put(ctx, key, path, mediaType); err != nil {
			return err
		}
		p.refs = append(p.refs, model.OutputReference{
			ID: p.req.ID, Key: key, MediaType: mediaType, Size: info.Size(),
		})
		return nil
	})
}

func (p *publisher) mediaType(path, format string) string {
	if format != "" {
		if mt, ok := cwl.MediaTypeForFormat(format); ok {
			return mt
		}
	}
	if len(p.param.Formats) == 1 && p.param.Formats[0].MediaType != "*/*" {
		return p.param.Formats[0].MediaType
	}
	return staging.DetectMediaType(path)
}

// uniqueName prefixes repeated basenames within one output with a counter.
func (p *publisher) uniqueName(name string) string {
	n := p.names[name]
	p.names[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%d_%s", n, name)
}

func filePath(obj map[string]any) string {
	if s, ok := obj["path"].(string); ok && s != "" {
		return s
	}
	loc, _ := obj["location"].(string)
	scheme, path := cwl.ParseLocationScheme(cwl.DecodeLocation(loc))
	if scheme == cwl.SchemeFile || scheme == "" {
		return path
	}
	return ""
}

// remoteLocation returns the location of a file object that lives on a
// remote server rather than the local disk.
func remoteLocation(obj map[string]any) string {
	if s, _ := obj["path"].(string); s != "" {
		return ""
	}
	loc, _ := obj["location"].(string)
	switch scheme, _ := cwl.ParseLocationScheme(loc); scheme {
	case cwl.SchemeHTTP, cwl.SchemeHTTPS, cwl.SchemeS3:
		return loc
	}
	return ""
}

func formatString(v any) string {
	s, _ := v.(string)
	return s
}

func isText(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml", mt == "application/yaml", mt == "application/x-yaml":
		return true
	case strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return true
	}
	return false
}
