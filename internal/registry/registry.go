// Package registry stores canonical process definitions and their versions.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/internal/wps"
	"github.com/me/gowps/pkg/model"
)

// maxPackageSize bounds a CWL document fetched by reference.
const maxPackageSize = 4 << 20

// DeployRequest is an application package plus deployment options.
type DeployRequest struct {
	// ID overrides the process id found in the package (used by update and
	// replace, where the id comes from the URL).
	ID   string
	Mode model.DeployMode

	CWL []byte
	WPS []byte
	// Href references the CWL document instead of embedding it.
	Href string

	Visibility model.Visibility
	Backend    model.BackendKind
	Remote     *model.RemoteRef
	Caller     model.Caller
}

// JobCanceller requests dismissal of in-flight jobs on forced undeploy.
type JobCanceller interface {
	Dismiss(ctx context.Context, jobID string, caller model.Caller) (*model.Job, error)
}

// Registry implements deploy, undeploy, describe and list over the store.
// Writes are serialized per process id; reads go straight to the store.
type Registry struct {
	store      store.Store
	normalizer *wps.Normalizer
	jobs       JobCanceller
	client     *http.Client
	locks      *keyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithJobCanceller wires the job state machine used by forced undeploy.
func WithJobCanceller(c JobCanceller) Option {
	return func(r *Registry) { r.jobs = c }
}

// WithHTTPClient sets the client used to fetch packages by reference.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Registry {
	logger = logging.OrDiscard(logger)
	r := &Registry{
		store:      st,
		normalizer: wps.NewNormalizer(logger),
		client:     &http.Client{Timeout: 30 * time.Second},
		locks:      newKeyedMutex(),
		logger:     logger.With("component", "registry"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Deploy normalizes the package and stores it as a new process or a new
// version of an existing one. The version is stored in a single insert, so
// it becomes visible completely or not at all.
func (r *Registry) Deploy(ctx context.Context, req DeployRequest) (*model.Process, error) {
	if req.Mode == "" {
		req.Mode = model.DeployCreate
	}
	switch req.Mode {
	case model.DeployCreate, model.DeployUpdate, model.DeployReplace:
	default:
		return nil, model.NewValidationError("invalid deploy mode",
			model.FieldError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", req.Mode)})
	}
	if req.Visibility != "" && !req.Visibility.IsValid() {
		return nil, model.NewValidationError("invalid visibility",
			model.FieldError{Field: "visibility", Message: fmt.Sprintf("unknown visibility %q", req.Visibility)})
	}

	cwlDoc := req.CWL
	if len(cwlDoc) == 0 && req.Href != "" {
		fetched, err := r.fetchPackage(ctx, req.Href)
		if err != nil {
			return nil, model.NewValidationError("cannot fetch execution unit",
				model.FieldError{Field: "href", Message: err.Error()})
		}
		cwlDoc = fetched
	}

	proc, err := r.normalizer.NormalizePackage(wps.Package{CWL: cwlDoc, WPS: req.WPS})
	if err != nil {
		return nil, err
	}
	proc.Package.Href = req.Href
	if req.ID != "" {
		proc.ID = req.ID
	}
	if proc.ID == "" {
		return nil, model.NewValidationError("process id is required",
			model.FieldError{Field: "id", Message: "neither the request, the description nor the CWL document names the process"})
	}
	if !model.ValidProcessID(proc.ID) {
		return nil, model.NewValidationError("invalid process id",
			model.FieldError{Field: "id", Message: fmt.Sprintf("%q is not URL-safe", proc.ID)})
	}
	if err := selectBackend(proc, req); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(proc.ID)
	defer unlock()

	existing, err := r.store.GetProcess(ctx, proc.ID, "")
	if err != nil {
		return nil, fmt.Errorf("get process %s: %w", proc.ID, err)
	}

	now := r.now()
	proc.CreatedAt, proc.UpdatedAt = now, now
	switch req.Mode {
	case model.DeployCreate:
		if existing != nil {
			return nil, model.NewConflictError("process '%s' already exists", proc.ID)
		}
		proc.Version = model.InitialVersion
		proc.Owner = req.Caller.User
		proc.Visibility = req.Visibility
	default:
		if existing == nil {
			return nil, model.NewNotFoundError("Process", proc.ID)
		}
		if !req.Caller.CanModify(existing.Owner) {
			return nil, model.NewAuthorizationError(fmt.Sprintf("process '%s' belongs to another user", proc.ID))
		}
		if proc.Version, err = model.NextVersion(existing.Version, req.Mode); err != nil {
			return nil, fmt.Errorf("version process %s: %w", proc.ID, err)
		}
		proc.Owner = existing.Owner
		proc.Visibility = req.Visibility
		if proc.Visibility == "" {
			proc.Visibility = existing.Visibility
		}
	}
	if proc.Visibility == "" {
		proc.Visibility = model.VisibilityPublic
	}

	if err := r.store.CreateProcess(ctx, proc); err != nil {
		return nil, err
	}
	r.logger.Info("process deployed", "process_id", proc.ID, "version", proc.Version,
		"mode", req.Mode, "backend", proc.Backend)
	return proc, nil
}

// selectBackend decides how the process runs: an explicit choice wins, a
// remote reference implies the remote backend, otherwise the CWL runner.
func selectBackend(proc *model.Process, req DeployRequest) error {
	backend := req.Backend
	if backend == "" {
		backend = model.BackendCWL
		if req.Remote != nil {
			backend = model.BackendRemote
		}
	}
	fail := func(msg string) error {
		return model.NewValidationError("invalid execution backend",
			model.FieldError{Field: "backend", Message: msg})
	}

	switch backend {
	case model.BackendCWL:
		if proc.Package.CWL == "" {
			return fail("the cwl backend requires a CWL document")
		}
	case model.BackendDocker:
		if proc.Package.Class != "CommandLineTool" {
			return fail("the docker backend runs a single CommandLineTool")
		}
		if proc.DockerImage == "" {
			return fail("the docker backend requires a DockerRequirement with dockerPull")
		}
	case model.BackendRemote:
		if req.Remote == nil || req.Remote.Endpoint == "" {
			return fail("the remote backend requires a remote endpoint")
		}
		remote := *req.Remote
		switch remote.Provider {
		case "":
			remote.Provider = model.ProviderOGCAPI
		case model.ProviderOGCAPI, model.ProviderAppService:
		default:
			return fail(fmt.Sprintf("unknown remote provider %q", remote.Provider))
		}
		if remote.ProcessID == "" {
			remote.ProcessID = proc.ID
		}
		proc.Remote = &remote
	default:
		return fail(fmt.Sprintf("unknown backend %q", backend))
	}
	proc.Backend = backend
	return nil
}

// Undeploy removes every version of a process. In-flight jobs block the
// removal unless force is set, in which case their dismissal is requested.
func (r *Registry) Undeploy(ctx context.Context, id string, force bool, caller model.Caller) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.store.GetProcess(ctx, id, "")
	if err != nil {
		return false, fmt.Errorf("get process %s: %w", id, err)
	}
	if existing == nil || !existing.VisibleTo(caller.User, caller.Admin) {
		return false, model.NewNotFoundError("Process", id)
	}
	if !caller.CanModify(existing.Owner) {
		return false, model.NewAuthorizationError(fmt.Sprintf("process '%s' belongs to another user", id))
	}

	active, err := r.store.CountActiveJobs(ctx, id)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	if active > 0 {
		if !force {
			return false, model.NewConflictError("process '%s' has %d in-flight job(s)", id, active)
		}
		r.dismissActive(ctx, id)
	}

	if err := r.store.DeleteProcess(ctx, id); err != nil {
		return false, fmt.Errorf("delete process %s: %w", id, err)
	}
	r.logger.Info("process undeployed", "process_id", id, "forced", force && active > 0)
	return true, nil
}

func (r *Registry) dismissActive(ctx context.Context, id string) {
	if r.jobs == nil {
		r.logger.Warn("forced undeploy without a job canceller", "process_id", id)
		return
	}
	jobs, err := r.store.ListJobsByStatus(ctx, model.JobStatusAccepted, model.JobStatusRunning)
	if err != nil {
		r.logger.Error("list active jobs", "process_id", id, "error", err)
		return
	}
	system := model.Caller{User: "system", Admin: true}
	for _, job := range jobs {
		if job.ProcessID != id {
			continue
		}
		if _, err := r.jobs.Dismiss(ctx, job.ID, system); err != nil {
			r.logger.Error("dismiss job on undeploy", "job_id", job.ID, "error", err)
		}
	}
}

// Describe returns one version of a process (latest when version is empty).
// Private processes of other owners are reported as not found.
func (r *Registry) Describe(ctx context.Context, id, version string, caller model.Caller) (*model.Process, error) {
	proc, err := r.store.GetProcess(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("get process %s: %w", id, err)
	}
	if proc == nil || !proc.VisibleTo(caller.User, caller.Admin) {
		if version != "" {
			return nil, model.NewNotFoundError("Process", id+"@"+version)
		}
		return nil, model.NewNotFoundError("Process", id)
	}
	return proc, nil
}

// Versions lists every stored version of a process, oldest first.
func (r *Registry) Versions(ctx context.Context, id string, caller model.Caller) ([]*model.Process, error) {
	if _, err := r.Describe(ctx, id, "", caller); err != nil {
		return nil, err
	}
	return r.store.ListProcessVersions(ctx, id)
}

// List returns the latest version of each process visible to opts.Caller.
func (r *Registry) List(ctx context.Context, opts model.ListOptions) ([]*model.Process, int, error) {
	if opts.Visibility != "" && !opts.Visibility.IsValid() {
		return nil, 0, model.NewValidationError("invalid visibility filter",
			model.FieldError{Field: "visibility", Message: fmt.Sprintf("unknown visibility %q", opts.Visibility)})
	}
	return r.store.ListProcesses(ctx, opts)
}

// SetVisibility changes the visibility of every version of a process.
func (r *Registry) SetVisibility(ctx context.Context, id string, v model.Visibility, caller model.Caller) (*model.Process, error) {
	if !v.IsValid() {
		return nil, model.NewValidationError("invalid visibility",
			model.FieldError{Field: "visibility", Message: fmt.Sprintf("unknown visibility %q", v)})
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	existing, err := r.Describe(ctx, id, "", caller)
	if err != nil {
		return nil, err
	}
	if !caller.CanModify(existing.Owner) {
		return nil, model.NewAuthorizationError(fmt.Sprintf("process '%s' belongs to another user", id))
	}
	if err := r.store.SetProcessVisibility(ctx, id, v, r.now()); err != nil {
		return nil, fmt.Errorf("set visibility %s: %w", id, err)
	}
	r.logger.Info("process visibility changed", "process_id", id, "visibility", v)
	return r.store.GetProcess(ctx, id, "")
}

func (r *Registry) fetchPackage(ctx context.Context, href string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", href, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPackageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPackageSize {
		return nil, fmt.Errorf("document exceeds %d bytes", maxPackageSize)
	}
	return data, nil
}
