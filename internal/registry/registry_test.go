package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
)

const echoCWL = `
cwlVersion: v1.2
class: CommandLineTool
id: echo
baseCommand: echo
hints:
  DockerRequirement:
    dockerPull: alpine:3
inputs:
  message:
    type: string
    inputBinding: {position: 1}
outputs:
  out: {type: stdout}
stdout: out.txt
`

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return New(st, nil, opts...), st
}

var alice = model.Caller{User: "alice"}

type fakeCanceller struct {
	mu        sync.Mutex
	dismissed []string
}

func (f *fakeCanceller) Dismiss(_ context.Context, jobID string, _ model.Caller) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, jobID)
	return &model.Job{ID: jobID, Status: model.JobStatusDismissed}, nil
}

func addJob(t *testing.T, st store.Store, id, processID string, status model.JobStatus) {
	t.Helper()
	now := time.Now().UTC()
	job := &model.Job{
		ID: id, ProcessID: processID, ProcessVersion: "1.0.0", Status: status,
		Mode: model.ModeAsync, Visibility: model.VisibilityPublic, Backend: model.BackendCWL,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job, &model.StatusEvent{
		To: status, Actor: model.ActorClient, Timestamp: now,
	}))
}

func TestDeploy_CreateAndDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	proc, err := reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Caller: alice})
	require.NoError(t, err)
	require.Equal(t, "echo", proc.ID)
	require.Equal(t, model.InitialVersion, proc.Version)
	require.Equal(t, model.VisibilityPublic, proc.Visibility)
	require.Equal(t, model.BackendCWL, proc.Backend)
	require.Equal(t, "alice", proc.Owner)

	_, err = reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Caller: alice})
	require.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)
}

func TestDeploy_UpdateAndReplaceKeepVersions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Caller: alice, Visibility: model.VisibilityPrivate})
	require.NoError(t, err)

	updated, err := reg.Deploy(ctx, DeployRequest{ID: "echo", Mode: model.DeployUpdate, CWL: []byte(echoCWL), Caller: alice})
	require.NoError(t, err)
	require.Equal(t, "1.1.0", updated.Version)
	require.Equal(t, model.VisibilityPrivate, updated.Visibility, "visibility is inherited")

	replaced, err := reg.Deploy(ctx, DeployRequest{ID: "echo", Mode: model.DeployReplace, CWL: []byte(echoCWL), Caller: alice})
	require.NoError(t, err)
	require.Equal(t, "2.0.0", replaced.Version)

	versions, err := reg.Versions(ctx, "echo", alice)
	require.NoError(t, err)
	require.Len(t, versions, 3)

	old, err := reg.Describe(ctx, "echo", "1.0.0", alice)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", old.Version)

	latest, err := reg.Describe(ctx, "echo", "", alice)
	require.NoError(t, err)
	require.Equal(t, "2.0.0", latest.Version)
}

func TestDeploy_UpdateRules(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Deploy(ctx, DeployRequest{ID: "echo", Mode: model.DeployUpdate, CWL: []byte(echoCWL)})
	require.True(t, model.IsCode(err, model.ErrNotFound), "got %v", err)

	_, err = reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Caller: alice})
	require.NoError(t, err)
	_, err = reg.Deploy(ctx, DeployRequest{ID: "echo", Mode: model.DeployUpdate, CWL: []byte(echoCWL), Caller: model.Caller{User: "mallory"}})
	require.True(t, model.IsCode(err, model.ErrUnauthorized), "got %v", err)

	_, err = reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Mode: "merge"})
	require.True(t, model.IsCode(err, model.ErrValidation))
}

func TestDeploy_Validation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := map[string]DeployRequest{
		"bad id":            {ID: "not a url id", CWL: []byte(echoCWL)},
		"no id":             {CWL: []byte("class: CommandLineTool\ninputs: {}\noutputs: {}")},
		"bad visibility":    {CWL: []byte(echoCWL), Visibility: "secret"},
		"remote no target":  {CWL: []byte(echoCWL), Backend: model.BackendRemote},
		"unknown backend":   {CWL: []byte(echoCWL), Backend: "slurm"},
		"docker no image":   {ID: "x", CWL: []byte("class: CommandLineTool\ninputs: {}\noutputs: {}"), Backend: model.BackendDocker},
		"cwl without a doc": {WPS: []byte(`{"id": "remote-only"}`)},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Deploy(ctx, req)
			require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
		})
	}

	_, err := reg.Deploy(ctx, DeployRequest{
		CWL: []byte(echoCWL),
		WPS: []byte(`{"inputs": {"message": {"maxOccurs": 5}}}`),
	})
	require.True(t, model.IsCode(err, model.ErrPackageMismatch), "got %v", err)

	procs, total, err := reg.List(ctx, model.Caller{Admin: true}.ListOptions())
	require.NoError(t, err)
	require.Zero(t, total, "failed deploys store nothing")
	require.Empty(t, procs)
}

func TestDeploy_RemoteAndDocker(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	remote, err := reg.Deploy(ctx, DeployRequest{
		WPS:    []byte(`{"id": "ndvi", "inputs": {"scene": {"schema": {"type": "string", "contentMediaType": "image/tiff"}}}}`),
		Remote: &model.RemoteRef{Endpoint: "https://ades.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, model.BackendRemote, remote.Backend)
	require.Equal(t, model.ProviderOGCAPI, remote.Remote.Provider)
	require.Equal(t, "ndvi", remote.Remote.ProcessID)

	docker, err := reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Backend: model.BackendDocker})
	require.NoError(t, err)
	require.Equal(t, "alpine:3", docker.DockerImage)
}

func TestDeploy_ByReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/echo.cwl" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(echoCWL))
	}))
	defer srv.Close()

	reg, _ := newTestRegistry(t)
	proc, err := reg.Deploy(context.Background(), DeployRequest{Href: srv.URL + "/echo.cwl"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/echo.cwl", proc.Package.Href)
	require.Contains(t, proc.Package.CWL, "baseCommand: echo")

	_, err = reg.Deploy(context.Background(), DeployRequest{Href: srv.URL + "/missing.cwl"})
	require.True(t, model.IsCode(err, model.ErrValidation))
}

func TestUndeploy(t *testing.T) {
	canceller := &fakeCanceller{}
	reg, st := newTestRegistry(t, WithJobCanceller(canceller))
	ctx := context.Background()

	_, err := reg.Undeploy(ctx, "echo", false, alice)
	require.True(t, model.IsCode(err, model.ErrNotFound))

	_, err = reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Caller: alice})
	require.NoError(t, err)
	addJob(t, st, "job_1", "echo", model.JobStatusRunning)
	addJob(t, st, "job_2", "echo", model.JobStatusSucceeded)

	_, err = reg.Undeploy(ctx, "echo", false, model.Caller{User: "bob"})
	require.True(t, model.IsCode(err, model.ErrUnauthorized))

	_, err = reg.Undeploy(ctx, "echo", false, alice)
	require.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)

	ok, err := reg.Undeploy(ctx, "echo", true, alice)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"job_1"}, canceller.dismissed)

	_, err = reg.Describe(ctx, "echo", "", alice)
	require.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestVisibility(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	bob := model.Caller{User: "bob"}

	_, err := reg.Deploy(ctx, DeployRequest{CWL: []byte(echoCWL), Caller: alice, Visibility: model.VisibilityPrivate})
	require.NoError(t, err)

	_, err = reg.Describe(ctx, "echo", "", bob)
	require.True(t, model.IsCode(err, model.ErrNotFound), "private processes are hidden")
	procs, _, err := reg.List(ctx, bob.ListOptions())
	require.NoError(t, err)
	require.Empty(t, procs)

	_, err = reg.SetVisibility(ctx, "echo", model.VisibilityPublic, bob)
	require.True(t, model.IsCode(err, model.ErrNotFound))
	_, err = reg.SetVisibility(ctx, "echo", "hidden", alice)
	require.True(t, model.IsCode(err, model.ErrValidation))

	proc, err := reg.SetVisibility(ctx, "echo", model.VisibilityPublic, alice)
	require.NoError(t, err)
	require.Equal(t, model.VisibilityPublic, proc.Visibility)

	procs, total, err := reg.List(ctx, bob.ListOptions())
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "echo", procs[0].ID)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("p")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Empty(t, k.locks)
}
