package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/staging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/internal/vault"
	"github.com/me/gowps/pkg/cwl"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var alice = model.Caller{User: "alice"}

type fakeProcesses map[string]*model.Process

func (f fakeProcesses) Describe(_ context.Context, id, _ string, _ model.Caller) (*model.Process, error) {
	p, ok := f[id]
	if !ok {
		return nil, model.NewNotFoundError("Process", id)
	}
	return p, nil
}

func wordCount() *model.Process {
	return &model.Process{
		ID:      "wc",
		Version: "1.0.0",
		Inputs: []model.Parameter{
			{ID: "text", Type: model.TypeFile, MinOccurs: 1, MaxOccurs: 1, Formats: []model.Format{{MediaType: "text/plain"}}},
			{ID: "mode", Type: model.TypeEnum, MinOccurs: 0, MaxOccurs: 1, AllowedValues: []string{"lines", "words"}, Default: "lines"},
			{ID: "limit", Type: model.TypeInt, MinOccurs: 0, MaxOccurs: 1},
			{ID: "tags", Type: model.TypeString, MinOccurs: 0, MaxOccurs: 2},
		},
		Outputs: []model.Parameter{
			{ID: "report", Type: model.TypeFile, MinOccurs: 1, MaxOccurs: 1},
			{ID: "count", Type: model.TypeInt, MinOccurs: 1, MaxOccurs: 1},
		},
		Package:    model.ExecutionPackage{CWL: "cwlVersion: v1.2\nclass: CommandLineTool\n"},
		Backend:    model.BackendDocker,
		Visibility: model.VisibilityPublic,
	}
}

func remoteArea() *model.Process {
	return &model.Process{
		ID:      "area",
		Version: "2.0.0",
		Inputs: []model.Parameter{
			{ID: "shape", Type: model.TypeFile, MinOccurs: 1, MaxOccurs: 1},
			{ID: "unit", Type: model.TypeString, MinOccurs: 0, MaxOccurs: 1},
		},
		Outputs:    []model.Parameter{{ID: "area", Type: model.TypeDouble, MinOccurs: 1, MaxOccurs: 1}},
		Backend:    model.BackendRemote,
		Remote:     &model.RemoteRef{Provider: model.ProviderOGCAPI, Endpoint: "http://remote", ProcessID: "polygon-area"},
		Visibility: model.VisibilityPublic,
	}
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, *queue.Message) error { return errors.New("disk full") }

type harness struct {
	dispatcher *Dispatcher
	manager    *jobs.Manager
	store      store.Store
	queue      *queue.Memory
	vault      *vault.Vault
	workRoot   string
	inputRoot  string
}

func newHarness(t *testing.T, cfg Config, q queue.Queue) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	h := &harness{
		manager:   jobs.NewManager(st, nil, jobs.WithPollInterval(10*time.Millisecond)),
		store:     st,
		queue:     queue.NewMemory(),
		vault:     vault.New(st, t.TempDir(), vault.Options{TTL: time.Hour}, nil),
		workRoot:  t.TempDir(),
		inputRoot: t.TempDir(),
	}
	if q == nil {
		q = h.queue
	}
	resolver := staging.New(staging.Options{Root: h.workRoot, Parallelism: 2}, nil)
	resolver.Register(cwl.SchemeFile, staging.NewFileFetcher([]string{h.inputRoot}))
	resolver.Register(cwl.SchemeVault, staging.NewVaultFetcher(h.vault))
	procs := fakeProcesses{"wc": wordCount(), "area": remoteArea()}
	h.dispatcher = New(procs, resolver, h.manager, q, cfg, nil, WithVault(h.vault))
	return h
}

func (h *harness) inputFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.inputRoot, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func literal(v any) model.InputList { return model.InputList{{Value: v}} }
func href(h string) model.InputList { return model.InputList{{Href: h}} }

func TestSubmit_Async(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	text := h.inputFile(t, "words.txt", "one two\n")

	job, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Inputs: map[string]model.InputList{
			"text":  href(text),
			"mode":  literal("words"),
			"limit": literal(float64(10)),
			"tags":  {{Value: "a"}, {Value: "b"}},
		},
	}, alice)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, job.Status)
	require.Equal(t, "alice", job.Owner)
	require.Equal(t, model.ModeAsync, job.Mode)
	require.Equal(t, []model.OutputRequest{
		{ID: "report", Transmission: model.TransmissionReference},
		{ID: "count", Transmission: model.TransmissionValue},
	}, job.Outputs)

	stored, err := h.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, stored.Status)
	require.Equal(t, "text/plain", stored.Inputs["text"][0].MediaType)

	msg, err := h.queue.Checkout(context.Background(), "w1", []model.BackendKind{model.BackendDocker}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	unit := msg.Unit
	require.Equal(t, job.ID, unit.JobID)
	require.Equal(t, filepath.Join(h.workRoot, job.ID), unit.WorkDir)
	file := unit.JobOrder["text"].(map[string]any)
	require.Equal(t, filepath.Join(unit.WorkDir, "inputs", "text", "0", "words.txt"), file["path"])
	require.Equal(t, []any{"a", "b"}, unit.JobOrder["tags"])
	require.Equal(t, "words", unit.JobOrder["mode"])
}

func TestSubmit_ValidationLeavesNothing(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Inputs: map[string]model.InputList{
			"bogus": literal("x"),
			"mode":  literal("chars"),
			"limit": literal(2.5),
			"tags":  {{Value: "a"}, {Value: "b"}, {Value: "c"}},
		},
		Outputs: map[string]model.OutputRequest{"report": {Transmission: "carrier-pigeon"}},
	}, alice)
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.ErrValidation, apiErr.Code)

	fields := map[string]bool{}
	for _, d := range apiErr.Details {
		fields[d.Field] = true
	}
	for _, f := range []string{"inputs.bogus", "inputs.text", "inputs.mode[0]", "inputs.limit[0]", "inputs.tags", "outputs.report"} {
		require.True(t, fields[f], "missing detail for %s in %v", f, apiErr.Details)
	}

	_, total, err := h.store.ListJobs(context.Background(), model.ListOptions{Limit: 10, Admin: true})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Zero(t, h.queue.Len())
}

func TestSubmit_StagingFailureCleansUp(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	_, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Inputs:    map[string]model.InputList{"text": href(outside)},
	}, alice)
	require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)

	entries, err := os.ReadDir(h.workRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, h.queue.Len())
}

func TestSubmit_UnknownProcess(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{ProcessID: "nope"}, alice)
	require.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestSubmit_SyncTimesOut(t *testing.T) {
	h := newHarness(t, Config{SyncTimeout: 50 * time.Millisecond}, nil)
	text := h.inputFile(t, "a.txt", "a\n")

	job, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Mode:      model.ModeSync,
		Inputs:    map[string]model.InputList{"text": href(text)},
	}, alice)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, job.Status, "nobody ran it, async tracking continues")
}

func TestSubmit_SyncWaitsForTerminal(t *testing.T) {
	h := newHarness(t, Config{SyncTimeout: 5 * time.Second}, nil)
	text := h.inputFile(t, "a.txt", "a\n")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		var msg *queue.Message
		for msg == nil {
			msg, _ = h.queue.Checkout(ctx, "w1", []model.BackendKind{model.BackendDocker}, time.Minute)
			time.Sleep(5 * time.Millisecond)
		}
		rep := jobs.NewLocalReporter(h.manager, "w1")
		rep.Report(ctx, msg.JobID, jobs.Report{Status: model.JobStatusRunning})
		rep.Report(ctx, msg.JobID, jobs.Report{Status: model.JobStatusSucceeded, Progress: 100})
	}()

	job, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Mode:      model.ModeSync,
		Inputs:    map[string]model.InputList{"text": href(text)},
	}, alice)
	<-done
	require.NoError(t, err)
	require.Equal(t, model.JobStatusSucceeded, job.Status)
}

func TestSubmit_Remote(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	job, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "area",
		Inputs: map[string]model.InputList{
			"shape": {{Href: "https://data.example/field.geojson", MediaType: "application/geo+json"}},
			"unit":  literal("ha"),
		},
	}, alice)
	require.NoError(t, err)
	require.Equal(t, model.BackendRemote, job.Backend)
	require.Equal(t, "https://data.example/field.geojson", job.Inputs["shape"][0].Source)

	msg, err := h.queue.Checkout(context.Background(), "w1", []model.BackendKind{model.BackendRemote}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"shape": map[string]any{"href": "https://data.example/field.geojson", "type": "application/geo+json"},
		"unit":  "ha",
	}, msg.Unit.RemoteInputs)
	require.Equal(t, "polygon-area", msg.Unit.Remote.ProcessID)

	_, err = h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "area",
		Inputs:    map[string]model.InputList{"shape": href("vault://abc")},
	}, alice)
	require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
}

func TestSubmit_EnqueueFailureEndsJob(t *testing.T) {
	h := newHarness(t, Config{}, failingQueue{})
	text := h.inputFile(t, "a.txt", "a\n")

	_, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Inputs:    map[string]model.InputList{"text": href(text)},
	}, alice)
	require.True(t, model.IsCode(err, model.ErrInternal), "got %v", err)

	list, _, err := h.store.ListJobs(context.Background(), model.ListOptions{Limit: 10, Admin: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, model.JobStatusDismissed, list[0].Status)
}

func (h *harness) upload(t *testing.T, name, mediaType, content string) model.InputList {
	t.Helper()
	f, token, err := h.vault.Upload(context.Background(), name, mediaType, strings.NewReader(content))
	require.NoError(t, err)
	return model.InputList{{Href: "vault://" + f.ID, Token: token}}
}

func (h *harness) vaultFileExists(t *testing.T, in model.InputList) bool {
	t.Helper()
	_, id := cwl.ParseLocationScheme(in[0].Href)
	_, err := h.vault.Stat(context.Background(), id, in[0].Token)
	if model.IsCode(err, model.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestSubmit_VaultOwnershipClaimsQueuedJob(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	text := h.upload(t, "words.txt", "text/plain", "one two\n")

	job, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID:      "wc",
		Inputs:         map[string]model.InputList{"text": text},
		VaultOwnership: true,
	}, alice)
	require.NoError(t, err)
	require.False(t, h.vaultFileExists(t, text), "owned vault input is consumed")

	msg, err := h.queue.Checkout(context.Background(), "w1", []model.BackendKind{model.BackendDocker}, time.Minute)
	require.NoError(t, err)
	staged := msg.Unit.JobOrder["text"].(map[string]any)["path"].(string)
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, "one two\n", string(data))
	require.Equal(t, job.ID, msg.JobID)

	shared := h.upload(t, "shared.txt", "text/plain", "x\n")
	_, err = h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
		ProcessID: "wc",
		Inputs:    map[string]model.InputList{"text": shared},
	}, alice)
	require.NoError(t, err)
	require.True(t, h.vaultFileExists(t, shared), "without ownership the file stays")
}

func TestSubmit_FailedSubmissionKeepsVaultFile(t *testing.T) {
	t.Run("staging", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		image := h.upload(t, "scene.png", "image/png", "png")
		_, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
			ProcessID:      "wc",
			Inputs:         map[string]model.InputList{"text": image},
			VaultOwnership: true,
		}, alice)
		require.True(t, model.IsCode(err, model.ErrValidation), "got %v", err)
		require.True(t, h.vaultFileExists(t, image))
	})
	t.Run("enqueue", func(t *testing.T) {
		h := newHarness(t, Config{}, failingQueue{})
		text := h.upload(t, "words.txt", "text/plain", "a\n")
		_, err := h.dispatcher.Submit(context.Background(), model.ExecuteRequest{
			ProcessID:      "wc",
			Inputs:         map[string]model.InputList{"text": text},
			VaultOwnership: true,
		}, alice)
		require.True(t, model.IsCode(err, model.ErrInternal), "got %v", err)
		require.True(t, h.vaultFileExists(t, text))
	})
}

func TestSubmit_SyncCallerGoneReturnsJob(t *testing.T) {
	h := newHarness(t, Config{SyncTimeout: 5 * time.Second}, nil)
	text := h.inputFile(t, "a.txt", "a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for h.queue.Len() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	job, err := h.dispatcher.Submit(ctx, model.ExecuteRequest{
		ProcessID: "wc",
		Mode:      model.ModeSync,
		Inputs:    map[string]model.InputList{"text": href(text)},
	}, alice)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, job.Status)
	require.Equal(t, 1, h.queue.Len(), "the job stays queued")
}
