package remote

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	states    []Status
	statusErr error
	submitted *Submission
	dismissed []string
	polls     int
}

func (f *fakeProvider) Submit(_ context.Context, sub Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = &sub
	return "r-1", nil
}

func (f *fakeProvider) Status(context.Context, string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return Status{}, f.statusErr
	}
	st := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return st, nil
}

func (f *fakeProvider) Dismiss(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, id)
	return nil
}

func (f *fakeProvider) Results(context.Context, string) (map[string]any, error) {
	return map[string]any{"mean": 0.5}, nil
}

func (f *fakeProvider) Logs(context.Context, string) (string, error) {
	return "remote says hi\n", nil
}

type relayed struct {
	status string
	rep    jobs.Report
}

type fakeRelay struct {
	mu   sync.Mutex
	seen []relayed
}

func (f *fakeRelay) ReportRemote(_ context.Context, _ string, status string, rep jobs.Report) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, relayed{status, rep})
	return &model.Job{}, nil
}

func newTestAdapter(prov Provider, relay Relay) *Adapter {
	factory := func(*model.RemoteRef) (Provider, error) { return prov, nil }
	return NewAdapter(factory, relay, Config{
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: time.Second,
		RetryInterval:  time.Millisecond,
		MaxRetries:     2,
		MaxElapsed:     time.Second,
	}, nil)
}

func remoteUnit() *model.ExecutionUnit {
	return &model.ExecutionUnit{
		JobID:        "job_1",
		Backend:      model.BackendRemote,
		Remote:       &model.RemoteRef{Provider: model.ProviderOGCAPI, Endpoint: "http://remote", ProcessID: "stats"},
		RemoteInputs: map[string]any{"n": 3},
		Outputs:      []model.OutputRequest{{ID: "mean", Transmission: model.TransmissionValue}},
	}
}

func TestAdapter_Succeeds(t *testing.T) {
	prov := &fakeProvider{states: []Status{
		{State: "accepted"},
		{State: "running", Progress: 50},
		{State: "successful"},
	}}
	relay := &fakeRelay{}
	var logs bytes.Buffer

	res, err := newTestAdapter(prov, relay).Run(context.Background(), remoteUnit(), &logs)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusSucceeded, res.Status)
	require.Equal(t, "r-1", res.RemoteJobID)
	require.Equal(t, map[string]any{"mean": 0.5}, res.Outputs)
	require.Equal(t, "remote says hi\n", logs.String())

	require.Equal(t, "stats", prov.submitted.ProcessID)
	require.Equal(t, map[string]any{"n": 3}, prov.submitted.Inputs)

	require.Len(t, relay.seen, 3)
	require.Equal(t, "r-1", relay.seen[0].rep.RemoteJobID)
	require.Equal(t, "accepted", relay.seen[1].status)
	require.Equal(t, 50, relay.seen[2].rep.Progress)
}

func TestAdapter_RemoteFailure(t *testing.T) {
	prov := &fakeProvider{states: []Status{{State: "failed", Message: "out of memory"}}}
	res, err := newTestAdapter(prov, &fakeRelay{}).Run(context.Background(), remoteUnit(), nil)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, res.Status)
	require.Len(t, res.Errors, 1)
	require.Equal(t, ErrorRemoteFailed, res.Errors[0].Code)
	require.Equal(t, "out of memory", res.Errors[0].Message)
}

func TestAdapter_Unavailable(t *testing.T) {
	prov := &fakeProvider{statusErr: &StatusError{StatusCode: 503}}
	_, err := newTestAdapter(prov, &fakeRelay{}).Run(context.Background(), remoteUnit(), nil)
	require.True(t, model.IsCode(err, model.ErrRemoteUnavailable), "got %v", err)
	require.Equal(t, 3, prov.polls, "one call plus two retries")
}

func TestAdapter_PermanentErrorIsNotRetried(t *testing.T) {
	prov := &fakeProvider{statusErr: &StatusError{StatusCode: 401}}
	_, err := newTestAdapter(prov, &fakeRelay{}).Run(context.Background(), remoteUnit(), nil)
	require.Error(t, err)
	require.False(t, model.IsCode(err, model.ErrRemoteUnavailable))
	require.Equal(t, 1, prov.polls)
}

func TestAdapter_DismissForwarded(t *testing.T) {
	prov := &fakeProvider{states: []Status{{State: "running"}}}
	ctx, cancel := context.WithCancel(context.Background())
	relay := &fakeRelay{}

	done := make(chan error, 1)
	go func() {
		_, err := newTestAdapter(prov, relay).Run(ctx, remoteUnit(), nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return prov.polls > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, []string{"r-1"}, prov.dismissed)
}

func TestNewFactory(t *testing.T) {
	factory := NewFactory(ProviderOptions{})
	p, err := factory(&model.RemoteRef{Provider: model.ProviderOGCAPI, Endpoint: "http://x"})
	require.NoError(t, err)
	require.IsType(t, &OGCProvider{}, p)

	p, err = factory(&model.RemoteRef{Provider: model.ProviderAppService, Endpoint: "http://x"})
	require.NoError(t, err)
	require.IsType(t, &AppServiceProvider{}, p)

	_, err = factory(&model.RemoteRef{Provider: "soap", Endpoint: "http://x"})
	require.Error(t, err)
	_, err = factory(nil)
	require.Error(t, err)
}
