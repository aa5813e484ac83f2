package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var alice = model.Caller{User: "alice"}

type fakeDequeuer struct {
	mu    sync.Mutex
	acked []string
}

func (f *fakeDequeuer) Ack(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, jobID)
	return nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	return NewManager(st, nil, opts...), st
}

func createJob(t *testing.T, m *Manager, id string) *model.Job {
	t.Helper()
	job := &model.Job{
		ID: id, ProcessID: "echo", ProcessVersion: "1.0.0", Mode: model.ModeAsync,
		Owner: "alice", Visibility: model.VisibilityPublic, Backend: model.BackendCWL,
	}
	require.NoError(t, m.Create(context.Background(), job, model.ActorClient))
	return job
}

func statuses(events []model.StatusEvent) []model.JobStatus {
	out := make([]model.JobStatus, len(events))
	for i, ev := range events {
		out[i] = ev.To
	}
	return out
}

func TestTransition_Lifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	createJob(t, m, "job_1")

	job, err := m.Transition(ctx, "job_1", model.JobStatusRunning, Update{Actor: model.ActorWorker, WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	require.Equal(t, "w1", job.WorkerID)

	job, err = m.Transition(ctx, "job_1", model.JobStatusRunning, Update{Actor: model.ActorWorker, Progress: 50})
	require.NoError(t, err)
	require.Equal(t, 50, job.Progress)
	job, err = m.Transition(ctx, "job_1", model.JobStatusRunning, Update{Actor: model.ActorWorker, Progress: 30, Message: "late report"})
	require.NoError(t, err)
	require.Equal(t, 50, job.Progress, "progress never decreases")
	require.Equal(t, "late report", job.Message)

	job, err = m.Transition(ctx, "job_1", model.JobStatusSucceeded, Update{
		Actor:   model.ActorWorker,
		Results: []model.OutputReference{{ID: "out", Value: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, 100, job.Progress)
	require.NotNil(t, job.FinishedAt)
	require.Len(t, job.Results, 1)

	_, err = m.Transition(ctx, "job_1", model.JobStatusFailed, Update{Actor: model.ActorWorker})
	require.True(t, model.IsCode(err, model.ErrConflict), "terminal jobs do not move, got %v", err)

	history, err := m.History(ctx, "job_1")
	require.NoError(t, err)
	require.Equal(t, []model.JobStatus{model.JobStatusAccepted, model.JobStatusRunning, model.JobStatusSucceeded}, statuses(history))
	for i, ev := range history {
		require.Equal(t, i+1, ev.Seq)
	}
	require.Equal(t, model.JobStatusRunning, history[2].From)
}

func TestTransition_Rules(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	createJob(t, m, "job_1")

	_, err := m.Transition(ctx, "job_1", model.JobStatusRunning, Update{Actor: model.ActorClient})
	require.True(t, model.IsCode(err, model.ErrUnauthorized), "got %v", err)

	_, err = m.Transition(ctx, "job_1", model.JobStatusSucceeded, Update{Actor: model.ActorWorker})
	require.True(t, model.IsCode(err, model.ErrConflict), "accepted cannot skip running, got %v", err)

	_, err = m.Transition(ctx, "missing", model.JobStatusRunning, Update{Actor: model.ActorWorker})
	require.True(t, model.IsCode(err, model.ErrNotFound))

	job, err := m.Get(ctx, "job_1")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, job.Status)
}

func TestDismiss(t *testing.T) {
	q := &fakeDequeuer{}
	m, _ := newTestManager(t, WithQueue(q))
	ctx := context.Background()

	createJob(t, m, "job_accepted")
	createJob(t, m, "job_running")
	_, err := m.Transition(ctx, "job_running", model.JobStatusRunning, Update{Actor: model.ActorWorker})
	require.NoError(t, err)

	_, err = m.Dismiss(ctx, "job_accepted", model.Caller{User: "bob"})
	require.True(t, model.IsCode(err, model.ErrUnauthorized), "got %v", err)

	job, err := m.Dismiss(ctx, "job_accepted", alice)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDismissed, job.Status)
	require.Equal(t, []string{"job_accepted"}, q.acked)

	job, err = m.Dismiss(ctx, "job_running", model.Caller{User: "root", Admin: true})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRunning, job.Status, "running jobs stop cooperatively")
	require.True(t, job.DismissRequested)
	requested, err := NewLocalReporter(m, "w1").DismissRequested(ctx, "job_running")
	require.NoError(t, err)
	require.True(t, requested)

	_, err = m.Transition(ctx, "job_running", model.JobStatusDismissed, Update{Actor: model.ActorWorker})
	require.NoError(t, err)

	before, err := m.History(ctx, "job_running")
	require.NoError(t, err)
	job, err = m.Dismiss(ctx, "job_running", alice)
	require.NoError(t, err, "dismissing a terminal job is a no-op")
	require.Equal(t, model.JobStatusDismissed, job.Status)
	after, err := m.History(ctx, "job_running")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestWait(t *testing.T) {
	m, _ := newTestManager(t, WithPollInterval(time.Hour))
	ctx := context.Background()
	createJob(t, m, "job_1")

	done := make(chan *model.Job)
	go func() {
		job, err := m.Wait(ctx, "job_1")
		if err != nil {
			done <- nil
			return
		}
		done <- job
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := m.Transition(ctx, "job_1", model.JobStatusRunning, Update{Actor: model.ActorWorker})
	require.NoError(t, err)
	_, err = m.Transition(ctx, "job_1", model.JobStatusFailed, Update{Actor: model.ActorWorker})
	require.NoError(t, err)

	select {
	case job := <-done:
		require.NotNil(t, job)
		require.Equal(t, model.JobStatusFailed, job.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait was not notified")
	}
}

func TestWaitTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	createJob(t, m, "job_1")

	job, err := m.WaitTimeout(context.Background(), "job_1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, job.Status)
}

func TestRelayReporter(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	relay := NewRelayReporter(m)

	createJob(t, m, "job_1")
	job, err := relay.ReportRemote(ctx, "job_1", "completed", Report{RemoteJobID: "r-42"})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusSucceeded, job.Status)
	require.Equal(t, "r-42", job.RemoteJobID)

	history, err := m.History(ctx, "job_1")
	require.NoError(t, err)
	require.Equal(t, []model.JobStatus{model.JobStatusAccepted, model.JobStatusRunning, model.JobStatusSucceeded}, statuses(history))
	require.Equal(t, model.ActorRelay, history[1].Actor)

	createJob(t, m, "job_2")
	_, err = relay.ReportRemote(ctx, "job_2", "in-progress", Report{Progress: 40})
	require.NoError(t, err)
	job, err = relay.ReportRemote(ctx, "job_2", "queued", Report{})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRunning, job.Status, "a stale queued report does not move the job back")
	job, err = relay.ReportRemote(ctx, "job_2", "paused-by-operator", Report{})
	require.NoError(t, err)
	require.Equal(t, "remote status: paused-by-operator", job.Message)
	require.Equal(t, 40, job.Progress)
}

func TestMapRemoteStatus(t *testing.T) {
	tests := map[string]model.JobStatus{
		"accepted":    model.JobStatusAccepted,
		"queued":      model.JobStatusAccepted,
		"in-progress": model.JobStatusRunning,
		"Running":     model.JobStatusRunning,
		"successful":  model.JobStatusSucceeded,
		"completed":   model.JobStatusSucceeded,
		"failed":      model.JobStatusFailed,
		"deleted":     model.JobStatusDismissed,
		"dismissed":   model.JobStatusDismissed,
	}
	for in, want := range tests {
		got, ok := MapRemoteStatus(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	_, ok := MapRemoteStatus("weird")
	require.False(t, ok)
}

func TestReaperTick(t *testing.T) {
	base := time.Now().UTC()
	clock := base
	m, st := newTestManager(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	q := queue.NewMemory()

	// dismissal requested, worker never reacts
	createJob(t, m, "job_stuck")
	_, err := m.Transition(ctx, "job_stuck", model.JobStatusRunning, Update{Actor: model.ActorWorker})
	require.NoError(t, err)
	_, err = m.Dismiss(ctx, "job_stuck", alice)
	require.NoError(t, err)

	// running job whose worker disappeared
	createJob(t, m, "job_lost")
	require.NoError(t, q.Enqueue(ctx, &queue.Message{JobID: "job_lost", Backend: model.BackendCWL}))
	_, err = q.Checkout(ctx, "w1", []model.BackendKind{model.BackendCWL}, -time.Minute)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "job_lost", model.JobStatusRunning, Update{Actor: model.ActorWorker})
	require.NoError(t, err)

	// leased but never started
	createJob(t, m, "job_unstarted")
	require.NoError(t, q.Enqueue(ctx, &queue.Message{JobID: "job_unstarted", Backend: model.BackendCWL}))
	_, err = q.Checkout(ctx, "w2", []model.BackendKind{model.BackendCWL}, -time.Minute)
	require.NoError(t, err)

	// finished long ago
	createJob(t, m, "job_old")
	_, err = m.Transition(ctx, "job_old", model.JobStatusRunning, Update{Actor: model.ActorWorker})
	require.NoError(t, err)
	_, err = m.Transition(ctx, "job_old", model.JobStatusSucceeded, Update{Actor: model.ActorWorker})
	require.NoError(t, err)

	var cleaned []string
	reaper := NewReaper(m, st, q, nil, ReaperConfig{DismissGrace: time.Minute, Retention: time.Hour}, nil,
		func(_ context.Context, id string) error {
			cleaned = append(cleaned, id)
			return nil
		})

	clock = base.Add(2 * time.Hour)
	require.NoError(t, reaper.Tick(ctx, clock))

	job, err := m.Get(ctx, "job_stuck")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDismissed, job.Status)

	job, err = m.Get(ctx, "job_lost")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, job.Status)
	require.Equal(t, ErrorWorkerLost, job.Errors[0].Code)

	job, err = m.Get(ctx, "job_unstarted")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusAccepted, job.Status)
	msg, err := q.Checkout(ctx, "w3", []model.BackendKind{model.BackendCWL}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "job_unstarted", msg.JobID, "unstarted jobs are requeued")

	_, err = m.Get(ctx, "job_old")
	require.True(t, model.IsCode(err, model.ErrNotFound))
	require.Equal(t, []string{"job_old"}, cleaned)
}

func TestReaperStartStop(t *testing.T) {
	m, st := newTestManager(t)
	reaper := NewReaper(m, st, queue.NewMemory(), nil, ReaperConfig{Interval: 5 * time.Millisecond}, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- reaper.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	reaper.Stop()
	require.NoError(t, <-errCh)
}
