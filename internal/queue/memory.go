package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/me/gowps/pkg/model"
)

// Memory is an in-process Queue for tests and single-binary setups that do
// not need durability.
type Memory struct {
	mu    sync.Mutex
	items []*Message // FIFO; leased entries keep their position
	now   func() time.Time
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (q *Memory) Enqueue(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.find(msg.JobID) != nil {
		return fmt.Errorf("job %s is already queued", msg.JobID)
	}
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = q.now().UTC()
	}
	cp.WorkerID = ""
	cp.LeaseUntil = time.Time{}
	q.items = append(q.items, &cp)
	return nil
}

func (q *Memory) Checkout(_ context.Context, workerID string, backends []model.BackendKind, lease time.Duration) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.WorkerID != "" || !slices.Contains(backends, m.Backend) {
			continue
		}
		m.WorkerID = workerID
		m.LeaseUntil = q.now().Add(lease)
		m.Attempts++
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (q *Memory) Extend(_ context.Context, jobID, workerID string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.find(jobID)
	if m == nil || m.WorkerID != workerID {
		return fmt.Errorf("no lease on job %s for worker %s", jobID, workerID)
	}
	m.LeaseUntil = q.now().Add(lease)
	return nil
}

func (q *Memory) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = slices.DeleteFunc(q.items, func(m *Message) bool { return m.JobID == jobID })
	return nil
}

func (q *Memory) Nack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.find(jobID)
	if m == nil {
		return fmt.Errorf("queue message for job %s not found", jobID)
	}
	m.WorkerID = ""
	m.LeaseUntil = time.Time{}
	return nil
}

func (q *Memory) Expired(_ context.Context, at time.Time) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Message
	for _, m := range q.items {
		if m.WorkerID != "" && m.LeaseUntil.Before(at) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len returns the number of queued messages, leased or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Memory) find(jobID string) *Message {
	for _, m := range q.items {
		if m.JobID == jobID {
			return m
		}
	}
	return nil
}
