// Package queue carries execution units from the dispatcher to workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/pkg/model"
)

// Message is one job's execution unit waiting for, or leased by, a worker.
type Message struct {
	JobID      string              `json:"job_id"`
	Backend    model.BackendKind   `json:"backend"`
	Unit       model.ExecutionUnit `json:"unit"`
	Attempts   int                 `json:"attempts"`
	WorkerID   string              `json:"worker_id,omitempty"`
	LeaseUntil time.Time           `json:"lease_until"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Queue is a lease-based work queue. A checked-out message stays invisible
// to other workers until it is acked, nacked or its lease runs out.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
	// Checkout leases the oldest message whose backend is in backends.
	// Returns nil, nil when nothing is ready.
	Checkout(ctx context.Context, workerID string, backends []model.BackendKind, lease time.Duration) (*Message, error)
	Extend(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Ack(ctx context.Context, jobID string) error
	// Nack returns a leased message to the ready state.
	Nack(ctx context.Context, jobID string) error
	// Expired lists leased messages whose lease ended before at.
	Expired(ctx context.Context, at time.Time) ([]*Message, error)
}

// Durable is the store-backed Queue; messages survive restarts.
type Durable struct {
	store store.Store
}

var _ Queue = (*Durable)(nil)

// NewDurable creates a queue over st.
func NewDurable(st store.Store) *Durable {
	return &Durable{store: st}
}

func (q *Durable) Enqueue(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg.Unit)
	if err != nil {
		return fmt.Errorf("encode execution unit: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return q.store.Enqueue(ctx, &store.QueueMessage{
		JobID:     msg.JobID,
		Backend:   msg.Backend,
		Payload:   payload,
		CreatedAt: msg.CreatedAt,
	})
}

func (q *Durable) Checkout(ctx context.Context, workerID string, backends []model.BackendKind, lease time.Duration) (*Message, error) {
	qm, err := q.store.Checkout(ctx, workerID, backends, lease)
	if err != nil || qm == nil {
		return nil, err
	}
	return decode(qm)
}

func (q *Durable) Extend(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	return q.store.ExtendLease(ctx, jobID, workerID, lease)
}

func (q *Durable) Ack(ctx context.Context, jobID string) error {
	return q.store.Ack(ctx, jobID)
}

func (q *Durable) Nack(ctx context.Context, jobID string) error {
	return q.store.Requeue(ctx, jobID)
}

func (q *Durable) Expired(ctx context.Context, at time.Time) ([]*Message, error) {
	qms, err := q.store.ListExpiredLeases(ctx, at)
	if err != nil {
		return nil, err
	}
	msgs := make([]*Message, 0, len(qms))
	for _, qm := range qms {
		msg, err := decode(qm)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decode(qm *store.QueueMessage) (*Message, error) {
	msg := &Message{
		JobID:     qm.JobID,
		Backend:   qm.Backend,
		Attempts:  qm.Attempts,
		WorkerID:  qm.WorkerID,
		CreatedAt: qm.CreatedAt,
	}
	if qm.LeaseUntil != nil {
		msg.LeaseUntil = *qm.LeaseUntil
	}
	if err := json.Unmarshal(qm.Payload, &msg.Unit); err != nil {
		return nil, fmt.Errorf("decode execution unit for job %s: %w", qm.JobID, err)
	}
	return msg, nil
}
