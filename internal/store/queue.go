package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/me/gowps/pkg/model"
)

const queueColumns = `id, job_id, backend, payload, attempts, worker_id, lease_until, created_at`

// Enqueue stores a ready message. A job can be enqueued only once.
func (s *SQLiteStore) Enqueue(ctx context.Context, msg *QueueMessage) error {
	s.logger.Debug("sql", "op", "insert", "table", "queue", "job_id", msg.JobID)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (job_id, backend, payload, state, created_at) VALUES (?, ?, ?, 'ready', ?)`,
		msg.JobID, string(msg.Backend), msg.Payload, formatTime(msg.CreatedAt))
	if err != nil {
		return err
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

// Checkout atomically leases the oldest ready message whose backend is in
// backends. Returns nil, nil if nothing is available.
func (s *SQLiteStore) Checkout(ctx context.Context, workerID string, backends []model.BackendKind, lease time.Duration) (*QueueMessage, error) {
	s.logger.Debug("sql", "op", "checkout", "table", "queue", "worker_id", workerID, "backends", backends)
	if len(backends) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(backends)), ",")
	args := make([]any, len(backends))
	for i, b := range backends {
		args[i] = string(b)
	}
	msg, err := scanQueueMessage(tx.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue WHERE state = 'ready' AND backend IN (`+placeholders+`)
		 ORDER BY id LIMIT 1`, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	until := time.Now().Add(lease)
	_, err = tx.ExecContext(ctx,
		`UPDATE queue SET state = 'leased', worker_id = ?, lease_until = ?, attempts = attempts + 1
		 WHERE id = ? AND state = 'ready'`,
		workerID, formatTime(until), msg.ID)
	if err != nil {
		return nil, fmt.Errorf("lease message: %w", err)
	}

	// Update worker's current_job.
	_, err = tx.ExecContext(ctx,
		`UPDATE workers SET current_job = ?, last_seen = ? WHERE id = ?`,
		msg.JobID, formatTime(time.Now()), workerID)
	if err != nil {
		return nil, fmt.Errorf("update worker current_job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	msg.WorkerID = workerID
	msg.Attempts++
	msg.LeaseUntil = &until
	return msg, nil
}

// ExtendLease pushes out the lease of a message held by workerID.
func (s *SQLiteStore) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	s.logger.Debug("sql", "op", "extend_lease", "table", "queue", "job_id", jobID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE queue SET lease_until = ? WHERE job_id = ? AND worker_id = ? AND state = 'leased'`,
		formatTime(time.Now().Add(lease)), jobID, workerID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no lease on job %s for worker %s", jobID, workerID)
	}
	return nil
}

// Ack removes a finished message.
func (s *SQLiteStore) Ack(ctx context.Context, jobID string) error {
	s.logger.Debug("sql", "op", "ack", "table", "queue", "job_id", jobID)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET current_job = '' WHERE current_job = ?`, jobID)
	return err
}

// Requeue returns a leased message to the ready state.
func (s *SQLiteStore) Requeue(ctx context.Context, jobID string) error {
	s.logger.Debug("sql", "op", "requeue", "table", "queue", "job_id", jobID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE queue SET state = 'ready', worker_id = '', lease_until = NULL WHERE job_id = ?`, jobID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("queue message for job %s not found", jobID)
	}
	return nil
}

// ListExpiredLeases returns leased messages whose lease ended before at.
func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, at time.Time) ([]*QueueMessage, error) {
	s.logger.Debug("sql", "op", "select_expired", "table", "queue")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue WHERE state = 'leased' AND lease_until < ? ORDER BY id`,
		formatTime(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*QueueMessage
	for rows.Next() {
		msg, err := scanQueueMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func scanQueueMessage(row scanner) (*QueueMessage, error) {
	var msg QueueMessage
	var backend, createdAt string
	var leaseUntil *string
	if err := row.Scan(&msg.ID, &msg.JobID, &backend, &msg.Payload, &msg.Attempts,
		&msg.WorkerID, &leaseUntil, &createdAt); err != nil {
		return nil, err
	}
	msg.Backend = model.BackendKind(backend)
	msg.LeaseUntil = parseNullableTime(leaseUntil)
	msg.CreatedAt = parseTime(createdAt)
	return &msg, nil
}
