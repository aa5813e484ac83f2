package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/me/gowps/pkg/model"
)

const jobColumns = `id, process_id, process_version, inputs, outputs, mode, status, progress, message,
	dismiss_requested, owner, visibility, backend, worker_id, remote_job_id, results, errors,
	created_at, started_at, finished_at, updated_at, dismissed_at`

// CreateJob inserts a job together with its first status event.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job, first *model.StatusEvent) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inputs, err := marshalJSON("inputs", job.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON("outputs", job.Outputs)
	if err != nil {
		return err
	}
	results, err := marshalJSON("results", job.Results)
	if err != nil {
		return err
	}
	errs, err := marshalJSON("errors", job.Errors)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProcessID, job.ProcessVersion, inputs, outputs, string(job.Mode),
		string(job.Status), job.Progress, job.Message, boolToInt(job.DismissRequested),
		job.Owner, string(job.Visibility), string(job.Backend), job.WorkerID, job.RemoteJobID,
		results, errs, formatTime(job.CreatedAt), formatNullableTime(job.StartedAt),
		formatNullableTime(job.FinishedAt), formatTime(job.UpdatedAt), formatNullableTime(job.DismissedAt),
	)
	if err != nil {
		return err
	}
	if first != nil {
		first.JobID = job.ID
		if err := insertEvent(ctx, tx, first); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetJob returns a job, or nil, nil when it does not exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs returns jobs visible under opts, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset, "state", opts.State)
	opts.Clamp()

	var where []string
	var args []any
	if !opts.Admin {
		where = append(where, `(visibility = 'public' OR owner = ?)`)
		args = append(args, opts.Caller)
	}
	if opts.State != "" {
		where = append(where, `status = ?`)
		args = append(args, opts.State)
	}
	if opts.ProcessID != "" {
		where = append(where, `process_id = ?`)
		args = append(args, opts.ProcessID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+clause+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

// ListJobsByStatus returns every job in one of the given statuses, oldest first.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "select_by_status", "table", "jobs", "statuses", statuses)
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// CountActiveJobs counts non-terminal jobs referencing any version of a process.
func (s *SQLiteStore) CountActiveJobs(ctx context.Context, processID string) (int, error) {
	s.logger.Debug("sql", "op", "count_active", "table", "jobs", "process_id", processID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE process_id = ? AND status IN ('accepted', 'running')`,
		processID).Scan(&n)
	return n, err
}

// MutateJob reads a job, applies fn and writes the result plus fn's status
// event in one transaction.
func (s *SQLiteStore) MutateJob(ctx context.Context, id string, fn JobMutation) (*model.Job, error) {
	s.logger.Debug("sql", "op", "mutate", "table", "jobs", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, model.NewNotFoundError("Job", id)
	}
	if err != nil {
		return nil, err
	}

	ev, err := fn(job)
	if err != nil {
		return nil, err
	}

	results, err := marshalJSON("results", job.Results)
	if err != nil {
		return nil, err
	}
	errs, err := marshalJSON("errors", job.Errors)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, progress=?, message=?, dismiss_requested=?, worker_id=?, remote_job_id=?,
		 results=?, errors=?, started_at=?, finished_at=?, updated_at=?, dismissed_at=? WHERE id=?`,
		string(job.Status), job.Progress, job.Message, boolToInt(job.DismissRequested),
		job.WorkerID, job.RemoteJobID, results, errs,
		formatNullableTime(job.StartedAt), formatNullableTime(job.FinishedAt),
		formatTime(job.UpdatedAt), formatNullableTime(job.DismissedAt), job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if ev != nil {
		ev.JobID = job.ID
		if err := insertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListJobEvents returns a job's recorded transitions in order.
func (s *SQLiteStore) ListJobEvents(ctx context.Context, id string) ([]model.StatusEvent, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_events", "job_id", id)

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, seq, from_status, to_status, progress, actor, message, timestamp
		 FROM job_events WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.StatusEvent
	for rows.Next() {
		var ev model.StatusEvent
		var from, to, actor, ts string
		if err := rows.Scan(&ev.JobID, &ev.Seq, &from, &to, &ev.Progress, &actor, &ev.Message, &ts); err != nil {
			return nil, err
		}
		ev.From = model.JobStatus(from)
		ev.To = model.JobStatus(to)
		ev.Actor = model.Actor(actor)
		ev.Timestamp = parseTime(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteJob removes a job with its events and logs.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "jobs", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// ListJobsFinishedBefore returns terminal jobs that finished before the cutoff.
func (s *SQLiteStore) ListJobsFinishedBefore(ctx context.Context, before time.Time) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "select_finished_before", "table", "jobs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('succeeded', 'failed', 'dismissed') AND finished_at IS NOT NULL AND finished_at < ?
		 ORDER BY finished_at`, formatTime(before))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *model.StatusEvent) error {
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = ?`, ev.JobID).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, seq, from_status, to_status, progress, actor, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Seq, string(ev.From), string(ev.To), ev.Progress, string(ev.Actor), ev.Message,
		formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var inputs, outputs, mode, status, visibility, backend, results, errs string
	var dismissRequested int
	var createdAt, updatedAt string
	var startedAt, finishedAt, dismissedAt *string

	if err := row.Scan(&job.ID, &job.ProcessID, &job.ProcessVersion, &inputs, &outputs, &mode, &status,
		&job.Progress, &job.Message, &dismissRequested, &job.Owner, &visibility, &backend,
		&job.WorkerID, &job.RemoteJobID, &results, &errs,
		&createdAt, &startedAt, &finishedAt, &updatedAt, &dismissedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(inputs), &job.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	json.Unmarshal([]byte(outputs), &job.Outputs)
	json.Unmarshal([]byte(results), &job.Results)
	json.Unmarshal([]byte(errs), &job.Errors)
	job.Mode = model.ExecutionMode(mode)
	job.Status = model.JobStatus(status)
	job.Visibility = model.Visibility(visibility)
	job.Backend = model.BackendKind(backend)
	job.DismissRequested = dismissRequested != 0
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	job.StartedAt = parseNullableTime(startedAt)
	job.FinishedAt = parseNullableTime(finishedAt)
	job.DismissedAt = parseNullableTime(dismissedAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
