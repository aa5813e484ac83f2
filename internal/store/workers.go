package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/me/gowps/pkg/model"
)

const workerColumns = `id, name, hostname, state, backends, labels, last_seen, current_job, registered_at`

func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "insert", "table", "workers", "id", w.ID)

	backends, err := marshalJSON("backends", w.Backends)
	if err != nil {
		return err
	}
	labels, err := marshalJSON("labels", w.Labels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Hostname, string(w.State), backends, labels,
		formatTime(w.LastSeen), w.CurrentJob, formatTime(w.RegisteredAt),
	)
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	s.logger.Debug("sql", "op", "select", "table", "workers", "id", id)

	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "update", "table", "workers", "id", w.ID)

	backends, err := marshalJSON("backends", w.Backends)
	if err != nil {
		return err
	}
	labels, err := marshalJSON("labels", w.Labels)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET name=?, hostname=?, state=?, backends=?, labels=?, last_seen=?, current_job=?
		 WHERE id=?`,
		w.Name, w.Hostname, string(w.State), backends, labels,
		formatTime(w.LastSeen), w.CurrentJob, w.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", w.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workers", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list", "table", "workers")

	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var state, backends, labels, lastSeen, registeredAt string
	if err := row.Scan(&w.ID, &w.Name, &w.Hostname, &state, &backends, &labels,
		&lastSeen, &w.CurrentJob, &registeredAt); err != nil {
		return nil, err
	}
	w.State = model.WorkerState(state)
	json.Unmarshal([]byte(backends), &w.Backends)
	json.Unmarshal([]byte(labels), &w.Labels)
	w.LastSeen = parseTime(lastSeen)
	w.RegisteredAt = parseTime(registeredAt)
	return &w, nil
}
