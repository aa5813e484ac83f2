package store

import (
	"context"
	"fmt"

	"github.com/me/gowps/pkg/model"
)

// AppendLogs appends lines to a job's log, assigning consecutive sequence numbers.
func (s *SQLiteStore) AppendLogs(ctx context.Context, jobID string, lines []model.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "job_logs", "job_id", jobID, "lines", len(lines))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM job_logs WHERE job_id = ?`, jobID).Scan(&next); err != nil {
		return fmt.Errorf("next log seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_logs (job_id, seq, timestamp, stream, line) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range lines {
		next++
		lines[i].JobID = jobID
		lines[i].Seq = next
		stream := lines[i].Stream
		if stream == "" {
			stream = model.StreamStdout
		}
		if _, err := stmt.ExecContext(ctx, jobID, next, formatTime(lines[i].Timestamp), string(stream), lines[i].Line); err != nil {
			return fmt.Errorf("insert log line: %w", err)
		}
	}
	return tx.Commit()
}

// ListLogs returns up to limit lines with seq > after, in order.
func (s *SQLiteStore) ListLogs(ctx context.Context, jobID string, after int64, limit int) ([]model.LogLine, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_logs", "job_id", jobID, "after", after)
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, seq, timestamp, stream, line FROM job_logs
		 WHERE job_id = ? AND seq > ? ORDER BY seq LIMIT ?`, jobID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		var ts, stream string
		if err := rows.Scan(&l.JobID, &l.Seq, &ts, &stream, &l.Line); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		l.Stream = model.LogStream(stream)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
