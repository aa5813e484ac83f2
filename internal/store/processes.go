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

const processColumns = `id, version, title, abstract, keywords, inputs, outputs, package,
	backend, docker_image, remote, visibility, owner, created_at, updated_at`

// CreateProcess inserts one process version. The revision is assigned inside
// the same statement, so a version becomes visible atomically or not at all.
func (s *SQLiteStore) CreateProcess(ctx context.Context, p *model.Process) error {
	s.logger.Debug("sql", "op", "insert", "table", "processes", "id", p.ID, "version", p.Version)

	keywords, err := marshalJSON("keywords", p.Keywords)
	if err != nil {
		return err
	}
	inputs, err := marshalJSON("inputs", p.Inputs)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON("outputs", p.Outputs)
	if err != nil {
		return err
	}
	pkg, err := marshalJSON("package", p.Package)
	if err != nil {
		return err
	}
	remote, err := marshalJSON("remote", p.Remote)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (id, version, revision, title, abstract, keywords, inputs, outputs, package,
		 backend, docker_image, remote, visibility, owner, created_at, updated_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(revision), 0) + 1 FROM processes WHERE id = ?),
		 ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Version, p.ID, p.Title, p.Abstract, keywords, inputs, outputs, pkg,
		string(p.Backend), p.DockerImage, remote, string(p.Visibility), p.Owner,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return model.NewConflictError("process '%s' version %s already exists", p.ID, p.Version)
	}
	return err
}

// GetProcess returns one version of a process, or the latest when version is
// empty. Returns nil, nil when nothing matches.
func (s *SQLiteStore) GetProcess(ctx context.Context, id, version string) (*model.Process, error) {
	s.logger.Debug("sql", "op", "select", "table", "processes", "id", id, "version", version)

	var row *sql.Row
	if version == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+processColumns+` FROM processes WHERE id = ? ORDER BY revision DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+processColumns+` FROM processes WHERE id = ? AND version = ?`, id, version)
	}
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProcesses returns the latest version of each process visible under opts.
func (s *SQLiteStore) ListProcesses(ctx context.Context, opts model.ListOptions) ([]*model.Process, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "processes", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	where := []string{`revision = (SELECT MAX(p2.revision) FROM processes p2 WHERE p2.id = processes.id)`}
	var args []any
	if !opts.Admin {
		where = append(where, `(visibility = 'public' OR owner = ?)`)
		args = append(args, opts.Caller)
	}
	if opts.Visibility != "" {
		where = append(where, `visibility = ?`)
		args = append(args, string(opts.Visibility))
	}
	if opts.Keyword != "" {
		kw := "%" + strings.ToLower(opts.Keyword) + "%"
		where = append(where, `(LOWER(id) LIKE ? OR LOWER(title) LIKE ? OR LOWER(keywords) LIKE ?)`)
		args = append(args, kw, kw, kw)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processColumns+` FROM processes`+clause+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var procs []*model.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, 0, err
		}
		procs = append(procs, p)
	}
	return procs, total, rows.Err()
}

// ListProcessVersions returns every stored version of a process, oldest first.
func (s *SQLiteStore) ListProcessVersions(ctx context.Context, id string) ([]*model.Process, error) {
	s.logger.Debug("sql", "op", "list_versions", "table", "processes", "id", id)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE id = ? ORDER BY revision`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []*model.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// SetProcessVisibility changes the visibility of every version of a process.
func (s *SQLiteStore) SetProcessVisibility(ctx context.Context, id string, v model.Visibility, at time.Time) error {
	s.logger.Debug("sql", "op", "update_visibility", "table", "processes", "id", id, "visibility", v)

	result, err := s.db.ExecContext(ctx,
		`UPDATE processes SET visibility = ?, updated_at = ? WHERE id = ?`,
		string(v), formatTime(at), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("process %s not found", id)
	}
	return nil
}

// DeleteProcess removes every version of a process.
func (s *SQLiteStore) DeleteProcess(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "processes", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("process %s not found", id)
	}
	return nil
}

func scanProcess(row scanner) (*model.Process, error) {
	var p model.Process
	var keywords, inputs, outputs, pkg, remote string
	var backend, visibility, createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.Version, &p.Title, &p.Abstract, &keywords, &inputs, &outputs, &pkg,
		&backend, &p.DockerImage, &remote, &visibility, &p.Owner, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(inputs), &p.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &p.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(pkg), &p.Package); err != nil {
		return nil, fmt.Errorf("unmarshal package: %w", err)
	}
	json.Unmarshal([]byte(keywords), &p.Keywords)
	json.Unmarshal([]byte(remote), &p.Remote)
	p.Backend = model.BackendKind(backend)
	p.Visibility = model.Visibility(visibility)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
