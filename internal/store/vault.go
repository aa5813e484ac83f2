package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/me/gowps/pkg/model"
)

const vaultColumns = `id, filename, media_type, size, token_hash, created_at, expires_at, consumed_by, consumed_at`

func (s *SQLiteStore) CreateVaultFile(ctx context.Context, f *model.VaultFile) error {
	s.logger.Debug("sql", "op", "insert", "table", "vault_files", "id", f.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_files (`+vaultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.MediaType, f.Size, f.TokenHash,
		formatTime(f.CreatedAt), formatTime(f.ExpiresAt), f.ConsumedBy, formatNullableTime(f.ConsumedAt),
	)
	return err
}

func (s *SQLiteStore) GetVaultFile(ctx context.Context, id string) (*model.VaultFile, error) {
	s.logger.Debug("sql", "op", "select", "table", "vault_files", "id", id)

	f, err := scanVaultFile(s.db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vault_files WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ConsumeVaultFile claims an unconsumed file for a job. It reports false when
// another job already claimed it.
func (s *SQLiteStore) ConsumeVaultFile(ctx context.Context, id, jobID string, at time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "consume", "table", "vault_files", "id", id, "job_id", jobID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE vault_files SET consumed_by = ?, consumed_at = ? WHERE id = ? AND consumed_by = ''`,
		jobID, formatTime(at), id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) DeleteVaultFile(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "vault_files", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM vault_files WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("vault file %s not found", id)
	}
	return nil
}

// ListVaultFilesExpiredBefore returns files whose expiry is at or before at.
func (s *SQLiteStore) ListVaultFilesExpiredBefore(ctx context.Context, at time.Time) ([]*model.VaultFile, error) {
	s.logger.Debug("sql", "op", "select_expired", "table", "vault_files")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM vault_files WHERE expires_at <= ? ORDER BY expires_at`, formatTime(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.VaultFile
	for rows.Next() {
		f, err := scanVaultFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// VaultUsage returns the total size of all stored vault files.
func (s *SQLiteStore) VaultUsage(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM vault_files`).Scan(&total)
	return total, err
}

func scanVaultFile(row scanner) (*model.VaultFile, error) {
	var f model.VaultFile
	var createdAt, expiresAt string
	var consumedAt *string
	if err := row.Scan(&f.ID, &f.Filename, &f.MediaType, &f.Size, &f.TokenHash,
		&createdAt, &expiresAt, &f.ConsumedBy, &consumedAt); err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(createdAt)
	f.ExpiresAt = parseTime(expiresAt)
	f.ConsumedAt = parseNullableTime(consumedAt)
	return &f, nil
}
