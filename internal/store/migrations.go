package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all GoWPS tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS processes (
		id           TEXT NOT NULL,
		version      TEXT NOT NULL,
		revision     INTEGER NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		abstract     TEXT NOT NULL DEFAULT '',
		keywords     TEXT NOT NULL DEFAULT '[]',
		inputs       TEXT NOT NULL,
		outputs      TEXT NOT NULL,
		package      TEXT NOT NULL,
		backend      TEXT NOT NULL,
		docker_image TEXT NOT NULL DEFAULT '',
		remote       TEXT NOT NULL DEFAULT 'null',
		visibility   TEXT NOT NULL DEFAULT 'public',
		owner        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_processes_revision ON processes(id, revision)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		process_id        TEXT NOT NULL,
		process_version   TEXT NOT NULL,
		inputs            TEXT NOT NULL DEFAULT '{}',
		outputs           TEXT NOT NULL DEFAULT '[]',
		mode              TEXT NOT NULL DEFAULT 'async',
		status            TEXT NOT NULL DEFAULT 'accepted',
		progress          INTEGER NOT NULL DEFAULT 0,
		message           TEXT NOT NULL DEFAULT '',
		dismiss_requested INTEGER NOT NULL DEFAULT 0,
		owner             TEXT NOT NULL DEFAULT '',
		visibility        TEXT NOT NULL DEFAULT 'private',
		backend           TEXT NOT NULL DEFAULT 'cwl',
		worker_id         TEXT NOT NULL DEFAULT '',
		remote_job_id     TEXT NOT NULL DEFAULT '',
		results           TEXT NOT NULL DEFAULT '[]',
		errors            TEXT NOT NULL DEFAULT '[]',
		created_at        TEXT NOT NULL,
		started_at        TEXT,
		finished_at       TEXT,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_process_id ON jobs(process_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner)`,

	`CREATE TABLE IF NOT EXISTS job_events (
		job_id    TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		progress  INTEGER NOT NULL DEFAULT 0,
		actor     TEXT NOT NULL,
		message   TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		PRIMARY KEY (job_id, seq),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS job_logs (
		job_id    TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		stream    TEXT NOT NULL DEFAULT 'stdout',
		line      TEXT NOT NULL,
		PRIMARY KEY (job_id, seq),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS vault_files (
		id          TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		media_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
		size        INTEGER NOT NULL,
		token_hash  TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		consumed_by TEXT NOT NULL DEFAULT '',
		consumed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vault_files_expires_at ON vault_files(expires_at)`,

	`CREATE TABLE IF NOT EXISTS queue (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL UNIQUE,
		backend     TEXT NOT NULL,
		payload     BLOB NOT NULL,
		state       TEXT NOT NULL DEFAULT 'ready',
		attempts    INTEGER NOT NULL DEFAULT 0,
		worker_id   TEXT NOT NULL DEFAULT '',
		lease_until TEXT,
		created_at  TEXT NOT NULL
	)`,
	// Compound index for the checkout query (state + backend)
	`CREATE INDEX IF NOT EXISTS idx_queue_state_backend ON queue(state, backend)`,

	// Workers table for remote execution
	`CREATE TABLE IF NOT EXISTS workers (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		hostname      TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT 'online',
		backends      TEXT NOT NULL DEFAULT '[]',
		labels        TEXT NOT NULL DEFAULT '{}',
		last_seen     TEXT NOT NULL,
		current_job   TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "jobs",
		column:   "dismissed_at",
		alterSQL: "ALTER TABLE jobs ADD COLUMN dismissed_at TEXT",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
