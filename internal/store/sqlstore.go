// Package store opens the shared relational store (accounts, jobs,
// history, recovery_log) and owns its schema. Every component that needs
// transactional persistence (account store, job queue, recovery engine)
// shares one *sql.DB handle from Open.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema is current.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; avoids conditional-update races under concurrent access.
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL,
			window_name TEXT NOT NULL UNIQUE,
			credentials_blob BLOB NOT NULL,
			status TEXT NOT NULL,
			health_score INTEGER NOT NULL DEFAULT 100,
			daily_upload_count INTEGER NOT NULL DEFAULT 0,
			daily_upload_limit INTEGER NOT NULL DEFAULT 2,
			last_upload_at INTEGER,
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_window_name ON accounts(window_name)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source_path TEXT NOT NULL,
			description TEXT,
			tags TEXT,
			privacy TEXT,
			schedule_time INTEGER,
			pinned_account_id TEXT,
			priority INTEGER NOT NULL DEFAULT 5,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			scheduled_for INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT,
			result TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account_id ON jobs(pinned_account_id)`,

		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			account_id TEXT,
			session_pool_id TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error_summary TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_job_id ON history(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_account_id ON history(account_id)`,

		`CREATE TABLE IF NOT EXISTS recovery_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			error_class TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			action TEXT NOT NULL,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			message TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_log_key ON recovery_log(error_class, resource_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
