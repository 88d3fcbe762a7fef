package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocal(path); err != nil {
		if errors.Is(err, ErrNetworkFilesystem) {
			return nil, fmt.Errorf("%w; SQLite needs local disk for locking, pass --state-db with a local path", err)
		}
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the run ledger tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_run (
  id            TEXT PRIMARY KEY,
  pipeline      TEXT NOT NULL,
  cohort_dir    TEXT NOT NULL,
  config_digest TEXT NOT NULL,
  config        JSON NOT NULL DEFAULT '{}',
  status        TEXT NOT NULL,
  started_at    TEXT NOT NULL,
  completed_at  TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS stage_run (
  run_id       TEXT NOT NULL REFERENCES pipeline_run(id) ON DELETE CASCADE,
  stage_index  INTEGER NOT NULL,
  stage        TEXT NOT NULL,
  options      JSON NOT NULL DEFAULT '{}',
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT,
  last_error   TEXT,
  stderr       TEXT,
  PRIMARY KEY (run_id, stage_index)
);`,
		`CREATE INDEX IF NOT EXISTS pipeline_run_cohort_digest_idx ON pipeline_run(cohort_dir, config_digest);`,
		`CREATE INDEX IF NOT EXISTS stage_run_stage_status_idx ON stage_run(stage, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
