package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the reviewd SQLite database at path and
// applies migrations. The returned handle is limited to one connection;
// SQLite serializes writers anyway and a single connection avoids
// SQLITE_BUSY churn under concurrent workflow instances.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Migrate creates the reviewd schema. All statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			scope        TEXT NOT NULL,
			pattern_type TEXT NOT NULL,
			value        TEXT NOT NULL,
			confidence   REAL NOT NULL,
			frequency    INTEGER NOT NULL DEFAULT 0,
			source       TEXT NOT NULL DEFAULT 'trusted',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (scope, pattern_type, value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_scope_type
			ON patterns (scope, pattern_type)`,
		`CREATE TABLE IF NOT EXISTS rule_frequencies (
			rule_id TEXT PRIMARY KEY,
			count   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fix_outcomes (
			fix_id             TEXT PRIMARY KEY,
			issue_id           TEXT NOT NULL,
			workflow_id        TEXT NOT NULL,
			rule_id            TEXT NOT NULL,
			fix_type           TEXT NOT NULL,
			success            INTEGER NOT NULL,
			rollback_performed INTEGER NOT NULL DEFAULT 0,
			validation_errors  TEXT,
			backup_ref         TEXT,
			applied_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fix_outcomes_rule
			ON fix_outcomes (rule_id, fix_type)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			workflow_id TEXT NOT NULL,
			sequence    INTEGER NOT NULL,
			status      TEXT NOT NULL,
			step        TEXT NOT NULL,
			cursor      INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, sequence)
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
