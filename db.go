package main

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time. Keeping a single shared connection
	// avoids intra-process write contention that can surface as SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := execStatements(db,
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=15000;`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite pragmas: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func applyMigrations(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS kv_state (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS token_refresh_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_refresh_at TEXT,
			source TEXT,
			ok INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			expires_at TEXT,
			updated_at TEXT NOT NULL
		);`,
	}

	if err := execStatements(db, statements...); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}

	return nil
}

func execStatements(db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
