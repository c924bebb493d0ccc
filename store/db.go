// SPDX-License-Identifier: MIT
// Attestation Gateway - SQLite database management
//
// Opens the gateway database, tunes the connection and applies schema
// migrations. The audit sink and the trust scorer share one connection.
//
// Every migration runs in its own transaction and is recorded in
// schema_version. Append new migrations; never edit an applied one.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// one schema version upgrade
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "attestation audit log",
		sql: `
			CREATE TABLE audit_log (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp    TIMESTAMP NOT NULL,
				request_id   TEXT NOT NULL DEFAULT '',
				device_id    TEXT NOT NULL,
				platform     TEXT NOT NULL DEFAULT '',
				validator    TEXT NOT NULL DEFAULT '',
				fingerprint  TEXT NOT NULL DEFAULT '',
				result       TEXT NOT NULL,
				reason       TEXT NOT NULL,
				error_detail TEXT NOT NULL DEFAULT '',
				metadata     TEXT NOT NULL DEFAULT '{}',
				duration_ms  REAL NOT NULL DEFAULT 0,
				cached       INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_audit_log_timestamp ON audit_log(timestamp);
			CREATE INDEX idx_audit_log_device ON audit_log(device_id);
			CREATE INDEX idx_audit_log_result ON audit_log(result);

			CREATE TRIGGER audit_log_no_update BEFORE UPDATE ON audit_log
			BEGIN
				SELECT RAISE(ABORT, 'audit log is append-only');
			END;

			CREATE TRIGGER audit_log_no_delete BEFORE DELETE ON audit_log
			BEGIN
				SELECT RAISE(ABORT, 'audit log is append-only');
			END;
		`,
	},
	{
		version:     2,
		description: "per-device trust scores",
		sql: `
			CREATE TABLE trust_scores (
				device_id             TEXT PRIMARY KEY,
				score                 INTEGER NOT NULL CHECK(score BETWEEN 0 AND 100),
				consecutive_successes INTEGER NOT NULL DEFAULT 0,
				total_validations     INTEGER NOT NULL DEFAULT 0,
				total_failures        INTEGER NOT NULL DEFAULT 0,
				first_seen            TIMESTAMP NOT NULL,
				last_seen             TIMESTAMP NOT NULL
			);

			CREATE INDEX idx_trust_scores_last_seen ON trust_scores(last_seen);
		`,
	},
	{
		version:     3,
		description: "audit lookups by request and platform",
		sql: `
			CREATE INDEX idx_audit_log_request ON audit_log(request_id);
			CREATE INDEX idx_audit_log_platform_time ON audit_log(platform, timestamp);
		`,
	},
}

// connection settings applied before migrations
var pragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"busy_timeout", "5000"},
	{"synchronous", "NORMAL"},
	{"cache_size", "-16000"},
	{"temp_store", "MEMORY"},
}

// opens or creates the SQLite database at path and brings its schema up to
// date. ":memory:" is accepted for tests.
func OpenDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// single writer; a :memory: database only exists on its one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configure(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configure(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	for _, p := range pragmas {
		stmt := "PRAGMA " + p.name + "=" + p.value
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("set %s: %w", p.name, err)
		}
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.sql); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
				m.version, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		slog.Info("applied database migration", "version", m.version, "description", m.description)
	}
	return nil
}

// runs fn in a transaction, committing only when it returns nil
func inTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// highest applied migration, 0 for a fresh database
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}
