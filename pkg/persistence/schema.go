package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// migrate brings the database schema up to CurrentSchemaVersion.
func migrate(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database: create the schema from scratch.
	if version == 0 {
		return createSchema(db)
	}

	if version == CurrentSchemaVersion {
		return nil
	}

	return fmt.Errorf("database schema version %d is not supported (current is %d)", version, CurrentSchemaVersion)
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Registered worker instances. Rows are never deleted; deregistration
		// stamps deregistered_at so the history survives restarts.
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			capacity INTEGER NOT NULL,
			cost_cents INTEGER NOT NULL DEFAULT 0,
			probe TEXT NOT NULL DEFAULT '',
			registered_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			deregistered_at DATETIME
		)`,

		// Alert rules, including operator-tuned copies of the defaults.
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			condition TEXT NOT NULL,
			threshold REAL NOT NULL DEFAULT 0,
			severity TEXT NOT NULL DEFAULT 'warning',
			enabled INTEGER NOT NULL DEFAULT 1,
			cooldown_seconds INTEGER NOT NULL DEFAULT 300,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_instances_agent_type ON instances(agent_type)",
		"CREATE INDEX IF NOT EXISTS idx_instances_active ON instances(deregistered_at)",
		"CREATE INDEX IF NOT EXISTS idx_alert_rules_condition ON alert_rules(condition)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// schemaVersion returns the current schema version from the database.
func schemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
