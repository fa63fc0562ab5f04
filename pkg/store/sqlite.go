package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the SQLite connection and schema. It is the default
// embedded backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	// Enable WAL mode (Write-Ahead Logging)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenants (
		tenant_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		scenario_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
		name TEXT NOT NULL,
		description TEXT,
		threat_actor TEXT,
		attack_vector TEXT,
		stealth_mode INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL REFERENCES scenarios(scenario_id),
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		seed INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		error TEXT,
		results JSON
	);

	-- Append-only; rows are never updated or deleted mid-run.
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		stage TEXT NOT NULL,
		tactic TEXT NOT NULL,
		technique TEXT NOT NULL,
		success INTEGER NOT NULL,
		impact_score INTEGER NOT NULL,
		detection_probability REAL NOT NULL,
		narrative TEXT NOT NULL,
		ts DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detection_logs (
		detection_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		event_id TEXT NOT NULL REFERENCES events(event_id),
		detection_type TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		alert_severity TEXT NOT NULL,
		blocked INTEGER NOT NULL,
		ts DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		usage_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		unit TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		ts DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		webhook_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Replay order within a run (consumers read events back for aggregation)
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts);
	CREATE INDEX IF NOT EXISTS idx_detections_run ON detection_logs(run_id, ts);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id, ts);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
