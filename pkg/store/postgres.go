package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
	"github.com/lib/pq"
)

// PostgresStore implements Store against a managed Postgres instance.
// Deployments that already run the surrounding platform's database point
// aptsimd at it; single-node setups use SQLiteStore instead.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with a lib/pq DSN and ensures the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenants (
		tenant_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		scenario_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
		name TEXT NOT NULL,
		description TEXT,
		threat_actor TEXT,
		attack_vector TEXT,
		stealth_mode BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL REFERENCES scenarios(scenario_id),
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		seed BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		error TEXT,
		results JSONB
	);

	CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL,
		event_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		stage TEXT NOT NULL,
		tactic TEXT NOT NULL,
		technique TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		impact_score INTEGER NOT NULL,
		detection_probability DOUBLE PRECISION NOT NULL,
		narrative TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detection_logs (
		seq BIGSERIAL,
		detection_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		event_id TEXT NOT NULL REFERENCES events(event_id),
		detection_type TEXT NOT NULL,
		confidence_score DOUBLE PRECISION NOT NULL,
		alert_severity TEXT NOT NULL,
		blocked BOOLEAN NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		usage_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		unit TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		webhook_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		events TEXT[] NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_detections_run ON detection_logs(run_id, seq);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id, ts);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, name, token_hash, created_at) VALUES ($1, $2, $3, $4)`,
		t.TenantID, t.Name, t.TokenHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, token_hash, created_at FROM tenants WHERE tenant_id = $1`, tenantID))
}

func (s *PostgresStore) GetTenantByTokenHash(ctx context.Context, hash string) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, token_hash, created_at FROM tenants WHERE token_hash = $1`, hash))
}

func (s *PostgresStore) CreateScenario(ctx context.Context, sc *Scenario) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (scenario_id, tenant_id, name, description, threat_actor, attack_vector, stealth_mode, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ScenarioID, sc.TenantID, sc.Name, sc.Description, sc.ThreatActor, sc.AttackVector, sc.StealthMode, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScenario(ctx context.Context, scenarioID string) (*Scenario, error) {
	var sc Scenario
	err := s.db.QueryRowContext(ctx,
		`SELECT scenario_id, tenant_id, name, COALESCE(description, ''), COALESCE(threat_actor, ''), COALESCE(attack_vector, ''), stealth_mode, created_at
		 FROM scenarios WHERE scenario_id = $1`, scenarioID).
		Scan(&sc.ScenarioID, &sc.TenantID, &sc.Name, &sc.Description, &sc.ThreatActor, &sc.AttackVector, &sc.StealthMode, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scenario: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) ListScenarios(ctx context.Context, tenantID string) ([]*Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scenario_id, tenant_id, name, COALESCE(description, ''), COALESCE(threat_actor, ''), COALESCE(attack_vector, ''), stealth_mode, created_at
		 FROM scenarios WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var out []*Scenario
	for rows.Next() {
		var sc Scenario
		if err := rows.Scan(&sc.ScenarioID, &sc.TenantID, &sc.Name, &sc.Description, &sc.ThreatActor, &sc.AttackVector, &sc.StealthMode, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, scenario_id, tenant_id, status, current_stage, progress_percent, seed, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.RunID, r.ScenarioID, r.TenantID, r.Status, r.CurrentStage, r.ProgressPercent, r.Seed, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, scenario_id, tenant_id, status, current_stage, progress_percent, seed, started_at, completed_at, error, results
		 FROM runs WHERE run_id = $1`, runID)
	return scanRun(row.Scan)
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, stage killchain.Stage, percent int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_stage = $1, progress_percent = $2 WHERE run_id = $3 AND status = $4`,
		stage, percent, runID, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s is not running: %w", runID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, results RunResults, completedAt time.Time) error {
	blob, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal run results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, progress_percent = 100, completed_at = $2, results = $3 WHERE run_id = $4 AND status = $5`,
		RunStatusCompleted, completedAt, string(blob), runID, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s is not running: %w", runID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkRunTerminal(ctx context.Context, runID string, status RunStatus, errMsg string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, error = $2, completed_at = $3 WHERE run_id = $4 AND status IN ($5, $6)`,
		status, errMsg, at, runID, RunStatusPending, RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to mark run terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, scenario_id, tenant_id, status, current_stage, progress_percent, seed, started_at, completed_at, error, results
		 FROM runs WHERE status = $1 AND started_at < $2 ORDER BY started_at`,
		RunStatusRunning, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, stage, tactic, technique, success, impact_score, detection_probability, narrative, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.EventID, ev.RunID, ev.Stage, ev.Tactic, ev.Technique, ev.Success, ev.ImpactScore, ev.DetectionProbability, ev.Narrative, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, stage, tactic, technique, success, impact_score, detection_probability, narrative, ts
		 FROM events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.Stage, &ev.Tactic, &ev.Technique, &ev.Success, &ev.ImpactScore, &ev.DetectionProbability, &ev.Narrative, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendDetection(ctx context.Context, d *DetectionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_logs (detection_id, run_id, event_id, detection_type, confidence_score, alert_severity, blocked, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.DetectionID, d.RunID, d.EventID, d.DetectionType, d.ConfidenceScore, d.AlertSeverity, d.Blocked, d.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append detection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunDetections(ctx context.Context, runID string) ([]*DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT detection_id, run_id, event_id, detection_type, confidence_score, alert_severity, blocked, ts
		 FROM detection_logs WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []*DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		if err := rows.Scan(&d.DetectionID, &d.RunID, &d.EventID, &d.DetectionType, &d.ConfidenceScore, &d.AlertSeverity, &d.Blocked, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordUsage(ctx context.Context, u *UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (usage_id, tenant_id, run_id, unit, quantity, ts) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.UsageID, u.TenantID, u.RunID, u.Unit, u.Quantity, u.Ts)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, tenantID string) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT usage_id, tenant_id, run_id, unit, quantity, ts FROM usage_records WHERE tenant_id = $1 ORDER BY ts`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var u UsageRecord
		if err := rows.Scan(&u.UsageID, &u.TenantID, &u.RunID, &u.Unit, &u.Quantity, &u.Ts); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RegisterWebhook(ctx context.Context, cfg *WebhookConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (webhook_id, url, secret, events, active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		cfg.WebhookID, cfg.URL, cfg.Secret, pq.Array(cfg.Events), cfg.Active, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context) ([]*WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT webhook_id, url, secret, events, active, created_at FROM webhooks WHERE active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*WebhookConfig
	for rows.Next() {
		var cfg WebhookConfig
		if err := rows.Scan(&cfg.WebhookID, &cfg.URL, &cfg.Secret, pq.Array(&cfg.Events), &cfg.Active, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}
