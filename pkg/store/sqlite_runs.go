package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
)

// --- Tenants ---

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		t.TenantID, t.Name, t.TokenHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, token_hash, created_at FROM tenants WHERE tenant_id = ?`, tenantID))
}

func (s *SQLiteStore) GetTenantByTokenHash(ctx context.Context, hash string) (*Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, token_hash, created_at FROM tenants WHERE token_hash = ?`, hash))
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.TenantID, &t.Name, &t.TokenHash, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return &t, nil
}

// --- Scenarios ---

func (s *SQLiteStore) CreateScenario(ctx context.Context, sc *Scenario) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scenarios (scenario_id, tenant_id, name, description, threat_actor, attack_vector, stealth_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ScenarioID, sc.TenantID, sc.Name, sc.Description, sc.ThreatActor, sc.AttackVector, sc.StealthMode, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetScenario(ctx context.Context, scenarioID string) (*Scenario, error) {
	var sc Scenario
	err := s.db.QueryRowContext(ctx,
		`SELECT scenario_id, tenant_id, name, description, threat_actor, attack_vector, stealth_mode, created_at
		 FROM scenarios WHERE scenario_id = ?`, scenarioID).
		Scan(&sc.ScenarioID, &sc.TenantID, &sc.Name, &sc.Description, &sc.ThreatActor, &sc.AttackVector, &sc.StealthMode, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scenario: %w", err)
	}
	return &sc, nil
}

func (s *SQLiteStore) ListScenarios(ctx context.Context, tenantID string) ([]*Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scenario_id, tenant_id, name, description, threat_actor, attack_vector, stealth_mode, created_at
		 FROM scenarios WHERE tenant_id = ? ORDER BY created_at`, tenantID)
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

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, scenario_id, tenant_id, status, current_stage, progress_percent, seed, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ScenarioID, r.TenantID, r.Status, r.CurrentStage, r.ProgressPercent, r.Seed, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, scenario_id, tenant_id, status, current_stage, progress_percent, seed, started_at, completed_at, error, results
		 FROM runs WHERE run_id = ?`, runID)
	return scanRun(row.Scan)
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var (
		r           Run
		completedAt sql.NullTime
		errMsg      sql.NullString
		results     sql.NullString
	)
	err := scan(&r.RunID, &r.ScenarioID, &r.TenantID, &r.Status, &r.CurrentStage, &r.ProgressPercent, &r.Seed, &r.StartedAt, &completedAt, &errMsg, &results)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if results.Valid && results.String != "" {
		var res RunResults
		if err := json.Unmarshal([]byte(results.String), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run results: %w", err)
		}
		r.Results = &res
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, stage killchain.Stage, percent int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_stage = ?, progress_percent = ? WHERE run_id = ? AND status = ?`,
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

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, results RunResults, completedAt time.Time) error {
	blob, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal run results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, progress_percent = 100, completed_at = ?, results = ? WHERE run_id = ? AND status = ?`,
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

func (s *SQLiteStore) MarkRunTerminal(ctx context.Context, runID string, status RunStatus, errMsg string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE run_id = ? AND status IN (?, ?)`,
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

func (s *SQLiteStore) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, scenario_id, tenant_id, status, current_stage, progress_percent, seed, started_at, completed_at, error, results
		 FROM runs WHERE status = ? AND started_at < ? ORDER BY started_at`,
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

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, stage, tactic, technique, success, impact_score, detection_probability, narrative, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, ev.Stage, ev.Tactic, ev.Technique, ev.Success, ev.ImpactScore, ev.DetectionProbability, ev.Narrative, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	// rowid preserves insertion order even when timestamps collide
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, stage, tactic, technique, success, impact_score, detection_probability, narrative, ts
		 FROM events WHERE run_id = ? ORDER BY rowid`, runID)
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

// --- Detections ---

func (s *SQLiteStore) AppendDetection(ctx context.Context, d *DetectionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_logs (detection_id, run_id, event_id, detection_type, confidence_score, alert_severity, blocked, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DetectionID, d.RunID, d.EventID, d.DetectionType, d.ConfidenceScore, d.AlertSeverity, d.Blocked, d.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append detection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRunDetections(ctx context.Context, runID string) ([]*DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT detection_id, run_id, event_id, detection_type, confidence_score, alert_severity, blocked, ts
		 FROM detection_logs WHERE run_id = ? ORDER BY rowid`, runID)
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

// --- Usage ---

func (s *SQLiteStore) RecordUsage(ctx context.Context, u *UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (usage_id, tenant_id, run_id, unit, quantity, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		u.UsageID, u.TenantID, u.RunID, u.Unit, u.Quantity, u.Ts)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, tenantID string) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT usage_id, tenant_id, run_id, unit, quantity, ts FROM usage_records WHERE tenant_id = ? ORDER BY ts`, tenantID)
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

// --- Webhooks ---

func (s *SQLiteStore) RegisterWebhook(ctx context.Context, cfg *WebhookConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (webhook_id, url, secret, events, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.WebhookID, cfg.URL, cfg.Secret, strings.Join(cfg.Events, ","), cfg.Active, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]*WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT webhook_id, url, secret, events, active, created_at FROM webhooks WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*WebhookConfig
	for rows.Next() {
		var (
			cfg    WebhookConfig
			events string
		)
		if err := rows.Scan(&cfg.WebhookID, &cfg.URL, &cfg.Secret, &events, &cfg.Active, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if events != "" {
			cfg.Events = strings.Split(events, ",")
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}
