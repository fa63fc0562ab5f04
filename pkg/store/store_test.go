package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "aptsim-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := NewSQLiteStore(filepath.Join(tmpDir, "aptsim.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedTenantAndScenario(t *testing.T, st *SQLiteStore) (*Tenant, *Scenario) {
	t.Helper()
	ctx := context.Background()

	tenant := &Tenant{
		TenantID:  "tn_1",
		Name:      "acme",
		TokenHash: "hash1",
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	sc := &Scenario{
		ScenarioID:   "sc_1",
		TenantID:     tenant.TenantID,
		Name:         "quiet lateral",
		ThreatActor:  "APT29",
		AttackVector: "phishing",
		StealthMode:  true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateScenario(ctx, sc); err != nil {
		t.Fatalf("CreateScenario failed: %v", err)
	}
	return tenant, sc
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aptsim-store-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "aptsim.db")
	st, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer st.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("database file was not created at %s", dbPath)
	}

	for _, table := range []string{"tenants", "scenarios", "runs", "events", "detection_logs", "usage_records", "webhooks", "leases"} {
		var name string
		err := st.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestTenantLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, _ := seedTenantAndScenario(t, st)

	got, err := st.GetTenantByTokenHash(ctx, tenant.TokenHash)
	if err != nil {
		t.Fatalf("GetTenantByTokenHash failed: %v", err)
	}
	if got.TenantID != tenant.TenantID {
		t.Errorf("expected tenant %s, got %s", tenant.TenantID, got.TenantID)
	}

	if _, err := st.GetTenantByTokenHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScenarioCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, sc := seedTenantAndScenario(t, st)

	got, err := st.GetScenario(ctx, sc.ScenarioID)
	if err != nil {
		t.Fatalf("GetScenario failed: %v", err)
	}
	if !got.StealthMode || got.ThreatActor != "APT29" {
		t.Errorf("scenario did not round-trip: %+v", got)
	}

	if _, err := st.GetScenario(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := st.ListScenarios(ctx, tenant.TenantID)
	if err != nil {
		t.Fatalf("ListScenarios failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 scenario, got %d", len(list))
	}

	other, err := st.ListScenarios(ctx, "tn_other")
	if err != nil {
		t.Fatalf("ListScenarios failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no scenarios for unrelated tenant, got %d", len(other))
	}
}

func TestRunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, sc := seedTenantAndScenario(t, st)

	run := &Run{
		RunID:      "run_1",
		ScenarioID: sc.ScenarioID,
		TenantID:   tenant.TenantID,
		Status:     RunStatusRunning,
		Seed:       42,
		StartedAt:  time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := st.UpdateRunProgress(ctx, run.RunID, killchain.StageDelivery, 27); err != nil {
		t.Fatalf("UpdateRunProgress failed: %v", err)
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.CurrentStage != killchain.StageDelivery || got.ProgressPercent != 27 {
		t.Errorf("progress did not persist: stage=%s percent=%d", got.CurrentStage, got.ProgressPercent)
	}
	if got.Seed != 42 {
		t.Errorf("expected seed 42, got %d", got.Seed)
	}
	if got.CompletedAt != nil || got.Results != nil {
		t.Error("in-flight run should have no completion data")
	}

	results := RunResults{SuccessRate: 75.5, AvgImpact: 48.2, TotalEvents: 33, StagesCompleted: 11}
	if err := st.FinalizeRun(ctx, run.RunID, results, time.Now().UTC()); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	got, err = st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("expected progress 100, got %d", got.ProgressPercent)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if got.Results == nil || got.Results.TotalEvents != 33 {
		t.Errorf("results did not round-trip: %+v", got.Results)
	}

	// Terminal runs are immutable
	if err := st.UpdateRunProgress(ctx, run.RunID, killchain.StageExfiltration, 50); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating a completed run, got %v", err)
	}
	if err := st.FinalizeRun(ctx, run.RunID, results, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound finalizing a completed run, got %v", err)
	}
	ok, err := st.MarkRunTerminal(ctx, run.RunID, RunStatusCancelled, "late cancel", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkRunTerminal failed: %v", err)
	}
	if ok {
		t.Error("MarkRunTerminal should not touch a completed run")
	}
}

func TestMarkRunTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, sc := seedTenantAndScenario(t, st)

	run := &Run{
		RunID:      "run_cancel",
		ScenarioID: sc.ScenarioID,
		TenantID:   tenant.TenantID,
		Status:     RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ok, err := st.MarkRunTerminal(ctx, run.RunID, RunStatusCancelled, "operator requested", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkRunTerminal failed: %v", err)
	}
	if !ok {
		t.Fatal("expected run to be cancelled")
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusCancelled || got.Error != "operator requested" {
		t.Errorf("cancel did not persist: status=%s error=%q", got.Status, got.Error)
	}

	if _, err := st.MarkRunTerminal(ctx, run.RunID, RunStatusTimedOut, "", time.Now().UTC()); err != nil {
		t.Fatalf("MarkRunTerminal failed: %v", err)
	}
	got, _ = st.GetRun(ctx, run.RunID)
	if got.Status != RunStatusCancelled {
		t.Errorf("terminal status was overwritten to %s", got.Status)
	}

	if _, err := st.MarkRunTerminal(ctx, run.RunID, RunStatusRunning, "", time.Now().UTC()); err == nil {
		t.Error("expected error for non-terminal target status")
	}
}

func TestListStaleRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, sc := seedTenantAndScenario(t, st)

	old := &Run{
		RunID: "run_old", ScenarioID: sc.ScenarioID, TenantID: tenant.TenantID,
		Status: RunStatusRunning, StartedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &Run{
		RunID: "run_fresh", ScenarioID: sc.ScenarioID, TenantID: tenant.TenantID,
		Status: RunStatusRunning, StartedAt: time.Now().UTC(),
	}
	done := &Run{
		RunID: "run_done", ScenarioID: sc.ScenarioID, TenantID: tenant.TenantID,
		Status: RunStatusCompleted, StartedAt: time.Now().UTC().Add(-3 * time.Hour),
	}
	for _, r := range []*Run{old, fresh, done} {
		if err := st.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	stale, err := st.ListStaleRuns(ctx, time.Now().UTC().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("ListStaleRuns failed: %v", err)
	}
	if len(stale) != 1 || stale[0].RunID != "run_old" {
		t.Fatalf("expected only run_old to be stale, got %d runs", len(stale))
	}
}

func TestEventOrderingAndDetectionFK(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, sc := seedTenantAndScenario(t, st)

	run := &Run{
		RunID: "run_ev", ScenarioID: sc.ScenarioID, TenantID: tenant.TenantID,
		Status: RunStatusRunning, StartedAt: time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	// Identical timestamps: readback must still preserve insertion order
	ts := time.Now().UTC()
	ids := []string{"ev_a", "ev_b", "ev_c"}
	for _, id := range ids {
		ev := &EventRecord{
			EventID: id,
			RunID:   run.RunID,
			SimulationEvent: killchain.SimulationEvent{
				Stage: killchain.StageReconnaissance, Tactic: "Active Scanning", Technique: "T1595",
				Success: true, ImpactScore: 10, DetectionProbability: 5.0,
				Narrative: "probe", Timestamp: ts,
			},
		}
		if err := st.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := st.ListRunEvents(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListRunEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, id := range ids {
		if events[i].EventID != id {
			t.Errorf("event %d: expected %s, got %s", i, id, events[i].EventID)
		}
	}

	d := &DetectionRecord{
		DetectionID: "det_1",
		RunID:       run.RunID,
		EventID:     "ev_b",
		DetectionLogEntry: killchain.DetectionLogEntry{
			DetectionType: "IDS", ConfidenceScore: 88.25,
			AlertSeverity: killchain.SeverityMedium, Blocked: true, Timestamp: ts,
		},
	}
	if err := st.AppendDetection(ctx, d); err != nil {
		t.Fatalf("AppendDetection failed: %v", err)
	}

	detections, err := st.ListRunDetections(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListRunDetections failed: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	if detections[0].EventID != "ev_b" {
		t.Errorf("expected detection tied to ev_b, got %s", detections[0].EventID)
	}
	if detections[0].ConfidenceScore != 88.25 {
		t.Errorf("confidence did not round-trip: %f", detections[0].ConfidenceScore)
	}

	// FK enforcement: a detection against a nonexistent event must fail
	bad := &DetectionRecord{
		DetectionID: "det_bad", RunID: run.RunID, EventID: "ev_missing",
		DetectionLogEntry: killchain.DetectionLogEntry{
			DetectionType: "IDS", AlertSeverity: killchain.SeverityMedium, Timestamp: ts,
		},
	}
	if err := st.AppendDetection(ctx, bad); err == nil {
		t.Error("expected foreign key violation for unknown event_id")
	}
}

func TestUsageRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tenant, sc := seedTenantAndScenario(t, st)

	run := &Run{
		RunID: "run_u", ScenarioID: sc.ScenarioID, TenantID: tenant.TenantID,
		Status: RunStatusCompleted, StartedAt: time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	u := &UsageRecord{
		UsageID: "us_1", TenantID: tenant.TenantID, RunID: run.RunID,
		Unit: "simulation", Quantity: 1, Ts: time.Now().UTC(),
	}
	if err := st.RecordUsage(ctx, u); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	records, err := st.ListUsage(ctx, tenant.TenantID)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(records) != 1 || records[0].Unit != "simulation" {
		t.Fatalf("usage did not round-trip: %+v", records)
	}
}

func TestWebhooks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := &WebhookConfig{
		WebhookID: "wh_1",
		URL:       "https://hooks.example.com/aptsim",
		Secret:    "s3cret",
		Events:    []string{"run.completed", "run.failed"},
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.RegisterWebhook(ctx, cfg); err != nil {
		t.Fatalf("RegisterWebhook failed: %v", err)
	}

	inactive := &WebhookConfig{
		WebhookID: "wh_2", URL: "https://hooks.example.com/off",
		Secret: "x", Active: false, CreatedAt: time.Now().UTC(),
	}
	if err := st.RegisterWebhook(ctx, inactive); err != nil {
		t.Fatalf("RegisterWebhook failed: %v", err)
	}

	hooks, err := st.ListWebhooks(ctx)
	if err != nil {
		t.Fatalf("ListWebhooks failed: %v", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("expected 1 active webhook, got %d", len(hooks))
	}
	if len(hooks[0].Events) != 2 || hooks[0].Events[1] != "run.failed" {
		t.Errorf("events did not round-trip: %v", hooks[0].Events)
	}
}
