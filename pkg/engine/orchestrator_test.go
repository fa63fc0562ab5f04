package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
	"github.com/hyperion-flux/aptsim/pkg/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "aptsim-engine-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.NewSQLiteStore(filepath.Join(tmpDir, "aptsim.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedScenario(t *testing.T, st store.Store, stealth bool) *store.Scenario {
	t.Helper()
	ctx := context.Background()

	tenant := &store.Tenant{
		TenantID: "tn_1", Name: "acme", TokenHash: "hash1", CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	sc := &store.Scenario{
		ScenarioID: "sc_1", TenantID: tenant.TenantID, Name: "full chain",
		ThreatActor: "APT41", AttackVector: "supply_chain", StealthMode: stealth,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateScenario(ctx, sc); err != nil {
		t.Fatalf("CreateScenario failed: %v", err)
	}
	return sc
}

func waitForTerminal(t *testing.T, st store.Store, runID string) *store.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return nil
}

func TestLaunchRunsFullChain(t *testing.T) {
	st := newTestStore(t)
	sc := seedScenario(t, st, false)
	ctx := context.Background()

	o := NewOrchestrator(st, st, killchain.DefaultStages(), time.Minute)

	run, err := o.Launch(ctx, sc.ScenarioID, sc.TenantID, 42)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if run.RunID == "" {
		t.Fatal("expected run ID to be assigned")
	}
	if run.Seed != 42 {
		t.Errorf("expected seed 42, got %d", run.Seed)
	}

	final := waitForTerminal(t, st, run.RunID)
	if final.Status != store.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.ProgressPercent != 100 {
		t.Errorf("expected progress 100, got %d", final.ProgressPercent)
	}
	if final.CurrentStage != killchain.StageExfiltration {
		t.Errorf("expected final stage exfiltration, got %s", final.CurrentStage)
	}
	if final.Results == nil {
		t.Fatal("expected results on a completed run")
	}
	if final.Results.StagesCompleted != 11 {
		t.Errorf("expected 11 stages completed, got %d", final.Results.StagesCompleted)
	}

	// 2 to 4 events per stage, 11 stages
	events, err := st.ListRunEvents(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListRunEvents failed: %v", err)
	}
	if len(events) < 22 || len(events) > 44 {
		t.Fatalf("expected 22 to 44 events, got %d", len(events))
	}
	if final.Results.TotalEvents != len(events) {
		t.Errorf("results report %d events, store has %d", final.Results.TotalEvents, len(events))
	}

	// Events are persisted in kill-chain order
	stageIndex := make(map[killchain.Stage]int)
	for i, def := range killchain.DefaultStages() {
		stageIndex[def.Stage] = i
	}
	last := -1
	for _, ev := range events {
		idx := stageIndex[ev.Stage]
		if idx < last {
			t.Fatalf("event for stage %s appeared after a later stage", ev.Stage)
		}
		last = idx
	}

	// Results consistency against the raw rows
	successes := 0
	impactSum := 0
	for _, ev := range events {
		if ev.Success {
			successes++
		}
		impactSum += ev.ImpactScore
	}
	wantRate := float64(successes) / float64(len(events)) * 100
	if math.Abs(final.Results.SuccessRate-wantRate) > 1e-9 {
		t.Errorf("success rate %f does not match rows %f", final.Results.SuccessRate, wantRate)
	}
	wantImpact := float64(impactSum) / float64(len(events))
	if math.Abs(final.Results.AvgImpact-wantImpact) > 1e-9 {
		t.Errorf("avg impact %f does not match rows %f", final.Results.AvgImpact, wantImpact)
	}

	// Every detection points at a persisted event of the same run
	detections, err := st.ListRunDetections(ctx, run.RunID)
	if err != nil {
		t.Fatalf("ListRunDetections failed: %v", err)
	}
	byID := make(map[string]bool, len(events))
	for _, ev := range events {
		byID[ev.EventID] = true
	}
	for _, d := range detections {
		if !byID[d.EventID] {
			t.Errorf("detection %s references unknown event %s", d.DetectionID, d.EventID)
		}
	}

	// Completed run is metered
	usage, err := st.ListUsage(ctx, sc.TenantID)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(usage) != 1 || usage[0].Unit != UsageUnitSimulation {
		t.Fatalf("expected one simulation usage record, got %+v", usage)
	}
}

func TestSeedReproducesOutcomes(t *testing.T) {
	st := newTestStore(t)
	sc := seedScenario(t, st, true)
	ctx := context.Background()

	o := NewOrchestrator(st, nil, killchain.DefaultStages(), time.Minute)

	runA, err := o.Launch(ctx, sc.ScenarioID, sc.TenantID, 777)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForTerminal(t, st, runA.RunID)

	runB, err := o.Launch(ctx, sc.ScenarioID, sc.TenantID, 777)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForTerminal(t, st, runB.RunID)

	eventsA, _ := st.ListRunEvents(ctx, runA.RunID)
	eventsB, _ := st.ListRunEvents(ctx, runB.RunID)

	if len(eventsA) != len(eventsB) {
		t.Fatalf("event counts diverged: %d vs %d", len(eventsA), len(eventsB))
	}
	for i := range eventsA {
		a, b := eventsA[i], eventsB[i]
		if a.Stage != b.Stage || a.Success != b.Success ||
			a.ImpactScore != b.ImpactScore ||
			a.DetectionProbability != b.DetectionProbability ||
			a.Tactic != b.Tactic || a.Technique != b.Technique {
			t.Fatalf("event %d diverged between identically seeded runs", i)
		}
	}
}

func TestLaunchUnknownScenario(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(st, nil, killchain.DefaultStages(), time.Minute)

	_, err := o.Launch(ctx, "sc_missing", "tn_1", 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	assertNoRuns(t, st, "tn_1")
}

func TestLaunchForeignScenario(t *testing.T) {
	st := newTestStore(t)
	sc := seedScenario(t, st, false)
	ctx := context.Background()

	o := NewOrchestrator(st, st, killchain.DefaultStages(), time.Minute)

	// A scenario owned by another tenant reads as not found
	_, err := o.Launch(ctx, sc.ScenarioID, "tn_2", 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign scenario, got %v", err)
	}
	assertNoRuns(t, st, "tn_2")

	// The scenario lease must not be held by the rejected launch
	lease, err := st.Get(ctx, "run:"+sc.ScenarioID)
	if err != nil {
		t.Fatalf("Get lease failed: %v", err)
	}
	if lease != nil {
		t.Fatalf("rejected launch left the scenario lease held by %s", lease.HolderID)
	}
}

// assertNoRuns verifies a rejected launch left no run behind: nothing
// in flight and nothing metered for the tenant.
func assertNoRuns(t *testing.T, st store.Store, tenantID string) {
	t.Helper()
	ctx := context.Background()

	runs, err := st.ListStaleRuns(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListStaleRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected zero run rows, found %d", len(runs))
	}

	usage, err := st.ListUsage(ctx, tenantID)
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(usage) != 0 {
		t.Fatalf("expected zero usage rows for %s, found %d", tenantID, len(usage))
	}
}

func TestScenarioBusy(t *testing.T) {
	st := newTestStore(t)
	sc := seedScenario(t, st, false)
	ctx := context.Background()

	o := NewOrchestrator(st, st, killchain.DefaultStages(), time.Minute)

	// Hold the scenario lease as if another run is active
	ok, err := st.Acquire(ctx, "run:"+sc.ScenarioID, "other-run", time.Minute)
	if err != nil || !ok {
		t.Fatalf("failed to seed lease: ok=%v err=%v", ok, err)
	}

	_, err = o.Launch(ctx, sc.ScenarioID, sc.TenantID, 1)
	if !errors.Is(err, ErrScenarioBusy) {
		t.Fatalf("expected ErrScenarioBusy, got %v", err)
	}
}

func TestLeaseReleasedAfterRun(t *testing.T) {
	st := newTestStore(t)
	sc := seedScenario(t, st, false)
	ctx := context.Background()

	o := NewOrchestrator(st, st, killchain.DefaultStages(), time.Minute)

	run, err := o.Launch(ctx, sc.ScenarioID, sc.TenantID, 5)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitForTerminal(t, st, run.RunID)

	// The lease must be gone once the run finishes
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lease, err := st.Get(ctx, "run:"+sc.ScenarioID)
		if err != nil {
			t.Fatalf("Get lease failed: %v", err)
		}
		if lease == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scenario lease was not released after the run finished")
}

func TestCancelRun(t *testing.T) {
	st := newTestStore(t)
	sc := seedScenario(t, st, false)
	ctx := context.Background()

	o := NewOrchestrator(st, st, killchain.DefaultStages(), time.Minute)

	run, err := o.Launch(ctx, sc.ScenarioID, sc.TenantID, 99)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	if !o.Cancel(run.RunID) {
		// The run may already have finished; nothing left to assert
		final := waitForTerminal(t, st, run.RunID)
		if final.Status != store.RunStatusCompleted {
			t.Fatalf("unexpected status %s for finished run", final.Status)
		}
		return
	}

	final := waitForTerminal(t, st, run.RunID)
	if final.Status != store.RunStatusCancelled && final.Status != store.RunStatusCompleted {
		t.Fatalf("expected cancelled (or already completed), got %s", final.Status)
	}
	if final.Status == store.RunStatusCancelled && final.CompletedAt == nil {
		t.Error("cancelled run should carry a completion timestamp")
	}

	if o.Cancel("not-a-run") {
		t.Error("Cancel of unknown run should return false")
	}
}

func TestProgressCheckpoints(t *testing.T) {
	total := len(killchain.DefaultStages())
	seen := make(map[int]bool)
	for i := 0; i < total; i++ {
		p := (i + 1) * 100 / total
		if p <= 0 || p > 100 {
			t.Fatalf("checkpoint %d out of range: %d", i, p)
		}
		if seen[p] {
			t.Fatalf("duplicate checkpoint value %d", p)
		}
		seen[p] = true
	}
	if !seen[100] {
		t.Error("final checkpoint must be 100")
	}
}
