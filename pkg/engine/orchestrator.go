package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
	"github.com/hyperion-flux/aptsim/pkg/store"
)

// ErrScenarioBusy is returned when a scenario already has an active run.
var ErrScenarioBusy = errors.New("scenario already has an active run")

// UsageUnitSimulation is the metering unit attributed per completed run.
const UsageUnitSimulation = "simulation"

// Orchestrator executes simulation runs: one sequential, non-parallel pass
// through the stage table per run, with per-stage progress checkpoints.
// Runs for different scenarios may execute concurrently; a per-scenario
// lease prevents two simultaneous runs of the same scenario.
type Orchestrator struct {
	store         store.Store
	leases        store.LeaseStore
	stages        []killchain.StageDefinition
	detectionType string
	leaseTTL      time.Duration
	notifier      *Notifier

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator wires the orchestrator. The stage table must already be
// validated; leases and notifier are optional (nil disables dedup and
// webhook dispatch respectively).
func NewOrchestrator(st store.Store, leases store.LeaseStore, stages []killchain.StageDefinition, leaseTTL time.Duration) *Orchestrator {
	if leaseTTL <= 0 {
		leaseTTL = 15 * time.Minute
	}
	return &Orchestrator{
		store:         st,
		leases:        leases,
		stages:        stages,
		detectionType: killchain.DefaultDetectionType,
		leaseTTL:      leaseTTL,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// SetNotifier attaches a webhook notifier for terminal run states.
func (o *Orchestrator) SetNotifier(n *Notifier) {
	o.notifier = n
}

// Launch validates the scenario, claims the per-scenario lease, creates the
// run row in running state and starts execution in the background. The
// returned run is the freshly created row; callers poll the store for
// progress. Seed zero means "derive from the clock".
func (o *Orchestrator) Launch(ctx context.Context, scenarioID, tenantID string, seed int64) (*store.Run, error) {
	sc, err := o.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if sc.TenantID != tenantID {
		// Tenant isolation: foreign scenarios are indistinguishable from absent ones
		return nil, store.ErrNotFound
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	runID := uuid.NewString()

	if o.leases != nil {
		ok, err := o.leases.Acquire(ctx, leaseName(scenarioID), runID, o.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire scenario lease: %w", err)
		}
		if !ok {
			return nil, ErrScenarioBusy
		}
	}

	run := &store.Run{
		RunID:           runID,
		ScenarioID:      sc.ScenarioID,
		TenantID:        tenantID,
		Status:          store.RunStatusRunning,
		CurrentStage:    o.stages[0].Stage,
		ProgressPercent: 0,
		Seed:            seed,
		StartedAt:       time.Now().UTC(),
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		if o.leases != nil {
			_ = o.leases.Release(ctx, leaseName(scenarioID), runID)
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	// Execution is detached from the request context: the 200 response does
	// not wait for completion, only Cancel or shutdown stops the run.
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()

	AptsimActiveRuns.Inc()
	go o.execute(runCtx, run, sc)

	return run, nil
}

// Cancel requests cancellation of an in-flight run. Returns false when the
// run is not executing on this node.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels all in-flight runs.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
}

func leaseName(scenarioID string) string {
	return "run:" + scenarioID
}

func (o *Orchestrator) execute(ctx context.Context, run *store.Run, sc *store.Scenario) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, run.RunID)
		o.mu.Unlock()
		if o.leases != nil {
			_ = o.leases.Release(context.Background(), leaseName(sc.ScenarioID), run.RunID)
		}
		AptsimActiveRuns.Dec()
	}()

	gen := killchain.NewGenerator(run.Seed)
	cfg := killchain.ScenarioConfig{StealthMode: sc.StealthMode}
	total := len(o.stages)

	for i, stage := range o.stages {
		if ctx.Err() != nil {
			o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
			return
		}

		count := gen.EventCount()
		for j := 0; j < count; j++ {
			if ctx.Err() != nil {
				o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
				return
			}

			ev, err := gen.Event(stage, cfg)
			if err != nil {
				o.terminate(run, store.RunStatusFailed, err.Error())
				return
			}

			rec := &store.EventRecord{
				EventID:         uuid.NewString(),
				RunID:           run.RunID,
				SimulationEvent: ev,
			}
			if err := o.store.AppendEvent(ctx, rec); err != nil {
				if ctx.Err() != nil {
					o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
					return
				}
				o.terminate(run, store.RunStatusFailed, fmt.Sprintf("event persist failed at stage %s: %v", stage.Stage, err))
				return
			}
			AptsimEventsTotal.WithLabelValues(string(stage.Stage)).Inc()

			if gen.Detected(ev) {
				det := &store.DetectionRecord{
					DetectionID:       uuid.NewString(),
					RunID:             run.RunID,
					EventID:           rec.EventID,
					DetectionLogEntry: gen.Detection(ev, o.detectionType),
				}
				if err := o.store.AppendDetection(ctx, det); err != nil {
					if ctx.Err() != nil {
						o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
						return
					}
					o.terminate(run, store.RunStatusFailed, fmt.Sprintf("detection persist failed at stage %s: %v", stage.Stage, err))
					return
				}
				AptsimDetectionsTotal.WithLabelValues(string(det.AlertSeverity)).Inc()
			}
		}

		// Checkpoint: consumers polling the run row observe monotonically
		// increasing progress, one update per completed stage.
		percent := (i + 1) * 100 / total
		if err := o.store.UpdateRunProgress(ctx, run.RunID, stage.Stage, percent); err != nil {
			if ctx.Err() != nil {
				o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
				return
			}
			o.terminate(run, store.RunStatusFailed, fmt.Sprintf("progress update failed at stage %s: %v", stage.Stage, err))
			return
		}
	}

	// Read back every persisted event; the aggregate must be derived from
	// the rows, not from counters kept during the loop.
	events, err := o.store.ListRunEvents(ctx, run.RunID)
	if err != nil {
		if ctx.Err() != nil {
			o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
			return
		}
		o.terminate(run, store.RunStatusFailed, fmt.Sprintf("event readback failed: %v", err))
		return
	}

	successRate, avgImpact, totalEvents := Aggregate(events)
	results := store.RunResults{
		SuccessRate:     successRate,
		AvgImpact:       avgImpact,
		TotalEvents:     totalEvents,
		StagesCompleted: total,
	}

	completedAt := time.Now().UTC()
	if err := o.store.FinalizeRun(ctx, run.RunID, results, completedAt); err != nil {
		if ctx.Err() != nil {
			o.terminate(run, store.RunStatusCancelled, "cancelled by caller")
			return
		}
		o.terminate(run, store.RunStatusFailed, fmt.Sprintf("finalize failed: %v", err))
		return
	}

	usage := &store.UsageRecord{
		UsageID:  uuid.NewString(),
		TenantID: run.TenantID,
		RunID:    run.RunID,
		Unit:     UsageUnitSimulation,
		Quantity: 1,
		Ts:       completedAt,
	}
	if err := o.store.RecordUsage(context.Background(), usage); err != nil {
		// The run itself completed; metering failure is logged, not fatal.
		fmt.Printf(`{"level":"error","msg":"failed_to_record_usage","run_id":"%s","error":"%v"}`+"\n", run.RunID, err)
	}

	AptsimRunsTotal.WithLabelValues(string(store.RunStatusCompleted)).Inc()
	fmt.Printf(`{"level":"info","msg":"run_completed","run_id":"%s","scenario_id":"%s","total_events":%d}`+"\n",
		run.RunID, sc.ScenarioID, totalEvents)

	if o.notifier != nil {
		final, err := o.store.GetRun(context.Background(), run.RunID)
		if err == nil {
			o.notifier.RunTerminal(context.Background(), final)
		}
	}
}

// terminate moves a run into a terminal non-completed state. The rows
// persisted before the failure are left as-is: at-most-once, no resume.
func (o *Orchestrator) terminate(run *store.Run, status store.RunStatus, reason string) {
	moved, err := o.store.MarkRunTerminal(context.Background(), run.RunID, status, reason, time.Now().UTC())
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_mark_run_terminal","run_id":"%s","error":"%v"}`+"\n", run.RunID, err)
		return
	}
	if !moved {
		return
	}

	AptsimRunsTotal.WithLabelValues(string(status)).Inc()
	fmt.Printf(`{"level":"warn","msg":"run_terminated","run_id":"%s","status":"%s","reason":"%s"}`+"\n",
		run.RunID, status, reason)

	if o.notifier != nil {
		final, err := o.store.GetRun(context.Background(), run.RunID)
		if err == nil {
			o.notifier.RunTerminal(context.Background(), final)
		}
	}
}
