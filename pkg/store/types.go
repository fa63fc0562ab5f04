package store

import (
	"context"
	"errors"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
)

// RunStatus is the lifecycle state of a simulation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether a status has no outgoing transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	}
	return false
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Tenant is an authenticated principal. The bearer token is never stored;
// only its SHA-256 hash is.
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Scenario is the read-only input to the simulation engine.
type Scenario struct {
	ScenarioID   string    `json:"scenario_id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ThreatActor  string    `json:"threat_actor,omitempty"`
	AttackVector string    `json:"attack_vector,omitempty"`
	StealthMode  bool      `json:"stealth_mode"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunResults is the aggregate written exactly once at completion.
type RunResults struct {
	SuccessRate     float64 `json:"success_rate"`
	AvgImpact       float64 `json:"avg_impact"`
	TotalEvents     int     `json:"total_events"`
	StagesCompleted int     `json:"stages_completed"`
}

// Run is the aggregate root for one simulation execution.
type Run struct {
	RunID           string          `json:"run_id"`
	ScenarioID      string          `json:"scenario_id"`
	TenantID        string          `json:"tenant_id"`
	Status          RunStatus       `json:"status"`
	CurrentStage    killchain.Stage `json:"current_stage"`
	ProgressPercent int             `json:"progress_percent"`
	Seed            int64           `json:"seed"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Results         *RunResults     `json:"results,omitempty"`
}

// EventRecord is a persisted SimulationEvent. Append-only, never mutated.
type EventRecord struct {
	EventID string `json:"event_id"`
	RunID   string `json:"run_id"`
	killchain.SimulationEvent
}

// DetectionRecord is a persisted DetectionLogEntry, keyed to both the run
// and the triggering event.
type DetectionRecord struct {
	DetectionID string `json:"detection_id"`
	RunID       string `json:"run_id"`
	EventID     string `json:"event_id"`
	killchain.DetectionLogEntry
}

// UsageRecord attributes one metered unit to a tenant. Write-only sink
// consumed by external plan-limit enforcement.
type UsageRecord struct {
	UsageID  string    `json:"usage_id"`
	TenantID string    `json:"tenant_id"`
	RunID    string    `json:"run_id"`
	Unit     string    `json:"unit"`
	Quantity int       `json:"quantity"`
	Ts       time.Time `json:"ts"`
}

// WebhookConfig is a registered endpoint for run lifecycle notifications.
type WebhookConfig struct {
	WebhookID string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret"` // Shared secret for HMAC signature verification
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Store is the persistence contract the engine and API depend on.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	GetTenantByTokenHash(ctx context.Context, hash string) (*Tenant, error)

	CreateScenario(ctx context.Context, sc *Scenario) error
	GetScenario(ctx context.Context, scenarioID string) (*Scenario, error)
	ListScenarios(ctx context.Context, tenantID string) ([]*Scenario, error)

	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRunProgress(ctx context.Context, runID string, stage killchain.Stage, percent int) error
	FinalizeRun(ctx context.Context, runID string, results RunResults, completedAt time.Time) error
	// MarkRunTerminal moves a non-terminal run into a terminal status.
	// It is a no-op (returning false) when the run is already terminal.
	MarkRunTerminal(ctx context.Context, runID string, status RunStatus, errMsg string, at time.Time) (bool, error)
	ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]*Run, error)

	AppendEvent(ctx context.Context, ev *EventRecord) error
	ListRunEvents(ctx context.Context, runID string) ([]*EventRecord, error)
	AppendDetection(ctx context.Context, d *DetectionRecord) error
	ListRunDetections(ctx context.Context, runID string) ([]*DetectionRecord, error)

	RecordUsage(ctx context.Context, u *UsageRecord) error
	ListUsage(ctx context.Context, tenantID string) ([]*UsageRecord, error)

	RegisterWebhook(ctx context.Context, cfg *WebhookConfig) error
	ListWebhooks(ctx context.Context) ([]*WebhookConfig, error)

	Close() error
}

// Lease represents an advisory lock claim.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // For CAS (Compare-And-Swap) logic
}

// LeaseStore guards one-active-run-per-scenario.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns an error if the lease is lost or stolen.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state, nil when none is held.
	Get(ctx context.Context, name string) (*Lease, error)
}
