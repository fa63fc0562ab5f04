package client

import "time"

// ScenarioRequest describes a new attack scenario.
type ScenarioRequest struct {
	// Name is the required scenario display name.
	Name string `json:"name"`
	// Description is an optional free-form summary.
	Description string `json:"description,omitempty"`
	// ThreatActor names the emulated adversary (e.g. "APT29").
	ThreatActor string `json:"threat_actor,omitempty"`
	// AttackVector is the initial access vector (e.g. "phishing").
	AttackVector string `json:"attack_vector,omitempty"`
	// StealthMode trades operation tempo for a lower detection profile.
	StealthMode bool `json:"stealth_mode"`
}

// Scenario is a registered attack scenario.
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

// LaunchResult is the daemon's acknowledgement of a started run.
type LaunchResult struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
}

// RunResults summarizes a finished run.
type RunResults struct {
	SuccessRate     float64 `json:"success_rate"`
	AvgImpact       float64 `json:"avg_impact"`
	TotalEvents     int     `json:"total_events"`
	StagesCompleted int     `json:"stages_completed"`
}

// Run is a simulation run's current state.
type Run struct {
	RunID           string      `json:"run_id"`
	ScenarioID      string      `json:"scenario_id"`
	TenantID        string      `json:"tenant_id"`
	Status          string      `json:"status"`
	CurrentStage    string      `json:"current_stage,omitempty"`
	ProgressPercent int         `json:"progress_percent"`
	Seed            int64       `json:"seed"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	Error           string      `json:"error,omitempty"`
	Results         *RunResults `json:"results,omitempty"`
}

// Event is one adversary action recorded during a run.
type Event struct {
	EventID              string    `json:"event_id"`
	RunID                string    `json:"run_id"`
	Stage                string    `json:"stage"`
	Tactic               string    `json:"tactic"`
	Technique            string    `json:"technique"`
	Success              bool      `json:"success"`
	ImpactScore          int       `json:"impact_score"`
	DetectionProbability float64   `json:"detection_probability"`
	Narrative            string    `json:"narrative"`
	Timestamp            time.Time `json:"timestamp"`
}

// Detection is a defensive alert raised against an event.
type Detection struct {
	DetectionID     string    `json:"detection_id"`
	RunID           string    `json:"run_id"`
	EventID         string    `json:"event_id"`
	DetectionType   string    `json:"detection_type"`
	ConfidenceScore float64   `json:"confidence_score"`
	AlertSeverity   string    `json:"alert_severity"`
	Blocked         bool      `json:"blocked"`
	Timestamp       time.Time `json:"timestamp"`
}

// UsageRecord is one metering entry for the tenant.
type UsageRecord struct {
	UsageID  string    `json:"usage_id"`
	TenantID string    `json:"tenant_id"`
	RunID    string    `json:"run_id"`
	Unit     string    `json:"unit"`
	Quantity int       `json:"quantity"`
	Ts       time.Time `json:"ts"`
}
