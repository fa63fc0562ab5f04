package killchain

import (
	"time"
)

// Stage is the identifier of an attack-lifecycle stage.
type Stage string

const (
	StageReconnaissance      Stage = "reconnaissance"
	StageWeaponization       Stage = "weaponization"
	StageDelivery            Stage = "delivery"
	StageExploitation        Stage = "exploitation"
	StageInstallation        Stage = "installation"
	StageCommandAndControl   Stage = "command_and_control"
	StageLateralMovement     Stage = "lateral_movement"
	StagePrivilegeEscalation Stage = "privilege_escalation"
	StageCredentialAccess    Stage = "credential_access"
	StageDefenseEvasion      Stage = "defense_evasion"
	StageExfiltration        Stage = "exfiltration"
)

// StageDefinition binds a stage to its tactic labels and technique IDs.
// The position of a definition in the stage table is the execution order.
type StageDefinition struct {
	Stage      Stage    `json:"stage" yaml:"stage"`
	Tactics    []string `json:"tactics" yaml:"tactics"`
	Techniques []string `json:"techniques" yaml:"techniques"`
}

// ScenarioConfig holds the caller-owned knobs that bias the generator.
type ScenarioConfig struct {
	StealthMode bool `json:"stealth_mode" yaml:"stealth_mode"`
}

// SimulationEvent is one synthetic attack event. Immutable once created.
type SimulationEvent struct {
	Stage                Stage     `json:"stage"`
	Tactic               string    `json:"tactic"`
	Technique            string    `json:"technique"`
	Success              bool      `json:"success"`
	ImpactScore          int       `json:"impact_score"`
	DetectionProbability float64   `json:"detection_probability"`
	Narrative            string    `json:"narrative"`
	Timestamp            time.Time `json:"timestamp"`
}

// AlertSeverity classifies a detection by the triggering event's impact.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
)

// SeverityForImpact maps an impact score onto an alert severity.
func SeverityForImpact(impact int) AlertSeverity {
	switch {
	case impact > 70:
		return SeverityCritical
	case impact > 40:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// DetectionLogEntry is a simulated defensive detection of one event.
type DetectionLogEntry struct {
	DetectionType   string        `json:"detection_type"`
	ConfidenceScore float64       `json:"confidence_score"`
	AlertSeverity   AlertSeverity `json:"alert_severity"`
	Blocked         bool          `json:"blocked"`
	Timestamp       time.Time     `json:"timestamp"`
}

// DefaultDetectionType is the detection source recorded when none is
// configured. Kept as a parameter so EDR/SIEM variants can be added.
const DefaultDetectionType = "IDS"
