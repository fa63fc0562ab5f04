package api

// LaunchRequest matches the POST /v1/simulations body schema.
type LaunchRequest struct {
	ScenarioID string `json:"scenario_id"`
	TenantID   string `json:"tenant_id"`
	Seed       int64  `json:"seed,omitempty"` // Optional: reproducible runs
}

// LaunchResponse matches the response for POST /v1/simulations.
// The run continues server-side; callers poll GET /v1/runs/{id}.
type LaunchResponse struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
}

// TenantRegistration matches the payload for POST /v1/tenants.
type TenantRegistration struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"` // Optional: If provided, sets the bearer token
}

// TenantResponse matches the response for POST /v1/tenants.
type TenantResponse struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Token    string `json:"token,omitempty"` // Returned only if generated
}

// ScenarioRequest matches the payload for POST /v1/scenarios.
type ScenarioRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ThreatActor  string `json:"threat_actor,omitempty"`
	AttackVector string `json:"attack_vector,omitempty"`
	StealthMode  bool   `json:"stealth_mode"`
}

// WebhookRequest matches the payload for POST /v1/webhooks.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // e.g. ["run.completed"]; empty = all
}

// WebhookResponse matches the response for POST /v1/webhooks.
type WebhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}
