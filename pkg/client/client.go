package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the aptsim SDK client.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient creates a new aptsim client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateScenario registers a new attack scenario for the tenant.
func (c *Client) CreateScenario(ctx context.Context, req ScenarioRequest) (*Scenario, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("invalid scenario: missing name")
	}
	var sc Scenario
	if err := c.do(ctx, "POST", "/v1/scenarios", req, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListScenarios returns the tenant's scenarios.
func (c *Client) ListScenarios(ctx context.Context) ([]Scenario, error) {
	var scenarios []Scenario
	if err := c.do(ctx, "GET", "/v1/scenarios", nil, &scenarios); err != nil {
		return nil, err
	}
	return scenarios, nil
}

// StartSimulation launches a run of the given scenario. A seed of zero
// asks the daemon to pick one.
func (c *Client) StartSimulation(ctx context.Context, scenarioID string, seed int64) (*LaunchResult, error) {
	if scenarioID == "" {
		return nil, fmt.Errorf("invalid request: missing scenario_id")
	}
	body := map[string]any{"scenario_id": scenarioID}
	if seed != 0 {
		body["seed"] = seed
	}
	var result LaunchResult
	if err := c.do(ctx, "POST", "/v1/simulations", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun fetches a run's current state.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, "GET", "/v1/runs/"+runID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunEvents fetches the events recorded for a run, in execution order.
func (c *Client) GetRunEvents(ctx context.Context, runID string) ([]Event, error) {
	var events []Event
	if err := c.do(ctx, "GET", "/v1/runs/"+runID+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetRunDetections fetches the detection log for a run.
func (c *Client) GetRunDetections(ctx context.Context, runID string) ([]Detection, error) {
	var detections []Detection
	if err := c.do(ctx, "GET", "/v1/runs/"+runID+"/detections", nil, &detections); err != nil {
		return nil, err
	}
	return detections, nil
}

// CancelRun requests cancellation of an in-flight run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, "POST", "/v1/runs/"+runID+"/cancel", nil, nil)
}

// GetUsage returns the tenant's metering records.
func (c *Client) GetUsage(ctx context.Context) ([]UsageRecord, error) {
	var records []UsageRecord
	if err := c.do(ctx, "GET", "/v1/usage", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

// WaitForRun polls the run until it reaches a terminal status or the
// context expires.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case "completed", "failed", "cancelled", "timed_out":
			return run, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return run, ctx.Err()
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 401 {
		return fmt.Errorf("unauthorized: check API token")
	}
	if resp.StatusCode == 404 {
		return fmt.Errorf("not found")
	}
	if resp.StatusCode == 409 {
		return fmt.Errorf("conflict: scenario already has an active run")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
