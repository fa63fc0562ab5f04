package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hyperion-flux/aptsim/pkg/client"
)

// Server adapts aptsimd to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL, token string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"aptsim",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, token),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// aptsim://scenarios
	s.mcpServer.AddResource(mcp.NewResource(
		"aptsim://scenarios",
		"Attack Scenarios",
		mcp.WithResourceDescription("Registered APT attack scenarios for this tenant"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadScenarios)

	// aptsim://usage
	s.mcpServer.AddResource(mcp.NewResource(
		"aptsim://usage",
		"Simulation Usage",
		mcp.WithResourceDescription("Metering records for completed simulation runs"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadUsage)
}

// --- Tools ---

func (s *Server) registerTools() {
	// run_simulation
	s.mcpServer.AddTool(mcp.NewTool(
		"run_simulation",
		mcp.WithDescription("Launch an APT kill-chain simulation for a scenario. Returns the run ID."),
		mcp.WithString("scenario_id", mcp.Required(), mcp.Description("The scenario to simulate")),
		mcp.WithNumber("seed", mcp.Description("RNG seed for reproducible runs (0 = random)")),
	), s.handleRunSimulation)

	// get_run_status
	s.mcpServer.AddTool(mcp.NewTool(
		"get_run_status",
		mcp.WithDescription("Fetch the current status, progress, and results of a simulation run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run to inspect")),
	), s.handleGetRunStatus)

	// get_run_events
	s.mcpServer.AddTool(mcp.NewTool(
		"get_run_events",
		mcp.WithDescription("List the adversary events recorded for a run, in kill-chain order."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run to inspect")),
	), s.handleGetRunEvents)

	// cancel_run
	s.mcpServer.AddTool(mcp.NewTool(
		"cancel_run",
		mcp.WithDescription("Cancel an in-flight simulation run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run to cancel")),
	), s.handleCancelRun)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"aptsim-aware",
		mcp.WithPromptDescription("Provides context about aptsim concepts (Scenarios, Runs, Kill Chain)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadScenarios(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	scenarios, err := s.apiClient.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scenarios: %w", err)
	}

	data, err := json.MarshalIndent(scenarios, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scenarios: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadUsage(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	records, err := s.apiClient.GetUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunSimulation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scenarioID := mcp.ParseString(request, "scenario_id", "")
	seed := mcp.ParseFloat64(request, "seed", 0)

	result, err := s.apiClient.StartSimulation(ctx, scenarioID, int64(seed))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Simulation started.\nRun ID: %s", result.RunID)), nil
}

func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	run, err := s.apiClient.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", err)), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetRunEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	events, err := s.apiClient.GetRunEvents(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal events: %v", err)), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")

	if err := s.apiClient.CancelRun(ctx, runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Cancellation requested for run %s", runID)), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "aptsim-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with aptsim, an APT kill-chain simulation engine.

Concepts:
- Scenario: A named adversary emulation profile (threat actor, attack vector, stealth mode).
- Run: One execution of a scenario through the eleven-stage kill chain, from reconnaissance to exfiltration.
- Event: A single adversary action within a stage, with success, impact, and detection probability.
- Detection: A defensive alert raised against an event, with severity and confidence.
- Seed: The RNG seed recorded on every run. Replaying with the same seed reproduces the outcomes.

When the user asks to test defenses against a scenario, use the 'run_simulation' tool,
then poll with 'get_run_status' until the run reaches a terminal status.
A scenario can only have one active run at a time; a conflict means one is already executing.
`

	return mcp.NewGetPromptResult(
		"aptsim-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
