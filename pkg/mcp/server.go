package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/client"
)

// Server adapts loadtest-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"loadtest",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
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
	s.mcpServer.AddResource(mcp.NewResource(
		"loadtest://scenarios",
		"Scenario Schedule",
		mcp.WithResourceDescription("Live schedule state of every scenario: state, fire count, next fire"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadScenarios)

	s.mcpServer.AddResource(mcp.NewResource(
		"loadtest://summaries",
		"Scenario Summaries",
		mcp.WithResourceDescription("Per-metric statistics over all runs of each scenario"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadSummaries)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_evaluations",
		mcp.WithDescription("List expectation outcomes (PASS/FAIL) of a scenario."),
		mcp.WithString("scenario_id", mcp.Required(), mcp.Description("The scenario to inspect")),
		mcp.WithString("scope", mcp.Description("per_iteration or scenario (default: both)")),
	), s.handleGetEvaluations)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"loadtest-aware",
		mcp.WithPromptDescription("Provides context about loadtest concepts (Scenarios, Runs, Expectations)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal resource")
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadScenarios(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list, err := s.apiClient.Scenarios(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch scenarios")
	}
	return jsonContents(request.Params.URI, list)
}

func (s *Server) handleReadSummaries(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list, err := s.apiClient.Summaries(ctx, client.SummaryOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch summaries")
	}
	return jsonContents(request.Params.URI, list)
}

func (s *Server) handleGetEvaluations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scenarioID := mcp.ParseString(request, "scenario_id", "")
	scope := mcp.ParseString(request, "scope", "")
	if scenarioID == "" {
		return mcp.NewToolResultError("scenario_id is required"), nil
	}

	results, err := s.apiClient.Evaluations(ctx, client.EvaluationOptions{ScenarioID: scenarioID, Scope: scope})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No evaluations recorded for %s yet.", scenarioID)), nil
	}

	var b strings.Builder
	pass := 0
	for _, r := range results {
		if r.Status == "PASS" {
			pass++
		}
		run := r.RunID
		if run == "" {
			run = "scenario"
		}
		fmt.Fprintf(&b, "%s %s %s(%s) measured %.3f %s, expected %s [%s]\n",
			r.Status, r.MetricName, r.Aggregation, r.Scope, r.MeasuredValue, r.MeasuredUnit, r.ExpectedValue, run)
	}
	fmt.Fprintf(&b, "%d/%d passed", pass, len(results))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "loadtest-aware" {
		return nil, errors.Errorf("prompt not found: %s", name)
	}

	promptText := `You are inspecting loadtest, a scheduler that measures network throughput and page loads.

Concepts:
- Scenario: a probe (throughput or page_load) fired once or on a recurring interval for a duration.
- Run: one execution of a scenario; it records raw metrics.
- Summary: avg/min/max/p50/p99/stddev of a metric over every run, in the canonical unit (Mbps, ms, count).
- Expectation: a threshold such as "avg download_speed >= 100 mbps", checked per iteration or once when the scenario completes.

Use the loadtest://scenarios resource to see progress and the 'get_evaluations' tool to explain which expectations failed.
`

	return mcp.NewGetPromptResult(
		"loadtest-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
