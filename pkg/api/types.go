package api

import (
	"github.com/rmax-ai/loadtest/pkg/engine"
	"github.com/rmax-ai/loadtest/pkg/store"
)

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status string `json:"status"`
	Worker string `json:"worker,omitempty"`
}

// ScenariosResponse is returned by GET /v1/scenarios.
type ScenariosResponse struct {
	Scenarios []engine.ScenarioStatus `json:"scenarios"`
}

// SummariesResponse is returned by GET /v1/summaries.
type SummariesResponse struct {
	Summaries []store.ScenarioSummary `json:"summaries"`
}

// EvaluationsResponse is returned by GET /v1/evaluations.
type EvaluationsResponse struct {
	Evaluations []store.EvaluationResult `json:"evaluations"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
