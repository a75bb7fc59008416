package api

import "github.com/artpar/stackpipe/internal/core/pipeline"

// =============================================================================
// Request Types
// =============================================================================

// TriggerRunRequest is the optional body of a manual trigger. An empty
// branch uses the pipeline's branch; an empty revision builds its head.
type TriggerRunRequest struct {
	Branch   string `json:"branch,omitempty"`
	Revision string `json:"revision,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// PipelineResponse describes a configured pipeline.
type PipelineResponse struct {
	ID         string               `json:"id"`
	Repository string               `json:"repository"`
	Branch     string               `json:"branch"`
	Registry   string               `json:"registry"`
	Container  string               `json:"container_name"`
	Service    string               `json:"service"`
	OnConflict string               `json:"on_conflict"`
	Stages     []pipeline.StageSpec `json:"stages"`
}

// PipelineListResponse lists pipelines.
type PipelineListResponse struct {
	Pipelines []PipelineResponse `json:"pipelines"`
}

// RunStartedResponse acknowledges a trigger that created a run.
type RunStartedResponse struct {
	PipelineID string `json:"pipeline_id"`
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// RunListResponse lists runs, newest first.
type RunListResponse struct {
	Runs   []pipeline.Run `json:"runs"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// WebhookResponse reports what a webhook delivery did.
type WebhookResponse struct {
	Status string               `json:"status"`
	Reason string               `json:"reason,omitempty"`
	Runs   []RunStartedResponse `json:"runs,omitempty"`
}

// OutputsResponse carries the stack outputs.
type OutputsResponse struct {
	Outputs map[string]string `json:"outputs"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
