// Package api provides the HTTP surface of stackpipe: GitHub webhooks,
// manual triggers, run inspection and stack outputs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	apimiddleware "github.com/artpar/stackpipe/internal/shell/api/middleware"
	"github.com/artpar/stackpipe/internal/shell/api/openapi"
	"github.com/artpar/stackpipe/internal/shell/sequencer"
	"github.com/artpar/stackpipe/internal/shell/source"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// =============================================================================
// Dependencies
// =============================================================================

// Runner starts and cancels pipeline runs.
type Runner interface {
	Pipelines() []pipeline.Definition
	Pipeline(id string) (pipeline.Definition, bool)
	Start(ctx context.Context, pipelineID string, trigger pipeline.Trigger) (string, error)
	Cancel(ctx context.Context, runID string) error
}

// RunStore reads run history.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, pipelineID string, opts store.ListOptions) ([]pipeline.Run, error)
}

// OutputsFunc resolves the stack outputs.
type OutputsFunc func(ctx context.Context) (map[string]string, error)

// Config holds handler settings.
type Config struct {
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables verification.
	WebhookSecret []byte
	// APIToken guards /api/v1 with a bearer token. Empty leaves it open.
	APIToken      string
	Version       string
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	runs    Runner
	store   RunStore
	outputs OutputsFunc
	config  Config
	openapi *openapi.Generator
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(runs Runner, s RunStore, outputs OutputsFunc, config Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	h := &Handler{
		runs:    runs,
		store:   s,
		outputs: outputs,
		config:  config,
		openapi: openapi.NewGenerator(openapi.WithVersion(versionOr(config.Version))),
		logger:  l.With("component", "api"),
	}
	h.describe()
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/openapi.json", h.openapi.Handler())
	r.Get("/openapi.yaml", h.openapi.YAMLHandler())
	r.Post("/hooks/github", h.handleGitHubHook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apimiddleware.NewAuthMiddleware(apimiddleware.AuthConfig{
			Token:  h.config.APIToken,
			Logger: h.logger,
		}).Handler)

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", h.handleListPipelines)
			r.Get("/{id}", h.handleGetPipeline)
			r.Post("/{id}/runs", h.handleTriggerRun)
			r.Get("/{id}/runs", h.handleListRuns)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{id}", h.handleGetRun)
			r.Post("/{id}/cancel", h.handleCancelRun)
		})

		r.Get("/outputs", h.handleOutputs)
	})

	return r
}

// describe registers every route with the OpenAPI generator.
func (h *Handler) describe() {
	for _, op := range []openapi.Operation{
		{Method: http.MethodGet, Path: "/health", ID: "health", Summary: "Liveness check", Tag: "System", Response: HealthResponse{}},
		{Method: http.MethodPost, Path: "/hooks/github", ID: "githubWebhook", Summary: "GitHub push webhook", Tag: "Webhooks",
			Response: WebhookResponse{}, Status: http.StatusAccepted, Errors: []int{http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError}},
		{Method: http.MethodGet, Path: "/api/v1/pipelines", ID: "listPipelines", Summary: "List pipelines", Tag: "Pipelines", Response: PipelineListResponse{}},
		{Method: http.MethodGet, Path: "/api/v1/pipelines/{id}", ID: "getPipeline", Summary: "Get a pipeline", Tag: "Pipelines",
			Response: PipelineResponse{}, Errors: []int{http.StatusNotFound}},
		{Method: http.MethodPost, Path: "/api/v1/pipelines/{id}/runs", ID: "triggerRun", Summary: "Trigger a run", Tag: "Runs",
			Request: TriggerRunRequest{}, Response: RunStartedResponse{}, Status: http.StatusAccepted,
			Errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict}},
		{Method: http.MethodGet, Path: "/api/v1/pipelines/{id}/runs", ID: "listRuns", Summary: "List runs of a pipeline", Tag: "Runs",
			Response: RunListResponse{}, Query: []string{"limit", "offset"}, Errors: []int{http.StatusNotFound}},
		{Method: http.MethodGet, Path: "/api/v1/runs/{id}", ID: "getRun", Summary: "Get a run", Tag: "Runs",
			Response: pipeline.Run{}, Errors: []int{http.StatusNotFound}},
		{Method: http.MethodPost, Path: "/api/v1/runs/{id}/cancel", ID: "cancelRun", Summary: "Cancel a run", Tag: "Runs",
			Response: CancelResponse{}, Status: http.StatusAccepted, Errors: []int{http.StatusNotFound, http.StatusConflict}},
		{Method: http.MethodGet, Path: "/api/v1/outputs", ID: "getOutputs", Summary: "Stack outputs", Tag: "Stack", Response: OutputsResponse{}},
	} {
		h.openapi.Register(op)
	}
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.config.Version})
}

// =============================================================================
// Webhook Handlers
// =============================================================================

// handleGitHubHook starts a run for every pipeline the push matches.
func (h *Handler) handleGitHubHook(w http.ResponseWriter, r *http.Request) {
	push, err := source.ParsePush(r, h.config.WebhookSecret)
	switch {
	case errors.Is(err, source.ErrInvalidSignature):
		h.logger.Warn("rejected webhook", "error", err)
		h.writeError(w, http.StatusUnauthorized, "invalid signature", "unauthorized")
		return
	case errors.Is(err, source.ErrIgnoredEvent):
		h.writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: err.Error()})
		return
	case err != nil:
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	var (
		results  []RunStartedResponse
		started  int
		failed   int
		conflict *pipeline.ConcurrentRunError
	)
	for _, def := range h.runs.Pipelines() {
		if !push.Matches(def) {
			continue
		}
		runID, err := h.runs.Start(r.Context(), def.ID, push.Trigger)
		var c *pipeline.ConcurrentRunError
		switch {
		case errors.As(err, &c):
			conflict = c
			results = append(results, RunStartedResponse{PipelineID: def.ID, RunID: c.ActiveRunID, Status: "rejected", Error: c.Error()})
		case err != nil:
			h.logger.Error("failed to start run from webhook", "pipeline", def.ID, "error", err)
			failed++
			results = append(results, RunStartedResponse{PipelineID: def.ID, Status: "failed", Error: err.Error()})
		default:
			h.logger.Info("webhook started run", "pipeline", def.ID, "run_id", runID,
				"revision", push.Trigger.Revision, "actor", push.Trigger.Actor)
			started++
			results = append(results, RunStartedResponse{PipelineID: def.ID, RunID: runID, Status: string(pipeline.RunQueued)})
		}
	}

	// Once any run has started the delivery must not be retried, so partial
	// failures are reported per pipeline under 202.
	switch {
	case started > 0:
		h.writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "accepted", Runs: results})
	case failed > 0:
		h.writeError(w, http.StatusInternalServerError, "failed to start run", "internal_error")
	case conflict != nil:
		h.writeError(w, http.StatusConflict, conflict.Error(), "conflict")
	default:
		h.writeJSON(w, http.StatusOK, WebhookResponse{
			Status: "ignored",
			Reason: "no pipeline watches " + push.Repository + "@" + push.Trigger.Branch,
		})
	}
}

// =============================================================================
// Pipeline Handlers
// =============================================================================

func (h *Handler) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	defs := h.runs.Pipelines()
	resp := PipelineListResponse{Pipelines: make([]PipelineResponse, 0, len(defs))}
	for _, d := range defs {
		resp.Pipelines = append(resp.Pipelines, pipelineToResponse(d))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	def, ok := h.runs.Pipeline(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "pipeline not found", "not_found")
		return
	}
	h.writeJSON(w, http.StatusOK, pipelineToResponse(def))
}

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	runID, err := h.runs.Start(r.Context(), id, pipeline.Trigger{
		Branch:   req.Branch,
		Revision: req.Revision,
		Source:   pipeline.TriggerManual,
		Actor:    req.Actor,
	})
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, RunStartedResponse{PipelineID: id, RunID: runID, Status: string(pipeline.RunQueued)})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.runs.Pipeline(id); !ok {
		h.writeError(w, http.StatusNotFound, "pipeline not found", "not_found")
		return
	}

	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	runs, err := h.store.ListRuns(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("failed to list runs", "pipeline", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	h.writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Limit: opts.Limit, Offset: opts.Offset})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found", "not_found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runs.Cancel(r.Context(), id); err != nil {
		h.writeRunError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, CancelResponse{RunID: id, Status: "cancelling"})
}

// =============================================================================
// Stack Handlers
// =============================================================================

func (h *Handler) handleOutputs(w http.ResponseWriter, r *http.Request) {
	if h.outputs == nil {
		h.writeJSON(w, http.StatusOK, OutputsResponse{Outputs: map[string]string{}})
		return
	}
	outputs, err := h.outputs(r.Context())
	if err != nil {
		h.logger.Error("failed to resolve outputs", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "not_provisioned")
		return
	}
	h.writeJSON(w, http.StatusOK, OutputsResponse{Outputs: outputs})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeRunError maps sequencer errors to HTTP statuses.
func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	var conflict *pipeline.ConcurrentRunError
	switch {
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, sequencer.ErrUnknownPipeline):
		h.writeError(w, http.StatusNotFound, "pipeline not found", "not_found")
	case errors.Is(err, sequencer.ErrRunNotFound):
		h.writeError(w, http.StatusNotFound, "run not found", "not_found")
	case errors.Is(err, sequencer.ErrRunFinished):
		h.writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, sequencer.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "shutting down", "unavailable")
	default:
		h.logger.Error("run request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

func pipelineToResponse(d pipeline.Definition) PipelineResponse {
	return PipelineResponse{
		ID:         d.ID,
		Repository: d.Source.Repository,
		Branch:     d.Source.Branch,
		Registry:   d.Build.Registry,
		Container:  d.Build.ContainerName,
		Service:    d.Deploy.Service,
		OnConflict: string(d.OnConflict),
		Stages:     d.Stages,
	}
}

func versionOr(v string) string {
	if v == "" {
		return "dev"
	}
	return v
}
