package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/shell/sequencer"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

type startCall struct {
	pipelineID string
	trigger    pipeline.Trigger
}

// stubRunner implements Runner for testing.
type stubRunner struct {
	mu        sync.Mutex
	defs      map[string]pipeline.Definition
	starts    []startCall
	cancelled []string
	startErr  map[string]error
	cancelErr error
}

func newStubRunner(defs ...pipeline.Definition) *stubRunner {
	r := &stubRunner{defs: make(map[string]pipeline.Definition), startErr: make(map[string]error)}
	for _, d := range defs {
		r.defs[d.ID] = d.WithDefaults()
	}
	return r
}

func (r *stubRunner) Pipelines() []pipeline.Definition {
	out := make([]pipeline.Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *stubRunner) Pipeline(id string) (pipeline.Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

func (r *stubRunner) Start(ctx context.Context, pipelineID string, trigger pipeline.Trigger) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[pipelineID]; !ok {
		return "", sequencer.ErrUnknownPipeline
	}
	if err := r.startErr[pipelineID]; err != nil {
		return "", err
	}
	r.starts = append(r.starts, startCall{pipelineID: pipelineID, trigger: trigger})
	return "run_" + pipelineID, nil
}

func (r *stubRunner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelErr != nil {
		return r.cancelErr
	}
	r.cancelled = append(r.cancelled, runID)
	return nil
}

// stubStore implements RunStore for testing.
type stubStore struct {
	runs map[string]*pipeline.Run
	err  error
}

func (s *stubStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, &store.RecordError{Op: "GetRun", Entity: "run", Key: id, Kind: store.ErrNotFound}
	}
	return run, nil
}

func (s *stubStore) ListRuns(ctx context.Context, pipelineID string, opts store.ListOptions) ([]pipeline.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []pipeline.Run
	for _, r := range s.runs {
		if r.PipelineID == pipelineID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func appPipeline(id string) pipeline.Definition {
	return pipeline.Definition{
		ID:     id,
		Source: pipeline.SourceConfig{Repository: "artpar/app", Branch: "main"},
		Build:  pipeline.BuildConfig{Registry: "R", ContainerName: "app"},
		Deploy: pipeline.DeployConfig{Service: "S"},
	}
}

func setupHandler(runner *stubRunner, runs *stubStore, secret string) http.Handler {
	if runs == nil {
		runs = &stubStore{runs: map[string]*pipeline.Run{}}
	}
	outputs := func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"LoadBalancerDNS": "lb-123.elb.amazonaws.com"}, nil
	}
	return NewHandler(runner, runs, outputs, Config{WebhookSecret: []byte(secret), Version: "1.2.3"}, nil).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const pushBody = `{
  "ref": "refs/heads/main",
  "after": "abc123",
  "repository": {"full_name": "artpar/app", "clone_url": "https://github.com/artpar/app.git"},
  "sender": {"login": "octocat"}
}`

func signedHeaders(event, body, secret string) map[string]string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return map[string]string{
		"Content-Type":        "application/json",
		"X-GitHub-Event":      event,
		"X-Hub-Signature-256": "sha256=" + hex.EncodeToString(mac.Sum(nil)),
	}
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth(t *testing.T) {
	rec := do(t, setupHandler(newStubRunner(), nil, ""), http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestAPIToken_GuardsAPIRoutesOnly(t *testing.T) {
	outputs := func(ctx context.Context) (map[string]string, error) { return nil, nil }
	h := NewHandler(newStubRunner(appPipeline("app")), &stubStore{runs: map[string]*pipeline.Run{}}, outputs,
		Config{APIToken: "tok", Version: "1.2.3"}, nil).Routes()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/openapi.json", nil, nil).Code)

	rec := do(t, h, http.MethodGet, "/api/v1/pipelines", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Code)

	rec = do(t, h, http.MethodGet, "/api/v1/pipelines", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/pipelines", nil, map[string]string{"Authorization": "Bearer tok"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// Webhook Tests
// =============================================================================

func TestGitHubHook_StartsMatchingPipelines(t *testing.T) {
	other := appPipeline("docs")
	other.Source.Repository = "artpar/docs"
	runner := newStubRunner(appPipeline("app"), other)
	h := setupHandler(runner, nil, "s3cret")

	rec := do(t, h, http.MethodPost, "/hooks/github", []byte(pushBody), signedHeaders("push", pushBody, "s3cret"))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[WebhookResponse](t, rec)
	assert.Equal(t, "accepted", resp.Status)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "run_app", resp.Runs[0].RunID)

	require.Len(t, runner.starts, 1)
	assert.Equal(t, "app", runner.starts[0].pipelineID)
	assert.Equal(t, pipeline.Trigger{
		Branch:   "main",
		Revision: "abc123",
		Source:   pipeline.TriggerWebhook,
		Actor:    "octocat",
	}, runner.starts[0].trigger)
}

func TestGitHubHook_InvalidSignature(t *testing.T) {
	runner := newStubRunner(appPipeline("app"))
	h := setupHandler(runner, nil, "s3cret")

	rec := do(t, h, http.MethodPost, "/hooks/github", []byte(pushBody), signedHeaders("push", pushBody, "wrong"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Code)
	assert.Empty(t, runner.starts)
}

func TestGitHubHook_Ignored(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
	}{
		{"ping", "ping", `{"zen": "Design for failure."}`},
		{"other branch", "push", `{"ref": "refs/heads/dev", "after": "abc", "repository": {"full_name": "artpar/app"}}`},
		{"other repository", "push", `{"ref": "refs/heads/main", "after": "abc", "repository": {"full_name": "artpar/else"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newStubRunner(appPipeline("app"))
			h := setupHandler(runner, nil, "")

			rec := do(t, h, http.MethodPost, "/hooks/github", []byte(tt.body), map[string]string{
				"Content-Type":   "application/json",
				"X-GitHub-Event": tt.event,
			})

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)
			assert.Empty(t, runner.starts)
		})
	}
}

func TestGitHubHook_Conflict(t *testing.T) {
	runner := newStubRunner(appPipeline("app"))
	runner.startErr["app"] = &pipeline.ConcurrentRunError{PipelineID: "app", ActiveRunID: "run_1"}
	h := setupHandler(runner, nil, "s3cret")

	rec := do(t, h, http.MethodPost, "/hooks/github", []byte(pushBody), signedHeaders("push", pushBody, "s3cret"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "run_1")
}

func TestGitHubHook_PartialStartIsAccepted(t *testing.T) {
	runner := newStubRunner(appPipeline("api"), appPipeline("app"), appPipeline("web"))
	runner.startErr["app"] = errors.New("database is locked")
	runner.startErr["web"] = &pipeline.ConcurrentRunError{PipelineID: "web", ActiveRunID: "run_7"}
	h := setupHandler(runner, nil, "s3cret")

	rec := do(t, h, http.MethodPost, "/hooks/github", []byte(pushBody), signedHeaders("push", pushBody, "s3cret"))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[WebhookResponse](t, rec)
	assert.Equal(t, "accepted", resp.Status)
	require.Len(t, resp.Runs, 3)

	assert.Equal(t, RunStartedResponse{PipelineID: "api", RunID: "run_api", Status: "queued"}, resp.Runs[0])
	assert.Equal(t, "app", resp.Runs[1].PipelineID)
	assert.Equal(t, "failed", resp.Runs[1].Status)
	assert.Contains(t, resp.Runs[1].Error, "database is locked")
	assert.Equal(t, "web", resp.Runs[2].PipelineID)
	assert.Equal(t, "rejected", resp.Runs[2].Status)
	assert.Equal(t, "run_7", resp.Runs[2].RunID)

	require.Len(t, runner.starts, 1)
}

func TestGitHubHook_StartFailure(t *testing.T) {
	runner := newStubRunner(appPipeline("app"))
	runner.startErr["app"] = errors.New("database is locked")
	h := setupHandler(runner, nil, "s3cret")

	rec := do(t, h, http.MethodPost, "/hooks/github", []byte(pushBody), signedHeaders("push", pushBody, "s3cret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// Pipeline Tests
// =============================================================================

func TestListPipelines(t *testing.T) {
	h := setupHandler(newStubRunner(appPipeline("web"), appPipeline("api")), nil, "")

	rec := do(t, h, http.MethodGet, "/api/v1/pipelines", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PipelineListResponse](t, rec)
	require.Len(t, resp.Pipelines, 2)
	assert.Equal(t, "api", resp.Pipelines[0].ID)
	assert.Equal(t, "queue", resp.Pipelines[0].OnConflict)
	assert.Len(t, resp.Pipelines[0].Stages, 3)
}

func TestGetPipeline_NotFound(t *testing.T) {
	rec := do(t, setupHandler(newStubRunner(), nil, ""), http.MethodGet, "/api/v1/pipelines/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRun(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		status   int
		code     string
	}{
		{name: "no body", status: http.StatusAccepted},
		{name: "with revision", body: `{"revision": "def456", "actor": "ops"}`, status: http.StatusAccepted},
		{name: "bad json", body: `{`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "conflict", startErr: &pipeline.ConcurrentRunError{PipelineID: "app", ActiveRunID: "run_1"}, status: http.StatusConflict, code: "conflict"},
		{name: "closed", startErr: sequencer.ErrClosed, status: http.StatusServiceUnavailable, code: "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newStubRunner(appPipeline("app"))
			if tt.startErr != nil {
				runner.startErr["app"] = tt.startErr
			}
			rec := do(t, setupHandler(runner, nil, ""), http.MethodPost, "/api/v1/pipelines/app/runs", []byte(tt.body), nil)

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
				return
			}
			resp := decode[RunStartedResponse](t, rec)
			assert.Equal(t, "run_app", resp.RunID)
			assert.Equal(t, "queued", resp.Status)
			require.Len(t, runner.starts, 1)
			assert.Equal(t, pipeline.TriggerManual, runner.starts[0].trigger.Source)
		})
	}
}

func TestTriggerRun_PassesRevision(t *testing.T) {
	runner := newStubRunner(appPipeline("app"))
	body := []byte(`{"branch": "main", "revision": "def456", "actor": "ops"}`)

	rec := do(t, setupHandler(runner, nil, ""), http.MethodPost, "/api/v1/pipelines/app/runs", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, pipeline.Trigger{Branch: "main", Revision: "def456", Source: pipeline.TriggerManual, Actor: "ops"}, runner.starts[0].trigger)
}

func TestTriggerRun_UnknownPipeline(t *testing.T) {
	rec := do(t, setupHandler(newStubRunner(), nil, ""), http.MethodPost, "/api/v1/pipelines/nope/runs", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestListRuns(t *testing.T) {
	runs := &stubStore{runs: map[string]*pipeline.Run{
		"run_1": {ID: "run_1", PipelineID: "app", Status: pipeline.RunSucceeded},
		"run_2": {ID: "run_2", PipelineID: "other", Status: pipeline.RunFailed},
	}}
	h := setupHandler(newStubRunner(appPipeline("app")), runs, "")

	rec := do(t, h, http.MethodGet, "/api/v1/pipelines/app/runs?limit=5000&offset=2", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunListResponse](t, rec)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "run_1", resp.Runs[0].ID)
	assert.Equal(t, 1000, resp.Limit)
	assert.Equal(t, 2, resp.Offset)
}

func TestListRuns_Empty(t *testing.T) {
	h := setupHandler(newStubRunner(appPipeline("app")), nil, "")

	rec := do(t, h, http.MethodGet, "/api/v1/pipelines/app/runs", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs": [], "limit": 100, "offset": 0}`, rec.Body.String())
}

func TestGetRun(t *testing.T) {
	runs := &stubStore{runs: map[string]*pipeline.Run{
		"run_1": {
			ID:          "run_1",
			PipelineID:  "app",
			Status:      pipeline.RunFailed,
			FailedStage: "Build",
			Artifacts:   []pipeline.Artifact{{Name: pipeline.SourceOutput, ProducedBy: "Source", RunID: "run_1"}},
		},
	}}
	h := setupHandler(newStubRunner(appPipeline("app")), runs, "")

	rec := do(t, h, http.MethodGet, "/api/v1/runs/run_1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[pipeline.Run](t, rec)
	assert.Equal(t, "Build", run.FailedStage)
	assert.Len(t, run.Artifacts, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/run_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun_StoreError(t *testing.T) {
	h := setupHandler(newStubRunner(), &stubStore{err: errors.New("disk on fire")}, "")
	rec := do(t, h, http.MethodGet, "/api/v1/runs/run_1", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCancelRun(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", sequencer.ErrRunNotFound, http.StatusNotFound},
		{"finished", sequencer.ErrRunFinished, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newStubRunner()
			runner.cancelErr = tt.err

			rec := do(t, setupHandler(runner, nil, ""), http.MethodPost, "/api/v1/runs/run_1/cancel", nil, nil)

			assert.Equal(t, tt.status, rec.Code)
			if tt.err == nil {
				assert.Equal(t, []string{"run_1"}, runner.cancelled)
			}
		})
	}
}

// =============================================================================
// Stack Tests
// =============================================================================

func TestOutputs(t *testing.T) {
	rec := do(t, setupHandler(newStubRunner(), nil, ""), http.MethodGet, "/api/v1/outputs", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lb-123.elb.amazonaws.com", decode[OutputsResponse](t, rec).Outputs["LoadBalancerDNS"])
}

func TestOutputs_NotProvisioned(t *testing.T) {
	outputs := func(ctx context.Context) (map[string]string, error) {
		return nil, errors.New("resource LB is not provisioned")
	}
	h := NewHandler(newStubRunner(), &stubStore{}, outputs, Config{}, nil).Routes()

	rec := do(t, h, http.MethodGet, "/api/v1/outputs", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// OpenAPI Tests
// =============================================================================

func TestOpenAPIDocument(t *testing.T) {
	rec := do(t, setupHandler(newStubRunner(), nil, ""), http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Info    map[string]any            `json:"info"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Equal(t, "1.2.3", doc.Info["version"])
	assert.Contains(t, doc.Paths, "/hooks/github")
	assert.Contains(t, doc.Paths["/api/v1/pipelines/{id}/runs"], "post")
	assert.Contains(t, doc.Paths["/api/v1/pipelines/{id}/runs"], "get")
	assert.Contains(t, doc.Paths["/api/v1/runs/{id}/cancel"], "post")
}
