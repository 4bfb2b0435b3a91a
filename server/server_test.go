package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forge/job"
	"forge/memory"
	"forge/router"
)

// fakeRunner completes every job immediately with a fixed score.
type fakeRunner struct {
	runFunc func(ctx context.Context, h *job.Handle) (*job.Result, *job.Error)
}

func (f *fakeRunner) Run(ctx context.Context, h *job.Handle) (*job.Result, *job.Error) {
	if f.runFunc != nil {
		return f.runFunc(ctx, h)
	}
	h.SetProgress(100)
	return &job.Result{Score: 9, AttemptCount: 1}, nil
}

type fixture struct {
	server  *Server
	manager *job.Manager
	handler http.Handler
}

func newFixture(t *testing.T, runner job.Runner, maxWorkers int) *fixture {
	t.Helper()
	if runner == nil {
		runner = &fakeRunner{}
	}

	store, err := job.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager, err := job.NewManager(job.ManagerConfig{
		MaxWorkers:      maxWorkers,
		DefaultMaxIter:  5,
		DefaultMinScore: 8,
		JobTimeout:      time.Minute,
	}, store, job.NewBus(), runner, zap.NewNop())
	require.NoError(t, err)

	mem, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	registry := router.NewRegistry()
	registry.Register(&router.GenerateCodeTool{Manager: manager})
	registry.Register(&router.JobStatusTool{Manager: manager})
	registry.Register(&router.ListJobsTool{Manager: manager})
	registry.Register(&router.CancelJobTool{Manager: manager})
	registry.Register(&router.SearchMemoryTool{Memory: mem})

	rt := router.New(registry, router.NewClassifier(nil, "", nil), time.Second, nil)
	rt.SetEnqueuer(manager)
	registry.Register(&router.ExecuteTaskTool{Router: rt})

	srv := New(manager, registry, rt, zap.NewNop())
	return &fixture{server: srv, manager: manager, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestOrchestrateBackgroundQueues(t *testing.T) {
	f := newFixture(t, nil, 2)

	rec := f.do(t, http.MethodPost, "/api/orchestrator/orchestrate", map[string]any{
		"task":          "build a widget",
		"workspacePath": "/tmp/server_test_ws",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, job.StateQueued, resp.State)

	// The fake runner finishes quickly; poll until terminal
	require.Eventually(t, func() bool {
		j, err := f.manager.Status(resp.JobID)
		return err == nil && j.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrateForegroundReturnsTerminalState(t *testing.T) {
	f := newFixture(t, nil, 2)

	rec := f.do(t, http.MethodPost, "/api/orchestrator/orchestrate", map[string]any{
		"task":          "build a widget",
		"workspacePath": "/tmp/server_test_ws",
		"background":    false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.StateCompleted, resp.State)
}

func TestOrchestrateInvalidRequest(t *testing.T) {
	f := newFixture(t, nil, 2)

	rec := f.do(t, http.MethodPost, "/api/orchestrator/orchestrate", map[string]any{
		"workspacePath": "/tmp/server_test_ws",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestOrchestrateMalformedBody(t *testing.T) {
	f := newFixture(t, nil, 2)

	req := httptest.NewRequest(http.MethodPost, "/api/orchestrator/orchestrate", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrchestrateForegroundPoolExhausted(t *testing.T) {
	release := make(chan struct{})
	blocking := &fakeRunner{runFunc: func(ctx context.Context, h *job.Handle) (*job.Result, *job.Error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &job.Result{Score: 9, AttemptCount: 1}, nil
	}}
	f := newFixture(t, blocking, 1)
	defer close(release)

	rec := f.do(t, http.MethodPost, "/api/orchestrator/orchestrate", map[string]any{
		"task":          "occupy the only slot",
		"workspacePath": "/tmp/server_test_ws",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return !f.manager.WorkerSlotFree()
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/api/orchestrator/orchestrate", map[string]any{
		"task":          "needs a slot right now",
		"workspacePath": "/tmp/server_test_ws",
		"background":    false,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker_pool_exhausted")
}

func TestStatusUnknownJob(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodGet, "/api/orchestrator/status/job_nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReturnsJobView(t *testing.T) {
	f := newFixture(t, nil, 2)
	id, err := f.manager.Create(job.CreateRequest{Task: "t", WorkspacePath: "/tmp/server_test_ws"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/orchestrator/status/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var j job.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	assert.Equal(t, id, j.ID)
	assert.Equal(t, job.StateQueued, j.State)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, 2)
	id, err := f.manager.Create(job.CreateRequest{Task: "t", WorkspacePath: "/tmp/server_test_ws"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/orchestrator/cancel/"+id, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodPost, "/api/orchestrator/cancel/job_nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, nil, 2)
	for i := 0; i < 3; i++ {
		_, err := f.manager.Create(job.CreateRequest{Task: "t", WorkspacePath: "/tmp/server_test_ws"})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/orchestrator/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []job.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 3)
}

func TestEventsRequiresJobID(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsUnknownJob(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodGet, "/events?jobId=job_nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsTerminalJobEmitsCompletion(t *testing.T) {
	f := newFixture(t, nil, 2)
	id, err := f.manager.Create(job.CreateRequest{Task: "t", WorkspacePath: "/tmp/server_test_ws"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Run(id))

	rec := f.do(t, http.MethodGet, "/events?jobId="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: completed")
	assert.Contains(t, body, `"jobId":"`+id+`"`)
	assert.Contains(t, body, `"score":9`)
}

func TestEventsCancelledJobEmitsError(t *testing.T) {
	f := newFixture(t, nil, 2)
	id, err := f.manager.Create(job.CreateRequest{Task: "t", WorkspacePath: "/tmp/server_test_ws"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Cancel(id))

	rec := f.do(t, http.MethodGet, "/events?jobId="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error")
}

func TestRouteEndpoint(t *testing.T) {
	f := newFixture(t, nil, 2)

	rec := f.do(t, http.MethodPost, "/api/router/route", router.Request{Text: "list my jobs"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp router.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Intent)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, router.StepCompleted, resp.Results[0].Status)
}

func TestRouteUnintelligibleRequest(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodPost, "/api/router/route", router.Request{Text: "good morning"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t, nil, 2)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestToolSpecTranslation(t *testing.T) {
	f := newFixture(t, nil, 2)
	tool, err := f.server.registry.Get("execute_task")
	require.NoError(t, err)

	spec := toolSpec(tool)
	assert.Equal(t, "execute_task", spec.Name)
	require.Contains(t, spec.InputSchema.Properties, "request")
	require.Contains(t, spec.InputSchema.Properties, "workspace_path")
	assert.Contains(t, spec.InputSchema.Required, "request")
	assert.NotContains(t, spec.InputSchema.Required, "workspace_path")

	gen, err := f.server.registry.Get("generate_code")
	require.NoError(t, err)
	genSpec := toolSpec(gen)
	assert.Contains(t, genSpec.InputSchema.Required, "task")
	assert.Contains(t, genSpec.InputSchema.Required, "workspace_path")
}

func TestExecuteTaskListRequestAnswersInline(t *testing.T) {
	f := newFixture(t, nil, 2)
	_, err := f.manager.Create(job.CreateRequest{Task: "t", WorkspacePath: "/tmp/server_test_ws"})
	require.NoError(t, err)

	tool, err := f.server.registry.Get("execute_task")
	require.NoError(t, err)

	handler := toolHandler(tool, zap.NewNop())
	res, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "execute_task", Arguments: map[string]any{
			"request": "list running jobs",
		}},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := res.Content[0].(mcp.TextContent).Text
	var summaries []job.Summary
	require.NoError(t, json.Unmarshal([]byte(text), &summaries))
	assert.Len(t, summaries, 1)
}

func TestExecuteTaskSearchRequestQueuesJob(t *testing.T) {
	f := newFixture(t, nil, 2)
	tool, err := f.server.registry.Get("execute_task")
	require.NoError(t, err)

	handler := toolHandler(tool, zap.NewNop())
	start := time.Now()
	res, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "execute_task", Arguments: map[string]any{
			"request":        "search for authentication code",
			"workspace_path": "/tmp/server_test_ws",
		}},
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Less(t, elapsed, 200*time.Millisecond, "slow steps must queue, not run inline")

	text := res.Content[0].(mcp.TextContent).Text
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	assert.Equal(t, string(job.StateQueued), out["state"])
	assert.NotEmpty(t, out["jobId"])

	// The queued job carries the search itself and runs to completion
	require.Eventually(t, func() bool {
		j, err := f.manager.Status(out["jobId"])
		return err == nil && j.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestToolHandlerExecutesTool(t *testing.T) {
	f := newFixture(t, nil, 2)
	tool, err := f.server.registry.Get("list_jobs")
	require.NoError(t, err)

	handler := toolHandler(tool, zap.NewNop())
	res, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "list_jobs"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestToolHandlerReportsValidationErrors(t *testing.T) {
	f := newFixture(t, nil, 2)
	tool, err := f.server.registry.Get("job_status")
	require.NoError(t, err)

	handler := toolHandler(tool, zap.NewNop())
	res, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "job_status", Arguments: map[string]any{}},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
