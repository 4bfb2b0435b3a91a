// Package server exposes the orchestrator over HTTP: the job endpoints,
// the SSE progress stream, the MCP tool surface, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"forge/job"
	"forge/router"
)

const (
	serviceName    = "forge"
	serviceVersion = "0.1.0"

	// sseHeartbeat keeps idle event streams alive through proxies
	sseHeartbeat = 15 * time.Second
)

// Server wires the HTTP surface over the job manager and router.
type Server struct {
	manager  *job.Manager
	registry *router.Registry
	router   *router.Router
	logger   *zap.Logger

	httpServer *http.Server
}

func New(manager *job.Manager, registry *router.Registry, rt *router.Router, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		manager:  manager,
		registry: registry,
		router:   rt,
		logger:   logger.Named("http"),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/orchestrator/orchestrate", s.handleOrchestrate)
	mux.HandleFunc("GET /api/orchestrator/status/{jobId}", s.handleStatus)
	mux.HandleFunc("POST /api/orchestrator/cancel/{jobId}", s.handleCancel)
	mux.HandleFunc("GET /api/orchestrator/jobs", s.handleListJobs)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /api/router/route", s.handleRoute)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/mcp", newMCPHandler(s.registry, s.logger))

	return mux
}

// Start runs the listener until the context is cancelled, then drains
// in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type orchestrateRequest struct {
	Task          string `json:"task"`
	Language      string `json:"language,omitempty"`
	WorkspacePath string `json:"workspacePath"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	MinScore      int    `json:"minScore,omitempty"`
	Background    *bool  `json:"background,omitempty"` // Default true
}

type orchestrateResponse struct {
	JobID   string    `json:"jobId"`
	State   job.State `json:"state"`
	Message string    `json:"message,omitempty"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, job.KindInvalidRequest, "request body is not valid JSON")
		return
	}

	background := req.Background == nil || *req.Background
	if !background && !s.manager.WorkerSlotFree() {
		writeError(w, http.StatusServiceUnavailable, "worker_pool_exhausted", "no worker slot available for a foreground job")
		return
	}

	id, err := s.manager.Create(job.CreateRequest{
		Task:          req.Task,
		Language:      req.Language,
		WorkspacePath: req.WorkspacePath,
		MaxIterations: req.MaxIterations,
		MinScore:      req.MinScore,
	})
	if err != nil {
		var jerr *job.Error
		if errors.As(err, &jerr) && jerr.Kind == job.KindInvalidRequest {
			writeError(w, http.StatusBadRequest, jerr.Kind, jerr.Message)
			return
		}
		s.logger.Error("job create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, job.KindInternal, "failed to create job")
		return
	}

	if background {
		go func() {
			if err := s.manager.Run(id); err != nil {
				s.logger.Warn("background run refused", zap.String("job_id", id), zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusOK, orchestrateResponse{JobID: id, State: job.StateQueued})
		return
	}

	// Foreground: drive the job to a terminal state before responding
	if err := s.manager.Run(id); err != nil {
		s.logger.Error("foreground run failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, job.KindInternal, "job execution failed to start")
		return
	}
	j, err := s.manager.Status(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, job.KindInternal, "job vanished during execution")
		return
	}
	resp := orchestrateResponse{JobID: id, State: j.State}
	if j.Error != nil {
		resp.Message = j.Error.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.manager.Status(r.PathValue("jobId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	if err := s.manager.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "cancelled": true})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	summaries := s.manager.List()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, job.KindInvalidRequest, "request body is not valid JSON")
		return
	}
	resp, err := s.router.Route(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, job.KindInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// handleEvents streams a job's progress as server-sent events. The stream
// ends after the terminal event; for an already-terminal job one synthetic
// terminal event is sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, job.KindInvalidRequest, "jobId query parameter is required")
		return
	}

	j, err := s.manager.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, job.KindInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if j.State.Terminal() {
		writeSSE(w, flusher, terminalEvent(j))
		return
	}

	ch, unsubscribe, err := s.manager.Subscribe(jobID)
	if err != nil {
		return
	}
	defer unsubscribe()

	// The job may have finished between the snapshot and the subscribe;
	// re-check so the client is not left waiting on a closed stream.
	if j, err := s.manager.Status(jobID); err == nil && j.State.Terminal() {
		writeSSE(w, flusher, terminalEvent(j))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Type == job.EventCompleted || ev.Type == job.EventError {
				return
			}
		}
	}
}

// terminalEvent synthesizes the terminal event for a finished job
func terminalEvent(j *job.Job) job.Event {
	ev := job.Event{
		JobID:     j.ID,
		Type:      job.EventCompleted,
		Timestamp: time.Now().UTC(),
		Message:   "job completed",
		Progress:  100,
	}
	if j.State != job.StateCompleted {
		ev.Type = job.EventError
		ev.Message = fmt.Sprintf("job %s", j.State)
		if j.Error != nil {
			ev.Message = fmt.Sprintf("job %s: %s", j.State, j.Error.Message)
		}
	}
	if j.Result != nil {
		score := j.Result.Score
		ev.Score = &score
	}
	return ev
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev job.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection-level failure; nothing left to do
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, kind job.ErrorKind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}
