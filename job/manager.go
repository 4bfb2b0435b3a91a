package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forge/metrics"
)

// ErrAlreadyRunning is returned by Run for a job that is not in Queued state
var ErrAlreadyRunning = errors.New("job already running")

// ErrNotFound is returned for unknown job ids
var ErrNotFound = errors.New("job not found")

// Runner drives a claimed job's attempts. Implemented by the engine's
// retry controller; injected so the manager stays free of engine imports.
type Runner interface {
	Run(ctx context.Context, h *Handle) (*Result, *Error)
}

// ManagerConfig carries the manager's tunables
type ManagerConfig struct {
	MaxWorkers       int
	DefaultMaxIter   int
	MaxIterationsCap int
	DefaultMinScore  int
	JobTimeout       time.Duration
	Retention        time.Duration
}

// Manager owns job records: creation, persistence, progress fan-out,
// cancellation, timeout, and the worker pool. All mutations go through it.
type Manager struct {
	cfg    ManagerConfig
	store  *Store
	bus    *Bus
	runner Runner
	logger *zap.Logger

	rootCtx   context.Context
	semaphore chan struct{}

	jobs      map[string]*Job
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool   // user-initiated cancel requested
	claimed   map[string]bool   // Run already invoked
	runners   map[string]Runner // per-job runner overrides for step jobs
	mu        sync.RWMutex
}

// NewManager creates a job manager, restoring retained jobs from the store.
// Jobs found running from a previous process are marked interrupted.
func NewManager(cfg ManagerConfig, store *Store, bus *Bus, runner Runner, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.DefaultMaxIter <= 0 {
		cfg.DefaultMaxIter = 10
	}
	if cfg.MaxIterationsCap <= 0 {
		cfg.MaxIterationsCap = 25
	}
	if cfg.DefaultMinScore <= 0 {
		cfg.DefaultMinScore = 8
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	interrupted, err := store.MarkInterrupted()
	if err != nil {
		return nil, fmt.Errorf("failed to mark interrupted jobs: %w", err)
	}

	retained, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load retained jobs: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		runner:    runner,
		logger:    logger.Named("jobs"),
		rootCtx:   context.Background(),
		semaphore: make(chan struct{}, cfg.MaxWorkers),
		jobs:      make(map[string]*Job),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		claimed:   make(map[string]bool),
		runners:   make(map[string]Runner),
	}
	for _, j := range retained {
		m.jobs[j.ID] = j
	}

	if interrupted > 0 {
		m.logger.Warn("marked stranded jobs as interrupted", zap.Int("count", interrupted))
	}
	return m, nil
}

// SetRootContext installs the process-lifetime context used as the parent
// of every job context. Must be called before the first Run.
func (m *Manager) SetRootContext(ctx context.Context) {
	m.rootCtx = ctx
}

// Create validates the request, persists a Queued job, and returns its id
func (m *Manager) Create(req CreateRequest) (string, error) {
	if req.Task == "" {
		return "", &Error{Kind: KindInvalidRequest, Message: "task is required"}
	}
	if len(req.Task) > MaxTaskBytes {
		return "", &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("task exceeds %d bytes", MaxTaskBytes)}
	}
	if req.WorkspacePath == "" || !filepath.IsAbs(req.WorkspacePath) {
		return "", &Error{Kind: KindInvalidRequest, Message: "workspacePath must be an absolute path"}
	}
	if req.MaxIterations < 0 || req.MaxIterations > m.cfg.MaxIterationsCap {
		return "", &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("maxIterations must be in [1,%d]", m.cfg.MaxIterationsCap)}
	}
	if req.MinScore < 0 || req.MinScore > 10 {
		return "", &Error{Kind: KindInvalidRequest, Message: "minScore must be in [0,10]"}
	}

	contextKey := DeriveContext(req.WorkspacePath)
	if contextKey == "" {
		return "", &Error{Kind: KindInvalidRequest, Message: "workspacePath does not yield a usable context"}
	}

	now := time.Now().UTC()
	j := &Job{
		ID:            NewID(now),
		Task:          req.Task,
		Language:      req.Language,
		WorkspacePath: req.WorkspacePath,
		Context:       contextKey,
		MaxIterations: req.MaxIterations,
		MinScore:      req.MinScore,
		State:         StateQueued,
		CreatedAt:     now,
	}
	if j.Language == "" {
		j.Language = "auto"
	}
	if j.MaxIterations == 0 {
		j.MaxIterations = m.cfg.DefaultMaxIter
	}
	if j.MinScore == 0 {
		j.MinScore = m.cfg.DefaultMinScore
	}

	if err := m.persist(j); err != nil {
		return "", &Error{Kind: KindInternal, Message: "failed to persist job", CorrelationID: uuid.NewString()}
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	metrics.JobsCreated.Inc()
	m.logger.Info("job created",
		zap.String("job_id", j.ID),
		zap.String("context", j.Context),
		zap.Int("max_iterations", j.MaxIterations))
	return j.ID, nil
}

// jobContext builds the cancellable context for a job at run time. A
// Cancel that arrived before Run still takes effect immediately.
func (m *Manager) jobContext(id string) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return nil, false
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.cancels[id] = cancel
	if m.cancelled[id] {
		cancel()
	}
	return ctx, true
}

// Run claims a Queued job, waits for a worker slot, and drives it to a
// terminal state. Exactly one terminal transition is guaranteed. Blocks
// for the duration of the job; callers wanting background execution run
// it in a goroutine.
func (m *Manager) Run(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if m.claimed[jobID] {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if j.State != StateQueued {
		state := j.State
		m.mu.Unlock()
		if state.Terminal() {
			return fmt.Errorf("job %s already terminal: %s", jobID, state)
		}
		return ErrAlreadyRunning
	}
	m.claimed[jobID] = true
	m.mu.Unlock()

	ctx, ok := m.jobContext(jobID)
	if !ok {
		return ErrNotFound
	}

	// Backpressure: wait for a worker slot, unless cancelled while queued
	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		m.finish(jobID, StateCancelled, nil, &Error{Kind: KindCancelled, Message: "cancelled before execution started"})
		return nil
	}
	defer func() { <-m.semaphore }()

	if err := m.transitionRunning(jobID); err != nil {
		return err
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancelTimeout()

	metrics.JobsRunning.Inc()
	result, jerr := m.runnerFor(jobID).Run(runCtx, &Handle{m: m, id: jobID})
	metrics.JobsRunning.Dec()

	// The cancel/timeout signal takes precedence over any pending decision
	switch {
	case m.isCancelled(jobID):
		m.finish(jobID, StateCancelled, nil, &Error{
			Kind:          KindCancelled,
			Message:       "cancelled by user",
			PartialResult: m.partialFor(jobID),
		})
	case runCtx.Err() == context.DeadlineExceeded:
		m.finish(jobID, StateTimedOut, nil, &Error{
			Kind:          KindTimedOut,
			Message:       fmt.Sprintf("job exceeded wall clock of %s", m.cfg.JobTimeout),
			PartialResult: m.partialFor(jobID),
		})
	case ctx.Err() != nil:
		// Job context cancelled without a user cancel: process shutdown.
		// Flushed as interrupted, same as jobs stranded across a restart.
		m.finish(jobID, StateFailed, nil, &Error{
			Kind:          KindInterrupted,
			Message:       "interrupted by shutdown",
			PartialResult: m.partialFor(jobID),
		})
	case jerr != nil:
		if jerr.PartialResult == nil {
			jerr.PartialResult = m.partialFor(jobID)
		}
		m.finish(jobID, StateFailed, nil, jerr)
	default:
		m.finish(jobID, StateCompleted, result, nil)
	}
	return nil
}

func (m *Manager) transitionRunning(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if j.State != StateQueued {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	now := time.Now().UTC()
	j.State = StateRunning
	j.StartedAt = &now
	snapshot := j.Clone()
	m.mu.Unlock()

	if err := m.persist(snapshot); err != nil {
		m.finish(jobID, StateFailed, nil, &Error{
			Kind:          KindInternal,
			Message:       "failed to persist running transition",
			CorrelationID: uuid.NewString(),
		})
		return err
	}

	m.bus.Publish(Event{
		JobID:    jobID,
		Type:     EventProgress,
		Message:  "job started",
		Progress: snapshot.Progress,
	})
	return nil
}

// finish applies the single terminal transition. Later calls for the same
// job are no-ops, so cancel/timeout and runner completion cannot race into
// two terminal states.
func (m *Manager) finish(jobID string, state State, result *Result, jerr *Error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || j.State.Terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	j.State = state
	j.Progress = 100
	j.CompletedAt = &now
	j.Result = nil
	j.Error = nil
	switch state {
	case StateCompleted:
		j.Result = result
	case StateFailed, StateTimedOut, StateCancelled:
		if jerr == nil {
			jerr = &Error{Kind: KindCancelled, Message: "cancelled by user"}
		}
		j.Error = jerr
	}
	snapshot := j.Clone()
	m.mu.Unlock()

	if err := m.persist(snapshot); err != nil {
		m.logger.Error("failed to persist terminal state",
			zap.String("job_id", jobID),
			zap.String("state", string(state)),
			zap.Error(err))
	}

	evType := EventCompleted
	message := "job completed"
	if state != StateCompleted {
		evType = EventError
		message = fmt.Sprintf("job %s", state)
		if jerr != nil {
			message = fmt.Sprintf("job %s: %s", state, jerr.Message)
		}
	}
	ev := Event{JobID: jobID, Type: evType, Message: message, Progress: 100}
	if result != nil {
		score := result.Score
		ev.Score = &score
	}
	m.bus.Publish(ev)
	m.bus.CloseJob(jobID)

	m.mu.Lock()
	if cancel, ok := m.cancels[jobID]; ok {
		cancel()
		delete(m.cancels, jobID)
	}
	delete(m.runners, jobID)
	m.mu.Unlock()

	metrics.JobsTerminal.WithLabelValues(string(state)).Inc()
	m.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("state", string(state)))
}

// Cancel signals a job's cancellation token. Idempotent and non-blocking:
// a running job reaches Cancelled at its next boundary; a queued job is
// cancelled immediately; a terminal job is a successful no-op.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if j.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	m.cancelled[jobID] = true
	cancel := m.cancels[jobID]
	queued := j.State == StateQueued && !m.claimed[jobID]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if queued {
		m.finish(jobID, StateCancelled, nil, nil)
	}
	return nil
}

// WorkerSlotFree reports whether a worker slot is immediately available.
// Advisory only: the slot may be taken between the check and a Run.
func (m *Manager) WorkerSlotFree() bool {
	return len(m.semaphore) < cap(m.semaphore)
}

// stepRunner adapts a router step closure to the Runner contract
type stepRunner struct {
	run func(ctx context.Context) (string, error)
}

func (s *stepRunner) Run(ctx context.Context, h *Handle) (*Result, *Error) {
	out, err := s.run(ctx)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: err.Error()}
	}
	return &Result{Summary: out}, nil
}

// EnqueueStep wraps a slow router step in a tracked background job and
// spawns it immediately. The id comes back as soon as the record is
// persisted; callers poll job_status for the step's output, which lands
// in result.summary.
func (m *Manager) EnqueueStep(task string, run func(ctx context.Context) (string, error)) (string, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:            NewID(now),
		Task:          task,
		Language:      "none",
		Context:       "router",
		MaxIterations: 1,
		State:         StateQueued,
		CreatedAt:     now,
	}
	if err := m.persist(j); err != nil {
		return "", &Error{Kind: KindInternal, Message: "failed to persist step job", CorrelationID: uuid.NewString()}
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.runners[j.ID] = &stepRunner{run: run}
	m.mu.Unlock()

	metrics.JobsCreated.Inc()
	m.logger.Info("step job enqueued",
		zap.String("job_id", j.ID),
		zap.String("task", task))

	go func() {
		if err := m.Run(j.ID); err != nil {
			m.logger.Warn("step job did not run", zap.String("job_id", j.ID), zap.Error(err))
		}
	}()
	return j.ID, nil
}

func (m *Manager) runnerFor(jobID string) Runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runners[jobID]; ok {
		return r
	}
	return m.runner
}

func (m *Manager) isCancelled(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelled[jobID]
}

// partialFor salvages the best-scoring candidate accumulated so far
func (m *Manager) partialFor(jobID string) *Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	return bestPartial(j.Attempts)
}

// Status returns a snapshot of the job, safe to call concurrently with Run
func (m *Manager) Status(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns summaries of all retained jobs
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Summarize())
	}
	return out
}

// Subscribe attaches to a job's progress event stream
func (m *Manager) Subscribe(jobID string) (<-chan Event, func(), error) {
	m.mu.RLock()
	_, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch, unsub := m.bus.Subscribe(jobID)
	return ch, unsub, nil
}

// StartSweeper deletes terminal jobs past retention on an hourly tick
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.store.Sweep(m.cfg.Retention)
				if err != nil {
					m.logger.Warn("retention sweep failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					m.sweepMemory()
					m.logger.Info("retention sweep", zap.Int64("removed", removed))
				}
			}
		}
	}()
}

// sweepMemory drops in-memory records whose retention has lapsed
func (m *Manager) sweepMemory() {
	horizon := time.Now().UTC().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.State.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(horizon) {
			delete(m.jobs, id)
			delete(m.cancelled, id)
			delete(m.claimed, id)
		}
	}
}

// persist writes with bounded backoff; storage must not flap a transition
func (m *Manager) persist(j *Job) error {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err = m.store.Save(j); err == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// Handle is the retry controller's window into its job. It serializes all
// mutations through the manager so the one-writer rule holds.
type Handle struct {
	m  *Manager
	id string
}

// ID returns the job id
func (h *Handle) ID() string { return h.id }

// Job returns a snapshot of the job record
func (h *Handle) Job() *Job {
	j, _ := h.m.Status(h.id)
	return j
}

// AppendAttempt records a finished attempt. Attempts are immutable once
// appended.
func (h *Handle) AppendAttempt(a Attempt) {
	h.m.mu.Lock()
	j, ok := h.m.jobs[h.id]
	if !ok {
		h.m.mu.Unlock()
		return
	}
	j.Attempts = append(j.Attempts, a)
	snapshot := j.Clone()
	h.m.mu.Unlock()

	if err := h.m.persist(snapshot); err != nil {
		h.m.logger.Warn("failed to persist attempt",
			zap.String("job_id", h.id),
			zap.Int("attempt", a.Index),
			zap.Error(err))
	}
	metrics.AttemptDuration.Observe(float64(a.DurationMs) / 1000)
}

// SetProgress raises the job's progress. Regressions are ignored so the
// observable sequence stays monotonic.
func (h *Handle) SetProgress(p int) {
	if p > 100 {
		p = 100
	}
	h.m.mu.Lock()
	j, ok := h.m.jobs[h.id]
	if !ok || p <= j.Progress {
		h.m.mu.Unlock()
		return
	}
	j.Progress = p
	h.m.mu.Unlock()
}

// Emit publishes a progress event, stamping job id and current progress
func (h *Handle) Emit(ev Event) {
	ev.JobID = h.id
	if ev.Progress == 0 {
		h.m.mu.RLock()
		if j, ok := h.m.jobs[h.id]; ok {
			ev.Progress = j.Progress
		}
		h.m.mu.RUnlock()
	}
	h.m.bus.Publish(ev)
}
