package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forge/config"
	"forge/ensemble"
	"forge/job"
	"forge/llm"
	"forge/memory"
)

// scriptedModels serves canned output per model name. A queue entry is
// consumed per call, the last entry repeating.
type scriptedModels struct {
	mu      sync.Mutex
	scripts map[string][]string
	calls   map[string]int
	prompts map[string][]string
}

func newScriptedModels(scripts map[string][]string) *scriptedModels {
	return &scriptedModels{scripts: scripts, calls: make(map[string]int), prompts: make(map[string][]string)}
}

func (s *scriptedModels) Invoke(ctx context.Context, model, prompt string, opts llm.Options) (*llm.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.scripts[model]
	idx := s.calls[model]
	s.calls[model]++
	s.prompts[model] = append(s.prompts[model], prompt)
	if len(queue) == 0 {
		return &llm.Result{Text: "", Duration: time.Millisecond}, nil
	}
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	return &llm.Result{Text: queue[idx], TokensUsed: 5, Duration: time.Millisecond}, nil
}

const goodCandidate = "FILE: main.go (add)\n```go\npackage main\n\nfunc main() {}\n```"

func okCompiler() ensemble.CompileChecker { return passCompiler{} }

type passCompiler struct{}

func (passCompiler) Check(ctx context.Context, files []job.FileChange, language string) (bool, []job.Issue, error) {
	return true, nil, nil
}

type harness struct {
	manager *job.Manager
	models  *scriptedModels
	mem     *memory.SQLiteStore
}

func newHarness(t *testing.T, scripts map[string][]string) *harness {
	t.Helper()

	models := newScriptedModels(scripts)
	thinking, err := ensemble.NewThinkingEnsemble(models, ensemble.ThinkingConfig{
		Models: []string{"t0", "t1", "t2"},
	}, nil)
	require.NoError(t, err)

	validation, err := ensemble.NewValidationEnsemble(models, okCompiler(), ensemble.ValidationConfig{
		Models:   []string{"v0", "v1", "v2", "v3", "v4"},
		MinScore: 8,
	}, nil)
	require.NoError(t, err)

	mem, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	ctrl, err := NewController(ControllerConfig{
		Thinking:   thinking,
		Validation: validation,
		Generator:  models,
		Memory:     mem,
		Ladder: []config.LadderTier{
			{Model: "gen0"}, {Model: "gen1"}, {Model: "gen2"},
		},
		AllowPaid:           true,
		ConfidenceThreshold: 0.7,
		Logger:              zap.NewNop(),
	})
	require.NoError(t, err)

	store, err := job.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := job.NewManager(job.ManagerConfig{
		MaxWorkers:      2,
		DefaultMaxIter:  4,
		DefaultMinScore: 8,
		JobTimeout:      time.Minute,
	}, store, job.NewBus(), ctrl, zap.NewNop())
	require.NoError(t, err)

	return &harness{manager: m, models: models, mem: mem}
}

func runJob(t *testing.T, h *harness, task string) *job.Job {
	t.Helper()
	id, err := h.manager.Create(job.CreateRequest{
		Task:          task,
		Language:      "go",
		WorkspacePath: "/tmp/ctrl_test_ws",
	})
	require.NoError(t, err)
	require.NoError(t, h.manager.Run(id))

	j, err := h.manager.Status(id)
	require.NoError(t, err)
	return j
}

func TestControllerAcceptsOnFirstAttempt(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\nkeep it small\nRISKS:\n- none"},
		"gen0": {goodCandidate},
		"v0":   {"SCORE: 9"},
		"v1":   {"SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	assert.Equal(t, job.StateCompleted, j.State)
	require.NotNil(t, j.Result)
	assert.Equal(t, 9, j.Result.Score)
	assert.Equal(t, 1, j.Result.AttemptCount)
	require.Len(t, j.Result.Files, 1)
	assert.Equal(t, "main.go", j.Result.Files[0].Path)

	require.Len(t, j.Attempts, 1)
	assert.Equal(t, job.StrategySolo, j.Attempts[0].Strategy)
	assert.Equal(t, "gen0", j.Attempts[0].GenerationModel)
	assert.Equal(t, job.DecisionAccept, j.Attempts[0].Decision)
}

func TestControllerHonorsRelaxedJobMinScore(t *testing.T) {
	// The ensemble default bar is 8; a job that asked for 5 must still
	// complete when validators agree on a 6.
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\nkeep it small\nRISKS:\n- none"},
		"gen0": {goodCandidate},
		"v0":   {"SCORE: 6"},
		"v1":   {"SCORE: 6"},
	})

	id, err := h.manager.Create(job.CreateRequest{
		Task:          "implement a no-op binary",
		Language:      "go",
		WorkspacePath: "/tmp/ctrl_test_ws",
		MinScore:      5,
	})
	require.NoError(t, err)
	require.NoError(t, h.manager.Run(id))

	j, err := h.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, j.State)
	require.NotNil(t, j.Result)
	assert.Equal(t, 6, j.Result.Score)
	assert.Equal(t, 1, j.Result.AttemptCount)
}

func TestControllerRetriesThenAccepts(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\ntry again\nRISKS:\n- r"},
		"gen0": {goodCandidate},
		"v0":   {"SCORE: 5\nISSUE: high|null|nil deref|main.go|3", "SCORE: 9"},
		"v1":   {"SCORE: 5", "SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	assert.Equal(t, job.StateCompleted, j.State)
	require.Len(t, j.Attempts, 2)
	assert.Equal(t, job.DecisionRetry, j.Attempts[0].Decision)
	assert.Equal(t, job.DecisionAccept, j.Attempts[1].Decision)
	assert.Equal(t, 2, j.Result.AttemptCount)
}

func TestControllerSecondAttemptAvoidsFailedPattern(t *testing.T) {
	// Attempt 1 ships error handling that a validator calls out, so the
	// very next generation prompt must already steer away from it.
	errCandidate := "FILE: main.go (add)\n```go\npackage main\n\nfunc main() {\n\tif err != nil {\n\t\treturn\n\t}\n}\n```"
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"gen0": {errCandidate, goodCandidate},
		"v0":   {"SCORE: 5\nISSUE: high|style|error handling swallows the root cause|main.go|5", "SCORE: 9"},
		"v1":   {"SCORE: 5", "SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	assert.Equal(t, job.StateCompleted, j.State)
	require.Len(t, j.Attempts, 2)

	h.models.mu.Lock()
	prompts := h.models.prompts["gen0"]
	h.models.mu.Unlock()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "avoid them")
	assert.Contains(t, prompts[1], "avoid them: error_handling")
}

func TestControllerFailsAfterBudget(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"t1":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"t2":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"gen0": {goodCandidate},
		"gen1": {goodCandidate},
		"gen2": {goodCandidate},
		"v0":   {"SCORE: 4"},
		"v1":   {"SCORE: 4"},
		"v2":   {"SCORE: 4"},
		"v3":   {"SCORE: 4"},
		"v4":   {"SCORE: 4"},
	})

	j := runJob(t, h, "implement something hard")
	assert.Equal(t, job.StateFailed, j.State)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindMaxIterations, j.Error.Kind)
	require.NotNil(t, j.Error.PartialResult, "best-scoring candidate is salvaged")
	assert.Len(t, j.Attempts, 4)
}

func TestControllerLowConfidenceRejectsAndBoostsBand(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0": {"GUIDANCE:\ng\nRISKS:\n- r"},
		"t1": {"GUIDANCE:\ng\nRISKS:\n- r"},
		// Passing average but wide disagreement: scores 10 and 6
		// give mean 8, stdDev 2, confidence 0.6 < 0.7
		"gen0": {goodCandidate},
		"v0":   {"SCORE: 10", "SCORE: 9"},
		"v1":   {"SCORE: 6", "SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	assert.Equal(t, job.StateCompleted, j.State)
	require.Len(t, j.Attempts, 2)
	assert.Equal(t, job.DecisionRetry, j.Attempts[0].Decision)
	// Attempt 2 would normally stay Solo; the confidence gate jumps a band
	assert.Equal(t, job.StrategyDuoDebate, j.Attempts[1].Strategy)
}

func TestControllerEmptyOutputFastFails(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"gen0": {"", goodCandidate},
		"v0":   {"SCORE: 9"},
		"v1":   {"SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	assert.Equal(t, job.StateCompleted, j.State)
	require.Len(t, j.Attempts, 2)
	first := j.Attempts[0]
	assert.Equal(t, 0, first.Validation.Score)
	assert.Equal(t, job.DecisionRetry, first.Decision)
	assert.Equal(t, 0, h.models.calls["v0"]-1, "validators must not run on the empty attempt")
}

func TestControllerParserFailureRetries(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"gen0": {"I refuse to use the format", goodCandidate},
		"v0":   {"SCORE: 9"},
		"v1":   {"SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	assert.Equal(t, job.StateCompleted, j.State)
	require.Len(t, j.Attempts, 2)
	assert.Equal(t, 0, j.Attempts[0].Validation.Score)
	assert.NotNil(t, j.Attempts[0].Candidate)
	assert.Empty(t, j.Attempts[0].Candidate.Files)
}

func TestControllerRecordsSuccessInMemory(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"t0":   {"GUIDANCE:\ng\nRISKS:\n- r"},
		"gen0": {goodCandidate},
		"v0":   {"SCORE: 9"},
		"v1":   {"SCORE: 9"},
	})

	j := runJob(t, h, "implement a no-op binary")
	require.Equal(t, job.StateCompleted, j.State)

	entries, err := h.mem.Search(context.Background(), j.Context, "accepted", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memory.KindSuccess, entries[0].Kind)
}
