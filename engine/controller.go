package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"forge/config"
	"forge/ensemble"
	"forge/job"
	"forge/learning"
	"forge/llm"
	"forge/memory"
	"forge/workspace"
)

// Controller drives the retry loop for one job at a time. It implements
// job.Runner; the manager invokes Run once per job on its own
// goroutine, so a single Controller instance serves concurrent jobs as
// long as all per-job state stays inside Run.
type Controller struct {
	thinking   *ensemble.ThinkingEnsemble
	validation *ensemble.ValidationEnsemble
	generator  ensemble.ModelRunner
	inspector  *workspace.Inspector
	templates  *workspace.TemplateExecutor
	mem        memory.Store

	ladder              []config.LadderTier
	allowPaid           bool
	confidenceThreshold float64
	logger              *zap.Logger
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Thinking            *ensemble.ThinkingEnsemble
	Validation          *ensemble.ValidationEnsemble
	Generator           ensemble.ModelRunner
	Inspector           *workspace.Inspector
	Templates           *workspace.TemplateExecutor
	Memory              memory.Store
	Ladder              []config.LadderTier
	AllowPaid           bool
	ConfidenceThreshold float64
	Logger              *zap.Logger
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Thinking == nil || cfg.Validation == nil || cfg.Generator == nil {
		return nil, fmt.Errorf("thinking, validation, and generator are required")
	}
	if len(cfg.Ladder) == 0 {
		return nil, fmt.Errorf("model ladder must not be empty")
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		thinking:            cfg.Thinking,
		validation:          cfg.Validation,
		generator:           cfg.Generator,
		inspector:           cfg.Inspector,
		templates:           cfg.Templates,
		mem:                 cfg.Memory,
		ladder:              cfg.Ladder,
		allowPaid:           cfg.AllowPaid,
		confidenceThreshold: cfg.ConfidenceThreshold,
		logger:              cfg.Logger,
	}, nil
}

// runState is the per-job mutable state of one retry loop.
type runState struct {
	j             *job.Job
	logger        *zap.Logger
	learner       *learning.Learner
	escalator     *Escalator
	manifest      *workspace.Manifest
	existingFiles []job.FileChange
	parserIssues  []job.Issue
	boostBand     bool // Confidence gate tripped; jump one strategy band
}

// Run executes the retry loop until accept, budget exhaustion, or
// cancellation. It returns a result or a typed error; lifecycle
// transitions belong to the manager.
func (c *Controller) Run(ctx context.Context, h *job.Handle) (*job.Result, *job.Error) {
	j := h.Job()
	if j == nil {
		return nil, &job.Error{Kind: job.KindInternal, Message: "job record missing"}
	}

	st := &runState{
		j:         j,
		logger:    c.logger.With(zap.String("jobId", j.ID)),
		learner:   learning.New(),
		escalator: NewEscalator(c.ladder, c.allowPaid),
	}

	if err := c.prepare(ctx, h, st); err != nil {
		return nil, err
	}

	for i := 1; i <= j.MaxIterations; i++ {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}

		attempt, verdict := c.runAttempt(ctx, h, st, i)
		if verdict != nil && verdict.err != nil {
			return nil, verdict.err
		}
		h.AppendAttempt(*attempt)
		c.emitValidation(h, attempt)

		if attempt.Decision == job.DecisionAccept {
			result := &job.Result{
				Files:        st.existingFiles,
				Score:        attempt.Validation.Score,
				AttemptCount: i,
				Summary:      acceptSummary(st.j.Task, i, attempt.Validation.Score),
			}
			c.recordOutcome(st, result, nil)
			return result, nil
		}

		h.SetProgress(10 + (85*i)/j.MaxIterations)
	}

	jerr := &job.Error{
		Kind:    job.KindMaxIterations,
		Message: fmt.Sprintf("no candidate reached score %d within %d attempts", j.MinScore, j.MaxIterations),
	}
	st.j = h.Job() // Refresh so the failure signature sees all attempts
	c.recordOutcome(st, nil, jerr)
	return nil, jerr
}

// attemptVerdict carries a fatal error out of runAttempt.
type attemptVerdict struct {
	err *job.Error
}

// prepare runs workspace introspection and the scaffolding decision.
func (c *Controller) prepare(ctx context.Context, h *job.Handle, st *runState) *job.Error {
	h.Emit(job.Event{Type: job.EventProgress, Message: "inspecting workspace"})

	workspaceEmpty := true
	if c.inspector != nil {
		summary, err := c.inspector.Summarize(ctx, st.j.WorkspacePath)
		if err != nil {
			if ctx.Err() != nil {
				return cancelError(ctx)
			}
			st.logger.Warn("workspace introspection failed", zap.Error(err))
		} else {
			workspaceEmpty = !summary.HasSourceFiles
		}
	}

	decision := DecideScaffold(st.j.Task, workspaceEmpty)
	if decision.Scaffold && c.templates != nil {
		h.Emit(job.Event{Type: job.EventProgress, Message: "scaffolding " + decision.ProjectType + " project"})
		manifest, err := c.templates.Scaffold(ctx, decision.ProjectType, projectName(st.j.WorkspacePath))
		if err != nil {
			if ctx.Err() != nil {
				return cancelError(ctx)
			}
			st.logger.Warn("scaffold failed, continuing without skeleton", zap.Error(err))
		} else {
			st.manifest = manifest
			st.existingFiles = append(st.existingFiles, manifest.Files...)
		}
	}

	h.SetProgress(10)
	return nil
}

func (c *Controller) runAttempt(ctx context.Context, h *job.Handle, st *runState, i int) (*job.Attempt, *attemptVerdict) {
	start := time.Now()
	strategy := ensemble.StrategyFor(i)
	if st.boostBand {
		strategy = ensemble.NextBand(strategy)
		st.boostBand = false
	}

	attempt := &job.Attempt{Index: i, Strategy: strategy}
	finish := func(decision job.Decision) *job.Attempt {
		attempt.Decision = decision
		attempt.DurationMs = time.Since(start).Milliseconds()
		return attempt
	}

	// Thinking
	h.Emit(job.Event{Type: job.EventThinking, Message: fmt.Sprintf("attempt %d: %s thinking", i, strategy), AttemptIndex: &i})
	thinking, err := c.thinking.Run(ctx, strategy, ensemble.ThinkingInput{
		Task:           st.j.Task,
		Language:       st.j.Language,
		HistorySummary: historySummary(h.Job().Attempts),
	})
	if err != nil {
		if ctx.Err() != nil {
			return finish(job.DecisionGiveUp), &attemptVerdict{err: cancelError(ctx)}
		}
		st.logger.Warn("thinking failed, proceeding without guidance", zap.Int("attempt", i), zap.Error(err))
		thinking = &job.ThinkingSummary{Strategy: strategy, Degraded: true}
	}
	attempt.Thinking = thinking

	// Generation
	model, tier := st.escalator.Select(i)
	attempt.GenerationModel = model
	st.logger.Info("generating candidate",
		zap.Int("attempt", i), zap.String("model", model), zap.Int("tier", tier))
	h.Emit(job.Event{Type: job.EventCoding, Message: "generating with " + model, AttemptIndex: &i})

	prompt := buildGenerationPrompt(promptInput{
		Task:             st.j.Task,
		Language:         st.j.Language,
		Manifest:         st.manifest,
		ExistingFiles:    st.existingFiles,
		Thinking:         thinking,
		Hints:            st.learner.Hints(i),
		UnresolvedIssues: append(st.parserIssues, lastIssues(h.Job().Attempts)...),
	})
	st.parserIssues = nil

	genResult, err := c.generator.Invoke(ctx, model, prompt, llm.Options{Temperature: 0.2})
	if err != nil {
		if ctx.Err() != nil {
			return finish(job.DecisionGiveUp), &attemptVerdict{err: cancelError(ctx)}
		}
		st.logger.Warn("generation failed", zap.Int("attempt", i), zap.Error(err))
		attempt.Validation = &job.ValidationSummary{Score: 0, CompileOK: true}
		st.escalator.Observe(i, []job.Issue{{Kind: "model_unavailable", Message: err.Error()}})
		return finish(job.DecisionRetry), nil
	}

	// Empty output: score 0 without running validators
	if strings.TrimSpace(genResult.Text) == "" {
		attempt.Candidate = &job.Candidate{TokensUsed: genResult.TokensUsed}
		attempt.Validation = &job.ValidationSummary{Score: 0, CompileOK: true}
		st.escalator.Observe(i, nil)
		return finish(job.DecisionRetry), nil
	}

	files, parseErr := ParseFileChanges(genResult.Text)
	if parseErr != nil {
		st.parserIssues = []job.Issue{{
			Severity: job.SeverityHigh,
			Kind:     "parser_error",
			Message:  "previous output was not parseable: " + parseErr.Error(),
		}}
		attempt.Candidate = &job.Candidate{RawOutput: genResult.Text, TokensUsed: genResult.TokensUsed}
		attempt.Validation = &job.ValidationSummary{Score: 0, CompileOK: true}
		st.escalator.Observe(i, st.parserIssues)
		return finish(job.DecisionRetry), nil
	}
	attempt.Candidate = &job.Candidate{Files: files, RawOutput: genResult.Text, TokensUsed: genResult.TokensUsed}

	// Validation over the merged view, not just the delta
	merged := MergeFiles(st.existingFiles, files)
	h.Emit(job.Event{Type: job.EventValidation, Message: fmt.Sprintf("validating %d files", len(merged)), AttemptIndex: &i})
	validation, err := c.validation.Validate(ctx, merged, st.j.Language, i, st.j.MinScore)
	if err != nil {
		if ctx.Err() != nil {
			return finish(job.DecisionGiveUp), &attemptVerdict{err: cancelError(ctx)}
		}
		validation = &job.ValidationSummary{Score: 0, Confidence: 0, CompileOK: true}
	}
	attempt.Validation = validation

	st.learner.Observe(learning.DetectPatterns(files), validation.Issues, validation.Score)

	// Decision
	accepted := validation.Passed &&
		validation.Score >= st.j.MinScore &&
		validation.Confidence >= c.confidenceThreshold
	if accepted {
		st.existingFiles = merged
		return finish(job.DecisionAccept), nil
	}

	if validation.Passed && validation.Confidence < c.confidenceThreshold {
		// Validators liked it but disagreed; try again with stronger thinking
		st.boostBand = true
	}

	st.escalator.Observe(i, validation.Issues)
	st.existingFiles = merged

	if nextTier := tierAfter(st.escalator, i); nextTier > tier {
		return finish(job.DecisionEscalate), nil
	}
	return finish(job.DecisionRetry), nil
}

func tierAfter(e *Escalator, attemptIndex int) int {
	_, tier := e.Select(attemptIndex + 1)
	return tier
}

func (c *Controller) emitValidation(h *job.Handle, a *job.Attempt) {
	if a.Validation == nil {
		return
	}
	score := a.Validation.Score
	idx := a.Index
	h.Emit(job.Event{
		Type:         job.EventValidation,
		Message:      fmt.Sprintf("attempt %d scored %d (%s)", a.Index, score, a.Decision),
		Score:        &score,
		AttemptIndex: &idx,
	})
}

// recordOutcome summarizes the session into the memory store. Failures
// here never affect the job outcome.
func (c *Controller) recordOutcome(st *runState, result *job.Result, jerr *job.Error) {
	if c.mem == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if result != nil {
		err = c.mem.RecordSuccess(ctx, st.j.Context, result.Summary, st.learner.WorkingPatterns())
	} else if jerr != nil && jerr.Kind == job.KindMaxIterations {
		sig := "unclassified"
		if attempts := st.j.Attempts; len(attempts) > 0 {
			if last := attempts[len(attempts)-1].Validation; last != nil {
				sig = Signature(last.Issues)
			}
		}
		err = c.mem.RecordFailure(ctx, st.j.Context, sig, st.j.MaxIterations)
	}
	if err != nil {
		st.logger.Warn("failed to record session summary", zap.Error(err))
	}
}

func lastIssues(attempts []job.Attempt) []job.Issue {
	for i := len(attempts) - 1; i >= 0; i-- {
		if v := attempts[i].Validation; v != nil && len(v.Issues) > 0 {
			return v.Issues
		}
	}
	return nil
}

func checkCancelled(ctx context.Context) *job.Error {
	if ctx.Err() != nil {
		return cancelError(ctx)
	}
	return nil
}

func cancelError(ctx context.Context) *job.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return &job.Error{Kind: job.KindTimedOut, Message: "job deadline exceeded"}
	}
	return &job.Error{Kind: job.KindCancelled, Message: "cancelled by user"}
}

func acceptSummary(task string, attempts, score int) string {
	task = strings.TrimSpace(task)
	if len(task) > 120 {
		task = task[:117] + "..."
	}
	return fmt.Sprintf("%s (accepted on attempt %d with score %d)", task, attempts, score)
}

func projectName(workspacePath string) string {
	return filepath.Base(filepath.Clean(workspacePath))
}
