package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forge/job"
	"forge/metrics"
)

// DurationClass is the planner's estimate of a step's runtime.
type DurationClass string

const (
	DurationFast   DurationClass = "fast"
	DurationMedium DurationClass = "medium"
	DurationSlow   DurationClass = "slow"
)

// Step is one planned tool call.
type Step struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
	DependsOn []string               `json:"dependsOn,omitempty"`
	Duration  DurationClass          `json:"expectedDurationClass"`
}

// WorkflowPlan is an ordered list of steps.
type WorkflowPlan struct {
	Steps []Step `json:"steps"`
}

// StepStatus is a dispatched step's outcome.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepQueued    StepStatus = "queued"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult pairs a step with its outcome, in plan order.
type StepResult struct {
	StepID string     `json:"stepId"`
	Tool   string     `json:"tool"`
	Status StepStatus `json:"status"`
	Output string     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Request is a free-form routed request.
type Request struct {
	Text          string `json:"request"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	Language      string `json:"language,omitempty"`
}

// Response aggregates a routed request's plan and results.
type Response struct {
	Intent  string       `json:"intent"`
	Plan    WorkflowPlan `json:"plan"`
	Results []StepResult `json:"results"`
}

const defaultStepTimeout = 10 * time.Second

// BackgroundEnqueuer turns a slow step into a tracked background job.
// Satisfied by the job manager.
type BackgroundEnqueuer interface {
	EnqueueStep(task string, run func(ctx context.Context) (string, error)) (string, error)
}

// Router plans and dispatches tool calls for free-form requests.
type Router struct {
	registry    *Registry
	classifier  *Classifier
	stepTimeout time.Duration
	enqueuer    BackgroundEnqueuer
	logger      *zap.Logger
}

func New(registry *Registry, classifier *Classifier, stepTimeout time.Duration, logger *zap.Logger) *Router {
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:    registry,
		classifier:  classifier,
		stepTimeout: stepTimeout,
		logger:      logger,
	}
}

// SetEnqueuer installs the background job sink for slow steps. Without
// one, slow steps execute inline and still report queued.
func (r *Router) SetEnqueuer(e BackgroundEnqueuer) {
	r.enqueuer = e
}

// Route classifies, plans, and dispatches in one call.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	cls := r.classifier.Classify(ctx, req.Text)
	if cls.Intent == IntentUnknown {
		return nil, fmt.Errorf("could not determine what to do with the request")
	}

	plan := r.Plan(cls, req)
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("no executable steps for intent %q", cls.Intent)
	}

	return &Response{
		Intent:  cls.Intent,
		Plan:    plan,
		Results: r.Dispatch(ctx, plan),
	}, nil
}

// Plan maps a classification to concrete steps.
func (r *Router) Plan(cls Classification, req Request) WorkflowPlan {
	var steps []Step
	addStep := func(tool string, args map[string]interface{}, duration DurationClass, deps ...string) {
		steps = append(steps, Step{
			ID:        fmt.Sprintf("s%d", len(steps)+1),
			Tool:      tool,
			Args:      args,
			DependsOn: deps,
			Duration:  duration,
		})
	}

	switch cls.Intent {
	case IntentGenerate:
		addStep("generate_code", map[string]interface{}{
			"task":           req.Text,
			"workspace_path": req.WorkspacePath,
			"language":       req.Language,
		}, DurationSlow)
	case IntentStatus:
		if len(cls.Entities) == 0 {
			addStep("list_jobs", nil, DurationFast)
			break
		}
		for _, id := range cls.Entities {
			addStep("job_status", map[string]interface{}{"job_id": id}, DurationFast)
		}
	case IntentList:
		addStep("list_jobs", nil, DurationFast)
	case IntentCancel:
		for _, id := range cls.Entities {
			addStep("cancel_job", map[string]interface{}{"job_id": id}, DurationFast)
		}
	case IntentSearch:
		// Searches fan out across memory partitions, so they ride the
		// background path like the other slow operations
		contextKey := job.DeriveContext(req.WorkspacePath)
		if contextKey == "" {
			contextKey = "global"
		}
		addStep("search_memory", map[string]interface{}{
			"context": contextKey,
			"query":   req.Text,
		}, DurationSlow)
	case IntentAnalyze:
		addStep("analyze_workspace", map[string]interface{}{
			"workspace_path": req.WorkspacePath,
		}, DurationSlow)
	}
	return WorkflowPlan{Steps: steps}
}

// shouldRunInBackground applies the slow-operation gate: a step runs in
// the background when its tool is in the slow set or the planner judged
// it slow. Status and list lookups are never slow.
func (r *Router) shouldRunInBackground(step Step) bool {
	if step.Tool == "job_status" || step.Tool == "list_jobs" {
		return false
	}
	if tool, err := r.registry.Get(step.Tool); err == nil && tool.Metadata().Slow {
		return true
	}
	if step.Duration == DurationSlow {
		return true
	}
	return slowToolName(step.Tool)
}

func slowToolName(name string) bool {
	for _, marker := range []string{"index", "generate"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// Dispatch executes the plan: independent steps run concurrently in
// dependency waves, a failed step skips its dependents without touching
// unrelated steps, and results come back in plan order.
func (r *Router) Dispatch(ctx context.Context, plan WorkflowPlan) []StepResult {
	results := make(map[string]*StepResult, len(plan.Steps))
	var mu sync.Mutex

	pending := make([]Step, len(plan.Steps))
	copy(pending, plan.Steps)

	for len(pending) > 0 {
		var ready []Step
		var blocked []Step
		progressed := false

		for _, step := range pending {
			switch depState(step, results) {
			case depReady:
				ready = append(ready, step)
				progressed = true
			case depFailed:
				results[step.ID] = &StepResult{
					StepID: step.ID,
					Tool:   step.Tool,
					Status: StepSkipped,
					Error:  "dependency did not complete",
				}
				progressed = true
			default:
				blocked = append(blocked, step)
			}
		}

		if !progressed {
			for _, step := range blocked {
				results[step.ID] = &StepResult{
					StepID: step.ID,
					Tool:   step.Tool,
					Status: StepSkipped,
					Error:  "unresolvable dependency",
				}
			}
			break
		}

		var wg sync.WaitGroup
		for _, step := range ready {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := r.runStep(ctx, step)
				mu.Lock()
				results[step.ID] = res
				mu.Unlock()
			}()
		}
		wg.Wait()
		pending = blocked
	}

	ordered := make([]StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if res, ok := results[step.ID]; ok {
			ordered = append(ordered, *res)
		}
	}
	return ordered
}

type depStatus int

const (
	depReady depStatus = iota
	depBlocked
	depFailed
)

// depState inspects a step's dependencies. A queued background
// dependency counts as satisfied: it was dispatched successfully.
func depState(step Step, results map[string]*StepResult) depStatus {
	for _, dep := range step.DependsOn {
		res, ok := results[dep]
		if !ok {
			return depBlocked
		}
		if res.Status == StepFailed || res.Status == StepSkipped {
			return depFailed
		}
	}
	return depReady
}

func (r *Router) runStep(ctx context.Context, step Step) *StepResult {
	result := &StepResult{StepID: step.ID, Tool: step.Tool}

	tool, err := r.registry.Get(step.Tool)
	if err != nil {
		result.Status = StepFailed
		result.Error = err.Error()
		return result
	}
	if err := tool.Validate(step.Args); err != nil {
		result.Status = StepFailed
		result.Error = err.Error()
		return result
	}

	background := r.shouldRunInBackground(step)
	mode := "sync"
	if background {
		mode = "background"
	}
	metrics.RouterSteps.WithLabelValues(step.Tool, mode).Inc()

	// Slow steps become tracked background jobs: the step result is the
	// job handle, available before the tool has done any work. Tools
	// that enqueue their own job skip the wrapper.
	if background && r.enqueuer != nil && !tool.Metadata().SelfQueuing {
		id, err := r.enqueuer.EnqueueStep(step.Tool, func(c context.Context) (string, error) {
			return tool.Execute(c, step.Args)
		})
		if err != nil {
			result.Status = StepFailed
			result.Error = err.Error()
			r.logger.Warn("step enqueue failed", zap.String("tool", step.Tool), zap.Error(err))
			return result
		}
		out, _ := json.Marshal(map[string]string{"jobId": id, "state": string(job.StateQueued)})
		result.Output = string(out)
		result.Status = StepQueued
		return result
	}

	stepCtx := ctx
	if !background {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
	}

	output, err := tool.Execute(stepCtx, step.Args)
	if err != nil {
		result.Status = StepFailed
		result.Error = err.Error()
		r.logger.Warn("step failed", zap.String("tool", step.Tool), zap.Error(err))
		return result
	}

	result.Output = output
	if background {
		result.Status = StepQueued
	} else {
		result.Status = StepCompleted
	}
	return result
}
