// Package router is the front door: it classifies free-form requests,
// plans tool calls, and decides per step between awaiting inline and
// queueing a background job.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"forge/job"
	"forge/memory"
	"forge/workspace"
)

// ToolCategory groups tools for listings.
type ToolCategory string

const (
	CategoryJobs      ToolCategory = "jobs"
	CategoryMemory    ToolCategory = "memory"
	CategoryWorkspace ToolCategory = "workspace"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string
	Type        string // string, int, bool
	Required    bool
	Description string
}

// ToolMetadata describes a tool for listings and planning.
type ToolMetadata struct {
	Name        string
	Description string
	Category    ToolCategory
	Parameters  []Parameter
	Slow        bool // Always dispatched as a background job
	SelfQueuing bool // Execute enqueues its own job and returns the id
}

// Tool is the contract every routable operation implements.
type Tool interface {
	Metadata() ToolMetadata
	Validate(args map[string]interface{}) error
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the routable tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Metadata().Name] = tool
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool '%s' not found", name)
	}
	return tool, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered tool, sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name])
	}
	r.mu.RUnlock()
	return tools
}

func requireString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument '%s'", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument '%s' must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// GenerateCodeTool enqueues a generation job. Execution returns as soon
// as the job is queued; callers poll job_status or subscribe to events.
type GenerateCodeTool struct {
	Manager *job.Manager
}

func (t *GenerateCodeTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "generate_code",
		Description: "Generate code for a task as a background job",
		Category:    CategoryJobs,
		Slow:        true,
		SelfQueuing: true,
		Parameters: []Parameter{
			{Name: "task", Type: "string", Required: true, Description: "What to build"},
			{Name: "workspace_path", Type: "string", Required: true, Description: "Absolute workspace path"},
			{Name: "language", Type: "string", Description: "Target language, default auto"},
		},
	}
}

func (t *GenerateCodeTool) Validate(args map[string]interface{}) error {
	if _, err := requireString(args, "task"); err != nil {
		return err
	}
	_, err := requireString(args, "workspace_path")
	return err
}

func (t *GenerateCodeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	task, _ := requireString(args, "task")
	workspacePath, _ := requireString(args, "workspace_path")

	id, err := t.Manager.Create(job.CreateRequest{
		Task:          task,
		Language:      optionalString(args, "language"),
		WorkspacePath: workspacePath,
	})
	if err != nil {
		return "", err
	}

	go func() {
		if err := t.Manager.Run(id); err != nil {
			// Already-running and not-found are the only causes here
			_ = err
		}
	}()

	out, _ := json.Marshal(map[string]string{"jobId": id, "state": string(job.StateQueued)})
	return string(out), nil
}

// ExecuteTaskTool is the free-form entry point exposed over MCP: it
// routes a natural language request through the planner. Fast steps
// answer inline; slow steps come back as a queued job handle.
type ExecuteTaskTool struct {
	Router *Router
}

func (t *ExecuteTaskTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "execute_task",
		Description: "Route a natural language request to the right tools",
		Category:    CategoryJobs,
		Parameters: []Parameter{
			{Name: "request", Type: "string", Required: true, Description: "What you want done, in plain words"},
			{Name: "workspace_path", Type: "string", Description: "Absolute workspace path"},
			{Name: "language", Type: "string", Description: "Target language, default auto"},
		},
	}
}

func (t *ExecuteTaskTool) Validate(args map[string]interface{}) error {
	_, err := requireString(args, "request")
	return err
}

func (t *ExecuteTaskTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	text, _ := requireString(args, "request")
	resp, err := t.Router.Route(ctx, Request{
		Text:          text,
		WorkspacePath: optionalString(args, "workspace_path"),
		Language:      optionalString(args, "language"),
	})
	if err != nil {
		return "", err
	}

	// A single clean step answers with its own output: a queued step's
	// job handle, or an inline result such as the job list
	if len(resp.Results) == 1 && resp.Results[0].Error == "" {
		return resp.Results[0].Output, nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}
	return string(out), nil
}

// JobStatusTool returns one job's full record.
type JobStatusTool struct {
	Manager *job.Manager
}

func (t *JobStatusTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "job_status",
		Description: "Fetch the status and attempts of a job",
		Category:    CategoryJobs,
		Parameters: []Parameter{
			{Name: "job_id", Type: "string", Required: true, Description: "Job id"},
		},
	}
}

func (t *JobStatusTool) Validate(args map[string]interface{}) error {
	_, err := requireString(args, "job_id")
	return err
}

func (t *JobStatusTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	id, _ := requireString(args, "job_id")
	j, err := t.Manager.Status(id)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	return string(out), nil
}

// ListJobsTool lists job summaries.
type ListJobsTool struct {
	Manager *job.Manager
}

func (t *ListJobsTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "list_jobs",
		Description: "List all known jobs",
		Category:    CategoryJobs,
	}
}

func (t *ListJobsTool) Validate(map[string]interface{}) error { return nil }

func (t *ListJobsTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	summaries := t.Manager.List()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	out, err := json.Marshal(summaries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal jobs: %w", err)
	}
	return string(out), nil
}

// CancelJobTool requests cancellation of a job.
type CancelJobTool struct {
	Manager *job.Manager
}

func (t *CancelJobTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "cancel_job",
		Description: "Cancel a queued or running job",
		Category:    CategoryJobs,
		Parameters: []Parameter{
			{Name: "job_id", Type: "string", Required: true, Description: "Job id"},
		},
	}
}

func (t *CancelJobTool) Validate(args map[string]interface{}) error {
	_, err := requireString(args, "job_id")
	return err
}

func (t *CancelJobTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	id, _ := requireString(args, "job_id")
	if err := t.Manager.Cancel(id); err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"jobId":%q,"cancelled":true}`, id), nil
}

// SearchMemoryTool queries the context-partitioned memory store.
type SearchMemoryTool struct {
	Memory memory.Store
}

func (t *SearchMemoryTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "search_memory",
		Description: "Search recorded learnings for a workspace context",
		Category:    CategoryMemory,
		Parameters: []Parameter{
			{Name: "context", Type: "string", Required: true, Description: "Workspace context token"},
			{Name: "query", Type: "string", Required: true, Description: "Search terms"},
		},
	}
}

func (t *SearchMemoryTool) Validate(args map[string]interface{}) error {
	if _, err := requireString(args, "context"); err != nil {
		return err
	}
	_, err := requireString(args, "query")
	return err
}

func (t *SearchMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	jobContext, _ := requireString(args, "context")
	query, _ := requireString(args, "query")

	entries, err := t.Memory.Search(ctx, jobContext, query, 10)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entries: %w", err)
	}
	return string(out), nil
}

// AnalyzeWorkspaceTool summarizes a workspace tree. Workspace-wide
// walks can run long on big trees, so the step is dispatched as a
// background job.
type AnalyzeWorkspaceTool struct {
	Inspector *workspace.Inspector
}

func (t *AnalyzeWorkspaceTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "analyze_workspace",
		Description: "Summarize the files and languages in a workspace",
		Category:    CategoryWorkspace,
		Slow:        true,
		Parameters: []Parameter{
			{Name: "workspace_path", Type: "string", Required: true, Description: "Absolute workspace path"},
		},
	}
}

func (t *AnalyzeWorkspaceTool) Validate(args map[string]interface{}) error {
	_, err := requireString(args, "workspace_path")
	return err
}

func (t *AnalyzeWorkspaceTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := requireString(args, "workspace_path")
	summary, err := t.Inspector.Summarize(ctx, path)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	return string(out), nil
}
