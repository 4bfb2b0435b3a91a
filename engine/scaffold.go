package engine

import (
	"strings"

	"forge/workspace"
)

var modificationWords = []string{"add", "modify", "update", "fix", "change"}

// ScaffoldDecision explains whether and why a scaffold runs before the
// first generation attempt.
type ScaffoldDecision struct {
	Scaffold    bool
	ProjectType string
}

// DecideScaffold applies the new-project heuristics to the task
// phrasing and the workspace summary. A scaffold runs only for a new,
// non-modification task, and then only when forced by phrasing or when
// the workspace has no source files.
func DecideScaffold(task string, workspaceEmpty bool) ScaffoldDecision {
	lower := strings.ToLower(strings.TrimSpace(task))

	isNewProject := strings.HasPrefix(lower, "create") ||
		containsAny(lower, "new", "complete", "project")
	isModification := containsAny(lower, modificationWords...)
	forceScaffold := strings.HasPrefix(lower, "create") ||
		strings.Contains(lower, "create new") ||
		strings.Contains(lower, "create a")

	return ScaffoldDecision{
		Scaffold:    isNewProject && !isModification && (forceScaffold || workspaceEmpty),
		ProjectType: InferProjectType(lower),
	}
}

// InferProjectType maps task phrasing to a template set.
func InferProjectType(task string) string {
	lower := strings.ToLower(task)
	switch {
	case strings.Contains(lower, "blazor"):
		return workspace.ProjectBlazor
	case strings.Contains(lower, "web api") || strings.Contains(lower, "webapi") || strings.Contains(lower, "rest api"):
		return workspace.ProjectWebAPI
	case strings.Contains(lower, "console"):
		return workspace.ProjectConsole
	default:
		return workspace.ProjectGeneric
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
