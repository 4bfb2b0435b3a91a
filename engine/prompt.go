package engine

import (
	"fmt"
	"strings"

	"forge/job"
	"forge/learning"
	"forge/workspace"
)

// promptInput gathers everything one generation call reasons over.
type promptInput struct {
	Task             string
	Language         string
	Manifest         *workspace.Manifest
	ExistingFiles    []job.FileChange
	Thinking         *job.ThinkingSummary
	Hints            learning.Hints
	UnresolvedIssues []job.Issue
}

const outputInstructions = `Emit every file you create or change as:
FILE: <workspace-relative path> (add|modify|delete)
` + "```" + `
<full file content>
` + "```" + `
Deleted files need only the FILE line. Emit complete files, never diffs or fragments.`

func buildGenerationPrompt(in promptInput) string {
	var b strings.Builder

	b.WriteString("You are implementing a code generation task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", in.Task)
	if in.Language != "" && in.Language != "auto" {
		fmt.Fprintf(&b, "Target language: %s\n", in.Language)
	}

	if in.Manifest != nil && len(in.Manifest.Files) > 0 {
		fmt.Fprintf(&b, "\nA %s project skeleton was scaffolded. Key files:\n", in.Manifest.ProjectType)
		key := make(map[string]bool, len(in.Manifest.KeyFiles))
		for _, p := range in.Manifest.KeyFiles {
			key[p] = true
		}
		for _, f := range in.Manifest.Files {
			if key[f.Path] {
				fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, f.Content)
			}
		}
		b.WriteString("Other scaffolded files (override by emitting a same-path file):\n")
		for _, f := range in.Manifest.Files {
			if !key[f.Path] {
				fmt.Fprintf(&b, "- %s\n", f.Path)
			}
		}
	}

	if len(in.ExistingFiles) > 0 {
		b.WriteString("\nCurrent files (modify these rather than regenerating from scratch):\n")
		for _, f := range in.ExistingFiles {
			fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, f.Content)
		}
	}

	if in.Thinking != nil && in.Thinking.Guidance != "" {
		fmt.Fprintf(&b, "\nImplementation guidance:\n%s\n", in.Thinking.Guidance)
		if len(in.Thinking.Risks) > 0 {
			b.WriteString("Known risks:\n")
			for _, r := range in.Thinking.Risks {
				fmt.Fprintf(&b, "- %s\n", r)
			}
		}
	}

	if len(in.Hints.Emphasize) > 0 {
		fmt.Fprintf(&b, "\nPatterns that worked so far, keep using them: %s\n", strings.Join(in.Hints.Emphasize, ", "))
	}
	if len(in.Hints.Avoid) > 0 {
		fmt.Fprintf(&b, "Patterns that keep failing, avoid them: %s\n", strings.Join(in.Hints.Avoid, ", "))
	}
	if in.Hints.Simplify {
		fmt.Fprintf(&b, "Hint: %s.\n", learning.SimplifyHint)
	}

	if len(in.UnresolvedIssues) > 0 {
		b.WriteString("\nUnresolved issues from the previous attempt, fix all of them:\n")
		for _, issue := range in.UnresolvedIssues {
			loc := ""
			if issue.FilePath != "" {
				loc = fmt.Sprintf(" (%s:%d)", issue.FilePath, issue.LineNumber)
			}
			fmt.Fprintf(&b, "- [%s] %s%s\n", issue.Severity, issue.Message, loc)
		}
	}

	b.WriteString("\n" + outputInstructions)
	return b.String()
}

// historySummary condenses prior attempts for the thinking models.
func historySummary(attempts []job.Attempt) string {
	if len(attempts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range attempts {
		score := -1
		issueCount := 0
		if a.Validation != nil {
			score = a.Validation.Score
			issueCount = len(a.Validation.Issues)
		}
		fmt.Fprintf(&b, "attempt %d: model=%s score=%d issues=%d decision=%s\n",
			a.Index, a.GenerationModel, score, issueCount, a.Decision)
	}
	return strings.TrimRight(b.String(), "\n")
}
