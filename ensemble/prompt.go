package ensemble

import (
	"fmt"
	"strings"

	"forge/job"
)

// Thinking models are instructed to answer in a fixed shape so the
// aggregation code can split guidance from risks:
//
//	GUIDANCE:
//	<free text>
//	RISKS:
//	- <one risk per line>

func baseContext(input ThinkingInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", input.Task)
	if input.Language != "" {
		fmt.Fprintf(&b, "Target language: %s\n", input.Language)
	}
	if input.HistorySummary != "" {
		fmt.Fprintf(&b, "\nPrior attempts:\n%s\n", input.HistorySummary)
	}
	return b.String()
}

const answerShape = `Answer in exactly this shape:
GUIDANCE:
<your implementation guidance>
RISKS:
- <one risk per line>`

func proposalPrompt(input ThinkingInput) string {
	return fmt.Sprintf(`You are a senior engineer planning an implementation. Think through the approach before any code is written.

%s
Propose the implementation approach: key components, order of work, and pitfalls to avoid.

%s`, baseContext(input), answerShape)
}

func critiquePromptFor(input ThinkingInput, proposal string) string {
	return fmt.Sprintf(`You are reviewing another engineer's implementation plan. Point out weaknesses, then emit the reconciled plan incorporating your corrections.

%s
Their proposal:
%s

%s`, baseContext(input), proposal, answerShape)
}

func debatePrompt(input ThinkingInput, round int, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are participant %d in a structured design debate.\n\n%s", round, baseContext(input))
	if transcript != "" {
		fmt.Fprintf(&b, "\nDebate so far:\n%s\n", transcript)
		b.WriteString("Critique the prior rounds where warranted and emit the strongest consolidated plan.\n")
	} else {
		b.WriteString("\nOpen the debate with your implementation plan.\n")
	}
	b.WriteString("\n" + answerShape)
	return b.String()
}

// Validator models answer with a SCORE line plus pipe-delimited issue
// lines:
//
//	SCORE: 7
//	ISSUE: high|null|possible nil dereference|internal/api/handler.go|42
func reviewPrompt(files []job.FileChange, language string) string {
	var b strings.Builder
	b.WriteString("You are a strict code reviewer. Score the candidate 0-10 for correctness, completeness, and safety.\n")
	if language != "" {
		fmt.Fprintf(&b, "Language: %s\n", language)
	}
	b.WriteString("\nCandidate files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "=== %s (%s) ===\n%s\n", f.Path, f.ChangeType, f.Content)
	}
	b.WriteString(`
Answer in exactly this shape:
SCORE: <0-10>
ISSUE: <critical|high|medium|low|info>|<kind>|<message>|<file path or empty>|<line or 0>
(one ISSUE line per finding; no ISSUE lines if the code is clean)`)
	return b.String()
}

func votePrompt(input ThinkingInput) string {
	return fmt.Sprintf(`You are casting an independent vote on implementation strategy. Do not hedge; commit to a ranked list.

%s
Emit a ranked list of concrete actions, most important first, one per line as "1. <action>". Then list risks.

%s`, baseContext(input), answerShape)
}
