package ensemble

import (
	"regexp"
	"strconv"
	"strings"

	"forge/job"
)

var rankedLineRe = regexp.MustCompile(`^\s*\d+[\.\)]\s+(.+)$`)

var severityNames = map[string]job.Severity{
	"critical": job.SeverityCritical,
	"high":     job.SeverityHigh,
	"medium":   job.SeverityMedium,
	"low":      job.SeverityLow,
	"info":     job.SeverityInfo,
}

// parseReview extracts the score and issue list from a validator
// answer. An unparseable score clamps to 0; malformed issue lines are
// dropped rather than failing the vote.
func parseReview(text string) (int, []job.Issue) {
	score := 0
	var issues []job.Issue

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "SCORE:"):
			raw := strings.TrimSpace(trimmed[6:])
			if n, err := strconv.Atoi(strings.Fields(raw + " 0")[0]); err == nil {
				score = clampScore(n)
			}
		case strings.HasPrefix(upper, "ISSUE:"):
			if issue, ok := parseIssueLine(strings.TrimSpace(trimmed[6:])); ok {
				issues = append(issues, issue)
			}
		}
	}
	return score, issues
}

func parseIssueLine(raw string) (job.Issue, bool) {
	parts := strings.Split(raw, "|")
	if len(parts) < 3 {
		return job.Issue{}, false
	}
	severity, ok := severityNames[strings.ToLower(strings.TrimSpace(parts[0]))]
	if !ok {
		severity = job.SeverityMedium
	}
	issue := job.Issue{
		Severity: severity,
		Kind:     strings.TrimSpace(parts[1]),
		Message:  strings.TrimSpace(parts[2]),
	}
	if len(parts) > 3 {
		issue.FilePath = strings.TrimSpace(parts[3])
	}
	if len(parts) > 4 {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[4])); err == nil {
			issue.LineNumber = n
		}
	}
	return issue, true
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 10 {
		return 10
	}
	return n
}

// parseThinking splits a model answer into guidance text and risk lines.
// Models are asked for a GUIDANCE:/RISKS: shape but free-form output is
// tolerated: without a RISKS section the whole text is guidance.
func parseThinking(text string) (guidance string, risks []string) {
	lines := strings.Split(text, "\n")
	var guidanceLines []string
	inRisks := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "RISKS:") || upper == "RISKS":
			inRisks = true
			if rest := strings.TrimSpace(trimmed[min(len(trimmed), 6):]); rest != "" {
				risks = append(risks, rest)
			}
		case strings.HasPrefix(upper, "GUIDANCE:"):
			inRisks = false
			if rest := strings.TrimSpace(trimmed[9:]); rest != "" {
				guidanceLines = append(guidanceLines, rest)
			}
		case inRisks:
			if r := strings.TrimLeft(trimmed, "-* \t"); r != "" {
				risks = append(risks, r)
			}
		default:
			guidanceLines = append(guidanceLines, line)
		}
	}

	return strings.TrimSpace(strings.Join(guidanceLines, "\n")), dedupeRisks(risks)
}

// parseRankedActions extracts "1. <action>" lines for vote ballots.
func parseRankedActions(text string) []string {
	var actions []string
	for _, line := range strings.Split(text, "\n") {
		if m := rankedLineRe.FindStringSubmatch(line); m != nil {
			actions = append(actions, strings.TrimSpace(m[1]))
		}
	}
	return actions
}

func normalizeRisk(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// dedupeRisks removes duplicates by normalized equality, preserving
// first-seen order and wording.
func dedupeRisks(risks []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range risks {
		key := normalizeRisk(r)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(r))
	}
	return out
}

// joinDistinct merges several guidance texts, dropping exact-duplicate
// paragraphs across models.
func joinDistinct(texts []string) string {
	seen := make(map[string]bool)
	var out []string
	for _, text := range texts {
		for _, para := range strings.Split(text, "\n\n") {
			key := normalizeRisk(para)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(para))
		}
	}
	return strings.Join(out, "\n\n")
}
