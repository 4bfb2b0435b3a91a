// Package learning tracks which code patterns work and which fail
// within a single job's retry loop.
package learning

import (
	"sort"
	"strings"

	"forge/job"
)

const (
	classifyRate    = 0.6
	minObservations = 2
	maxHints        = 3

	// Candidates scoring at least this well count their untainted
	// patterns as successes.
	goodScore = 6
)

// Stats counts outcomes for one pattern.
type Stats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Hints is the advisory output fed into the next attempt's prompt.
type Hints struct {
	Emphasize []string
	Avoid     []string
	Simplify  bool
}

// Learner maintains per-job pattern statistics. It is advisory only:
// it never blocks an attempt or alters code. Not safe for concurrent
// use; the retry loop is single-threaded per job.
type Learner struct {
	stats map[string]*Stats
}

func New() *Learner {
	return &Learner{stats: make(map[string]*Stats)}
}

// Observe updates pattern statistics from one validated attempt.
// A pattern already established as working keeps accruing successes.
// A pattern implicated in issue text accrues a failure. Otherwise the
// pattern counts as a success only when the candidate scored well.
func (l *Learner) Observe(patterns []string, issues []job.Issue, score int) {
	for _, name := range patterns {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		switch {
		case l.isWorking(key):
			l.get(key).Success++
		case mentionedInIssues(key, issues):
			l.get(key).Failure++
		case score >= goodScore:
			l.get(key).Success++
		}
	}
}

// Hints produces the prioritized pattern guidance for the next attempt.
// Emphasize needs minObservations of support before a pattern is worth
// recommending; Avoid fires from the very first implicated failure so
// attempt 2 already steers away from what just broke.
func (l *Learner) Hints(attemptIndex int) Hints {
	h := Hints{Simplify: attemptIndex > 2}
	for _, name := range l.sortedPatterns() {
		s := l.stats[name]
		total := s.Success + s.Failure
		rate := float64(s.Success) / float64(total)
		if rate >= classifyRate && s.Success >= minObservations && len(h.Emphasize) < maxHints {
			h.Emphasize = append(h.Emphasize, name)
		}
		if 1-rate >= classifyRate && s.Failure >= 1 && len(h.Avoid) < maxHints {
			h.Avoid = append(h.Avoid, name)
		}
	}
	return h
}

// WorkingPatterns returns every pattern currently classified as working,
// for the end-of-job memory summary.
func (l *Learner) WorkingPatterns() []string {
	var out []string
	for _, name := range l.sortedPatterns() {
		if l.isWorking(name) {
			out = append(out, name)
		}
	}
	return out
}

// Stats returns a copy of the raw counters.
func (l *Learner) Stats() map[string]Stats {
	out := make(map[string]Stats, len(l.stats))
	for name, s := range l.stats {
		out[name] = *s
	}
	return out
}

func (l *Learner) get(name string) *Stats {
	s, ok := l.stats[name]
	if !ok {
		s = &Stats{}
		l.stats[name] = s
	}
	return s
}

func (l *Learner) isWorking(name string) bool {
	s, ok := l.stats[name]
	if !ok {
		return false
	}
	total := s.Success + s.Failure
	if total < minObservations {
		return false
	}
	return float64(s.Success)/float64(total) >= classifyRate
}

// sortedPatterns orders by observation count descending, name ascending,
// so hint selection is deterministic.
func (l *Learner) sortedPatterns() []string {
	names := make([]string, 0, len(l.stats))
	for name := range l.stats {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti := l.stats[names[i]].Success + l.stats[names[i]].Failure
		tj := l.stats[names[j]].Success + l.stats[names[j]].Failure
		if ti != tj {
			return ti > tj
		}
		return names[i] < names[j]
	})
	return names
}

func mentionedInIssues(pattern string, issues []job.Issue) bool {
	needle := strings.ReplaceAll(pattern, "_", " ")
	for _, issue := range issues {
		text := strings.ToLower(issue.Message)
		if strings.Contains(text, pattern) || strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// SimplifyHint is the wording appended to the prompt once a job is
// past its second attempt.
const SimplifyHint = "try the minimal implementation that compiles, then enhance"
