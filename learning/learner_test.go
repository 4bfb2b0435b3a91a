package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forge/job"
)

func TestObserveGoodScoreCountsSuccess(t *testing.T) {
	l := New()
	l.Observe([]string{"repository"}, nil, 8)

	stats := l.Stats()
	assert.Equal(t, 1, stats["repository"].Success)
	assert.Equal(t, 0, stats["repository"].Failure)
}

func TestObserveIssueMentionCountsFailure(t *testing.T) {
	l := New()
	issues := []job.Issue{{Severity: job.SeverityHigh, Kind: "null", Message: "possible null_checks regression in handler"}}
	l.Observe([]string{"null_checks"}, issues, 9)

	stats := l.Stats()
	assert.Equal(t, 1, stats["null_checks"].Failure)
	assert.Equal(t, 0, stats["null_checks"].Success)
}

func TestObserveIssueMatchesSpacedName(t *testing.T) {
	l := New()
	issues := []job.Issue{{Message: "Async await misuse: missing ConfigureAwait"}}
	l.Observe([]string{"async_await"}, issues, 9)

	assert.Equal(t, 1, l.Stats()["async_await"].Failure)
}

func TestObserveLowScoreNoIssueLeavesUnchanged(t *testing.T) {
	l := New()
	l.Observe([]string{"repository"}, nil, 3)

	assert.Equal(t, Stats{}, l.Stats()["repository"])
}

func TestWorkingPatternKeepsAccruing(t *testing.T) {
	l := New()
	l.Observe([]string{"repository"}, nil, 9)
	l.Observe([]string{"repository"}, nil, 9)

	// Now classified working; a low score with no issue still counts success
	l.Observe([]string{"repository"}, nil, 2)
	assert.Equal(t, 3, l.Stats()["repository"].Success)
}

func TestHintsThresholds(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		l.Observe([]string{"repository"}, nil, 9)
	}
	failing := []job.Issue{{Message: "cancellation token never observed"}}
	for i := 0; i < 3; i++ {
		l.Observe([]string{"cancellation"}, failing, 9)
	}
	// A single success is not enough to emphasize
	l.Observe([]string{"logging"}, nil, 9)

	h := l.Hints(2)
	assert.Equal(t, []string{"repository"}, h.Emphasize)
	assert.Equal(t, []string{"cancellation"}, h.Avoid)
	assert.False(t, h.Simplify)
}

func TestHintsAvoidAfterFirstFailure(t *testing.T) {
	l := New()
	issues := []job.Issue{{Severity: job.SeverityHigh, Kind: "singleton", Message: "singleton holds request state"}}
	l.Observe([]string{"singleton"}, issues, 4)

	// One implicated failure already steers the next attempt away
	h := l.Hints(1)
	assert.Equal(t, []string{"singleton"}, h.Avoid)
	assert.Empty(t, h.Emphasize)
}

func TestHintsSimplifyAfterSecondAttempt(t *testing.T) {
	l := New()
	assert.False(t, l.Hints(1).Simplify)
	assert.False(t, l.Hints(2).Simplify)
	assert.True(t, l.Hints(3).Simplify)
}

func TestHintsCappedAtThree(t *testing.T) {
	l := New()
	names := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 2; i++ {
		l.Observe(names, nil, 9)
	}

	h := l.Hints(1)
	assert.Len(t, h.Emphasize, 3)
}

func TestWorkingPatternsSummary(t *testing.T) {
	l := New()
	l.Observe([]string{"repository"}, nil, 9)
	l.Observe([]string{"repository"}, nil, 9)
	l.Observe([]string{"logging"}, nil, 3)

	assert.Equal(t, []string{"repository"}, l.WorkingPatterns())
}

func TestDetectPatterns(t *testing.T) {
	files := []job.FileChange{
		{Path: "service.cs", Content: "services.AddScoped<IUserRepository, UserRepository>();"},
		{Path: "handler.go", Content: "if err != nil {\n\treturn err\n}"},
	}

	got := DetectPatterns(files)
	assert.Contains(t, got, "dependency_injection")
	assert.Contains(t, got, "repository")
	assert.Contains(t, got, "error_handling")
}

func TestDetectPatternsEmpty(t *testing.T) {
	assert.Empty(t, DetectPatterns(nil))
	assert.Empty(t, DetectPatterns([]job.FileChange{{Path: "x.txt", Content: "plain text"}}))
}
