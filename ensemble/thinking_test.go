package ensemble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/job"
	"forge/llm"
)

// scriptedRunner returns canned text per model, or an error for models
// listed in failing.
type scriptedRunner struct {
	mu        sync.Mutex
	responses map[string]string
	failing   map[string]bool
	calls     []string
}

func (r *scriptedRunner) Invoke(ctx context.Context, model, prompt string, opts llm.Options) (*llm.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, model)
	r.mu.Unlock()
	if r.failing[model] {
		return nil, errors.New("model down")
	}
	text, ok := r.responses[model]
	if !ok {
		text = "GUIDANCE:\ndefault guidance\nRISKS:\n- default risk"
	}
	return &llm.Result{Text: text, TokensUsed: 10, Duration: time.Millisecond}, nil
}

func newThinking(t *testing.T, runner ModelRunner, models ...string) *ThinkingEnsemble {
	t.Helper()
	e, err := NewThinkingEnsemble(runner, ThinkingConfig{Models: models}, nil)
	require.NoError(t, err)
	return e
}

func TestStrategyBands(t *testing.T) {
	assert.Equal(t, job.StrategySolo, StrategyFor(1))
	assert.Equal(t, job.StrategySolo, StrategyFor(2))
	assert.Equal(t, job.StrategyDuoDebate, StrategyFor(3))
	assert.Equal(t, job.StrategyDuoDebate, StrategyFor(4))
	assert.Equal(t, job.StrategyTrioParallel, StrategyFor(5))
	assert.Equal(t, job.StrategyTrioParallel, StrategyFor(6))
	assert.Equal(t, job.StrategyDebateRounds, StrategyFor(7))
	assert.Equal(t, job.StrategyDebateRounds, StrategyFor(8))
	assert.Equal(t, job.StrategyVote, StrategyFor(9))
	assert.Equal(t, job.StrategyVote, StrategyFor(25))
}

func TestNextBand(t *testing.T) {
	assert.Equal(t, job.StrategyDuoDebate, NextBand(job.StrategySolo))
	assert.Equal(t, job.StrategyVote, NextBand(job.StrategyDebateRounds))
	assert.Equal(t, job.StrategyVote, NextBand(job.StrategyVote))
}

func TestSoloReturnsGuidanceAndRisks(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]string{
		"m0": "GUIDANCE:\nuse a repository layer\nRISKS:\n- race on shared cache\n- Race On Shared Cache",
	}}
	e := newThinking(t, runner, "m0")

	s, err := e.Run(context.Background(), job.StrategySolo, ThinkingInput{Task: "build api"})
	require.NoError(t, err)
	assert.Equal(t, "use a repository layer", s.Guidance)
	assert.Equal(t, []string{"race on shared cache"}, s.Risks, "risks deduplicate case-insensitively")
	assert.False(t, s.Degraded)
	require.Len(t, s.Timings, 1)
	assert.Equal(t, "m0", s.Timings[0].Model)
}

func TestSoloFailurePropagates(t *testing.T) {
	runner := &scriptedRunner{failing: map[string]bool{"m0": true}}
	e := newThinking(t, runner, "m0")

	_, err := e.Run(context.Background(), job.StrategySolo, ThinkingInput{Task: "x"})
	assert.Error(t, err)
}

func TestDuoDebateUsesCriticOutput(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]string{
		"a": "GUIDANCE:\nproposal\nRISKS:\n- r1",
		"b": "GUIDANCE:\nreconciled plan\nRISKS:\n- r2",
	}}
	e := newThinking(t, runner, "a", "b")

	s, err := e.Run(context.Background(), job.StrategyDuoDebate, ThinkingInput{Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, "reconciled plan", s.Guidance)
	assert.Equal(t, []string{"r2"}, s.Risks)
	assert.Equal(t, []string{"a", "b"}, runner.calls)
}

func TestDuoDebateDegradesToProposal(t *testing.T) {
	runner := &scriptedRunner{
		responses: map[string]string{"a": "GUIDANCE:\nproposal only\nRISKS:\n- r1"},
		failing:   map[string]bool{"b": true},
	}
	e := newThinking(t, runner, "a", "b")

	s, err := e.Run(context.Background(), job.StrategyDuoDebate, ThinkingInput{Task: "x"})
	require.NoError(t, err)
	assert.True(t, s.Degraded)
	assert.Contains(t, s.Guidance, "proposal only")
}

func TestDuoDebateBothDown(t *testing.T) {
	runner := &scriptedRunner{failing: map[string]bool{"a": true, "b": true}}
	e := newThinking(t, runner, "a", "b")

	_, err := e.Run(context.Background(), job.StrategyDuoDebate, ThinkingInput{Task: "x"})
	assert.Error(t, err)
}

func TestTrioParallelMergesDistinctPoints(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]string{
		"a": "GUIDANCE:\nshared point\nRISKS:\n- r1",
		"b": "GUIDANCE:\nshared point\nRISKS:\n- r1",
		"c": "GUIDANCE:\nunique point\nRISKS:\n- r2",
	}}
	e := newThinking(t, runner, "a", "b", "c")

	s, err := e.Run(context.Background(), job.StrategyTrioParallel, ThinkingInput{Task: "x"})
	require.NoError(t, err)
	assert.Contains(t, s.Guidance, "shared point")
	assert.Contains(t, s.Guidance, "unique point")
	assert.ElementsMatch(t, []string{"r1", "r2"}, s.Risks)
	assert.False(t, s.Degraded)
	assert.Len(t, s.Timings, 3)
}

func TestTrioParallelDegrades(t *testing.T) {
	runner := &scriptedRunner{
		responses: map[string]string{"a": "GUIDANCE:\nstill here\nRISKS:\n- r1"},
		failing:   map[string]bool{"b": true, "c": true},
	}
	e := newThinking(t, runner, "a", "b", "c")

	s, err := e.Run(context.Background(), job.StrategyTrioParallel, ThinkingInput{Task: "x"})
	require.NoError(t, err)
	assert.True(t, s.Degraded)
	assert.Contains(t, s.Guidance, "still here")
}

func TestDebateRoundsUsesFinalRound(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]string{
		"a": "GUIDANCE:\nround one\nRISKS:\n- r1",
		"b": "GUIDANCE:\nround two\nRISKS:\n- r2",
		"c": "GUIDANCE:\nfinal consolidated\nRISKS:\n- r3",
	}}
	e := newThinking(t, runner, "a", "b", "c")

	s, err := e.Run(context.Background(), job.StrategyDebateRounds, ThinkingInput{Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, "final consolidated", s.Guidance)
	assert.Equal(t, []string{"r3"}, s.Risks)
	assert.Equal(t, []string{"a", "b", "c"}, runner.calls, "rounds are strictly sequential")
}

func TestVoteMajorityWins(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]string{
		"a": "1. add tests\n2. refactor handler\nRISKS:\n- r1",
		"b": "1. add tests\n2. extract interface\nRISKS:\n- r1",
		"c": "1. rewrite everything\n2. refactor handler\nRISKS:\n- r2",
	}}
	e := newThinking(t, runner, "a", "b", "c")

	s, err := e.Run(context.Background(), job.StrategyVote, ThinkingInput{Task: "x"})
	require.NoError(t, err)
	assert.Contains(t, s.Guidance, "1. add tests")
	assert.Contains(t, s.Guidance, "2. refactor handler")
}

func TestParseThinkingWithoutSections(t *testing.T) {
	guidance, risks := parseThinking("just a plain answer\nwith two lines")
	assert.Equal(t, "just a plain answer\nwith two lines", guidance)
	assert.Empty(t, risks)
}

func TestParseRankedActions(t *testing.T) {
	actions := parseRankedActions("preamble\n1. first\n2) second\nnot ranked\n3. third")
	assert.Equal(t, []string{"first", "second", "third"}, actions)
}
