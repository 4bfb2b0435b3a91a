// Package ensemble coordinates multi-model thinking and validation runs.
package ensemble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forge/job"
	"forge/llm"
)

// ModelRunner invokes a named model. Satisfied by *llm.Manager.
type ModelRunner interface {
	Invoke(ctx context.Context, model, prompt string, opts llm.Options) (*llm.Result, error)
}

const (
	defaultCallTimeout     = 30 * time.Second
	defaultStrategyTimeout = 60 * time.Second
	debateRoundCount       = 3
)

// StrategyFor maps an attempt index to its thinking strategy band.
func StrategyFor(attemptIndex int) job.ThinkingStrategy {
	switch {
	case attemptIndex <= 2:
		return job.StrategySolo
	case attemptIndex <= 4:
		return job.StrategyDuoDebate
	case attemptIndex <= 6:
		return job.StrategyTrioParallel
	case attemptIndex <= 8:
		return job.StrategyDebateRounds
	default:
		return job.StrategyVote
	}
}

// NextBand returns the strategy one band stronger, used when validators
// pass a candidate but disagree too much to accept it.
func NextBand(s job.ThinkingStrategy) job.ThinkingStrategy {
	switch s {
	case job.StrategySolo:
		return job.StrategyDuoDebate
	case job.StrategyDuoDebate:
		return job.StrategyTrioParallel
	case job.StrategyTrioParallel:
		return job.StrategyDebateRounds
	default:
		return job.StrategyVote
	}
}

// ThinkingInput is what the strategies reason over.
type ThinkingInput struct {
	Task           string
	Language       string
	HistorySummary string // Prior attempts, condensed
}

// ThinkingConfig tunes the ensemble.
type ThinkingConfig struct {
	Models          []string // 1-3 thinking models, strongest first
	CallTimeout     time.Duration
	StrategyTimeout time.Duration
}

// ThinkingEnsemble runs one of five coordination strategies over the
// configured thinking models and consolidates guidance plus risks.
type ThinkingEnsemble struct {
	runner ModelRunner
	cfg    ThinkingConfig
	logger *zap.Logger
}

func NewThinkingEnsemble(runner ModelRunner, cfg ThinkingConfig, logger *zap.Logger) (*ThinkingEnsemble, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("at least one thinking model is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = defaultStrategyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThinkingEnsemble{runner: runner, cfg: cfg, logger: logger}, nil
}

// Run executes the strategy and returns consolidated guidance. Solo
// propagates a model failure; every other strategy degrades gracefully
// as long as at least one model answered.
func (e *ThinkingEnsemble) Run(ctx context.Context, strategy job.ThinkingStrategy, input ThinkingInput) (*job.ThinkingSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StrategyTimeout)
	defer cancel()

	switch strategy {
	case job.StrategySolo:
		return e.runSolo(ctx, input)
	case job.StrategyDuoDebate:
		return e.runDuoDebate(ctx, input)
	case job.StrategyTrioParallel:
		return e.runTrioParallel(ctx, input)
	case job.StrategyDebateRounds:
		return e.runDebateRounds(ctx, input)
	case job.StrategyVote:
		return e.runVote(ctx, input)
	default:
		return nil, fmt.Errorf("unknown thinking strategy: %s", strategy)
	}
}

// model returns the i-th configured model, wrapping around when fewer
// models are configured than the strategy wants.
func (e *ThinkingEnsemble) model(i int) string {
	return e.cfg.Models[i%len(e.cfg.Models)]
}

func (e *ThinkingEnsemble) call(ctx context.Context, model, prompt string) (string, job.ModelTiming, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.runner.Invoke(callCtx, model, prompt, llm.Options{Temperature: 0.7})
	timing := job.ModelTiming{Model: model, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		e.logger.Warn("thinking model call failed", zap.String("model", model), zap.Error(err))
		return "", timing, err
	}
	return res.Text, timing, nil
}

func (e *ThinkingEnsemble) runSolo(ctx context.Context, input ThinkingInput) (*job.ThinkingSummary, error) {
	text, timing, err := e.call(ctx, e.model(0), proposalPrompt(input))
	if err != nil {
		return nil, fmt.Errorf("solo thinking failed: %w", err)
	}
	guidance, risks := parseThinking(text)
	return &job.ThinkingSummary{
		Strategy: job.StrategySolo,
		Guidance: guidance,
		Risks:    risks,
		Timings:  []job.ModelTiming{timing},
	}, nil
}

func (e *ThinkingEnsemble) runDuoDebate(ctx context.Context, input ThinkingInput) (*job.ThinkingSummary, error) {
	summary := &job.ThinkingSummary{Strategy: job.StrategyDuoDebate}

	proposal, timingA, errA := e.call(ctx, e.model(0), proposalPrompt(input))
	if errA == nil {
		summary.Timings = append(summary.Timings, timingA)
	}

	var critiquePrompt string
	if errA != nil {
		// Proposer failed; the critic works from scratch
		summary.Degraded = true
		critiquePrompt = proposalPrompt(input)
	} else {
		critiquePrompt = critiquePromptFor(input, proposal)
	}

	reconciled, timingB, errB := e.call(ctx, e.model(1), critiquePrompt)
	if errB == nil {
		summary.Timings = append(summary.Timings, timingB)
	}

	switch {
	case errB == nil:
		summary.Guidance, summary.Risks = parseThinking(reconciled)
	case errA == nil:
		// Critic failed; fall back to the raw proposal
		summary.Degraded = true
		summary.Guidance, summary.Risks = parseThinking(proposal)
	default:
		return nil, fmt.Errorf("duo debate failed: both models unavailable")
	}
	if summary.Degraded {
		summary.Guidance = degradedNote(summary.Guidance)
	}
	return summary, nil
}

func (e *ThinkingEnsemble) runTrioParallel(ctx context.Context, input ThinkingInput) (*job.ThinkingSummary, error) {
	outputs, timings := e.fanOut(ctx, proposalPrompt(input))
	if len(outputs) == 0 {
		return nil, fmt.Errorf("trio parallel failed: all models unavailable")
	}

	var points []string
	var risks []string
	for _, text := range outputs {
		g, r := parseThinking(text)
		points = append(points, g)
		risks = append(risks, r...)
	}

	summary := &job.ThinkingSummary{
		Strategy: job.StrategyTrioParallel,
		Guidance: joinDistinct(points),
		Risks:    dedupeRisks(risks),
		Timings:  timings,
		Degraded: len(outputs) < 3,
	}
	if summary.Degraded {
		summary.Guidance = degradedNote(summary.Guidance)
	}
	return summary, nil
}

func (e *ThinkingEnsemble) runDebateRounds(ctx context.Context, input ThinkingInput) (*job.ThinkingSummary, error) {
	summary := &job.ThinkingSummary{Strategy: job.StrategyDebateRounds}

	var transcript strings.Builder
	var lastOutput string
	answered := 0

	for round := 1; round <= debateRoundCount; round++ {
		model := e.model(round - 1)
		prompt := debatePrompt(input, round, transcript.String())

		text, timing, err := e.call(ctx, model, prompt)
		if err != nil {
			summary.Degraded = true
			continue
		}
		answered++
		summary.Timings = append(summary.Timings, timing)
		lastOutput = text
		fmt.Fprintf(&transcript, "--- Round %d (%s) ---\n%s\n", round, model, text)
	}

	if answered == 0 {
		return nil, fmt.Errorf("debate rounds failed: all models unavailable")
	}

	summary.Guidance, summary.Risks = parseThinking(lastOutput)
	if summary.Degraded {
		summary.Guidance = degradedNote(summary.Guidance)
	}
	return summary, nil
}

func (e *ThinkingEnsemble) runVote(ctx context.Context, input ThinkingInput) (*job.ThinkingSummary, error) {
	outputs, timings := e.fanOut(ctx, votePrompt(input))
	if len(outputs) == 0 {
		return nil, fmt.Errorf("vote failed: all models unavailable")
	}

	ballots := make([][]string, 0, len(outputs))
	var risks []string
	for _, text := range outputs {
		_, r := parseThinking(text)
		risks = append(risks, r...)
		ballots = append(ballots, parseRankedActions(text))
	}

	summary := &job.ThinkingSummary{
		Strategy: job.StrategyVote,
		Guidance: formatActions(majorityByPosition(ballots)),
		Risks:    dedupeRisks(risks),
		Timings:  timings,
		Degraded: len(outputs) < 3,
	}
	if summary.Degraded {
		summary.Guidance = degradedNote(summary.Guidance)
	}
	return summary, nil
}

// fanOut runs the same prompt against three models in parallel and
// collects whichever outputs arrive.
func (e *ThinkingEnsemble) fanOut(ctx context.Context, prompt string) ([]string, []job.ModelTiming) {
	var mu sync.Mutex
	var outputs []string
	var timings []job.ModelTiming

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		model := e.model(i)
		g.Go(func() error {
			text, timing, err := e.call(gctx, model, prompt)
			if err != nil {
				return nil // Degradation, not failure
			}
			mu.Lock()
			outputs = append(outputs, text)
			timings = append(timings, timing)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outputs, timings
}

// majorityByPosition picks, per rank position, the action most ballots
// agree on. Ties go to the earliest ballot.
func majorityByPosition(ballots [][]string) []string {
	maxLen := 0
	for _, b := range ballots {
		if len(b) > maxLen {
			maxLen = len(b)
		}
	}

	var winners []string
	seen := make(map[string]bool)
	for pos := 0; pos < maxLen; pos++ {
		counts := make(map[string]int)
		var order []string
		for _, b := range ballots {
			if pos >= len(b) {
				continue
			}
			key := normalizeRisk(b[pos])
			if counts[key] == 0 {
				order = append(order, b[pos])
			}
			counts[key]++
		}

		best := ""
		bestCount := 0
		for _, action := range order {
			if c := counts[normalizeRisk(action)]; c > bestCount {
				best, bestCount = action, c
			}
		}
		if best != "" && !seen[normalizeRisk(best)] {
			seen[normalizeRisk(best)] = true
			winners = append(winners, best)
		}
	}
	return winners
}

func formatActions(actions []string) string {
	var b strings.Builder
	for i, a := range actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	return strings.TrimRight(b.String(), "\n")
}

func degradedNote(guidance string) string {
	return "[degraded: one or more thinking models were unavailable]\n" + guidance
}
