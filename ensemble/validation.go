package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forge/job"
	"forge/llm"
	"forge/metrics"
)

// CompileChecker attempts to build the candidate. Satisfied by the
// workspace compile validator; languages without a compiler report ok.
type CompileChecker interface {
	Check(ctx context.Context, files []job.FileChange, language string) (ok bool, issues []job.Issue, err error)
}

// ValidationConfig tunes the validation ensemble.
type ValidationConfig struct {
	Models      []string  // Up to 5 validator models, strongest first
	Weights     []float64 // Per-position weights when all 5 run
	MinScore    int
	CallTimeout time.Duration
}

// ValidationEnsemble fans candidate review out over N validator models,
// merges their votes into a weighted score, and gates everything on an
// execution-based compile check.
type ValidationEnsemble struct {
	runner   ModelRunner
	compiler CompileChecker
	cfg      ValidationConfig
	logger   *zap.Logger
}

func NewValidationEnsemble(runner ModelRunner, compiler CompileChecker, cfg ValidationConfig, logger *zap.Logger) (*ValidationEnsemble, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("at least one validator model is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValidationEnsemble{runner: runner, compiler: compiler, cfg: cfg, logger: logger}, nil
}

// ModelCountFor scales validator effort with the attempt band.
func ModelCountFor(attemptIndex int) int {
	switch {
	case attemptIndex <= 2:
		return 2
	case attemptIndex <= 4:
		return 3
	default:
		return 5
	}
}

// Validate reviews the candidate with an attempt-scaled model count.
// minScore is the job's acceptance bar; a non-positive value falls back
// to the configured default. A failed compile short-circuits to score 0;
// all-models-down yields score 0 with a validator_unavailable issue,
// which the retry loop treats as an ordinary retry.
func (e *ValidationEnsemble) Validate(ctx context.Context, files []job.FileChange, language string, attemptIndex, minScore int) (*job.ValidationSummary, error) {
	if minScore <= 0 {
		minScore = e.cfg.MinScore
	}
	if e.compiler != nil {
		ok, issues, err := e.compiler.Check(ctx, files, language)
		if err != nil {
			e.logger.Warn("compile check unavailable", zap.Error(err))
		} else if !ok {
			return &job.ValidationSummary{
				Score:      0,
				Passed:     false,
				Issues:     issues,
				ModelsUsed: []string{"compile"},
				Confidence: 1.0,
				CompileOK:  false,
			}, nil
		}
	}

	n := ModelCountFor(attemptIndex)
	if n > len(e.cfg.Models) {
		n = len(e.cfg.Models)
	}
	models := e.cfg.Models[:n]
	weights := e.weightsFor(n)

	var mu sync.Mutex
	votes := make([]*job.PerModelScore, n)

	g, gctx := errgroup.WithContext(ctx)
	for i, model := range models {
		g.Go(func() error {
			vote, err := e.reviewWith(gctx, model, files, language)
			if err != nil {
				metrics.ModelCalls.WithLabelValues(model, "error").Inc()
				return nil // Degradation, not failure
			}
			metrics.ModelCalls.WithLabelValues(model, "ok").Inc()
			mu.Lock()
			votes[i] = vote
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return e.merge(votes, weights, minScore), nil
}

func (e *ValidationEnsemble) weightsFor(n int) []float64 {
	if n == len(e.cfg.Weights) {
		return e.cfg.Weights
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

func (e *ValidationEnsemble) reviewWith(ctx context.Context, model string, files []job.FileChange, language string) (*job.PerModelScore, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.runner.Invoke(callCtx, model, reviewPrompt(files, language), llm.Options{Temperature: 0.2})
	if err != nil {
		e.logger.Warn("validator model failed", zap.String("model", model), zap.Error(err))
		return nil, err
	}

	score, issues := parseReview(res.Text)
	return &job.PerModelScore{
		Model:      model,
		Score:      score,
		Issues:     issues,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (e *ValidationEnsemble) merge(votes []*job.PerModelScore, weights []float64, minScore int) *job.ValidationSummary {
	var answered []*job.PerModelScore
	var answeredWeights []float64
	for i, v := range votes {
		if v != nil {
			answered = append(answered, v)
			answeredWeights = append(answeredWeights, weights[i])
		}
	}

	if len(answered) == 0 {
		return &job.ValidationSummary{
			Score:      0,
			Passed:     false,
			Confidence: 0,
			CompileOK:  true,
			Issues: []job.Issue{{
				Severity: job.SeverityCritical,
				Kind:     "validator_unavailable",
				Message:  "all validator models failed",
			}},
		}
	}

	var weightSum, weighted float64
	scores := make([]float64, len(answered))
	var perModel []job.PerModelScore
	var modelsUsed []string
	var allIssues []job.Issue
	for i, v := range answered {
		weighted += answeredWeights[i] * float64(v.Score)
		weightSum += answeredWeights[i]
		scores[i] = float64(v.Score)
		perModel = append(perModel, *v)
		modelsUsed = append(modelsUsed, v.Model)
		allIssues = append(allIssues, v.Issues...)
	}

	score := int(math.Round(weighted / weightSum))
	issues := mergeIssues(allIssues)

	hasCritical := false
	for _, issue := range issues {
		if issue.Severity == job.SeverityCritical {
			hasCritical = true
			break
		}
	}

	return &job.ValidationSummary{
		Score:      score,
		Passed:     score >= minScore && !hasCritical,
		Issues:     issues,
		ModelsUsed: modelsUsed,
		Confidence: confidence(scores),
		PerModel:   perModel,
		CompileOK:  true,
	}
}

// confidence measures validator agreement: 1 − stdDev/5, clipped to
// [0,1]. A single vote is fully confident.
func confidence(scores []float64) float64 {
	if len(scores) <= 1 {
		return 1.0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	stdDev := math.Sqrt(variance / float64(len(scores)))

	c := 1 - stdDev/5
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// mergeIssues deduplicates issues reported by multiple validators. Two
// issues are the same when their file path and kind match and the line
// numbers are within 2 of each other. The merged issue keeps the worst
// severity and records how many validators agreed.
func mergeIssues(issues []job.Issue) []job.Issue {
	var merged []job.Issue
	for _, issue := range issues {
		found := false
		for i := range merged {
			if sameIssue(merged[i], issue) {
				merged[i].Agreement++
				if issue.Severity.Rank() > merged[i].Severity.Rank() {
					merged[i].Severity = issue.Severity
					merged[i].Message = issue.Message
				}
				found = true
				break
			}
		}
		if !found {
			issue.Agreement = 1
			merged = append(merged, issue)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Severity.Rank() > merged[j].Severity.Rank()
	})
	return merged
}

func sameIssue(a, b job.Issue) bool {
	if !strings.EqualFold(a.Kind, b.Kind) {
		return false
	}
	if a.FilePath != b.FilePath {
		return false
	}
	diff := a.LineNumber - b.LineNumber
	return diff >= -2 && diff <= 2
}
