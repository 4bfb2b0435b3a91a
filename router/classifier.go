package router

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"forge/ensemble"
	"forge/llm"
)

// Intents the planner understands.
const (
	IntentGenerate = "generate"
	IntentStatus   = "status"
	IntentList     = "list"
	IntentCancel   = "cancel"
	IntentSearch   = "search"
	IntentAnalyze  = "analyze"
	IntentUnknown  = "unknown"
)

// Classification is the extracted shape of a free-form request.
type Classification struct {
	Intent         string   `json:"intent"`
	Entities       []string `json:"entities,omitempty"`
	EstimatedSteps int      `json:"estimatedSteps"`
}

var jobIDRe = regexp.MustCompile(`job_\d{14}_[0-9a-f]{32}`)

const classifierTimeout = 5 * time.Second

// Classifier extracts intent and entities. When a model is configured
// it is tried first; any failure falls back to the deterministic
// keyword rules, so classification never errors.
type Classifier struct {
	runner ensemble.ModelRunner
	model  string // Empty disables the model path
	logger *zap.Logger
}

func NewClassifier(runner ensemble.ModelRunner, model string, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{runner: runner, model: model, logger: logger}
}

func (c *Classifier) Classify(ctx context.Context, request string) Classification {
	if c.model != "" && c.runner != nil {
		if cls, ok := c.classifyWithModel(ctx, request); ok {
			return cls
		}
	}
	return classifyByKeywords(request)
}

func (c *Classifier) classifyWithModel(ctx context.Context, request string) (Classification, bool) {
	ctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	prompt := `Classify this request. Answer with only a JSON object: {"intent": "generate|status|list|cancel|search|analyze", "entities": ["..."], "estimatedSteps": 1}

Request: ` + request

	res, err := c.runner.Invoke(ctx, c.model, prompt, llm.Options{Temperature: 0})
	if err != nil {
		c.logger.Debug("model classification failed, using keyword rules", zap.Error(err))
		return Classification{}, false
	}

	text := strings.TrimSpace(res.Text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var cls Classification
	if err := json.Unmarshal([]byte(text), &cls); err != nil || !validIntent(cls.Intent) {
		c.logger.Debug("unparseable classification, using keyword rules")
		return Classification{}, false
	}
	if cls.EstimatedSteps < 1 {
		cls.EstimatedSteps = 1
	}
	cls.Entities = append(cls.Entities, missingJobIDs(request, cls.Entities)...)
	return cls, true
}

// classifyByKeywords is the deterministic fallback. Rules are checked
// in priority order; the first match wins.
func classifyByKeywords(request string) Classification {
	lower := strings.ToLower(request)
	entities := jobIDRe.FindAllString(request, -1)

	cls := Classification{Entities: entities, EstimatedSteps: 1}
	switch {
	case strings.Contains(lower, "cancel"):
		cls.Intent = IntentCancel
	case strings.Contains(lower, "status") || strings.Contains(lower, "progress"):
		cls.Intent = IntentStatus
	case strings.Contains(lower, "list") && (strings.Contains(lower, "job") || strings.Contains(lower, "task")):
		cls.Intent = IntentList
	case containsAnyWord(lower, "search", "recall", "remember", "lookup"):
		cls.Intent = IntentSearch
	case strings.Contains(lower, "analyze") || strings.Contains(lower, "summarize"):
		cls.Intent = IntentAnalyze
	case containsAnyWord(lower, "create", "build", "implement", "generate", "write", "make", "add", "fix", "refactor"):
		cls.Intent = IntentGenerate
		cls.EstimatedSteps = 2
	default:
		cls.Intent = IntentUnknown
	}
	return cls
}

func validIntent(intent string) bool {
	switch intent {
	case IntentGenerate, IntentStatus, IntentList, IntentCancel, IntentSearch, IntentAnalyze:
		return true
	}
	return false
}

func containsAnyWord(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func missingJobIDs(request string, have []string) []string {
	known := make(map[string]bool, len(have))
	for _, e := range have {
		known[e] = true
	}
	var extra []string
	for _, id := range jobIDRe.FindAllString(request, -1) {
		if !known[id] {
			extra = append(extra, id)
		}
	}
	return extra
}
