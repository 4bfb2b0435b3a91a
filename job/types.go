package job

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a job
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timedout"
)

// Terminal reports whether the state allows no further transitions
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// ThinkingStrategy selects how the thinking ensemble coordinates its models
type ThinkingStrategy string

const (
	StrategySolo         ThinkingStrategy = "solo"
	StrategyDuoDebate    ThinkingStrategy = "duo_debate"
	StrategyTrioParallel ThinkingStrategy = "trio_parallel"
	StrategyDebateRounds ThinkingStrategy = "debate_rounds"
	StrategyVote         ThinkingStrategy = "vote"
)

// Decision is the retry loop's verdict on an attempt
type Decision string

const (
	DecisionAccept   Decision = "accept"
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
	DecisionGiveUp   Decision = "give_up"
)

// Severity grades a validator issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities; higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Issue is a validator-reported defect
type Issue struct {
	Severity   Severity `json:"severity"`
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	FilePath   string   `json:"filePath,omitempty"`
	LineNumber int      `json:"lineNumber,omitempty"`
	Agreement  int      `json:"agreement,omitempty"` // How many validators reported it
}

// ChangeType classifies a file change
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// FileChange is a proposed add/modify/delete of one workspace-relative path.
// Paths are normalized to forward slashes and must not escape the workspace.
type FileChange struct {
	Path       string     `json:"path"`
	Content    string     `json:"content"`
	ChangeType ChangeType `json:"changeType"`
	Reason     string     `json:"reason,omitempty"`
}

// Candidate is the file set produced by one generation call
type Candidate struct {
	Files      []FileChange `json:"files"`
	RawOutput  string       `json:"rawOutput,omitempty"`
	TokensUsed int          `json:"tokensUsed"`
}

// ModelTiming records per-model latency for observability
type ModelTiming struct {
	Model      string `json:"model"`
	DurationMs int64  `json:"durationMs"`
}

// ThinkingSummary is the consolidated output of a thinking strategy
type ThinkingSummary struct {
	Strategy ThinkingStrategy `json:"strategy"`
	Guidance string           `json:"guidance"`
	Risks    []string         `json:"risks,omitempty"`
	Timings  []ModelTiming    `json:"timings,omitempty"`
	Degraded bool             `json:"degraded,omitempty"` // A model failed; strategy proceeded without it
}

// PerModelScore is one validator model's vote
type PerModelScore struct {
	Model      string  `json:"model"`
	Score      int     `json:"score"`
	Issues     []Issue `json:"issues,omitempty"`
	DurationMs int64   `json:"durationMs"`
}

// ValidationSummary merges the validation ensemble's votes
type ValidationSummary struct {
	Score      int             `json:"score"`
	Passed     bool            `json:"passed"`
	Issues     []Issue         `json:"issues,omitempty"`
	ModelsUsed []string        `json:"modelsUsed,omitempty"`
	Confidence float64         `json:"confidence"`
	PerModel   []PerModelScore `json:"perModel,omitempty"`
	CompileOK  bool            `json:"compileOk"`
}

// Attempt is one iteration of the retry loop
type Attempt struct {
	Index           int                `json:"index"` // 1-based
	Strategy        ThinkingStrategy   `json:"thinkingStrategy"`
	Thinking        *ThinkingSummary   `json:"thinkingResult,omitempty"`
	GenerationModel string             `json:"generationModel"`
	Candidate       *Candidate         `json:"candidate,omitempty"`
	Validation      *ValidationSummary `json:"validation,omitempty"`
	DurationMs      int64              `json:"durationMs"`
	Decision        Decision           `json:"decision"`
}

// Result is the accepted artifact of a completed job
type Result struct {
	Files        []FileChange `json:"files"`
	Score        int          `json:"score"`
	AttemptCount int          `json:"attemptCount"`
	Summary      string       `json:"summary,omitempty"`
}

// ErrorKind is the error taxonomy surfaced in error.kind
type ErrorKind string

const (
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindMaxIterations        ErrorKind = "max_iterations"
	KindCancelled            ErrorKind = "cancelled"
	KindTimedOut             ErrorKind = "timedout"
	KindModelUnavailable     ErrorKind = "model_unavailable"
	KindValidatorUnavailable ErrorKind = "validator_unavailable"
	KindParserError          ErrorKind = "parser_error"
	KindInterrupted          ErrorKind = "interrupted"
	KindInternal             ErrorKind = "internal"
)

// Error is a terminal job error with optional salvaged partial result
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
	PartialResult *Result   `json:"partialResult,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Job is an end-to-end generation request with its attempts and lifecycle.
// The Manager exclusively owns job records; readers get copies.
type Job struct {
	ID            string     `json:"jobId"`
	Task          string     `json:"task"`
	Language      string     `json:"language"`
	WorkspacePath string     `json:"workspacePath"`
	Context       string     `json:"context"`
	MaxIterations int        `json:"maxIterations"`
	MinScore      int        `json:"minScore"`
	State         State      `json:"state"`
	Progress      int        `json:"progress"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Attempts      []Attempt  `json:"attempts,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         *Error     `json:"error,omitempty"`
}

// Clone returns a deep-enough copy for external readers. Attempts are
// append-only and immutable once recorded, so the slice copy suffices.
func (j *Job) Clone() *Job {
	c := *j
	c.Attempts = append([]Attempt(nil), j.Attempts...)
	return &c
}

// Summary is a job view without the attempt list
type Summary struct {
	ID          string     `json:"jobId"`
	Task        string     `json:"task"`
	State       State      `json:"state"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Summarize strips the attempt detail
func (j *Job) Summarize() Summary {
	return Summary{
		ID:          j.ID,
		Task:        j.Task,
		State:       j.State,
		Progress:    j.Progress,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// EventType categorizes progress events
type EventType string

const (
	EventProgress   EventType = "progress"
	EventThinking   EventType = "thinking"
	EventCoding     EventType = "coding"
	EventValidation EventType = "validation"
	EventError      EventType = "error"
	EventCompleted  EventType = "completed"
)

// Event is a read-only progress notification published to subscribers
type Event struct {
	JobID        string    `json:"jobId"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	Progress     int       `json:"progress,omitempty"`
	Score        *int      `json:"score,omitempty"`
	AttemptIndex *int      `json:"attemptIndex,omitempty"`
}

// CreateRequest is the input to Manager.Create
type CreateRequest struct {
	Task          string `json:"task"`
	Language      string `json:"language,omitempty"`
	WorkspacePath string `json:"workspacePath"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	MinScore      int    `json:"minScore,omitempty"`
}

// MaxTaskBytes bounds the task text accepted at create
const MaxTaskBytes = 32 * 1024
