package llm

import (
	"context"
	"errors"
	"time"
)

// Invocation errors surfaced by runners. The retry loop folds these into
// attempt decisions rather than failing the job directly.
var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("model call timed out")
)

// Options tunes a single model invocation
type Options struct {
	MaxTokens     int
	Temperature   float64
	ContextWindow int
	System        string
}

// Result is the outcome of a single model invocation
type Result struct {
	Text       string
	TokensUsed int
	Duration   time.Duration
}

// Runner invokes a named model with a prompt. Implementations must honor
// context cancellation: a cancelled job must not leave calls in flight.
type Runner interface {
	// Invoke sends a prompt to the named model and returns its output
	Invoke(ctx context.Context, model string, prompt string, opts Options) (*Result, error)

	// IsAvailable reports whether the named model is reachable right now
	IsAvailable(ctx context.Context, model string) bool

	// Provider returns the backend name (e.g., "ollama")
	Provider() string
}
