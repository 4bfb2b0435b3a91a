package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama implements Runner against a local Ollama server. Invocations are
// non-streaming: the retry loop needs whole candidates, not token deltas.
type Ollama struct {
	baseURL string
	http    *http.Client
}

// NewOllama creates an Ollama-backed runner
func NewOllama(baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: baseURL,
		// No client timeout: per-call deadlines come from the caller's context
		http: &http.Client{},
	}
}

// Provider returns the backend name
func (o *Ollama) Provider() string {
	return "ollama"
}

// Invoke sends a generate request and returns the full response text
func (o *Ollama) Invoke(ctx context.Context, model string, prompt string, opts Options) (*Result, error) {
	reqBody := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": false,
	}
	if opts.System != "" {
		reqBody["system"] = opts.System
	}
	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.ContextWindow > 0 {
		options["num_ctx"] = opts.ContextWindow
	}
	if len(options) > 0 {
		reqBody["options"] = options
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("could not reach ollama at %s: %w", o.baseURL, ErrModelUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("ollama returned 429: %w", ErrRateLimited)
	case http.StatusNotFound:
		return nil, fmt.Errorf("model %q not found; run 'ollama pull %s': %w", model, model, ErrModelUnavailable)
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned %d: %s: %w", resp.StatusCode, b, ErrModelUnavailable)
	}

	var out struct {
		Response  string `json:"response"`
		EvalCount int    `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}

	return &Result{
		Text:       out.Response,
		TokensUsed: out.EvalCount,
		Duration:   time.Since(start),
	}, nil
}

// IsAvailable checks that the server responds and the model is pulled
func (o *Ollama) IsAvailable(ctx context.Context, model string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == model {
			return true
		}
	}
	return false
}
