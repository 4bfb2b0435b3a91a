package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager routes model invocations to registered provider runners and
// enforces the per-call timeout. Models without an explicit route go to
// the default provider.
type Manager struct {
	providers map[string]Runner
	routes    map[string]string // model name -> provider name
	fallback  string            // default provider
	timeout   time.Duration
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewManager creates a new model manager
func NewManager(callTimeout time.Duration, logger *zap.Logger) *Manager {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Manager{
		providers: make(map[string]Runner),
		routes:    make(map[string]string),
		timeout:   callTimeout,
		logger:    logger.Named("llm"),
	}
}

// RegisterProvider registers a runner under a provider name. The first
// registered provider becomes the default.
func (m *Manager) RegisterProvider(name string, runner Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = runner
	if m.fallback == "" {
		m.fallback = name
	}
}

// Route pins a model name to a specific provider
func (m *Manager) Route(model, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[model] = provider
}

// runnerFor resolves the provider for a model
func (m *Manager) runnerFor(model string) (Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.routes[model]
	if !ok {
		name = m.fallback
	}
	runner, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for model %q: %w", model, ErrModelUnavailable)
	}
	return runner, nil
}

// Invoke calls the named model with the per-call timeout applied.
// Deadline overruns map to ErrTimeout; caller cancellation is passed
// through as context.Canceled.
func (m *Manager) Invoke(ctx context.Context, model string, prompt string, opts Options) (*Result, error) {
	runner, err := m.runnerFor(model)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	result, err := runner.Invoke(callCtx, model, prompt, opts)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s after %s: %w", model, elapsed.Round(time.Millisecond), ErrTimeout)
		}
		m.logger.Warn("model invocation failed",
			zap.String("model", model),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	m.logger.Debug("model invocation completed",
		zap.String("model", model),
		zap.Int("tokens", result.TokensUsed),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// IsAvailable reports whether the named model is reachable
func (m *Manager) IsAvailable(ctx context.Context, model string) bool {
	runner, err := m.runnerFor(model)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return runner.IsAvailable(probeCtx, model)
}

// CallTimeout returns the configured per-call timeout
func (m *Manager) CallTimeout() time.Duration {
	return m.timeout
}
