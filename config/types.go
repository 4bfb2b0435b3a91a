package config

import (
	"time"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Memory     MemoryConfig     `yaml:"memory"`
	Models     ModelsConfig     `yaml:"models"`
	Validation ValidationConfig `yaml:"validation"`
	Router     RouterConfig     `yaml:"router"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig defines the HTTP listen settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// JobsConfig controls the job manager and retry loop
type JobsConfig struct {
	DBPath              string        `yaml:"db_path"`
	MaxWorkers          int           `yaml:"max_workers"`          // Concurrent jobs
	MaxIterations       int           `yaml:"max_iterations"`       // Default retry budget
	MaxIterationsCap    int           `yaml:"max_iterations_cap"`   // Upper bound a request may ask for
	MinScore            int           `yaml:"min_score"`            // Default acceptance score
	ConfidenceThreshold float64       `yaml:"confidence_threshold"` // Validator agreement gate
	JobTimeout          time.Duration `yaml:"job_timeout"`          // Wall clock per job
	Retention           time.Duration `yaml:"retention"`            // Keep terminal jobs this long
}

// MemoryConfig defines the semantic memory store settings
type MemoryConfig struct {
	DBPath string `yaml:"db_path"`
}

// ModelsConfig wires the model roster
type ModelsConfig struct {
	Provider   ProviderConfig `yaml:"provider"`
	Thinking   []string       `yaml:"thinking"`   // 2-3 thinking models
	Validation []string       `yaml:"validation"` // Up to 5 validator models
	Ladder     []LadderTier   `yaml:"ladder"`     // Escalation ladder, tier 0 first
	AllowPaid  bool           `yaml:"allow_paid"` // Permit escalation into paid tiers
}

// ProviderConfig defines settings for the model backend
type ProviderConfig struct {
	Name        string        `yaml:"name"` // Currently "ollama"
	BaseURL     string        `yaml:"base_url"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	CallTimeout time.Duration `yaml:"call_timeout"` // Per model call
}

// LadderTier is one rung of the escalation ladder
type LadderTier struct {
	Model string `yaml:"model"`
	Paid  bool   `yaml:"paid"`
}

// ValidationConfig tunes the ensembles
type ValidationConfig struct {
	Weights         []float64     `yaml:"weights"`          // Per-model weights when 5 run
	StrategyTimeout time.Duration `yaml:"strategy_timeout"` // Overall thinking budget
}

// RouterConfig tunes the front door
type RouterConfig struct {
	StepTimeout     time.Duration `yaml:"step_timeout"`     // Await budget for fast steps
	ClassifierModel string        `yaml:"classifier_model"` // Optional small model; keyword rules otherwise
}

// LoggingConfig selects the zap logger mode
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}
