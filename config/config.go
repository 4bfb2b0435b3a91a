package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default validation ensemble weights when all five validators run.
var defaultWeights = []float64{0.20, 0.25, 0.20, 0.20, 0.15}

// Load reads the configuration file and applies defaults
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config/forge.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, no file needed
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8420"
	}

	if c.Jobs.DBPath == "" {
		c.Jobs.DBPath = defaultDataPath("jobs.db")
	} else {
		c.Jobs.DBPath = expandHomePath(c.Jobs.DBPath)
	}
	if c.Jobs.MaxWorkers <= 0 {
		c.Jobs.MaxWorkers = 4
	}
	if c.Jobs.MaxIterations <= 0 {
		c.Jobs.MaxIterations = 10
	}
	if c.Jobs.MaxIterationsCap <= 0 {
		c.Jobs.MaxIterationsCap = 25
	}
	if c.Jobs.MinScore <= 0 {
		c.Jobs.MinScore = 8
	}
	if c.Jobs.ConfidenceThreshold <= 0 {
		c.Jobs.ConfidenceThreshold = 0.7
	}
	if c.Jobs.JobTimeout <= 0 {
		c.Jobs.JobTimeout = time.Hour
	}
	if c.Jobs.Retention <= 0 {
		c.Jobs.Retention = 7 * 24 * time.Hour
	}

	if c.Memory.DBPath == "" {
		c.Memory.DBPath = defaultDataPath("memory.db")
	} else {
		c.Memory.DBPath = expandHomePath(c.Memory.DBPath)
	}

	if c.Models.Provider.Name == "" {
		c.Models.Provider.Name = "ollama"
	}
	if c.Models.Provider.BaseURL == "" {
		c.Models.Provider.BaseURL = "http://localhost:11434"
	}
	if c.Models.Provider.Temperature == 0 {
		c.Models.Provider.Temperature = 0.2
	}
	if c.Models.Provider.MaxTokens == 0 {
		c.Models.Provider.MaxTokens = 8192
	}
	if c.Models.Provider.CallTimeout <= 0 {
		c.Models.Provider.CallTimeout = 30 * time.Second
	}

	if len(c.Models.Thinking) == 0 {
		c.Models.Thinking = []string{"llama3:latest", "qwen2.5-coder:7b", "deepseek-coder-v2:16b"}
	}
	if len(c.Models.Validation) == 0 {
		c.Models.Validation = []string{
			"llama3:latest",
			"qwen2.5-coder:7b",
			"deepseek-coder-v2:16b",
			"codellama:13b",
			"mistral:latest",
		}
	}
	if len(c.Models.Ladder) == 0 {
		c.Models.Ladder = []LadderTier{
			{Model: "qwen2.5-coder:7b"},
			{Model: "llama3:latest"},
			{Model: "deepseek-coder-v2:16b"},
			{Model: "codellama:13b", Paid: true},
			{Model: "qwen2.5-coder:32b", Paid: true},
		}
	}

	if len(c.Validation.Weights) == 0 {
		c.Validation.Weights = append([]float64(nil), defaultWeights...)
	}
	if c.Validation.StrategyTimeout <= 0 {
		c.Validation.StrategyTimeout = 60 * time.Second
	}

	if c.Router.StepTimeout <= 0 {
		c.Router.StepTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Jobs.MinScore > 10 {
		return fmt.Errorf("jobs.min_score must be in [0,10], got %d", c.Jobs.MinScore)
	}
	if c.Jobs.ConfidenceThreshold > 1 {
		return fmt.Errorf("jobs.confidence_threshold must be in (0,1], got %v", c.Jobs.ConfidenceThreshold)
	}
	if len(c.Models.Ladder) == 0 {
		return fmt.Errorf("models.ladder must not be empty")
	}
	var sum float64
	for _, w := range c.Validation.Weights {
		if w < 0 {
			return fmt.Errorf("validation.weights must be non-negative")
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("validation.weights must not sum to zero")
	}
	return nil
}

// defaultDataPath places data files under FORGE_HOME or ~/.forge
func defaultDataPath(name string) string {
	if home := os.Getenv("FORGE_HOME"); home != "" {
		return filepath.Join(expandHomePath(home), name)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".forge", name)
	}
	return filepath.Join(homeDir, ".forge", name)
}

// expandHomePath expands ~ to the user's home directory
func expandHomePath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if len(path) == 1 {
		return homeDir
	}
	if path[1] == '/' || path[1] == filepath.Separator {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
