package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8420", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Jobs.MaxWorkers)
	assert.Equal(t, 10, cfg.Jobs.MaxIterations)
	assert.Equal(t, 8, cfg.Jobs.MinScore)
	assert.Equal(t, 0.7, cfg.Jobs.ConfidenceThreshold)
	assert.Equal(t, time.Hour, cfg.Jobs.JobTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Jobs.Retention)
	assert.Len(t, cfg.Models.Ladder, 5)
	assert.Equal(t, []float64{0.20, 0.25, 0.20, 0.20, 0.15}, cfg.Validation.Weights)
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	yaml := `
server:
  addr: ":9000"
jobs:
  max_workers: 2
  min_score: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Jobs.MaxWorkers)
	assert.Equal(t, 7, cfg.Jobs.MinScore)
	// Untouched fields fall back to defaults
	assert.Equal(t, 10, cfg.Jobs.MaxIterations)
	assert.Equal(t, 10*time.Second, cfg.Router.StepTimeout)
	assert.NotEmpty(t, cfg.Models.Validation)
}

func TestLoadRejectsBadScore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  min_score: 11\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "min_score")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/forge.yaml")
	assert.Error(t, err)
}

func TestExpandHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), expandHomePath("~/data"))
	assert.Equal(t, home, expandHomePath("~"))
	assert.Equal(t, "/abs/path", expandHomePath("/abs/path"))
}
