package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkyoung/llmflow/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "llmflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
models:
  gpt-4o:
    input: 2.5
    output: 10.0
    cache: 1.25
    jsonSchema: true
client:
  model: gpt-4o
  apiKey: test-key
`)

	cfg, err := config.Load(config.LoaderOptions{ConfigPaths: []string{dir}})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Client.Model)
	assert.Equal(t, "test-key", cfg.Client.APIKey)

	m, ok := cfg.Models["gpt-4o"]
	require.True(t, ok)
	assert.Equal(t, 2.5, m.Input)
	assert.Equal(t, 10.0, m.Output)
	assert.Equal(t, 1.25, m.Cache)
	assert.True(t, m.JSONSchema)

	// Limiter and retry defaults
	assert.Equal(t, 60000, cfg.Limiter.MaxTPM)
	assert.Equal(t, 10, cfg.Limiter.InitialConcurrency)
	assert.Equal(t, 2, cfg.Limiter.MinConcurrency)
	assert.Equal(t, 100, cfg.Limiter.MaxConcurrency)
	assert.Equal(t, "60s", cfg.Limiter.Window)
	assert.Equal(t, 50, cfg.Limiter.CostSampleSize)
	assert.Equal(t, 1500, cfg.Limiter.DefaultRequestCost)
	assert.Equal(t, 20, cfg.Limiter.AdjustEvery)
	assert.Equal(t, "5s", cfg.Limiter.AdjustCooldown)
	assert.InDelta(t, 0.90, cfg.Limiter.TPMTargetFactor, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "1s", cfg.Retry.Wait)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
}

func TestLoadOverrides(t *testing.T) {
	dir := writeConfig(t, `
models:
  local:
    input: 0
    output: 0
limiter:
  maxTPM: 90000
  initialConcurrency: 4
retry:
  maxAttempts: 5
  wait: 500ms
store:
  enabled: true
  path: /tmp/test.db
`)

	cfg, err := config.Load(config.LoaderOptions{ConfigPaths: []string{dir}})
	require.NoError(t, err)

	assert.Equal(t, 90000, cfg.Limiter.MaxTPM)
	assert.Equal(t, 4, cfg.Limiter.InitialConcurrency)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "500ms", cfg.Retry.Wait)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, "/tmp/test.db", cfg.Store.Path)
}

func TestLoadFailsWithoutModels(t *testing.T) {
	dir := writeConfig(t, `
client:
  model: gpt-4o
`)

	_, err := config.Load(config.LoaderOptions{ConfigPaths: []string{dir}})
	assert.ErrorIs(t, err, config.ErrNoModels)
}

func TestLoadMissingConfigFileFailsOnModels(t *testing.T) {
	_, err := config.Load(config.LoaderOptions{ConfigPaths: []string{t.TempDir()}})
	assert.ErrorIs(t, err, config.ErrNoModels)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("LLMFLOW_TEST_KEY", "secret-from-env")

	dir := writeConfig(t, `
models:
  gpt-4o:
    input: 1.0
    output: 2.0
client:
  apiKey: ${LLMFLOW_TEST_KEY}
`)

	cfg, err := config.Load(config.LoaderOptions{ConfigPaths: []string{dir}})
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Client.APIKey)
}
