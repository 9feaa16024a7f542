package config

import (
	"github.com/bkyoung/llmflow/internal/domain"
)

// Config represents the full application configuration.
type Config struct {
	Models        domain.ModelTable   `yaml:"models" mapstructure:"models"`
	Client        ClientConfig        `yaml:"client" mapstructure:"client"`
	Limiter       LimiterConfig       `yaml:"limiter" mapstructure:"limiter"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// ClientConfig configures the remote inference client.
type ClientConfig struct {
	BaseURL     string  `yaml:"baseURL" mapstructure:"baseURL"`
	APIKey      string  `yaml:"apiKey" mapstructure:"apiKey"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"maxTokens" mapstructure:"maxTokens"`
	Timeout     string  `yaml:"timeout" mapstructure:"timeout"`
}

// LimiterConfig configures the adaptive rate limiter. Everything the limiter
// tunes by is injected here rather than living as process-wide constants.
type LimiterConfig struct {
	MaxTPM             int     `yaml:"maxTPM" mapstructure:"maxTPM"`
	InitialConcurrency int     `yaml:"initialConcurrency" mapstructure:"initialConcurrency"`
	MinConcurrency     int     `yaml:"minConcurrency" mapstructure:"minConcurrency"`
	MaxConcurrency     int     `yaml:"maxConcurrency" mapstructure:"maxConcurrency"`
	Window             string  `yaml:"window" mapstructure:"window"`
	CostSampleSize     int     `yaml:"costSampleSize" mapstructure:"costSampleSize"`
	DefaultRequestCost int     `yaml:"defaultRequestCost" mapstructure:"defaultRequestCost"`
	AdjustEvery        int     `yaml:"adjustEvery" mapstructure:"adjustEvery"`
	AdjustCooldown     string  `yaml:"adjustCooldown" mapstructure:"adjustCooldown"`
	TPMTargetFactor    float64 `yaml:"tpmTargetFactor" mapstructure:"tpmTargetFactor"`
}

// RetryConfig configures the fixed-attempt retry policy.
type RetryConfig struct {
	MaxAttempts int    `yaml:"maxAttempts" mapstructure:"maxAttempts"`
	Wait        string `yaml:"wait" mapstructure:"wait"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, human, auto
}
