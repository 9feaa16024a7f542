package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// ErrNoModels indicates the required models table is missing from the
// configuration. The engine cannot price or validate requests without it.
var ErrNoModels = errors.New("models table is required")

// LoaderOptions describes how configuration should be discovered.
type LoaderOptions struct {
	ConfigPaths []string
	FileName    string
	EnvPrefix   string
}

// Load returns the merged configuration from files and environment
// variables. A missing or empty models table is a fatal startup error.
func Load(opts LoaderOptions) (Config, error) {
	v := viper.New()

	name := opts.FileName
	if name == "" {
		name = "llmflow"
	}

	configFile := locateConfigFile(name, opts.ConfigPaths)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(name)
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = "LLMFLOW"
	}
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)

	setDefaults(v)

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg = expandEnvVars(cfg)

	if len(cfg.Models) == 0 {
		return Config{}, fmt.Errorf("%w (config file: %q)", ErrNoModels, configFile)
	}

	return cfg, nil
}

// expandEnvVars expands ${VAR} and $VAR syntax in configuration strings.
func expandEnvVars(cfg Config) Config {
	cfg.Client.BaseURL = expandEnvString(cfg.Client.BaseURL)
	cfg.Client.APIKey = expandEnvString(cfg.Client.APIKey)
	cfg.Client.Model = expandEnvString(cfg.Client.Model)
	cfg.Store.Path = expandEnvString(cfg.Store.Path)
	cfg.Observability.Logging.Level = expandEnvString(cfg.Observability.Logging.Level)
	cfg.Observability.Logging.Format = expandEnvString(cfg.Observability.Logging.Format)
	return cfg
}

// expandEnvString replaces ${VAR} or $VAR with environment variable values.
func expandEnvString(s string) string {
	if s == "" {
		return s
	}

	re := regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	re = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[1:]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return s
}

func locateConfigFile(name string, paths []string) string {
	searchPaths := append([]string{}, paths...)
	searchPaths = append(searchPaths, ".")
	for _, dir := range searchPaths {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name+".yaml")
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	// Client defaults
	v.SetDefault("client.temperature", 0.0)
	v.SetDefault("client.timeout", "120s")

	// Limiter defaults
	v.SetDefault("limiter.maxTPM", 60000)
	v.SetDefault("limiter.initialConcurrency", 10)
	v.SetDefault("limiter.minConcurrency", 2)
	v.SetDefault("limiter.maxConcurrency", 100)
	v.SetDefault("limiter.window", "60s")
	v.SetDefault("limiter.costSampleSize", 50)
	v.SetDefault("limiter.defaultRequestCost", 1500)
	v.SetDefault("limiter.adjustEvery", 20)
	v.SetDefault("limiter.adjustCooldown", "5s")
	v.SetDefault("limiter.tpmTargetFactor", 0.90)

	// Retry defaults
	v.SetDefault("retry.maxAttempts", 3)
	v.SetDefault("retry.wait", "1s")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", defaultStorePath())

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "auto")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./llmflow.db"
	}
	return filepath.Join(home, ".config", "llmflow", "llmflow.db")
}
