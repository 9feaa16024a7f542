package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bkyoung/llmflow/internal/adapter/cli"
	llmhttp "github.com/bkyoung/llmflow/internal/adapter/llm/http"
	"github.com/bkyoung/llmflow/internal/adapter/llm/openai"
	"github.com/bkyoung/llmflow/internal/adapter/observability"
	"github.com/bkyoung/llmflow/internal/adapter/store/sqlite"
	"github.com/bkyoung/llmflow/internal/config"
	"github.com/bkyoung/llmflow/internal/ratelimit"
	"github.com/bkyoung/llmflow/internal/stats"
	"github.com/bkyoung/llmflow/internal/store"
	"github.com/bkyoung/llmflow/internal/usecase/dispatch"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, cli.ErrVersionRequested) {
			return
		}
		log.Println(err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPaths: defaultConfigPaths(),
		FileName:    "llmflow",
		EnvPrefix:   "LLMFLOW",
	})
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logger := buildLogger(cfg.Observability.Logging)

	pricing := stats.NewTablePricing(cfg.Models)
	manager := stats.NewManager(pricing, logger)

	limiter, err := ratelimit.New(buildLimiterConfig(cfg.Limiter), logger, func(e ratelimit.Event) {
		manager.RecordRateLimiterEvent(e, "")
	})
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	defer limiter.Close()

	client := openai.NewClient(cfg.Client.APIKey)
	if cfg.Client.BaseURL != "" {
		client.SetBaseURL(cfg.Client.BaseURL)
	}
	if timeout := parseDuration(cfg.Client.Timeout, 120*time.Second); timeout > 0 {
		client.SetTimeout(timeout)
	}

	orchestrator, err := dispatch.NewOrchestrator(dispatch.Deps{
		Client:  client,
		Limiter: limiter,
		Stats:   manager,
		Models:  cfg.Models,
		Logger:  logger,
	}, dispatch.Config{
		Model:       cfg.Client.Model,
		Temperature: cfg.Client.Temperature,
		MaxTokens:   cfg.Client.MaxTokens,
		Retry: llmhttp.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Wait:        parseDuration(cfg.Retry.Wait, time.Second),
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	var st store.Store
	if cfg.Store.Enabled {
		sqliteStore, err := sqlite.NewStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer sqliteStore.Close()
		st = sqliteStore
	}

	root := cli.NewRootCommand(cli.Dependencies{
		Runner:  orchestrator,
		Store:   st,
		Models:  cfg.Models,
		Model:   cfg.Client.Model,
		Version: version,
	})
	return root.ExecuteContext(ctx)
}

func buildLogger(cfg config.LoggingConfig) observability.Logger {
	format := observability.ParseFormat(cfg.Format)
	if cfg.Format == "" || cfg.Format == "auto" {
		format = observability.LogFormatJSON
		if cli.IsOutputTerminal() {
			format = observability.LogFormatHuman
		}
	}
	return observability.NewDefaultLogger(observability.ParseLevel(cfg.Level), format)
}

func buildLimiterConfig(cfg config.LimiterConfig) ratelimit.Config {
	out := ratelimit.DefaultConfig(cfg.MaxTPM)
	if cfg.InitialConcurrency > 0 {
		out.InitialConcurrency = cfg.InitialConcurrency
	}
	if cfg.MinConcurrency > 0 {
		out.MinConcurrency = cfg.MinConcurrency
	}
	if cfg.MaxConcurrency > 0 {
		out.MaxConcurrency = cfg.MaxConcurrency
	}
	if d := parseDuration(cfg.Window, 0); d > 0 {
		out.Window = d
	}
	if cfg.CostSampleSize > 0 {
		out.CostSampleSize = cfg.CostSampleSize
	}
	if cfg.DefaultRequestCost > 0 {
		out.DefaultRequestCost = cfg.DefaultRequestCost
	}
	if cfg.AdjustEvery > 0 {
		out.AdjustEvery = cfg.AdjustEvery
	}
	if d := parseDuration(cfg.AdjustCooldown, 0); d > 0 {
		out.AdjustCooldown = d
	}
	if cfg.TPMTargetFactor > 0 {
		out.TPMTargetFactor = cfg.TPMTargetFactor
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home+"/.config/llmflow")
	}
	return paths
}
