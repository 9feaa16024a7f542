package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	llmhttp "github.com/bkyoung/llmflow/internal/adapter/llm/http"
	"github.com/bkyoung/llmflow/internal/adapter/observability"
	"github.com/bkyoung/llmflow/internal/domain"
	"github.com/bkyoung/llmflow/internal/ratelimit"
	"github.com/bkyoung/llmflow/internal/stats"
)

// Request is the payload handed to the remote inference client.
type Request struct {
	Model       string
	Messages    []domain.Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Response is the standardized reply from the remote inference client.
type Response struct {
	Content string
	Usage   domain.Usage
	Model   string
}

// Submitter is the remote inference capability. The engine treats it as
// opaque: one async-safe operation, errors carry all failure context.
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Response, error)
}

// Sentinel errors raised synchronously for configuration and validation
// failures. Per-item remote failures never surface as errors; they become
// failed Outcomes.
var (
	ErrUnknownModel      = errors.New("model not present in models table")
	ErrSchemaUnsupported = errors.New("model does not support JSON schema output")
	ErrCustomIDLength    = errors.New("custom_ids length must match texts length")
)

// Config holds the orchestrator's per-request parameters.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Retry       llmhttp.RetryConfig
}

// Deps captures the orchestrator's collaborators.
type Deps struct {
	Client  Submitter
	Limiter *ratelimit.Limiter
	Stats   *stats.Manager
	Models  domain.ModelTable
	Logger  observability.Logger
}

// Orchestrator fans work items out to the remote client under the adaptive
// rate limiter and aggregates telemetry per batch and globally.
type Orchestrator struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// NewOrchestrator wires the orchestrator dependencies.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Client == nil {
		return nil, errors.New("remote client is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if deps.Stats == nil {
		return nil, errors.New("stats manager is required")
	}
	if len(deps.Models) == 0 {
		return nil, errors.New("models table is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = llmhttp.DefaultRetryConfig()
	}
	return &Orchestrator{deps: deps, cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the orchestrator's clock. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// StatsManager exposes the telemetry store.
func (o *Orchestrator) StatsManager() *stats.Manager {
	return o.deps.Stats
}

// SingleOptions configures ProcessSingle.
type SingleOptions struct {
	JSONSchema   json.RawMessage
	CustomID     string
	TemplateVars map[string]string
}

// BatchOptions configures ProcessBatch.
type BatchOptions struct {
	JSONSchema   json.RawMessage
	BatchID      string
	CustomIDs    []string
	TemplateVars map[string]string
}

// BatchResult is the aggregate returned by ProcessBatch. Results are in
// input order.
type BatchResult struct {
	Results    []domain.Outcome
	BatchStats *stats.Container
	BatchID    string
}

// ProcessSingle formats the prompt, executes one end-to-end request with
// retry, and reports telemetry to the global scope only. Remote failures
// return a failed Outcome, not an error; configuration problems error out
// before any API call.
func (o *Orchestrator) ProcessSingle(ctx context.Context, text, template string, opts SingleOptions) (domain.Outcome, error) {
	if err := o.validateModel(opts.JSONSchema); err != nil {
		return domain.Outcome{}, err
	}

	id := opts.CustomID
	if id == "" {
		id = fmt.Sprintf("single_req_%d", o.now().Unix())
	}
	prompt := FormatPrompt(template, text, opts.TemplateVars)
	return o.executeItem(ctx, id, prompt, opts.JSONSchema, ""), nil
}

// ProcessBatch fans one task per text out under the rate limiter, waits for
// all of them, closes the batch container, and returns results re-indexed to
// input order. No early abort: per-item failures become failed Outcomes.
func (o *Orchestrator) ProcessBatch(ctx context.Context, texts []string, template string, opts BatchOptions) (BatchResult, error) {
	if err := o.validateModel(opts.JSONSchema); err != nil {
		return BatchResult{}, err
	}
	if opts.CustomIDs != nil && len(opts.CustomIDs) != len(texts) {
		return BatchResult{}, fmt.Errorf("%w: got %d ids for %d texts", ErrCustomIDLength, len(opts.CustomIDs), len(texts))
	}

	prefix := opts.BatchID
	if prefix == "" {
		prefix = "batch"
	}
	batchID := fmt.Sprintf("%s_%d", prefix, o.now().Unix())

	o.deps.Stats.StartBatch(batchID)
	o.deps.Logger.LogInfo(ctx, "batch_start", map[string]interface{}{
		"batch_id": batchID,
		"total":    len(texts),
	})

	progress := NewProgressTracker(batchID, len(texts), o.deps.Logger, o.now)
	results := make([]domain.Outcome, len(texts))

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(index int, text string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[index] = domain.Outcome{
						ID:             o.itemID(batchID, index, opts.CustomIDs),
						StartTimestamp: domain.FormatTimestamp(o.now()),
						Success:        false,
						Error:          fmt.Sprintf("task panicked: %v", r),
						ErrorDetails: &domain.ErrorDetails{
							Type:    "Panic",
							Message: fmt.Sprintf("%v", r),
							Stack:   string(debug.Stack()),
						},
						Attempts: 1,
					}
				}
				progress.IncrementAndLog()
			}()

			id := o.itemID(batchID, index, opts.CustomIDs)
			prompt := FormatPrompt(template, text, opts.TemplateVars)
			results[index] = o.executeItem(ctx, id, prompt, opts.JSONSchema, batchID)
		}(i, text)
	}
	wg.Wait()

	container := o.deps.Stats.EndBatch(batchID)
	o.logBatchSummary(ctx, batchID, container)

	return BatchResult{Results: results, BatchStats: container, BatchID: batchID}, nil
}

func (o *Orchestrator) itemID(batchID string, index int, customIDs []string) string {
	if customIDs != nil && customIDs[index] != "" {
		return customIDs[index]
	}
	return fmt.Sprintf("%s_req_%d", batchID, index)
}

// validateModel fails fast on configuration problems, before any API call.
func (o *Orchestrator) validateModel(schema json.RawMessage) error {
	cfg, ok := o.deps.Models[o.cfg.Model]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, o.cfg.Model)
	}
	if schema != nil && !cfg.JSONSchema {
		return fmt.Errorf("%w: %q", ErrSchemaUnsupported, o.cfg.Model)
	}
	return nil
}

// executeItem runs the shared per-item pipeline: acquire a limiter slot,
// retry the remote call, then report completion, telemetry, and concurrency
// end in that order regardless of outcome.
func (o *Orchestrator) executeItem(ctx context.Context, id, prompt string, schema json.RawMessage, batchID string) (out domain.Outcome) {
	start := o.now()
	out = domain.Outcome{
		ID:             id,
		StartTimestamp: domain.FormatTimestamp(start),
		Attempts:       1,
	}

	if err := o.deps.Limiter.Acquire(ctx); err != nil {
		out.Error = err.Error()
		out.ErrorDetails = &domain.ErrorDetails{Type: "Cancelled", Message: err.Error()}
		return out
	}

	o.deps.Stats.RecordConcurrentStart(batchID)

	var (
		resp    *Response
		success bool
	)
	defer func() {
		tokens := 0
		if resp != nil {
			tokens = resp.Usage.TotalTokens
		}
		o.deps.Limiter.RecordCompletion(tokens, success)
		out.Cost = o.deps.Stats.RecordRequest(stats.Record{
			BatchID:         batchID,
			Model:           o.cfg.Model,
			Success:         success,
			InputTokens:     out.InputTokens,
			OutputTokens:    out.OutputTokens,
			CachedTokens:    out.CachedTokens,
			TotalTokens:     out.TotalTokens,
			ErrorType:       errorType(out.ErrorDetails),
			APIResponseTime: out.APIResponseTime,
			Attempts:        out.Attempts,
		})
		o.deps.Stats.RecordConcurrentEnd(batchID)
	}()

	req := Request{
		Model:       o.cfg.Model,
		Messages:    []domain.Message{{Role: "user", Content: prompt}},
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		JSONMode:    schema != nil,
	}

	callStart := o.now()
	attempts, err := llmhttp.Retry(ctx, func(ctx context.Context) error {
		r, submitErr := o.deps.Client.Submit(ctx, req)
		if submitErr != nil {
			return submitErr
		}
		resp = r
		return nil
	}, o.cfg.Retry, o.deps.Limiter.RecordRateLimit)

	out.Attempts = attempts
	out.APIResponseTime = o.now().Sub(callStart).Seconds()

	if err != nil {
		errType := "RetryError"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			errType = "Cancelled"
		}
		out.Error = err.Error()
		out.ErrorDetails = &domain.ErrorDetails{
			Type:    errType,
			Message: err.Error(),
			Stack:   string(debug.Stack()),
		}
		return out
	}

	success = true
	out.Success = true
	out.Content = resp.Content
	out.InputTokens = resp.Usage.PromptTokens
	out.OutputTokens = resp.Usage.CompletionTokens
	out.CachedTokens = resp.Usage.CachedTokens
	out.TotalTokens = resp.Usage.TotalTokens

	if schema != nil {
		var parsed any
		if parseErr := json.Unmarshal([]byte(resp.Content), &parsed); parseErr == nil {
			out.Parsed = parsed
		}
		// Parse failure is non-fatal: the raw content stands.
	}
	return out
}

func errorType(details *domain.ErrorDetails) string {
	if details == nil {
		return ""
	}
	return details.Type
}

func (o *Orchestrator) logBatchSummary(ctx context.Context, batchID string, c *stats.Container) {
	if c == nil {
		return
	}
	o.deps.Logger.LogInfo(ctx, "batch_complete", map[string]interface{}{
		"batch_id":   batchID,
		"total":      c.TotalRequests,
		"successful": c.SuccessfulRequests,
		"failed":     c.FailedRequests,
		"cost":       c.TotalCost,
		"duration":   c.ProcessingTime(),
	})
}
