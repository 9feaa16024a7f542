package dispatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmhttp "github.com/bkyoung/llmflow/internal/adapter/llm/http"
	"github.com/bkyoung/llmflow/internal/domain"
	"github.com/bkyoung/llmflow/internal/ratelimit"
	"github.com/bkyoung/llmflow/internal/stats"
	"github.com/bkyoung/llmflow/internal/usecase/dispatch"
)

// stubSubmitter scripts responses per prompt text and counts calls.
type stubSubmitter struct {
	mu    sync.Mutex
	calls map[string]int
	total int
	fn    func(prompt string, call int) (*dispatch.Response, error)
}

func newStubSubmitter(fn func(prompt string, call int) (*dispatch.Response, error)) *stubSubmitter {
	return &stubSubmitter{calls: make(map[string]int), fn: fn}
}

func (s *stubSubmitter) Submit(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	s.mu.Lock()
	s.calls[prompt]++
	s.total++
	call := s.calls[prompt]
	s.mu.Unlock()
	return s.fn(prompt, call)
}

func (s *stubSubmitter) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func okResponse(content string, in, out, cached int) *dispatch.Response {
	resp := &dispatch.Response{Content: content, Model: "test-model"}
	resp.Usage.PromptTokens = in
	resp.Usage.CompletionTokens = out
	resp.Usage.CachedTokens = cached
	resp.Usage.TotalTokens = in + out
	return resp
}

func testModels() domain.ModelTable {
	return domain.ModelTable{
		"test-model": {Input: 1.0, Output: 2.0, Cache: 0.0, JSONSchema: true},
		"no-schema":  {Input: 1.0, Output: 2.0, Cache: 0.0, JSONSchema: false},
	}
}

type testEngine struct {
	orch    *dispatch.Orchestrator
	manager *stats.Manager
	limiter *ratelimit.Limiter
	stub    *stubSubmitter
}

func newTestEngine(t *testing.T, model string, stub *stubSubmitter) *testEngine {
	t.Helper()

	manager := stats.NewManager(stats.NewTablePricing(testModels()), nil)
	limiter, err := ratelimit.New(ratelimit.DefaultConfig(60000), nil, func(e ratelimit.Event) {
		manager.RecordRateLimiterEvent(e, "")
	})
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	orch, err := dispatch.NewOrchestrator(dispatch.Deps{
		Client:  stub,
		Limiter: limiter,
		Stats:   manager,
		Models:  testModels(),
	}, dispatch.Config{
		Model: model,
		Retry: llmhttp.RetryConfig{MaxAttempts: 3, Wait: time.Millisecond},
	})
	require.NoError(t, err)

	return &testEngine{orch: orch, manager: manager, limiter: limiter, stub: stub}
}

func TestHappyPathSmallBatch(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse("echo: "+prompt, 100, 50, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	texts := []string{"alpha", "beta", "gamma"}
	result, err := eng.orch.ProcessBatch(context.Background(), texts, "", dispatch.BatchOptions{})
	require.NoError(t, err)

	require.Len(t, result.Results, 3)
	for i, outcome := range result.Results {
		assert.True(t, outcome.Success)
		assert.Equal(t, "echo: "+texts[i], outcome.Content, "results keep input order")
		assert.Equal(t, 100, outcome.InputTokens)
		assert.Equal(t, 50, outcome.OutputTokens)
		assert.Equal(t, 150, outcome.TotalTokens)
		assert.Equal(t, 1, outcome.Attempts)
		assert.InDelta(t, 0.20, outcome.Cost, 1e-9)
		assert.Equal(t, fmt.Sprintf("%s_req_%d", result.BatchID, i), outcome.ID)
	}

	c := result.BatchStats
	require.NotNil(t, c)
	require.True(t, c.Closed())
	assert.Equal(t, 3, c.TotalRequests)
	assert.Equal(t, 3, c.SuccessfulRequests)
	assert.Equal(t, 0, c.FailedRequests)
	assert.InDelta(t, 0.60, c.TotalCost, 1e-9)
	assert.LessOrEqual(t, c.ConcurrentPeak, 3)
	assert.GreaterOrEqual(t, c.ConcurrentPeak, 1)

	require.Eventually(t, func() bool {
		peak := eng.manager.GetGlobal().PeakTPM
		return peak == 450
	}, time.Second, 10*time.Millisecond, "peak TPM settles at the window total")
}

func TestRateLimitPushbackRetried(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		if prompt == "beta" && call == 1 {
			return nil, errors.New("token rate limit; try again in 2s")
		}
		return okResponse(prompt, 100, 50, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	result, err := eng.orch.ProcessBatch(context.Background(), []string{"alpha", "beta", "gamma"}, "", dispatch.BatchOptions{})
	require.NoError(t, err)

	byContent := make(map[string]domain.Outcome)
	for _, outcome := range result.Results {
		require.True(t, outcome.Success)
		byContent[outcome.Content] = outcome
	}
	assert.Equal(t, 2, byContent["beta"].Attempts)
	assert.Equal(t, 1, byContent["alpha"].Attempts)

	assert.Equal(t, 3, result.BatchStats.SuccessfulRequests)
	assert.Equal(t, 1, result.BatchStats.RetryCount)

	// Emergency tuning halved the initial concurrency, floor respected.
	assert.Equal(t, 5, eng.limiter.Concurrency())
	assert.GreaterOrEqual(t, eng.limiter.Concurrency(), 2)

	require.Eventually(t, func() bool {
		return eng.manager.GetGlobal().APIRateLimitsDetected == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTerminalFailure(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		if prompt == "alpha" {
			return nil, errors.New("boom")
		}
		return okResponse(prompt, 100, 50, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	result, err := eng.orch.ProcessBatch(context.Background(), []string{"alpha", "beta", "gamma"}, "", dispatch.BatchOptions{})
	require.NoError(t, err, "per-item failures never raise from ProcessBatch")

	failed := result.Results[0]
	assert.False(t, failed.Success)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.Error, "boom")
	require.NotNil(t, failed.ErrorDetails)
	assert.Equal(t, "RetryError", failed.ErrorDetails.Type)
	assert.NotEmpty(t, failed.ErrorDetails.Stack)

	assert.True(t, result.Results[1].Success)
	assert.True(t, result.Results[2].Success)

	c := result.BatchStats
	assert.Equal(t, 3, c.TotalRequests)
	assert.Equal(t, 1, c.FailedRequests)
	assert.Equal(t, 1, c.ErrorTypeCounts["RetryError"])
	assert.Equal(t, 2, c.RetryCount)
}

func TestJSONSchemaIncompatibleFailsBeforeAnyCall(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "no-schema", stub)

	schema := json.RawMessage(`{"type":"object"}`)

	_, err := eng.orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{JSONSchema: schema})
	assert.ErrorIs(t, err, dispatch.ErrSchemaUnsupported)
	assert.Equal(t, 0, eng.stub.totalCalls(), "no remote call may be issued")

	_, err = eng.orch.ProcessBatch(context.Background(), []string{"alpha"}, "", dispatch.BatchOptions{JSONSchema: schema})
	assert.ErrorIs(t, err, dispatch.ErrSchemaUnsupported)
	assert.Equal(t, 0, eng.stub.totalCalls())
}

func TestUnknownModelRejected(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})

	manager := stats.NewManager(stats.NewTablePricing(testModels()), nil)
	limiter, err := ratelimit.New(ratelimit.DefaultConfig(60000), nil, nil)
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	orch, err := dispatch.NewOrchestrator(dispatch.Deps{
		Client:  stub,
		Limiter: limiter,
		Stats:   manager,
		Models:  testModels(),
	}, dispatch.Config{Model: "missing-model"})
	require.NoError(t, err)

	_, err = orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{})
	assert.ErrorIs(t, err, dispatch.ErrUnknownModel)
}

func TestJSONModeParsesContent(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(`{"answer":42}`, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	outcome, err := eng.orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{
		JSONSchema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)

	parsed, ok := outcome.Parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), parsed["answer"])
}

func TestJSONParseFailureNonFatal(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse("not json at all", 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	outcome, err := eng.orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{
		JSONSchema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)
	assert.True(t, outcome.Success, "parse failure keeps the outcome successful")
	assert.Equal(t, "not json at all", outcome.Content)
	assert.Nil(t, outcome.Parsed)
}

func TestProcessSingleFailureReturnsOutcome(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return nil, errors.New("boom")
	})
	eng := newTestEngine(t, "test-model", stub)

	outcome, err := eng.orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{})
	require.NoError(t, err, "remote failures return, they do not raise")
	assert.False(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestProcessSingleGlobalScopeOnly(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	outcome, err := eng.orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{CustomID: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", outcome.ID)
	assert.Equal(t, 1, eng.manager.GetGlobal().TotalRequests)
}

func TestEmptyBatch(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	result, err := eng.orch.ProcessBatch(context.Background(), nil, "", dispatch.BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Results)
	require.NotNil(t, result.BatchStats)
	assert.True(t, result.BatchStats.Closed())
	assert.Equal(t, 0, result.BatchStats.TotalRequests)
}

func TestCustomIDLengthMismatch(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	_, err := eng.orch.ProcessBatch(context.Background(), []string{"a", "b"}, "", dispatch.BatchOptions{
		CustomIDs: []string{"only-one"},
	})
	assert.ErrorIs(t, err, dispatch.ErrCustomIDLength)
	assert.Equal(t, 0, eng.stub.totalCalls(), "validation fires before any task is created")
}

func TestCustomIDsAppliedAndSynthesized(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	result, err := eng.orch.ProcessBatch(context.Background(), []string{"a", "b"}, "", dispatch.BatchOptions{
		BatchID:   "job",
		CustomIDs: []string{"first", ""},
	})
	require.NoError(t, err)

	assert.Equal(t, "first", result.Results[0].ID)
	assert.Equal(t, fmt.Sprintf("%s_req_1", result.BatchID), result.Results[1].ID, "missing ids are synthesized")
	assert.Contains(t, result.BatchID, "job_")
}

func TestBatchAccountingInvariant(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		if prompt == "bad" {
			return nil, errors.New("boom")
		}
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	texts := []string{"a", "bad", "b", "c", "bad"}
	result, err := eng.orch.ProcessBatch(context.Background(), texts, "", dispatch.BatchOptions{})
	require.NoError(t, err)

	ok, failed := 0, 0
	for _, r := range result.Results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	assert.Equal(t, len(texts), ok+failed)

	c := result.BatchStats
	assert.Equal(t, c.TotalRequests, c.SuccessfulRequests+c.FailedRequests)
	assert.Equal(t, 0, c.CurrentConcurrentRequests, "matched start/end leaves the gauge at zero")
	assert.GreaterOrEqual(t, c.ConcurrentPeak, 1)
}

func TestOutcomeFieldOrderStable(t *testing.T) {
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	outcome, err := eng.orch.ProcessSingle(context.Background(), "alpha", "", dispatch.SingleOptions{CustomID: "x"})
	require.NoError(t, err)

	raw, err := json.Marshal(outcome)
	require.NoError(t, err)

	idIdx := bytes.Index(raw, []byte(`"id"`))
	startIdx := bytes.Index(raw, []byte(`"start_timestamp"`))
	successIdx := bytes.Index(raw, []byte(`"success"`))
	attemptsIdx := bytes.Index(raw, []byte(`"attempts"`))
	assert.True(t, idIdx < startIdx && startIdx < successIdx && successIdx < attemptsIdx,
		"serialized field order must be stable: %s", raw)
}

func TestTemplateFormatting(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	stub := newStubSubmitter(func(prompt string, call int) (*dispatch.Response, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return okResponse(prompt, 10, 5, 0), nil
	})
	eng := newTestEngine(t, "test-model", stub)

	_, err := eng.orch.ProcessSingle(context.Background(), "world", "Say {greeting}, {text}!", dispatch.SingleOptions{
		TemplateVars: map[string]string{"greeting": "hello"},
	})
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "Say hello, world!", prompts[0])
}
